package pelican

import (
	"encoding/json"

	"github.com/tailscale/hujson"
)

// plainValue converts a parsed JSONC value into the document value types.
// Objects lose member order; use the hujson tree directly where order matters.
func plainValue(v hujson.Value) (any, error) {
	switch t := v.Value.(type) {
	case hujson.Literal:
		return literalValue(t)
	case *hujson.Object:
		m := make(map[string]any, len(t.Members))
		for _, mem := range t.Members {
			name, err := memberName(mem)
			if err != nil {
				return nil, err
			}
			val, err := plainValue(mem.Value)
			if err != nil {
				return nil, err
			}
			m[name] = val
		}
		return m, nil
	case *hujson.Array:
		s := make([]any, 0, len(t.Elements))
		for _, e := range t.Elements {
			val, err := plainValue(e)
			if err != nil {
				return nil, err
			}
			s = append(s, val)
		}
		return s, nil
	default:
		return nil, validationErrf("unexpected JSON value %T", v.Value)
	}
}

func literalValue(lit hujson.Literal) (any, error) {
	switch lit.Kind() {
	case 'n':
		return nil, nil
	case 't', 'f':
		return lit.Bool(), nil
	case '"':
		return lit.String(), nil
	case '0':
		return normalizeValue(json.Number(string(lit)))
	default:
		return nil, validationErrf("invalid JSON literal %q", string(lit))
	}
}

func memberName(mem hujson.ObjectMember) (string, error) {
	lit, ok := mem.Name.Value.(hujson.Literal)
	if !ok || lit.Kind() != '"' {
		return "", validationErrf("invalid object member name")
	}
	return lit.String(), nil
}
