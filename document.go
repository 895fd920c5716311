package pelican

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"

	"github.com/google/uuid"
	"github.com/tailscale/hujson"
)

const (
	IDField      = "_id"
	VersionField = "_version"
)

// Document is a schemaless JSON-like record. Values are strings, int64,
// uint64, float64, bool, nil, map[string]any and []any; documents passed in
// are normalized to these types before being stored.
type Document map[string]any

// ID returns the _id field, or an empty string if it is not set.
func (d Document) ID() string {
	s, _ := d[IDField].(string)
	return s
}

// Version returns the _version field, or -1 if it is not set.
func (d Document) Version() int64 {
	switch v := d[VersionField].(type) {
	case int64:
		return v
	case uint64:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return -1
	}
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return Document(cloneValue(map[string]any(d)).(map[string]any))
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(v))
		for k, e := range v {
			m[k] = cloneValue(e)
		}
		return m
	case Document:
		return cloneValue(map[string]any(v))
	case []any:
		s := make([]any, len(v))
		for i, e := range v {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}

func cloneDocs(docs []Document) []Document {
	result := make([]Document, len(docs))
	for i, doc := range docs {
		result[i] = doc.Clone()
	}
	return result
}

// normalizeDocument converts the values of d in place to the types produced
// by decoding, so that a stored document compares equal to what is read back.
func normalizeDocument(d Document) error {
	for k, v := range d {
		nv, err := normalizeValue(v)
		if err != nil {
			return fmt.Errorf("%w: field %q: %v", ErrValidation, k, err)
		}
		d[k] = nv
	}
	return nil
}

func normalizeValue(v any) (any, error) {
	switch v := v.(type) {
	case nil, string, bool, int64, uint64, float64:
		return v, nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint:
		return uint64(v), nil
	case uint8:
		return uint64(v), nil
	case uint16:
		return uint64(v), nil
	case uint32:
		return uint64(v), nil
	case float32:
		return float64(v), nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		f, err := v.Float64()
		if err != nil {
			return nil, err
		}
		return f, nil
	case []byte:
		return string(v), nil
	case Document:
		return normalizeValue(map[string]any(v))
	case map[string]any:
		for k, e := range v {
			ne, err := normalizeValue(e)
			if err != nil {
				return nil, err
			}
			v[k] = ne
		}
		return v, nil
	case []any:
		for i, e := range v {
			ne, err := normalizeValue(e)
			if err != nil {
				return nil, err
			}
			v[i] = ne
		}
		return v, nil
	case []string:
		s := make([]any, len(v))
		for i, e := range v {
			s[i] = e
		}
		return s, nil
	case []Document:
		s := make([]any, len(v))
		for i, e := range v {
			ne, err := normalizeValue(map[string]any(e))
			if err != nil {
				return nil, err
			}
			s[i] = ne
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// ParseDocument parses a JSON (or JSONC) object into a Document.
func ParseDocument(data []byte) (Document, error) {
	v, err := parseJSON(data)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, validationErrf("document must be a JSON object, got %T", v)
	}
	return Document(m), nil
}

// ParseDocuments parses either a single JSON object or an array of objects.
func ParseDocuments(data []byte) ([]Document, error) {
	v, err := parseJSON(data)
	if err != nil {
		return nil, err
	}
	return documentsFromValue(v)
}

func documentsFromValue(v any) ([]Document, error) {
	switch v := v.(type) {
	case map[string]any:
		return []Document{v}, nil
	case []any:
		docs := make([]Document, 0, len(v))
		for i, e := range v {
			m, ok := e.(map[string]any)
			if !ok {
				return nil, validationErrf("element %d must be a JSON object, got %T", i, e)
			}
			docs = append(docs, m)
		}
		return docs, nil
	default:
		return nil, validationErrf("expected a JSON object or array, got %T", v)
	}
}

func parseJSON(data []byte) (any, error) {
	std, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("%w: not a JSON: %v", ErrValidation, err)
	}
	dec := json.NewDecoder(bytes.NewReader(std))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: not a JSON: %v", ErrValidation, err)
	}
	return normalizeValue(v)
}

func newID() string {
	return uuid.NewString()
}

func versionKey(id string, version int64) string {
	return id + "_" + strconv.FormatInt(version, 10)
}

// mergePatch overwrites top-level fields of doc with the fields of patch.
func mergePatch(doc, patch Document) {
	maps.Copy(doc, patch.Clone())
}
