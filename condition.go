package pelican

import (
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strings"

	"github.com/tailscale/hujson"
)

// Condition is a query over documents. The concrete types are Fields,
// FieldMatch, And, Or, Not and Predicate.
//
// A condition evaluates to a result and a flag telling whether it decided
// anything. A FieldMatch only decides when the document has the field; Fields
// returns the result of its first deciding clause. Everything undecided counts
// as false.
type Condition interface {
	eval(doc Document) (result, decided bool, err error)
}

// Evaluate reports whether doc satisfies cond. A nil condition is false.
func Evaluate(cond Condition, doc Document) (bool, error) {
	if cond == nil {
		return false, nil
	}
	r, decided, err := cond.eval(doc)
	if err != nil {
		return false, err
	}
	return decided && r, nil
}

// Fields is a mapping condition. Clauses are examined in order and the first
// one that decides is the result: {a: 1, b: 2} is NOT an implicit AND, it is
// decided by whichever of a and b is found first. Wrap clauses in And for
// conjunction.
type Fields []Condition

func (c Fields) eval(doc Document) (bool, bool, error) {
	for _, clause := range c {
		r, decided, err := clause.eval(doc)
		if err != nil {
			return false, false, err
		}
		if decided {
			return r, true, nil
		}
	}
	return false, false, nil
}

// And evaluates every sub-condition and combines the results. Empty is false.
type And []Condition

func (c And) eval(doc Document) (bool, bool, error) {
	var res, set bool
	for _, sub := range c {
		r, err := Evaluate(sub, doc)
		if err != nil {
			return false, true, err
		}
		if !set {
			res, set = r, true
		} else {
			res = res && r
		}
	}
	return res, true, nil
}

// Or evaluates every sub-condition and combines the results. Empty is false.
type Or []Condition

func (c Or) eval(doc Document) (bool, bool, error) {
	var res, set bool
	for _, sub := range c {
		r, err := Evaluate(sub, doc)
		if err != nil {
			return false, true, err
		}
		if !set {
			res, set = r, true
		} else {
			res = res || r
		}
	}
	return res, true, nil
}

// Not negates the wrapped condition. It always decides, so a negated match on
// a missing field is true.
type Not struct {
	Cond Condition
}

func (c Not) eval(doc Document) (bool, bool, error) {
	r, err := Evaluate(c.Cond, doc)
	if err != nil {
		return false, true, err
	}
	return !r, true, nil
}

// Predicate is a custom condition: Fn is called with the document followed
// by Args, and its result is used as is.
type Predicate struct {
	Fn   func(doc Document, args ...any) bool
	Args []any
}

// Func builds a Predicate.
func Func(fn func(doc Document, args ...any) bool, args ...any) Predicate {
	return Predicate{fn, args}
}

func (c Predicate) eval(doc Document) (bool, bool, error) {
	if c.Fn == nil {
		return false, true, validationErrf("predicate condition without a function")
	}
	return c.Fn(doc, c.Args...), true, nil
}

type MatchOp int

const (
	MatchEq MatchOp = iota
	MatchRegex
	MatchNe
	MatchIn
	MatchNin
	MatchGt
	MatchGte
	MatchLt
	MatchLte
)

var matchOpNames = map[string]MatchOp{
	"$eq":    MatchEq,
	"$regex": MatchRegex,
	"$ne":    MatchNe,
	"$in":    MatchIn,
	"$nin":   MatchNin,
	"$gt":    MatchGt,
	"$gte":   MatchGte,
	"$lt":    MatchLt,
	"$lte":   MatchLte,
}

// operatorPriority is the order in which operators are looked up when an
// operator object carries more than one of them.
var operatorPriority = []string{"$regex", "$ne", "$not", "$in", "$nin", "$eq", "$gt", "$gte", "$lt", "$lte"}

func (op MatchOp) String() string {
	for name, v := range matchOpNames {
		if v == op {
			return name
		}
	}
	return fmt.Sprintf("invalid match op %d", int(op))
}

// FieldMatch compares one document field against Value. For MatchRegex,
// Value is a pattern string or a *regexp.Regexp and only string fields are
// considered.
type FieldMatch struct {
	Field string
	Op    MatchOp
	Value any
}

// Eq matches documents whose field equals value.
func Eq(field string, value any) FieldMatch {
	return FieldMatch{field, MatchEq, value}
}

// Match builds a FieldMatch for the given operator.
func Match(field string, op MatchOp, value any) FieldMatch {
	return FieldMatch{field, op, value}
}

// Regex builds a MatchRegex condition, compiling the pattern upfront.
func Regex(field, pattern string) (FieldMatch, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return FieldMatch{}, validationErrf("bad $regex %q: %v", pattern, err)
	}
	return FieldMatch{field, MatchRegex, re}, nil
}

func (c FieldMatch) eval(doc Document) (bool, bool, error) {
	v, found := doc[c.Field]
	if !found {
		return false, false, nil
	}
	switch c.Op {
	case MatchRegex:
		s, ok := v.(string)
		if !ok {
			return false, false, nil
		}
		re, err := c.regexp()
		if err != nil {
			return false, true, err
		}
		return re.MatchString(s), true, nil
	case MatchEq:
		return equalValues(v, c.Value), true, nil
	case MatchNe:
		return !equalValues(v, c.Value), true, nil
	case MatchIn, MatchNin:
		in, err := containsValue(c.Value, v)
		if err != nil {
			return false, true, fmt.Errorf("%s %s: %w", c.Field, c.Op, err)
		}
		return in == (c.Op == MatchIn), true, nil
	case MatchGt, MatchGte, MatchLt, MatchLte:
		cmp, err := compareValues(v, c.Value)
		if err != nil {
			return false, true, fmt.Errorf("%s %s: %w", c.Field, c.Op, err)
		}
		switch c.Op {
		case MatchGt:
			return cmp > 0, true, nil
		case MatchGte:
			return cmp >= 0, true, nil
		case MatchLt:
			return cmp < 0, true, nil
		default:
			return cmp <= 0, true, nil
		}
	default:
		return false, true, validationErrf("unknown match operator %d", int(c.Op))
	}
}

func (c FieldMatch) regexp() (*regexp.Regexp, error) {
	switch p := c.Value.(type) {
	case *regexp.Regexp:
		return p, nil
	case string:
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, validationErrf("bad $regex %q: %v", p, err)
		}
		return re, nil
	default:
		return nil, validationErrf("$regex operand must be a string, got %T", c.Value)
	}
}

// containsValue implements $in: membership in a list, or substring search
// when both sides are strings.
func containsValue(container, v any) (bool, error) {
	switch c := container.(type) {
	case []any:
		for _, e := range c {
			if equalValues(e, v) {
				return true, nil
			}
		}
		return false, nil
	case []string:
		for _, e := range c {
			if equalValues(e, v) {
				return true, nil
			}
		}
		return false, nil
	case string:
		s, ok := v.(string)
		if !ok {
			return false, fmt.Errorf("%w: %T in string", ErrIncomparable, v)
		}
		return strings.Contains(c, s), nil
	default:
		return false, fmt.Errorf("%w: $in operand is %T", ErrIncomparable, container)
	}
}

func toFloat(v any) (float64, bool) {
	switch v := v.(type) {
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case uint32:
		return float64(v), true
	case float32:
		return float64(v), true
	default:
		return 0, false
	}
}

func toInt(v any) (int64, bool) {
	switch v := v.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	default:
		return 0, false
	}
}

// compareValues orders a and b. Numbers compare across integer and float
// types; strings and bools compare among themselves.
func compareValues(a, b any) (int, error) {
	if ai, ok := toInt(a); ok {
		if bi, ok := toInt(b); ok {
			return cmp3(ai, bi), nil
		}
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return cmp3(af, bf), nil
		}
	}
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv), nil
		}
	case bool:
		if bv, ok := b.(bool); ok {
			return cmp3(b2i(av), b2i(bv)), nil
		}
	}
	return 0, fmt.Errorf("%w: %T and %T", ErrIncomparable, a, b)
}

func cmp3[T int64 | float64 | int](a, b T) int {
	if a < b {
		return -1
	} else if a > b {
		return 1
	}
	return 0
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func equalValues(a, b any) bool {
	if ai, ok := toInt(a); ok {
		if bi, ok := toInt(b); ok {
			return ai == bi
		}
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case Document:
		return equalValues(map[string]any(av), b)
	case map[string]any:
		var bm map[string]any
		switch bv := b.(type) {
		case map[string]any:
			bm = bv
		case Document:
			bm = bv
		default:
			return false
		}
		if len(av) != len(bm) {
			return false
		}
		for k, e := range av {
			be, found := bm[k]
			if !found || !equalValues(e, be) {
				return false
			}
		}
		return true
	case []any:
		bs, ok := b.([]any)
		if !ok || len(av) != len(bs) {
			return false
		}
		for i := range av {
			if !equalValues(av[i], bs[i]) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}

// ParseCondition parses a JSON (or JSONC) query. Object member order is
// preserved since it decides which clause of a mapping condition wins.
// Predicates cannot be expressed in JSON, so arrays are rejected.
func ParseCondition(data []byte) (Condition, error) {
	v, err := hujson.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: condition is not a JSON: %v", ErrValidation, err)
	}
	return conditionFromJSON(v)
}

func conditionFromJSON(v hujson.Value) (Condition, error) {
	obj, ok := v.Value.(*hujson.Object)
	if !ok {
		return nil, validationErrf("condition must be a JSON object")
	}
	var result Fields
	for _, mem := range obj.Members {
		key, err := memberName(mem)
		if err != nil {
			return nil, err
		}
		clause, err := clauseFromJSON(key, mem.Value)
		if err != nil {
			return nil, err
		}
		if clause != nil {
			result = append(result, clause)
		}
	}
	return result, nil
}

// clauseFromJSON returns nil for clauses that can never decide, like an
// operator object without a known operator.
func clauseFromJSON(key string, v hujson.Value) (Condition, error) {
	if key == "$and" || key == "$or" {
		arr, ok := v.Value.(*hujson.Array)
		if !ok {
			return nil, validationErrf("%s takes an array of conditions", key)
		}
		subs := make([]Condition, 0, len(arr.Elements))
		for _, e := range arr.Elements {
			sub, err := conditionFromJSON(e)
			if err != nil {
				return nil, err
			}
			subs = append(subs, sub)
		}
		if key == "$and" {
			return And(subs), nil
		}
		return Or(subs), nil
	}

	obj, ok := v.Value.(*hujson.Object)
	if !ok {
		val, err := plainValue(v)
		if err != nil {
			return nil, err
		}
		return Eq(key, val), nil
	}

	operands := make(map[string]hujson.Value, len(obj.Members))
	for _, mem := range obj.Members {
		name, err := memberName(mem)
		if err != nil {
			return nil, err
		}
		operands[name] = mem.Value
	}
	for _, name := range operatorPriority {
		operand, found := operands[name]
		if !found {
			continue
		}
		if name == "$not" {
			inner, err := clauseFromJSON(key, operand)
			if err != nil {
				return nil, err
			}
			if inner == nil {
				return Not{Fields{}}, nil
			}
			return Not{Fields{inner}}, nil
		}
		val, err := plainValue(operand)
		if err != nil {
			return nil, err
		}
		op := matchOpNames[name]
		if op == MatchRegex {
			pattern, ok := val.(string)
			if !ok {
				return nil, validationErrf("$regex operand must be a string")
			}
			return Regex(key, pattern)
		}
		return Match(key, op, val), nil
	}
	return nil, nil
}
