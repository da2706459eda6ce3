package authz

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

var knownOperators = []Operator{
	OperatorEquals, OperatorContains, OperatorStartsWith, OperatorEndsWith, OperatorMatches,
	OperatorIn, OperatorGT, OperatorLT, OperatorGTE, OperatorLTE,
}

// pathSyntax holds the gjson query characters. Condition paths are plain
// dotted keys, so none of them may appear.
const pathSyntax = "*?#|@\\!{}[]"

// patterns holds every compiled 'matches' pattern, keyed by source.
var patterns sync.Map

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if re, ok := patterns.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	actual, _ := patterns.LoadOrStore(pattern, re)
	return actual.(*regexp.Regexp), nil
}

func validAttributePath(path string) bool {
	if path == "" || strings.ContainsAny(path, pathSyntax) {
		return false
	}
	return !slices.Contains(strings.Split(path, "."), "")
}

// ValidatePolicy rejects policies that could never be evaluated.
func ValidatePolicy(p Policy) error {
	if p.ID == "" {
		return fmt.Errorf("policy id is required")
	}
	if p.Effect != EffectAllow && p.Effect != EffectDeny {
		return fmt.Errorf("policy %q: effect must be %q or %q", p.ID, EffectAllow, EffectDeny)
	}
	for _, c := range p.Conditions {
		if !validAttributePath(c.Attribute) {
			return fmt.Errorf("policy %q: %w: %q", p.ID, ErrInvalidAttributePath, c.Attribute)
		}
		if !slices.Contains(knownOperators, c.Operator) {
			return fmt.Errorf("policy %q: %w: %q", p.ID, ErrUnknownOperator, c.Operator)
		}
		if c.Operator == OperatorMatches {
			pattern, ok := c.Value.(string)
			if !ok {
				return fmt.Errorf("policy %q: matches requires a string pattern", p.ID)
			}
			if _, err := compilePattern(pattern); err != nil {
				return fmt.Errorf("policy %q: %w", p.ID, err)
			}
		}
	}
	return nil
}

// attributeDocument is the JSON form of an AuthContext that condition paths
// are resolved against.
type attributeDocument []byte

func newAttributeDocument(ac AuthContext) (attributeDocument, error) {
	return json.Marshal(ac)
}

func (d attributeDocument) lookup(path string) gjson.Result {
	return gjson.GetBytes(d, path)
}

// policyMatches reports whether p applies to ac: its actions and resources
// cover the request and every condition holds.
func policyMatches(p Policy, ac AuthContext, doc attributeDocument) (bool, error) {
	if !coversValue(p.Actions, ac.Action) || !coversValue(p.Resources, ac.Resource.Type) {
		return false, nil
	}

	for _, c := range p.Conditions {
		ok, err := evaluateCondition(c, doc)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func coversValue(values []string, v string) bool {
	return slices.Contains(values, v) || slices.Contains(values, Wildcard)
}

func evaluateCondition(c Condition, doc attributeDocument) (bool, error) {
	if !validAttributePath(c.Attribute) {
		return false, fmt.Errorf("%w: %q", ErrInvalidAttributePath, c.Attribute)
	}
	actual := doc.lookup(c.Attribute)
	if !actual.Exists() {
		return false, nil
	}

	switch c.Operator {
	case OperatorEquals:
		return jsonEqual(actual.Value(), c.Value), nil
	case OperatorContains:
		if actual.IsArray() {
			for _, item := range actual.Array() {
				if jsonEqual(item.Value(), c.Value) {
					return true, nil
				}
			}
			return false, nil
		}
		return strings.Contains(actual.String(), fmt.Sprint(c.Value)), nil
	case OperatorStartsWith:
		return strings.HasPrefix(actual.String(), fmt.Sprint(c.Value)), nil
	case OperatorEndsWith:
		return strings.HasSuffix(actual.String(), fmt.Sprint(c.Value)), nil
	case OperatorMatches:
		pattern, ok := c.Value.(string)
		if !ok {
			return false, nil
		}
		re, err := compilePattern(pattern)
		if err != nil {
			return false, nil
		}
		return re.MatchString(actual.String()), nil
	case OperatorIn:
		candidates, ok := toSlice(c.Value)
		if !ok {
			return false, nil
		}
		for _, candidate := range candidates {
			if jsonEqual(actual.Value(), candidate) {
				return true, nil
			}
		}
		return false, nil
	case OperatorGT, OperatorLT, OperatorGTE, OperatorLTE:
		if actual.Type != gjson.Number {
			return false, nil
		}
		expected, ok := toFloat(c.Value)
		if !ok {
			return false, nil
		}
		return compareNumbers(c.Operator, actual.Float(), expected), nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownOperator, c.Operator)
	}
}

func compareNumbers(op Operator, actual, expected float64) bool {
	switch op {
	case OperatorGT:
		return actual > expected
	case OperatorLT:
		return actual < expected
	case OperatorGTE:
		return actual >= expected
	default:
		return actual <= expected
	}
}

// jsonEqual compares a decoded JSON value with an arbitrary Go value by
// normalizing the latter through JSON.
func jsonEqual(decoded, expected any) bool {
	raw, err := json.Marshal(expected)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(decoded, gjson.ParseBytes(raw).Value())
}

func toSlice(v any) ([]any, bool) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out = append(out, rv.Index(i).Interface())
	}
	return out, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
