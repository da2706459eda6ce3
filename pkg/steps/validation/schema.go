package validation

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

type Type string

const (
	TypeAny     Type = ""
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeInteger Type = "integer"
	TypeBoolean Type = "boolean"
	TypeObject  Type = "object"
	TypeArray   Type = "array"
)

// formats lists the validator tags a Rule may name in Format.
var formats = []string{
	"email", "url", "uri", "uuid", "uuid4", "e164", "hostname", "ip", "ipv4", "ipv6",
	"alpha", "alphanum", "numeric", "lowercase", "uppercase", "base64", "jwt", "iso3166_1_alpha2",
}

// Rule constrains one payload field. Zero valued constraints are ignored.
type Rule struct {
	Field     string `json:"field"`
	Required  bool   `json:"required,omitempty"`
	Type      Type   `json:"type,omitempty"`
	Format    string `json:"format,omitempty"`
	Pattern   string `json:"pattern,omitempty"`
	MinLength int    `json:"minLength,omitempty" mapstructure:"minLength"`
	MaxLength int    `json:"maxLength,omitempty" mapstructure:"maxLength"`
	// OneOf restricts the value to the listed literals.
	OneOf []string `json:"oneOf,omitempty" mapstructure:"oneOf"`
	// EqualTo names another payload field that must hold the same value.
	EqualTo string `json:"equalTo,omitempty" mapstructure:"equalTo"`
	Default any    `json:"default,omitempty"`
	// Message replaces the generated message for every violation of the rule.
	Message string `json:"message,omitempty"`
}

// FieldError describes one violated constraint.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

type compiledRule struct {
	Rule
	pattern *regexp.Regexp
}

// Schema validates a decoded JSON object against an ordered list of rules.
type Schema struct {
	rules    []compiledRule
	validate *validator.Validate
}

func NewSchema(rules ...Rule) (*Schema, error) {
	s := &Schema{validate: validator.New(validator.WithRequiredStructEnabled())}

	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if r.Field == "" {
			return nil, errors.New("rule field is required")
		}
		if _, ok := seen[r.Field]; ok {
			return nil, fmt.Errorf("duplicate rule for field %q", r.Field)
		}
		seen[r.Field] = struct{}{}

		switch r.Type {
		case TypeAny, TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeObject, TypeArray:
		default:
			return nil, fmt.Errorf("field %q: unknown type %q", r.Field, r.Type)
		}
		if r.Format != "" && !slices.Contains(formats, r.Format) {
			return nil, fmt.Errorf("field %q: unknown format %q", r.Field, r.Format)
		}
		if r.MinLength < 0 || r.MaxLength < 0 || (r.MaxLength > 0 && r.MinLength > r.MaxLength) {
			return nil, fmt.Errorf("field %q: invalid length bounds", r.Field)
		}

		cr := compiledRule{Rule: r}
		if r.Pattern != "" {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", r.Field, err)
			}
			cr.pattern = re
		}
		s.rules = append(s.rules, cr)
	}

	return s, nil
}

// MustNewSchema is like NewSchema but panics on an invalid rule set.
func MustNewSchema(rules ...Rule) *Schema {
	s, err := NewSchema(rules...)
	if err != nil {
		panic(err)
	}
	return s
}

// Fields returns the field names the schema knows, in rule order.
func (s *Schema) Fields() []string {
	fields := make([]string, 0, len(s.rules))
	for _, r := range s.rules {
		fields = append(fields, r.Field)
	}
	return fields
}

// Validate checks payload and returns the value restricted to the known
// fields with defaults applied. Every violation is reported; the value is
// only meaningful when no errors are returned.
func (s *Schema) Validate(payload map[string]any) (map[string]any, []FieldError) {
	value := make(map[string]any, len(s.rules))
	var errs []FieldError

	for _, r := range s.rules {
		v, present := payload[r.Field]
		if !present || v == nil || v == "" {
			if r.Required {
				errs = append(errs, r.violation("required", "%s is required", r.Field))
				continue
			}
			if r.Default != nil {
				value[r.Field] = r.Default
			} else if present && v != nil {
				value[r.Field] = v
			}
			continue
		}

		if fieldErrs := s.check(r, v, payload); len(fieldErrs) > 0 {
			errs = append(errs, fieldErrs...)
			continue
		}
		value[r.Field] = v
	}

	return value, errs
}

func (s *Schema) check(r compiledRule, v any, payload map[string]any) []FieldError {
	if !hasType(v, r.Type) {
		return []FieldError{r.violation("type", "%s must be of type %s", r.Field, r.Type)}
	}

	var errs []FieldError

	if r.Format != "" {
		if err := s.validate.Var(v, r.Format); err != nil {
			errs = append(errs, r.violation("format", "%s must be a valid %s", r.Field, r.Format))
		}
	}

	if r.pattern != nil {
		str, ok := v.(string)
		if !ok || !r.pattern.MatchString(str) {
			errs = append(errs, r.violation("pattern", "%s has an invalid format", r.Field))
		}
	}

	if n, ok := length(v); ok {
		if r.MinLength > 0 && n < r.MinLength {
			errs = append(errs, r.violation("minLength", "%s must be at least %d characters long", r.Field, r.MinLength))
		}
		if r.MaxLength > 0 && n > r.MaxLength {
			errs = append(errs, r.violation("maxLength", "%s cannot exceed %d characters", r.Field, r.MaxLength))
		}
	}

	if len(r.OneOf) > 0 && !slices.Contains(r.OneOf, fmt.Sprint(v)) {
		errs = append(errs, r.violation("oneOf", "%s must be one of %s", r.Field, strings.Join(r.OneOf, ", ")))
	}

	if r.EqualTo != "" && !reflect.DeepEqual(v, payload[r.EqualTo]) {
		errs = append(errs, r.violation("equalTo", "%s must match %s", r.Field, r.EqualTo))
	}

	return errs
}

func (r compiledRule) violation(rule, format string, args ...any) FieldError {
	msg := r.Message
	if msg == "" {
		msg = fmt.Sprintf(format, args...)
	}
	return FieldError{Field: r.Field, Rule: rule, Message: msg}
}

func hasType(v any, t Type) bool {
	switch t {
	case TypeAny:
		return true
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeNumber:
		_, ok := toFloat(v)
		return ok
	case TypeInteger:
		f, ok := toFloat(v)
		return ok && f == math.Trunc(f)
	case TypeObject:
		return reflect.ValueOf(v).Kind() == reflect.Map
	case TypeArray:
		k := reflect.ValueOf(v).Kind()
		return k == reflect.Slice || k == reflect.Array
	default:
		return false
	}
}

func length(v any) (int, bool) {
	if s, ok := v.(string); ok {
		return utf8.RuneCountInString(s), true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len(), true
	default:
		return 0, false
	}
}

func toFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	default:
		return 0, false
	}
}
