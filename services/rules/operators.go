package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Operator - a condition operator
type Operator string

// the exhaustive operator set
const (
	OpEq          Operator = "eq"
	OpNeq         Operator = "neq"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
	OpBetween     Operator = "between"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpContains    Operator = "contains"
	OpContainsAny Operator = "contains_any"
	OpContainsAll Operator = "contains_all"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpRegex       Operator = "regex"
	OpIsEmpty     Operator = "is_empty"
	OpIsNotEmpty  Operator = "is_not_empty"
	OpBefore      Operator = "before"
	OpAfter       Operator = "after"
)

var validOperators = map[Operator]struct{}{
	OpEq: {}, OpNeq: {}, OpGt: {}, OpGte: {}, OpLt: {}, OpLte: {},
	OpBetween: {}, OpIn: {}, OpNotIn: {},
	OpContains: {}, OpContainsAny: {}, OpContainsAll: {},
	OpStartsWith: {}, OpEndsWith: {}, OpRegex: {},
	OpIsEmpty: {}, OpIsNotEmpty: {}, OpBefore: {}, OpAfter: {},
}

// Valid - whether this is a known operator
func (o Operator) Valid() bool {
	_, ok := validOperators[o]
	return ok
}

// ErrTypeMismatch - a numeric or temporal operator saw a value of the
// wrong type. Distinct from a false match.
var ErrTypeMismatch = errors.New("operand type mismatch")

func typeMismatch(field string, op Operator, detail string) error {
	return fmt.Errorf("%w: field %q operator %q: %s", ErrTypeMismatch, field, op, detail)
}

// evalCondition resolves the condition's field in the flattened document
// and applies the operator. A missing field yields false for every
// operator except the presence checks.
func evalCondition(doc []byte, n *Node) (bool, error) {
	field := gjson.GetBytes(doc, n.Field)
	value := gjson.ParseBytes(n.Value)

	if !field.Exists() {
		switch n.Operator {
		case OpIsEmpty:
			return true, nil
		case OpIsNotEmpty:
			return false, nil
		default:
			return false, nil
		}
	}

	switch n.Operator {
	case OpEq:
		return valuesEqual(field, value), nil
	case OpNeq:
		return !valuesEqual(field, value), nil

	case OpGt, OpGte, OpLt, OpLte:
		f, v, err := numericPair(n.Field, n.Operator, field, value)
		if err != nil {
			return false, err
		}
		switch n.Operator {
		case OpGt:
			return f > v, nil
		case OpGte:
			return f >= v, nil
		case OpLt:
			return f < v, nil
		default:
			return f <= v, nil
		}

	case OpBetween:
		if field.Type != gjson.Number {
			return false, typeMismatch(n.Field, n.Operator, "field is not numeric")
		}
		bounds := value.Array()
		if !value.IsArray() || len(bounds) != 2 ||
			bounds[0].Type != gjson.Number || bounds[1].Type != gjson.Number {
			return false, typeMismatch(n.Field, n.Operator, "expected [min, max]")
		}
		f := field.Num
		return f >= bounds[0].Num && f <= bounds[1].Num, nil

	case OpIn, OpNotIn:
		if !value.IsArray() {
			return false, typeMismatch(n.Field, n.Operator, "expected an array value")
		}
		found := false
		for _, candidate := range value.Array() {
			if valuesEqual(field, candidate) {
				found = true
				break
			}
		}
		if n.Operator == OpIn {
			return found, nil
		}
		return !found, nil

	case OpContains:
		return contains(field, value), nil

	case OpContainsAny, OpContainsAll:
		if !value.IsArray() {
			return false, typeMismatch(n.Field, n.Operator, "expected an array value")
		}
		matched := 0
		wanted := value.Array()
		for _, w := range wanted {
			if contains(field, w) {
				matched++
			}
		}
		if n.Operator == OpContainsAny {
			return matched > 0, nil
		}
		return matched == len(wanted), nil

	case OpStartsWith:
		return field.Type == gjson.String && value.Type == gjson.String &&
			strings.HasPrefix(field.Str, value.Str), nil
	case OpEndsWith:
		return field.Type == gjson.String && value.Type == gjson.String &&
			strings.HasSuffix(field.Str, value.Str), nil

	case OpRegex:
		if value.Type != gjson.String {
			return false, typeMismatch(n.Field, n.Operator, "pattern is not a string")
		}
		re, err := regexp.Compile(value.Str)
		if err != nil {
			return false, fmt.Errorf("invalid regex for field %q: %w", n.Field, err)
		}
		return field.Type == gjson.String && re.MatchString(field.Str), nil

	case OpIsEmpty:
		return isEmpty(field), nil
	case OpIsNotEmpty:
		return !isEmpty(field), nil

	case OpBefore, OpAfter:
		ft, err := parseTemporal(field)
		if err != nil {
			return false, typeMismatch(n.Field, n.Operator, "field is not a timestamp")
		}
		vt, err := parseTemporal(value)
		if err != nil {
			return false, typeMismatch(n.Field, n.Operator, "value is not a timestamp")
		}
		if n.Operator == OpBefore {
			return ft.Before(vt), nil
		}
		return ft.After(vt), nil
	}

	return false, fmt.Errorf("unknown operator %q", n.Operator)
}

// valuesEqual compares two json values. Numbers compare as float64 so
// 100 equals 100.0; strings, booleans and null compare by value; arrays and
// objects compare by their raw json text, so whitespace or key order inside
// them makes two otherwise equal values unequal.
func valuesEqual(a, b gjson.Result) bool {
	if a.Type == gjson.Number && b.Type == gjson.Number {
		return a.Num == b.Num
	}
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case gjson.String:
		return a.Str == b.Str
	case gjson.True, gjson.False, gjson.Null:
		return true
	default:
		// arrays and objects compare by raw text, outer whitespace trimmed
		return strings.TrimSpace(a.Raw) == strings.TrimSpace(b.Raw)
	}
}

func numericPair(fieldName string, op Operator, field, value gjson.Result) (float64, float64, error) {
	if field.Type != gjson.Number {
		return 0, 0, typeMismatch(fieldName, op, "field is not numeric")
	}
	if value.Type != gjson.Number {
		return 0, 0, typeMismatch(fieldName, op, "value is not numeric")
	}
	return field.Num, value.Num, nil
}

// contains implements substring-or-element membership
func contains(field, needle gjson.Result) bool {
	if field.Type == gjson.String {
		return needle.Type == gjson.String && strings.Contains(field.Str, needle.Str)
	}
	if field.IsArray() {
		for _, element := range field.Array() {
			if valuesEqual(element, needle) {
				return true
			}
		}
	}
	return false
}

// isEmpty - null, empty string, empty array or empty object
func isEmpty(v gjson.Result) bool {
	switch {
	case v.Type == gjson.Null:
		return true
	case v.Type == gjson.String:
		return v.Str == ""
	case v.IsArray():
		return len(v.Array()) == 0
	case v.IsObject():
		return len(v.Map()) == 0
	default:
		return false
	}
}

// parseTemporal accepts RFC 3339 or YYYY-MM-DD
func parseTemporal(v gjson.Result) (time.Time, error) {
	if v.Type != gjson.String {
		return time.Time{}, errors.New("not a string")
	}
	if t, err := time.Parse(time.RFC3339, v.Str); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v.Str)
}
