package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	errorutils "github.com/badgeworks/badge-go/libs/errors"
)

var placeholderRe = regexp.MustCompile(`\$\{([a-zA-Z0-9_]+)\}`)

// CompileTemplate instantiates a template into concrete rule JSON by
// substituting ${name} placeholders with validated parameter values.
// A placeholder occupying an entire string value takes the parameter's
// native JSON type; placeholders embedded in longer strings substitute
// textually. Compilation is deterministic.
func CompileTemplate(t *Template, params map[string]interface{}) ([]byte, error) {
	validated, err := ValidateParams(t.Parameters, params)
	if err != nil {
		return nil, err
	}

	var doc interface{}
	if err := json.Unmarshal([]byte(t.TemplateJSON), &doc); err != nil {
		return nil, fmt.Errorf("template %s is not valid json: %w", t.Code, err)
	}

	substituted, err := substitute(doc, validated)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(substituted)
	if err != nil {
		return nil, err
	}

	// the instantiated document must itself compile
	if _, err := Compile(0, t.Code, t.Version, out); err != nil {
		return nil, fmt.Errorf("template %s instantiation is not a valid rule: %w", t.Code, err)
	}
	return out, nil
}

// ValidateParams applies required/default handling and type constraints,
// returning the effective parameter set
func ValidateParams(descriptors Parameters, params map[string]interface{}) (map[string]interface{}, error) {
	validated := make(map[string]interface{}, len(descriptors))

	for _, d := range descriptors {
		value, present := params[d.Name]
		if !present || value == nil {
			if d.Default != nil {
				validated[d.Name] = d.Default
				continue
			}
			if d.Required {
				return nil, errorutils.Validation(d.Name, "required parameter missing")
			}
			continue
		}

		if err := checkParamType(d, value); err != nil {
			return nil, err
		}
		validated[d.Name] = value
	}

	// reject unknown parameters so typos surface instead of leaving
	// placeholders unresolved
	for name := range params {
		known := false
		for _, d := range descriptors {
			if d.Name == name {
				known = true
				break
			}
		}
		if !known {
			return nil, errorutils.Validation(name, "unknown parameter")
		}
	}

	return validated, nil
}

func checkParamType(d Parameter, value interface{}) error {
	switch d.Type {
	case ParamString:
		if _, ok := value.(string); !ok {
			return errorutils.Validation(d.Name, "expected a string")
		}
	case ParamNumber:
		n, ok := toFloat(value)
		if !ok {
			return errorutils.Validation(d.Name, "expected a number")
		}
		if d.Min != nil && n < *d.Min {
			return errorutils.Validation(d.Name, fmt.Sprintf("below minimum %v", *d.Min))
		}
		if d.Max != nil && n > *d.Max {
			return errorutils.Validation(d.Name, fmt.Sprintf("above maximum %v", *d.Max))
		}
	case ParamBoolean:
		if _, ok := value.(bool); !ok {
			return errorutils.Validation(d.Name, "expected a boolean")
		}
	case ParamArray:
		if _, ok := value.([]interface{}); !ok {
			return errorutils.Validation(d.Name, "expected an array")
		}
	case ParamDate:
		s, ok := value.(string)
		if !ok {
			return errorutils.Validation(d.Name, "expected a date string")
		}
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			if _, err := time.Parse("2006-01-02", s); err != nil {
				return errorutils.Validation(d.Name, "expected RFC 3339 or YYYY-MM-DD")
			}
		}
	case ParamEnum:
		s, ok := value.(string)
		if !ok {
			return errorutils.Validation(d.Name, "expected an enum string")
		}
		for _, option := range d.Options {
			if s == option {
				return nil
			}
		}
		return errorutils.Validation(d.Name, fmt.Sprintf("not one of %v", d.Options))
	default:
		return errorutils.Validation(d.Name, fmt.Sprintf("unknown parameter type %q", d.Type))
	}
	return nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func substitute(doc interface{}, params map[string]interface{}) (interface{}, error) {
	switch v := doc.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, child := range v {
			sub, err := substitute(child, params)
			if err != nil {
				return nil, err
			}
			out[k] = sub
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, child := range v {
			sub, err := substitute(child, params)
			if err != nil {
				return nil, err
			}
			out[i] = sub
		}
		return out, nil
	case string:
		return substituteString(v, params)
	default:
		return doc, nil
	}
}

func substituteString(s string, params map[string]interface{}) (interface{}, error) {
	// a placeholder spanning the whole string keeps the parameter's
	// native type: a number stays a number, not "500"
	if m := placeholderRe.FindStringSubmatch(s); m != nil && m[0] == s {
		value, ok := params[m[1]]
		if !ok {
			return nil, errorutils.Validation(m[1], "placeholder has no parameter value")
		}
		return value, nil
	}

	var substErr error
	replaced := placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		value, ok := params[name]
		if !ok {
			substErr = errorutils.Validation(name, "placeholder has no parameter value")
			return match
		}
		return textual(value)
	})
	if substErr != nil {
		return nil, substErr
	}
	return replaced, nil
}

func textual(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
