package rules

import (
	"testing"

	"github.com/badgeworks/badge-go/libs/ptr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func spendTemplate() *Template {
	min := float64(0)
	max := float64(1000000)
	return &Template{
		ID:       1,
		Code:     "spend_threshold",
		Category: TemplateBasic,
		TemplateJSON: `{
			"logicalOp": "AND",
			"conditions": [
				{"field": "event_type", "operator": "eq", "value": "PURCHASE"},
				{"field": "amount", "operator": "gte", "value": "${threshold}"}
			]
		}`,
		Parameters: Parameters{
			{Name: "threshold", Type: ParamNumber, Required: true, Min: &min, Max: &max},
		},
		Version: 1,
	}
}

func TestCompileTemplate_WholeStringKeepsNativeType(t *testing.T) {
	t.Parallel()

	out, err := CompileTemplate(spendTemplate(), map[string]interface{}{"threshold": float64(500)})
	require.NoError(t, err)

	// the placeholder occupied the whole string, so the number stays a
	// number, not the string "500"
	value := gjson.GetBytes(out, "conditions.1.value")
	assert.Equal(t, gjson.Number, value.Type)
	assert.Equal(t, float64(500), value.Num)
}

func TestCompileTemplate_EmbeddedSubstitutesTextually(t *testing.T) {
	t.Parallel()

	template := &Template{
		Code: "named",
		TemplateJSON: `{
			"field": "campaign",
			"operator": "eq",
			"value": "summer-${year}-sale"
		}`,
		Parameters: Parameters{{Name: "year", Type: ParamNumber, Required: true}},
	}

	out, err := CompileTemplate(template, map[string]interface{}{"year": float64(2025)})
	require.NoError(t, err)
	assert.Equal(t, "summer-2025-sale", gjson.GetBytes(out, "value").Str)
}

func TestCompileTemplate_Deterministic(t *testing.T) {
	t.Parallel()

	params := map[string]interface{}{"threshold": float64(500)}
	first, err := CompileTemplate(spendTemplate(), params)
	require.NoError(t, err)
	second, err := CompileTemplate(spendTemplate(), params)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCompileTemplate_CompiledOutputEvaluates(t *testing.T) {
	t.Parallel()

	out, err := CompileTemplate(spendTemplate(), map[string]interface{}{"threshold": float64(500)})
	require.NoError(t, err)

	result, err := evalRule(t, string(out), purchaseContext(t, `{"amount": 600}`))
	require.NoError(t, err)
	assert.True(t, result.Matched)
}

func TestValidateParams_RequiredAndDefaults(t *testing.T) {
	t.Parallel()

	descriptors := Parameters{
		{Name: "needed", Type: ParamString, Required: true},
		{Name: "optional", Type: ParamString, Required: false, Default: "fallback"},
	}

	_, err := ValidateParams(descriptors, map[string]interface{}{})
	assert.Error(t, err)

	validated, err := ValidateParams(descriptors, map[string]interface{}{"needed": "x"})
	require.NoError(t, err)
	assert.Equal(t, "x", validated["needed"])
	assert.Equal(t, "fallback", validated["optional"])
}

func TestValidateParams_NumericBounds(t *testing.T) {
	t.Parallel()

	descriptors := Parameters{
		{Name: "n", Type: ParamNumber, Required: true, Min: ptr.FromFloat64(10), Max: ptr.FromFloat64(20)},
	}

	_, err := ValidateParams(descriptors, map[string]interface{}{"n": float64(5)})
	assert.Error(t, err)

	_, err = ValidateParams(descriptors, map[string]interface{}{"n": float64(25)})
	assert.Error(t, err)

	_, err = ValidateParams(descriptors, map[string]interface{}{"n": float64(15)})
	assert.NoError(t, err)
}

func TestValidateParams_TypeChecks(t *testing.T) {
	t.Parallel()

	cases := []struct {
		descriptor Parameter
		good       interface{}
		bad        interface{}
	}{
		{Parameter{Name: "p", Type: ParamString, Required: true}, "s", float64(1)},
		{Parameter{Name: "p", Type: ParamNumber, Required: true}, float64(1), "s"},
		{Parameter{Name: "p", Type: ParamBoolean, Required: true}, true, "s"},
		{Parameter{Name: "p", Type: ParamArray, Required: true}, []interface{}{1}, "s"},
		{Parameter{Name: "p", Type: ParamDate, Required: true}, "2025-06-01", "not a date"},
		{Parameter{Name: "p", Type: ParamEnum, Required: true, Options: []string{"a", "b"}}, "a", "c"},
	}

	for _, tc := range cases {
		_, err := ValidateParams(Parameters{tc.descriptor}, map[string]interface{}{"p": tc.good})
		assert.NoError(t, err, string(tc.descriptor.Type))

		_, err = ValidateParams(Parameters{tc.descriptor}, map[string]interface{}{"p": tc.bad})
		assert.Error(t, err, string(tc.descriptor.Type))
	}
}

func TestValidateParams_RejectsUnknown(t *testing.T) {
	t.Parallel()
	_, err := ValidateParams(Parameters{}, map[string]interface{}{"typo": 1})
	assert.Error(t, err)
}

func TestCompileTemplate_MissingPlaceholderParam(t *testing.T) {
	t.Parallel()

	template := &Template{
		Code:         "dangling",
		TemplateJSON: `{"field": "a", "operator": "eq", "value": "${ghost}"}`,
		Parameters:   Parameters{},
	}
	_, err := CompileTemplate(template, map[string]interface{}{})
	assert.Error(t, err)
}
