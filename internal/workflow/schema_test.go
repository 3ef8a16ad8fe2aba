package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/strata/internal/models"
)

func testSchema() ParameterSchema {
	return ParameterSchema{
		Fields: []Field{
			{Name: "name", Type: FieldString, Required: true},
			{Name: "count", Type: FieldInt, Default: 10, Min: FloatPtr(1), Max: FloatPtr(100)},
			{Name: "ratio", Type: FieldFloat, Min: FloatPtr(0)},
			{Name: "dry_run", Type: FieldBool},
			{Name: "mode", Type: FieldString, Enum: []string{"fast", "slow"}},
			{Name: "bbox", Type: FieldObject},
			{Name: "tags", Type: FieldArray},
		},
	}
}

func TestSchemaNormalize_AppliesDefaults(t *testing.T) {
	out, err := testSchema().Normalize(map[string]interface{}{"name": "Ada"})
	require.NoError(t, err)

	assert.Equal(t, "Ada", out["name"])
	assert.Equal(t, 10, out["count"])
	_, present := out["ratio"]
	assert.False(t, present, "optional parameter without default must stay absent")
}

func TestSchemaNormalize_RejectsUnknownParameter(t *testing.T) {
	_, err := testSchema().Normalize(map[string]interface{}{"name": "Ada", "bogus": 1})
	require.Error(t, err)

	var subErr *models.SubmissionError
	require.True(t, errors.As(err, &subErr))
	assert.Equal(t, models.SubmitErrInvalidParameters, subErr.Code)
	assert.Equal(t, "bogus", subErr.Field)
}

func TestSchemaNormalize_RejectsMissingRequired(t *testing.T) {
	_, err := testSchema().Normalize(map[string]interface{}{"count": 3})
	require.Error(t, err)

	var subErr *models.SubmissionError
	require.True(t, errors.As(err, &subErr))
	assert.Equal(t, "name", subErr.Field)
}

func TestSchemaNormalize_CoercesIntegerForms(t *testing.T) {
	// JSON decoding delivers numbers as float64; both forms must normalize
	// to the same value so the derived job ID matches.
	fromInt, err := testSchema().Normalize(map[string]interface{}{"name": "a", "count": 3})
	require.NoError(t, err)
	fromFloat, err := testSchema().Normalize(map[string]interface{}{"name": "a", "count": float64(3)})
	require.NoError(t, err)

	assert.Equal(t, fromInt["count"], fromFloat["count"])
}

func TestSchemaNormalize_RejectsFractionalInteger(t *testing.T) {
	_, err := testSchema().Normalize(map[string]interface{}{"name": "a", "count": 2.5})
	require.Error(t, err)

	var subErr *models.SubmissionError
	require.True(t, errors.As(err, &subErr))
	assert.Equal(t, "count", subErr.Field)
}

func TestSchemaNormalize_EnforcesBounds(t *testing.T) {
	_, err := testSchema().Normalize(map[string]interface{}{"name": "a", "count": 0})
	assert.Error(t, err)

	_, err = testSchema().Normalize(map[string]interface{}{"name": "a", "count": 101})
	assert.Error(t, err)

	_, err = testSchema().Normalize(map[string]interface{}{"name": "a", "count": 100})
	assert.NoError(t, err)
}

func TestSchemaNormalize_EnforcesEnum(t *testing.T) {
	out, err := testSchema().Normalize(map[string]interface{}{"name": "a", "mode": "fast"})
	require.NoError(t, err)
	assert.Equal(t, "fast", out["mode"])

	_, err = testSchema().Normalize(map[string]interface{}{"name": "a", "mode": "turbo"})
	require.Error(t, err)

	var subErr *models.SubmissionError
	require.True(t, errors.As(err, &subErr))
	assert.Equal(t, "mode", subErr.Field)
}

func TestSchemaNormalize_TypeMismatches(t *testing.T) {
	cases := map[string]map[string]interface{}{
		"string":  {"name": 42},
		"bool":    {"name": "a", "dry_run": "yes"},
		"object":  {"name": "a", "bbox": []interface{}{1, 2}},
		"array":   {"name": "a", "tags": map[string]interface{}{}},
		"numeric": {"name": "a", "ratio": "0.5"},
	}

	for name, params := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := testSchema().Normalize(params)
			assert.Error(t, err)
		})
	}
}

func TestSchemaValidate_RejectsMalformedSchemas(t *testing.T) {
	cases := []struct {
		name   string
		schema ParameterSchema
	}{
		{"unnamed field", ParameterSchema{Fields: []Field{{Type: FieldString}}}},
		{"duplicate field", ParameterSchema{Fields: []Field{
			{Name: "x", Type: FieldString},
			{Name: "x", Type: FieldInt},
		}}},
		{"invalid type", ParameterSchema{Fields: []Field{{Name: "x", Type: "decimal"}}}},
		{"required with default", ParameterSchema{Fields: []Field{
			{Name: "x", Type: FieldString, Required: true, Default: "y"},
		}}},
		{"enum on non-string", ParameterSchema{Fields: []Field{
			{Name: "x", Type: FieldInt, Enum: []string{"1"}},
		}}},
		{"bounds on non-numeric", ParameterSchema{Fields: []Field{
			{Name: "x", Type: FieldString, Min: FloatPtr(1)},
		}}},
		{"min above max", ParameterSchema{Fields: []Field{
			{Name: "x", Type: FieldInt, Min: FloatPtr(5), Max: FloatPtr(1)},
		}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, tc.schema.Validate())
		})
	}
}
