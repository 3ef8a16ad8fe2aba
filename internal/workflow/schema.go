package workflow

import (
	"fmt"
	"math"

	"github.com/ternarybob/strata/internal/models"
)

// FieldType enumerates the parameter types a schema can declare.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldFloat  FieldType = "float"
	FieldBool   FieldType = "bool"
	FieldObject FieldType = "object"
	FieldArray  FieldType = "array"
)

// Field describes one accepted submission parameter.
type Field struct {
	Name     string
	Type     FieldType
	Required bool
	Default  interface{} // Applied when the parameter is absent
	Min      *float64    // Numeric lower bound, inclusive
	Max      *float64    // Numeric upper bound, inclusive
	Enum     []string    // Allowed values for string fields
}

// ParameterSchema describes a workflow's accepted submission parameters.
// Validation walks the submitted map: unknown keys are rejected, missing
// required fields are errors, defaults are applied, bounds and enums are
// enforced. The normalized map is what gets hashed into the job ID, so a
// submission relying on a default and one passing it explicitly resolve to
// the same job.
type ParameterSchema struct {
	Fields []Field
}

// Validate checks the schema itself is well-formed.
func (s ParameterSchema) Validate() error {
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("parameter schema has a field with no name")
		}
		if seen[f.Name] {
			return fmt.Errorf("parameter schema declares %q twice", f.Name)
		}
		seen[f.Name] = true
		switch f.Type {
		case FieldString, FieldInt, FieldFloat, FieldBool, FieldObject, FieldArray:
		default:
			return fmt.Errorf("parameter %q has invalid type %q", f.Name, f.Type)
		}
		if f.Required && f.Default != nil {
			return fmt.Errorf("parameter %q is required and cannot carry a default", f.Name)
		}
		if len(f.Enum) > 0 && f.Type != FieldString {
			return fmt.Errorf("parameter %q declares an enum but is not a string", f.Name)
		}
		if (f.Min != nil || f.Max != nil) && f.Type != FieldInt && f.Type != FieldFloat {
			return fmt.Errorf("parameter %q declares bounds but is not numeric", f.Name)
		}
		if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
			return fmt.Errorf("parameter %q has min > max", f.Name)
		}
	}
	return nil
}

// Normalize validates the submitted parameters against the schema and
// returns a new map with defaults applied and numbers coerced to their
// canonical form. Rejections are *models.SubmissionError values naming the
// offending field.
func (s ParameterSchema) Normalize(params map[string]interface{}) (map[string]interface{}, error) {
	fields := make(map[string]Field, len(s.Fields))
	for _, f := range s.Fields {
		fields[f.Name] = f
	}

	for name := range params {
		if _, ok := fields[name]; !ok {
			return nil, models.NewParameterError(name, "unknown parameter")
		}
	}

	out := make(map[string]interface{}, len(s.Fields))
	for _, f := range s.Fields {
		value, present := params[f.Name]
		if !present || value == nil {
			if f.Required {
				return nil, models.NewParameterError(f.Name, "required parameter is missing")
			}
			if f.Default != nil {
				out[f.Name] = f.Default
			}
			continue
		}

		coerced, err := coerceField(f, value)
		if err != nil {
			return nil, err
		}
		out[f.Name] = coerced
	}

	return out, nil
}

// coerceField checks one value against its field declaration. JSON decoding
// delivers all numbers as float64, so integer fields accept float64 values
// without a fractional part.
func coerceField(f Field, value interface{}) (interface{}, error) {
	switch f.Type {
	case FieldString:
		str, ok := value.(string)
		if !ok {
			return nil, models.NewParameterError(f.Name, "expected a string, got %T", value)
		}
		if len(f.Enum) > 0 {
			for _, allowed := range f.Enum {
				if str == allowed {
					return str, nil
				}
			}
			return nil, models.NewParameterError(f.Name, "value %q is not one of %v", str, f.Enum)
		}
		return str, nil

	case FieldInt:
		num, err := asFloat(f, value)
		if err != nil {
			return nil, err
		}
		if num != math.Trunc(num) {
			return nil, models.NewParameterError(f.Name, "expected an integer, got %v", value)
		}
		if err := checkBounds(f, num); err != nil {
			return nil, err
		}
		return num, nil

	case FieldFloat:
		num, err := asFloat(f, value)
		if err != nil {
			return nil, err
		}
		if err := checkBounds(f, num); err != nil {
			return nil, err
		}
		return num, nil

	case FieldBool:
		b, ok := value.(bool)
		if !ok {
			return nil, models.NewParameterError(f.Name, "expected a boolean, got %T", value)
		}
		return b, nil

	case FieldObject:
		obj, ok := value.(map[string]interface{})
		if !ok {
			return nil, models.NewParameterError(f.Name, "expected an object, got %T", value)
		}
		return obj, nil

	case FieldArray:
		arr, ok := value.([]interface{})
		if !ok {
			return nil, models.NewParameterError(f.Name, "expected an array, got %T", value)
		}
		return arr, nil
	}

	return nil, models.NewParameterError(f.Name, "unsupported field type %q", f.Type)
}

func asFloat(f Field, value interface{}) (float64, error) {
	switch n := value.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, models.NewParameterError(f.Name, "expected a number, got %T", value)
}

func checkBounds(f Field, num float64) error {
	if f.Min != nil && num < *f.Min {
		return models.NewParameterError(f.Name, "value %v is below minimum %v", num, *f.Min)
	}
	if f.Max != nil && num > *f.Max {
		return models.NewParameterError(f.Name, "value %v is above maximum %v", num, *f.Max)
	}
	return nil
}

// FloatPtr is a convenience for schema bound literals.
func FloatPtr(v float64) *float64 {
	return &v
}
