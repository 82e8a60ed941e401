package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

// BuildSchoolJSONSchema returns the school document schema as a generic map.
// It is sent to the extraction model as an output constraint and used
// locally to validate what comes back. Extra properties are tolerated so a
// chatty model does not fail validation on harmless additions.
func BuildSchoolJSONSchema() map[string]any {
	priceSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"duration": map[string]any{"type": "string"},
			"price":    map[string]any{"type": "string"},
			"currency": map[string]any{"type": "string"},
		},
		"required": []string{"duration", "price", "currency"},
	}

	courseSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":             map[string]any{"type": "string"},
			"lessons_per_week": map[string]any{"type": "integer"},
			"description":      map[string]any{"type": "string"},
			"prices":           map[string]any{"type": "array", "items": priceSchema},
			"requirements":     map[string]any{"type": "string"},
		},
		"required": []string{"name", "lessons_per_week", "description", "prices"},
	}

	accommodationSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"type":           map[string]any{"type": "string"},
			"price_per_week": map[string]any{"type": "string"},
			"description":    map[string]any{"type": "string"},
			"supplements":    stringMapSchema(),
		},
		"required": []string{"type", "price_per_week", "description"},
	}

	locationSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"city":            map[string]any{"type": "string"},
			"country":         map[string]any{"type": "string", "minLength": 2, "maxLength": 2},
			"address":         map[string]any{"type": "string"},
			"courses":         map[string]any{"type": "array", "items": courseSchema},
			"accommodations":  map[string]any{"type": "array", "items": accommodationSchema},
			"additional_fees": stringMapSchema(),
		},
		"required": []string{"city", "country", "address", "courses", "accommodations"},
	}

	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":      map[string]any{"type": "string", "minLength": 1},
			"locations": map[string]any{"type": "array", "items": locationSchema},
			"terms":     stringMapSchema(),
			"repeat":    map[string]any{"type": "boolean"},
		},
		"required": []string{"name", "locations"},
	}
}

func stringMapSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": map[string]any{"type": "string"},
	}
}

// ValidateRaw validates raw model output against the school schema. The
// compiled schema is cached after the first call.
func ValidateRaw(data []byte) error {
	compileOnce.Do(func() {
		b, err := json.Marshal(BuildSchoolJSONSchema())
		if err != nil {
			compileErr = fmt.Errorf("marshal schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("school.json", bytes.NewReader(b)); err != nil {
			compileErr = fmt.Errorf("add schema: %w", err)
			return
		}
		compiledSchema, compileErr = compiler.Compile("school.json")
	})
	if compileErr != nil {
		return compileErr
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := compiledSchema.Validate(v); err != nil {
		return fmt.Errorf("output does not match school schema: %w", err)
	}
	return nil
}
