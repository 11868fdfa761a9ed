package stages

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/extraction.json
var extractionSchemaJSON string

var extractionSchema = mustSchema(extractionSchemaJSON)

func mustSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("stages: invalid embedded schema: %v", err))
	}
	return schema
}

// SchemaError lists the fields of a document that failed validation.
type SchemaError struct {
	Errors []string
}

func (e *SchemaError) Error() string {
	return "schema validation failed: " + strings.Join(e.Errors, "; ")
}

// IsTransient reports false; a malformed extraction is handled per paper.
func (e *SchemaError) IsTransient() bool { return false }

// validateExtraction checks raw JSON against the extraction schema.
func validateExtraction(raw []byte) error {
	result, err := extractionSchema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return &SchemaError{Errors: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	errs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		errs = append(errs, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
	}
	return &SchemaError{Errors: errs}
}
