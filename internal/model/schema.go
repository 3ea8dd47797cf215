package model

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/job.schema.json
var jobSchemaJSON string

//go:embed schemas/result.schema.json
var resultSchemaJSON string

// ValidateJobJSON validates a raw job document against the job schema.
// Unknown top-level and step properties are rejected.
func ValidateJobJSON(raw []byte) error {
	return validateAgainst(jobSchemaJSON, gojsonschema.NewBytesLoader(raw), "job")
}

// ValidateResult validates a StepResult or JobResult against the result schema.
func ValidateResult(result any) error {
	return validateAgainst(resultSchemaJSON, gojsonschema.NewGoLoader(result), "result")
}

func validateAgainst(schema string, doc gojsonschema.JSONLoader, what string) error {
	result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(schema), doc)
	if err != nil {
		return fmt.Errorf("validate %s schema: %w", what, err)
	}
	if result.Valid() {
		return nil
	}
	errs := make([]string, 0, len(result.Errors()))
	for _, schemaErr := range result.Errors() {
		errs = append(errs, schemaErr.String())
	}
	sort.Strings(errs)
	return &ValidationError{Message: fmt.Sprintf("%s schema validation failed: %s", what, strings.Join(errs, "; "))}
}
