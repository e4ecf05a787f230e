package validate

import (
	"bufio"
	"bytes"
	"fmt"
	"os"

	"github.com/kaptinlin/jsonschema"
)

// Validator is a compiled schema that can be reused across documents.
type Validator struct {
	schema *jsonschema.Schema
}

func New(schemaDocument []byte) (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile(schemaDocument)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

func (v *Validator) ValidateJSON(data []byte) error {
	result := v.schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("schema validation failed: %v", result.Errors)
}

func (v *Validator) ValidateJSONL(data []byte) error {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		trimmed := bytes.TrimSpace(scanner.Bytes())
		if len(trimmed) == 0 {
			continue
		}
		if err := v.ValidateJSON(trimmed); err != nil {
			return fmt.Errorf("jsonl line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read jsonl: %w", err)
	}
	return nil
}

func ValidateJSON(schemaDocument []byte, data []byte) error {
	validator, err := New(schemaDocument)
	if err != nil {
		return err
	}
	return validator.ValidateJSON(data)
}

func ValidateJSONFile(schemaDocument []byte, jsonPath string) error {
	// #nosec G304 -- path is explicit local user input.
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return fmt.Errorf("read json: %w", err)
	}
	return ValidateJSON(schemaDocument, data)
}

func ValidateJSONLFile(schemaDocument []byte, jsonlPath string) error {
	validator, err := New(schemaDocument)
	if err != nil {
		return err
	}
	// #nosec G304 -- path is explicit local user input.
	data, err := os.ReadFile(jsonlPath)
	if err != nil {
		return fmt.Errorf("read jsonl: %w", err)
	}
	return validator.ValidateJSONL(data)
}
