package qpipeline

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed pipeline.schema.json
var schemaJSON string

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	return jsonschema.CompileString("pipeline.schema.json", schemaJSON)
})

// Validate checks a YAML (or JSON) document against the pipeline schema.
func Validate(data []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}

	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse pipeline YAML: %w", err)
	}

	// The validator expects the value shapes encoding/json produces.
	jsonData, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("pipeline is not representable as JSON: %w", err)
	}
	var normalized interface{}
	if err := json.Unmarshal(jsonData, &normalized); err != nil {
		return err
	}

	if err := schema.Validate(normalized); err != nil {
		return fmt.Errorf("invalid pipeline: %w", err)
	}
	return nil
}
