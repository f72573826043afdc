// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package tools

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// NormalizeSchema ensures a JSON Schema is well-formed before it is handed
// to a provider. Bedrock Claude models in particular reject object schemas
// whose properties field is null.
func NormalizeSchema(schema *JSONSchema) *JSONSchema {
	if schema == nil {
		return nil
	}

	if schema.Type == "object" && schema.Properties == nil {
		schema.Properties = make(map[string]*JSONSchema)
	}
	for key, prop := range schema.Properties {
		schema.Properties[key] = NormalizeSchema(prop)
	}
	if schema.Items != nil {
		schema.Items = NormalizeSchema(schema.Items)
	}

	// Infer type when the structure makes it obvious.
	if schema.Type == "" {
		switch {
		case schema.Properties != nil:
			schema.Type = "object"
		case schema.Items != nil:
			schema.Type = "array"
		case len(schema.Enum) > 0:
			schema.Type = "string"
		}
	}

	return schema
}

// ValidateArguments checks model-provided arguments against the tool's
// input schema before execution.
func ValidateArguments(tool Tool, arguments map[string]interface{}) error {
	schema := tool.InputSchema()
	if schema == nil {
		return nil
	}

	schemaLoader := gojsonschema.NewGoLoader(NormalizeSchema(schema))
	argsLoader := gojsonschema.NewGoLoader(arguments)

	result, err := gojsonschema.Validate(schemaLoader, argsLoader)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		errors := make([]string, len(result.Errors()))
		for i, err := range result.Errors() {
			errors[i] = err.String()
		}
		return fmt.Errorf("invalid arguments: %v", errors)
	}

	return nil
}
