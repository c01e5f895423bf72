// Package envelope defines the Result Envelope container exec produces,
// its canonical error codes (spec.md §4.6), and schema validation against
// the platform envelope schema.
package envelope

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Error codes a capsule execution's error envelope may carry.
const (
	CodeRuntimeError      = "CONTAINER_EXEC_RUNTIME_ERROR"
	CodeTimeout           = "CONTAINER_EXEC_TIMEOUT"
	CodeEnvelopeMissing   = "CONTAINER_EXEC_ENVELOPE_MISSING"
	CodeEnvelopeInvalid   = "CONTAINER_EXEC_ENVELOPE_INVALID"
)

// Envelope is the Result Envelope a capsule execution produces, either
// written by the container itself (success) or synthesized by the capsule
// runner (error).
type Envelope struct {
	Success    bool           `json:"success"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	ErrorCode  string         `json:"errorCode,omitempty"`
	Message    string         `json:"message,omitempty"`
	ExitCode   int            `json:"exitCode"`
	Stdout     string         `json:"stdout,omitempty"`
	Stderr     string         `json:"stderr,omitempty"`
}

// ErrorEnvelope builds a canonical error envelope (spec.md §4.6 "Output").
func ErrorEnvelope(code, message string, exitCode int, stdout, stderr string) Envelope {
	return Envelope{
		Success:   false,
		ErrorCode: code,
		Message:   message,
		ExitCode:  exitCode,
		Stdout:    stdout,
		Stderr:    stderr,
	}
}

// DefaultSchema is the platform envelope schema every capsule's written
// envelope is validated against before being trusted.
const DefaultSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["success"],
  "properties": {
    "success": {"type": "boolean"},
    "outputs": {"type": "object"},
    "errorCode": {"type": "string"},
    "message": {"type": "string"},
    "exitCode": {"type": "integer"},
    "stdout": {"type": "string"},
    "stderr": {"type": "string"}
  },
  "additionalProperties": false
}`

// Validator validates raw envelope JSON against the platform schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles schemaJSON (a JSON Schema document) into a
// Validator. Pass DefaultSchema for the platform's baseline schema.
func NewValidator(schemaJSON string) (*Validator, error) {
	var doc any
	if err := json.Unmarshal([]byte(schemaJSON), &doc); err != nil {
		return nil, fmt.Errorf("parse envelope schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	const resourceURL = "demon://envelope-schema.json"
	if err := compiler.AddResource(resourceURL, doc); err != nil {
		return nil, fmt.Errorf("add envelope schema resource: %w", err)
	}
	schema, err := compiler.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate parses raw as JSON and validates it against the schema,
// returning the decoded Envelope on success.
func (v *Validator) Validate(_ context.Context, raw []byte) (Envelope, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Envelope{}, fmt.Errorf("%s: invalid json: %w", CodeEnvelopeInvalid, err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return Envelope{}, fmt.Errorf("%s: schema validation: %w", CodeEnvelopeInvalid, err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%s: decode: %w", CodeEnvelopeInvalid, err)
	}
	return env, nil
}
