package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Request bodies are validated against JSON Schemas before they are decoded
// into typed structs, so handlers never see structurally invalid input.
const (
	projectWriteSchema = `{
		"type": "object",
		"required": ["name"],
		"properties": {
			"name": {"type": "string", "minLength": 1, "maxLength": 512},
			"color": {"type": "string", "maxLength": 64}
		},
		"additionalProperties": false
	}`

	taskCreateSchema = `{
		"type": "object",
		"required": ["text", "projectId"],
		"properties": {
			"text": {"type": "string", "minLength": 1, "maxLength": 2048},
			"projectId": {"type": "string", "minLength": 1},
			"priority": {"type": "integer", "minimum": 1, "maximum": 4},
			"notes": {"type": "string", "maxLength": 16384},
			"dueDate": {"type": "string"},
			"metadata": {
				"type": "object",
				"additionalProperties": {"type": "string"}
			}
		},
		"additionalProperties": false
	}`

	taskUpdateSchema = `{
		"type": "object",
		"required": ["text"],
		"properties": {
			"text": {"type": "string", "minLength": 1, "maxLength": 2048},
			"priority": {"type": "integer", "minimum": 1, "maximum": 4},
			"notes": {"type": "string", "maxLength": 16384},
			"dueDate": {"type": "string"},
			"metadata": {
				"type": "object",
				"additionalProperties": {"type": "string"}
			}
		},
		"additionalProperties": false
	}`

	syncRequestSchema = `{
		"type": "object",
		"required": ["direction"],
		"properties": {
			"direction": {"enum": ["TO_REMOTE", "FROM_REMOTE", "BIDIRECTIONAL"]},
			"entityKinds": {"enum": ["projects", "tasks", "all"]}
		},
		"additionalProperties": false
	}`
)

type requestSchemas struct {
	projectWrite *jsonschema.Schema
	taskCreate   *jsonschema.Schema
	taskUpdate   *jsonschema.Schema
	syncRequest  *jsonschema.Schema
}

func compileRequestSchemas() (*requestSchemas, error) {
	compiler := jsonschema.NewCompiler()
	sources := map[string]string{
		"taskrelay://schemas/project-write.json": projectWriteSchema,
		"taskrelay://schemas/task-create.json":   taskCreateSchema,
		"taskrelay://schemas/task-update.json":   taskUpdateSchema,
		"taskrelay://schemas/sync-request.json":  syncRequestSchema,
	}
	for url, raw := range sources {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(raw)))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", url, err)
		}
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("register schema %s: %w", url, err)
		}
	}
	compiled := &requestSchemas{}
	for url, target := range map[string]**jsonschema.Schema{
		"taskrelay://schemas/project-write.json": &compiled.projectWrite,
		"taskrelay://schemas/task-create.json":   &compiled.taskCreate,
		"taskrelay://schemas/task-update.json":   &compiled.taskUpdate,
		"taskrelay://schemas/sync-request.json":  &compiled.syncRequest,
	} {
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", url, err)
		}
		*target = schema
	}
	return compiled, nil
}

// decodeValidatedBody reads the body, validates it against the schema, and
// only then unmarshals into the typed destination. Writes the error response
// itself and reports whether the handler should continue.
func (s *Server) decodeValidatedBody(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema, correlationID string, dest any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	decoded, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "request body is not valid JSON", correlationID)
		return false
	}
	if err := schema.Validate(decoded); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return false
	}
	if err := json.Unmarshal(body, dest); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "failed to decode request body", correlationID)
		return false
	}
	return true
}
