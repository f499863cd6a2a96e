package entity

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Argument schemas for the tool surface, one pair per entity type. Create
// schemas carry the mandatory-field contract (a create either arrives with
// every required field or is rejected before the store sees it); update
// schemas require an id plus at least one field to change.

const projectCreateSchema = `{
	"type": "object",
	"required": ["name", "client", "project_type", "start_estimate", "duration_estimate", "has_technical_requirements"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"client": {"type": "string", "minLength": 1},
		"project_type": {"type": "string", "minLength": 1},
		"start_estimate": {"type": "string", "minLength": 1},
		"duration_estimate": {"type": "string", "minLength": 1},
		"has_technical_requirements": {"type": "boolean"},
		"status": {"type": "string"}
	}
}`

const taskCreateSchema = `{
	"type": "object",
	"required": ["title"],
	"properties": {
		"title": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"assignee": {"type": "string"},
		"due": {"type": "string"},
		"status": {"type": "string"}
	}
}`

const documentCreateSchema = `{
	"type": "object",
	"required": ["title", "content"],
	"properties": {
		"title": {"type": "string", "minLength": 1},
		"content": {"type": "string", "minLength": 1},
		"doc_type": {"type": "string"},
		"status": {"type": "string"}
	}
}`

const technicalRequestCreateSchema = `{
	"type": "object",
	"required": ["summary"],
	"properties": {
		"summary": {"type": "string", "minLength": 1},
		"detail": {"type": "string"},
		"area": {"type": "string"},
		"status": {"type": "string"}
	}
}`

const suggestionCreateSchema = `{
	"type": "object",
	"required": ["summary", "target_entity_type"],
	"properties": {
		"summary": {"type": "string", "minLength": 1},
		"target_entity_type": {"type": "string", "enum": ["Project", "Task", "Document", "TechnicalRequest", "Checkpoint"]},
		"payload": {"type": "object"},
		"status": {"type": "string", "enum": ["pending", "accepted", "rejected", "modified", "completed"]}
	}
}`

const checkpointCreateSchema = `{
	"type": "object",
	"required": ["title"],
	"properties": {
		"title": {"type": "string", "minLength": 1},
		"notes": {"type": "string"},
		"remind_at": {"type": "string"},
		"status": {"type": "string"}
	}
}`

const genericUpdateSchema = `{
	"type": "object",
	"required": ["id"],
	"minProperties": 2,
	"properties": {
		"id": {"type": "string", "minLength": 1}
	}
}`

const suggestionUpdateSchema = `{
	"type": "object",
	"required": ["id"],
	"minProperties": 2,
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"status": {"type": "string", "enum": ["pending", "accepted", "rejected", "modified", "completed"]}
	}
}`

var createSchemas = map[Type]string{
	TypeProject:          projectCreateSchema,
	TypeTask:             taskCreateSchema,
	TypeDocument:         documentCreateSchema,
	TypeTechnicalRequest: technicalRequestCreateSchema,
	TypeSuggestion:       suggestionCreateSchema,
	TypeCheckpoint:       checkpointCreateSchema,
}

// SchemaSet holds the compiled argument schemas for every entity type.
type SchemaSet struct {
	create map[Type]*gojsonschema.Schema
	update map[Type]*gojsonschema.Schema
}

// NewSchemaSet compiles all argument schemas once.
func NewSchemaSet() (*SchemaSet, error) {
	set := &SchemaSet{
		create: make(map[Type]*gojsonschema.Schema, len(createSchemas)),
		update: make(map[Type]*gojsonschema.Schema, len(createSchemas)),
	}
	for t, raw := range createSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("compile create schema for %s: %w", t, err)
		}
		set.create[t] = schema

		updateRaw := genericUpdateSchema
		if t == TypeSuggestion {
			updateRaw = suggestionUpdateSchema
		}
		schema, err = gojsonschema.NewSchema(gojsonschema.NewStringLoader(updateRaw))
		if err != nil {
			return nil, fmt.Errorf("compile update schema for %s: %w", t, err)
		}
		set.update[t] = schema
	}
	return set, nil
}

// ValidateCreate checks create arguments against the type's schema.
func (s *SchemaSet) ValidateCreate(t Type, args map[string]any) error {
	schema, ok := s.create[t]
	if !ok {
		return fmt.Errorf("unknown entity type %q", t)
	}
	return runSchema(schema, args)
}

// ValidateUpdate checks update arguments (id plus at least one change).
func (s *SchemaSet) ValidateUpdate(t Type, args map[string]any) error {
	schema, ok := s.update[t]
	if !ok {
		return fmt.Errorf("unknown entity type %q", t)
	}
	return runSchema(schema, args)
}

func runSchema(schema *gojsonschema.Schema, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		var errors []string
		for _, desc := range result.Errors() {
			errors = append(errors, desc.String())
		}
		return fmt.Errorf("argument validation failed: %s", strings.Join(errors, "; "))
	}
	return nil
}
