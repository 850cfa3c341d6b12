package sync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/fieldkit/offsync/internal/offline/schema"
)

// Validator checks write payloads against per-entity-type JSON Schemas.
// Entity types without a schema accept any payload.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles one schema document per entity type.
func NewValidator(documents map[string]string) (*Validator, error) {
	v := &Validator{schemas: make(map[string]*jsonschema.Schema)}
	if len(documents) == 0 {
		return v, nil
	}

	c := jsonschema.NewCompiler()
	for entityType, doc := range documents {
		if strings.TrimSpace(doc) == "" {
			continue
		}
		parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
		if err != nil {
			return nil, fmt.Errorf("failed to parse schema for %s: %w", entityType, err)
		}
		url := "mem:///" + entityType + ".json"
		if err := c.AddResource(url, parsed); err != nil {
			return nil, fmt.Errorf("failed to add schema for %s: %w", entityType, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema for %s: %w", entityType, err)
		}
		v.schemas[entityType] = compiled
	}
	return v, nil
}

// Validate checks a payload. Creates are validated as full records;
// updates are validated merged over base so required fields already on
// the entity are satisfied. Deletes carry no payload.
func (v *Validator) Validate(entityType string, op schema.Operation, payload, base schema.Fields) error {
	if v == nil || op == schema.OpDelete {
		return nil
	}
	compiled, ok := v.schemas[entityType]
	if !ok {
		return nil
	}

	record := payload
	if op == schema.OpUpdate {
		record = base.Overlay(payload)
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("%w: payload is not JSON: %v", schema.ErrInvalid, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: payload is not JSON: %v", schema.ErrInvalid, err)
	}
	if err := compiled.Validate(inst); err != nil {
		return fmt.Errorf("%w: %s payload: %v", schema.ErrInvalid, entityType, err)
	}
	return nil
}
