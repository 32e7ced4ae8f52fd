// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package schema validates JSON documents against compiled JSON schemas
package schema

import (
	"fmt"
	"io/fs"
	"strings"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"
)

// Validator validates documents against a set of schemas keyed by their $id
type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

// NewValidatorFromFS compiles every .json file at the root of fsys as a schema.
// Files below refs/ can only be used as $ref targets. Other directories are
// ignored.
func NewValidatorFromFS(fsys fs.FS) (*Validator, error) {
	var schemas, refs [][]byte
	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path == "." || path == "refs" {
				return nil
			}
			return fs.SkipDir
		}
		if !strings.HasSuffix(path, ".json") {
			return nil
		}
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return fmt.Errorf("cannot read schema %s: %w", path, err)
		}
		if strings.HasPrefix(path, "refs/") {
			refs = append(refs, data)
		} else {
			schemas = append(schemas, data)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return NewValidator(schemas, refs)
}

// NewValidator compiles the schemas. Every schema needs an $id. Schemas may
// reference refs but not each other.
func NewValidator(schemas, refs [][]byte) (*Validator, error) {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema, len(schemas))}
	for _, data := range schemas {
		var header struct {
			ID string `json:"$id"`
		}
		if err := json.Unmarshal(data, &header); err != nil {
			return nil, fmt.Errorf("invalid schema: %w", err)
		}
		if header.ID == "" {
			return nil, fmt.Errorf("schema has no $id: %s", data)
		}
		if _, ok := v.schemas[header.ID]; ok {
			return nil, fmt.Errorf("duplicate schema %s", header.ID)
		}

		loader := gojsonschema.NewSchemaLoader()
		for _, ref := range refs {
			if err := loader.AddSchemas(gojsonschema.NewBytesLoader(ref)); err != nil {
				return nil, fmt.Errorf("cannot add reference schema: %w", err)
			}
		}
		compiled, err := loader.Compile(gojsonschema.NewBytesLoader(data))
		if err != nil {
			return nil, fmt.Errorf("cannot compile schema %s: %w", header.ID, err)
		}
		v.schemas[header.ID] = compiled
	}
	return v, nil
}

// Has returns true if the schema is known
func (v *Validator) Has(id string) bool {
	_, ok := v.schemas[id]
	return ok
}

// Validate validates a raw JSON document against the schema id. A document
// that violates the schema yields a *ValidationError.
func (v *Validator) Validate(document []byte, id string) error {
	compiled, ok := v.schemas[id]
	if !ok {
		return fmt.Errorf("unknown schema %s", id)
	}
	result, err := compiled.Validate(gojsonschema.NewBytesLoader(document))
	if err != nil {
		return fmt.Errorf("cannot validate against %s: %w", id, err)
	}
	if result.Valid() {
		return nil
	}
	verr := &ValidationError{SchemaID: id}
	for _, e := range result.Errors() {
		verr.Violations = append(verr.Violations, Violation{Field: e.Field(), Description: e.Description()})
	}
	return verr
}

// Violation is a single schema violation. Field is the dotted path of the
// offending value, "(root)" for the document itself.
type Violation struct {
	Field       string
	Description string
}

// ValidationError lists every violation of a document
type ValidationError struct {
	SchemaID   string
	Violations []Violation
}

func (e *ValidationError) Error() string {
	lines := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		lines[i] = v.Field + ": " + v.Description
	}
	return "invalid document: " + strings.Join(lines, "; ")
}
