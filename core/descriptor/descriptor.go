/*
Package descriptor holds the configuration tree of a baas module.

A module descriptor is a JSON document with a top-level "baas" key:

	{
	  "baas": {
	    "auth": {
	      "Token": {"secret": "s3cr3t", "expires": "7 days"}
	    },
	    "class": {
	      "home": {
	        "auth": ["Token"],
	        "model": {
	          "todos": {
	            "auth": "Token",
	            "curd": ["add", "update", "delete", "fetch"],
	            "field": {
	              "owner_id": {"expr": "auth.Token.uid"},
	              "app": "demo"
	            }
	          }
	        }
	      }
	    }
	  }
	}

"auth" declares the named token schemes of the module. A class lists the schemes
a request must satisfy, in order. A model optionally names a scheme used to sign
responses, lists its permitted operations in "curd" and declares fields that are
injected into every query and write. A field is either a constant or computed
per request, see FieldSpec.

Documents are validated against an embedded JSON schema before they are decoded.
*/
package descriptor

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/baas/core"
	"github.com/relabs-tech/baas/core/schema"
)

//go:embed schemas
var schemaFS embed.FS

const moduleSchemaID = "https://relabs.tech/baas/schemas/module.json"

var validator *schema.Validator

func init() {
	sub, err := fs.Sub(schemaFS, "schemas")
	if err != nil {
		panic(err)
	}
	validator, err = schema.NewValidatorFromFS(sub)
	if err != nil {
		panic(err)
	}
}

// AuthScheme is a named token scheme: a shared secret and the validity of
// tokens signed with it. A zero Expires means signed tokens do not expire.
type AuthScheme struct {
	Name    string
	Secret  string
	Expires time.Duration
}

// Module is the parsed descriptor of one module
type Module struct {
	Name    string
	Auth    map[string]*AuthScheme
	Classes map[string]*Class
}

// Class groups models behind an ordered list of required auth schemes
type Class struct {
	Name   string
	Auth   []string
	Models map[string]*Model
}

// Model is the access policy of one table
type Model struct {
	Name string
	// Auth is the scheme used to sign responses, empty for unsigned responses
	Auth   string
	Curd   []core.Permission
	Fields map[string]FieldSpec

	fieldOrder []string
}

type authConfiguration struct {
	Secret  string          `json:"secret"`
	Expires json.RawMessage `json:"expires,omitempty"`
}

type classConfiguration struct {
	Auth  stringList                    `json:"auth"`
	Model map[string]modelConfiguration `json:"model"`
}

type modelConfiguration struct {
	Auth  string                     `json:"auth"`
	Curd  []core.Permission          `json:"curd"`
	Field map[string]json.RawMessage `json:"field"`
}

type moduleConfiguration struct {
	Auth  map[string]authConfiguration  `json:"auth"`
	Class map[string]classConfiguration `json:"class"`
}

// stringList accepts a single string or a list of strings
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*l = stringList{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*l = list
	return nil
}

// Parse parses the descriptor document of the named module. functions resolves
// the {"func": name} field declarations and may be nil.
//
// A document without a "baas" key yields a NotSupported error.
func Parse(name string, data []byte, functions Functions) (*Module, error) {
	var document map[string]json.RawMessage
	if err := json.Unmarshal(data, &document); err != nil {
		return nil, fmt.Errorf("module %s: invalid descriptor: %w", name, err)
	}
	raw, ok := document["baas"]
	if !ok || string(raw) == "null" {
		return nil, core.NewError(core.KindNotSupported, fmt.Sprintf("module %s does not support baas", name))
	}
	if err := validator.Validate(raw, moduleSchemaID); err != nil {
		return nil, fmt.Errorf("module %s: %w", name, err)
	}

	var mc moduleConfiguration
	if err := json.Unmarshal(raw, &mc); err != nil {
		return nil, fmt.Errorf("module %s: invalid descriptor: %w", name, err)
	}

	module := &Module{
		Name:    name,
		Auth:    map[string]*AuthScheme{},
		Classes: map[string]*Class{},
	}
	for schemeName, ac := range mc.Auth {
		expires, err := ParseExpires(ac.Expires)
		if err != nil {
			return nil, fmt.Errorf("module %s: auth %s: %w", name, schemeName, err)
		}
		module.Auth[schemeName] = &AuthScheme{Name: schemeName, Secret: ac.Secret, Expires: expires}
	}

	for className, cc := range mc.Class {
		class := &Class{Name: className, Models: map[string]*Model{}}
		seen := map[string]bool{}
		for _, scheme := range cc.Auth {
			if seen[scheme] {
				continue
			}
			seen[scheme] = true
			class.Auth = append(class.Auth, scheme)
		}
		for modelName, mdc := range cc.Model {
			model, err := newModel(modelName, mdc, functions)
			if err != nil {
				return nil, fmt.Errorf("module %s: class %s: model %s: %w", name, className, modelName, err)
			}
			class.Models[modelName] = model
		}
		module.Classes[className] = class
	}
	return module, nil
}

func newModel(name string, mc modelConfiguration, functions Functions) (*Model, error) {
	model := &Model{
		Name:   name,
		Auth:   mc.Auth,
		Curd:   mc.Curd,
		Fields: map[string]FieldSpec{},
	}
	for fieldName, raw := range mc.Field {
		spec, err := parseFieldSpec(raw, functions)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", fieldName, err)
		}
		model.Fields[fieldName] = spec
		model.fieldOrder = append(model.fieldOrder, fieldName)
	}
	sort.Strings(model.fieldOrder)
	return model, nil
}

// Class returns the named class. An unknown class is an authorization failure.
func (m *Module) Class(name string) (*Class, error) {
	class, ok := m.Classes[name]
	if !ok {
		return nil, core.Unauthorized(fmt.Errorf("module %s has no class %s", m.Name, name))
	}
	return class, nil
}

// Scheme returns the named auth scheme
func (m *Module) Scheme(name string) (*AuthScheme, bool) {
	scheme, ok := m.Auth[name]
	return scheme, ok
}

// Model returns the named model. An unknown model is an authorization failure.
func (c *Class) Model(name string) (*Model, error) {
	model, ok := c.Models[name]
	if !ok {
		return nil, core.Unauthorized(fmt.Errorf("class %s has no model %s", c.Name, name))
	}
	return model, nil
}

// Permits returns true if the model's curd list contains the permission
func (m *Model) Permits(permission core.Permission) bool {
	for _, p := range m.Curd {
		if p == permission {
			return true
		}
	}
	return false
}
