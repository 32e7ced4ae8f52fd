package store

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/baas/core/query"
)

// RelationKind is the cardinality of a relation
type RelationKind string

// the relation kinds
const (
	HasMany   RelationKind = "has_many"
	HasOne    RelationKind = "has_one"
	BelongsTo RelationKind = "belongs_to"
)

// DefaultPrimaryKey is the primary key column of tables that do not declare one
const DefaultPrimaryKey = "id"

// SoftDeleteColumn is set to the deletion time by soft deletes
const SoftDeleteColumn = "deleted_at"

// RelationDef declares a relation of a table.
//
// For BelongsTo the foreign key is a column of the declaring table holding the
// primary key of the related table. For HasOne and HasMany it is a column of the
// related table holding the primary key of the declaring table.
type RelationDef struct {
	Name       string       `json:"name"`
	Table      string       `json:"table"`
	Kind       RelationKind `json:"kind"`
	ForeignKey string       `json:"foreignKey"`
}

// Table declares a table a model maps to
type Table struct {
	Name       string        `json:"name"`
	PrimaryKey string        `json:"primaryKey"`
	SoftDelete bool          `json:"softDelete"`
	Columns    []string      `json:"columns"`
	Relations  []RelationDef `json:"relations"`
}

// Relation returns the named relation
func (t *Table) Relation(name string) (RelationDef, bool) {
	for _, r := range t.Relations {
		if r.Name == name {
			return r, true
		}
	}
	return RelationDef{}, false
}

// HasColumn returns true if the table accepts the column. Tables that do not
// list their columns accept every column.
func (t *Table) HasColumn(column string) bool {
	if len(t.Columns) == 0 {
		return true
	}
	if column == t.PrimaryKey {
		return true
	}
	for _, c := range t.Columns {
		if c == column {
			return true
		}
	}
	return false
}

// Tables are the declared tables by name
type Tables map[string]*Table

type tablesConfiguration struct {
	Tables []*Table `json:"tables"`
}

// ParseTables parses a tables document:
//
//	{
//	  "tables": [
//	    {
//	      "name": "orders",
//	      "softDelete": true,
//	      "columns": ["tenant", "status", "customer_id"],
//	      "relations": [
//	        {"name": "customer", "table": "customers", "kind": "belongs_to", "foreignKey": "customer_id"},
//	        {"name": "items", "table": "items", "kind": "has_many", "foreignKey": "order_id"}
//	      ]
//	    }
//	  ]
//	}
func ParseTables(data []byte) (Tables, error) {
	var tc tablesConfiguration
	if err := json.Unmarshal(data, &tc); err != nil {
		return nil, fmt.Errorf("invalid tables document: %w", err)
	}
	tables := Tables{}
	for _, t := range tc.Tables {
		if !query.ValidIdentifier(t.Name) {
			return nil, fmt.Errorf("invalid table name %q", t.Name)
		}
		if _, ok := tables[t.Name]; ok {
			return nil, fmt.Errorf("table %s declared twice", t.Name)
		}
		if t.PrimaryKey == "" {
			t.PrimaryKey = DefaultPrimaryKey
		}
		if !query.ValidIdentifier(t.PrimaryKey) {
			return nil, fmt.Errorf("table %s: invalid primary key %q", t.Name, t.PrimaryKey)
		}
		for _, c := range t.Columns {
			if !query.ValidIdentifier(c) {
				return nil, fmt.Errorf("table %s: invalid column %q", t.Name, c)
			}
		}
		tables[t.Name] = t
	}
	for _, t := range tables {
		seen := map[string]bool{}
		for _, r := range t.Relations {
			if !query.ValidIdentifier(r.Name) || seen[r.Name] {
				return nil, fmt.Errorf("table %s: invalid relation %q", t.Name, r.Name)
			}
			seen[r.Name] = true
			switch r.Kind {
			case HasMany, HasOne, BelongsTo:
			default:
				return nil, fmt.Errorf("table %s: relation %s: invalid kind %q", t.Name, r.Name, r.Kind)
			}
			if _, ok := tables[r.Table]; !ok {
				return nil, fmt.Errorf("table %s: relation %s: unknown table %q", t.Name, r.Name, r.Table)
			}
			if !query.ValidIdentifier(r.ForeignKey) {
				return nil, fmt.Errorf("table %s: relation %s: invalid foreign key %q", t.Name, r.Name, r.ForeignKey)
			}
		}
	}
	return tables, nil
}

// Lookup returns the declared table or, for undeclared names, a table with the
// default primary key, no soft delete and no relations
func (t Tables) Lookup(name string) *Table {
	if table, ok := t[name]; ok {
		return table
	}
	return &Table{Name: name, PrimaryKey: DefaultPrimaryKey}
}
