// Package store executes query plans against a persistence engine.
//
// Two engines exist: Postgres, which compiles plans to SQL, and Memory, which
// evaluates them in process. Both apply the restriction of a plan before its
// conditions, relations and pagination.
package store

import (
	"context"
	"math"
	"fmt"

	"github.com/relabs-tech/baas/core"
	"github.com/relabs-tech/baas/core/query"
)

// Row is a database row. Eager loaded relations appear under the relation name.
type Row = map[string]interface{}

// Pagination describes a page of a result set
type Pagination struct {
	Page      int `json:"page"`
	PageSize  int `json:"pageSize"`
	RowCount  int `json:"rowCount"`
	PageCount int `json:"pageCount"`
}

// Page is a page of rows
type Page struct {
	Rows       []Row      `json:"rows"`
	Pagination Pagination `json:"pagination"`
}

// Store is the persistence engine
type Store interface {
	// Table returns the declaration of a table
	Table(name string) *Table
	// FetchAll returns the rows matching the plan
	FetchAll(ctx context.Context, plan *query.Plan) ([]Row, error)
	// FetchPage returns a page of the rows matching the plan. Limit and offset of the
	// plan are replaced by the page.
	FetchPage(ctx context.Context, plan *query.Plan, page, pageSize int) (*Page, error)
	// Save inserts the payload, or updates the row it identifies. An update only
	// matches rows satisfying restrict, otherwise it fails with NotFound.
	Save(ctx context.Context, table string, payload Row, restrict map[string]interface{}) (Row, error)
	// Delete deletes the given rows. Tables with soft delete are soft deleted unless
	// hard is set.
	Delete(ctx context.Context, table string, rows []Row, hard bool) error
}

// Identifier returns the primary key value of a payload. A payload carries an
// identifier when the value is present and neither null nor the empty string.
func Identifier(table *Table, payload Row) (interface{}, bool) {
	id, ok := payload[table.PrimaryKey]
	if !ok || id == nil {
		return nil, false
	}
	if s, isString := id.(string); isString && s == "" {
		return nil, false
	}
	return id, true
}

func pageCount(rowCount, pageSize int) int {
	if rowCount == 0 {
		return 0
	}
	return (rowCount-1)/pageSize + 1
}

// pageOffset returns the row offset of a page
func pageOffset(page, pageSize int) (int, error) {
	if page < 1 || pageSize < 1 {
		return 0, core.NewError(core.KindBadRequest, "page and pageSize must be positive")
	}
	if page-1 > math.MaxInt/pageSize {
		return 0, core.NewError(core.KindBadRequest, "page is out of range")
	}
	return (page - 1) * pageSize, nil
}

type fetchFunc func(ctx context.Context, plan *query.Plan) ([]Row, error)

// loadRelations eager loads the relations of plan into rows. Related rows are
// fetched with one batched plan per relation. Limit and offset of a relation
// plan apply to the whole batch.
func loadRelations(ctx context.Context, tables Tables, table *Table, plan *query.Plan, rows []Row, fetch fetchFunc) error {
	for _, rp := range plan.Relations {
		def, ok := table.Relation(rp.Name)
		if !ok {
			return core.NewError(core.KindBadRequest, fmt.Sprintf("unknown relation %s", rp.Name))
		}
		related := tables.Lookup(def.Table)

		parentKey, childKey := table.PrimaryKey, def.ForeignKey
		if def.Kind == BelongsTo {
			parentKey, childKey = def.ForeignKey, related.PrimaryKey
		}

		var keys []string
		seen := map[string]bool{}
		for _, row := range rows {
			v := row[parentKey]
			if v == nil {
				continue
			}
			k := fmt.Sprint(v)
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}

		groups := map[string][]Row{}
		if len(keys) > 0 {
			child := *rp.Plan
			child.Table = def.Table
			child.Conditions = append(append([]query.Condition{}, rp.Plan.Conditions...),
				query.Condition{Column: childKey, Op: query.OpIn, Value: keys})
			children, err := fetch(ctx, &child)
			if err != nil {
				return err
			}
			for _, c := range children {
				k := fmt.Sprint(c[childKey])
				groups[k] = append(groups[k], c)
			}
		}

		for _, row := range rows {
			var group []Row
			if v := row[parentKey]; v != nil {
				group = groups[fmt.Sprint(v)]
			}
			if def.Kind == HasMany {
				if group == nil {
					group = []Row{}
				}
				row[rp.Name] = group
				continue
			}
			if len(group) > 0 {
				row[rp.Name] = group[0]
			} else {
				row[rp.Name] = nil
			}
		}
	}
	return nil
}
