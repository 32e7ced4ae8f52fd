package store

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/baas/core"
	"github.com/relabs-tech/baas/core/query"
)

// Memory is an in-process store. Rows get a uuid primary key when they are
// inserted without one. It is safe for concurrent use.
type Memory struct {
	tables Tables
	mutex  sync.RWMutex
	rows   map[string][]Row
	now    func() time.Time
}

// NewMemory returns an empty in-process store
func NewMemory(tables Tables) *Memory {
	if tables == nil {
		tables = Tables{}
	}
	return &Memory{tables: tables, rows: map[string][]Row{}, now: time.Now}
}

// Table implements Store
func (m *Memory) Table(name string) *Table {
	return m.tables.Lookup(name)
}

// Insert adds rows to a table as they are
func (m *Memory) Insert(table string, rows ...Row) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, row := range rows {
		m.rows[table] = append(m.rows[table], copyRow(row))
	}
}

// Rows returns all rows of a table, including soft deleted rows
func (m *Memory) Rows(table string) []Row {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	out := make([]Row, 0, len(m.rows[table]))
	for _, row := range m.rows[table] {
		out = append(out, copyRow(row))
	}
	return out
}

func copyRow(row Row) Row {
	c := make(Row, len(row))
	for k, v := range row {
		c[k] = v
	}
	return c
}

// FetchAll implements Store
func (m *Memory) FetchAll(ctx context.Context, plan *query.Plan) ([]Row, error) {
	table := m.tables.Lookup(plan.Table)
	rows, err := m.selectRows(table, plan)
	if err != nil {
		return nil, err
	}
	rows, err = window(rows, plan.Limit, plan.Offset)
	if err != nil {
		return nil, err
	}
	if err := loadRelations(ctx, m.tables, table, plan, rows, m.FetchAll); err != nil {
		return nil, err
	}
	return rows, nil
}

// FetchPage implements Store
func (m *Memory) FetchPage(ctx context.Context, plan *query.Plan, page, pageSize int) (*Page, error) {
	offset, err := pageOffset(page, pageSize)
	if err != nil {
		return nil, err
	}
	table := m.tables.Lookup(plan.Table)
	all, err := m.selectRows(table, plan)
	if err != nil {
		return nil, err
	}
	rows, err := window(all, pageSize, offset)
	if err != nil {
		return nil, err
	}
	if err := loadRelations(ctx, m.tables, table, plan, rows, m.FetchAll); err != nil {
		return nil, err
	}
	return &Page{
		Rows: rows,
		Pagination: Pagination{
			Page:      page,
			PageSize:  pageSize,
			RowCount:  len(all),
			PageCount: pageCount(len(all), pageSize),
		},
	}, nil
}

// selectRows returns copies of the restricted, filtered and ordered rows
func (m *Memory) selectRows(table *Table, plan *query.Plan) ([]Row, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var restricted []Row
	for _, row := range m.rows[plan.Table] {
		if matchesRestrict(row, plan.Restrict) {
			restricted = append(restricted, row)
		}
	}
	out := []Row{}
	for _, row := range restricted {
		if table.SoftDelete && !plan.WithDeleted && row[SoftDeleteColumn] != nil {
			continue
		}
		ok, err := matchesConditions(row, plan.Conditions)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, copyRow(row))
		}
	}
	if len(plan.Order) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, o := range plan.Order {
				c := compare(out[i][o.Column], out[j][o.Column])
				if c == 0 {
					continue
				}
				if o.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}
	return out, nil
}

func window(rows []Row, limit, offset int) ([]Row, error) {
	if offset < 0 {
		return nil, core.NewError(core.KindBadRequest, "offset must not be negative")
	}
	if offset >= len(rows) {
		return []Row{}, nil
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows, nil
}

func matchesRestrict(row Row, restrict map[string]interface{}) bool {
	for column, value := range restrict {
		if value == nil {
			if row[column] != nil {
				return false
			}
			continue
		}
		if row[column] == nil || compare(row[column], value) != 0 {
			return false
		}
	}
	return true
}

func matchesConditions(row Row, conditions []query.Condition) (bool, error) {
	for _, c := range conditions {
		v := row[c.Column]
		switch c.Op {
		case query.OpNull:
			if want, _ := c.Value.(bool); want != (v == nil) {
				return false, nil
			}
			continue
		case query.OpIn:
			values, _ := c.Value.([]string)
			found := false
			for _, candidate := range values {
				if v != nil && compare(v, candidate) == 0 {
					found = true
					break
				}
			}
			if !found {
				return false, nil
			}
			continue
		}
		if v == nil {
			return false, nil
		}
		r := compare(v, c.Value)
		var ok bool
		switch c.Op {
		case query.OpEq:
			ok = r == 0
		case query.OpNe:
			ok = r != 0
		case query.OpGt:
			ok = r > 0
		case query.OpGte:
			ok = r >= 0
		case query.OpLt:
			ok = r < 0
		case query.OpLte:
			ok = r <= 0
		case query.OpLike:
			pattern, _ := c.Value.(string)
			ok = likePattern(pattern).MatchString(fmt.Sprint(v))
		default:
			return false, core.NewError(core.KindBadRequest, fmt.Sprintf("invalid operator %q", c.Op))
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// compare orders two values numerically when both are numbers, otherwise by
// their string form. nil sorts first.
func compare(a, b interface{}) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	fa, aok := number(a)
	fb, bok := number(b)
	if aok && bok {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func number(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}

func likePattern(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

// Save implements Store
func (m *Memory) Save(_ context.Context, tableName string, payload Row, restrict map[string]interface{}) (Row, error) {
	table := m.tables.Lookup(tableName)
	for column := range payload {
		if !query.ValidIdentifier(column) || !table.HasColumn(column) {
			return nil, core.NewError(core.KindBadRequest, fmt.Sprintf("unknown column %q", column))
		}
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	id, update := Identifier(table, payload)
	if !update {
		row := copyRow(payload)
		row[table.PrimaryKey] = uuid.New().String()
		m.rows[tableName] = append(m.rows[tableName], row)
		return copyRow(row), nil
	}
	for _, row := range m.rows[tableName] {
		if compare(row[table.PrimaryKey], id) != 0 || !matchesRestrict(row, restrict) {
			continue
		}
		if table.SoftDelete && row[SoftDeleteColumn] != nil {
			continue
		}
		for k, v := range payload {
			if k != table.PrimaryKey {
				row[k] = v
			}
		}
		return copyRow(row), nil
	}
	return nil, core.NewError(core.KindNotFound, "not found")
}

// Delete implements Store
func (m *Memory) Delete(_ context.Context, tableName string, rows []Row, hard bool) error {
	table := m.tables.Lookup(tableName)
	ids := map[string]bool{}
	for _, row := range rows {
		if id, ok := Identifier(table, row); ok {
			ids[fmt.Sprint(id)] = true
		}
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	kept := m.rows[tableName][:0]
	for _, row := range m.rows[tableName] {
		if !ids[fmt.Sprint(row[table.PrimaryKey])] {
			kept = append(kept, row)
			continue
		}
		if table.SoftDelete && !hard {
			row[SoftDeleteColumn] = m.now()
			kept = append(kept, row)
		}
	}
	m.rows[tableName] = kept
	return nil
}
