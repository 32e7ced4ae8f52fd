package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/relabs-tech/baas/core"
	"github.com/relabs-tech/baas/core/csql"
	"github.com/relabs-tech/baas/core/logger"
	"github.com/relabs-tech/baas/core/query"
)

// Postgres executes plans on a postgres database
type Postgres struct {
	db     *csql.DB
	tables Tables
}

// NewPostgres returns a store for the tables in db's schema
func NewPostgres(db *csql.DB, tables Tables) *Postgres {
	if tables == nil {
		tables = Tables{}
	}
	return &Postgres{db: db, tables: tables}
}

// Table implements Store
func (p *Postgres) Table(name string) *Table {
	return p.tables.Lookup(name)
}

type statement struct {
	sql  strings.Builder
	args []interface{}
}

func (s *statement) arg(v interface{}) string {
	s.args = append(s.args, argValue(v))
	return "$" + strconv.Itoa(len(s.args))
}

// argValue encodes values the driver cannot encode, like constant objects of
// injected fields, as JSON
func argValue(v interface{}) interface{} {
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		data, _ := json.Marshal(v)
		return string(data)
	}
	return v
}

func qualified(schema, table string) string {
	return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(table)
}

// from writes the restricted derived table of a plan
func (s *statement) from(schema string, plan *query.Plan) {
	s.sql.WriteString("(SELECT * FROM ")
	s.sql.WriteString(qualified(schema, plan.Table))
	for i, column := range plan.RestrictColumns() {
		if i == 0 {
			s.sql.WriteString(" WHERE ")
		} else {
			s.sql.WriteString(" AND ")
		}
		s.sql.WriteString(s.equal(column, plan.Restrict[column]))
	}
	s.sql.WriteString(") AS ")
	s.sql.WriteString(pq.QuoteIdentifier(plan.Table))
}

func (s *statement) equal(column string, value interface{}) string {
	if value == nil {
		return pq.QuoteIdentifier(column) + " IS NULL"
	}
	return pq.QuoteIdentifier(column) + " = " + s.arg(value)
}

var comparisons = map[query.Operator]string{
	query.OpEq:   "=",
	query.OpNe:   "<>",
	query.OpGt:   ">",
	query.OpGte:  ">=",
	query.OpLt:   "<",
	query.OpLte:  "<=",
	query.OpLike: "LIKE",
}

func (s *statement) where(table *Table, plan *query.Plan) error {
	var clauses []string
	for _, c := range plan.Conditions {
		column := pq.QuoteIdentifier(c.Column)
		switch c.Op {
		case query.OpIn:
			clauses = append(clauses, column+" = ANY("+s.arg(pq.Array(c.Value))+")")
		case query.OpNull:
			if isNull, _ := c.Value.(bool); isNull {
				clauses = append(clauses, column+" IS NULL")
			} else {
				clauses = append(clauses, column+" IS NOT NULL")
			}
		default:
			op, ok := comparisons[c.Op]
			if !ok {
				return core.NewError(core.KindBadRequest, fmt.Sprintf("invalid operator %q", c.Op))
			}
			clauses = append(clauses, column+" "+op+" "+s.arg(c.Value))
		}
	}
	if table.SoftDelete && !plan.WithDeleted {
		clauses = append(clauses, pq.QuoteIdentifier(SoftDeleteColumn)+" IS NULL")
	}
	if len(clauses) > 0 {
		s.sql.WriteString(" WHERE ")
		s.sql.WriteString(strings.Join(clauses, " AND "))
	}
	return nil
}

func (s *statement) orderBy(plan *query.Plan) {
	for i, o := range plan.Order {
		if i == 0 {
			s.sql.WriteString(" ORDER BY ")
		} else {
			s.sql.WriteString(", ")
		}
		s.sql.WriteString(pq.QuoteIdentifier(o.Column))
		if o.Desc {
			s.sql.WriteString(" DESC")
		} else {
			s.sql.WriteString(" ASC")
		}
	}
}

func (s *statement) limit(limit, offset int) {
	if limit > 0 {
		s.sql.WriteString(" LIMIT " + strconv.Itoa(limit))
	}
	if offset > 0 {
		s.sql.WriteString(" OFFSET " + strconv.Itoa(offset))
	}
}

// CompileSelect compiles a plan to a select statement and its arguments. The
// restriction of the plan filters the table in a derived table, everything else
// applies on top of it:
//
//	SELECT * FROM (SELECT * FROM "schema"."orders" WHERE "tenant" = $1) AS "orders"
//	WHERE "status" = $2 AND "deleted_at" IS NULL ORDER BY "created_at" DESC LIMIT 10
func CompileSelect(schema string, table *Table, plan *query.Plan) (string, []interface{}, error) {
	s := &statement{}
	s.sql.WriteString("SELECT * FROM ")
	s.from(schema, plan)
	if err := s.where(table, plan); err != nil {
		return "", nil, err
	}
	s.orderBy(plan)
	s.limit(plan.Limit, plan.Offset)
	return s.sql.String(), s.args, nil
}

// CompileCount compiles a statement counting the rows matching a plan
func CompileCount(schema string, table *Table, plan *query.Plan) (string, []interface{}, error) {
	s := &statement{}
	s.sql.WriteString("SELECT count(*) FROM ")
	s.from(schema, plan)
	if err := s.where(table, plan); err != nil {
		return "", nil, err
	}
	return s.sql.String(), s.args, nil
}

// FetchAll implements Store
func (p *Postgres) FetchAll(ctx context.Context, plan *query.Plan) ([]Row, error) {
	table := p.tables.Lookup(plan.Table)
	sqlQuery, args, err := CompileSelect(p.db.Schema, table, plan)
	if err != nil {
		return nil, err
	}
	rows, err := p.query(ctx, sqlQuery, args)
	if err != nil {
		return nil, err
	}
	if err := loadRelations(ctx, p.tables, table, plan, rows, p.FetchAll); err != nil {
		return nil, err
	}
	return rows, nil
}

// FetchPage implements Store
func (p *Postgres) FetchPage(ctx context.Context, plan *query.Plan, page, pageSize int) (*Page, error) {
	offset, err := pageOffset(page, pageSize)
	if err != nil {
		return nil, err
	}
	table := p.tables.Lookup(plan.Table)
	countQuery, args, err := CompileCount(p.db.Schema, table, plan)
	if err != nil {
		return nil, err
	}
	var rowCount int
	if err := p.db.QueryRowContext(ctx, countQuery, args...).Scan(&rowCount); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 4801: cannot execute query `%s`", countQuery)
		return nil, core.WrapError(core.KindInternal, "internal error", err)
	}

	paged := *plan
	paged.Limit = pageSize
	paged.Offset = offset
	rows, err := p.FetchAll(ctx, &paged)
	if err != nil {
		return nil, err
	}
	return &Page{
		Rows: rows,
		Pagination: Pagination{
			Page:      page,
			PageSize:  pageSize,
			RowCount:  rowCount,
			PageCount: pageCount(rowCount, pageSize),
		},
	}, nil
}

// Save implements Store
func (p *Postgres) Save(ctx context.Context, tableName string, payload Row, restrict map[string]interface{}) (Row, error) {
	table := p.tables.Lookup(tableName)
	columns := make([]string, 0, len(payload))
	for column := range payload {
		if !query.ValidIdentifier(column) || !table.HasColumn(column) {
			return nil, core.NewError(core.KindBadRequest, fmt.Sprintf("unknown column %q", column))
		}
		if column != table.PrimaryKey {
			columns = append(columns, column)
		}
	}
	sort.Strings(columns)

	s := &statement{}
	id, update := Identifier(table, payload)
	if !update {
		if len(columns) == 0 {
			s.sql.WriteString("INSERT INTO " + qualified(p.db.Schema, table.Name) + " DEFAULT VALUES RETURNING *")
		} else {
			quoted := make([]string, len(columns))
			values := make([]string, len(columns))
			for i, column := range columns {
				quoted[i] = pq.QuoteIdentifier(column)
				values[i] = s.arg(payload[column])
			}
			s.sql.WriteString("INSERT INTO " + qualified(p.db.Schema, table.Name) +
				" (" + strings.Join(quoted, ", ") + ") VALUES (" + strings.Join(values, ", ") + ") RETURNING *")
		}
		rows, err := p.query(ctx, s.sql.String(), s.args)
		if err != nil {
			if csql.IsUniqueViolation(err) {
				return nil, core.WrapError(core.KindBadRequest, "entity already exists", err)
			}
			return nil, err
		}
		return rows[0], nil
	}

	conditions := []string{}
	if len(columns) == 0 {
		// nothing to set, return the row if it is visible
		s.sql.WriteString("SELECT * FROM " + qualified(p.db.Schema, table.Name))
	} else {
		sets := make([]string, len(columns))
		for i, column := range columns {
			sets[i] = pq.QuoteIdentifier(column) + " = " + s.arg(payload[column])
		}
		s.sql.WriteString("UPDATE " + qualified(p.db.Schema, table.Name) + " SET " + strings.Join(sets, ", "))
	}
	conditions = append(conditions, s.equal(table.PrimaryKey, id))
	restricted := &query.Plan{Restrict: restrict}
	for _, column := range restricted.RestrictColumns() {
		conditions = append(conditions, s.equal(column, restrict[column]))
	}
	if table.SoftDelete {
		conditions = append(conditions, pq.QuoteIdentifier(SoftDeleteColumn)+" IS NULL")
	}
	s.sql.WriteString(" WHERE " + strings.Join(conditions, " AND "))
	if len(columns) > 0 {
		s.sql.WriteString(" RETURNING *")
	}
	rows, err := p.query(ctx, s.sql.String(), s.args)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, core.NewError(core.KindNotFound, "not found")
	}
	return rows[0], nil
}

// Delete implements Store
func (p *Postgres) Delete(ctx context.Context, tableName string, rows []Row, hard bool) error {
	if len(rows) == 0 {
		return nil
	}
	table := p.tables.Lookup(tableName)
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if id, ok := Identifier(table, row); ok {
			ids = append(ids, fmt.Sprint(id))
		}
	}
	s := &statement{}
	pk := pq.QuoteIdentifier(table.PrimaryKey)
	if table.SoftDelete && !hard {
		s.sql.WriteString("UPDATE " + qualified(p.db.Schema, table.Name) + " SET " +
			pq.QuoteIdentifier(SoftDeleteColumn) + " = now() WHERE " + pk + " = ANY(" + s.arg(pq.Array(ids)) + ")")
	} else {
		s.sql.WriteString("DELETE FROM " + qualified(p.db.Schema, table.Name) + " WHERE " + pk + " = ANY(" + s.arg(pq.Array(ids)) + ")")
	}
	if _, err := p.db.ExecContext(ctx, s.sql.String(), s.args...); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 4802: cannot execute `%s`", s.sql.String())
		return core.WrapError(core.KindInternal, "internal error", err)
	}
	return nil
}

func (p *Postgres) query(ctx context.Context, sqlQuery string, args []interface{}) ([]Row, error) {
	rlog := logger.FromContext(ctx)
	rows, err := p.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		if csql.IsUniqueViolation(err) {
			return nil, err
		}
		rlog.WithError(err).Errorf("Error 4803: cannot execute query `%s` %+v", sqlQuery, args)
		return nil, core.WrapError(core.KindInternal, "internal error", err)
	}
	defer rows.Close()
	result, err := scanRows(rows)
	if err != nil {
		rlog.WithError(err).Errorf("Error 4804: cannot scan values")
		return nil, core.WrapError(core.KindInternal, "internal error", err)
	}
	return result, nil
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	result := []Row{}
	for rows.Next() {
		values := make([]interface{}, len(types))
		pointers := make([]interface{}, len(types))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, err
		}
		row := make(Row, len(types))
		for i, t := range types {
			row[t.Name()] = columnValue(t.DatabaseTypeName(), values[i])
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// columnValue turns the raw bytes the driver returns for json, uuid and other
// text-like types into values that encode naturally
func columnValue(databaseType string, v interface{}) interface{} {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	switch databaseType {
	case "JSON", "JSONB":
		var decoded interface{}
		if err := json.Unmarshal(b, &decoded); err == nil {
			return decoded
		}
	case "BYTEA":
		return b
	}
	return string(b)
}
