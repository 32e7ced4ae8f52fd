package csql

import (
	"database/sql"
	"errors"

	"github.com/lib/pq" // load database driver for postgres

	"github.com/relabs-tech/baas/core/logger"
)

// DB encapsulates a standard sql.DB with a schema
type DB struct {
	*sql.DB
	Schema string
}

// ErrNoRows is returned by Scan when QueryRow doesn't return a
// row. In such a case, QueryRow returns a placeholder *Row value that
// defers this error until a Scan.
var ErrNoRows = sql.ErrNoRows

// New wraps an already opened database. An empty schema selects "public".
func New(db *sql.DB, schema string) *DB {
	if len(schema) == 0 {
		schema = "public"
	}
	return &DB{DB: db, Schema: schema}
}

// OpenWithSchema opens a postgres database with a schema.
// The schema gets created if it does not exist yet.
// The password is appended to the data source name if it is not empty.
func OpenWithSchema(dataSourceName, password, schema string) *DB {
	rlog := logger.Default()
	rlog.Infoln("connecting to postgres database: ", dataSourceName)
	if len(password) > 0 {
		dataSourceName += " password=" + password
	}
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		panic(err)
	}
	err = db.Ping()
	if err != nil {
		panic(err)
	}
	if len(schema) == 0 {
		schema = "public"
	} else {
		rlog.Infoln("selected database schema:", schema)
		_, err = db.Exec(`CREATE schema IF NOT EXISTS ` + pq.QuoteIdentifier(schema) + `;`)
		if err != nil {
			panic(err)
		}
	}
	return &DB{DB: db, Schema: schema}
}

// Table returns the quoted, schema qualified name of a table
func (db *DB) Table(name string) string {
	return pq.QuoteIdentifier(db.Schema) + "." + pq.QuoteIdentifier(name)
}

// ClearSchema clears all the data contained in the database's schema
// Technically this is done by dropping the schema and then recreating it
func (db *DB) ClearSchema() {
	if db.Schema == "public" {
		panic("refuse to drop public schema")
	}
	schema := pq.QuoteIdentifier(db.Schema)
	_, err := db.Exec(`DROP SCHEMA ` + schema + ` CASCADE;
	CREATE schema IF NOT EXISTS ` + schema + `;`)
	if err != nil {
		logger.Default().WithError(err).Errorln("clear schema error:", db.Schema)
	}
}

// IsUniqueViolation returns true if err is a postgres unique constraint violation
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
