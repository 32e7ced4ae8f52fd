/*Package registry provides a persistent registry of objects in a SQL database

The package uses JSON to serialize the data. Every value carries the time it
was last written, which lets readers detect changes cheaply.
*/
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/baas/core/csql"
)

// New creates a new registry for the specified database
func New(db *csql.DB) Registry {
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + db.Table("_registry_") + `
(key varchar NOT NULL, 
value json NOT NULL, 
timestamp timestamp NOT NULL, 
PRIMARY KEY(key)
);`)

	if err != nil {
		panic(err)
	}
	return Registry{db: db}
}

// Registry provides a persistent registry of objects in a sql database.
type Registry struct {
	db *csql.DB
}

// Accessor is an accessor with optional prefix
type Accessor struct {
	Prefix   string
	Registry Registry
}

// Accessor returns a registry accessor with prefix
func (r Registry) Accessor(prefix string) Accessor {
	return Accessor{
		Prefix:   prefix,
		Registry: r,
	}
}

func (r Accessor) key(key string) string {
	if len(r.Prefix) > 0 {
		return r.Prefix + ":" + key
	}
	return key
}

// Stat returns the time when the value was written, or a zero timestamp
// if there is no value.
func (r Accessor) Stat(ctx context.Context, key string) (time.Time, error) {
	var timestamp time.Time
	key = r.key(key)
	err := r.Registry.db.QueryRowContext(ctx,
		`SELECT timestamp FROM `+r.Registry.db.Table("_registry_")+` WHERE key=$1;`,
		key).Scan(&timestamp)
	if err == csql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot stat key '%s': %w", key, err)
	}
	return timestamp, nil
}

// ReadRaw reads the raw JSON value from the registry. It returns the
// time when the value was written, or a zero timestamp and nil data
// if there is no value.
func (r Accessor) ReadRaw(ctx context.Context, key string) ([]byte, time.Time, error) {
	var (
		rawValue  []byte
		timestamp time.Time
	)
	key = r.key(key)
	err := r.Registry.db.QueryRowContext(ctx,
		`SELECT value, timestamp FROM `+r.Registry.db.Table("_registry_")+` WHERE key=$1;`,
		key).Scan(&rawValue, &timestamp)
	if err == csql.ErrNoRows {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("cannot read key '%s': %w", key, err)
	}
	return rawValue, timestamp, nil
}

// Read reads a value from the registry. It returns the
// time when the value was written, or a zero timpestamp
// if there is no value.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (r Accessor) Read(ctx context.Context, key string, value interface{}) (time.Time, error) {
	rawValue, timestamp, err := r.ReadRaw(ctx, key)
	if err != nil || rawValue == nil {
		return timestamp, err
	}
	return timestamp, json.Unmarshal(rawValue, value)
}

// Write writes a value into the registry. A []byte or json.RawMessage value
// is stored as is and must be valid JSON.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (r Accessor) Write(ctx context.Context, key string, value interface{}) error {
	var body []byte
	switch v := value.(type) {
	case []byte:
		body = v
	case json.RawMessage:
		body = v
	default:
		var err error
		body, err = json.Marshal(value)
		if err != nil {
			return err
		}
	}
	key = r.key(key)
	now := time.Now().UTC()
	res, err := r.Registry.db.ExecContext(ctx,
		`INSERT INTO `+r.Registry.db.Table("_registry_")+`(key,value,timestamp)
VALUES($1,$2,$3)
ON CONFLICT (key) DO UPDATE SET value=$2,timestamp=$3;`,
		key, string(body), now)

	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("could not write key %s", key)
	}
	return nil

}

// Delete deletes a value from the registry.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (r Accessor) Delete(ctx context.Context, key string) error {
	_, err := r.Registry.db.ExecContext(ctx,
		`DELETE FROM `+r.Registry.db.Table("_registry_")+` WHERE key=$1;`,
		r.key(key))
	return err
}
