// Package source provides the storage backends module descriptors are read from:
// a local filesystem, AWS S3 and the database registry.
//
// Every backend reports a modification time per module, which lets the
// descriptor cache reload a module only when it has changed.
package source

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// ErrNotExist is returned when a module has no descriptor
var ErrNotExist = errors.New("module descriptor does not exist")

// DefaultFileName is the name of a module's descriptor document
const DefaultFileName = "plugin.json"

// Source provides module descriptors by name
type Source interface {
	// Stat returns the modification time of the module's descriptor
	Stat(ctx context.Context, module string) (time.Time, error)
	// Load returns the module's descriptor document
	Load(ctx context.Context, module string) ([]byte, error)
}

// DriverType represents the different types of sources
type DriverType string

// DriverTypeLocal is the local filesystem source
const DriverTypeLocal DriverType = "file"

// DriverTypeAWSS3 is the AWS S3 source
const DriverTypeAWSS3 DriverType = "s3"

// DriverTypeRegistry is the database registry source
const DriverTypeRegistry DriverType = "db"

var moduleNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidModuleName returns true if name can be used as a module name. Module
// names become path segments and object keys, they must not contain separators.
func ValidModuleName(name string) bool {
	return moduleNamePattern.MatchString(name)
}
