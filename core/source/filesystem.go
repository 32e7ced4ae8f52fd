package source

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// LocalFilesystem reads descriptors from <BasePath>/<module>/<FileName>
type LocalFilesystem struct {
	BasePath string
	FileName string
}

// NewLocalFilesystem returns a new LocalFilesystem with the default file name
func NewLocalFilesystem(basePath string) *LocalFilesystem {
	return &LocalFilesystem{BasePath: basePath, FileName: DefaultFileName}
}

// Path returns the descriptor path of a module
func (f *LocalFilesystem) Path(module string) string {
	name := f.FileName
	if name == "" {
		name = DefaultFileName
	}
	return filepath.Join(f.BasePath, module, name)
}

// ModuleFromPath returns the module a descriptor path belongs to
func (f *LocalFilesystem) ModuleFromPath(path string) (string, bool) {
	rel, err := filepath.Rel(f.BasePath, path)
	if err != nil {
		return "", false
	}
	module, file := filepath.Split(rel)
	module = filepath.Clean(module)
	if filepath.Dir(module) != "." || !ValidModuleName(module) {
		return "", false
	}
	name := f.FileName
	if name == "" {
		name = DefaultFileName
	}
	return module, file == name
}

// Stat implements Source
func (f *LocalFilesystem) Stat(_ context.Context, module string) (time.Time, error) {
	if !ValidModuleName(module) {
		return time.Time{}, ErrNotExist
	}
	info, err := os.Stat(f.Path(module))
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, ErrNotExist
	}
	if err != nil {
		return time.Time{}, err
	}
	if info.IsDir() {
		return time.Time{}, ErrNotExist
	}
	return info.ModTime(), nil
}

// Load implements Source
func (f *LocalFilesystem) Load(_ context.Context, module string) ([]byte, error) {
	if !ValidModuleName(module) {
		return nil, ErrNotExist
	}
	data, err := os.ReadFile(f.Path(module))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotExist
	}
	return data, err
}
