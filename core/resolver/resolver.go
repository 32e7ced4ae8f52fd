/*
Package resolver keeps the process-wide cache of module descriptors.

Every lookup compares the source's modification time of the module with the one
of the cached snapshot and reloads the module when the source is newer. Snapshots
are immutable and replaced wholesale under a write lock, so a request always
resolves against one consistent descriptor. Concurrent reloads of the same module
are coalesced into one.
*/
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/relabs-tech/baas/core"
	"github.com/relabs-tech/baas/core/descriptor"
	"github.com/relabs-tech/baas/core/logger"
	"github.com/relabs-tech/baas/core/source"
)

// Observer is notified about descriptor reloads
type Observer interface {
	DescriptorReloaded(module string, err error)
}

// Builder is a builder helper for the Cache
type Builder struct {
	// Source provides the module descriptors
	Source source.Source
	// Functions resolves {"func": name} field declarations
	Functions descriptor.Functions
	// CheckInterval is the minimum time between two modification checks of a
	// module. Zero checks on every lookup.
	CheckInterval time.Duration
	// Observer is optional
	Observer Observer
}

type snapshot struct {
	module  *descriptor.Module
	modTime time.Time
	// checked is the unix nano time of the last modification check
	checked atomic.Int64
}

// Cache is the descriptor cache
type Cache struct {
	source        source.Source
	functions     descriptor.Functions
	checkInterval time.Duration
	observer      Observer
	now           func() time.Time

	mutex     sync.RWMutex
	snapshots map[string]*snapshot
	group     singleflight.Group
}

// New creates a new descriptor cache
func New(b *Builder) *Cache {
	if b.Source == nil {
		panic("source missing")
	}
	return &Cache{
		source:        b.Source,
		functions:     b.Functions,
		checkInterval: b.CheckInterval,
		observer:      b.Observer,
		now:           time.Now,
		snapshots:     map[string]*snapshot{},
	}
}

func (c *Cache) cached(name string) *snapshot {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.snapshots[name]
}

func (c *Cache) drop(name string) {
	c.mutex.Lock()
	delete(c.snapshots, name)
	c.mutex.Unlock()
}

// Module resolves a module descriptor. An unknown module, or one whose descriptor
// has no baas section, fails NotSupported.
func (c *Cache) Module(ctx context.Context, name string) (*descriptor.Module, error) {
	if !source.ValidModuleName(name) {
		return nil, c.notSupported(name)
	}

	snap := c.cached(name)
	now := c.now()
	if snap != nil && c.checkInterval > 0 &&
		now.Sub(time.Unix(0, snap.checked.Load())) < c.checkInterval {
		return snap.module, nil
	}

	modTime, err := c.source.Stat(ctx, name)
	if errors.Is(err, source.ErrNotExist) {
		c.drop(name)
		return nil, c.notSupported(name)
	}
	if err != nil {
		return nil, core.WrapError(core.KindInternal, "cannot resolve module", fmt.Errorf("stat %s: %w", name, err))
	}

	if snap != nil && !modTime.After(snap.modTime) {
		snap.checked.Store(now.UnixNano())
		return snap.module, nil
	}

	v, err, _ := c.group.Do(name, func() (interface{}, error) {
		return c.reload(ctx, name, modTime)
	})
	if err != nil {
		return nil, err
	}
	return v.(*descriptor.Module), nil
}

func (c *Cache) reload(ctx context.Context, name string, modTime time.Time) (*descriptor.Module, error) {
	rlog := logger.FromContext(ctx)

	// another reload may have finished while we were waiting
	if snap := c.cached(name); snap != nil && !modTime.After(snap.modTime) {
		return snap.module, nil
	}

	data, err := c.source.Load(ctx, name)
	if errors.Is(err, source.ErrNotExist) {
		c.drop(name)
		return nil, c.notSupported(name)
	}
	if err != nil {
		return nil, core.WrapError(core.KindInternal, "cannot resolve module", fmt.Errorf("load %s: %w", name, err))
	}

	module, err := descriptor.Parse(name, data, c.functions)
	if c.observer != nil {
		c.observer.DescriptorReloaded(name, err)
	}
	if err != nil {
		// the previous snapshot is outdated either way
		c.drop(name)
		if core.KindOf(err) == core.KindNotSupported {
			return nil, err
		}
		rlog.WithError(err).Errorln("Error 4601: invalid descriptor for module", name)
		return nil, core.WrapError(core.KindInternal, "invalid module descriptor", err)
	}

	snap := &snapshot{module: module, modTime: modTime}
	snap.checked.Store(c.now().UnixNano())
	c.mutex.Lock()
	c.snapshots[name] = snap
	c.mutex.Unlock()
	rlog.Infoln("loaded descriptor for module", name)
	return module, nil
}

func (c *Cache) notSupported(name string) error {
	return core.NewError(core.KindNotSupported, fmt.Sprintf("module %s does not support baas", name))
}

// Invalidate drops the cached snapshot of a module. The next lookup reloads it.
func (c *Cache) Invalidate(name string) {
	c.drop(name)
}

// Modules returns the names of all currently cached modules
func (c *Cache) Modules() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	names := make([]string, 0, len(c.snapshots))
	for name := range c.snapshots {
		names = append(names, name)
	}
	return names
}
