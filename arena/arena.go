// Package arena implements a segregated free-list allocator over a region
// of bytes that may be a plain in-memory buffer or a crash-consistent,
// mmap'd, dual-file persisted region (see arena/persist). Offsets stand in
// for pointers throughout, so a region can be relocated, grown, or
// reopened in a new process without any address fixing up.
package arena

import (
	"sync"
	"time"
	"unsafe"

	"github.com/arcoro/arcoro/arena/internal/chunk"
	"github.com/arcoro/arcoro/arena/internal/consistency"
	"github.com/arcoro/arcoro/arena/internal/freelist"
	"github.com/arcoro/arcoro/arena/internal/registry"
	"github.com/arcoro/arcoro/arena/persist"
	"github.com/arcoro/arcoro/internal/logging"
)

// Context owns one region: its bytes, its registry entry, and the
// bookkeeping (logger, metrics observer, optional persistence store)
// needed to service Alloc/Free calls against it.
type Context struct {
	mu sync.Mutex

	id       uint64
	store    *persist.Store // nil for a pure in-memory region
	region   []byte
	registry *registry.Registry
	logger   *logging.Logger
	observer Observer
	closed   bool
}

// Option configures a Context at creation time.
type Option func(*Context)

// WithLogger overrides the default package logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Context) { c.logger = l }
}

// WithObserver installs a metrics/tracing observer.
func WithObserver(o Observer) Option {
	return func(c *Context) { c.observer = o }
}

// WithRegistry targets a private registry instead of the process-wide
// default, which is how tests keep their region ids isolated from each
// other.
func WithRegistry(r *registry.Registry) Option {
	return func(c *Context) { c.registry = r }
}

func applyOptions(c *Context, opts []Option) {
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.Default()
	}
	if c.observer == nil {
		c.observer = NoOpObserver{}
	}
	if c.registry == nil {
		c.registry = registry.Default
	}
}

// New creates a fresh, purely in-memory region of at least size bytes.
// Its contents are never written to disk; use Open for a persisted region.
func New(size uint64, opts ...Option) (*Context, error) {
	c := &Context{}
	applyOptions(c, opts)

	size = chunk.AlignUp(size)
	if size < chunk.FirstBorderOffset()+chunk.BorderSize*2 {
		size = chunk.AlignUp(chunk.FirstBorderOffset() + chunk.BorderSize*2 + chunk.MinPayload)
	}

	c.id = c.registry.NextID()
	c.region = make([]byte, size)

	if err := freelist.Init(c.region, size, c.id, chunk.NoopDirtier{}); err != nil {
		return nil, wrapError("New", c.id, ErrCodeCorrupt, err)
	}
	if err := c.registry.Register(c.id, c.region, c); err != nil {
		return nil, wrapError("New", c.id, ErrCodeAlreadyPresent, err)
	}

	c.logger.Debug("region created", "region_id", c.id, "size", size)
	return c, nil
}

// Open opens (or creates, if absent) a persisted region backed by the
// control/data files rooted at path.
func Open(path string, opts ...Option) (*Context, error) {
	c := &Context{}
	applyOptions(c, opts)

	store, err := persist.Open(path, c.logger)
	if err != nil {
		return nil, wrapError("Open", 0, ErrCodeIO, err)
	}
	c.store = store
	c.region = store.Region()

	if store.IsNew() {
		c.id = c.registry.NextID()
		if err := freelist.Init(c.region, uint64(len(c.region)), c.id, store); err != nil {
			store.Close()
			return nil, wrapError("Open", c.id, ErrCodeCorrupt, err)
		}
		if err := store.FinalizeInit(); err != nil {
			store.Close()
			return nil, wrapError("Open", c.id, ErrCodeIO, err)
		}
		if err := store.Commit(); err != nil {
			store.Close()
			return nil, wrapError("Open", c.id, ErrCodeIO, err)
		}
	} else {
		// Reopening an already-initialized region reuses its embedded id
		// rather than minting a new one.
		c.id = chunk.GetRegionID(c.region)
		if err := freelist.CheckInvariants(c.region); err != nil {
			store.Close()
			return nil, wrapError("Open", c.id, ErrCodeCorrupt, err)
		}
	}

	if err := c.registry.Register(c.id, c.region, c); err != nil {
		store.Close()
		return nil, wrapError("Open", c.id, ErrCodeAlreadyPresent, err)
	}

	c.logger.Info("region opened", "region_id", c.id, "path", path, "size", len(c.region))
	return c, nil
}

// GetCtx resolves a region id previously returned by New/Open's RegionID to
// its live Context. It looks up the process-wide default registry; callers
// that passed WithRegistry at creation must instead keep their own
// *Context reference.
func GetCtx(id uint64) (*Context, error) {
	h, err := registry.Default.Lookup(id)
	if err != nil {
		return nil, wrapError("GetCtx", id, ErrCodeNotFound, err)
	}
	c, ok := h.Owner.(*Context)
	if !ok {
		return nil, newError("GetCtx", id, ErrCodeNotFound, "region id is not an arena.Context")
	}
	return c, nil
}

// RegionID returns the id this context was registered under.
func (c *Context) RegionID() uint64 { return c.id }

// SetUser stores a single caller-defined offset in the region header's
// reserved user slot. It is typically used to remember the offset of a
// top-level root structure.
func (c *Context) SetUser(v uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chunk.SetUserSlot(c.region, v, c.dirtier())
}

// GetUser returns the value last stored with SetUser (0 if none).
func (c *Context) GetUser() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return chunk.GetUserSlot(c.region)
}

func (c *Context) dirtier() chunk.Dirtier {
	if c.store != nil {
		return c.store
	}
	return chunk.NoopDirtier{}
}

func (c *Context) growFunc() freelist.GrowFunc {
	if c.store == nil {
		return func(newSize uint64) ([]byte, error) {
			grown := make([]byte, newSize)
			copy(grown, c.region)
			return grown, nil
		}
	}
	return c.store.Grow
}

// Alloc reserves n bytes and returns their offset within the region (0 on
// out-of-memory). The offset remains valid, and the bytes it names remain
// reachable via Ptr, until the matching Free.
func (c *Context) Alloc(n uint64) (uint64, error) {
	start := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	before := uint64(len(c.region))
	off, err := freelist.Alloc(&c.region, n, c.dirtier(), c.growFunc())
	elapsed := uint64(time.Since(start).Nanoseconds())

	if err != nil {
		c.observer.ObserveAlloc(n, elapsed, false)
		return 0, wrapError("Alloc", c.id, ErrCodeOutOfMemory, err)
	}
	if after := uint64(len(c.region)); after != before {
		c.registry.Remap(c.id, c.region)
		c.observer.ObserveGrow(after - before)
	}
	c.observer.ObserveAlloc(n, elapsed, off != 0)
	if off == 0 {
		c.logger.Warn("allocation failed: out of memory", "region_id", c.id, "requested", n)
	}
	return off, nil
}

// Free releases the allocation at off. Freeing 0 is a no-op.
func (c *Context) Free(off uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var freedSize uint64
	if off != 0 {
		b := chunk.ReadBorder(c.region, chunk.BorderOffset(off))
		freedSize = b.PayloadSize
	}

	if err := freelist.Free(c.region, off, c.dirtier()); err != nil {
		return wrapError("Free", c.id, ErrCodeDoubleFree, err)
	}
	c.observer.ObserveFree(freedSize)
	return nil
}

// Ptr returns the payload slice for an outstanding allocation at off. It
// returns an error if off does not name a currently-allocated chunk.
func (c *Context) Ptr(off uint64) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if off == 0 || off >= uint64(len(c.region)) {
		return nil, newError("Ptr", c.id, ErrCodeInvalidParams, "offset out of range")
	}
	b := chunk.ReadBorder(c.region, chunk.BorderOffset(off))
	if b.Free {
		return nil, newError("Ptr", c.id, ErrCodeInvalidParams, "offset is not allocated")
	}
	return c.region[off : off+b.PayloadSize], nil
}

// Off computes the offset of a slice previously returned by Ptr. p must
// share the region's backing array; the offset is the difference between
// the addresses of p's first byte and the region's first byte.
func (c *Context) Off(p []byte) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.region) == 0 || len(p) == 0 {
		return 0, newError("Off", c.id, ErrCodeInvalidParams, "empty region or slice")
	}
	base := unsafe.Pointer(&c.region[0])
	target := unsafe.Pointer(&p[0])
	off := uint64(uintptr(target) - uintptr(base))
	if off >= uint64(len(c.region)) {
		return 0, newError("Off", c.id, ErrCodeInvalidParams, "slice is not part of this region")
	}
	return off, nil
}

// Commit flushes in-flight changes to durable storage. It is a no-op for
// in-memory regions created with New.
func (c *Context) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		return nil
	}
	err := c.store.Commit()
	c.observer.ObserveCommit(false, err == nil)
	if err != nil {
		return wrapError("Commit", c.id, ErrCodeIO, err)
	}
	return nil
}

// Rewind discards changes made since the last Commit. It is a no-op for
// in-memory regions.
func (c *Context) Rewind() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		return nil
	}
	err := c.store.Rewind()
	c.observer.ObserveCommit(true, err == nil)
	if err != nil {
		return wrapError("Rewind", c.id, ErrCodeIO, err)
	}
	c.region = c.store.Region()
	return nil
}

// Close releases the context: for a persisted region this discards
// uncommitted changes and closes the backing files; for an in-memory
// region it only removes the registry entry.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.registry.Unregister(c.id)

	if c.store == nil {
		return nil
	}
	if err := c.store.Close(); err != nil {
		return wrapError("Close", c.id, ErrCodeIO, err)
	}
	return nil
}

// Walk returns every chunk in the region in offset order, for diagnostics
// and the consistency checker below.
func (c *Context) Walk() ([]freelist.ChunkInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	infos, err := freelist.Walk(c.region)
	if err != nil {
		return nil, wrapError("Walk", c.id, ErrCodeCorrupt, err)
	}
	return infos, nil
}

// CheckInvariants verifies the region's boundary-record and free-list
// bookkeeping is internally consistent, then cross-checks the chunk
// layout against an independently built ordered index (arena/internal/consistency).
func (c *Context) CheckInvariants() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := freelist.CheckInvariants(c.region); err != nil {
		return wrapError("CheckInvariants", c.id, ErrCodeCorrupt, err)
	}
	if _, err := consistency.Check(c.region); err != nil {
		return wrapError("CheckInvariants", c.id, ErrCodeCorrupt, err)
	}
	return nil
}
