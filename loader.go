// Package loader provides a batched, coalescing cache loader.
//
// A [Loader] turns many concurrent lookups by key into few calls to a bulk [Fetcher],
// and caches every outcome, found or not found, for its own lifetime.
// It is meant to be created once per unit of work (for example, once per inbound request)
// and closed at the end of it.
package loader

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

var _ ILoader[any, any] = (*Loader[any, any])(nil)

// ILoader provides common methods of a [Loader].
type ILoader[K comparable, V any] interface {
	// Load loads a key, waiting for the batch containing it if the key is not resolved yet.
	// Return an error wrapping [ErrNotFound] if the key does not exist.
	//
	// Context can be used to stop waiting, it does not cancel the fetch.
	Load(ctx context.Context, key K) (V, error)

	// LoadMany loads keys, returning one result per key in the same order as keys.
	// The error is non-nil only for failures that are not specific to a key:
	// [*FetchError], [ErrLoaderClosed] or the context error.
	//
	// Context can be used to stop waiting, it does not cancel the fetch.
	LoadMany(ctx context.Context, keys []K) ([]Result[V], error)

	// LoadAll loads keys, returning the values in the same order as keys.
	// Keys that are not found have zero value, and their errors are joined into the returned error.
	LoadAll(ctx context.Context, keys []K) ([]V, error)

	// Prime stores the value of a key that is not resolved yet.
	// Return false if the key was already resolved.
	Prime(key K, value V) bool

	// Close releases this handle.
	// When the last handle of a loader is closed, the loader finishes the pending batches and stops.
	// Context can be used to provide a deadline for waiting the loader to stop.
	Close(ctx context.Context) error
}

// Builder loader that is in setup phase (not running).
// You cannot load any key using this builder, use [Builder.Build] to create a [Loader].
// See [Option] for available options.
type Builder[K comparable, V any] struct {
	fetcher Fetcher[K, V]
	cfg     config
}

// NewBuilder create a Builder using the specified fetcher.
// See [Builder.Configure] and [Option] for available configuration.
//
// By default, the loader operates with the following configuration:
//   - WithDelay: 10ms.
//   - WithEagerBatchSize: Unset (disabled)
//   - WithMaxConcurrency: 1
func NewBuilder[K comparable, V any](fetcher Fetcher[K, V]) Builder[K, V] {
	return Builder[K, V]{
		fetcher: fetcher,
		cfg:     defaultConfig(),
	}
}

// Configure applies [Option] to this builder.
// Each Configure call creates a new builder.
func (b Builder[K, V]) Configure(options ...Option) Builder[K, V] {
	for i := range options {
		options[i](&b.cfg)
	}
	return b
}

// Build create a running [Loader].
// The loader must be closed using [Loader.Close] when it is no longer used.
func (b Builder[K, V]) Build() *Loader[K, V] {
	if b.fetcher == nil {
		panic("loader: nil fetcher")
	}

	cfg := b.cfg
	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.limiter != nil && cfg.limiter.Limit() != rate.Inf && cfg.limiter.Burst() < 1 {
		logger.Warn("rate limiter does not allow any fetch, ignoring", slog.String("label", cfg.label))
		cfg.limiter = nil
	}
	inst := newInstruments(cfg, logger)
	s := newStore[K, V]()
	inbound := make(chan *request[K])
	co := newCoordinator(cfg, logger, inst, b.fetcher, s, inbound)

	c := &core[K, V]{
		label:   cfg.label,
		inst:    inst,
		store:   s,
		inbound: inbound,
		done:    co.done,
	}
	c.refs.Store(1)
	go co.run()
	return newHandle(c)
}

// core is the state shared by every handle of a loader.
type core[K comparable, V any] struct {
	label string
	inst  *instruments
	store *store[K, V]

	// lock guard inbound from being closed while sending.
	lock    sync.RWMutex
	closed  bool
	inbound chan *request[K]
	done    <-chan struct{}

	// refs number of open handles.
	refs atomic.Int64
}

// send sends the request to the coordinator.
func (c *core[K, V]) send(ctx context.Context, req *request[K]) error {
	c.lock.RLock()
	defer c.lock.RUnlock()
	if c.closed {
		return ErrLoaderClosed
	}
	select {
	case c.inbound <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acquire adds a handle, return false if the loader is already stopping.
func (c *core[K, V]) acquire() bool {
	for {
		refs := c.refs.Load()
		if refs <= 0 {
			return false
		}
		if c.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

// release removes a handle, closing inbound when it was the last one.
// Return true if inbound was closed.
func (c *core[K, V]) release() bool {
	if c.refs.Add(-1) > 0 {
		return false
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.inbound)
	return true
}

// handle is one reference to a loader core.
type handle[K comparable, V any] struct {
	core   *core[K, V]
	closed atomic.Bool
}

// release releases the reference once.
func (h *handle[K, V]) release() bool {
	if !h.closed.CompareAndSwap(false, true) {
		return false
	}
	return h.core.release()
}

// Loader [ILoader] that is running and can load keys.
// A Loader can be shared between goroutines, [Loader.Clone] creates
// another handle to the same loader, sharing the cache and the batches.
type Loader[K comparable, V any] struct {
	h *handle[K, V]
}

func newHandle[K comparable, V any](c *core[K, V]) *Loader[K, V] {
	l := &Loader[K, V]{h: &handle[K, V]{core: c}}
	// Release the handle if it is dropped without being closed, so the coordinator can stop.
	runtime.AddCleanup(l, func(h *handle[K, V]) { h.release() }, l.h)
	return l
}

// Label return the label configured by [WithLabel].
func (l *Loader[K, V]) Label() string {
	return l.h.core.label
}

// Clone create another handle of this loader.
// Every handle shares the same cache and batches, and must be closed separately.
// Cloning a closed handle return a closed handle.
func (l *Loader[K, V]) Clone() *Loader[K, V] {
	c := l.h.core
	if l.h.closed.Load() || !c.acquire() {
		h := &handle[K, V]{core: c}
		h.closed.Store(true)
		return &Loader[K, V]{h: h}
	}
	return newHandle(c)
}

// Load loads a key, waiting for the batch containing it if the key is not resolved yet.
// Return an error wrapping [ErrNotFound] if the key does not exist.
//
// Context can be used to stop waiting, it does not cancel the fetch.
func (l *Loader[K, V]) Load(ctx context.Context, key K) (V, error) {
	results, err := l.LoadMany(ctx, []K{key})
	if err != nil {
		var zero V
		return zero, err
	}
	return results[0].Value, results[0].Err
}

// LoadMany loads keys, returning one result per key in the same order as keys.
// The error is non-nil only for failures that are not specific to a key:
// [*FetchError], [ErrLoaderClosed] or the context error.
//
// Keys that are already resolved are returned without waiting.
// Context can be used to stop waiting, it does not cancel the fetch.
func (l *Loader[K, V]) LoadMany(ctx context.Context, keys []K) ([]Result[V], error) {
	results := make([]Result[V], len(keys))
	if len(keys) == 0 {
		return results, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	c := l.h.core
	pending, hits := c.store.resolve(keys, results)
	c.inst.lookup(ctx, hits, len(keys)-hits)
	for len(pending) > 0 {
		if err := l.fetch(ctx, pending); err != nil {
			return nil, err
		}
		// Resolve the original keys, the batch may have fetched more or less than this request.
		pending, _ = c.store.resolve(keys, results)
	}
	return results, nil
}

// fetch sends the keys to the coordinator and waits for the reply.
func (l *Loader[K, V]) fetch(ctx context.Context, keys []K) error {
	if l.h.closed.Load() {
		return ErrLoaderClosed
	}
	req := &request[K]{
		ctx:   ctx,
		keys:  keys,
		reply: make(chan error, 1),
	}
	if err := l.h.core.send(ctx, req); err != nil {
		return err
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LoadAll loads keys, returning the values in the same order as keys.
// Keys that are not found have zero value, and their errors are joined into the returned error.
func (l *Loader[K, V]) LoadAll(ctx context.Context, keys []K) ([]V, error) {
	results, err := l.LoadMany(ctx, keys)
	if err != nil {
		return nil, err
	}

	var errs []error
	values := make([]V, len(results))
	for i, res := range results {
		if res.Err != nil {
			errs = append(errs, res.Err)
			continue
		}
		values[i] = res.Value
	}
	return values, errors.Join(errs...)
}

// Prime stores the value of a key that is not resolved yet.
// Return false if the key was already resolved.
func (l *Loader[K, V]) Prime(key K, value V) bool {
	return l.h.core.store.insertFound(key, value)
}

// Close releases this handle.
// Loading keys that are not resolved yet using a closed handle returns [ErrLoaderClosed].
//
// When the last handle is closed, the loader fetches the pending batches, replies to their callers, then stops.
// Close waits for that at most until the context is done.
// Closing a handle more than once has no effect.
func (l *Loader[K, V]) Close(ctx context.Context) error {
	if !l.h.release() {
		return nil
	}
	select {
	case <-l.h.core.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
