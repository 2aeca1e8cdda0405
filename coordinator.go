package loader

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
)

// request is a load request sent to the coordinator.
type request[K comparable] struct {
	ctx  context.Context
	keys []K
	// reply receives exactly one value, nil or the first window error.
	// It is buffered, so the coordinator never blocks on an abandoned caller.
	reply chan error

	// waiting is the number of windows this request is waiting for.
	// Owned by the coordinator.
	waiting int
	// err is the first window error of this request.
	// Owned by the coordinator.
	err error
}

// window is a batch of keys to be fetched in one fetcher call.
type window[K comparable] struct {
	id       uint64
	ctx      context.Context
	opened   time.Time
	keys     []K
	requests []*request[K]
}

// fetchResult is sent to the coordinator once for each dispatched window.
type fetchResult[K comparable, V any] struct {
	window *window[K]
	// found are the values put by the fetcher, only committed when err is nil.
	found map[K]V
	err   error
}

// coordinator is the main goroutine of a loader.
// Exactly one coordinator runs per loader, it owns every window and the in-flight index
// and handles all of them in one select loop.
type coordinator[K comparable, V any] struct {
	cfg     config
	logger  *slog.Logger
	inst    *instruments
	fetcher Fetcher[K, V]
	store   *store[K, V]

	inbound <-chan *request[K]
	results chan fetchResult[K, V]
	done    chan struct{}

	// workers limit the number of concurrent fetcher calls.
	// nil means fetching on the coordinator goroutine.
	workers *semaphore.Weighted
	running int

	// current is the window that is accepting new keys.
	current *window[K]
	// ready are the windows that reached the eager batch size, waiting for a worker.
	ready []*window[K]
	// inflight maps every key that is pending in a window to that window.
	inflight map[K]*window[K]
	nextID   uint64

	// Used as a wake-up timer for the coordinator when the current window will be due, or the rate limiter allows.
	timer *time.Timer

	// true if inbound is closed.
	closed bool
}

func newCoordinator[K comparable, V any](c config, logger *slog.Logger, inst *instruments, fetcher Fetcher[K, V], s *store[K, V], inbound <-chan *request[K]) *coordinator[K, V] {
	timer := time.NewTimer(time.Hour)
	timer.Stop()

	co := &coordinator[K, V]{
		cfg:      c,
		logger:   logger,
		inst:     inst,
		fetcher:  fetcher,
		store:    s,
		inbound:  inbound,
		results:  make(chan fetchResult[K, V]),
		done:     make(chan struct{}),
		inflight: make(map[K]*window[K]),
		timer:    timer,
	}
	if c.maxConcurrency > 0 {
		co.workers = semaphore.NewWeighted(c.maxConcurrency)
	}
	return co
}

// run is the coordinator loop.
// It returns after inbound is closed and every accepted request is replied.
func (co *coordinator[K, V]) run() {
	defer close(co.done)
	defer co.timer.Stop()

	for {
		now := time.Now()
		wait := co.dispatch(now)

		if co.closed && co.idle() {
			return
		}

		select {
		case req, ok := <-co.inboundC():
			if !ok {
				co.closed = true
				continue
			}
			co.accept(req, time.Now())
		case res := <-co.results:
			co.complete(res)
		case <-co.wakeC(wait):
			// Re-check the windows.
		}
	}
}

func (co *coordinator[K, V]) idle() bool {
	return co.current == nil && len(co.ready) == 0 && co.running == 0
}

// inboundC return the channel to receive requests on, or nil if inbound is closed.
func (co *coordinator[K, V]) inboundC() <-chan *request[K] {
	if co.closed {
		return nil
	}
	return co.inbound
}

// wakeC return a timer channel that fires after d, or nil if there is nothing to wait for.
func (co *coordinator[K, V]) wakeC(d time.Duration) <-chan time.Time {
	if d <= 0 {
		return nil
	}
	if !co.timer.Stop() {
		select {
		case <-co.timer.C:
		default:
			// The timer was already drained in the main loop.
		}
	}
	co.timer.Reset(d)
	return co.timer.C
}

// accept merges the keys of the request into windows.
// Keys that are already pending join their window instead of being fetched again.
func (co *coordinator[K, V]) accept(req *request[K], now time.Time) {
	joined := make(map[*window[K]]struct{}, 1)
	for _, key := range req.keys {
		w, ok := co.inflight[key]
		if !ok {
			// Resolved by a window that completed after the request was sent.
			if co.store.resolved(key) {
				continue
			}
			w = co.open(req, now)
			w.keys = append(w.keys, key)
			co.inflight[key] = w
			if co.cfg.eagerBatchSize > 0 && int64(len(w.keys)) >= co.cfg.eagerBatchSize {
				co.ready = append(co.ready, w)
				co.current = nil
			}
		}
		if _, ok := joined[w]; ok {
			continue
		}
		joined[w] = struct{}{}
		w.requests = append(w.requests, req)
	}

	req.waiting = len(joined)
	if req.waiting == 0 {
		req.reply <- nil
	}
}

// open return the current window, creating it if needed.
func (co *coordinator[K, V]) open(req *request[K], now time.Time) *window[K] {
	if co.current != nil {
		return co.current
	}
	co.nextID++
	co.current = &window[K]{
		id:     co.nextID,
		ctx:    context.WithoutCancel(req.ctx),
		opened: now,
	}
	return co.current
}

// due reports whether the current window should be closed.
func (co *coordinator[K, V]) due(now time.Time) bool {
	if co.current == nil {
		return false
	}
	return co.closed || now.Sub(co.current.opened) >= co.cfg.delay
}

// next return the next window to dispatch, or nil if none is due.
func (co *coordinator[K, V]) next(now time.Time) *window[K] {
	if len(co.ready) > 0 {
		return co.ready[0]
	}
	if co.due(now) {
		return co.current
	}
	return nil
}

// dispatch starts fetching every due window while workers and the rate limiter allow.
// Return how long to wait before the next window will be due, or 0 if there is no timing event to wait for.
func (co *coordinator[K, V]) dispatch(now time.Time) time.Duration {
	for {
		w := co.next(now)
		if w == nil {
			break
		}
		if co.workers != nil && !co.workers.TryAcquire(1) {
			// Wait for a fetch to complete, the window keeps accumulating keys in the meantime.
			return 0
		}
		if delay := co.reserve(now); delay > 0 {
			if co.workers != nil {
				co.workers.Release(1)
			}
			return delay
		}

		if len(co.ready) > 0 && co.ready[0] == w {
			co.ready[0] = nil
			co.ready = co.ready[1:]
		} else {
			co.current = nil
		}
		co.start(w)
	}

	if co.current != nil {
		return co.current.opened.Add(co.cfg.delay).Sub(now)
	}
	return 0
}

// reserve takes a token from the rate limiter.
// Return how long to wait for the next token if none is available.
func (co *coordinator[K, V]) reserve(now time.Time) time.Duration {
	if co.cfg.limiter == nil {
		return 0
	}
	res := co.cfg.limiter.ReserveN(now, 1)
	if !res.OK() {
		// The burst was lowered to zero after Build.
		return 0
	}
	if delay := res.DelayFrom(now); delay > 0 {
		// Cancel the reservation for now, since we're going to wait via the timer.
		res.CancelAt(now)
		return delay
	}
	return 0
}

// start invokes the fetcher for the window.
func (co *coordinator[K, V]) start(w *window[K]) {
	requests := len(w.requests)
	co.logger.Debug("dispatching batch",
		slog.String("label", co.cfg.label),
		slog.Uint64("window", w.id),
		slog.Int("keys", len(w.keys)),
		slog.Int("requests", requests))

	if co.workers == nil {
		co.complete(co.fetch(w, requests))
		return
	}

	co.running++
	go func() {
		// The coordinator keeps receiving results until every worker is done.
		co.results <- co.fetch(w, requests)
	}()
}

// fetch calls the fetcher, converting panic to error.
// The values put by the fetcher are staged, the store is not touched until the result is completed.
func (co *coordinator[K, V]) fetch(w *window[K], requests int) (res fetchResult[K, V]) {
	res.window = w
	sink := newStaging[K, V](len(w.keys))
	ctx, span := co.inst.startFetch(w.ctx, len(w.keys), requests)
	defer func() {
		if r := recover(); r != nil {
			res.err = fmt.Errorf("panic: %v", r)
		}
		res.found = sink.seal()
		co.inst.endFetch(ctx, span, res.err)
	}()
	res.err = co.fetcher.Fetch(ctx, w.keys, sink)
	return res
}

// complete resolves the window and replies to every request that has nothing left to wait for.
func (co *coordinator[K, V]) complete(res fetchResult[K, V]) {
	w := res.window
	if co.workers != nil {
		co.workers.Release(1)
		co.running--
	}

	var err error
	if res.err == nil {
		co.store.commit(res.found, w.keys)
	} else {
		// Discard the staged values, the keys stay unresolved and can be fetched again.
		err = &FetchError{Label: co.cfg.label, Keys: len(w.keys), Err: res.err}
		co.logger.Error("error loading batch",
			slog.String("label", co.cfg.label),
			slog.Uint64("window", w.id),
			slog.Int("keys", len(w.keys)),
			slog.Any("err", res.err))
	}

	for _, key := range w.keys {
		if co.inflight[key] == w {
			delete(co.inflight, key)
		}
	}
	for _, req := range w.requests {
		if err != nil && req.err == nil {
			req.err = err
		}
		req.waiting--
		if req.waiting == 0 {
			req.reply <- req.err
		}
	}
	w.requests = nil
}
