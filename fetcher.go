package loader

import (
	"context"
)

var (
	_ Fetcher[any, any] = (FetcherFunc[any, any])(nil)
	_ Fetcher[any, any] = (MapFetchFn[any, any])(nil)
)

// Sink receives the values found by a [Fetcher].
// It is safe to be used concurrently, but only until Fetch returns.
type Sink[K comparable, V any] interface {
	// Put records the value of a found key.
	// The first value put for a key wins, and keys that are already resolved are left untouched.
	// Put after Fetch returned has no effect.
	Put(key K, value V)
}

// Fetcher loads a batch of keys from the underlying source.
type Fetcher[K comparable, V any] interface {
	// Fetch loads the keys and call [Sink.Put] for each key the source has data for.
	//
	// The keys are deduplicated and never empty, and must not be modified.
	// When Fetch returns nil, keys that were not put are marked not found.
	// When Fetch returns an error or panics, every value put is discarded, none of the keys are marked
	// and every caller waiting for this batch receives the error.
	//
	// The context carries the values of the caller that opened the batch, but is never canceled by that caller.
	Fetch(ctx context.Context, keys []K, sink Sink[K, V]) error
}

// FetcherFunc is an adapter to allow the use of ordinary functions as [Fetcher].
type FetcherFunc[K comparable, V any] func(ctx context.Context, keys []K, sink Sink[K, V]) error

// Fetch calls f(ctx, keys, sink).
func (f FetcherFunc[K, V]) Fetch(ctx context.Context, keys []K, sink Sink[K, V]) error {
	return f(ctx, keys, sink)
}

// MapFetchFn is a [Fetcher] that returns the found values as a map.
// Keys missing in the result are marked not found.
// If the error is non-nil the result is ignored.
type MapFetchFn[K comparable, V any] func(ctx context.Context, keys []K) (map[K]V, error)

// Fetch calls fn and puts every value of the result into the sink.
func (fn MapFetchFn[K, V]) Fetch(ctx context.Context, keys []K, sink Sink[K, V]) error {
	results, err := fn(ctx, keys)
	if err != nil {
		return err
	}
	for k, v := range results {
		sink.Put(k, v)
	}
	return nil
}
