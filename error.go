package loader

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for keys the fetcher confirmed absent.
	// It is permanent for the lifetime of the loader.
	ErrNotFound = errors.New("key not found")
	// ErrLoaderClosed is returned when the loader no longer accepts keys to fetch.
	ErrLoaderClosed = errors.New("loader closed")
	// ErrFetchFailed matches every [*FetchError] using [errors.Is].
	ErrFetchFailed = errors.New("fetch failed")
)

// FetchError is returned to every caller that contributed keys to a window whose fetcher call failed.
// The keys of that window stay unresolved and are fetched again on the next request.
type FetchError struct {
	// Label the label of the loader.
	Label string
	// Keys number of keys in the failed window.
	Keys int
	// Err the error returned by the fetcher.
	Err error
}

func (e *FetchError) Error() string {
	if e.Label == "" {
		return fmt.Sprintf("fetch failed for %d keys: %v", e.Keys, e.Err)
	}
	return fmt.Sprintf("%s: fetch failed for %d keys: %v", e.Label, e.Keys, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is reports whether target is [ErrFetchFailed].
func (e *FetchError) Is(target error) bool {
	return target == ErrFetchFailed
}

func notFound[K any](key K) error {
	return fmt.Errorf("%w: %v", ErrNotFound, key)
}
