package loader

import (
	"sync"
)

var _ Sink[any, any] = (*staging[any, any])(nil)

// Result is the outcome of loading one key.
// Err is nil when the key was found, otherwise it wraps [ErrNotFound].
type Result[V any] struct {
	Value V
	Err   error
}

// entry resolved state of a key.
// A key that has no entry is unresolved.
type entry[V any] struct {
	value V
	found bool
}

// store holds the resolved state of every key of a loader.
// Keys only move from unresolved to found or not found, never back.
type store[K comparable, V any] struct {
	lock    sync.RWMutex
	entries map[K]entry[V]
}

func newStore[K comparable, V any]() *store[K, V] {
	return &store[K, V]{
		entries: make(map[K]entry[V]),
	}
}

// insertFound marks the key as found, return false if the key was already resolved.
func (s *store[K, V]) insertFound(key K, value V) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.entries[key]; ok {
		return false
	}
	s.entries[key] = entry[V]{value: value, found: true}
	return true
}

// commit marks the found values, then every other unresolved key as not found.
// Keys that are already resolved are left untouched.
func (s *store[K, V]) commit(found map[K]V, keys []K) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for key, value := range found {
		if _, ok := s.entries[key]; !ok {
			s.entries[key] = entry[V]{value: value, found: true}
		}
	}
	for _, key := range keys {
		if _, ok := s.entries[key]; !ok {
			s.entries[key] = entry[V]{}
		}
	}
}

// get return the entry of the key, and whether the key is resolved.
func (s *store[K, V]) get(key K) (entry[V], bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	e, ok := s.entries[key]
	return e, ok
}

func (s *store[K, V]) resolved(key K) bool {
	_, ok := s.get(key)
	return ok
}

// resolve fills results for every resolved key, in the order of keys.
// Return the deduplicated unresolved keys, which is empty when every slot is filled,
// and the number of slots resolved.
func (s *store[K, V]) resolve(keys []K, results []Result[V]) (pending []K, hits int) {
	var seen map[K]struct{}

	s.lock.RLock()
	defer s.lock.RUnlock()
	for i, key := range keys {
		e, ok := s.entries[key]
		if ok {
			hits++
			if e.found {
				results[i] = Result[V]{Value: e.value}
			} else {
				results[i] = Result[V]{Err: notFound(key)}
			}
			continue
		}

		if len(keys) == 1 {
			return []K{key}, hits
		}
		if seen == nil {
			seen = make(map[K]struct{}, len(keys)-i)
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		pending = append(pending, key)
	}
	return pending, hits
}

// staging collects the values put by one fetch.
// The values reach the store only if the fetch succeeds, see [store.commit].
type staging[K comparable, V any] struct {
	lock   sync.Mutex
	values map[K]V
	sealed bool
}

func newStaging[K comparable, V any](size int) *staging[K, V] {
	return &staging[K, V]{
		values: make(map[K]V, size),
	}
}

// Put records the value of the key, the first value put wins.
// Put after the fetch returned has no effect.
func (s *staging[K, V]) Put(key K, value V) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.sealed {
		return
	}
	if _, ok := s.values[key]; ok {
		return
	}
	s.values[key] = value
}

// seal stops accepting values and return the values put so far.
func (s *staging[K, V]) seal() map[K]V {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.sealed = true
	values := s.values
	s.values = nil
	return values
}
