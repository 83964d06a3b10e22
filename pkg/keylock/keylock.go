// Copyright 2024-2026 Aiku AI

// Package keylock serializes work per key without a global lock.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map hands out one mutex per key. Entries are dropped once nobody holds
// or waits on them, so the map only grows with concurrently active keys.
type Map[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry
}

// New returns an empty lock map.
func New[K comparable]() *Map[K] {
	return &Map[K]{entries: make(map[K]*entry)}
}

// Lock blocks until the lock for key is held and returns its release func.
func (m *Map[K]) Lock(key K) (unlock func()) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			m.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(m.entries, key)
			}
			m.mu.Unlock()
		})
	}
}

// Do runs fn while holding the lock for key.
func (m *Map[K]) Do(key K, fn func()) {
	unlock := m.Lock(key)
	defer unlock()
	fn()
}

// Len returns the number of keys currently held or waited on.
func (m *Map[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
