package storage

import "errors"

// ErrUnavailable is returned when a region cannot be opened or committed.
// Callers treat the entity as absent and fall back to defaults.
var ErrUnavailable = errors.New("storage region unavailable")

// ErrReadOnly is returned when committing a region opened read-only
var ErrReadOnly = errors.New("region opened read-only")

// Backend is the key-value engine underneath the store
type Backend interface {
	// Open opens a named region. The region sees a consistent view of its keys
	// until it is closed.
	Open(name string, readOnly bool) (Region, error)
	// Erase removes every region and reinitializes the engine
	Erase() error
	Close() error
}

// Region is an open, independently atomic partition of key-value state.
// Writes are buffered by Put and applied together by Commit; closing a
// region without committing discards them.
type Region interface {
	Get(key string) (string, bool, error)
	Put(key, value string)
	Commit() error
	Close() error
}

// pendingWrites keeps buffered writes in insertion order
type pendingWrites struct {
	keys   []string
	values map[string]string
}

func (p *pendingWrites) put(key, value string) {
	if p.values == nil {
		p.values = make(map[string]string)
	}
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

func (p *pendingWrites) empty() bool {
	return len(p.keys) == 0
}

func (p *pendingWrites) reset() {
	p.keys = nil
	p.values = nil
}
