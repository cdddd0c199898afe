// Package reconcile keeps the persisted irrigation schedule in step with the
// schedule served by the API.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/agsys/irrigation-node/internal/cloud"
	"github.com/agsys/irrigation-node/internal/metrics"
	"github.com/agsys/irrigation-node/internal/storage"
)

// ErrParse is returned when the remote schedule cannot be decoded
var ErrParse = errors.New("remote schedule malformed")

// ScheduleSource fetches the remote schedule
type ScheduleSource interface {
	FetchSchedule(ctx context.Context) ([]cloud.RemoteSlot, error)
}

// ScheduleStore persists a schedule when it changed
type ScheduleStore interface {
	ReconcileSchedule(stored, fetched storage.Schedule) (bool, storage.Schedule, error)
}

// Reconciler owns the working copy of the stored schedule
type Reconciler struct {
	source  ScheduleSource
	store   ScheduleStore
	metrics *metrics.Metrics

	mu      sync.RWMutex
	current storage.Schedule
}

// New creates a reconciler starting from the schedule loaded at boot
func New(source ScheduleSource, store ScheduleStore, initial storage.Schedule, m *metrics.Metrics) *Reconciler {
	r := &Reconciler{
		source:  source,
		store:   store,
		metrics: m,
		current: initial,
	}
	m.SetGauge(metrics.ScheduleSlots, float64(initial.Len()))
	return r
}

// Current returns the schedule the node is running on
func (r *Reconciler) Current() storage.Schedule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// FetchAndReconcile downloads the remote schedule and persists it when it
// differs from the current one. changed=false is a normal outcome; an error
// means the fetch, the parse or the write did not happen.
func (r *Reconciler) FetchAndReconcile(ctx context.Context) (bool, error) {
	remote, err := r.source.FetchSchedule(ctx)
	if err != nil {
		if errors.Is(err, cloud.ErrMalformedBody) {
			return false, fmt.Errorf("%w: %v", ErrParse, err)
		}
		return false, fmt.Errorf("fetch schedule: %w", err)
	}

	fetched, err := ParseRemote(remote)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	changed, next, err := r.store.ReconcileSchedule(r.current, fetched)
	if err != nil {
		r.metrics.IncCounter(metrics.StoreFailures, 1)
		return false, fmt.Errorf("persist schedule: %w", err)
	}
	if changed {
		log.Printf("Schedule updated: %d slots", next.Len())
		r.metrics.IncCounter(metrics.ScheduleChanges, 1)
		r.metrics.SetGauge(metrics.ScheduleSlots, float64(next.Len()))
	}
	r.current = next
	return changed, nil
}

// ParseRemote converts API slots to a schedule. Entries beyond MaxSlots are
// dropped; unused slots stay empty.
func ParseRemote(remote []cloud.RemoteSlot) (storage.Schedule, error) {
	var sched storage.Schedule

	if len(remote) > storage.MaxSlots {
		log.Printf("Remote schedule has %d entries, keeping first %d", len(remote), storage.MaxSlots)
		remote = remote[:storage.MaxSlots]
	}

	for i, rs := range remote {
		start, err := ParseTimeOfDay(rs.InitialTime)
		if err != nil {
			return storage.Schedule{}, fmt.Errorf("%w: entry %d initialTime: %v", ErrParse, i, err)
		}
		end, err := ParseTimeOfDay(rs.FinalTime)
		if err != nil {
			return storage.Schedule{}, fmt.Errorf("%w: entry %d finalTime: %v", ErrParse, i, err)
		}
		sched[i] = storage.Slot{Start: start, End: end}
	}
	return sched, nil
}

// ParseTimeOfDay reads "HH:MM" or "HH:MM:SS". Seconds are validated and dropped.
func ParseTimeOfDay(s string) (storage.TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return storage.TimeOfDay{}, fmt.Errorf("invalid time %q", s)
	}

	var fields [3]int
	limits := [3]int{24, 60, 60}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || len(p) > 2 {
			return storage.TimeOfDay{}, fmt.Errorf("invalid time %q", s)
		}
		if n < 0 || n >= limits[i] {
			return storage.TimeOfDay{}, fmt.Errorf("invalid time %q: out of range", s)
		}
		fields[i] = n
	}
	return storage.TimeOfDay{Hour: uint8(fields[0]), Minute: uint8(fields[1])}, nil
}
