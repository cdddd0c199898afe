package storage

import (
	"log"
)

// LoadSchedule loads the persisted irrigation schedule. Slots that are
// missing or malformed stay empty.
func (s *Store) LoadSchedule() (Schedule, error) {
	var sched Schedule

	defaults := make(map[string]string, MaxSlots)
	for i := 0; i < MaxSlots; i++ {
		defaults[positionalKey(i)] = Slot{}.String()
	}
	rec, err := s.Load(RegionSchedule, defaults)

	for i := range sched {
		slot, parseErr := ParseSlot(rec[positionalKey(i)])
		if parseErr != nil {
			log.Printf("Ignoring stored slot %s: %v", positionalKey(i), parseErr)
			continue
		}
		sched[i] = slot
	}
	return sched, err
}

// StoreSchedule persists every slot of the schedule, empty ones included
func (s *Store) StoreSchedule(sched Schedule) error {
	keys := make([]string, MaxSlots)
	rec := make(map[string]string, MaxSlots)
	for i, slot := range sched {
		keys[i] = positionalKey(i)
		rec[keys[i]] = slot.String()
	}
	return s.Save(RegionSchedule, keys, rec)
}

// ReconcileSchedule compares the stored schedule to a freshly fetched one,
// slot by slot in order. It reports whether they differ and returns the
// schedule that should now be considered stored.
func ReconcileSchedule(stored, fetched Schedule) (bool, Schedule) {
	if stored == fetched {
		return false, stored
	}
	return true, fetched
}

// ReconcileSchedule persists fetched only when it differs from stored.
// On a write failure the stored schedule is returned unchanged.
func (s *Store) ReconcileSchedule(stored, fetched Schedule) (bool, Schedule, error) {
	changed, next := ReconcileSchedule(stored, fetched)
	if !changed {
		return false, stored, nil
	}
	if err := s.StoreSchedule(next); err != nil {
		return false, stored, err
	}
	return true, next, nil
}
