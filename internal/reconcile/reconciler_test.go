package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agsys/irrigation-node/internal/cloud"
	"github.com/agsys/irrigation-node/internal/metrics"
	"github.com/agsys/irrigation-node/internal/storage"
)

type fakeSource struct {
	slots []cloud.RemoteSlot
	err   error
	calls int
}

func (f *fakeSource) FetchSchedule(_ context.Context) ([]cloud.RemoteSlot, error) {
	f.calls++
	return f.slots, f.err
}

// countingStore records how often the schedule region is written
type countingStore struct {
	*storage.Store
	writes int
	fail   error
}

func (c *countingStore) ReconcileSchedule(stored, fetched storage.Schedule) (bool, storage.Schedule, error) {
	if c.fail != nil {
		return false, stored, c.fail
	}
	changed, next, err := c.Store.ReconcileSchedule(stored, fetched)
	if changed {
		c.writes++
	}
	return changed, next, err
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "agsys-test-*.db")
	require.NoError(t, err)
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	db, err := storage.Open(tmpFile.Name())
	require.NoError(t, err)
	store := storage.NewStore(db)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestFetchAndReconcile(t *testing.T) {
	store := &countingStore{Store: openStore(t)}
	source := &fakeSource{slots: []cloud.RemoteSlot{
		{InitialTime: "06:00:00", FinalTime: "06:30:59"},
		{InitialTime: "18:15:10", FinalTime: "19:05:00"},
	}}

	m := metrics.New(prometheus.NewRegistry())
	r := New(source, store, storage.Schedule{}, m)

	changed, err := r.FetchAndReconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 1, store.writes)

	want := storage.Schedule{
		{Start: storage.TimeOfDay{Hour: 6}, End: storage.TimeOfDay{Hour: 6, Minute: 30}},
		{Start: storage.TimeOfDay{Hour: 18, Minute: 15}, End: storage.TimeOfDay{Hour: 19, Minute: 5}},
	}
	assert.Equal(t, want, r.Current())

	persisted, err := store.LoadSchedule()
	require.NoError(t, err)
	assert.Equal(t, want, persisted)

	// Same schedule with different seconds is not a change
	source.slots[0].FinalTime = "06:30:00"
	changed, err = r.FetchAndReconcile(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 1, store.writes)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Collector(metrics.ScheduleChanges)))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Collector(metrics.ScheduleSlots)))
}

func TestExcessRemoteEntriesDropped(t *testing.T) {
	var remote []cloud.RemoteSlot
	for i := 0; i < storage.MaxSlots+3; i++ {
		remote = append(remote, cloud.RemoteSlot{
			InitialTime: fmt.Sprintf("%02d:00:00", i),
			FinalTime:   fmt.Sprintf("%02d:10:00", i),
		})
	}

	store := openStore(t)
	r := New(&fakeSource{slots: remote}, store, storage.Schedule{}, nil)

	changed, err := r.FetchAndReconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)

	sched := r.Current()
	assert.Equal(t, storage.MaxSlots, sched.Len())
	assert.Equal(t, uint8(9), sched[storage.MaxSlots-1].Start.Hour)
}

func TestShorterRemoteClearsTrailingSlots(t *testing.T) {
	initial := storage.Schedule{
		{Start: storage.TimeOfDay{Hour: 5}, End: storage.TimeOfDay{Hour: 6}},
		{Start: storage.TimeOfDay{Hour: 7}, End: storage.TimeOfDay{Hour: 8}},
	}
	store := openStore(t)
	require.NoError(t, store.StoreSchedule(initial))

	source := &fakeSource{slots: []cloud.RemoteSlot{{InitialTime: "05:00:00", FinalTime: "06:00:00"}}}
	r := New(source, store, initial, nil)

	changed, err := r.FetchAndReconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 1, r.Current().Len())
	assert.True(t, r.Current()[1].IsEmpty())
}

func TestFetchFailures(t *testing.T) {
	initial := storage.Schedule{{Start: storage.TimeOfDay{Hour: 5}, End: storage.TimeOfDay{Hour: 6}}}

	cases := []struct {
		name   string
		source *fakeSource
		want   error
	}{
		{"timeout", &fakeSource{err: cloud.ErrTimeout}, cloud.ErrTimeout},
		{"link", &fakeSource{err: cloud.ErrLinkUnavailable}, cloud.ErrLinkUnavailable},
		{"body", &fakeSource{err: fmt.Errorf("%w: bad json", cloud.ErrMalformedBody)}, ErrParse},
		{"time", &fakeSource{slots: []cloud.RemoteSlot{{InitialTime: "25:00:00", FinalTime: "06:00:00"}}}, ErrParse},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &countingStore{Store: openStore(t)}
			r := New(tc.source, store, initial, nil)

			changed, err := r.FetchAndReconcile(context.Background())
			assert.ErrorIs(t, err, tc.want)
			assert.False(t, changed)
			assert.Zero(t, store.writes)
			assert.Equal(t, initial, r.Current())
		})
	}
}

func TestWriteFailureKeepsCurrent(t *testing.T) {
	initial := storage.Schedule{{Start: storage.TimeOfDay{Hour: 5}, End: storage.TimeOfDay{Hour: 6}}}
	store := &countingStore{Store: openStore(t), fail: storage.ErrUnavailable}
	source := &fakeSource{slots: []cloud.RemoteSlot{{InitialTime: "07:00", FinalTime: "08:00"}}}

	r := New(source, store, initial, nil)
	changed, err := r.FetchAndReconcile(context.Background())
	assert.True(t, errors.Is(err, storage.ErrUnavailable))
	assert.False(t, changed)
	assert.Equal(t, initial, r.Current())
}

func TestParseTimeOfDay(t *testing.T) {
	cases := []struct {
		in   string
		want storage.TimeOfDay
		ok   bool
	}{
		{"06:30:00", storage.TimeOfDay{Hour: 6, Minute: 30}, true},
		{"23:59:59", storage.TimeOfDay{Hour: 23, Minute: 59}, true},
		{"7:05", storage.TimeOfDay{Hour: 7, Minute: 5}, true},
		{"24:00:00", storage.TimeOfDay{}, false},
		{"12:60", storage.TimeOfDay{}, false},
		{"12:30:61", storage.TimeOfDay{}, false},
		{"noon", storage.TimeOfDay{}, false},
		{"", storage.TimeOfDay{}, false},
		{"1:2:3:4", storage.TimeOfDay{}, false},
	}

	for _, tc := range cases {
		got, err := ParseTimeOfDay(tc.in)
		if !tc.ok {
			assert.Error(t, err, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, got, "input %q", tc.in)
	}
}
