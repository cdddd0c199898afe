package storage

import (
	"errors"
	"fmt"
	"os"
	"testing"
)

// failingBackend refuses to open one named region
type failingBackend struct {
	Backend
	region string
}

func (b *failingBackend) Open(name string, readOnly bool) (Region, error) {
	if name == b.region {
		return nil, fmt.Errorf("region %s: partition not found", name)
	}
	return b.Backend.Open(name, readOnly)
}

func openTestStore(t *testing.T) (*Store, *DB) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "agsys-nvs-test-*.db")
	if err != nil {
		t.Fatalf("Failed to create temp db: %v", err)
	}
	tmpFile.Close()

	db, err := Open(tmpFile.Name())
	if err != nil {
		os.Remove(tmpFile.Name())
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
		os.Remove(tmpFile.Name())
	})
	return NewStore(db), db
}

func testSchedule() Schedule {
	var s Schedule
	s[0] = Slot{Start: TimeOfDay{Hour: 6, Minute: 0}, End: TimeOfDay{Hour: 6, Minute: 30}}
	s[1] = Slot{Start: TimeOfDay{Hour: 18, Minute: 15}, End: TimeOfDay{Hour: 19, Minute: 5}}
	s[2] = Slot{Start: TimeOfDay{Hour: 23, Minute: 50}, End: TimeOfDay{Hour: 0, Minute: 20}}
	return s
}

func TestLoadDefaultsOnEmptyStore(t *testing.T) {
	store, _ := openTestStore(t)

	snap, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	for i, s := range snap.Humidity {
		if s.CalMax != DefaultCalMax || s.CalMin != DefaultCalMin {
			t.Errorf("sensor %d calibration: got %d/%d, want %d/%d", i, s.CalMax, s.CalMin, DefaultCalMax, DefaultCalMin)
		}
	}
	if snap.FlowTotal != 0 {
		t.Errorf("FlowTotal mismatch: got %d, want 0", snap.FlowTotal)
	}
	if snap.Schedule.Len() != 0 {
		t.Errorf("Expected empty schedule, got %d slots", snap.Schedule.Len())
	}
}

func TestCredentialsRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)

	wifi := Credentials{Login: "viveiro", Password: "s3cret"}
	api := Credentials{Login: "node-7", Password: "hunter2"}
	if err := store.StoreWiFiCredentials(wifi); err != nil {
		t.Fatalf("StoreWiFiCredentials failed: %v", err)
	}
	if err := store.StoreAPICredentials(api); err != nil {
		t.Fatalf("StoreAPICredentials failed: %v", err)
	}

	got, err := store.LoadWiFiCredentials()
	if err != nil {
		t.Fatalf("LoadWiFiCredentials failed: %v", err)
	}
	if got != wifi {
		t.Errorf("WiFi credentials mismatch: got %+v, want %+v", got, wifi)
	}
	got, err = store.LoadAPICredentials()
	if err != nil {
		t.Fatalf("LoadAPICredentials failed: %v", err)
	}
	if got != api {
		t.Errorf("API credentials mismatch: got %+v, want %+v", got, api)
	}
}

func TestEndpointsRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)

	e := Endpoints{
		Authenticate:   "https://api.example.com/login",
		SensorReadings: "https://api.example.com/readings",
		ValveState:     "https://api.example.com/valve",
		Schedule:       "https://api.example.com/schedule",
		WaterFlow:      "https://api.example.com/flow",
	}
	if err := store.StoreEndpoints(e); err != nil {
		t.Fatalf("StoreEndpoints failed: %v", err)
	}
	got, err := store.LoadEndpoints()
	if err != nil {
		t.Fatalf("LoadEndpoints failed: %v", err)
	}
	if got != e {
		t.Errorf("Endpoints mismatch: got %+v, want %+v", got, e)
	}
	if !got.IsComplete() {
		t.Error("Expected endpoints to be complete")
	}
}

func TestSensorBankRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)

	bank := NewSensorBank()
	for i := range bank {
		bank[i].ID = 100 + i
		bank[i].CalMax = 3000 + i
		bank[i].CalMin = 1200 + i
	}
	if err := store.StoreHumidityIDs(bank); err != nil {
		t.Fatalf("StoreHumidityIDs failed: %v", err)
	}
	if err := store.StoreCalibration(bank); err != nil {
		t.Fatalf("StoreCalibration failed: %v", err)
	}

	loaded := NewSensorBank()
	if err := store.LoadHumidityIDs(loaded); err != nil {
		t.Fatalf("LoadHumidityIDs failed: %v", err)
	}
	if err := store.LoadCalibration(loaded); err != nil {
		t.Fatalf("LoadCalibration failed: %v", err)
	}
	for i := range bank {
		if loaded[i] != bank[i] {
			t.Errorf("sensor %d mismatch: got %+v, want %+v", i, loaded[i], bank[i])
		}
	}

	// The temperature bank is a separate region
	temps := NewSensorBank()
	if err := store.LoadTemperatureIDs(temps); err != nil {
		t.Fatalf("LoadTemperatureIDs failed: %v", err)
	}
	if temps[0].ID != 0 {
		t.Errorf("Temperature ID mismatch: got %d, want 0", temps[0].ID)
	}
}

func TestFlowTotalRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)

	const total = uint64(1) << 40
	if err := store.StoreFlowTotal(total); err != nil {
		t.Fatalf("StoreFlowTotal failed: %v", err)
	}
	got, err := store.LoadFlowTotal()
	if err != nil {
		t.Fatalf("LoadFlowTotal failed: %v", err)
	}
	if got != total {
		t.Errorf("FlowTotal mismatch: got %d, want %d", got, total)
	}
}

func TestScheduleRoundTrip(t *testing.T) {
	store, db := openTestStore(t)

	sched := testSchedule()
	if err := store.StoreSchedule(sched); err != nil {
		t.Fatalf("StoreSchedule failed: %v", err)
	}

	got, err := store.LoadSchedule()
	if err != nil {
		t.Fatalf("LoadSchedule failed: %v", err)
	}
	if got != sched {
		t.Errorf("Schedule mismatch: got %v, want %v", got, sched)
	}

	// Only hour and minute are persisted
	r, err := db.Open(RegionSchedule, true)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()
	v, ok, err := r.Get("k2")
	if err != nil || !ok {
		t.Fatalf("Get k2 failed: ok=%v err=%v", ok, err)
	}
	if v != "18:15;19:05" {
		t.Errorf("Persisted slot mismatch: got %q, want %q", v, "18:15;19:05")
	}
}

func TestReconcileSchedulePure(t *testing.T) {
	s := testSchedule()

	changed, got := ReconcileSchedule(s, s)
	if changed || got != s {
		t.Errorf("Reconcile of equal schedules: got changed=%v", changed)
	}

	other := s
	other[9] = Slot{Start: TimeOfDay{Hour: 12}, End: TimeOfDay{Hour: 12, Minute: 1}}
	changed, got = ReconcileSchedule(s, other)
	if !changed || got != other {
		t.Errorf("Reconcile of different schedules: got changed=%v", changed)
	}
	changed, got = ReconcileSchedule(got, other)
	if changed || got != other {
		t.Errorf("Second reconcile should be stable: got changed=%v", changed)
	}

	// Order matters
	swapped := s
	swapped[0], swapped[1] = swapped[1], swapped[0]
	if changed, _ := ReconcileSchedule(s, swapped); !changed {
		t.Error("Expected reordered slots to count as a change")
	}
}

func TestStoreReconcileScheduleWritesOnlyOnChange(t *testing.T) {
	store, db := openTestStore(t)

	var empty Schedule
	fetched := testSchedule()

	changed, stored, err := store.ReconcileSchedule(empty, fetched)
	if err != nil {
		t.Fatalf("ReconcileSchedule failed: %v", err)
	}
	if !changed || stored != fetched {
		t.Fatalf("Expected change to fetched schedule, got changed=%v", changed)
	}

	// Drop the table behind the store's back; an equal reconcile must not write
	if _, err := db.conn.Exec("DROP TABLE nvs"); err != nil {
		t.Fatalf("drop table: %v", err)
	}
	changed, stored, err = store.ReconcileSchedule(stored, fetched)
	if err != nil {
		t.Fatalf("Equal reconcile should not touch storage: %v", err)
	}
	if changed || stored != fetched {
		t.Errorf("Equal reconcile mismatch: changed=%v", changed)
	}
}

func TestLoadAllWithOneUnopenableRegion(t *testing.T) {
	store, db := openTestStore(t)

	bank := NewSensorBank()
	for i := range bank {
		bank[i].ID = 10 + i
		bank[i].CalMax = 2800
		bank[i].CalMin = 900
	}
	sched := testSchedule()
	api := Credentials{Login: "node-7", Password: "hunter2"}

	for _, err := range []error{
		store.StoreHumidityIDs(bank),
		store.StoreTemperatureIDs(bank),
		store.StoreCalibration(bank),
		store.StoreAPICredentials(api),
		store.StoreSchedule(sched),
		store.StoreFlowTotal(4500),
	} {
		if err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}

	broken := NewStore(&failingBackend{Backend: db, region: RegionCalMax})
	snap, err := broken.LoadAll()
	if err == nil {
		t.Fatal("Expected aggregate failure")
	}
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}

	for i, s := range snap.Humidity {
		if s.CalMax != DefaultCalMax {
			t.Errorf("sensor %d CalMax: got %d, want default %d", i, s.CalMax, DefaultCalMax)
		}
		if s.CalMin != 900 {
			t.Errorf("sensor %d CalMin: got %d, want 900", i, s.CalMin)
		}
		if s.ID != 10+i {
			t.Errorf("sensor %d ID: got %d, want %d", i, s.ID, 10+i)
		}
	}
	if snap.Temperature[4].ID != 14 {
		t.Errorf("Temperature ID mismatch: got %d, want 14", snap.Temperature[4].ID)
	}
	if snap.API != api {
		t.Errorf("API credentials mismatch: got %+v", snap.API)
	}
	if snap.Schedule != sched {
		t.Errorf("Schedule mismatch: got %v", snap.Schedule)
	}
	if snap.FlowTotal != 4500 {
		t.Errorf("FlowTotal mismatch: got %d, want 4500", snap.FlowTotal)
	}
}

func TestClearAll(t *testing.T) {
	store, db := openTestStore(t)

	if err := store.StoreFlowTotal(99); err != nil {
		t.Fatalf("StoreFlowTotal failed: %v", err)
	}
	names, err := db.RegionNames()
	if err != nil {
		t.Fatalf("RegionNames failed: %v", err)
	}
	if len(names) != 1 || names[0] != RegionFlow {
		t.Errorf("RegionNames mismatch: got %v", names)
	}

	if err := store.ClearAll(); err != nil {
		t.Fatalf("ClearAll failed: %v", err)
	}
	total, err := store.LoadFlowTotal()
	if err != nil {
		t.Fatalf("LoadFlowTotal failed: %v", err)
	}
	if total != 0 {
		t.Errorf("FlowTotal after erase: got %d, want 0", total)
	}
}

func TestReadOnlyRegionRejectsCommit(t *testing.T) {
	_, db := openTestStore(t)

	r, err := db.Open(RegionFlow, true)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	r.Put(keyFlowValue, "1")
	if err := r.Commit(); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Expected ErrReadOnly, got %v", err)
	}
}
