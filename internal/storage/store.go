package storage

import (
	"errors"
	"fmt"
	"strconv"
)

// Region names of the persisted layout
const (
	RegionWiFi           = "wifi"
	RegionAPI            = "api"
	RegionEndpoints      = "apiLinks"
	RegionHumidityIDs    = "humi"
	RegionTemperatureIDs = "temp"
	RegionCalMax         = "calibrationMax"
	RegionCalMin         = "calibrationMin"
	RegionFlow           = "flowSensor"
	RegionSchedule       = "timeIrrigation"
)

// Key names inside regions
const (
	keyLogin          = "login"
	KeyPassword       = "password" // masked by inspection tools
	keyAuthenticate   = "authenticate"
	keySensorReadings = "sensorReading"
	keyValveState     = "valve"
	keySchedule       = "timeValve"
	keyWaterFlow      = "waterFlow"
	keyFlowValue      = "FlowValue"
)

// positionalKey returns the k1..kN key for index i
func positionalKey(i int) string {
	return "k" + strconv.Itoa(i+1)
}

// Store reads and writes typed entities through a Backend
type Store struct {
	backend Backend
}

// NewStore creates a store on top of a region engine
func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// Backend returns the underlying region engine
func (s *Store) Backend() Backend {
	return s.backend
}

// Load reads a region as a flat record. Keys missing from the region take
// their value from defaults; keys not named in defaults are still returned.
func (s *Store) Load(region string, defaults map[string]string) (map[string]string, error) {
	record := make(map[string]string, len(defaults))
	for k, v := range defaults {
		record[k] = v
	}

	r, err := s.backend.Open(region, true)
	if err != nil {
		return record, fmt.Errorf("%w: open %s: %w", ErrUnavailable, region, err)
	}
	defer r.Close()

	for k := range defaults {
		v, ok, err := r.Get(k)
		if err != nil {
			return record, fmt.Errorf("%w: read %s/%s: %w", ErrUnavailable, region, k, err)
		}
		if ok {
			record[k] = v
		}
	}
	return record, nil
}

// Save writes every key of record to a region in one commit.
// keys fixes the write order; keys absent from record are skipped.
func (s *Store) Save(region string, keys []string, record map[string]string) error {
	r, err := s.backend.Open(region, false)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ErrUnavailable, region, err)
	}
	defer r.Close()

	for _, k := range keys {
		if v, ok := record[k]; ok {
			r.Put(k, v)
		}
	}
	if err := r.Commit(); err != nil {
		return fmt.Errorf("%w: commit %s: %w", ErrUnavailable, region, err)
	}
	return nil
}

// --- Credentials ---

func (s *Store) loadCredentials(region string) (Credentials, error) {
	rec, err := s.Load(region, map[string]string{keyLogin: "", KeyPassword: ""})
	return Credentials{Login: rec[keyLogin], Password: rec[KeyPassword]}, err
}

func (s *Store) storeCredentials(region string, c Credentials) error {
	return s.Save(region, []string{keyLogin, KeyPassword}, map[string]string{
		keyLogin:    c.Login,
		KeyPassword: c.Password,
	})
}

// LoadWiFiCredentials loads the network credential
func (s *Store) LoadWiFiCredentials() (Credentials, error) {
	return s.loadCredentials(RegionWiFi)
}

// StoreWiFiCredentials replaces the network credential
func (s *Store) StoreWiFiCredentials(c Credentials) error {
	return s.storeCredentials(RegionWiFi, c)
}

// LoadAPICredentials loads the API credential
func (s *Store) LoadAPICredentials() (Credentials, error) {
	return s.loadCredentials(RegionAPI)
}

// StoreAPICredentials replaces the API credential
func (s *Store) StoreAPICredentials(c Credentials) error {
	return s.storeCredentials(RegionAPI, c)
}

// --- Endpoints ---

var endpointKeys = []string{keyAuthenticate, keySensorReadings, keyValveState, keySchedule, keyWaterFlow}

// LoadEndpoints loads the remote URIs
func (s *Store) LoadEndpoints() (Endpoints, error) {
	defaults := make(map[string]string, len(endpointKeys))
	for _, k := range endpointKeys {
		defaults[k] = ""
	}
	rec, err := s.Load(RegionEndpoints, defaults)
	return Endpoints{
		Authenticate:   rec[keyAuthenticate],
		SensorReadings: rec[keySensorReadings],
		ValveState:     rec[keyValveState],
		Schedule:       rec[keySchedule],
		WaterFlow:      rec[keyWaterFlow],
	}, err
}

// StoreEndpoints replaces the remote URIs
func (s *Store) StoreEndpoints(e Endpoints) error {
	return s.Save(RegionEndpoints, endpointKeys, map[string]string{
		keyAuthenticate:   e.Authenticate,
		keySensorReadings: e.SensorReadings,
		keyValveState:     e.ValveState,
		keySchedule:       e.Schedule,
		keyWaterFlow:      e.WaterFlow,
	})
}

// --- Sensor banks ---

// loadInts reads positional integer keys into dst, leaving def where a key is
// missing or malformed
func (s *Store) loadInts(region string, n int, def int) ([]int, error) {
	defaults := make(map[string]string, n)
	for i := 0; i < n; i++ {
		defaults[positionalKey(i)] = strconv.Itoa(def)
	}
	rec, err := s.Load(region, defaults)

	out := make([]int, n)
	for i := range out {
		v, convErr := strconv.Atoi(rec[positionalKey(i)])
		if convErr != nil {
			v = def
		}
		out[i] = v
	}
	return out, err
}

func (s *Store) storeInts(region string, vals []int) error {
	keys := make([]string, len(vals))
	rec := make(map[string]string, len(vals))
	for i, v := range vals {
		keys[i] = positionalKey(i)
		rec[keys[i]] = strconv.Itoa(v)
	}
	return s.Save(region, keys, rec)
}

func bankLen(sensors []Sensor) int {
	if len(sensors) > MaxSensors {
		return MaxSensors
	}
	return len(sensors)
}

func (s *Store) loadSensorIDs(region string, sensors []Sensor) error {
	ids, err := s.loadInts(region, bankLen(sensors), 0)
	for i, id := range ids {
		sensors[i].ID = id
	}
	return err
}

func (s *Store) storeSensorIDs(region string, sensors []Sensor) error {
	ids := make([]int, bankLen(sensors))
	for i := range ids {
		ids[i] = sensors[i].ID
	}
	return s.storeInts(region, ids)
}

// LoadHumidityIDs fills the channel IDs of the soil-moisture bank
func (s *Store) LoadHumidityIDs(sensors []Sensor) error {
	return s.loadSensorIDs(RegionHumidityIDs, sensors)
}

// StoreHumidityIDs persists the channel IDs of the soil-moisture bank
func (s *Store) StoreHumidityIDs(sensors []Sensor) error {
	return s.storeSensorIDs(RegionHumidityIDs, sensors)
}

// LoadTemperatureIDs fills the channel IDs of the temperature probe bank
func (s *Store) LoadTemperatureIDs(sensors []Sensor) error {
	return s.loadSensorIDs(RegionTemperatureIDs, sensors)
}

// StoreTemperatureIDs persists the channel IDs of the temperature probe bank
func (s *Store) StoreTemperatureIDs(sensors []Sensor) error {
	return s.storeSensorIDs(RegionTemperatureIDs, sensors)
}

// LoadCalibration fills both calibration bounds of the soil-moisture bank.
// The two bounds live in separate regions; a failure in one still loads the other.
func (s *Store) LoadCalibration(sensors []Sensor) error {
	n := bankLen(sensors)
	maxes, errMax := s.loadInts(RegionCalMax, n, DefaultCalMax)
	mins, errMin := s.loadInts(RegionCalMin, n, DefaultCalMin)
	for i := 0; i < n; i++ {
		sensors[i].CalMax = maxes[i]
		sensors[i].CalMin = mins[i]
	}
	return errors.Join(errMax, errMin)
}

// StoreCalibration persists both calibration bounds of the soil-moisture bank
func (s *Store) StoreCalibration(sensors []Sensor) error {
	n := bankLen(sensors)
	maxes := make([]int, n)
	mins := make([]int, n)
	for i := 0; i < n; i++ {
		maxes[i] = sensors[i].CalMax
		mins[i] = sensors[i].CalMin
	}
	if err := s.storeInts(RegionCalMax, maxes); err != nil {
		return err
	}
	return s.storeInts(RegionCalMin, mins)
}

// --- Flow totalizer ---

// LoadFlowTotal returns the persisted pulse total
func (s *Store) LoadFlowTotal() (uint64, error) {
	rec, err := s.Load(RegionFlow, map[string]string{keyFlowValue: "0"})
	total, convErr := strconv.ParseUint(rec[keyFlowValue], 10, 64)
	if convErr != nil {
		total = 0
	}
	return total, err
}

// StoreFlowTotal persists the pulse total
func (s *Store) StoreFlowTotal(total uint64) error {
	return s.Save(RegionFlow, []string{keyFlowValue}, map[string]string{
		keyFlowValue: strconv.FormatUint(total, 10),
	})
}

// --- Aggregate operations ---

// LoadAll loads every region. The snapshot always comes back; regions that
// failed to load keep their defaults and the returned error joins each failure.
func (s *Store) LoadAll() (*Snapshot, error) {
	snap := NewSnapshot()
	var errs []error

	if err := s.LoadTemperatureIDs(snap.Temperature); err != nil {
		errs = append(errs, err)
	}
	if err := s.LoadHumidityIDs(snap.Humidity); err != nil {
		errs = append(errs, err)
	}
	if err := s.LoadCalibration(snap.Humidity); err != nil {
		errs = append(errs, err)
	}

	var err error
	if snap.WiFi, err = s.LoadWiFiCredentials(); err != nil {
		errs = append(errs, err)
	}
	if snap.API, err = s.LoadAPICredentials(); err != nil {
		errs = append(errs, err)
	}
	if snap.Endpoints, err = s.LoadEndpoints(); err != nil {
		errs = append(errs, err)
	}
	if snap.Schedule, err = s.LoadSchedule(); err != nil {
		errs = append(errs, err)
	}
	if snap.FlowTotal, err = s.LoadFlowTotal(); err != nil {
		errs = append(errs, err)
	}

	return snap, errors.Join(errs...)
}

// ClearAll erases every region and reinitializes the engine. Irreversible.
func (s *Store) ClearAll() error {
	if err := s.backend.Erase(); err != nil {
		return fmt.Errorf("erase storage: %w", err)
	}
	return nil
}

// Close closes the underlying engine
func (s *Store) Close() error {
	return s.backend.Close()
}
