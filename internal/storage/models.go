// Package storage provides the node's persistent configuration and state store.
//
// State lives in named regions of key-value pairs. Each region is read and
// written as a unit, so a region that cannot be opened never blocks or
// corrupts the others.
package storage

import (
	"fmt"
)

const (
	// MaxSensors is the number of positional sensor keys per bank (k1..k5)
	MaxSensors = 5
	// MaxSlots is the fixed capacity of an irrigation schedule (k1..k10)
	MaxSlots = 10

	// DefaultCalMax is the raw reading assumed for 0% moisture before calibration
	DefaultCalMax = 0
	// DefaultCalMin is the raw reading assumed for saturation before calibration (12-bit ADC full scale)
	DefaultCalMin = 4095
)

// Credentials is a login/password pair (network or API)
type Credentials struct {
	Login    string `json:"login"`
	Password string `json:"-"`
}

// Endpoints holds the remote URIs used by the sync client
type Endpoints struct {
	Authenticate   string `json:"authenticate" yaml:"authenticate"`
	SensorReadings string `json:"sensor_reading" yaml:"sensor_reading"`
	ValveState     string `json:"valve" yaml:"valve"`
	Schedule       string `json:"time_valve" yaml:"time_valve"`
	WaterFlow      string `json:"water_flow" yaml:"water_flow"`
}

// IsComplete reports whether every endpoint is set
func (e Endpoints) IsComplete() bool {
	return e.Authenticate != "" && e.SensorReadings != "" && e.ValveState != "" &&
		e.Schedule != "" && e.WaterFlow != ""
}

// Sensor is one channel of a sensor bank
type Sensor struct {
	ID     int     `json:"sensor_id"` // Stable channel identifier reported upstream
	Value  float64 `json:"value"`     // Moisture % or degrees Celsius
	CalMax int     `json:"cal_max"`   // Raw reading at 0% moisture (analog banks only)
	CalMin int     `json:"cal_min"`   // Raw reading at saturation (analog banks only)
}

// NewSensorBank returns a bank of MaxSensors channels with default calibration
func NewSensorBank() []Sensor {
	bank := make([]Sensor, MaxSensors)
	for i := range bank {
		bank[i].CalMax = DefaultCalMax
		bank[i].CalMin = DefaultCalMin
	}
	return bank
}

// TimeOfDay is an hour/minute pair; seconds are never kept
type TimeOfDay struct {
	Hour   uint8 `json:"hour"`
	Minute uint8 `json:"minute"`
}

// Minutes returns minutes since midnight
func (t TimeOfDay) Minutes() int {
	return int(t.Hour)*60 + int(t.Minute)
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Slot is one irrigation window
type Slot struct {
	Start TimeOfDay `json:"start"`
	End   TimeOfDay `json:"end"`
}

// IsEmpty reports whether the slot is unset (start == end == 00:00)
func (s Slot) IsEmpty() bool {
	return s.Start == TimeOfDay{} && s.End == TimeOfDay{}
}

// Contains reports whether t falls inside the slot. End is exclusive and a
// slot whose end precedes its start runs past midnight.
func (s Slot) Contains(t TimeOfDay) bool {
	if s.IsEmpty() {
		return false
	}
	start, end, now := s.Start.Minutes(), s.End.Minutes(), t.Minutes()
	if start <= end {
		return now >= start && now < end
	}
	return now >= start || now < end
}

// String encodes the slot in its persisted form "HH:MM;HH:MM"
func (s Slot) String() string {
	return s.Start.String() + ";" + s.End.String()
}

// ParseSlot decodes the persisted "HH:MM;HH:MM" form
func ParseSlot(s string) (Slot, error) {
	var sh, sm, eh, em int
	if _, err := fmt.Sscanf(s, "%d:%d;%d:%d", &sh, &sm, &eh, &em); err != nil {
		return Slot{}, fmt.Errorf("invalid slot %q: %w", s, err)
	}
	if !validTime(sh, sm) || !validTime(eh, em) {
		return Slot{}, fmt.Errorf("invalid slot %q: out of range", s)
	}
	return Slot{
		Start: TimeOfDay{Hour: uint8(sh), Minute: uint8(sm)},
		End:   TimeOfDay{Hour: uint8(eh), Minute: uint8(em)},
	}, nil
}

func validTime(h, m int) bool {
	return h >= 0 && h < 24 && m >= 0 && m < 60
}

// Schedule is the fixed-capacity, ordered set of irrigation slots
type Schedule [MaxSlots]Slot

// Active reports whether any non-empty slot contains t
func (s Schedule) Active(t TimeOfDay) bool {
	for _, slot := range s {
		if slot.Contains(t) {
			return true
		}
	}
	return false
}

// Len returns the number of non-empty slots
func (s Schedule) Len() int {
	n := 0
	for _, slot := range s {
		if !slot.IsEmpty() {
			n++
		}
	}
	return n
}

// Snapshot is the full set of persisted entities as loaded at boot
type Snapshot struct {
	Humidity    []Sensor
	Temperature []Sensor
	WiFi        Credentials
	API         Credentials
	Endpoints   Endpoints
	Schedule    Schedule
	FlowTotal   uint64 // Pulses accumulated since the last erase
}

// NewSnapshot returns a snapshot holding defaults for every entity
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Humidity:    NewSensorBank(),
		Temperature: NewSensorBank(),
	}
}
