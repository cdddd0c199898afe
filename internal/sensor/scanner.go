// Package sensor reads the soil-moisture and temperature banks.
//
// Soil-moisture probes share one ADC input behind an 8-way multiplexer
// driven by three selector lines. Temperature probes sit on independent
// one-wire buses and are read one at a time.
package sensor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/agsys/irrigation-node/internal/storage"
)

const (
	// MaxChannels is the number of usable channels on either bank
	MaxChannels = storage.MaxSensors

	// Disconnected is reported for a temperature probe that does not answer
	Disconnected = -127.0

	// NeutralPercentage is returned when a channel's calibration bounds coincide
	NeutralPercentage = 0.0

	// muxFirstPort is the first wired multiplexer port; ports 0..2 are not routed
	muxFirstPort = 3
)

// channelMap places the reading of logical channel i at output position channelMap[i]
var channelMap = [MaxChannels]int{0, 1, 4, 2, 3}

// muxLevels holds the selector line levels (bit 2, bit 1, bit 0) for each mux port
var muxLevels = [8][3]bool{
	{false, false, false},
	{false, false, true},
	{false, true, false},
	{false, true, true},
	{true, false, false},
	{true, false, true},
	{true, true, false},
	{true, true, true},
}

// AnalogFrontEnd is the multiplexed ADC path of the soil-moisture bank
type AnalogFrontEnd interface {
	// Select drives the three selector lines, most significant bit first
	Select(ctx context.Context, levels [3]bool) error
	// ReadRaw samples the shared ADC input
	ReadRaw(ctx context.Context) (int, error)
}

// ProbeBus addresses the temperature probes
type ProbeBus interface {
	RequestConversion(ctx context.Context, probe int) error
	ReadCelsius(ctx context.Context, probe int) (float64, error)
}

// Config holds acquisition timing
type Config struct {
	Samples        int           `yaml:"samples"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	SettleDelay    time.Duration `yaml:"settle_delay"`
}

// DefaultConfig returns the acquisition timing used on the production board
func DefaultConfig() Config {
	return Config{
		Samples:        3,
		SampleInterval: 100 * time.Millisecond,
		SettleDelay:    500 * time.Millisecond,
	}
}

// CalibrationDirection selects which bound a calibration scan writes
type CalibrationDirection int

const (
	// CalibrateMax records the dry (0% moisture) reading
	CalibrateMax CalibrationDirection = iota
	// CalibrateMin records the saturated (100% moisture) reading
	CalibrateMin
)

func (d CalibrationDirection) String() string {
	switch d {
	case CalibrateMax:
		return "max"
	case CalibrateMin:
		return "min"
	default:
		return fmt.Sprintf("CalibrationDirection(%d)", int(d))
	}
}

// Scanner performs acquisition over the hardware contracts
type Scanner struct {
	config Config
	afe    AnalogFrontEnd
	probes ProbeBus
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewScanner creates a scanner. A non-positive sample count falls back to the default.
func NewScanner(config Config, afe AnalogFrontEnd, probes ProbeBus) *Scanner {
	if config.Samples <= 0 {
		config.Samples = DefaultConfig().Samples
	}
	return &Scanner{
		config: config,
		afe:    afe,
		probes: probes,
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func capChannels(n int) int {
	if n > MaxChannels {
		return MaxChannels
	}
	if n < 0 {
		return 0
	}
	return n
}

// ScanAnalogBank scans the first n channels and returns the mean raw reading
// of each, placed by the board's wiring permutation. The result always holds
// MaxChannels positions; positions whose channel was not scanned stay zero.
func (s *Scanner) ScanAnalogBank(ctx context.Context, n int) ([]int, error) {
	n = capChannels(n)
	raw := make([]int, MaxChannels)

	for ch := 0; ch < n; ch++ {
		port := muxFirstPort + ch
		if err := s.afe.Select(ctx, muxLevels[port]); err != nil {
			return nil, fmt.Errorf("select mux port %d: %w", port, err)
		}

		sum := 0
		for i := 0; i < s.config.Samples; i++ {
			if err := s.sleep(ctx, s.config.SampleInterval); err != nil {
				return nil, err
			}
			v, err := s.afe.ReadRaw(ctx)
			if err != nil {
				return nil, fmt.Errorf("read mux port %d: %w", port, err)
			}
			sum += v
		}
		raw[channelMap[ch]] = sum / s.config.Samples
	}
	return raw, nil
}

// ReadTemperatureBank reads the first n probes in order. A probe that fails
// reports Disconnected; it is logged and not retried.
func (s *Scanner) ReadTemperatureBank(ctx context.Context, n int) []float64 {
	n = capChannels(n)
	values := make([]float64, n)

	for p := 0; p < n; p++ {
		values[p] = s.readProbe(ctx, p)
	}
	return values
}

func (s *Scanner) readProbe(ctx context.Context, p int) float64 {
	if err := s.probes.RequestConversion(ctx, p); err != nil {
		log.Printf("Temperature probe %d: conversion request failed: %v", p, err)
		return Disconnected
	}
	if err := s.sleep(ctx, s.config.SettleDelay); err != nil {
		return Disconnected
	}
	v, err := s.probes.ReadCelsius(ctx, p)
	if err != nil {
		log.Printf("Temperature probe %d: read failed: %v", p, err)
		return Disconnected
	}
	if v == Disconnected {
		log.Printf("Temperature probe %d disconnected", p)
	}
	return v
}

// scanPositions scans every channel a bank of n sensors reads from. The
// wiring permutation can place a channel past n at a position below it, so
// any non-empty bank needs the full scan.
func (s *Scanner) scanPositions(ctx context.Context, n int) ([]int, error) {
	if capChannels(n) == 0 {
		return make([]int, MaxChannels), nil
	}
	return s.ScanAnalogBank(ctx, MaxChannels)
}

// Calibrate runs one scan and stores it as the chosen bound of each sensor.
// It never persists; the caller commits the bank through the store.
func (s *Scanner) Calibrate(ctx context.Context, sensors []storage.Sensor, dir CalibrationDirection) error {
	raw, err := s.scanPositions(ctx, len(sensors))
	if err != nil {
		return fmt.Errorf("calibrate %s: %w", dir, err)
	}
	for i := 0; i < capChannels(len(sensors)); i++ {
		v := raw[i]
		switch dir {
		case CalibrateMax:
			sensors[i].CalMax = v
		case CalibrateMin:
			sensors[i].CalMin = v
		}
	}
	return nil
}

// ReadMoisture scans the analog bank and fills each sensor's Value with its
// calibrated percentage
func (s *Scanner) ReadMoisture(ctx context.Context, sensors []storage.Sensor) error {
	raw, err := s.scanPositions(ctx, len(sensors))
	if err != nil {
		return err
	}
	for i := 0; i < capChannels(len(sensors)); i++ {
		sensors[i].Value = ToPercentage(raw[i], sensors[i].CalMax, sensors[i].CalMin)
	}
	return nil
}

// ReadTemperatures fills each sensor's Value in degrees Celsius
func (s *Scanner) ReadTemperatures(ctx context.Context, sensors []storage.Sensor) {
	values := s.ReadTemperatureBank(ctx, len(sensors))
	for i, v := range values {
		sensors[i].Value = v
	}
}

// ToPercentage maps a raw reading linearly so that calMax reads 0% and calMin
// reads 100%, clamped to [0, 100]. Coinciding bounds yield NeutralPercentage.
func ToPercentage(raw, calMax, calMin int) float64 {
	if calMax == calMin {
		return NeutralPercentage
	}
	pct := float64(raw-calMax) * 100 / float64(calMin-calMax)
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
