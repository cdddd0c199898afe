// Package pulse counts flow-sensor edges.
//
// The counter is shared between the hardware edge handler and the control
// loop. It is only ever touched through atomic operations so the edge handler
// never blocks and never has to be masked while the loop reads or resets it.
package pulse

import "sync/atomic"

// DefaultPulsesPerLiter is the calibration constant of the stock flow sensor
const DefaultPulsesPerLiter = 450

// Counter accumulates flow-sensor edges for one measurement window
type Counter struct {
	pulses         atomic.Uint32
	pulsesPerLiter float64
}

// NewCounter creates a counter converting pulses to liters with the given constant.
// A non-positive constant falls back to DefaultPulsesPerLiter.
func NewCounter(pulsesPerLiter int) *Counter {
	if pulsesPerLiter <= 0 {
		pulsesPerLiter = DefaultPulsesPerLiter
	}
	return &Counter{pulsesPerLiter: float64(pulsesPerLiter)}
}

// OnEdge records one edge. Safe to call from the edge handler at any time.
func (c *Counter) OnEdge() {
	c.pulses.Add(1)
}

// Reset clears the counter for a fresh measurement window
func (c *Counter) Reset() {
	c.pulses.Store(0)
}

// Pulses returns the raw pulse count of the current window
func (c *Counter) Pulses() uint32 {
	return c.pulses.Load()
}

// Sample returns the volume in liters seen in the current window without resetting it
func (c *Counter) Sample() float64 {
	return float64(c.pulses.Load()) / c.pulsesPerLiter
}

// Drain returns the pulse count and starts a new window in one step, so an
// edge landing between the read and the reset is never lost.
func (c *Counter) Drain() uint32 {
	return c.pulses.Swap(0)
}

// Liters converts a pulse count to liters
func (c *Counter) Liters(pulses uint64) float64 {
	return float64(pulses) / c.pulsesPerLiter
}

// PulsesPerLiter returns the conversion constant in use
func (c *Counter) PulsesPerLiter() int {
	return int(c.pulsesPerLiter)
}
