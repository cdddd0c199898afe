package hal

import (
	"context"
	"fmt"
	"sync"
)

// Sim is an in-memory board. Raw ADC counts are set per multiplexer port and
// probe temperatures per index; probes without a value do not answer.
type Sim struct {
	mu        sync.Mutex
	port      int
	raw       [8]int
	temps     map[int]float64
	converted map[int]bool
	valveOpen bool
	switches  int
	onEdge    func()
}

// NewSim creates a simulated board with every port reading zero
func NewSim() *Sim {
	return &Sim{
		temps:     make(map[int]float64),
		converted: make(map[int]bool),
	}
}

// SetRaw sets the ADC count seen on a multiplexer port
func (s *Sim) SetRaw(port, value int) {
	s.mu.Lock()
	s.raw[port] = value
	s.mu.Unlock()
}

// SetTemperature sets the temperature reported by a probe
func (s *Sim) SetTemperature(probe int, celsius float64) {
	s.mu.Lock()
	s.temps[probe] = celsius
	s.mu.Unlock()
}

// Unplug removes a probe from its bus
func (s *Sim) Unplug(probe int) {
	s.mu.Lock()
	delete(s.temps, probe)
	s.mu.Unlock()
}

// SetEdgeHandler sets the function called once per simulated edge
func (s *Sim) SetEdgeHandler(fn func()) {
	s.mu.Lock()
	s.onEdge = fn
	s.mu.Unlock()
}

// Pulse delivers n flow-sensor edges
func (s *Sim) Pulse(n int) {
	s.mu.Lock()
	fn := s.onEdge
	s.mu.Unlock()
	if fn == nil {
		return
	}
	for i := 0; i < n; i++ {
		fn()
	}
}

// ValveOpen reports the relay state
func (s *Sim) ValveOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valveOpen
}

// ValveSwitches counts relay state changes
func (s *Sim) ValveSwitches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.switches
}

func (s *Sim) Select(_ context.Context, levels [3]bool) error {
	port := 0
	for _, high := range levels {
		port <<= 1
		if high {
			port |= 1
		}
	}
	s.mu.Lock()
	s.port = port
	s.mu.Unlock()
	return nil
}

func (s *Sim) ReadRaw(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.raw[s.port], nil
}

func (s *Sim) RequestConversion(_ context.Context, probe int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.temps[probe]; !ok {
		return fmt.Errorf("probe %d: %s", probe, StatusNoDevice)
	}
	s.converted[probe] = true
	return nil
}

func (s *Sim) ReadCelsius(_ context.Context, probe int) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.temps[probe]
	if !ok || !s.converted[probe] {
		return 0, fmt.Errorf("probe %d: %s", probe, StatusNoDevice)
	}
	delete(s.converted, probe)
	return v, nil
}

func (s *Sim) SetValve(_ context.Context, open bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.valveOpen != open {
		s.switches++
	}
	s.valveOpen = open
	return nil
}
