// Package engine provides the control loop of the irrigation node, tying the
// sensors, the flow meter and the valve to the API.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agsys/irrigation-node/internal/cloud"
	"github.com/agsys/irrigation-node/internal/metrics"
	"github.com/agsys/irrigation-node/internal/pulse"
	"github.com/agsys/irrigation-node/internal/reconcile"
	"github.com/agsys/irrigation-node/internal/sensor"
	"github.com/agsys/irrigation-node/internal/storage"
)

// Config holds engine configuration
type Config struct {
	TelemetryInterval time.Duration `yaml:"telemetry_interval"`
	ScheduleInterval  time.Duration `yaml:"schedule_interval"`
	FlowInterval      time.Duration `yaml:"flow_interval"`
	ValveInterval     time.Duration `yaml:"valve_interval"`
	PulsesPerLiter    int           `yaml:"pulses_per_liter"`

	Cloud  cloud.Config  `yaml:"cloud"`
	Sensor sensor.Config `yaml:"sensor"`
}

// DefaultConfig returns default engine configuration
func DefaultConfig() Config {
	return Config{
		TelemetryInterval: 60 * time.Second,
		ScheduleInterval:  5 * time.Minute,
		FlowInterval:      60 * time.Second,
		ValveInterval:     10 * time.Second,
		PulsesPerLiter:    pulse.DefaultPulsesPerLiter,
		Cloud:             cloud.DefaultConfig(),
		Sensor:            sensor.DefaultConfig(),
	}
}

// Hardware is the board the engine drives
type Hardware interface {
	sensor.AnalogFrontEnd
	sensor.ProbeBus
	SetEdgeHandler(fn func())
	SetValve(ctx context.Context, open bool) error
}

// Deps are the collaborators the engine is built on. Store and Hardware are
// required; the engine owns Store from then on and closes it on Stop.
type Deps struct {
	Store    *storage.Store
	Hardware Hardware
	Link     cloud.Link
	Metrics  *metrics.Metrics
}

// Engine is the node controller
type Engine struct {
	config     Config
	store      *storage.Store
	hw         Hardware
	client     *cloud.Client
	listener   *cloud.Listener
	reconciler *reconcile.Reconciler
	scanner    *sensor.Scanner
	counter    *pulse.Counter
	metrics    *metrics.Metrics
	now        func() time.Time

	stopChan    chan struct{}
	stopOnce    sync.Once
	cancel      context.CancelFunc
	nudges      chan struct{}
	wg          sync.WaitGroup
	mu          sync.RWMutex
	humidity    []storage.Sensor
	temperature []storage.Sensor
	flowTotal   uint64
	valveOpen   bool
	valveKnown  bool
	degraded    bool
}

// New loads persisted state and builds the engine. A store that cannot be
// fully loaded is not fatal: the engine runs on defaults for the regions
// that failed and reports itself degraded.
func New(config Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if deps.Hardware == nil {
		return nil, errors.New("engine: hardware is required")
	}

	snap, err := deps.Store.LoadAll()
	degraded := err != nil
	if degraded {
		log.Printf("Config store degraded, running on defaults: %v", err)
	}
	deps.Metrics.SetFlag(metrics.StoreDegraded, degraded)

	if !snap.Endpoints.IsComplete() {
		log.Println("API endpoints incomplete, sync calls will fail until provisioned")
	}

	account := cloud.Account{Credentials: snap.API, Endpoints: snap.Endpoints}
	client := cloud.New(config.Cloud, account, deps.Link, cloud.WithMetrics(deps.Metrics))

	e := &Engine{
		config:      config,
		store:       deps.Store,
		hw:          deps.Hardware,
		client:      client,
		listener:    cloud.NewListener(config.Cloud, client, deps.Metrics),
		reconciler:  reconcile.New(client, deps.Store, snap.Schedule, deps.Metrics),
		scanner:     sensor.NewScanner(config.Sensor, deps.Hardware, deps.Hardware),
		counter:     pulse.NewCounter(config.PulsesPerLiter),
		metrics:     deps.Metrics,
		now:         time.Now,
		stopChan:    make(chan struct{}),
		nudges:      make(chan struct{}, 1),
		humidity:    snap.Humidity,
		temperature: snap.Temperature,
		flowTotal:   snap.FlowTotal,
		degraded:    degraded,
	}
	e.metrics.SetGauge(metrics.FlowTotal, e.counter.Liters(snap.FlowTotal))

	// Edges arrive on the hardware event goroutine and touch only the counter
	e.hw.SetEdgeHandler(e.counter.OnEdge)
	e.listener.SetScheduleCallback(e.NudgeSchedule)

	return e, nil
}

// Start starts the control loops. Stop cancels the context the loops and
// their API calls run under.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	if err := e.listener.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to start push listener: %w", err)
	}

	e.wg.Add(1)
	go e.valveLoop(ctx)

	e.wg.Add(1)
	go e.scheduleLoop(ctx)

	e.wg.Add(1)
	go e.telemetryLoop(ctx)

	e.wg.Add(1)
	go e.flowLoop(ctx)

	log.Println("Engine started")
	return nil
}

// Stop stops the loops, closes the valve and closes the store
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() { close(e.stopChan) })

	e.mu.RLock()
	cancelLoops := e.cancel
	e.mu.RUnlock()
	if cancelLoops != nil {
		cancelLoops()
	}

	if err := e.listener.Stop(); err != nil {
		log.Printf("Error stopping push listener: %v", err)
	}
	e.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.setValve(ctx, false); err != nil {
		log.Printf("Error closing valve: %v", err)
	}

	if err := e.store.Close(); err != nil {
		log.Printf("Error closing store: %v", err)
	}

	log.Println("Engine stopped")
	return nil
}

// Degraded reports whether the boot-time load of the store failed
func (e *Engine) Degraded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.degraded
}

// Schedule returns the schedule the valve is driven from
func (e *Engine) Schedule() storage.Schedule {
	return e.reconciler.Current()
}

// FlowTotal returns the persisted pulse total
func (e *Engine) FlowTotal() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.flowTotal
}

// ValveOpen reports the last state commanded to the valve
func (e *Engine) ValveOpen() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.valveOpen
}

// Counter exposes the flow pulse counter
func (e *Engine) Counter() *pulse.Counter {
	return e.counter
}

// NudgeSchedule asks the schedule loop for an early sync. Nudges arriving
// while one is pending are merged.
func (e *Engine) NudgeSchedule() {
	select {
	case e.nudges <- struct{}{}:
	default:
	}
}

// RunTelemetry reads both sensor banks and uploads them
func (e *Engine) RunTelemetry(ctx context.Context) error {
	e.mu.Lock()
	humidity := append([]storage.Sensor(nil), e.humidity...)
	temperature := append([]storage.Sensor(nil), e.temperature...)
	e.mu.Unlock()

	if err := e.scanner.ReadMoisture(ctx, humidity); err != nil {
		return fmt.Errorf("read moisture: %w", err)
	}
	e.scanner.ReadTemperatures(ctx, temperature)
	for _, s := range temperature {
		if s.Value == sensor.Disconnected {
			e.metrics.IncCounter(metrics.ProbeFaults, 1)
		}
	}

	e.mu.Lock()
	e.humidity = humidity
	e.temperature = temperature
	e.mu.Unlock()

	if err := e.client.SubmitReadings(ctx, humidity, temperature); err != nil {
		return fmt.Errorf("submit readings: %w", err)
	}
	return nil
}

// SyncSchedule fetches the remote schedule and persists it when changed
func (e *Engine) SyncSchedule(ctx context.Context) (bool, error) {
	return e.reconciler.FetchAndReconcile(ctx)
}

// RecordFlow drains the pulse counter into the persisted total and uploads
// the volume of the window. A failed upload does not roll back the total.
func (e *Engine) RecordFlow(ctx context.Context) error {
	pulses := e.counter.Drain()
	e.metrics.IncCounter(metrics.FlowPulses, float64(pulses))

	e.mu.Lock()
	e.flowTotal += uint64(pulses)
	total := e.flowTotal
	e.mu.Unlock()

	if err := e.store.StoreFlowTotal(total); err != nil {
		e.metrics.IncCounter(metrics.StoreFailures, 1)
		log.Printf("Failed to persist flow total: %v", err)
	}
	e.metrics.SetGauge(metrics.FlowTotal, e.counter.Liters(total))

	liters := e.counter.Liters(uint64(pulses))
	if err := e.client.SubmitFlow(ctx, liters); err != nil {
		return fmt.Errorf("submit flow: %w", err)
	}
	return nil
}

// UpdateValve opens the valve when the time of day falls inside a slot of
// the stored schedule or when the API asks for it. If the API cannot be
// reached the schedule alone decides.
func (e *Engine) UpdateValve(ctx context.Context) (bool, error) {
	now := e.now()
	tod := storage.TimeOfDay{Hour: uint8(now.Hour()), Minute: uint8(now.Minute())}
	open := e.reconciler.Current().Active(tod)

	remote, err := e.client.FetchValveState(ctx)
	if err != nil {
		log.Printf("Valve state unavailable, following schedule: %v", err)
	} else if remote == cloud.ValveOpen {
		open = true
	}

	if serr := e.setValve(ctx, open); serr != nil {
		return e.ValveOpen(), fmt.Errorf("set valve: %w", serr)
	}
	return open, err
}

func (e *Engine) setValve(ctx context.Context, open bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.valveKnown && e.valveOpen == open {
		return nil
	}
	if err := e.hw.SetValve(ctx, open); err != nil {
		return err
	}
	if e.valveKnown {
		log.Printf("Valve %s", cloud.ValveState(open))
	}
	e.valveOpen = open
	e.valveKnown = true
	e.metrics.SetFlag(metrics.ValveOpen, open)
	return nil
}

// valveLoop re-evaluates the valve on every tick
func (e *Engine) valveLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.ValveInterval)
	defer ticker.Stop()

	for {
		if _, err := e.UpdateValve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Valve update: %v", err)
		}

		select {
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// scheduleLoop syncs the schedule periodically and on push nudges
func (e *Engine) scheduleLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.ScheduleInterval)
	defer ticker.Stop()

	for {
		if _, err := e.SyncSchedule(ctx); err != nil {
			log.Printf("Schedule sync failed: %v", err)
		}

		select {
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.nudges:
			log.Println("Schedule change pushed, syncing")
		}
	}
}

// telemetryLoop uploads sensor readings periodically
func (e *Engine) telemetryLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.TelemetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.RunTelemetry(ctx); err != nil {
				log.Printf("Telemetry failed: %v", err)
			}
		}
	}
}

// flowLoop accounts and uploads water volume periodically
func (e *Engine) flowLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.FlowInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.RecordFlow(ctx); err != nil {
				log.Printf("Flow report failed: %v", err)
			}
		}
	}
}
