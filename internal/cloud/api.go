package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/agsys/irrigation-node/internal/storage"
)

// Reading is one sensor record in a telemetry upload
type Reading struct {
	SensorID int     `json:"sensorId"`
	Value    float64 `json:"value"`
}

// FlowReport is the body of a water volume upload
type FlowReport struct {
	Value float64 `json:"value"`
}

// RemoteSlot is one irrigation window as served by the API ("HH:MM:SS")
type RemoteSlot struct {
	InitialTime string `json:"initialTime"`
	FinalTime   string `json:"finalTime"`
}

// ValveState is the remote valve command
type ValveState bool

const (
	ValveClosed ValveState = false
	ValveOpen   ValveState = true
)

func (v ValveState) String() string {
	if v {
		return "open"
	}
	return "closed"
}

// BuildReadings flattens both banks into one upload, temperature probes first
func BuildReadings(humidity, temperature []storage.Sensor) []Reading {
	readings := make([]Reading, 0, len(humidity)+len(temperature))
	for _, s := range temperature {
		readings = append(readings, Reading{SensorID: s.ID, Value: s.Value})
	}
	for _, s := range humidity {
		readings = append(readings, Reading{SensorID: s.ID, Value: s.Value})
	}
	return readings
}

// SubmitReadings uploads the current moisture and temperature values
func (c *Client) SubmitReadings(ctx context.Context, humidity, temperature []storage.Sensor) error {
	data, err := json.Marshal(BuildReadings(humidity, temperature))
	if err != nil {
		return fmt.Errorf("marshal readings: %w", err)
	}
	return c.Post(ctx, c.currentAccount().Endpoints.SensorReadings, data)
}

// SubmitFlow uploads the water volume measured over the last window
func (c *Client) SubmitFlow(ctx context.Context, liters float64) error {
	data, err := json.Marshal(FlowReport{Value: liters})
	if err != nil {
		return fmt.Errorf("marshal flow: %w", err)
	}
	return c.Post(ctx, c.currentAccount().Endpoints.WaterFlow, data)
}

// FetchValveState asks whether the API wants the valve open. The body must
// be exactly true or false.
func (c *Client) FetchValveState(ctx context.Context) (ValveState, error) {
	body, err := c.Get(ctx, c.currentAccount().Endpoints.ValveState)
	if err != nil {
		return ValveClosed, err
	}

	switch string(bytes.TrimSpace(body)) {
	case "true":
		return ValveOpen, nil
	case "false":
		return ValveClosed, nil
	default:
		return ValveClosed, fmt.Errorf("%w: valve state %q", ErrMalformedBody, body)
	}
}

// FetchSchedule downloads the remote irrigation windows
func (c *Client) FetchSchedule(ctx context.Context) ([]RemoteSlot, error) {
	body, err := c.Get(ctx, c.currentAccount().Endpoints.Schedule)
	if err != nil {
		return nil, err
	}

	var slots []RemoteSlot
	if err := json.Unmarshal(body, &slots); err != nil {
		return nil, fmt.Errorf("%w: schedule: %v", ErrMalformedBody, err)
	}
	return slots, nil
}
