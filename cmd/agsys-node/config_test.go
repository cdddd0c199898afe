package main

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agsys/irrigation-node/internal/hal"
	"github.com/agsys/irrigation-node/internal/sensor"
	"github.com/agsys/irrigation-node/internal/storage"
)

func TestParseConfigMergesDefaults(t *testing.T) {
	cfg, err := parseConfig([]byte(`
node:
  name: north-field
storage:
  path: /tmp/nvs.db
hardware:
  driver: sim
engine:
  valve_interval: 5s
  cloud:
    budget: 30s
    push_url: wss://api.example.com/push
`))
	require.NoError(t, err)

	assert.Equal(t, "north-field", cfg.Node.Name)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, "/tmp/nvs.db", cfg.Storage.Path)
	assert.Equal(t, "sim", cfg.Hardware.Driver)
	assert.Equal(t, hal.DefaultConfig(), cfg.Hardware.Bridge)

	assert.Equal(t, 5*time.Second, cfg.Engine.ValveInterval)
	assert.Equal(t, 5*time.Minute, cfg.Engine.ScheduleInterval)
	assert.Equal(t, 450, cfg.Engine.PulsesPerLiter)
	assert.Equal(t, 30*time.Second, cfg.Engine.Cloud.Budget)
	assert.Equal(t, 45*time.Minute, cfg.Engine.Cloud.Freshness)
	assert.Equal(t, time.Second, cfg.Engine.Cloud.Backoff)
	assert.Equal(t, "wss://api.example.com/push", cfg.Engine.Cloud.PushURL)
	assert.Equal(t, 3, cfg.Engine.Sensor.Samples)
	assert.Equal(t, ":9108", cfg.Metrics.Addr)
}

func TestParseConfigEmpty(t *testing.T) {
	cfg, err := parseConfig([]byte(""))
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), *cfg)
}

func TestParseConfigRejects(t *testing.T) {
	cases := map[string]string{
		"backend": "storage:\n  backend: flash\n",
		"driver":  "hardware:\n  driver: gpio\n",
		"yaml":    "engine: [\n",
	}
	for name, doc := range cases {
		_, err := parseConfig([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig("/nonexistent/node.yaml")
	assert.Error(t, err)
}

func TestCalibrate(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "agsys-test-*.db")
	require.NoError(t, err)
	tmpFile.Close()
	defer os.Remove(tmpFile.Name())

	db, err := storage.Open(tmpFile.Name())
	require.NoError(t, err)
	store := storage.NewStore(db)
	defer store.Close()

	sim := hal.NewSim()
	for port := 0; port < 8; port++ {
		sim.SetRaw(port, 1000+port)
	}

	cfg := sensor.DefaultConfig()
	cfg.SampleInterval = 0
	scanner := sensor.NewScanner(cfg, sim, sim)

	require.NoError(t, calibrate(context.Background(), scanner, store, sensor.CalibrateMax))

	bank := storage.NewSensorBank()
	require.NoError(t, store.LoadCalibration(bank))
	for i, s := range bank {
		assert.NotEqual(t, storage.DefaultCalMax, s.CalMax, "channel %d", i)
		assert.Equal(t, storage.DefaultCalMin, s.CalMin, "channel %d", i)
	}

	// The min pass keeps the max bounds already stored
	require.NoError(t, calibrate(context.Background(), scanner, store, sensor.CalibrateMin))
	after := storage.NewSensorBank()
	require.NoError(t, store.LoadCalibration(after))
	for i := range after {
		assert.Equal(t, bank[i].CalMax, after[i].CalMax, "channel %d", i)
		assert.Equal(t, bank[i].CalMax, after[i].CalMin, "channel %d", i)
	}
}
