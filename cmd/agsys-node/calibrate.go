package main

import (
	"context"
	"fmt"
	"log"

	"github.com/agsys/irrigation-node/internal/sensor"
	"github.com/agsys/irrigation-node/internal/storage"
)

// calibrate scans the moisture bank once and commits the chosen bound,
// keeping the other bound as stored
func calibrate(ctx context.Context, scanner *sensor.Scanner, store *storage.Store, dir sensor.CalibrationDirection) error {
	bank := storage.NewSensorBank()
	if err := store.LoadCalibration(bank); err != nil {
		log.Printf("Stored calibration unavailable, starting from defaults: %v", err)
	}

	if err := scanner.Calibrate(ctx, bank, dir); err != nil {
		return err
	}
	if err := store.StoreCalibration(bank); err != nil {
		return fmt.Errorf("failed to store calibration: %w", err)
	}

	for i, s := range bank {
		log.Printf("Channel %d: max=%d min=%d", i+1, s.CalMax, s.CalMin)
	}
	return nil
}
