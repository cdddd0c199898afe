// AgSys Irrigation Node
// Main entry point for the irrigation node service
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/agsys/irrigation-node/internal/cloud"
	"github.com/agsys/irrigation-node/internal/engine"
	"github.com/agsys/irrigation-node/internal/hal"
	"github.com/agsys/irrigation-node/internal/metrics"
	"github.com/agsys/irrigation-node/internal/sensor"
)

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "agsys-node",
		Short: "AgSys Irrigation Node",
		Long:  "Irrigation node for AgSys. Reads soil sensors and the flow meter, syncs with the API and drives the valve.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the node service",
		RunE:  runNode,
	}

	calibrateCmd = &cobra.Command{
		Use:       "calibrate [max|min]",
		Short:     "Record the current moisture readings as a calibration bound",
		Long:      "Scan the moisture bank once and store it as the dry (max) or saturated (min) bound of every channel.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"max", "min"},
		RunE:      runCalibrate,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("AgSys Irrigation Node v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/agsys/node.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(calibrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// hardware opens the configured board driver. The returned stop function
// releases it.
func hardware(cfg *Config) (engine.Hardware, func(), error) {
	if cfg.Hardware.Driver == "sim" {
		log.Println("Using simulated hardware")
		return hal.NewSim(), func() {}, nil
	}

	bridge := hal.NewBridge(cfg.Hardware.Bridge)
	if err := bridge.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start hardware bridge: %w", err)
	}
	return bridge, func() {
		if err := bridge.Stop(); err != nil {
			log.Printf("Error stopping hardware bridge: %v", err)
		}
	}, nil
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	hw, stopHW, err := hardware(cfg)
	if err != nil {
		store.Close()
		return err
	}
	defer stopHW()

	var link cloud.Link = cloud.StaticLink{}
	if cfg.Network.ProbeAddr != "" {
		link = cloud.NewHostLink(cfg.Network.ProbeAddr)
	}

	m := metrics.New(nil)
	eng, err := engine.New(cfg.Engine, engine.Deps{
		Store:    store,
		Hardware: hw,
		Link:     link,
		Metrics:  m,
	})
	if err != nil {
		store.Close()
		return fmt.Errorf("failed to create engine: %w", err)
	}

	metricsSrv := startMetrics(cfg.Metrics.Addr)
	grpcSrv, err := startHealth(cfg.Health.Addr, eng)
	if err != nil {
		eng.Stop()
		metricsSrv.Close()
		return err
	}

	// Set up signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("Starting AgSys Irrigation Node %s", cfg.Node.Name)
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	// Wait for shutdown signal
	sig := <-sigChan
	log.Printf("Received signal %v, shutting down...", sig)
	cancel()

	if err := eng.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	grpcSrv.GracefulStop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error stopping metrics server: %v", err)
	}

	log.Println("Shutdown complete")
	return nil
}

func startMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Metrics server exited: %v", err)
		}
	}()
	return srv
}

// startHealth serves the standard gRPC health service. The node reports
// NOT_SERVING while its store is degraded.
func startHealth(addr string, eng *engine.Engine) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	status := healthpb.HealthCheckResponse_SERVING
	if eng.Degraded() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	hs.SetServingStatus("", status)

	go func() {
		if err := srv.Serve(lis); err != nil {
			log.Printf("Health server exited: %v", err)
		}
	}()
	return srv, nil
}

func runCalibrate(cmd *cobra.Command, args []string) error {
	var dir sensor.CalibrationDirection
	switch args[0] {
	case "max":
		dir = sensor.CalibrateMax
	case "min":
		dir = sensor.CalibrateMin
	default:
		return fmt.Errorf("direction must be max or min, got %q", args[0])
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	hw, stopHW, err := hardware(cfg)
	if err != nil {
		return err
	}
	defer stopHW()

	return calibrate(cmd.Context(), sensor.NewScanner(cfg.Engine.Sensor, hw, hw), store, dir)
}
