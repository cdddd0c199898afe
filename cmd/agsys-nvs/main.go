// AgSys NVS CLI Tool
// Provides command-line access to the irrigation node's config store
package main

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agsys/irrigation-node/internal/pulse"
	"github.com/agsys/irrigation-node/internal/storage"
)

var (
	dbPath  string
	rootCmd = &cobra.Command{
		Use:   "agsys-nvs",
		Short: "AgSys NVS CLI",
		Long:  "Command-line tool for inspecting and erasing the AgSys irrigation node config store.",
	}

	regionsCmd = &cobra.Command{
		Use:   "regions",
		Short: "List regions with key counts",
		RunE:  func(cmd *cobra.Command, args []string) error { return withDB(cmd, showRegions) },
	}

	dumpCmd = &cobra.Command{
		Use:   "dump [region]",
		Short: "Show stored keys, passwords masked",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			region := ""
			if len(args) > 0 {
				region = args[0]
			}
			return withDB(cmd, func(db *sql.DB, w io.Writer) error { return dumpRegion(db, w, region) })
		},
	}

	scheduleCmd = &cobra.Command{
		Use:   "schedule",
		Short: "Show the stored irrigation schedule",
		RunE:  func(cmd *cobra.Command, args []string) error { return withStore(cmd, showSchedule) },
	}

	sensorsCmd = &cobra.Command{
		Use:   "sensors",
		Short: "Show sensor IDs and calibration bounds",
		RunE:  func(cmd *cobra.Command, args []string) error { return withStore(cmd, showSensors) },
	}

	flowCmd = &cobra.Command{
		Use:   "flow",
		Short: "Show the persisted water volume total",
		RunE:  func(cmd *cobra.Command, args []string) error { return withStore(cmd, showFlow) },
	}

	eraseCmd = &cobra.Command{
		Use:   "erase",
		Short: "Erase every region (irreversible)",
		RunE:  runErase,
	}

	pulsesPerLiter int
	confirmed      bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "database", "d", "/var/lib/agsys/nvs.db", "Database file path")

	flowCmd.Flags().IntVar(&pulsesPerLiter, "pulses-per-liter", pulse.DefaultPulsesPerLiter, "Flow sensor calibration")
	eraseCmd.Flags().BoolVar(&confirmed, "yes", false, "Confirm erasing all stored state")

	rootCmd.AddCommand(regionsCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(sensorsCmd)
	rootCmd.AddCommand(flowCmd)
	rootCmd.AddCommand(eraseCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB() (*sql.DB, error) {
	return sql.Open("sqlite3", dbPath+"?mode=ro")
}

func withDB(cmd *cobra.Command, fn func(*sql.DB, io.Writer) error) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db, cmd.OutOrStdout())
}

func withStore(cmd *cobra.Command, fn func(*storage.Store, io.Writer) error) error {
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("store not found: %w", err)
	}
	db, err := storage.Open(dbPath)
	if err != nil {
		return err
	}
	store := storage.NewStore(db)
	defer store.Close()
	return fn(store, cmd.OutOrStdout())
}

func showRegions(db *sql.DB, out io.Writer) error {
	rows, err := db.Query(`
		SELECT region, COUNT(*), MAX(updated_at)
		FROM nvs GROUP BY region ORDER BY region
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REGION\tKEYS\tUPDATED")
	fmt.Fprintln(w, "------\t----\t-------")

	for rows.Next() {
		var region string
		var count int
		var updated sql.NullString
		if err := rows.Scan(&region, &count, &updated); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", region, count, updated.String)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return w.Flush()
}

func dumpRegion(db *sql.DB, out io.Writer, region string) error {
	query := "SELECT region, key, value FROM nvs"
	var args []interface{}
	if region != "" {
		query += " WHERE region = ?"
		args = append(args, region)
	}
	query += " ORDER BY region, key"

	rows, err := db.Query(query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REGION\tKEY\tVALUE")
	fmt.Fprintln(w, "------\t---\t-----")

	for rows.Next() {
		var r, k, v string
		if err := rows.Scan(&r, &k, &v); err != nil {
			return err
		}
		if k == storage.KeyPassword && v != "" {
			v = "********"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", r, k, v)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return w.Flush()
}

func showSchedule(store *storage.Store, out io.Writer) error {
	sched, err := store.LoadSchedule()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tSTART\tEND")
	fmt.Fprintln(w, "----\t-----\t---")
	for i, slot := range sched {
		if slot.IsEmpty() {
			continue
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", i+1, slot.Start, slot.End)
	}
	return w.Flush()
}

func showSensors(store *storage.Store, out io.Writer) error {
	humidity := storage.NewSensorBank()
	temperature := storage.NewSensorBank()
	err := errors.Join(
		store.LoadHumidityIDs(humidity),
		store.LoadCalibration(humidity),
		store.LoadTemperatureIDs(temperature),
	)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHANNEL\tMOISTURE ID\tCAL MAX\tCAL MIN\tTEMPERATURE ID")
	fmt.Fprintln(w, "-------\t-----------\t-------\t-------\t--------------")
	for i := range humidity {
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\n", i+1, humidity[i].ID, humidity[i].CalMax, humidity[i].CalMin, temperature[i].ID)
	}
	return w.Flush()
}

func showFlow(store *storage.Store, out io.Writer) error {
	total, err := store.LoadFlowTotal()
	if err != nil {
		return err
	}
	counter := pulse.NewCounter(pulsesPerLiter)
	fmt.Fprintf(out, "Pulses: %d\nLiters: %.3f\n", total, counter.Liters(total))
	return nil
}

func runErase(cmd *cobra.Command, args []string) error {
	if !confirmed {
		return fmt.Errorf("refusing to erase without --yes")
	}
	return withStore(cmd, func(store *storage.Store, out io.Writer) error {
		if err := store.ClearAll(); err != nil {
			return err
		}
		fmt.Fprintln(out, "All regions erased")
		return nil
	})
}
