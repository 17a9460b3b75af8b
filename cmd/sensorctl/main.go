package main

import (
	"fmt"
	"os"

	"github.com/navid-fn/sensorhub/configs"
	"github.com/navid-fn/sensorhub/internal/history"
	"github.com/navid-fn/sensorhub/internal/logger"
	"github.com/navid-fn/sensorhub/internal/storage"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var dataDir string

	rootCmd := &cobra.Command{
		Use:   "sensorctl",
		Short: "sensorctl - inspect the sensor data directory",
		Long: `sensorctl reads the per-day CSV files written by the sensor server.
The watch command follows the live stream of a running server.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (defaults to DATA_DIR)")

	open := func() (*history.Reader, error) {
		cfg := configs.AppLoad()
		if dataDir == "" {
			dataDir = cfg.DataDir
		}
		store, err := storage.NewPartitionedStore(dataDir)
		if err != nil {
			return nil, err
		}
		log := logger.New(cfg.LogLevel)
		log.SetOutput(os.Stderr)
		return history.NewReader(store, log), nil
	}

	rootCmd.AddCommand(newDatesCmd(open), newHistoryCmd(open), newExportCmd(open), newWatchCmd())
	return rootCmd
}

type openFunc func() (*history.Reader, error)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
