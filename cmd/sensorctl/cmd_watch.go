package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/navid-fn/sensorhub/configs"
	"github.com/navid-fn/sensorhub/internal/hub"
	"github.com/navid-fn/sensorhub/internal/livefeed"
	"github.com/navid-fn/sensorhub/internal/logger"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	var server, device string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live readings from a running server",
		Long:  `Connect to the server's live stream and print every reading as a JSON line until interrupted.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configs.AppLoad()
			if server == "" {
				server = "http://localhost:" + cfg.ServerPort
			}
			wsURL, err := livefeed.WebSocketURL(server)
			if err != nil {
				return err
			}

			log := logger.New(cfg.LogLevel)
			log.SetOutput(os.Stderr)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			enc := json.NewEncoder(cmd.OutOrStdout())
			client := livefeed.NewClient(livefeed.DefaultConfig(wsURL), log, func(msg hub.Message) {
				if device != "" && msg.DeviceID != device {
					return
				}
				if err := enc.Encode(msg); err != nil {
					log.WithError(err).Warn("Failed to print live message")
				}
			})
			client.Run(ctx)
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "server base URL (defaults to http://localhost:SERVER_PORT)")
	cmd.Flags().StringVar(&device, "device", "", "only readings of this device id")
	return cmd
}
