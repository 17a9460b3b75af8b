package main

import (
	"encoding/json"

	"github.com/navid-fn/sensorhub/internal/history"
	"github.com/navid-fn/sensorhub/internal/model"
	"github.com/spf13/cobra"
)

func newHistoryCmd(open openFunc) *cobra.Command {
	var q history.Query
	var kind string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the records of one day",
		Long: `Print the records of one day as JSON lines. Without --type both raw
streams are merged in receive order.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind != "" {
				k, err := model.ParseKind(kind)
				if err != nil {
					return err
				}
				q.Kind = k
			}
			if q.Date != "" {
				if _, err := model.ParseDate(q.Date); err != nil {
					return err
				}
			}

			reader, err := open()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, rec := range reader.Read(q) {
				if err := enc.Encode(rec); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&q.Date, "date", "", "day to read, YYYY-MM-DD (defaults to today)")
	cmd.Flags().StringVar(&kind, "type", "", "current, temperature or combined")
	cmd.Flags().StringVar(&q.DeviceID, "device", "", "only records of this device id")
	return cmd
}
