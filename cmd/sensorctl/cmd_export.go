package main

import (
	"fmt"
	"io"
	"os"

	"github.com/navid-fn/sensorhub/internal/history"
	"github.com/navid-fn/sensorhub/internal/model"
	"github.com/spf13/cobra"
)

func newExportCmd(open openFunc) *cobra.Command {
	var date, kind, out string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export one day file as CSV",
		Long:  `Write the CSV file of one day and kind to stdout or --out. A day without data exports the header only.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := model.ParseKind(kind)
			if err != nil {
				return err
			}

			reader, err := open()
			if err != nil {
				return err
			}
			if date == "" {
				date = reader.Today()
			}

			body, err := reader.Export(date, k)
			if err != nil {
				return err
			}
			defer body.Close()

			w := cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			if _, err := io.Copy(w, body); err != nil {
				return fmt.Errorf("export %s: %w", history.FileName(date, k), err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "day to export, YYYY-MM-DD (defaults to today)")
	cmd.Flags().StringVar(&kind, "type", "", "current, temperature or combined")
	cmd.Flags().StringVar(&out, "out", "", "output file (defaults to stdout)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}
