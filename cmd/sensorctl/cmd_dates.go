package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDatesCmd(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "dates",
		Short: "List days with data",
		Long:  `List every day that has at least one data file, most recent first.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reader, err := open()
			if err != nil {
				return err
			}
			for _, date := range reader.AvailableDates() {
				fmt.Fprintln(cmd.OutOrStdout(), date)
			}
			return nil
		},
	}
}
