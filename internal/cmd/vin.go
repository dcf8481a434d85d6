package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var vinCmd = &cobra.Command{
	Use:   "vin",
	Short: "Print the VIN of the first vehicle on the account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cfg)
		if err != nil {
			return err
		}
		vin, err := c.FetchVin(cmd.Context())
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), vin)
		return err
	},
}

func init() {
	rootCmd.AddCommand(vinCmd)
}
