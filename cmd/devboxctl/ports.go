package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "Print the devbox's currently listening ports as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, done, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer done()

		snap, err := c.GetPorts(cmd.Context())
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(snap)
	},
}
