package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs <process|session> <id>",
	Short: "Stream live log lines for a process or session until interrupted",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, done, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer done()

		levels, _ := cmd.Flags().GetStringSlice("level")
		tail, _ := cmd.Flags().GetInt("tail")

		events, err := c.Subscribe(cmd.Context(), args[0], args[1], levels, tail)
		if err != nil {
			return err
		}
		for ev := range events {
			if ev.Err != nil {
				return ev.Err
			}
			prefix := "live"
			if ev.IsHistory {
				prefix = "hist"
			}
			fmt.Printf("[%s][%s] %s\n", prefix, ev.Log.Level, ev.Log.Content)
		}
		return nil
	},
}

func init() {
	logsCmd.Flags().StringSlice("level", nil, "filter to these levels (stdout, stderr)")
	logsCmd.Flags().Int("tail", 0, "number of historical lines to replay before live tailing")
}
