package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/devboxd/pkg/client"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Start, inspect, and kill processes inside a devbox",
}

func init() {
	execCmd.Flags().String("cwd", "", "working directory for the new process")
	execSyncCmd.Flags().String("cwd", "", "working directory for the command")
	procLogsCmd.Flags().Int("lines", 100, "number of trailing log lines to return")
	procLogsCmd.Flags().StringSlice("level", nil, "filter to these levels (stdout, stderr)")

	processCmd.AddCommand(execCmd, execSyncCmd, statusCmd, killCmd, procLogsCmd, listProcCmd)
}

var execCmd = &cobra.Command{
	Use:   "exec <command> [args...]",
	Short: "Start a process in the background and print its id/pid",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, done, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer done()

		cwd, _ := cmd.Flags().GetString("cwd")
		id, pid, err := c.Exec(cmd.Context(), args[0], args[1:], client.ExecOptions{Cwd: cwd})
		if err != nil {
			return err
		}
		fmt.Printf("id=%s pid=%d\n", id, pid)
		return nil
	},
}

var execSyncCmd = &cobra.Command{
	Use:   "exec-sync <command> [args...]",
	Short: "Run a command to completion and print its result",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, done, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer done()

		cwd, _ := cmd.Flags().GetString("cwd")
		res, err := c.ExecSync(cmd.Context(), args[0], args[1:], client.ExecOptions{Cwd: cwd})
		if err != nil {
			return err
		}
		os.Stdout.WriteString(res.Stdout)
		os.Stderr.WriteString(res.Stderr)
		os.Exit(res.ExitCode)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Print a process's current status as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, done, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer done()

		st, err := c.ProcessStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(st)
	},
}

var killCmd = &cobra.Command{
	Use:   "kill <id> [signal]",
	Short: "Send a signal to a running process (default SIGTERM)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, done, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer done()

		sig := "SIGTERM"
		if len(args) == 2 {
			sig = args[1]
		}
		return c.KillProcess(cmd.Context(), args[0], sig)
	},
}

var procLogsCmd = &cobra.Command{
	Use:   "logs <id>",
	Short: "Print a process's buffered stdout/stderr lines",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, done, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer done()

		lines, _ := cmd.Flags().GetInt("lines")
		levels, _ := cmd.Flags().GetStringSlice("level")
		logLines, err := c.ProcessLogs(cmd.Context(), args[0], lines, levels)
		if err != nil {
			return err
		}
		for _, l := range logLines {
			fmt.Printf("[%s] %s\n", l.Level, l.Content)
		}
		return nil
	},
}

var listProcCmd = &cobra.Command{
	Use:   "list",
	Short: "List all known processes as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, done, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer done()

		procs, err := c.ListProcesses(cmd.Context())
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(procs)
	},
}
