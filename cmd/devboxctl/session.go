package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Create and drive interactive shell sessions inside a devbox",
}

func init() {
	sessionCreateCmd.Flags().String("shell", "", "shell to launch (agent default if empty)")
	sessionCreateCmd.Flags().String("workdir", "", "initial working directory")
	sessionLogsCmd.Flags().Int("lines", 100, "number of trailing log lines to return")
	sessionLogsCmd.Flags().StringSlice("level", nil, "filter to these levels (stdout, stderr)")

	sessionCmd.AddCommand(sessionCreateCmd, sessionExecCmd, sessionCdCmd, sessionEnvCmd, sessionTerminateCmd, sessionGetCmd, sessionListCmd, sessionLogsCmd)
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new shell session and print its id",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, done, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer done()

		shell, _ := cmd.Flags().GetString("shell")
		workdir, _ := cmd.Flags().GetString("workdir")
		sess, err := c.CreateSession(cmd.Context(), shell, workdir, nil)
		if err != nil {
			return err
		}
		fmt.Println(sess.ID)
		return nil
	},
}

var sessionExecCmd = &cobra.Command{
	Use:   "exec <id> <command>",
	Short: "Run a command inside an existing session and print its result",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, done, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer done()

		res, err := c.SessionExec(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		os.Stdout.WriteString(res.Stdout)
		os.Stderr.WriteString(res.Stderr)
		return nil
	},
}

var sessionCdCmd = &cobra.Command{
	Use:   "cd <id> <path>",
	Short: "Change a session's working directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, done, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer done()
		return c.SessionCd(cmd.Context(), args[0], args[1])
	},
}

var sessionEnvCmd = &cobra.Command{
	Use:   "env <id> <KEY=VALUE>...",
	Short: "Merge environment variables into a session",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, done, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer done()

		env := map[string]string{}
		for _, kv := range args[1:] {
			for i := 0; i < len(kv); i++ {
				if kv[i] == '=' {
					env[kv[:i]] = kv[i+1:]
					break
				}
			}
		}
		return c.SessionUpdateEnv(cmd.Context(), args[0], env)
	},
}

var sessionTerminateCmd = &cobra.Command{
	Use:   "terminate <id>",
	Short: "Terminate a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, done, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer done()
		return c.TerminateSession(cmd.Context(), args[0])
	},
}

var sessionGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Print a session's current status as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, done, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer done()

		sess, err := c.GetSession(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(sess)
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all known sessions as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, done, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer done()

		sessions, err := c.ListSessions(cmd.Context())
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(sessions)
	},
}

var sessionLogsCmd = &cobra.Command{
	Use:   "logs <id>",
	Short: "Print a session's buffered stdout/stderr lines",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, done, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer done()

		lines, _ := cmd.Flags().GetInt("lines")
		levels, _ := cmd.Flags().GetStringSlice("level")
		logLines, err := c.SessionLogs(cmd.Context(), args[0], lines, levels)
		if err != nil {
			return err
		}
		for _, l := range logLines {
			fmt.Printf("[%s] %s\n", l.Level, l.Content)
		}
		return nil
	},
}
