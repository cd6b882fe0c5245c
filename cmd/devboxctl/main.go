// Command devboxctl is a thin CLI over the client SDK (pkg/client), useful
// for scripting devbox file/process/session operations without writing Go.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/devboxd/internal/log"
	"github.com/cuemby/devboxd/pkg/client"
	"github.com/cuemby/devboxd/pkg/pool"
	"github.com/cuemby/devboxd/pkg/resolver"
	"github.com/cuemby/devboxd/pkg/upstream"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "devboxctl",
	Short:   "devboxd client CLI",
	Long:    "devboxctl talks to a devbox's agent through the same client SDK applications embed, for scripting file/process/session/port operations.",
	Version: Version,
}

func init() {
	// The client SDK is env-first (§9 Open Question): env vars are the
	// baseline for long-lived scripted use, flags override for one-off
	// invocations.
	rootCmd.PersistentFlags().String("devbox", envOr("DEVBOXCTL_DEVBOX", ""), "devbox name")
	rootCmd.PersistentFlags().String("upstream-url", envOr("DEVBOXCTL_UPSTREAM_URL", "http://localhost:8080"), "cluster management API base URL")
	rootCmd.PersistentFlags().String("upstream-token", envOr("DEVBOXCTL_UPSTREAM_TOKEN", ""), "cluster management API bearer token")
	rootCmd.PersistentFlags().String("log-level", envOr("DEVBOXCTL_LOG_LEVEL", "warn"), "log level: debug, info, warn, error, silent")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit logs as JSON instead of console format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(fileCmd, processCmd, sessionCmd, portsCmd, logsCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

// newClient builds the façade for the devbox named by --devbox, wiring a
// fresh resolver and pool per invocation; devboxctl is a one-shot CLI, so
// there is no long-lived process to amortize the pool's warm connections
// across, unlike an embedding application.
func newClient(cmd *cobra.Command) (*client.Client, func(), error) {
	devbox, _ := cmd.Flags().GetString("devbox")
	if devbox == "" {
		return nil, nil, fmt.Errorf("--devbox is required (or set DEVBOXCTL_DEVBOX)")
	}
	upstreamURL, _ := cmd.Flags().GetString("upstream-url")
	upstreamToken, _ := cmd.Flags().GetString("upstream-token")

	up := upstream.New(upstream.Config{BaseURL: upstreamURL, Token: upstreamToken})
	res := resolver.New(up, resolver.Config{})
	p := pool.New(pool.Config{})

	c := client.New(devbox, res, p, up, client.Config{})
	return c, p.Stop, nil
}
