// Command agentd is the per-devbox agent server: it mediates all
// container-local file, process, session, port, and log operations behind
// the HTTP/WS surface of §6.2, authenticating every non-health request with
// a bearer token (§4.7).
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/devboxd/internal/agentserver"
	"github.com/cuemby/devboxd/internal/files"
	"github.com/cuemby/devboxd/internal/log"
	"github.com/cuemby/devboxd/internal/loghub"
	"github.com/cuemby/devboxd/internal/pathguard"
	"github.com/cuemby/devboxd/internal/portmonitor"
	"github.com/cuemby/devboxd/internal/process"
	"github.com/cuemby/devboxd/internal/session"
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
	Use:     "agentd",
	Short:   "devboxd sandbox agent",
	Long:    "agentd runs inside a devbox container and exposes the file/process/session/port/log API the client SDK talks to.",
	Version: Version,
	PreRunE: applyFileConfig,
	RunE:    runServe,
}

func init() {
	rootCmd.Flags().String("config", envOr("AGENTD_CONFIG", ""), "optional YAML config file; flags still take precedence over its values")

	// Agent configuration is flags-over-env (§6.3, §9): flags override
	// environment, which overrides the defaults below.
	rootCmd.Flags().String("addr", envOr("AGENTD_ADDR", ":9757"), "listen address")
	rootCmd.Flags().String("workspace", envOr("AGENTD_WORKSPACE", "/workspace"), "workspace root all file paths resolve against")
	rootCmd.Flags().Int64("max-file-size", envOrInt64("AGENTD_MAX_FILE_SIZE", 100<<20), "maximum bytes accepted by files/write")
	rootCmd.Flags().String("token", envOr("AGENTD_TOKEN", ""), "bearer token required on every non-health request (auto-generated and printed once if empty)")
	rootCmd.Flags().String("log-level", envOr("AGENTD_LOG_LEVEL", "info"), "log level: debug, info, warn, error, silent")
	rootCmd.Flags().Bool("log-json", envOrBool("AGENTD_LOG_JSON", false), "emit logs as JSON instead of console format")
	rootCmd.Flags().IntSlice("excluded-ports", nil, "ports the port monitor should never report (e.g. agentd's own port)")
	rootCmd.Flags().Duration("ping-period", 30*time.Second, "WebSocket ping interval")
	rootCmd.Flags().Duration("read-timeout", 60*time.Second, "WebSocket read deadline before a silent client is disconnected")
	rootCmd.Flags().Int64("max-message-size", 512<<10, "maximum inbound WebSocket frame size in bytes")
	rootCmd.Flags().Duration("health-check-interval", 30*time.Second, "port monitor scan interval")
	rootCmd.Flags().Duration("buffer-cleanup-interval", time.Minute, "log hub empty-subscription-table sweep interval")
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envOrInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok {
		var n int64
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}

func envOrBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		return v == "1" || v == "true"
	}
	return def
}

// applyFileConfig loads --config, if given, and fills in any flag the
// caller didn't set explicitly on the command line, preserving the rule
// that an explicit flag always beats the file.
func applyFileConfig(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return nil
	}
	fc, err := loadFileConfig(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}

	set := func(name string, value any) {
		if cmd.Flags().Changed(name) {
			return
		}
		switch v := value.(type) {
		case string:
			if v != "" {
				cmd.Flags().Set(name, v)
			}
		case int64:
			if v != 0 {
				cmd.Flags().Set(name, fmt.Sprintf("%d", v))
			}
		case bool:
			cmd.Flags().Set(name, fmt.Sprintf("%t", v))
		case time.Duration:
			if v != 0 {
				cmd.Flags().Set(name, v.String())
			}
		}
	}

	set("addr", fc.Addr)
	set("workspace", fc.Workspace)
	set("max-file-size", fc.MaxFileSize)
	set("token", fc.Token)
	set("log-level", fc.LogLevel)
	set("log-json", fc.LogJSON)
	set("ping-period", fc.PingPeriod)
	set("read-timeout", fc.ReadTimeout)
	set("max-message-size", fc.MaxMessageSize)
	set("health-check-interval", fc.HealthCheckInterval)
	set("buffer-cleanup-interval", fc.BufferCleanupInterval)
	if len(fc.ExcludedPorts) > 0 && !cmd.Flags().Changed("excluded-ports") {
		ports := make([]string, len(fc.ExcludedPorts))
		for i, p := range fc.ExcludedPorts {
			ports[i] = fmt.Sprintf("%d", p)
		}
		cmd.Flags().Set("excluded-ports", joinCSV(ports))
	}
	return nil
}

func joinCSV(vals []string) string {
	out := ""
	for i, v := range vals {
		if i > 0 {
			out += ","
		}
		out += v
	}
	return out
}

func runServe(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	workspace, _ := cmd.Flags().GetString("workspace")
	maxFileSize, _ := cmd.Flags().GetInt64("max-file-size")
	token, _ := cmd.Flags().GetString("token")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	excluded, _ := cmd.Flags().GetIntSlice("excluded-ports")
	pingPeriod, _ := cmd.Flags().GetDuration("ping-period")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	maxMessageSize, _ := cmd.Flags().GetInt64("max-message-size")
	scanInterval, _ := cmd.Flags().GetDuration("health-check-interval")
	bufferCleanupInterval, _ := cmd.Flags().GetDuration("buffer-cleanup-interval")

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
	logger := log.WithComponent("agentd")

	if token == "" {
		generated, err := generateToken()
		if err != nil {
			return fmt.Errorf("generate bearer token: %w", err)
		}
		token = generated
		fmt.Printf("generated bearer token (printed once): %s\n", token)
	}

	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace %s: %w", workspace, err)
	}

	excludedSet := map[int]bool{}
	for _, p := range excluded {
		excludedSet[p] = true
	}

	// The hub and the process/session registries reference each other: the
	// hub fans out what the registries emit, and resolves replay history
	// back through the registries. sources is constructed empty, handed to
	// NewHub by reference, then populated once the registries exist —
	// NewHub only reads from the map at request time, never at
	// construction, so the later writes are visible.
	sources := make(map[string]loghub.Source)
	hub := loghub.NewHub(sources, loghub.Config{
		PingPeriod:            pingPeriod,
		ReadTimeout:           readTimeout,
		MaxMessageSize:        maxMessageSize,
		BufferCleanupInterval: bufferCleanupInterval,
	})

	guard := pathguard.New(workspace)
	fileSvc := files.New(guard, maxFileSize)
	procs := process.New(hub, process.Config{})
	sessions := session.New(guard, hub, session.Config{})
	ports := portmonitor.New(portmonitor.Config{ExcludedPorts: excludedSet, ScanInterval: scanInterval})

	sources["process"] = procs
	sources["session"] = sessions

	srv := agentserver.New(agentserver.Config{Addr: addr, Token: token}, fileSvc, procs, sessions, ports, hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("shutdown signal received")
		cancel()
	}()

	logger.Info().Str("addr", addr).Str("workspace", workspace).Msg("agentd starting")
	return srv.Start(ctx)
}

func generateToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
