package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	// Automatically set GOMEMLIMIT based on cgroup memory limits (container
	// or systemd MemoryMax=). If no cgroup limit is detected, GOMEMLIMIT is
	// left at the Go default.
	"github.com/KimMachineGun/automemlimit/memlimit"

	"github.com/philsphicas/beamfile/internal/app"
	"github.com/philsphicas/beamfile/internal/beam"
	"github.com/philsphicas/beamfile/internal/metrics"
	"github.com/spf13/cobra"
)

var version = "dev"

func init() {
	_, _ = memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(nil))
}

func main() {
	err := newRootCmd().Execute()
	if err != nil && !errors.Is(err, app.ErrInterrupted) {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(app.ExitCode(err))
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "beamfile",
		Short:         "File transfer over Samply.Beam",
		Long:          "Send, receive and tunnel files through a Samply.Beam proxy.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags.
	rootCmd.PersistentFlags().String("beam-url", "", "Beam proxy URL (env BEAM_URL, default "+beam.DefaultProxyURL+")")
	rootCmd.PersistentFlags().String("beam-id", "", "own app id, app.proxy.broker (env BEAM_ID)")
	rootCmd.PersistentFlags().String("beam-secret", "", "Beam app secret (env BEAM_SECRET)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("metrics-addr", "", "address for Prometheus metrics server (e.g. :9090); disabled if empty")
	rootCmd.PersistentFlags().Int("metrics-max-peers", 500, "max unique peer labels in metrics (0 = unlimited)")

	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(receiveCmd())
	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// runMode connects to the proxy, starts the optional metrics server and runs
// mode until it finishes or the process is interrupted.
func runMode(cmd *cobra.Command, mode app.Mode) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logger := newLogger(logLevel)

	client, err := resolveBeam(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := resolveMetrics(ctx, cmd, logger)
	if err != nil {
		return err
	}

	env := app.Env{
		Proxy:   client,
		Self:    client.ID(),
		Stdin:   cmd.InOrStdin(),
		Logger:  logger,
		Metrics: m,
	}
	return app.Run(ctx, env, mode)
}

// flagOrEnv returns the flag value if set, else the environment variable.
func flagOrEnv(cmd *cobra.Command, flag, env string) string {
	if v, _ := cmd.Flags().GetString(flag); v != "" {
		return v
	}
	return os.Getenv(env)
}

// resolveBeam builds the proxy client from flags and environment variables.
//
// Resolution order for each setting: flag, then BEAM_URL / BEAM_ID /
// BEAM_SECRET. The URL defaults to beam.DefaultProxyURL; id and secret are
// required.
func resolveBeam(cmd *cobra.Command) (*beam.Client, error) {
	baseURL := flagOrEnv(cmd, "beam-url", "BEAM_URL")
	if baseURL == "" {
		baseURL = beam.DefaultProxyURL
	}
	rawID := flagOrEnv(cmd, "beam-id", "BEAM_ID")
	if rawID == "" {
		return nil, errors.New("own app id is required: use --beam-id or set BEAM_ID")
	}
	id, err := beam.ParseAppID(rawID)
	if err != nil {
		return nil, err
	}
	secret := flagOrEnv(cmd, "beam-secret", "BEAM_SECRET")
	if secret == "" {
		return nil, errors.New("app secret is required: use --beam-secret or set BEAM_SECRET")
	}
	return beam.NewClient(baseURL, id, secret, nil)
}

// resolveMeta parses --meta. An empty flag means no metadata.
func resolveMeta(cmd *cobra.Command) (json.RawMessage, error) {
	raw, _ := cmd.Flags().GetString("meta")
	if raw == "" {
		return nil, nil
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("--meta is not valid JSON: %q", raw)
	}
	return json.RawMessage(raw), nil
}

// resolveMetrics creates a Metrics instance and starts the HTTP server if
// --metrics-addr or BEAMFILE_METRICS_ADDR is set. Returns nil if metrics are
// disabled. The provided context controls the server's lifetime: when
// cancelled the server shuts down gracefully.
func resolveMetrics(ctx context.Context, cmd *cobra.Command, logger *slog.Logger) (*metrics.Metrics, error) {
	addr := flagOrEnv(cmd, "metrics-addr", "BEAMFILE_METRICS_ADDR")
	if addr == "" {
		return nil, nil
	}
	maxPeers, _ := cmd.Flags().GetInt("metrics-max-peers")
	if maxPeers < 0 {
		return nil, fmt.Errorf("--metrics-max-peers must be >= 0, got %d", maxPeers)
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	m := metrics.New()
	m.MaxPeers = maxPeers
	go func() {
		if err := m.Serve(ctx, ln, logger); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return m, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
