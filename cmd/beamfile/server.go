package main

import (
	"errors"
	"fmt"

	"github.com/philsphicas/beamfile/internal/app"
	"github.com/philsphicas/beamfile/internal/auth"
	"github.com/philsphicas/beamfile/internal/tunnel"
	"github.com/spf13/cobra"
)

const defaultBindAddr = "0.0.0.0:8080"

func serverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the HTTP tunnel endpoint",
		Long: `Serve an HTTP endpoint that sends request bodies through the proxy:

  POST /send/{to}      body = file content, headers "filename" and "metadata"
  GET  /ws/send/{to}   same over WebSocket binary messages
  GET  /transfers      transfers in flight
  GET  /healthz        liveness

Clients authenticate with HTTP Basic auth; the password must match the API
key (plain or a bcrypt hash), the user name is ignored. The response is sent
as soon as the outbound socket is open, while the body is still streaming.`,
		Args: cobra.NoArgs,
		RunE: runServer,
	}

	cmd.Flags().String("bind-addr", "", "listen address (env BIND_ADDR, default "+defaultBindAddr+")")
	cmd.Flags().String("api-key", "", "shared secret or its bcrypt hash (env API_KEY)")
	cmd.Flags().Int("max-transfers", 0, "max concurrent transfers, 503 beyond (0 = unlimited)")
	cmd.Flags().Duration("shutdown-grace", tunnel.DefaultShutdownGrace, "time in-flight transfers get to finish on shutdown")

	return cmd
}

func runServer(cmd *cobra.Command, args []string) error {
	mode, err := serverMode(cmd)
	if err != nil {
		return err
	}
	return runMode(cmd, mode)
}

func serverMode(cmd *cobra.Command) (app.ServerMode, error) {
	bindAddr := flagOrEnv(cmd, "bind-addr", "BIND_ADDR")
	if bindAddr == "" {
		bindAddr = defaultBindAddr
	}
	rawKey := flagOrEnv(cmd, "api-key", "API_KEY")
	if rawKey == "" {
		return app.ServerMode{}, errors.New("api key is required: use --api-key or set API_KEY")
	}
	key, err := auth.ParseAPIKey(rawKey)
	if err != nil {
		return app.ServerMode{}, err
	}
	maxTransfers, _ := cmd.Flags().GetInt("max-transfers")
	if maxTransfers < 0 {
		return app.ServerMode{}, fmt.Errorf("--max-transfers must be >= 0, got %d", maxTransfers)
	}
	grace, _ := cmd.Flags().GetDuration("shutdown-grace")

	return app.ServerMode{
		BindAddr:      bindAddr,
		APIKey:        key,
		MaxTransfers:  maxTransfers,
		ShutdownGrace: grace,
	}, nil
}
