package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hupe1980/medmesh"
	"github.com/hupe1980/medmesh/gateway"
	"github.com/hupe1980/medmesh/telemetry"
)

var (
	serveAddr  string
	serveToken string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the coordinator gateway",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
	serveCmd.Flags().StringVar(&serveToken, "auth-token", os.Getenv("MEDMESH_AUTH_TOKEN"), "bearer token required on /v1 routes")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.TracerConfig{
		Enabled: cfg.Tracing.Enabled,
		Version: version,
		Pretty:  cfg.Tracing.Pretty,
		Writer:  os.Stderr,
	})
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	mesh, err := medmesh.New(cfg)
	if err != nil {
		return err
	}
	defer mesh.Close()

	mesh.Logger().Info("medmesh.starting",
		"version", version,
		"addr", cfg.Server.Addr,
		"agents", len(cfg.Agents),
		"provider", cfg.LLM.Provider,
	)
	mesh.Warm(ctx)

	return mesh.Gateway(func(o *gateway.Options) {
		o.AuthToken = serveToken
	}).Start(ctx)
}
