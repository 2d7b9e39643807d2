package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/hupe1980/medmesh"
	"github.com/hupe1980/medmesh/model"
	"github.com/hupe1980/medmesh/protocol"
	"github.com/hupe1980/medmesh/specialist"
	"github.com/hupe1980/medmesh/telemetry"
	"github.com/hupe1980/medmesh/tool"
)

var (
	specialistPreset string
	specialistAddr   string
)

var specialistCmd = &cobra.Command{
	Use:   "specialist",
	Short: "Host one of the built-in specialist agents",
	RunE:  runSpecialist,
}

func init() {
	specialistCmd.Flags().StringVar(&specialistPreset, "preset", "medgemma", fmt.Sprintf("specialist to host %v", specialist.PresetIDs()))
	specialistCmd.Flags().StringVar(&specialistAddr, "addr", "", "listen address (defaults to the port of the agent's configured URL)")
}

func runSpecialist(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	preset, err := specialist.LookupPreset(specialistPreset)
	if err != nil {
		return err
	}

	addr := specialistAddr
	if addr == "" {
		addr, err = listenAddr(cfg.AgentURLs()[specialistPreset])
		if err != nil {
			return err
		}
	}

	logger := medmesh.NewLogger(cfg.Logging)
	promReg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(promReg)

	m, err := medmesh.NewModel(cfg.LLM, cfg.LLM.SpecialistModel)
	if err != nil {
		return err
	}
	invoker, err := tool.NewInvoker(medmesh.DefaultTools(cfg, logger), func(o *tool.InvokerOptions) {
		if cfg.Orchestrator.ToolTimeout > 0 {
			o.Timeout = cfg.Orchestrator.ToolTimeout
		}
		o.Logger = logger
		o.Metrics = metrics
	})
	if err != nil {
		return err
	}

	exec := specialist.New(model.Instrument(m, logger, metrics), preset.Name, preset.Description, preset.Skills, func(o *specialist.Options) {
		o.Invoker = invoker
		o.Logger = logger
	})
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.Handle("/", protocol.NewServer(exec.Card(), exec, func(o *protocol.ServerOptions) {
		o.Logger = logger
	}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("specialist.listening", "agent_id", specialistPreset, "addr", addr, "skills", len(preset.Skills))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// listenAddr derives ":port" from an agent base URL.
func listenAddr(agentURL string) (string, error) {
	if agentURL == "" {
		return "", fmt.Errorf("no URL configured for specialist %q; pass --addr", specialistPreset)
	}
	u, err := url.Parse(agentURL)
	if err != nil {
		return "", fmt.Errorf("parsing agent url %q: %w", agentURL, err)
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return ":" + port, nil
}
