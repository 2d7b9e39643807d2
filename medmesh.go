// Package medmesh wires the medical query coordinator from a single
// configuration: the specialist registry, the task protocol client, the local
// medical tools, the reasoning model, the orchestrator loop and the task
// engine. Most applications interact with this package by:
//  1. Loading a config.Config (config.Load)
//  2. Creating a MedMesh via New, optionally overriding the model or stores
//  3. Asking questions with InvokeSync, or serving them with Gateway
//
// Every component stays reachable through an accessor so callers can embed
// the coordinator in their own transport.
package medmesh

import (
	"context"
	"errors"
	"fmt"
	"os"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/medmesh/agent"
	"github.com/hupe1980/medmesh/artifact"
	"github.com/hupe1980/medmesh/config"
	"github.com/hupe1980/medmesh/core"
	"github.com/hupe1980/medmesh/engine"
	"github.com/hupe1980/medmesh/gateway"
	"github.com/hupe1980/medmesh/logging"
	"github.com/hupe1980/medmesh/model"
	"github.com/hupe1980/medmesh/model/anthropic"
	"github.com/hupe1980/medmesh/model/openai"
	"github.com/hupe1980/medmesh/protocol"
	"github.com/hupe1980/medmesh/registry"
	"github.com/hupe1980/medmesh/session"
	"github.com/hupe1980/medmesh/telemetry"
	"github.com/hupe1980/medmesh/tool"
	"github.com/hupe1980/medmesh/tool/appointment"
	"github.com/hupe1980/medmesh/tool/fhir"
	"github.com/hupe1980/medmesh/tool/medsearch"
)

// ErrNoAgentsAvailable is reported by Ready when no specialist card resolves.
var ErrNoAgentsAvailable = errors.New("no specialist agents available")

// Options overrides parts of the wiring derived from the configuration.
type Options struct {
	// Model replaces the coordinator model built from the llm section.
	Model model.Model

	// Tools are registered next to the built-in medical tools.
	Tools []tool.Tool

	// Stores default to in-memory implementations.
	SessionStore  core.SessionStore
	ArtifactStore core.ArtifactStore

	// Callbacks are passed to the engine.
	Callbacks []engine.Callback

	// MetricsRegistry collects all metrics. Defaults to a private registry.
	MetricsRegistry *prometheus.Registry

	// Logger defaults to a logger built from the logging section.
	Logger logging.Logger
}

// MedMesh is the assembled coordinator.
type MedMesh struct {
	cfg          *config.Config
	opts         Options
	logger       logging.Logger
	metrics      *telemetry.Metrics
	registry     *registry.Registry
	client       *protocol.Client
	invoker      *tool.Invoker
	orchestrator *agent.Orchestrator
	engine       *engine.Engine
}

// New assembles a coordinator from cfg. A nil cfg uses config.Default.
func New(cfg *config.Config, optFns ...func(o *Options)) (*MedMesh, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := Options{
		SessionStore:  session.NewInMemoryStore(),
		ArtifactStore: artifact.NewInMemoryStore(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MetricsRegistry == nil {
		opts.MetricsRegistry = prometheus.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = NewLogger(cfg.Logging)
	}

	metrics := telemetry.NewMetrics(opts.MetricsRegistry)

	reg := registry.New(cfg.AgentURLs(), func(o *registry.Options) {
		o.TTL = cfg.Registry.TTL
		o.FetchTimeout = cfg.Registry.FetchTimeout
		o.FailureThreshold = cfg.Registry.FailureThreshold
		o.Cooldown = cfg.Registry.Cooldown
		o.Logger = opts.Logger
		o.Metrics = metrics
	})

	client := protocol.NewClient(reg, func(o *protocol.ClientOptions) {
		o.Timeout = cfg.Orchestrator.DelegationBudget()
		o.Logger = opts.Logger
		o.Metrics = metrics
	})

	invoker, err := tool.NewInvoker(append(DefaultTools(cfg, opts.Logger), opts.Tools...), func(o *tool.InvokerOptions) {
		if cfg.Orchestrator.ToolTimeout > 0 {
			o.Timeout = cfg.Orchestrator.ToolTimeout
		}
		o.Logger = opts.Logger
		o.Metrics = metrics
	})
	if err != nil {
		return nil, err
	}

	m := opts.Model
	if m == nil {
		m, err = NewModel(cfg.LLM, cfg.LLM.Model)
		if err != nil {
			return nil, err
		}
	}
	m = model.Instrument(m, opts.Logger, metrics)

	delegator := agent.NewRemoteDelegator(client, func(o *agent.RemoteDelegatorOptions) {
		o.Timeout = cfg.Orchestrator.DelegationBudget()
		o.Logger = opts.Logger
	})
	orch := agent.NewOrchestrator(m, reg, invoker, delegator, func(o *agent.Options) {
		o.MaxTurns = cfg.Orchestrator.MaxTurns
		o.Logger = opts.Logger
	})

	eng := engine.New(orch, func(o *engine.Options) {
		o.Config.MaxConcurrentInvocations = cfg.Orchestrator.MaxConcurrent
		o.SessionStore = opts.SessionStore
		o.ArtifactStore = opts.ArtifactStore
		o.ChatTimeout = cfg.Orchestrator.ChatTimeout
		o.Callbacks = opts.Callbacks
		o.Metrics = metrics
		o.Logger = opts.Logger
	})

	return &MedMesh{
		cfg:          cfg,
		opts:         opts,
		logger:       opts.Logger,
		metrics:      metrics,
		registry:     reg,
		client:       client,
		invoker:      invoker,
		orchestrator: orch,
		engine:       eng,
	}, nil
}

// DefaultTools returns the built-in medical tools configured from cfg.
func DefaultTools(cfg *config.Config, logger logging.Logger) []tool.Tool {
	return []tool.Tool{
		medsearch.New(),
		fhir.New(func(o *fhir.Options) {
			o.BaseURL = cfg.FHIR.BaseURL
			o.Username = cfg.FHIR.Username
			o.Password = cfg.FHIR.Password
			if cfg.FHIR.Timeout > 0 {
				o.Timeout = cfg.FHIR.Timeout
			}
			o.Logger = logger
		}),
		appointment.New(func(o *appointment.Options) {
			o.BaseURL = cfg.FHIR.RESTURL()
			o.Username = cfg.FHIR.Username
			o.Password = cfg.FHIR.Password
			o.Logger = logger
		}),
	}
}

// NewModel builds a chat model for the configured provider. modelName
// overrides cfg.Model when non-empty.
func NewModel(cfg config.LLMConfig, modelName string) (model.Model, error) {
	if modelName == "" {
		modelName = cfg.Model
	}
	switch cfg.Provider {
	case "openai":
		return openai.NewModel(func(o *openai.Options) {
			if modelName != "" {
				o.Model = modelName
			}
			o.Temperature = cfg.Temperature
			if cfg.MaxTokens > 0 {
				o.MaxCompletionTokens = cfg.MaxTokens
			}
			o.BaseURL = cfg.BaseURL
			o.APIKey = cfg.APIKey
		}), nil
	case "anthropic":
		return anthropic.NewModel(func(o *anthropic.Options) {
			if modelName != "" {
				o.Model = anthropicsdk.Model(modelName)
			}
			o.Temperature = cfg.Temperature
			if cfg.MaxTokens > 0 {
				o.MaxTokens = cfg.MaxTokens
			}
			o.BaseURL = cfg.BaseURL
			o.APIKey = cfg.APIKey
		}), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}

// NewLogger builds the structured logger described by cfg, writing to stderr.
func NewLogger(cfg config.LoggingConfig) logging.Logger {
	return logging.NewLogger(&logging.LoggerConfig{
		Level:  logging.ParseLevel(cfg.Level),
		Format: cfg.Format,
		Output: os.Stderr,
	})
}

// Config returns the configuration the coordinator was built from.
func (m *MedMesh) Config() *config.Config { return m.cfg }

// Engine returns the task engine.
func (m *MedMesh) Engine() *engine.Engine { return m.engine }

// Registry returns the specialist registry.
func (m *MedMesh) Registry() *registry.Registry { return m.registry }

// Client returns the task protocol client.
func (m *MedMesh) Client() *protocol.Client { return m.client }

// Invoker returns the local tool invoker.
func (m *MedMesh) Invoker() *tool.Invoker { return m.invoker }

// Orchestrator returns the reasoning loop.
func (m *MedMesh) Orchestrator() *agent.Orchestrator { return m.orchestrator }

// Metrics returns the metric set.
func (m *MedMesh) Metrics() *telemetry.Metrics { return m.metrics }

// Gatherer exposes the metrics registry for scraping.
func (m *MedMesh) Gatherer() prometheus.Gatherer { return m.opts.MetricsRegistry }

// Logger returns the root logger.
func (m *MedMesh) Logger() logging.Logger { return m.logger }

// Invoke starts an asynchronous query. See engine.Engine.Invoke.
func (m *MedMesh) Invoke(ctx context.Context, sessionID, query string) (string, <-chan core.Event, <-chan error, error) {
	return m.engine.Invoke(ctx, sessionID, query)
}

// InvokeSync answers a query and returns the events it produced.
func (m *MedMesh) InvokeSync(ctx context.Context, sessionID, query string) (engine.Answer, []core.Event, error) {
	return m.engine.InvokeSync(ctx, sessionID, query)
}

// Warm prefetches every configured specialist card.
func (m *MedMesh) Warm(ctx context.Context) { m.registry.Warm(ctx) }

// Ready reports whether at least one specialist is reachable.
func (m *MedMesh) Ready(ctx context.Context) error {
	if len(m.cfg.Agents) == 0 {
		return nil
	}
	if len(m.registry.Cards(ctx)) == 0 {
		return ErrNoAgentsAvailable
	}
	return nil
}

// Gateway creates the HTTP gateway for this coordinator. The server section
// supplies the listen address and decides whether /metrics is served.
func (m *MedMesh) Gateway(optFns ...func(o *gateway.Options)) *gateway.Gateway {
	return gateway.New(m.engine, func(o *gateway.Options) {
		o.Addr = m.cfg.Server.Addr
		if m.cfg.Server.MetricsEnabled {
			o.Gatherer = m.opts.MetricsRegistry
		}
		o.Ready = m.Ready
		o.Logger = m.logger
		for _, fn := range optFns {
			fn(o)
		}
	})
}

// Close stops the engine and drops the cached specialist cards.
func (m *MedMesh) Close() error {
	return errors.Join(m.engine.Close(), m.registry.Close())
}
