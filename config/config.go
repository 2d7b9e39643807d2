// Package config loads medmesh configuration from a YAML file, .env files and
// environment variables. Precedence, lowest first: Default(), file, env.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete runtime configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Tracing      TracingConfig      `yaml:"tracing"`
	LLM          LLMConfig          `yaml:"llm"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Registry     RegistryConfig     `yaml:"registry"`
	Agents       []AgentEndpoint    `yaml:"agents"`
	FHIR         FHIRConfig         `yaml:"fhir"`
}

// ServerConfig configures the inbound HTTP gateway.
type ServerConfig struct {
	Addr           string `yaml:"addr"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	// RouterURL is where `medmesh ask --remote` reaches a running gateway.
	RouterURL string `yaml:"router_url"`
}

// LoggingConfig selects level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// TracingConfig toggles span export.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
	Pretty  bool `yaml:"pretty"`
}

// LLMConfig configures the reasoning backend.
type LLMConfig struct {
	Provider        string  `yaml:"provider"` // openai or anthropic
	BaseURL         string  `yaml:"base_url"`
	APIKey          string  `yaml:"api_key"`
	Model           string  `yaml:"model"`
	SpecialistModel string  `yaml:"specialist_model"`
	Temperature     float64 `yaml:"temperature"`
	MaxTokens       int64   `yaml:"max_tokens"`
}

// OrchestratorConfig bounds the reasoning loop and task coordinator.
type OrchestratorConfig struct {
	MaxTurns    int           `yaml:"max_turns"`
	ChatTimeout time.Duration `yaml:"chat_timeout"`
	// DelegationTimeout bounds one delegated task and must stay below
	// ChatTimeout. Zero derives it from ChatTimeout.
	DelegationTimeout time.Duration `yaml:"delegation_timeout"`
	ToolTimeout       time.Duration `yaml:"tool_timeout"`
	MaxConcurrent     int           `yaml:"max_concurrent"`
}

// DelegationBudget returns DelegationTimeout, or three quarters of
// ChatTimeout when it is unset.
func (o OrchestratorConfig) DelegationBudget() time.Duration {
	if o.DelegationTimeout > 0 {
		return o.DelegationTimeout
	}
	return o.ChatTimeout * 3 / 4
}

// RegistryConfig tunes capability card caching and the circuit breaker.
type RegistryConfig struct {
	TTL              time.Duration `yaml:"ttl"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// AgentEndpoint statically declares a specialist agent.
type AgentEndpoint struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`
}

// FHIRConfig points the fhir_search tool at a FHIR server. An empty BaseURL
// makes the tool serve mock bundles.
type FHIRConfig struct {
	BaseURL string `yaml:"base_url"`
	// RESTBaseURL is the OpenMRS REST root used for appointments. Empty
	// derives it from BaseURL.
	RESTBaseURL string        `yaml:"rest_base_url"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	Timeout     time.Duration `yaml:"timeout"`
}

// RESTURL returns RESTBaseURL, or BaseURL with the FHIR path swapped for the
// OpenMRS REST path.
func (f FHIRConfig) RESTURL() string {
	if f.RESTBaseURL != "" {
		return f.RESTBaseURL
	}
	return strings.Replace(f.BaseURL, "/ws/fhir2/R4", "/ws/rest/v1", 1)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Addr: ":9100", MetricsEnabled: true, RouterURL: "http://localhost:9100"},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		LLM: LLMConfig{
			Provider:    "openai",
			BaseURL:     "http://localhost:1234/v1",
			Model:       "llama-3-8b-instruct",
			Temperature: 0.3,
			MaxTokens:   2048,
		},
		Orchestrator: OrchestratorConfig{
			MaxTurns:      8,
			ChatTimeout:   120 * time.Second,
			ToolTimeout:   15 * time.Second,
			MaxConcurrent: 10,
		},
		Registry: RegistryConfig{
			TTL:              5 * time.Minute,
			FetchTimeout:     5 * time.Second,
			FailureThreshold: 3,
			Cooldown:         30 * time.Second,
		},
		Agents: []AgentEndpoint{
			{ID: "medgemma", URL: "http://localhost:9101"},
			{ID: "clinical", URL: "http://localhost:9102"},
			{ID: "administrative", URL: "http://localhost:9103"},
		},
		FHIR: FHIRConfig{Timeout: 10 * time.Second},
	}
}

// Load reads the YAML file at path (if non-empty) over the defaults, then
// applies environment overrides. ${VAR} and ${VAR:-default} references in the
// file are expanded before parsing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal([]byte(ExpandEnvVars(string(raw))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Agent returns the endpoint with the given ID.
func (c *Config) Agent(id string) (AgentEndpoint, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentEndpoint{}, false
}

// AgentURLs maps agent IDs to base URLs.
func (c *Config) AgentURLs() map[string]string {
	out := make(map[string]string, len(c.Agents))
	for _, a := range c.Agents {
		out[a.ID] = a.URL
	}
	return out
}

// SetAgent adds or replaces an endpoint.
func (c *Config) SetAgent(id, url string) {
	for i := range c.Agents {
		if c.Agents[i].ID == id {
			c.Agents[i].URL = url
			return
		}
	}
	c.Agents = append(c.Agents, AgentEndpoint{ID: id, URL: url})
}

// Validate checks the configuration for values the runtime cannot work with.
func (c *Config) Validate() error {
	var errs []error
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("llm.provider must be openai or anthropic, got %q", c.LLM.Provider))
	}
	if c.Orchestrator.MaxTurns <= 0 {
		errs = append(errs, errors.New("orchestrator.max_turns must be positive"))
	}
	if c.Orchestrator.ChatTimeout <= 0 {
		errs = append(errs, errors.New("orchestrator.chat_timeout must be positive"))
	}
	if d := c.Orchestrator.DelegationTimeout; d < 0 || (d > 0 && d >= c.Orchestrator.ChatTimeout) {
		errs = append(errs, errors.New("orchestrator.delegation_timeout must be below orchestrator.chat_timeout"))
	}
	if c.Registry.TTL <= 0 || c.Registry.FetchTimeout <= 0 {
		errs = append(errs, errors.New("registry.ttl and registry.fetch_timeout must be positive"))
	}
	if c.Registry.FailureThreshold <= 0 {
		errs = append(errs, errors.New("registry.failure_threshold must be positive"))
	}
	seen := map[string]bool{}
	for _, a := range c.Agents {
		switch {
		case a.ID == "":
			errs = append(errs, errors.New("agents: id is required"))
		case seen[a.ID]:
			errs = append(errs, fmt.Errorf("agents: duplicate id %q", a.ID))
		case !strings.HasPrefix(a.URL, "http://") && !strings.HasPrefix(a.URL, "https://"):
			errs = append(errs, fmt.Errorf("agents: %s has invalid url %q", a.ID, a.URL))
		}
		seen[a.ID] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
