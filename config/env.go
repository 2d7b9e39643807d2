package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var (
	envVarPatterns = struct {
		withDefault *regexp.Regexp
		braced      *regexp.Regexp
	}{
		withDefault: regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`),
		braced:      regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`),
	}
)

// ExpandEnvVars replaces ${VAR} and ${VAR:-default} references with values
// from the environment.
func ExpandEnvVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}

	s = envVarPatterns.withDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.withDefault.FindStringSubmatch(match)
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		return parts[2]
	})

	return envVarPatterns.braced.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.braced.FindStringSubmatch(match)
		return os.Getenv(parts[1])
	})
}

// LoadEnvFiles loads .env.local and .env from the working directory when
// present. Variables already set in the process environment win.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// agentURLVars maps environment variables to the agent IDs they configure.
var agentURLVars = []struct{ env, id string }{
	{"A2A_MEDGEMMA_URL", "medgemma"},
	{"A2A_CLINICAL_URL", "clinical"},
	{"A2A_ADMIN_URL", "administrative"},
}

// ApplyEnv overrides fields from environment variables obtained via lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("HTTP_ADDR", &c.Server.Addr)
	str("A2A_ROUTER_URL", &c.Server.RouterURL)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("LLM_BASE_URL", &c.LLM.BaseURL)
	str("LLM_API_KEY", &c.LLM.APIKey)
	str("ORCHESTRATOR_PROVIDER", &c.LLM.Provider)
	str("GENERAL_MODEL", &c.LLM.Model)
	str("ORCHESTRATOR_MODEL", &c.LLM.Model)
	str("MED_MODEL", &c.LLM.SpecialistModel)
	str("OPENMRS_FHIR_BASE_URL", &c.FHIR.BaseURL)
	str("OPENMRS_REST_BASE_URL", &c.FHIR.RESTBaseURL)
	str("OPENMRS_USERNAME", &c.FHIR.Username)
	str("OPENMRS_PASSWORD", &c.FHIR.Password)

	for _, a := range agentURLVars {
		if v, ok := lookup(a.env); ok && v != "" {
			c.SetAgent(a.id, strings.TrimRight(v, "/"))
		}
	}

	if v, ok := lookup("LLM_TEMPERATURE"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("LLM_TEMPERATURE: %w", err)
		}
		c.LLM.Temperature = f
	}
	if err := seconds(lookup, "CHAT_TIMEOUT_SECONDS", &c.Orchestrator.ChatTimeout); err != nil {
		return err
	}
	if err := seconds(lookup, "DELEGATION_TIMEOUT_SECONDS", &c.Orchestrator.DelegationTimeout); err != nil {
		return err
	}
	if err := seconds(lookup, "AGENT_CARD_TTL_SECONDS", &c.Registry.TTL); err != nil {
		return err
	}
	if v, ok := lookup("MAX_REASONING_TURNS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_REASONING_TURNS: %w", err)
		}
		c.Orchestrator.MaxTurns = n
	}
	if v, ok := lookup("TRACING_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TRACING_ENABLED: %w", err)
		}
		c.Tracing.Enabled = b
	}
	return nil
}

func seconds(lookup func(string) (string, bool), key string, dst *time.Duration) error {
	v, ok := lookup(key)
	if !ok || v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = time.Duration(f * float64(time.Second))
	return nil
}
