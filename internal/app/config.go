package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openconvo/convo-backend/internal/pkg/envutil"
	"github.com/openconvo/convo-backend/internal/pkg/logger"
)

type Config struct {
	JWTSecretKey string
	MasterKeyB64 string
	SystemPrompt string

	// Provider routing: model prefix -> provider name.
	ModelBindings    map[string]string
	FallbackProvider string
	ProviderCap      int64

	RelayCeiling           int
	RelayInactivityTimeout time.Duration

	GenInactivityTimeout time.Duration
	GenTotalTimeout      time.Duration
	GenConnectRetries    int
	ContextBudget        int
	MaxOutputTokens      int

	SchedulerTimeout time.Duration

	UseRedisBus bool
}

// fileConfig mirrors the optional CONFIG_FILE yaml overlay. Env always
// wins for secrets; the file covers the structured parts env handles
// poorly, like model bindings.
type fileConfig struct {
	ModelBindings    map[string]string `yaml:"model_bindings"`
	FallbackProvider string            `yaml:"fallback_provider"`
	SystemPrompt     string            `yaml:"system_prompt"`
	ProviderCap      int64             `yaml:"provider_cap"`
	RelayCeiling     int               `yaml:"relay_ceiling"`
	ContextBudget    int               `yaml:"context_budget"`
	MaxOutputTokens  int               `yaml:"max_output_tokens"`
}

func LoadConfig(log *logger.Logger) (Config, error) {
	cfg := Config{
		JWTSecretKey:     envutil.GetEnv("JWT_SECRET_KEY", "defaultsecret", log),
		MasterKeyB64:     strings.TrimSpace(os.Getenv("MASTER_KEY")),
		SystemPrompt:     envutil.GetEnv("SYSTEM_PROMPT", "", log),
		ModelBindings:    map[string]string{},
		FallbackProvider: envutil.GetEnv("FALLBACK_PROVIDER", "openai", log),
		ProviderCap:      int64(envutil.GetEnvAsInt("PROVIDER_MAX_INFLIGHT", 4, log)),

		RelayCeiling:           envutil.GetEnvAsInt("RELAY_CEILING", 128, log),
		RelayInactivityTimeout: secondsEnv("RELAY_INACTIVITY_SECONDS", 30, log),

		GenInactivityTimeout: secondsEnv("GEN_INACTIVITY_SECONDS", 45, log),
		GenTotalTimeout:      secondsEnv("GEN_TOTAL_SECONDS", 180, log),
		GenConnectRetries:    envutil.GetEnvAsInt("GEN_CONNECT_RETRIES", 2, log),
		ContextBudget:        envutil.GetEnvAsInt("CONTEXT_BUDGET_TOKENS", 6000, log),
		MaxOutputTokens:      envutil.GetEnvAsInt("MAX_OUTPUT_TOKENS", 0, log),

		SchedulerTimeout: secondsEnv("SCHEDULER_TIMEOUT_SECONDS", 60, log),

		UseRedisBus: envutil.GetEnvAsBool("USE_REDIS_BUS", false, log),
	}

	// Ollama-served models route locally out of the box.
	cfg.ModelBindings["llama"] = "ollama"
	cfg.ModelBindings["mistral"] = "ollama"
	cfg.ModelBindings["gpt"] = "openai"

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
		for prefix, providerName := range fc.ModelBindings {
			cfg.ModelBindings[prefix] = providerName
		}
		if fc.FallbackProvider != "" {
			cfg.FallbackProvider = fc.FallbackProvider
		}
		if fc.SystemPrompt != "" {
			cfg.SystemPrompt = fc.SystemPrompt
		}
		if fc.ProviderCap > 0 {
			cfg.ProviderCap = fc.ProviderCap
		}
		if fc.RelayCeiling > 0 {
			cfg.RelayCeiling = fc.RelayCeiling
		}
		if fc.ContextBudget > 0 {
			cfg.ContextBudget = fc.ContextBudget
		}
		if fc.MaxOutputTokens > 0 {
			cfg.MaxOutputTokens = fc.MaxOutputTokens
		}
	}

	return cfg, nil
}

func secondsEnv(key string, fallback int, log *logger.Logger) time.Duration {
	return time.Duration(envutil.GetEnvAsInt(key, fallback, log)) * time.Second
}
