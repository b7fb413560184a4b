package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/OmChillure/aigen/internal/api"
	"github.com/OmChillure/aigen/internal/logging"
	"github.com/OmChillure/aigen/internal/services"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	llm(systemPrompt string, logger *slog.Logger) (api.LLM, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port         string   `yaml:"port"`
	SystemPrompt string   `yaml:"systemPrompt"`
	UpgradeURL   string   `yaml:"upgradeURL"`
	JWTSecret    string   `yaml:"jwtSecret"`
	FreeLimit    int      `yaml:"freeLimit"`
	ProUsers     []string `yaml:"proUsers"`

	Proxy     proxyConfig     `yaml:"proxy"`
	Page      pageConfig      `yaml:"page"`
	RateLimit rateLimitConfig `yaml:"rateLimit"`
	Usage     usageConfig     `yaml:"usage"`
	Log       logging.Config  `yaml:"log"`

	LLM llmConfig `yaml:"-"`
}

type proxyConfig struct {
	// BaseURL of the proxy the pages call. Empty means the proxy served by this process.
	BaseURL string        `yaml:"baseURL"`
	Timeout time.Duration `yaml:"timeout"`
	// Disabled skips mounting the built-in proxy, for deployments that point BaseURL elsewhere.
	Disabled bool `yaml:"disabled"`
}

type pageConfig struct {
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

type rateLimitConfig struct {
	PerSecond float64 `yaml:"perSecond"`
	Burst     int     `yaml:"burst"`
}

type usageConfig struct {
	Backend   string `yaml:"backend"`
	Path      string `yaml:"path"`
	RedisAddr string `yaml:"redisAddr"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string                 `yaml:"apiKey"`
	BaseURL       string                 `yaml:"baseURL"`
	Parameters    services.LLMParameters `yaml:"parameters"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	MaxTokens     int    `yaml:"maxTokens"`
}

const defaultSystemPrompt = "You are a helpful assistant."

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	type plain config
	if err := value.Decode((*plain)(c)); err != nil {
		return err
	}

	var rawConfig struct {
		LLM map[string]any `yaml:"llm"`
	}
	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "openai":
		llm = &openAIConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm
	return nil
}

// applyDefaults fills unset fields and pulls secrets from the environment.
func (c *config) applyDefaults() {
	if c.Port == "" {
		c.Port = "3000"
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaultSystemPrompt
	}
	if c.UpgradeURL == "" {
		c.UpgradeURL = "/dashboard"
	}
	if c.JWTSecret == "" {
		c.JWTSecret = os.Getenv("AIGEN_JWT_SECRET")
	}
	if c.FreeLimit <= 0 {
		c.FreeLimit = 5
	}
	if c.Proxy.BaseURL == "" {
		c.Proxy.BaseURL = "http://127.0.0.1:" + c.Port
	}
	if c.Proxy.Timeout <= 0 {
		c.Proxy.Timeout = 2 * time.Minute
	}
	if c.Page.IdleTimeout <= 0 {
		c.Page.IdleTimeout = 30 * time.Minute
	}
	if c.Page.SweepInterval <= 0 {
		c.Page.SweepInterval = time.Minute
	}
	if c.Usage.Backend == "" {
		c.Usage.Backend = "bolt"
	}
	if c.Usage.RedisAddr == "" {
		c.Usage.RedisAddr = os.Getenv("REDIS_ADDR")
	}
}

// loadConfig loads .env (if present) into the environment, then decodes the YAML file at path.
func loadConfig(path, envPath string) (config, error) {
	if err := godotenv.Load(envPath); err != nil {
		var pathErr *fs.PathError
		// A missing .env is fine; variables can be supplied externally.
		if !errors.As(err, &pathErr) {
			return config{}, fmt.Errorf("error loading env file: %w", err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	cfg := config{}
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

func (o openAIConfig) llm(systemPrompt string, logger *slog.Logger) (api.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, systemPrompt, o.Parameters, logger), nil
}

func (o ollamaConfig) llm(systemPrompt string, logger *slog.Logger) (api.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	ollama, err := services.NewOllama(host, o.Model, systemPrompt, logger)
	if err != nil {
		return nil, err
	}
	return ollama, nil
}

func (a anthropicConfig) llm(systemPrompt string, logger *slog.Logger) (api.LLM, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if a.MaxTokens == 0 {
		return nil, fmt.Errorf("max_tokens is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return services.NewAnthropic(apiKey, "", a.Model, systemPrompt, a.MaxTokens, logger), nil
}
