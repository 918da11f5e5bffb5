package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/OmChillure/memochat/internal/services"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	provider(logger *slog.Logger) (services.Provider, error)
	base() BaseLLMConfig
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	// FallbackModels are tried in order when Model is rate limited.
	FallbackModels []string `yaml:"fallbackModels"`
}

type config struct {
	Port      string          `yaml:"port"`
	PublicURL string          `yaml:"publicURL"`
	DBPath    string          `yaml:"dbPath"`
	LogLevel  string          `yaml:"logLevel"`
	JWTSecret string          `yaml:"jwtSecret"`
	RateLimit rateLimitConfig `yaml:"rateLimit"`
	Upload    uploadConfig    `yaml:"upload"`
	Context   contextConfig   `yaml:"context"`
	LLM       llmConfig       `yaml:"llm"`
}

type rateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type uploadConfig struct {
	MaxBytes int64 `yaml:"maxBytes"`
}

type contextConfig struct {
	MaxMessages int `yaml:"maxMessages"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string                 `yaml:"apiKey"`
	BaseURL       string                 `yaml:"baseURL"`
	Parameters    services.LLMParameters `yaml:"parameters"`
}

type openRouterConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string                 `yaml:"apiKey"`
	Parameters    services.LLMParameters `yaml:"parameters"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
	MaxTokens     int    `yaml:"maxTokens"`
}

type geminiConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
	MaxTokens     int    `yaml:"maxTokens"`
}

const (
	defaultPort           = "8080"
	defaultMaxUploadBytes = 20 << 20
	defaultOllamaHost     = "http://localhost:11434"
)

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port      string          `yaml:"port"`
		PublicURL string          `yaml:"publicURL"`
		DBPath    string          `yaml:"dbPath"`
		LogLevel  string          `yaml:"logLevel"`
		JWTSecret string          `yaml:"jwtSecret"`
		RateLimit rateLimitConfig `yaml:"rateLimit"`
		Upload    uploadConfig    `yaml:"upload"`
		Context   contextConfig   `yaml:"context"`
		LLM       map[string]any  `yaml:"llm"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.PublicURL = rawConfig.PublicURL
	c.DBPath = rawConfig.DBPath
	c.LogLevel = rawConfig.LogLevel
	c.JWTSecret = rawConfig.JWTSecret
	c.RateLimit = rawConfig.RateLimit
	c.Upload = rawConfig.Upload
	c.Context = rawConfig.Context

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
	case "openrouter":
		llm = &openRouterConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	case "gemini":
		llm = &geminiConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

// applyDefaults fills unset fields, taking secrets from the environment. dir is the directory holding the
// config file and the default database.
func (c *config) applyDefaults(dir string) {
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.PublicURL == "" {
		c.PublicURL = "http://localhost:" + c.Port
	}
	c.PublicURL = strings.TrimSuffix(c.PublicURL, "/")
	if c.DBPath == "" {
		c.DBPath = filepath.Join(dir, "store.db")
	}
	if c.JWTSecret == "" {
		c.JWTSecret = os.Getenv("MEMOCHAT_JWT_SECRET")
	}
	if c.Upload.MaxBytes <= 0 {
		c.Upload.MaxBytes = defaultMaxUploadBytes
	}
}

func (c config) validate() error {
	var errs []error
	if c.LLM == nil {
		errs = append(errs, errors.New("llm is required"))
	} else if c.LLM.base().Model == "" {
		errs = append(errs, errors.New("llm model is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("jwtSecret is required (or set MEMOCHAT_JWT_SECRET)"))
	}
	return errors.Join(errs...)
}

func (c config) logLevel() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid logLevel %q: %w", c.LogLevel, err)
	}
	return level, nil
}

func envOr(value, key string) string {
	if value != "" {
		return value
	}
	return os.Getenv(key)
}

func (o openAIConfig) base() BaseLLMConfig { return o.BaseLLMConfig }

func (o openAIConfig) provider(logger *slog.Logger) (services.Provider, error) {
	apiKey := envOr(o.APIKey, "OPENAI_API_KEY")
	if apiKey == "" && o.BaseURL == "" {
		return nil, fmt.Errorf("openai apiKey is required")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Parameters, logger), nil
}

func (o openRouterConfig) base() BaseLLMConfig { return o.BaseLLMConfig }

func (o openRouterConfig) provider(logger *slog.Logger) (services.Provider, error) {
	apiKey := envOr(o.APIKey, "OPENROUTER_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("openrouter apiKey is required")
	}
	return services.NewOpenRouter(apiKey, o.Parameters, logger), nil
}

func (o ollamaConfig) base() BaseLLMConfig { return o.BaseLLMConfig }

func (o ollamaConfig) provider(logger *slog.Logger) (services.Provider, error) {
	host := envOr(o.Host, "OLLAMA_HOST")
	if host == "" {
		host = defaultOllamaHost
	}
	ollama, err := services.NewOllama(host, logger)
	if err != nil {
		return nil, err
	}
	return ollama, nil
}

func (a anthropicConfig) base() BaseLLMConfig { return a.BaseLLMConfig }

func (a anthropicConfig) provider(logger *slog.Logger) (services.Provider, error) {
	if a.MaxTokens == 0 {
		return nil, fmt.Errorf("maxTokens is required")
	}
	apiKey := envOr(a.APIKey, "ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic apiKey is required")
	}
	return services.NewAnthropic(apiKey, a.BaseURL, a.MaxTokens, logger), nil
}

func (g geminiConfig) base() BaseLLMConfig { return g.BaseLLMConfig }

func (g geminiConfig) provider(logger *slog.Logger) (services.Provider, error) {
	apiKey := envOr(g.APIKey, "GEMINI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("gemini apiKey is required")
	}
	return services.NewGemini(apiKey, g.BaseURL, g.MaxTokens, logger), nil
}
