package main

import (
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestConfigUnmarshal(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		wantErr   string
		wantModel string
		check     func(t *testing.T, c config)
	}{
		{
			name: "OpenAI with fallbacks",
			yaml: `
port: "9000"
jwtSecret: s3cret
rateLimit: {rps: 2, burst: 4}
upload: {maxBytes: 1024}
context: {maxMessages: 12}
llm:
  provider: openai
  model: gpt-4o-mini
  apiKey: sk-test
  fallbackModels: [gpt-4o, gpt-3.5-turbo]
  parameters:
    temperature: 0.2
`,
			wantModel: "gpt-4o-mini",
			check: func(t *testing.T, c config) {
				o, ok := c.LLM.(*openAIConfig)
				if !ok {
					t.Fatalf("LLM = %T, want *openAIConfig", c.LLM)
				}
				if o.APIKey != "sk-test" || len(o.FallbackModels) != 2 || o.FallbackModels[1] != "gpt-3.5-turbo" {
					t.Errorf("openai config = %+v", o)
				}
				if o.Parameters.Temperature == nil || *o.Parameters.Temperature != 0.2 {
					t.Errorf("temperature = %v, want 0.2", o.Parameters.Temperature)
				}
				if c.RateLimit.RPS != 2 || c.RateLimit.Burst != 4 || c.Upload.MaxBytes != 1024 || c.Context.MaxMessages != 12 {
					t.Errorf("config = %+v", c)
				}
			},
		},
		{
			name:      "Ollama",
			yaml:      "llm:\n  provider: ollama\n  model: llama3\n  host: http://ollama:11434\n",
			wantModel: "llama3",
			check: func(t *testing.T, c config) {
				if o, ok := c.LLM.(*ollamaConfig); !ok || o.Host != "http://ollama:11434" {
					t.Errorf("LLM = %+v", c.LLM)
				}
			},
		},
		{
			name:      "Anthropic",
			yaml:      "llm:\n  provider: anthropic\n  model: claude-3-5-haiku-latest\n  maxTokens: 1024\n",
			wantModel: "claude-3-5-haiku-latest",
		},
		{
			name:      "Gemini",
			yaml:      "llm:\n  provider: gemini\n  model: gemini-2.0-flash\n",
			wantModel: "gemini-2.0-flash",
		},
		{
			name:      "OpenRouter",
			yaml:      "llm:\n  provider: openrouter\n  model: meta-llama/llama-3.3-70b-instruct:free\n",
			wantModel: "meta-llama/llama-3.3-70b-instruct:free",
		},
		{
			name:    "Missing provider",
			yaml:    "llm:\n  model: x\n",
			wantErr: "llm provider is required",
		},
		{
			name:    "Unknown provider",
			yaml:    "llm:\n  provider: mystery\n",
			wantErr: "unknown llm provider: mystery",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c config
			err := yaml.Unmarshal([]byte(tt.yaml), &c)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Unmarshal() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if got := c.LLM.base().Model; got != tt.wantModel {
				t.Errorf("Model = %q, want %q", got, tt.wantModel)
			}
			if tt.check != nil {
				tt.check(t, c)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Setenv("MEMOCHAT_JWT_SECRET", "from-env")

	var c config
	if err := yaml.Unmarshal([]byte("llm:\n  provider: ollama\n  model: llama3\n"), &c); err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	c.applyDefaults(dir)

	if c.Port != defaultPort || c.PublicURL != "http://localhost:"+defaultPort {
		t.Errorf("Port = %q, PublicURL = %q", c.Port, c.PublicURL)
	}
	if c.DBPath != filepath.Join(dir, "store.db") {
		t.Errorf("DBPath = %q", c.DBPath)
	}
	if c.JWTSecret != "from-env" {
		t.Errorf("JWTSecret = %q, want from-env", c.JWTSecret)
	}
	if c.Upload.MaxBytes != defaultMaxUploadBytes {
		t.Errorf("MaxBytes = %d, want %d", c.Upload.MaxBytes, defaultMaxUploadBytes)
	}
	if err := c.validate(); err != nil {
		t.Errorf("validate() error = %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Setenv("MEMOCHAT_JWT_SECRET", "")

	var c config
	if err := yaml.Unmarshal([]byte("llm:\n  provider: gemini\n"), &c); err != nil {
		t.Fatal(err)
	}
	c.applyDefaults(t.TempDir())

	err := c.validate()
	if err == nil {
		t.Fatal("validate() error = nil, want missing model and secret")
	}
	for _, want := range []string{"llm model is required", "jwtSecret is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("validate() error = %v, want to contain %q", err, want)
		}
	}
}

func TestProviderEnvFallback(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Setenv("GEMINI_API_KEY", "")
	if _, err := (geminiConfig{}).provider(logger); err == nil {
		t.Error("gemini provider without key should fail")
	}

	t.Setenv("GEMINI_API_KEY", "g-key")
	if _, err := (geminiConfig{}).provider(logger); err != nil {
		t.Errorf("gemini provider with env key error = %v", err)
	}

	if _, err := (anthropicConfig{APIKey: "k"}).provider(logger); err == nil {
		t.Error("anthropic provider without maxTokens should fail")
	}

	t.Setenv("OLLAMA_HOST", "")
	if _, err := (ollamaConfig{}).provider(logger); err != nil {
		t.Errorf("ollama provider with default host error = %v", err)
	}
}

func TestLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"WARN", slog.LevelWarn, false},
		{"loud", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := config{LogLevel: tt.in}.logLevel()
			if (err != nil) != tt.wantErr {
				t.Fatalf("logLevel() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("logLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
