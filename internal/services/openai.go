package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"

	"github.com/OmChillure/memochat/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI provides an implementation of the Provider interface for OpenAI-compatible chat completion APIs.
// OpenRouter is served by the same implementation through its base URL.
type OpenAI struct {
	params LLMParameters

	client *goopenai.Client

	logger *slog.Logger
}

// LLMParameters are optional sampling parameters forwarded with every request.
type LLMParameters struct {
	Temperature *float32 `yaml:"temperature"`
	TopP        *float32 `yaml:"topP"`
	MaxTokens   *int     `yaml:"maxTokens"`
	Stop        []string `yaml:"stop"`
	Seed        *int     `yaml:"seed"`
}

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// NewOpenAI creates a new OpenAI instance with the specified API key. An empty baseURL selects the OpenAI
// API.
func NewOpenAI(apiKey, baseURL string, params LLMParameters, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return OpenAI{
		params: params,
		client: goopenai.NewClientWithConfig(cfg),
		logger: logger.With(slog.String("module", "openai")),
	}
}

// NewOpenRouter creates an OpenAI-compatible provider pointed at OpenRouter.
func NewOpenRouter(apiKey string, params LLMParameters, logger *slog.Logger) OpenAI {
	o := NewOpenAI(apiKey, openRouterBaseURL, params, logger)
	o.logger = logger.With(slog.String("module", "openrouter"))
	return o
}

func openAIMessages(messages []models.Message) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		if len(msg.Parts) == 0 {
			msgs = append(msgs, goopenai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
			continue
		}

		parts := make([]goopenai.ChatMessagePart, 0, len(msg.Parts))
		for _, p := range msg.Parts {
			switch {
			case p.Type == models.PartTypeText:
				parts = append(parts, goopenai.ChatMessagePart{
					Type: goopenai.ChatMessagePartTypeText,
					Text: p.Text,
				})
			case strings.HasPrefix(p.MediaType, "image/"):
				parts = append(parts, goopenai.ChatMessagePart{
					Type: goopenai.ChatMessagePartTypeImageURL,
					ImageURL: &goopenai.ChatMessageImageURL{
						URL:    "data:" + p.MediaType + ";base64," + base64.StdEncoding.EncodeToString(p.Data),
						Detail: goopenai.ImageURLDetailAuto,
					},
				})
			default:
				parts = append(parts, goopenai.ChatMessagePart{
					Type: goopenai.ChatMessagePartTypeText,
					Text: fmt.Sprintf("[attached %s file omitted]", p.MediaType),
				})
			}
		}
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:         string(msg.Role),
			MultiContent: parts,
		})
	}
	return msgs
}

// Chat is a wrapper around the OpenAI streaming chat completion API.
func (o OpenAI) Chat(ctx context.Context, model string, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		req := o.chatRequest(model, openAIMessages(messages))

		reqJSON, err := json.Marshal(req)
		if err == nil {
			o.logger.Debug("Request", slog.String("req", truncateForLog(string(reqJSON))))
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			yield("", openAIError(model, err))
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				yield("", openAIError(model, err))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			if content := response.Choices[0].Delta.Content; content != "" {
				if !yield(content, nil) {
					return
				}
			}
		}
	}
}

// openAIError keeps the HTTP status reported by go-openai so rate limits survive the conversion.
func openAIError(model string, err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return &models.UpstreamError{Model: model, StatusCode: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return &models.UpstreamError{Model: model, StatusCode: reqErr.HTTPStatusCode, Err: err}
	}
	return fmt.Errorf("error receiving response: %w", err)
}

func (o OpenAI) chatRequest(model string, messages []goopenai.ChatCompletionMessage) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}

	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}
	if o.params.MaxTokens != nil {
		req.MaxTokens = *o.params.MaxTokens
	}
	if o.params.Stop != nil {
		req.Stop = o.params.Stop
	}
	if o.params.Seed != nil {
		req.Seed = o.params.Seed
	}

	return req
}

func truncateForLog(s string) string {
	const limit = 2048
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
