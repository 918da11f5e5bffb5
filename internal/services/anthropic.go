package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/OmChillure/memochat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Anthropic provides an interface to the Anthropic API for large language model interactions. It implements
// the Provider interface and handles streaming chat completions using Claude models.
type Anthropic struct {
	apiKey    string
	endpoint  string
	maxTokens int

	client *http.Client

	logger *slog.Logger
}

type anthropicChatRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicContentBlock struct {
	Type   string                `json:"type"`
	Text   string                `json:"text,omitempty"`
	Source *anthropicBlockSource `json:"source,omitempty"`
}

type anthropicBlockSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicStreamResponse struct {
	Type  string `json:"type"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const (
	anthropicAPIEndpoint = "https://api.anthropic.com/v1"
)

// NewAnthropic creates a new Anthropic instance with the specified API key and maximum token limit. An
// empty endpoint selects the public API.
func NewAnthropic(apiKey, endpoint string, maxTokens int, logger *slog.Logger) Anthropic {
	if endpoint == "" {
		endpoint = anthropicAPIEndpoint
	}
	return Anthropic{
		apiKey:    apiKey,
		endpoint:  strings.TrimSuffix(endpoint, "/"),
		maxTokens: maxTokens,
		client:    &http.Client{},
		logger:    logger.With(slog.String("module", "anthropic")),
	}
}

func anthropicMessages(messages []models.Message) (string, []anthropicMessage) {
	var system []string
	msgs := make([]anthropicMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			system = append(system, msg.Text())
			continue
		}

		am := anthropicMessage{Role: string(msg.Role)}
		if len(msg.Parts) == 0 {
			am.Content = []anthropicContentBlock{{Type: "text", Text: msg.Content}}
			msgs = append(msgs, am)
			continue
		}

		for _, p := range msg.Parts {
			switch {
			case p.Type == models.PartTypeText:
				am.Content = append(am.Content, anthropicContentBlock{Type: "text", Text: p.Text})
			case strings.HasPrefix(p.MediaType, "image/"):
				am.Content = append(am.Content, anthropicContentBlock{
					Type:   "image",
					Source: &anthropicBlockSource{Type: "base64", MediaType: p.MediaType, Data: base64.StdEncoding.EncodeToString(p.Data)},
				})
			case p.MediaType == "application/pdf":
				am.Content = append(am.Content, anthropicContentBlock{
					Type:   "document",
					Source: &anthropicBlockSource{Type: "base64", MediaType: p.MediaType, Data: base64.StdEncoding.EncodeToString(p.Data)},
				})
			default:
				am.Content = append(am.Content, anthropicContentBlock{
					Type: "text",
					Text: fmt.Sprintf("[attached %s file omitted]", p.MediaType),
				})
			}
		}
		msgs = append(msgs, am)
	}
	return strings.Join(system, "\n\n"), msgs
}

// Chat streams responses from the Anthropic API for a given sequence of messages. System messages are sent
// as the request's system prompt. A non-200 response is yielded as *models.UpstreamError carrying the status
// code so rate limits can be recognized.
func (a Anthropic) Chat(ctx context.Context, model string, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		system, msgs := anthropicMessages(messages)

		reqBody := anthropicChatRequest{
			Model:     model,
			Messages:  msgs,
			Stream:    true,
			System:    system,
			MaxTokens: a.maxTokens,
		}

		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			yield("", fmt.Errorf("error marshaling request: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			a.endpoint+"/messages", bytes.NewBuffer(jsonBody))
		if err != nil {
			yield("", fmt.Errorf("error creating request: %w", err))
			return
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", a.apiKey)
		req.Header.Set("anthropic-version", "2023-06-01")

		a.logger.Debug("Request", slog.String("model", model), slog.Int("messages", len(msgs)))

		resp, err := a.client.Do(req)
		if err != nil {
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			yield("", statusError(model, resp))
			return
		}

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				yield("", fmt.Errorf("error reading response: %w", err))
				return
			}
			switch ev.Type {
			case "error":
				var e anthropicError
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					yield("", fmt.Errorf("error unmarshaling error: %w", err))
					return
				}
				code := 0
				if e.Error.Type == "rate_limit_error" {
					code = http.StatusTooManyRequests
				}
				yield("", &models.UpstreamError{
					Model:      model,
					StatusCode: code,
					Err:        fmt.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message),
				})
				return
			case "message_stop":
				return
			case "content_block_delta":
				var res anthropicStreamResponse
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					yield("", fmt.Errorf("error unmarshaling response: %w", err))
					return
				}
				if !yield(res.Delta.Text, nil) {
					return
				}
			default:
				continue
			}
		}
	}
}

// statusError converts an unsuccessful provider response into an UpstreamError, keeping a bounded excerpt
// of the body for the logs.
func statusError(model string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}
	return &models.UpstreamError{
		Model:      model,
		StatusCode: resp.StatusCode,
		Err:        errors.New(msg),
	}
}
