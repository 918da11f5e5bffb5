package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/OmChillure/memochat/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama provides an implementation of the Provider interface for interacting with Ollama's language models.
// It manages connections to an Ollama server instance and handles streaming chat completions.
type Ollama struct {
	host string

	client *api.Client

	logger *slog.Logger
}

// NewOllama creates a new Ollama instance with the specified host URL. The host parameter should be a valid
// URL pointing to an Ollama server.
func NewOllama(host string, logger *slog.Logger) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return Ollama{
		host:   host,
		client: api.NewClient(u, &http.Client{}),
		logger: logger.With(slog.String("module", "ollama")),
	}, nil
}

func ollamaMessages(messages []models.Message) []api.Message {
	msgs := make([]api.Message, 0, len(messages))
	for _, msg := range messages {
		am := api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		if len(msg.Parts) > 0 {
			var texts []string
			for _, p := range msg.Parts {
				switch {
				case p.Type == models.PartTypeText:
					texts = append(texts, p.Text)
				case strings.HasPrefix(p.MediaType, "image/"):
					am.Images = append(am.Images, api.ImageData(p.Data))
				default:
					texts = append(texts, fmt.Sprintf("[attached %s file omitted]", p.MediaType))
				}
			}
			am.Content = strings.Join(texts, "\n\n")
		}
		msgs = append(msgs, am)
	}
	return msgs
}

// Chat implements the Provider interface by streaming responses from the Ollama model. The response is
// streamed incrementally; stopping the iteration cancels the underlying request.
func (o Ollama) Chat(ctx context.Context, model string, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		t := true
		req := api.ChatRequest{
			Model:    model,
			Messages: ollamaMessages(messages),
			Stream:   &t,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if stopped {
				return nil
			}
			if !yield(res.Message.Content, nil) {
				stopped = true
				cancel()
			}
			return nil
		}); err != nil {
			if stopped && errors.Is(err, context.Canceled) {
				return
			}
			var se api.StatusError
			if errors.As(err, &se) {
				yield("", &models.UpstreamError{Model: model, StatusCode: se.StatusCode, Err: err})
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
		}
	}
}
