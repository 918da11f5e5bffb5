package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/OmChillure/memochat/internal/models"
)

// Provider is an upstream model API. Chat streams the text fragments of the reply generated by model for
// messages; a failure to start the generation is yielded as the first item.
type Provider interface {
	Chat(ctx context.Context, model string, messages []models.Message) iter.Seq2[string, error]
}

// Chain wraps a Provider with message normalization and a fallback list of models tried when the
// requested model is rate limited.
type Chain struct {
	provider  Provider
	fallbacks []string

	onFallback func(from, to string)

	logger *slog.Logger
}

// Fragments is a pull-based stream of text fragments opened by Chain.Open. It is finite and can't be
// restarted; Close must be called once the caller is done with it.
type Fragments struct {
	model string

	first    string
	hasFirst bool
	next     func() (string, error, bool)
	stop     func()
	done     bool
}

// NewChain creates a Chain that falls back through fallbacks, in order, when a model is rate limited.
func NewChain(provider Provider, fallbacks []string, logger *slog.Logger) Chain {
	return Chain{
		provider:   provider,
		fallbacks:  fallbacks,
		onFallback: func(string, string) {},
		logger:     logger.With(slog.String("module", "chain")),
	}
}

// WithFallbackHook returns a copy of c that calls fn every time a rate-limited model is abandoned.
func (c Chain) WithFallbackHook(fn func(from, to string)) Chain {
	c.onFallback = fn
	return c
}

// Open normalizes messages and starts a generation with model. If the provider reports a rate limit
// before producing anything, each fallback model other than the requested one is tried once, in order,
// until one starts. Failures other than rate limits are returned immediately as *models.UpstreamError.
func (c Chain) Open(ctx context.Context, model string, messages []models.Message) (*Fragments, error) {
	msgs, err := Normalize(messages)
	if err != nil {
		return nil, err
	}

	candidates := []string{model}
	for _, fb := range c.fallbacks {
		if fb != model {
			candidates = append(candidates, fb)
		}
	}

	for i, candidate := range candidates {
		f, err := c.open(ctx, candidate, msgs)
		if err == nil {
			if i > 0 {
				c.logger.Info("Fell back to model",
					slog.String("requested", model),
					slog.String("model", candidate))
			}
			return f, nil
		}

		if !models.IsRateLimited(err) {
			return nil, upstreamError(candidate, err)
		}

		c.logger.Warn("Model is rate limited",
			slog.String("model", candidate),
			slog.String(errLoggerKey, err.Error()))
		if i+1 < len(candidates) {
			c.onFallback(candidate, candidates[i+1])
		}
	}

	return nil, fmt.Errorf("%w: tried %s", models.ErrAllModelsRateLimited, strings.Join(candidates, ", "))
}

func (c Chain) open(ctx context.Context, model string, msgs []models.Message) (*Fragments, error) {
	next, stop := iter.Pull2(c.provider.Chat(ctx, model, msgs))

	first, err, ok := next()
	if err != nil {
		stop()
		return nil, err
	}

	return &Fragments{
		model:    model,
		first:    first,
		hasFirst: ok,
		next:     next,
		stop:     stop,
		done:     !ok,
	}, nil
}

func upstreamError(model string, err error) error {
	var ue *models.UpstreamError
	if errors.As(err, &ue) {
		if ue.Model == "" {
			ue.Model = model
		}
		return ue
	}
	return &models.UpstreamError{Model: model, Err: err}
}

// Model returns the model that is actually generating the fragments.
func (f *Fragments) Model() string {
	return f.model
}

// Next returns the next fragment. ok is false once the stream is exhausted or has failed.
func (f *Fragments) Next() (fragment string, ok bool, err error) {
	if f.hasFirst {
		f.hasFirst = false
		return f.first, true, nil
	}
	if f.done {
		return "", false, nil
	}

	fragment, err, ok = f.next()
	if err != nil {
		f.done = true
		return "", false, upstreamError(f.model, err)
	}
	if !ok {
		f.done = true
		return "", false, nil
	}
	return fragment, true, nil
}

// Close releases the underlying provider stream. It is safe to call more than once.
func (f *Fragments) Close() {
	f.done = true
	f.hasFirst = false
	f.stop()
}

// All adapts the stream to a range-over-func sequence and closes it when iteration ends.
func (f *Fragments) All() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		defer f.Close()
		for {
			fragment, ok, err := f.Next()
			if err != nil {
				yield("", err)
				return
			}
			if !ok {
				return
			}
			if !yield(fragment, nil) {
				return
			}
		}
	}
}

// Normalize prepares messages for a provider: a message made only of text collapses to plain content, a
// message with any binary part keeps a structured list of parts led by its text, and a message left with
// no content is dropped. ErrEmptyConversation is returned when nothing remains.
func Normalize(messages []models.Message) ([]models.Message, error) {
	out := make([]models.Message, 0, len(messages))
	for _, msg := range messages {
		n := models.Message{
			ID:   msg.ID,
			Role: msg.Role,
		}

		text := msg.Text()
		files := msg.FileParts()

		if len(files) == 0 {
			if strings.TrimSpace(text) == "" {
				continue
			}
			n.Content = text
			out = append(out, n)
			continue
		}

		if strings.TrimSpace(text) != "" {
			n.Parts = append(n.Parts, models.Part{Type: models.PartTypeText, Text: text})
		}
		n.Parts = append(n.Parts, files...)
		out = append(out, n)
	}

	if len(out) == 0 {
		return nil, models.ErrEmptyConversation
	}
	return out, nil
}

const errLoggerKey = "error"
