package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/OmChillure/memochat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Gemini provides an implementation of the Provider interface for Google's Gemini models through the
// streamGenerateContent endpoint in SSE mode.
type Gemini struct {
	apiKey    string
	endpoint  string
	maxTokens int

	client *http.Client

	logger *slog.Logger
}

type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopK            int     `json:"topK"`
	TopP            float64 `json:"topP"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type geminiStreamResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *geminiError `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

const (
	geminiAPIEndpoint = "https://generativelanguage.googleapis.com/v1beta"
)

// NewGemini creates a new Gemini instance. An empty endpoint selects the public API, a zero maxTokens selects
// 2048 output tokens.
func NewGemini(apiKey, endpoint string, maxTokens int, logger *slog.Logger) Gemini {
	if endpoint == "" {
		endpoint = geminiAPIEndpoint
	}
	if maxTokens == 0 {
		maxTokens = 2048
	}
	return Gemini{
		apiKey:    apiKey,
		endpoint:  strings.TrimSuffix(endpoint, "/"),
		maxTokens: maxTokens,
		client:    &http.Client{},
		logger:    logger.With(slog.String("module", "gemini")),
	}
}

func geminiContents(messages []models.Message) (*geminiContent, []geminiContent) {
	var system *geminiContent
	contents := make([]geminiContent, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			if system == nil {
				system = &geminiContent{}
			}
			system.Parts = append(system.Parts, geminiPart{Text: msg.Text()})
			continue
		}

		role := "user"
		if msg.Role == models.RoleAssistant {
			role = "model"
		}
		gc := geminiContent{Role: role}
		if len(msg.Parts) == 0 {
			gc.Parts = []geminiPart{{Text: msg.Content}}
		}
		for _, p := range msg.Parts {
			if p.Type == models.PartTypeText {
				gc.Parts = append(gc.Parts, geminiPart{Text: p.Text})
				continue
			}
			gc.Parts = append(gc.Parts, geminiPart{InlineData: &geminiInlineData{
				MimeType: p.MediaType,
				Data:     base64.StdEncoding.EncodeToString(p.Data),
			}})
		}
		contents = append(contents, gc)
	}
	return system, contents
}

// Chat streams the reply of model for messages. System messages become the system instruction.
func (g Gemini) Chat(ctx context.Context, model string, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		system, contents := geminiContents(messages)
		reqBody := geminiRequest{
			Contents:          contents,
			SystemInstruction: system,
			GenerationConfig: geminiGenerationConfig{
				Temperature:     0.7,
				TopK:            40,
				TopP:            0.95,
				MaxOutputTokens: g.maxTokens,
			},
		}

		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			yield("", fmt.Errorf("error marshaling request: %w", err))
			return
		}

		u := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", g.endpoint, url.PathEscape(model))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewBuffer(jsonBody))
		if err != nil {
			yield("", fmt.Errorf("error creating request: %w", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		// The key stays out of the URL, which transport errors echo into logs.
		req.Header.Set("x-goog-api-key", g.apiKey)

		g.logger.Debug("Request", slog.String("model", model), slog.Int("contents", len(contents)))

		resp, err := g.client.Do(req)
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

			var res geminiStreamResponse
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				yield("", fmt.Errorf("error unmarshaling response: %w", err))
				return
			}
			if res.Error != nil {
				yield("", &models.UpstreamError{
					Model:      model,
					StatusCode: res.Error.Code,
					Err:        fmt.Errorf("gemini error %s: %s", res.Error.Status, res.Error.Message),
				})
				return
			}

			for _, c := range res.Candidates {
				for _, p := range c.Content.Parts {
					if p.Text == "" {
						continue
					}
					if !yield(p.Text, nil) {
						return
					}
				}
			}
		}
	}
}
