package models_test

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/OmChillure/memochat/internal/models"
)

func TestDeriveTitle(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"Short", "Plan a trip to Lisbon", "Plan a trip to Lisbon"},
		{"Exactly fifty", strings.Repeat("a", 50), strings.Repeat("a", 50)},
		{"Truncated", strings.Repeat("b", 60), strings.Repeat("b", 50) + "…"},
		{"Multibyte", strings.Repeat("é", 51), strings.Repeat("é", 50) + "…"},
		{"Blank", "   \n\t", models.DefaultTitle},
		{"Empty", "", models.DefaultTitle},
		{"Leading whitespace cut", strings.Repeat(" ", 50) + "x", models.DefaultTitle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := models.DeriveTitle(tt.content); got != tt.want {
				t.Errorf("DeriveTitle() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsRateLimited(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"Nil", nil, false},
		{"Status 429", &models.UpstreamError{StatusCode: http.StatusTooManyRequests, Err: errors.New("slow down")}, true},
		{"Wrapped 429", fmt.Errorf("open: %w", &models.UpstreamError{StatusCode: http.StatusTooManyRequests}), true},
		{"Status 500", &models.UpstreamError{StatusCode: http.StatusInternalServerError, Err: errors.New("boom")}, false},
		{"Quota message", errors.New("You exceeded your current Quota"), true},
		{"Resource exhausted", errors.New("RESOURCE_EXHAUSTED: try later"), true},
		{"Rate limit message", errors.New("rate limit reached for requests"), true},
		{"Bare number", errors.New("request 4291 failed"), false},
		{"All models", fmt.Errorf("%w: tried a, b", models.ErrAllModelsRateLimited), true},
		{"Other", errors.New("connection refused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := models.IsRateLimited(tt.err); got != tt.want {
				t.Errorf("IsRateLimited(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestMessageText(t *testing.T) {
	tests := []struct {
		name string
		msg  models.Message
		want string
		bin  bool
	}{
		{
			name: "Content",
			msg:  models.Message{Content: "hello"},
			want: "hello",
		},
		{
			name: "Text parts",
			msg: models.Message{Parts: []models.Part{
				{Type: models.PartTypeText, Text: "a"},
				{Type: models.PartTypeText, Text: "b"},
			}},
			want: "a\n\nb",
		},
		{
			name: "Binary part",
			msg: models.Message{Content: "see", Parts: []models.Part{
				{Type: models.PartTypeFile, Data: []byte{1}, MediaType: "image/png"},
			}},
			want: "see",
			bin:  true,
		},
		{
			name: "Empty file part",
			msg: models.Message{Content: "see", Parts: []models.Part{
				{Type: models.PartTypeFile, MediaType: "image/png"},
			}},
			want: "see",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
			if got := len(tt.msg.FileParts()) > 0; got != tt.bin {
				t.Errorf("FileParts() = %v, want binary %v", tt.msg.FileParts(), tt.bin)
			}
		})
	}
}
