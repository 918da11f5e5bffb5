package models

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrUnauthorized is returned when no caller identity could be resolved.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound is returned when a resource doesn't exist under the caller's ownership.
	ErrNotFound = errors.New("not found")
	// ErrEmptyConversation is returned when every message normalizes to empty content.
	ErrEmptyConversation = errors.New("conversation has no content")
	// ErrAllModelsRateLimited is returned when the requested model and every fallback are rate limited.
	ErrAllModelsRateLimited = errors.New("all models are rate limited")
)

// ValidationError reports a missing or malformed request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// UpstreamError wraps a failure returned by a model provider.
type UpstreamError struct {
	Model      string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream model %s failed with status %d: %v", e.Model, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream model %s failed: %v", e.Model, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// FileProcessingError reports a failure to fetch or convert a single attachment.
type FileProcessingError struct {
	Name string
	Err  error
}

func (e *FileProcessingError) Error() string {
	return fmt.Sprintf("failed to process file %s: %v", e.Name, e.Err)
}

func (e *FileProcessingError) Unwrap() error {
	return e.Err
}

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	HTTPStatus() int
}

// HTTPStatus implements StatusCoder.
func (e *UpstreamError) HTTPStatus() int {
	return e.StatusCode
}

var rateLimitMarkers = []string{
	"rate limit",
	"rate-limit",
	"ratelimit",
	"quota",
	"resource_exhausted",
	"too many requests",
}

// IsRateLimited reports whether err signals a rate limit: either an HTTP 429 carried by any error in the
// chain, or a message containing a quota or rate-limit marker.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAllModelsRateLimited) {
		return true
	}
	var sc StatusCoder
	if errors.As(err, &sc) && sc.HTTPStatus() == http.StatusTooManyRequests {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
