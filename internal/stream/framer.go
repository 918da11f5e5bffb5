package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tmaxmax/go-sse"
)

// Outcome describes how a relayed stream ended.
type Outcome string

const (
	// OutcomeDone means the fragments were exhausted and a done event was written.
	OutcomeDone Outcome = "done"
	// OutcomeError means the fragment source failed and an error event was written.
	OutcomeError Outcome = "error"
	// OutcomeDisconnected means the client went away before the terminal event could be written.
	OutcomeDisconnected Outcome = "disconnected"
)

// Result summarizes a relayed stream.
type Result struct {
	Outcome   Outcome
	Fragments int
	Text      string
	// Err is the source error for OutcomeError or the write error for OutcomeDisconnected.
	Err error
}

// Framer writes a fragment sequence to an HTTP response as server-sent events.
type Framer struct {
	publicError func(error) string
	onChunk     func()

	logger *slog.Logger
}

// FramerOption configures a Framer.
type FramerOption func(*Framer)

// WithPublicError sets the function that converts a source error into the message carried by the error
// event. The default writes err.Error().
func WithPublicError(fn func(error) string) FramerOption {
	return func(f *Framer) {
		f.publicError = fn
	}
}

// WithChunkHook registers fn to be called after every chunk event is written.
func WithChunkHook(fn func()) FramerOption {
	return func(f *Framer) {
		f.onChunk = fn
	}
}

// NewFramer creates a Framer logging through logger.
func NewFramer(logger *slog.Logger, opts ...FramerOption) Framer {
	f := Framer{
		publicError: func(err error) string { return err.Error() },
		onChunk:     func() {},
		logger:      logger.With(slog.String("module", "framer")),
	}
	for _, opt := range opts {
		opt(&f)
	}
	return f
}

// SetHeaders writes the event-stream headers. Intermediaries must neither cache, transform nor buffer the
// response.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform, must-revalidate")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Relay writes every non-blank fragment as a chunk event, flushing after each one, then exactly one
// terminal event. Iteration stops as soon as a write fails; write failures are reported in the Result and
// never propagated as panics.
func (f Framer) Relay(w http.ResponseWriter, fragments iter.Seq2[string, error]) (res Result) {
	SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	var sb strings.Builder

	defer func() {
		res.Text = sb.String()
		r := recover()
		if r == nil {
			return
		}
		err := fmt.Errorf("fragment source panicked: %v", r)
		f.logger.Error("Recovered from panic while relaying", slog.String(errLoggerKey, err.Error()))
		res.Outcome = OutcomeError
		res.Err = err
		if werr := f.write(w, rc, Fail(f.publicError(err))); werr != nil {
			res.Outcome = OutcomeDisconnected
		}
	}()

	for fragment, err := range fragments {
		if err != nil {
			f.logger.Error("Fragment source failed", slog.String(errLoggerKey, err.Error()))
			if werr := f.write(w, rc, Fail(f.publicError(err))); werr != nil {
				return Result{Outcome: OutcomeDisconnected, Fragments: res.Fragments, Err: werr}
			}
			return Result{Outcome: OutcomeError, Fragments: res.Fragments, Err: err}
		}

		if strings.TrimSpace(fragment) == "" {
			continue
		}

		if werr := f.write(w, rc, Chunk(fragment)); werr != nil {
			f.logger.Warn("Client went away while streaming", slog.String(errLoggerKey, werr.Error()))
			return Result{Outcome: OutcomeDisconnected, Fragments: res.Fragments, Err: werr}
		}
		sb.WriteString(fragment)
		res.Fragments++
		f.onChunk()
	}

	if werr := f.write(w, rc, Done()); werr != nil {
		return Result{Outcome: OutcomeDisconnected, Fragments: res.Fragments, Err: werr}
	}
	return Result{Outcome: OutcomeDone, Fragments: res.Fragments}
}

func (f Framer) write(w http.ResponseWriter, rc *http.ResponseController, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sse.Message{}
	msg.AppendData(string(payload))
	if _, err := msg.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("failed to flush event: %w", err)
	}
	return nil
}

const errLoggerKey = "error"
