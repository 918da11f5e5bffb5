// Package stream implements the server-sent events protocol used to relay a model reply: the server side
// frames fragments as events, the client side decodes them back.
//
// Each event is a single line "data: <json>\n\n" whose JSON payload is one of
//
//	{"type":"chunk","chunk":"..."}
//	{"type":"done"}
//	{"type":"error","error":"..."}
//
// Zero or more chunk events are followed by exactly one terminal event.
package stream

import "fmt"

// EventType is the discriminator of a stream event payload.
type EventType string

const (
	// EventChunk carries one text fragment.
	EventChunk EventType = "chunk"
	// EventDone terminates a successful stream.
	EventDone EventType = "done"
	// EventError terminates a failed stream.
	EventError EventType = "error"
)

// Event is the decoded unit of the wire protocol.
type Event struct {
	Type  EventType `json:"type"`
	Chunk string    `json:"chunk,omitempty"`
	Error string    `json:"error,omitempty"`
}

// Chunk returns a chunk event carrying text.
func Chunk(text string) Event {
	return Event{Type: EventChunk, Chunk: text}
}

// Done returns the successful terminal event.
func Done() Event {
	return Event{Type: EventDone}
}

// Fail returns the failed terminal event carrying msg.
func Fail(msg string) Event {
	return Event{Type: EventError, Error: msg}
}

// Terminal reports whether e ends the stream.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// DecodeError is returned by Read when a data line is not a valid event payload. The stream is considered
// corrupted and reading stops.
type DecodeError struct {
	Line string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed stream event %q: %v", e.Line, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
