package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/tmaxmax/go-sse"
)

// Read decodes the events of an event-stream body. Lines split across reads are reassembled before
// decoding. The sequence ends when the body is exhausted; a payload that fails to decode yields a
// *DecodeError and ends the sequence, since it indicates protocol corruption.
func Read(r io.Reader) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for ev, err := range sse.Read(r, nil) {
			if err != nil {
				yield(Event{}, fmt.Errorf("error reading stream: %w", err))
				return
			}

			data := strings.TrimSpace(ev.Data)
			if data == "" {
				continue
			}

			e, err := decode(data, EventType(ev.Type))
			if err != nil {
				yield(Event{}, &DecodeError{Line: data, Err: err})
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

type payload struct {
	Type  EventType `json:"type"`
	Chunk *string   `json:"chunk"`
	Error *string   `json:"error"`
	Done  bool      `json:"done"`
}

// decode dispatches on the payload's type field. Payloads without one are classified by shape, with the
// SSE event name as the last resort.
func decode(data string, hint EventType) (Event, error) {
	var p payload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return Event{}, err
	}

	typ := p.Type
	if typ == "" {
		switch {
		case p.Error != nil:
			typ = EventError
		case p.Chunk != nil:
			typ = EventChunk
		case p.Done:
			typ = EventDone
		default:
			typ = hint
		}
	}

	switch typ {
	case EventChunk:
		if p.Chunk == nil {
			return Event{}, errors.New("chunk event without chunk")
		}
		return Chunk(*p.Chunk), nil
	case EventDone:
		return Done(), nil
	case EventError:
		if p.Error == nil {
			return Fail(""), nil
		}
		return Fail(*p.Error), nil
	}
	return Event{}, fmt.Errorf("unknown event type %q", typ)
}
