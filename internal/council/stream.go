package council

import (
	"context"

	"github.com/synod-ai/synod/pkg/types"
)

// streamBuffer absorbs draft chunks so the generator is not lockstepped to
// the consumer.
const streamBuffer = 16

// Kind discriminates events on a council stream.
type Kind string

const (
	// KindChunk carries incremental draft text.
	KindChunk Kind = "chunk"

	// KindAudit carries an audit step as it finalizes.
	KindAudit Kind = "audit"

	// KindComplete is the terminal event carrying the final response or
	// the error that ended the flow. The channel closes after it.
	KindComplete Kind = "complete"
)

// Event is one message on a council stream.
type Event struct {
	Kind Kind

	// Text is the draft fragment for KindChunk.
	Text string

	// Step is the finalized audit step for KindAudit.
	Step *types.AuditStep

	// Response is the final response for KindComplete. Non-nil on
	// cancellation too, carrying the preserved partial trail.
	Response *types.CoordinatedResponse

	// Err is set on KindComplete when the flow failed.
	Err error
}

// CoordinateStream runs the same flow as [Council.Coordinate] but yields
// progress on a channel: the draft streams as chunk events, audit steps
// surface as they finalize, and one complete event ends the stream.
//
// When a refinement pass rewrites the draft, the streamed chunks reflect
// the original draft; the corrected content arrives on the complete
// event's response. The channel closes after the terminal event; callers
// must drain it.
func (c *Council) CoordinateStream(ctx context.Context, task Task) <-chan Event {
	events := make(chan Event, streamBuffer)

	send := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(events)

		resp, err := c.coordinate(ctx, task,
			func(text string) bool {
				return send(Event{Kind: KindChunk, Text: text})
			},
			func(step types.AuditStep) {
				send(Event{Kind: KindAudit, Step: &step})
			},
		)

		// The terminal event is delivered unconditionally so a cancelled
		// context cannot swallow the finalized trail. The channel buffer
		// covers it even when the consumer has stopped selecting on ctx.
		events <- Event{Kind: KindComplete, Response: resp, Err: err}
	}()

	return events
}
