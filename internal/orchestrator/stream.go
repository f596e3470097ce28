package orchestrator

import (
	"context"
	"time"

	"github.com/synod-ai/synod/internal/council"
	"github.com/synod-ai/synod/pkg/types"
)

const (
	// defaultStreamBuffer absorbs bursts so producers are not lockstepped
	// to the consumer.
	defaultStreamBuffer = 16

	// defaultStreamTimeout bounds a blocked send under backpressure.
	defaultStreamTimeout = 5 * time.Second
)

// StreamConfig shapes chunked delivery on [Orchestrator.CoordinateStream].
type StreamConfig struct {
	// ChunkSize re-slices forwarded text into pieces of at most this many
	// runes. Zero forwards fragments as the backend produced them.
	ChunkSize int

	// BufferSize is the event channel capacity.
	BufferSize int

	// Backpressure blocks the producer when the consumer lags. When off,
	// lagging text chunks are dropped instead; audit and terminal events
	// are never dropped.
	Backpressure bool

	// Timeout bounds how long a blocked send waits before the stream is
	// considered abandoned. Zero waits on the request context alone.
	Timeout time.Duration
}

func defaultStreamConfig() StreamConfig {
	return StreamConfig{
		BufferSize: defaultStreamBuffer,
		Timeout:    defaultStreamTimeout,
	}
}

// CoordinateStream runs the same pipeline as [Orchestrator.Coordinate] but
// yields progress on a channel: draft text as chunk events, audit steps as
// they finalize, and one complete event carrying the final response or
// error. The channel closes after the terminal event; callers must drain
// it.
//
// Streamed chunks reflect the draft as generated. When an audit pass
// rewrites or withholds the content, the corrected version arrives only on
// the complete event's response.
func (o *Orchestrator) CoordinateStream(ctx context.Context, req types.Request) <-chan council.Event {
	size := o.stream.BufferSize
	if size < 1 {
		size = 1
	}
	out := make(chan council.Event, size)

	o.met.ActiveStreams.Add(ctx, 1)
	go func() {
		defer close(out)
		defer o.met.ActiveStreams.Add(context.WithoutCancel(ctx), -1)

		ck := &chunker{size: o.stream.ChunkSize}
		alive := true
		emit := func(ev council.Event) bool {
			if !alive {
				return false
			}
			if ev.Kind == council.KindChunk {
				for _, piece := range ck.add(ev.Text) {
					if !o.send(ctx, out, council.Event{Kind: council.KindChunk, Text: piece}, true) {
						alive = false
						return false
					}
				}
				return true
			}
			// Pending text precedes any step marker so order reflects
			// causality.
			for _, piece := range ck.flush() {
				if !o.send(ctx, out, council.Event{Kind: council.KindChunk, Text: piece}, true) {
					alive = false
					return false
				}
			}
			alive = o.send(ctx, out, ev, false)
			return alive
		}

		resp, err := o.coordinate(ctx, req, emit)
		if alive {
			for _, piece := range ck.flush() {
				if !o.send(ctx, out, council.Event{Kind: council.KindChunk, Text: piece}, true) {
					break
				}
			}
		}

		// The terminal event is delivered unconditionally so a cancelled
		// context cannot swallow the finalized trail. The channel buffer
		// covers it even when the consumer has stopped selecting on ctx.
		out <- council.Event{Kind: council.KindComplete, Response: resp, Err: err}
	}()

	return out
}

// send delivers one event under the stream policy. Droppable events may be
// discarded when backpressure is off and the consumer lags. The return
// reports whether the stream is still worth producing for.
func (o *Orchestrator) send(ctx context.Context, out chan<- council.Event, ev council.Event, droppable bool) bool {
	if droppable && !o.stream.Backpressure {
		select {
		case out <- ev:
		default:
		}
		return true
	}
	if o.stream.Timeout > 0 {
		t := time.NewTimer(o.stream.Timeout)
		defer t.Stop()
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		case <-t.C:
			return false
		}
	}
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// chunker re-slices a stream of text fragments into fixed-size rune
// chunks, carrying remainders across fragments.
type chunker struct {
	size int
	buf  []rune
}

// add absorbs a fragment and returns the complete chunks now available.
// With no size configured the fragment passes through untouched.
func (c *chunker) add(fragment string) []string {
	if c.size <= 0 {
		if fragment == "" {
			return nil
		}
		return []string{fragment}
	}
	c.buf = append(c.buf, []rune(fragment)...)
	var out []string
	for len(c.buf) >= c.size {
		out = append(out, string(c.buf[:c.size]))
		c.buf = c.buf[c.size:]
	}
	return out
}

// flush returns the buffered remainder as one final short chunk.
func (c *chunker) flush() []string {
	if len(c.buf) == 0 {
		return nil
	}
	out := []string{string(c.buf)}
	c.buf = nil
	return out
}
