package raffel

import (
	"errors"
	"fmt"
)

// ErrStreamClosed is returned by Emitter.Send once the consumer is gone or
// the stream's context has been cancelled. Handlers should return when
// they receive it.
var ErrStreamClosed = errors.New("stream closed")

// DefaultStreamBuffer is the bounded-channel capacity between a stream
// producer and its adapter when neither the handler nor the router
// overrides it. A full buffer blocks the producer (backpressure).
const DefaultStreamBuffer = 16

// Emitter is a stream handler's outbound port. Each Send becomes one
// stream:data frame on the wire.
type Emitter interface {
	// Send delivers one value to the consumer, blocking while the frame
	// buffer is full. All failure modes satisfy
	// errors.Is(err, ErrStreamClosed).
	Send(value any) error
}

// streamState tracks the stream frame machine:
// start → streaming → {ended | errored | cancelled}; once terminal, no
// further frames are emitted.
type streamState int

const (
	streamStreaming streamState = iota
	streamEnded
	streamErrored
	streamCancelled
)

// frameEmitter delivers frames for one stream session over a bounded
// channel. It is not safe for concurrent Send from multiple goroutines;
// a stream handler is a single cooperative producer.
type frameEmitter struct {
	ctx    *Context
	origin *Envelope
	frames chan *Envelope
	state  streamState
}

func newFrameEmitter(ctx *Context, origin *Envelope, buffer int) *frameEmitter {
	if buffer <= 0 {
		buffer = DefaultStreamBuffer
	}
	return &frameEmitter{
		ctx:    ctx,
		origin: origin,
		frames: make(chan *Envelope, buffer),
	}
}

func (f *frameEmitter) Send(value any) error {
	if f.state != streamStreaming {
		return ErrStreamClosed
	}
	select {
	case <-f.ctx.Done():
		f.state = streamCancelled
		return fmt.Errorf("%w: %w", ErrStreamClosed, f.ctx.Err())
	default:
	}
	select {
	case f.frames <- f.origin.StreamDataFrame(value):
		return nil
	case <-f.ctx.Done():
		f.state = streamCancelled
		return fmt.Errorf("%w: %w", ErrStreamClosed, f.ctx.Err())
	}
}

// finish emits the single terminating frame and closes the channel.
// transform maps the handler error to a wire Error.
func (f *frameEmitter) finish(err error, transform func(error) *Error) {
	defer close(f.frames)

	// A handler that returns ErrStreamClosed after cancellation completed
	// cooperatively; that is a normal end, not a stream error.
	if err != nil && (errors.Is(err, ErrStreamClosed) && f.ctx.Cancelled()) {
		err = nil
	}

	var terminal *Envelope
	if err != nil {
		f.state = streamErrored
		terminal = f.origin.StreamErrorFrame(transform(err))
	} else {
		if f.ctx.Cancelled() {
			f.state = streamCancelled
		} else {
			f.state = streamEnded
		}
		terminal = f.origin.StreamEndFrame()
	}
	select {
	case f.frames <- terminal:
	case <-f.ctx.Done():
		// Consumer may already be gone; deliver the terminal frame if the
		// buffer has room, otherwise the adapter has stopped draining and
		// discards late results.
		select {
		case f.frames <- terminal:
		default:
		}
	}
}
