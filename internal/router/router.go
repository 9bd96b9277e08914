// Package router implements the gateway client's packet router: it
// demultiplexes decrypted binary frames arriving from the gateway into an
// acknowledgement sink and a message sink, applying blocking (never-drop)
// backpressure on both so that a slow consumer stalls the router rather
// than silently losing a frame.
package router

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Frame is a decrypted, demultiplexed unit handed to one of the two sinks.
type Frame struct {
	Payload []byte
}

// FrameKind tells Dispatch which sink a frame belongs on.
type FrameKind int

const (
	KindMessage FrameKind = iota
	KindAck
)

// Classifier decides which sink a decrypted frame belongs on. Production
// code classifies by the sphinx acknowledgement marker; tests can supply a
// trivial classifier.
type Classifier func(payload []byte) FrameKind

// Router owns the two sink channels; frames reach them through Dispatch,
// which runs on the caller's goroutine.
type Router struct {
	classify Classifier

	messages chan Frame
	acks     chan Frame

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Router. Both sink channels are unbuffered: a send blocks
// until a consumer receives it, which is the "never-drop" backpressure
// spec §4.6 requires instead of a bounded queue that can overflow.
func New(classify Classifier) *Router {
	return &Router{
		classify: classify,
		messages: make(chan Frame),
		acks:     make(chan Frame),
		done:     make(chan struct{}),
	}
}

// Messages returns the channel carrying message-sink frames.
func (r *Router) Messages() <-chan Frame { return r.messages }

// Acks returns the channel carrying ack-sink frames.
func (r *Router) Acks() <-chan Frame { return r.acks }

// Dispatch classifies and routes a single decrypted frame, blocking until
// the destination sink accepts it, the context is cancelled, or the
// router is closed. ctx cancellation is the only way Dispatch returns an
// error without delivering the frame (on a closed router the frame is
// dropped and Dispatch returns nil), matching the façade's rule that in-flight
// writes are never cancelled mid-frame but a not-yet-started dispatch may
// be abandoned at this suspension point.
func (r *Router) Dispatch(ctx context.Context, f Frame) error {
	var dst chan Frame
	switch r.classify(f.Payload) {
	case KindAck:
		dst = r.acks
	default:
		dst = r.messages
	}

	select {
	case dst <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		log.Debug().Msg("router: dropping frame, router closed")
		return nil
	}
}

// Close shuts the router down; any Dispatch blocked on a send unblocks and
// returns nil instead of delivering.
func (r *Router) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}
