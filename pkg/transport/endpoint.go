// Package transport implements the two messaging tiers every Task uses to
// talk to its peers: in-process buffered channels for same-process task
// pairs, and a gorilla/websocket envelope protocol for the worker, admin,
// and status endpoints that must cross a process boundary (§4.2). Both
// tiers satisfy taskruntime.Source so a Task can Register either one
// without caring which transport backs it.
package transport

import (
	"context"
	"fmt"
	"time"
)

// Envelope is the self-describing wire message every network endpoint
// exchanges: a message name plus an opaque, schema-validated payload.
// Adapted from the piwheels wire protocol (original_source/transport.py),
// which tags every frame with its message name before the payload so the
// receiving side can route without out-of-band context.
type Envelope struct {
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
}

// Handler processes one received Envelope.
type Handler func(ctx context.Context, env Envelope) error

// Endpoint is a generic, bounded, in-process mailbox between two Tasks in
// the same process. It is the default transport for task-to-task
// messaging (DbGateway<->DbWorker, IndexPoller->QueueBuilder, etc); it
// generalizes the teacher's async.WorkerPool's bounded work queue from
// "pool of one-shot jobs" to "typed point-to-point mailbox with a
// high-water mark".
type Endpoint[T any] struct {
	ch  chan T
	hwm int
}

// NewEndpoint creates an Endpoint with the given high-water mark (buffer
// capacity). Sends beyond the high-water mark block, applying backpressure
// to the sender exactly as the teacher's bounded worker queue does.
func NewEndpoint[T any](highWaterMark int) *Endpoint[T] {
	if highWaterMark <= 0 {
		highWaterMark = 1
	}
	return &Endpoint[T]{ch: make(chan T, highWaterMark), hwm: highWaterMark}
}

// Send delivers msg, blocking if the endpoint is at its high-water mark,
// or returning ctx.Err() if ctx is canceled first.
func (e *Endpoint[T]) Send(ctx context.Context, msg T) error {
	select {
	case e.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend delivers msg without blocking, reporting false if the endpoint
// is currently full.
func (e *Endpoint[T]) TrySend(msg T) bool {
	select {
	case e.ch <- msg:
		return true
	default:
		return false
	}
}

// Len reports the number of messages currently buffered.
func (e *Endpoint[T]) Len() int { return len(e.ch) }

// HighWaterMark reports the endpoint's configured capacity.
func (e *Endpoint[T]) HighWaterMark() int { return e.hwm }

// Receiver adapts an Endpoint into a taskruntime.Source: each Poll call
// waits up to timeout for one message and invokes handle.
type Receiver[T any] struct {
	ep     *Endpoint[T]
	handle func(ctx context.Context, msg T) error
	onErr  func(error)
}

// NewReceiver wraps ep as a pollable Source. onErr, if non-nil, is
// invoked for handler errors instead of silently dropping them (mirrors
// the teacher's panic_handler.RecoverPanic "log, don't crash" policy for
// per-message failures that shouldn't kill the whole task).
func NewReceiver[T any](ep *Endpoint[T], handle func(ctx context.Context, msg T) error, onErr func(error)) *Receiver[T] {
	return &Receiver[T]{ep: ep, handle: handle, onErr: onErr}
}

// Poll implements taskruntime.Source.
func (r *Receiver[T]) Poll(ctx context.Context, timeout time.Duration) bool {
	select {
	case msg := <-r.ep.ch:
		if err := r.handle(ctx, msg); err != nil && r.onErr != nil {
			r.onErr(fmt.Errorf("transport: handler error: %w", err))
		}
		return true
	case <-time.After(timeout):
		return false
	case <-ctx.Done():
		return false
	}
}
