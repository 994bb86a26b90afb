// Package mtp specifies the Message Transport Protocol collaborator
// contract the Broker core consumes. spec.md §1 lists the MTP transports
// themselves (domain socket, WebSocket, MQTT, STOMP) as out of scope; this
// package is the interface boundary plus one concrete implementation
// (localsocket) that exercises it end to end.
package mtp

import (
	"context"
	"time"

	"github.com/uspbroker/core/internal/wire"
)

// Handle identifies one outbound path to an endpoint: a live connection (or
// equivalent) the core can queue a message onto. Two Handles for the same
// Service distinguish the Broker-as-Controller and Broker-as-Agent roles on
// transports that separate them (e.g. domain socket); on transports that
// don't, both roles share one Handle.
type Handle interface {
	// ID is a stable, log-friendly identifier for this handle.
	ID() string

	// QueueOutbound enqueues a frame for delivery on this handle. It does
	// not wait for acknowledgement.
	QueueOutbound(f *wire.Frame) error

	// IsReplyToSpecified reports whether this handle's protocol carries an
	// explicit reply-to address per message (true for MQTT/STOMP-style
	// transports, false for a bare stream socket where the connection
	// itself is the reply path).
	IsReplyToSpecified() bool

	// Close releases the handle. Safe to call more than once.
	Close() error
}

// Transport is the collaborator the core's request/response bridge (spec
// §4.4, §5) depends on: queue-outbound plus the blocking
// send-and-await-typed-response primitive. It is implemented once per
// concrete MTP (domain socket, WebSocket, MQTT, STOMP); the core never
// depends on a specific one.
type Transport interface {
	// SendAndWaitForResponse sends msg on handle and blocks until a
	// response whose MsgID matches msg's arrives, ctx is cancelled, or
	// timeout elapses — whichever comes first. A matching response that is
	// an Error, or whose Kind is not one of expectedKinds, ends the wait
	// with an error. Per spec §5 this is a re-entrant suspension
	// point: while waiting, the transport keeps pumping and dispatching
	// other queued events, so callers must not hold any registry/schema
	// iterator across the call.
	SendAndWaitForResponse(ctx context.Context, handle Handle, msg wire.Message, expectedKinds []wire.Kind, timeout time.Duration) (wire.Message, error)
}

// DefaultResponseTimeout is the compile-time cap from spec §6: a 30-second
// wait for a typed response, with no retry on expiry.
const DefaultResponseTimeout = 30 * time.Second
