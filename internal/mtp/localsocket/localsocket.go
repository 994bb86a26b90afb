// Package localsocket is a concrete Transport implementing a stream-socket
// MTP over TCP: a persistent stream connection carrying newline-terminated
// JSON wire.Frame values in both directions.
// It is adapted from the teacher's broker/service.go Connection (net.Conn +
// json.Encoder/Decoder) and client/broker.go's call()/messageListener pair
// — the same "one JSON codec per connection, route by id" mechanics, just
// repointed at wire.Frame/wire.Message instead of GOX's BrokerRequest/
// Message/Envelope trio.
package localsocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/uspbroker/core/internal/mtp"
	"github.com/uspbroker/core/internal/wire"
)

// Inbound is a frame that arrived on a handle without matching any pending
// SendAndWaitForResponse waiter — i.e. a new request, a Notify, or an
// unsolicited Error destined for the core's main loop.
type Inbound struct {
	Handle mtp.Handle
	Msg    wire.Message
	// Frame is the raw wire frame the message was decoded from. The
	// Passthrough Router forwards this unchanged (bar the message id) instead
	// of re-encoding Msg, per spec §4.7's decode/re-encode avoidance.
	Frame *wire.Frame
}

// Transport multiplexes many Conn handles, matching responses back to
// waiting SendAndWaitForResponse calls and forwarding everything else to
// Inbound().
type Transport struct {
	mu      sync.Mutex
	waiters map[string]chan wire.Message

	inbound chan Inbound
}

// NewTransport creates a Transport. inboundBuffer sizes the channel returned
// by Inbound(); the core's main loop is expected to drain it continuously.
func NewTransport(inboundBuffer int) *Transport {
	return &Transport{
		waiters: make(map[string]chan wire.Message),
		inbound: make(chan Inbound, inboundBuffer),
	}
}

// Inbound returns the channel of frames that did not correlate to any
// pending wait — the core's cooperative loop reads from this.
func (t *Transport) Inbound() <-chan Inbound {
	return t.inbound
}

func waiterKey(handleID, msgID string) string {
	return handleID + "|" + msgID
}

func (t *Transport) dispatch(h mtp.Handle, f *wire.Frame) {
	msg, err := wire.Decode(f)
	if err != nil {
		// Malformed body: there is no well-formed Message to hand to a
		// waiter or the loop. Per spec §7(i) the caller is expected to
		// answer with MessageNotUnderstood; we still need a Message value
		// to carry that decision, so synthesize an ErrorMsg.
		msg = &wire.ErrorMsg{Header: wire.Header{ID: f.MsgID}, Err: err.(*wire.Error)}
	}

	key := waiterKey(h.ID(), msg.MsgID())
	t.mu.Lock()
	ch, ok := t.waiters[key]
	if ok {
		delete(t.waiters, key)
	}
	t.mu.Unlock()

	if ok {
		ch <- msg
		return
	}
	t.inbound <- Inbound{Handle: h, Msg: msg, Frame: f}
}

// SendAndWaitForResponse implements mtp.Transport. It registers a waiter
// keyed by (handle, msg id) before sending, so a response racing the send
// can never be missed; other connections' reader goroutines keep delivering
// to Inbound() for the duration of the wait, which is what gives this call
// its re-entrant-suspension-point behavior (spec §5).
func (t *Transport) SendAndWaitForResponse(ctx context.Context, handle mtp.Handle, msg wire.Message, expectedKinds []wire.Kind, timeout time.Duration) (wire.Message, error) {
	frame, err := wire.Encode(msg)
	if err != nil {
		return nil, err
	}

	key := waiterKey(handle.ID(), msg.MsgID())
	ch := make(chan wire.Message, 1)
	t.mu.Lock()
	t.waiters[key] = ch
	t.mu.Unlock()

	if err := handle.QueueOutbound(frame); err != nil {
		t.mu.Lock()
		delete(t.waiters, key)
		t.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Kind() == wire.KindError {
			em := resp.(*wire.ErrorMsg)
			return nil, em.Err
		}
		if !kindAllowed(resp.Kind(), expectedKinds) {
			return nil, wire.New(wire.Internal, "unexpected response kind %s to request %s", resp.Kind(), msg.MsgID())
		}
		return resp, nil
	case <-time.After(timeout):
		t.mu.Lock()
		delete(t.waiters, key)
		t.mu.Unlock()
		return nil, wire.New(wire.Internal, "timeout waiting for response to %s", msg.MsgID())
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.waiters, key)
		t.mu.Unlock()
		return nil, ctx.Err()
	}
}

func kindAllowed(k wire.Kind, allowed []wire.Kind) bool {
	for _, a := range allowed {
		if a == k {
			return true
		}
	}
	return false
}

// Conn is a Handle backed by a net.Conn carrying newline-terminated JSON
// frames.
// It satisfies mtp.Handle.
type Conn struct {
	id   string
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder

	transport *Transport

	mu     sync.Mutex
	closed bool
}

// Accept wraps an already-established net.Conn (e.g. from net.Listener's
// Accept) as a Handle and starts its read loop.
func Accept(netConn net.Conn, transport *Transport) *Conn {
	c := &Conn{
		id:        uuid.New().String(),
		conn:      netConn,
		enc:       json.NewEncoder(netConn),
		dec:       json.NewDecoder(netConn),
		transport: transport,
	}
	go c.readLoop()
	return c
}

// Dial connects to address and wraps the connection as a Handle.
func Dial(address string, transport *Transport) (*Conn, error) {
	netConn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("localsocket: dial %s: %w", address, err)
	}
	return Accept(netConn, transport), nil
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) QueueOutbound(f *wire.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("localsocket: handle %s is closed", c.id)
	}
	return c.enc.Encode(f)
}

// IsReplyToSpecified is false: on a stream socket the connection itself is
// the reply path, there is no separate reply-to address per message (unlike
// MQTT/STOMP MTPs).
func (c *Conn) IsReplyToSpecified() bool { return false }

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func (c *Conn) readLoop() {
	for {
		var f wire.Frame
		if err := c.dec.Decode(&f); err != nil {
			c.Close()
			return
		}
		c.transport.dispatch(c, &f)
	}
}
