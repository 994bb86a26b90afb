// Package uspbroker wires the Service Registry, correlation tables, schema
// tree, Operation Adapter, Passthrough Router, Notification Router,
// Subscription Synchronizer, and lifecycle manager into the single
// cooperative event loop described in spec.md §5. Grounded on the teacher's
// broker/service.go Service type: one Start(ctx) loop, one shared decoder
// dispatch table, no per-request goroutines.
package uspbroker

import (
	"context"
	"net"

	"github.com/uspbroker/core/internal/lifecycle"
	"github.com/uspbroker/core/internal/logging"
	"github.com/uspbroker/core/internal/mtp"
	"github.com/uspbroker/core/internal/mtp/localsocket"
	"github.com/uspbroker/core/internal/notify"
	"github.com/uspbroker/core/internal/opadapter"
	"github.com/uspbroker/core/internal/passthrough"
	"github.com/uspbroker/core/internal/permissions"
	"github.com/uspbroker/core/internal/registry"
	"github.com/uspbroker/core/internal/reqtable"
	"github.com/uspbroker/core/internal/schema"
	"github.com/uspbroker/core/internal/subsync"
	"github.com/uspbroker/core/internal/substable"
	"github.com/uspbroker/core/internal/uspservices"
	"github.com/uspbroker/core/internal/wire"
)

// Config bundles the construction-time knobs a Broker needs beyond what it
// builds itself (mirrors public/orchestrator/types.go's embedded-config
// shape: a small struct of overridable fields with defaults applied).
type Config struct {
	ListenAddress string
	MaxServices   int
	MaxGroups     schema.GroupID
	Logger        *logging.SessionLogger
	Perms         permissions.Store
}

// ApplyDefaults fills in zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = ":9876"
	}
	if c.MaxServices == 0 {
		c.MaxServices = 256
	}
	if c.MaxGroups == 0 {
		c.MaxGroups = 256
	}
	if c.Perms == nil {
		c.Perms = permissions.AllowAll{}
	}
}

// Broker is the assembled USP Broker core.
type Broker struct {
	cfg Config

	tree      schema.Tree
	registry  *registry.Registry
	transport *localsocket.Transport
	adapter   *opadapter.Adapter
	lifecyc   *lifecycle.Manager
	passthru  *passthrough.Router
	notifier  *notify.Router
	syncer    *subsync.Syncer
	exposer   *uspservices.Exposer
	subs      *substable.MemTable
	reqs      *reqtable.MemTable

	listener net.Listener
}

// New assembles a Broker from cfg.
func New(cfg Config) *Broker {
	cfg.ApplyDefaults()

	tree := schema.New()
	subs := substable.NewMemTable()
	reqs := reqtable.NewMemTable()
	transport := localsocket.NewTransport(256)

	b := &Broker{cfg: cfg, tree: tree, transport: transport, subs: subs, reqs: reqs}

	b.registry = registry.New(tree, cfg.MaxServices, cfg.MaxGroups, registry.Hooks{
		OnFailurePropagation: func(svc *registry.Service, flags registry.FailFlag) {
			b.lifecyc.PropagateFailure(svc, flags)
		},
	})

	b.exposer = uspservices.New(b.registry)
	b.lifecyc = lifecycle.New(tree, b.registry, transport, reqs)
	b.adapter = opadapter.New(tree, b.registry, transport, cfg.Perms, b.exposer, subs, reqs)
	b.passthru = passthrough.New(tree, b.registry, cfg.Perms)
	b.notifier = notify.New(subs, reqs, func(controllerEndpoint string, n *wire.Notify) error {
		return b.deliverToController(controllerEndpoint, n)
	})
	b.syncer = subsync.New(tree, b.registry, b.adapter, subs)

	return b
}

// deliverToController sends a Notify on the ControllerHandle of the Service
// Registry record whose endpoint is controllerEndpoint. An endpoint with no
// record in the Service Registry is skipped and the notification is dropped.
func (b *Broker) deliverToController(controllerEndpoint string, n *wire.Notify) error {
	svc, ok := b.registry.FindByEndpoint(controllerEndpoint)
	if !ok {
		return nil // originator disappeared; spec's Non-goals exclude notification retry.
	}
	frame, err := wire.Encode(n)
	if err != nil {
		return err
	}
	return svc.ControllerHandle.QueueOutbound(frame)
}

// Run accepts connections on cfg.ListenAddress and runs the single
// cooperative dispatch loop until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.cfg.ListenAddress)
	if err != nil {
		return err
	}
	b.listener = ln
	if b.cfg.Logger != nil {
		b.cfg.Logger.UserMessage("USP Broker listening on %s", b.cfg.ListenAddress)
	}

	go b.acceptLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			ln.Close()
			return nil
		case in := <-b.transport.Inbound():
			b.dispatch(ctx, in)
		}
	}
}

func (b *Broker) acceptLoop(ctx context.Context) {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			return
		}
		localsocket.Accept(conn, b.transport)
	}
}

// dispatch is the cooperative loop's single exhaustive switch over every
// arriving Message kind (spec §5/§7).
func (b *Broker) dispatch(ctx context.Context, in localsocket.Inbound) {
	switch msg := in.Msg.(type) {
	case *wire.Register:
		b.handleRegister(ctx, in.Handle, msg)
	case *wire.Deregister:
		b.handleDeregister(in.Handle, msg)
	case *wire.Get:
		if b.tryPassthrough(in, msg) {
			return
		}
		b.handleOp(ctx, in.Handle, msg.MsgID(), b.adapter.Get(ctx, in.Handle.ID(), msg))
	case *wire.Set:
		if b.tryPassthrough(in, msg) {
			return
		}
		b.handleOp(ctx, in.Handle, msg.MsgID(), b.adapter.Set(ctx, in.Handle.ID(), msg))
	case *wire.Add:
		if b.tryPassthrough(in, msg) {
			return
		}
		b.handleOp(ctx, in.Handle, msg.MsgID(), b.adapter.Add(ctx, in.Handle.ID(), msg))
	case *wire.Delete:
		if b.tryPassthrough(in, msg) {
			return
		}
		b.handleOp(ctx, in.Handle, msg.MsgID(), b.adapter.Delete(ctx, in.Handle.ID(), msg))
	case *wire.Operate:
		b.handleOp(ctx, in.Handle, msg.MsgID(), b.adapter.Operate(ctx, in.Handle.ID(), msg))
	case *wire.GetInstances:
		b.handleOp(ctx, in.Handle, msg.MsgID(), b.adapter.GetInstances(ctx, in.Handle.ID(), msg))
	case *wire.GetSupportedDM:
		b.handleOp(ctx, in.Handle, msg.MsgID(), b.adapter.GetSupportedDM(ctx, msg))
	case *wire.Notify:
		b.handleNotify(in.Handle, msg)
	case *wire.ErrorMsg:
		// An Error reaching the main loop (rather than a SendAndWaitForResponse
		// waiter) either answers a passthrough-forwarded request or is truly
		// unsolicited; try MsgMap correlation before giving up on it (§4.7).
		if !b.tryPassthroughResponse(in.Handle, msg) && b.cfg.Logger != nil {
			b.cfg.Logger.Debug("received error frame from %s: %v", in.Handle.ID(), msg.Err)
		}
	default:
		// Passthrough responses (GetResp, SetResp, ...) arriving unsolicited
		// on a Service handle correlate via that Service's MsgMap.
		b.tryPassthroughResponse(in.Handle, msg)
	}
}

// tryPassthrough attempts the fast path of spec §4.7 for a single Get/Set/
// Add/Delete request. It reports whether the request was forwarded (the
// caller must not also dispatch it to the Operation Adapter); a false
// result means passthrough declined and the normal handler must run.
func (b *Broker) tryPassthrough(in localsocket.Inbound, msg wire.Message) bool {
	svc, ok := b.passthru.Eligible(in.Handle.ID(), msg)
	if !ok || in.Frame == nil {
		return false
	}
	if err := b.passthru.Forward(in.Handle.ID(), in.Handle, svc, in.Frame); err != nil {
		if b.cfg.Logger != nil {
			b.cfg.Logger.Debug("passthrough forward: %v", err)
		}
		return false
	}
	return true
}

func (b *Broker) handleRegister(ctx context.Context, handle mtp.Handle, msg *wire.Register) {
	svc, err := b.registry.Add(handle.ID(), registry.RoleBrokerAsController, handle)
	if err != nil {
		werr := err.(*wire.Error)
		resp := &wire.RegisterResp{}
		for _, p := range msg.Paths {
			resp.Results = append(resp.Results, wire.RegisterResult{Path: p, Err: werr})
		}
		b.reply(handle, msg.MsgID(), resp)
		return
	}
	resp := b.lifecyc.HandleRegister(ctx, svc, msg)
	if b.cfg.Logger != nil {
		b.cfg.Logger.UserMessage("Service %s registered %d path(s)", svc.Endpoint, len(msg.Paths))
	}
	b.reply(handle, msg.MsgID(), resp)
}

func (b *Broker) handleDeregister(handle mtp.Handle, msg *wire.Deregister) {
	svc, ok := b.registry.FindByEndpoint(handle.ID())
	if !ok {
		b.reply(handle, msg.MsgID(), &wire.DeregisterResp{Failures: []wire.DeregisterFailureEntry{
			{Err: wire.New(wire.DeregisterFailure, "unknown Service %s", handle.ID())},
		}})
		return
	}
	resp := b.lifecyc.HandleDeregister(svc, msg)
	b.reply(handle, msg.MsgID(), resp)
}

func (b *Broker) handleNotify(handle mtp.Handle, msg *wire.Notify) {
	svc, ok := b.registry.FindByEndpoint(handle.ID())
	if !ok {
		return
	}
	if err := b.notifier.Route(svc, msg); err != nil && b.cfg.Logger != nil {
		b.cfg.Logger.Debug("notify route: %v", err)
	}
}

func (b *Broker) handleOp(ctx context.Context, handle mtp.Handle, msgID string, resp wire.Message) {
	resp.SetMsgID(msgID)
	b.replyMessage(handle, resp)
}

// tryPassthroughResponse consults the sending Service's MsgMap for msg's id
// and, on a hit, restores the originator's message id and delivers it back
// on the recorded MTP (spec §4.7's response-matching rule). It reports
// whether a MsgMap entry was found and handled.
func (b *Broker) tryPassthroughResponse(handle mtp.Handle, msg wire.Message) bool {
	svc, ok := b.registry.FindByEndpoint(handle.ID())
	if !ok {
		return false
	}
	frame, err := wire.Encode(msg)
	if err != nil {
		return false
	}
	rewritten, dest, ok := b.passthru.HandleResponse(svc, frame)
	if !ok {
		return false
	}
	dest.QueueOutbound(rewritten)
	return true
}

func (b *Broker) reply(handle mtp.Handle, msgID string, resp wire.Message) {
	resp.SetMsgID(msgID)
	b.replyMessage(handle, resp)
}

func (b *Broker) replyMessage(handle mtp.Handle, resp wire.Message) {
	frame, err := wire.Encode(resp)
	if err != nil {
		return
	}
	handle.QueueOutbound(frame)
}

// Reconcile runs one Subscription Synchronization pass (spec §4.5). A
// production deployment calls this periodically or on every Register/Add to
// the subscription table; it is exposed directly here since driving that
// table is out of scope.
func (b *Broker) Reconcile(ctx context.Context) []error {
	return b.syncer.Reconcile(ctx)
}

// Registry exposes the live Service Registry for diagnostics/embedding.
func (b *Broker) Registry() *registry.Registry { return b.registry }

// Subscriptions exposes the in-memory subscription table so an embedder can
// add/enable/disable rows (Device.LocalAgent.Subscription.* is out of scope
// as real stored data, spec §1).
func (b *Broker) Subscriptions() *substable.MemTable { return b.subs }
