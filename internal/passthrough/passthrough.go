// Package passthrough implements the Passthrough Router, spec.md §4.7: the
// fast path for a request whose every referenced path resolves to the same
// single Service, where the Broker can forward the wire frame almost as-is
// instead of routing it through the Operation Adapter's decode/translate/
// re-encode cycle. Only the message id is rewritten, tracked in that
// Service's MsgMap so the eventual response can be remapped back to the
// originator's id and returned on the originator's own handle. Grounded on
// broker/service.go's raw frame relay between its inbound and outbound
// connection halves.
package passthrough

import (
	"github.com/uspbroker/core/internal/corrtables"
	"github.com/uspbroker/core/internal/mtp"
	"github.com/uspbroker/core/internal/permissions"
	"github.com/uspbroker/core/internal/registry"
	"github.com/uspbroker/core/internal/schema"
	"github.com/uspbroker/core/internal/wire"
)

// Router is the Passthrough Router.
type Router struct {
	Tree     schema.Tree
	Registry *registry.Registry
	Perms    permissions.Store
}

func New(tree schema.Tree, reg *registry.Registry, perms permissions.Store) *Router {
	if perms == nil {
		perms = permissions.AllowAll{}
	}
	return &Router{Tree: tree, Registry: reg, Perms: perms}
}

// Eligible reports whether msg qualifies for the passthrough fast path per
// spec §4.7: it must be Get, Set, Add, or Delete; every referenced path must
// resolve to the same single, non-Broker group with a live Service; and
// originator must be permitted the path's corresponding action on every
// path. On success it returns that Service.
func (r *Router) Eligible(originator string, msg wire.Message) (*registry.Service, bool) {
	paths, action, ok := pathsAndAction(msg)
	if !ok || len(paths) == 0 {
		return nil, false
	}

	var group schema.GroupID
	for i, p := range paths {
		if !r.Perms.Allowed(originator, p, action) {
			return nil, false
		}
		g, ok := r.Tree.GroupOf(p)
		if !ok || g == schema.GroupBroker {
			return nil, false
		}
		if i == 0 {
			group = g
		} else if g != group {
			return nil, false
		}
	}

	svc, ok := r.Registry.ByGroup(group)
	if !ok || svc.ControllerHandle == nil {
		return nil, false
	}
	return svc, true
}

// pathsAndAction returns the paths a passthrough-eligible message touches
// and the permission action they must be checked against. Only Get, Set,
// Add, and Delete qualify for passthrough (spec §4.7); every other kind
// reports ok=false.
func pathsAndAction(msg wire.Message) ([]string, permissions.Action, bool) {
	switch m := msg.(type) {
	case *wire.Get:
		return m.Paths, permissions.ActionGet, true
	case *wire.Delete:
		return m.Paths, permissions.ActionDelete, true
	case *wire.Add:
		return []string{m.ObjectPath}, permissions.ActionAdd, true
	case *wire.Set:
		out := make([]string, len(m.Params))
		for i, p := range m.Params {
			out[i] = p.Path
		}
		return out, permissions.ActionSet, true
	}
	return nil, 0, false
}

// Forward rewrites frame's message id, records the remapping in svc's
// MsgMap keyed by the new id, and queues it on svc's controller handle.
func (r *Router) Forward(originatorEndpoint string, originator mtp.Handle, svc *registry.Service, frame *wire.Frame) error {
	newID := wire.NewMessageID()
	entry := corrtables.MsgEntry{
		BrokerMsgID:        newID,
		OriginalMsgID:      frame.MsgID,
		OriginatorEndpoint: originatorEndpoint,
		OriginatorMTP:      originator,
	}
	svc.Msgs.Insert(entry)

	forwarded := *frame
	forwarded.MsgID = newID
	return svc.ControllerHandle.QueueOutbound(&forwarded)
}

// HandleResponse looks up frame's message id in svc's MsgMap; if found, it
// rewrites the frame back to the originator's id and reports where to
// deliver it. A miss means the frame did not originate from a passthrough
// forward (e.g. it belongs to a SendAndWaitForResponse waiter instead) and
// the caller should not treat this as an error.
func (r *Router) HandleResponse(svc *registry.Service, frame *wire.Frame) (*wire.Frame, mtp.Handle, bool) {
	entry, ok := svc.Msgs.Lookup(frame.MsgID)
	if !ok {
		return nil, nil, false
	}
	svc.Msgs.Remove(frame.MsgID)

	out := *frame
	out.MsgID = entry.OriginalMsgID
	return &out, entry.OriginatorMTP, true
}
