// Package notify implements the Notification Router, spec.md §4.6: an
// unsolicited Notify frame arriving from a Service is translated from that
// Service's subscription id to the Broker-facing one and delivered to the
// Controller that owns the matching Device.LocalAgent.Subscription row.
// OperationComplete notifications additionally retire the originating
// ReqMap entry. Grounded on the teacher's client/broker.go messageListener,
// which performs the same "arrived unsolicited, route by id" dispatch for
// its own pub/sub events.
package notify

import (
	"fmt"

	"github.com/uspbroker/core/internal/registry"
	"github.com/uspbroker/core/internal/reqtable"
	"github.com/uspbroker/core/internal/substable"
	"github.com/uspbroker/core/internal/wire"
)

// Deliver sends a Broker-facing Notify to a Controller endpoint. Per spec
// Non-goals, a delivery failure is not retried.
type Deliver func(controllerEndpoint string, n *wire.Notify) error

// Router is the Notification Router.
type Router struct {
	Subs    substable.Table
	Reqs    reqtable.Table
	Deliver Deliver
}

func New(subs substable.Table, reqs reqtable.Table, deliver Deliver) *Router {
	return &Router{Subs: subs, Reqs: reqs, Deliver: deliver}
}

// Route processes one Notify received from svc.
func (r *Router) Route(svc *registry.Service, n *wire.Notify) error {
	if n.NotifType == wire.NotifOperationComplete {
		if entry, ok := svc.Reqs.ByCommand(n.CommandName, n.CommandKey); ok {
			svc.Reqs.RemoveByCommand(n.CommandName, n.CommandKey)
			if r.Reqs != nil {
				r.Reqs.SignalOperationComplete(entry.RequestInstance, n.OutputArgs, n.Err)
			}
		}
	}

	subEntry, ok := svc.Subs.ByID(n.SubscriptionID)
	if !ok {
		return fmt.Errorf("notify: %s sent unmatched subscription id %q", svc.Endpoint, n.SubscriptionID)
	}

	row, ok := r.Subs.RowByInstance(subEntry.BrokerInstance)
	if !ok {
		return fmt.Errorf("notify: no subscription row for broker instance %d", subEntry.BrokerInstance)
	}

	out := *n
	out.SubscriptionID = row.ID
	out.SetMsgID(wire.NewMessageID())
	return r.Deliver(row.ControllerEndpoint, &out)
}
