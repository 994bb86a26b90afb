package notify

import (
	"testing"

	"github.com/uspbroker/core/internal/corrtables"
	"github.com/uspbroker/core/internal/registry"
	"github.com/uspbroker/core/internal/reqtable"
	"github.com/uspbroker/core/internal/substable"
	"github.com/uspbroker/core/internal/wire"
)

func TestRouteTranslatesSubscriptionIDAndDelivers(t *testing.T) {
	svc := &registry.Service{Endpoint: "svc-a"}
	svc.Subs.Insert(corrtables.SubsEntry{BrokerInstance: 1, SubscriptionID: "vendor-sub-1", Path: "Device.WiFi.Radio.1.Channel"})

	subs := substable.NewMemTable()
	subs.Add(substable.Row{Instance: 1, ID: "broker-sub-1", ControllerEndpoint: "ctrl-1"})

	var delivered string
	var deliveredNotify *wire.Notify
	router := New(subs, reqtable.NewMemTable(), func(endpoint string, n *wire.Notify) error {
		delivered = endpoint
		deliveredNotify = n
		return nil
	})

	n := &wire.Notify{SubscriptionID: "vendor-sub-1", NotifType: wire.NotifValueChange, ParamPath: "Device.WiFi.Radio.1.Channel", ParamValue: "11"}
	if err := router.Route(svc, n); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if delivered != "ctrl-1" {
		t.Fatalf("expected delivery to ctrl-1, got %q", delivered)
	}
	if deliveredNotify.SubscriptionID != "broker-sub-1" {
		t.Fatalf("expected subscription id rewritten to broker-sub-1, got %q", deliveredNotify.SubscriptionID)
	}
}

func TestRouteOnOperationCompleteRetiresReqMapAndSignals(t *testing.T) {
	svc := &registry.Service{Endpoint: "svc-a"}
	svc.Reqs.Insert(corrtables.ReqEntry{RequestInstance: 7, CommandPath: "Device.X.Reboot()", CommandKey: "k1"})
	svc.Subs.Insert(corrtables.SubsEntry{BrokerInstance: 1, SubscriptionID: "vendor-sub-1", Path: "Device.LocalAgent.Request.7."})

	subs := substable.NewMemTable()
	subs.Add(substable.Row{Instance: 1, ID: "broker-sub-1", ControllerEndpoint: "ctrl-1"})
	reqs := reqtable.NewMemTable()

	router := New(subs, reqs, func(string, *wire.Notify) error { return nil })
	n := &wire.Notify{SubscriptionID: "vendor-sub-1", NotifType: wire.NotifOperationComplete, CommandName: "Device.X.Reboot()", CommandKey: "k1", OutputArgs: map[string]string{"Status": "OK"}}

	if err := router.Route(svc, n); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if svc.Reqs.Len() != 0 {
		t.Fatal("expected ReqMap entry to be retired")
	}
	if len(reqs.Completions) != 1 || reqs.Completions[0].Instance != 7 {
		t.Fatalf("expected a signalled completion for instance 7, got %+v", reqs.Completions)
	}
}

func TestRouteOnUnmatchedSubscriptionIDReturnsError(t *testing.T) {
	svc := &registry.Service{Endpoint: "svc-a"}
	router := New(substable.NewMemTable(), reqtable.NewMemTable(), func(string, *wire.Notify) error { return nil })
	n := &wire.Notify{SubscriptionID: "unknown", NotifType: wire.NotifValueChange}
	if err := router.Route(svc, n); err == nil {
		t.Fatal("expected an error for an unmatched subscription id")
	}
}
