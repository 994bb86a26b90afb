package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/uspbroker/core/internal/corrtables"
	"github.com/uspbroker/core/internal/mtp"
	"github.com/uspbroker/core/internal/registry"
	"github.com/uspbroker/core/internal/reqtable"
	"github.com/uspbroker/core/internal/schema"
	"github.com/uspbroker/core/internal/wire"
)

type fakeHandle struct{ id string }

func (f *fakeHandle) ID() string                     { return f.id }
func (f *fakeHandle) QueueOutbound(*wire.Frame) error { return nil }
func (f *fakeHandle) IsReplyToSpecified() bool        { return false }
func (f *fakeHandle) Close() error                    { return nil }

type fakeTransport struct {
	resp *wire.GetSupportedDMResp
	err  error
}

func (f *fakeTransport) SendAndWaitForResponse(ctx context.Context, handle mtp.Handle, msg wire.Message, expected []wire.Kind, timeout time.Duration) (wire.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	resp := f.resp
	resp.SetMsgID(msg.MsgID())
	return resp, nil
}

func TestValidatePathRejectsNonDeviceOrBareParam(t *testing.T) {
	if err := ValidatePath("Foo.Bar."); err == nil {
		t.Fatal("expected rejection of a non-Device path")
	}
	if err := ValidatePath("Device.Foo.Bar"); err == nil {
		t.Fatal("expected rejection of a path not naming an object")
	}
	if err := ValidatePath("Device.Foo."); err != nil {
		t.Fatalf("expected a well-formed object path to validate, got %v", err)
	}
}

func TestValidatePathRejectsInstanceNumbersPlaceholdersAndPunctuation(t *testing.T) {
	if err := ValidatePath("Device.Wi-Fi."); err == nil {
		t.Fatal("expected rejection of a path containing a non-alphanumeric character")
	}
	if err := ValidatePath("Device.Foo.1."); err == nil {
		t.Fatal("expected rejection of a path with a literal instance number segment")
	}
	if err := ValidatePath("Device.Foo.{i}."); err == nil {
		t.Fatal("expected rejection of a path containing a template placeholder")
	}
}

func TestHandleRegisterImportsSchemaOnSuccess(t *testing.T) {
	tree := schema.New()
	reg := registry.New(tree, 10, 64, registry.Hooks{})
	svc, _ := reg.Add("svc-a", registry.RoleBrokerAsController, &fakeHandle{id: "h1"})
	svc.Group = 1

	transport := &fakeTransport{resp: &wire.GetSupportedDMResp{Objects: []wire.SupportedObject{
		{Path: "Device.WiFi.", Params: []wire.SupportedParam{{Name: "Enable", Type: wire.TypeBool, Writable: true}}},
	}}}
	mgr := New(tree, reg, transport, reqtable.NewMemTable())

	resp := mgr.HandleRegister(context.Background(), svc, &wire.Register{Paths: []string{"Device.WiFi."}})
	if len(resp.Results) != 1 || resp.Results[0].Err != nil {
		t.Fatalf("unexpected register result: %+v", resp.Results)
	}
	if !svc.SchemaImported {
		t.Fatal("expected SchemaImported to be set")
	}
	if _, ok := tree.Resolve("Device.WiFi.Enable"); !ok {
		t.Fatal("expected imported param to resolve")
	}
}

func TestHandleRegisterRejectsConflictingPrefix(t *testing.T) {
	tree := schema.New()
	reg := registry.New(tree, 10, 64, registry.Hooks{})
	svc, _ := reg.Add("svc-a", registry.RoleBrokerAsController, &fakeHandle{id: "h1"})
	svc.Group = 1

	mgr := New(tree, reg, &fakeTransport{}, reqtable.NewMemTable())
	resp := mgr.HandleRegister(context.Background(), svc, &wire.Register{Paths: []string{"Device.USPServices."}})
	if len(resp.Results) != 1 || resp.Results[0].Err == nil || resp.Results[0].Err.Kind != wire.PathAlreadyRegistered {
		t.Fatalf("expected PathAlreadyRegistered against the Broker's own subtree, got %+v", resp.Results)
	}
}

func TestHandleRegisterRefusesReRegisterOfAlreadyPopulatedService(t *testing.T) {
	tree := schema.New()
	reg := registry.New(tree, 10, 64, registry.Hooks{})
	svc, _ := reg.Add("svc-a", registry.RoleBrokerAsController, &fakeHandle{id: "h1"})
	svc.Group = 1
	tree.InsertPlaceholder("Device.WiFi.", svc.Group)
	reg.MarkSchemaImported(svc, []string{"Device.WiFi."})

	mgr := New(tree, reg, &fakeTransport{}, reqtable.NewMemTable())
	resp := mgr.HandleRegister(context.Background(), svc, &wire.Register{Paths: []string{"Device.Other."}})
	if len(resp.Results) != 1 || resp.Results[0].Err == nil || resp.Results[0].Err.Kind != wire.RegisterFailure {
		t.Fatalf("expected RegisterFailure refusing a second Register, got %+v", resp.Results)
	}
	if len(svc.Prefixes) != 1 {
		t.Fatalf("expected prefixes unchanged, got %v", svc.Prefixes)
	}
}

func TestHandleRegisterAllowPartialFalseRejectsWholeBatchOnConflict(t *testing.T) {
	tree := schema.New()
	reg := registry.New(tree, 10, 64, registry.Hooks{})
	svc, _ := reg.Add("svc-a", registry.RoleBrokerAsController, &fakeHandle{id: "h1"})
	svc.Group = 1

	mgr := New(tree, reg, &fakeTransport{}, reqtable.NewMemTable())
	resp := mgr.HandleRegister(context.Background(), svc, &wire.Register{
		Paths:        []string{"Device.WiFi.", "Device.USPServices."},
		AllowPartial: false,
	})
	if len(resp.Results) != 2 {
		t.Fatalf("expected a result per requested path, got %+v", resp.Results)
	}
	for _, r := range resp.Results {
		if r.Err == nil {
			t.Fatalf("expected every path to fail when allow_partial=false and one conflicts, got %+v", resp.Results)
		}
	}
	if len(svc.Prefixes) != 0 {
		t.Fatalf("expected no prefixes accepted, got %v", svc.Prefixes)
	}
}

func TestHandleDeregisterAllRemovesEveryPrefix(t *testing.T) {
	tree := schema.New()
	reg := registry.New(tree, 10, 64, registry.Hooks{})
	svc, _ := reg.Add("svc-a", registry.RoleBrokerAsController, &fakeHandle{id: "h1"})
	svc.Group = 1
	tree.InsertPlaceholder("Device.WiFi.", svc.Group)
	reg.MarkSchemaImported(svc, []string{"Device.WiFi."})

	mgr := New(tree, reg, &fakeTransport{}, reqtable.NewMemTable())
	resp := mgr.HandleDeregister(svc, &wire.Deregister{Paths: nil})
	if resp.Success == nil || len(resp.Success.Paths) != 1 {
		t.Fatalf("expected 1 successful deregistration, got %+v", resp)
	}
	if len(svc.Prefixes) != 0 {
		t.Fatal("expected prefixes to be cleared")
	}
	if _, ok := tree.Resolve("Device.WiFi."); ok {
		t.Fatal("expected subtree removed from schema")
	}
}

// TestHandleDeregisterSignalsCommandFailureForActiveCommands covers spec
// §8 scenario 6: deregistering all prefixes while a command is in progress
// must surface a CommandFailure completion for it, not just drop the row.
func TestHandleDeregisterSignalsCommandFailureForActiveCommands(t *testing.T) {
	tree := schema.New()
	reg := registry.New(tree, 10, 64, registry.Hooks{})
	svc, _ := reg.Add("svc-a", registry.RoleBrokerAsController, &fakeHandle{id: "h1"})
	svc.Group = 1
	tree.InsertPlaceholder("Device.X.", svc.Group)
	reg.MarkSchemaImported(svc, []string{"Device.X."})
	svc.Reqs.Insert(corrtables.ReqEntry{RequestInstance: 1, CommandPath: "Device.X.Run()", CommandKey: "K1"})

	reqs := reqtable.NewMemTable()
	mgr := New(tree, reg, &fakeTransport{}, reqs)
	resp := mgr.HandleDeregister(svc, &wire.Deregister{Paths: nil})

	if resp.Success == nil || len(resp.Success.Paths) != 1 {
		t.Fatalf("expected 1 successful deregistration, got %+v", resp)
	}
	if svc.Reqs.Len() != 0 {
		t.Fatal("expected ReqMap entry removed")
	}
	if len(reqs.Completions) != 1 || reqs.Completions[0].Instance != 1 || reqs.Completions[0].Err == nil || reqs.Completions[0].Err.Kind != wire.CommandFailure {
		t.Fatalf("expected a CommandFailure completion for the in-progress command, got %+v", reqs.Completions)
	}
}

func TestPropagateFailureRetiresReqMapWithCommandFailure(t *testing.T) {
	tree := schema.New()
	reg := registry.New(tree, 10, 64, registry.Hooks{})
	svc, _ := reg.Add("svc-a", registry.RoleBrokerAsController, &fakeHandle{id: "h1"})
	svc.Reqs.Insert(corrtables.ReqEntry{RequestInstance: 1, CommandPath: "Device.X.Reboot()", CommandKey: "k"})

	reqs := reqtable.NewMemTable()
	mgr := New(tree, reg, &fakeTransport{}, reqs)
	mgr.PropagateFailure(svc, registry.FailCommandsInProgress)

	if svc.Reqs.Len() != 0 {
		t.Fatal("expected ReqMap to be cleared")
	}
	if len(reqs.Completions) != 1 || reqs.Completions[0].Err == nil || reqs.Completions[0].Err.Kind != wire.CommandFailure {
		t.Fatalf("expected a CommandFailure completion, got %+v", reqs.Completions)
	}
}

// TestPropagateFailureClearsSubsAndMsgMaps covers spec §8's disconnect-
// cleanup invariant: after Failure Propagation, SubsMap, ReqMap, and MsgMap
// are all empty.
func TestPropagateFailureClearsSubsAndMsgMaps(t *testing.T) {
	tree := schema.New()
	reg := registry.New(tree, 10, 64, registry.Hooks{})
	svc, _ := reg.Add("svc-a", registry.RoleBrokerAsController, &fakeHandle{id: "h1"})
	svc.Subs.Insert(corrtables.SubsEntry{ServiceInstance: 1, BrokerInstance: 1, SubscriptionID: "sub-1", Path: "Device.X."})
	svc.Reqs.Insert(corrtables.ReqEntry{RequestInstance: 1, CommandPath: "Device.X.Reboot()", CommandKey: "k"})
	svc.Msgs.Insert(corrtables.MsgEntry{BrokerMsgID: "b-1", OriginalMsgID: "o-1", OriginatorEndpoint: "ctrl-1", OriginatorMTP: &fakeHandle{id: "ctrl-1"}})

	mgr := New(tree, reg, &fakeTransport{}, reqtable.NewMemTable())
	mgr.PropagateFailure(svc, registry.FailCommandsInProgress|registry.FailSubscriptionsOrphaned)

	if svc.Subs.Len() != 0 {
		t.Fatal("expected SubsMap to be cleared")
	}
	if svc.Reqs.Len() != 0 {
		t.Fatal("expected ReqMap to be cleared")
	}
	if svc.Msgs.Len() != 0 {
		t.Fatal("expected MsgMap to be cleared")
	}
}
