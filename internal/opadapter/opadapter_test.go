package opadapter

import (
	"context"
	"testing"
	"time"

	"github.com/uspbroker/core/internal/mtp"
	"github.com/uspbroker/core/internal/permissions"
	"github.com/uspbroker/core/internal/registry"
	"github.com/uspbroker/core/internal/reqtable"
	"github.com/uspbroker/core/internal/schema"
	"github.com/uspbroker/core/internal/substable"
	"github.com/uspbroker/core/internal/wire"
)

type fakeHandle struct{ id string }

func (f *fakeHandle) ID() string                     { return f.id }
func (f *fakeHandle) QueueOutbound(*wire.Frame) error { return nil }
func (f *fakeHandle) IsReplyToSpecified() bool        { return false }
func (f *fakeHandle) Close() error                    { return nil }

type fakeTransport struct {
	respond func(msg wire.Message) (wire.Message, error)
}

func (f *fakeTransport) SendAndWaitForResponse(ctx context.Context, handle mtp.Handle, msg wire.Message, expected []wire.Kind, timeout time.Duration) (wire.Message, error) {
	return f.respond(msg)
}

type noopLocal struct{}

func (noopLocal) Get([]string) []wire.GetResult { return nil }
func (noopLocal) Set([]wire.SetParam) (*int, *wire.Error) { return nil, nil }
func (noopLocal) Add(string, []wire.CreateParam) (string, []wire.ParamError, *wire.Error) {
	return "", nil, nil
}
func (noopLocal) Delete([]string) []wire.DeleteResult           { return nil }
func (noopLocal) GetInstances([]string, bool) []wire.GetInstancesResult { return nil }

func setup(t *testing.T, respond func(wire.Message) (wire.Message, error)) *Adapter {
	t.Helper()
	tree := schema.New()
	if err := tree.InsertParam("Device.WiFi.Radio.{i}.Channel", 1, wire.TypeUnsignedInt, true); err != nil {
		t.Fatalf("InsertParam: %v", err)
	}
	reg := registry.New(tree, 10, 64, registry.Hooks{})
	svc, err := reg.Add("svc-a", registry.RoleBrokerAsController, &fakeHandle{id: "h1"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	svc.Group = 1
	return New(tree, reg, &fakeTransport{respond}, permissions.AllowAll{}, noopLocal{}, substable.NewMemTable(), reqtable.NewMemTable())
}

func TestGetRoutesToOwningServiceAndPreservesRequestOrder(t *testing.T) {
	a := setup(t, func(msg wire.Message) (wire.Message, error) {
		req := msg.(*wire.Get)
		resp := &wire.GetResp{Results: []wire.GetResult{
			{RequestedPath: req.Paths[0], ResolvedPath: req.Paths[0], Params: map[string]string{"Channel": "11"}},
		}}
		resp.SetMsgID(req.MsgID())
		return resp, nil
	})

	resp := a.Get(context.Background(), "ctrl-1", &wire.Get{Paths: []string{"Device.WiFi.Radio.1.Channel"}})
	if len(resp.Results) != 1 || resp.Results[0].Err != nil {
		t.Fatalf("unexpected response: %+v", resp.Results)
	}
	if resp.Results[0].Params["Channel"] != "11" {
		t.Fatalf("unexpected params: %+v", resp.Results[0].Params)
	}
}

func TestGetOnUnregisteredPathReturnsRequestDenied(t *testing.T) {
	a := setup(t, func(msg wire.Message) (wire.Message, error) { t.Fatal("should not round trip"); return nil, nil })
	resp := a.Get(context.Background(), "ctrl-1", &wire.Get{Paths: []string{"Device.Unknown.Thing"}})
	if resp.Results[0].Err == nil || resp.Results[0].Err.Kind != wire.RequestDenied {
		t.Fatalf("expected RequestDenied, got %+v", resp.Results[0])
	}
}

func TestOperateAsyncInsertsReqMapEntryAndReportsCommandFailureOnDuplicateKey(t *testing.T) {
	tree := schema.New()
	tree.InsertCommand("Device.X.Reboot()", 1, nil, nil)
	reg := registry.New(tree, 10, 64, registry.Hooks{})
	svc, _ := reg.Add("svc-a", registry.RoleBrokerAsController, &fakeHandle{id: "h1"})
	svc.Group = 1

	subs := substable.NewMemTable()
	subs.Add(substable.Row{Instance: 1, ID: "broker-sub-1", NotifType: "OperationComplete", ReferenceList: []string{"Device.X.Reboot()"}, Enable: true})
	reqs := reqtable.NewMemTable()

	a := New(tree, reg, &fakeTransport{func(msg wire.Message) (wire.Message, error) {
		req := msg.(*wire.Operate)
		resp := &wire.OperateResp{RequestObjectPath: "Device.X.RebootRequest.1."}
		resp.SetMsgID(req.MsgID())
		return resp, nil
	}}, permissions.AllowAll{}, noopLocal{}, subs, reqs)

	req := &wire.Operate{CommandPath: "Device.X.Reboot()", CommandKey: "k1", SendResp: false}
	resp := a.Operate(context.Background(), "ctrl-1", req)
	if resp.Err != nil {
		t.Fatalf("unexpected error: %v", resp.Err)
	}
	if svc.Reqs.Len() != 1 {
		t.Fatalf("expected 1 ReqMap entry, got %d", svc.Reqs.Len())
	}

	resp2 := a.Operate(context.Background(), "ctrl-1", req)
	if resp2.Err == nil || resp2.Err.Kind != wire.CommandFailure {
		t.Fatalf("expected CommandFailure for duplicate command_key, got %+v", resp2)
	}
}

func TestOperateAsyncRefusedWithoutOperationCompleteSubscription(t *testing.T) {
	tree := schema.New()
	tree.InsertCommand("Device.X.Reboot()", 1, nil, nil)
	reg := registry.New(tree, 10, 64, registry.Hooks{})
	svc, _ := reg.Add("svc-a", registry.RoleBrokerAsController, &fakeHandle{id: "h1"})
	svc.Group = 1

	a := New(tree, reg, &fakeTransport{func(msg wire.Message) (wire.Message, error) {
		t.Fatal("should not round trip without the precondition subscription")
		return nil, nil
	}}, permissions.AllowAll{}, noopLocal{}, substable.NewMemTable(), reqtable.NewMemTable())

	req := &wire.Operate{CommandPath: "Device.X.Reboot()", CommandKey: "k1", SendResp: false}
	resp := a.Operate(context.Background(), "ctrl-1", req)
	if resp.Err == nil || resp.Err.Kind != wire.RequestDenied {
		t.Fatalf("expected RequestDenied, got %+v", resp)
	}
	if svc.Reqs.Len() != 0 {
		t.Fatal("expected no ReqMap entry to be inserted")
	}
}

func TestOperateAsyncStartedKeepsReqMapEntryPending(t *testing.T) {
	tree := schema.New()
	tree.InsertCommand("Device.X.Reboot()", 1, nil, nil)
	reg := registry.New(tree, 10, 64, registry.Hooks{})
	svc, _ := reg.Add("svc-a", registry.RoleBrokerAsController, &fakeHandle{id: "h1"})
	svc.Group = 1

	subs := substable.NewMemTable()
	subs.Add(substable.Row{Instance: 1, ID: "broker-sub-1", NotifType: "OperationComplete", ReferenceList: []string{"Device.X.Reboot()"}, Enable: true})
	reqs := reqtable.NewMemTable()

	a := New(tree, reg, &fakeTransport{func(msg wire.Message) (wire.Message, error) {
		req := msg.(*wire.Operate)
		resp := &wire.OperateResp{RequestObjectPath: "Device.X.RebootRequest.1."}
		resp.SetMsgID(req.MsgID())
		return resp, nil
	}}, permissions.AllowAll{}, noopLocal{}, subs, reqs)

	req := &wire.Operate{CommandPath: "Device.X.Reboot()", CommandKey: "k1", SendResp: false}
	resp := a.Operate(context.Background(), "ctrl-1", req)
	if resp.Err != nil {
		t.Fatalf("unexpected error: %v", resp.Err)
	}
	if svc.Reqs.Len() != 1 {
		t.Fatalf("expected ReqMap entry to remain pending completion, got %d", svc.Reqs.Len())
	}
	if len(reqs.Completions) != 0 {
		t.Fatalf("expected no completion yet, got %+v", reqs.Completions)
	}
}

func TestOperateAsyncImmediateCompletionRetiresReqMapAndSignals(t *testing.T) {
	tree := schema.New()
	tree.InsertCommand("Device.X.Reboot()", 1, nil, nil)
	reg := registry.New(tree, 10, 64, registry.Hooks{})
	svc, _ := reg.Add("svc-a", registry.RoleBrokerAsController, &fakeHandle{id: "h1"})
	svc.Group = 1

	subs := substable.NewMemTable()
	subs.Add(substable.Row{Instance: 1, ID: "broker-sub-1", NotifType: "OperationComplete", ReferenceList: []string{"Device.X.Reboot()"}, Enable: true})
	reqs := reqtable.NewMemTable()

	a := New(tree, reg, &fakeTransport{func(msg wire.Message) (wire.Message, error) {
		req := msg.(*wire.Operate)
		resp := &wire.OperateResp{OutputArgs: map[string]string{"Status": "OK"}}
		resp.SetMsgID(req.MsgID())
		return resp, nil
	}}, permissions.AllowAll{}, noopLocal{}, subs, reqs)

	req := &wire.Operate{CommandPath: "Device.X.Reboot()", CommandKey: "k1", SendResp: false}
	resp := a.Operate(context.Background(), "ctrl-1", req)
	if resp.Err != nil {
		t.Fatalf("unexpected error: %v", resp.Err)
	}
	if svc.Reqs.Len() != 0 {
		t.Fatalf("expected ReqMap entry retired on immediate completion, got %d", svc.Reqs.Len())
	}
	if len(reqs.Completions) != 1 || reqs.Completions[0].OutputArgs["Status"] != "OK" {
		t.Fatalf("expected a signalled completion with output args, got %+v", reqs.Completions)
	}
}
