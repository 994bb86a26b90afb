// Package opadapter implements the Operation Adapter from spec.md §4.4: it
// takes a Controller-facing Get/Set/Add/Delete/Operate/GetInstances/
// GetSupportedDM request, resolves each path's owning group via the schema
// tree, and bridges it to the matching per-Service wire round trip (or to
// the Broker's own local handler for GroupBroker paths, e.g.
// Device.USPServices.* and the subscription table). Grounded on
// broker/service.go's handleRequest dispatch table, generalized from one
// flat request kind to the seven USP operation shapes.
package opadapter

import (
	"context"
	"sort"
	"strings"

	"github.com/uspbroker/core/internal/corrtables"
	"github.com/uspbroker/core/internal/mtp"
	"github.com/uspbroker/core/internal/permissions"
	"github.com/uspbroker/core/internal/registry"
	"github.com/uspbroker/core/internal/reqtable"
	"github.com/uspbroker/core/internal/schema"
	"github.com/uspbroker/core/internal/substable"
	"github.com/uspbroker/core/internal/wire"
)

// LocalHandler answers requests addressed to schema.GroupBroker paths —
// the Broker's own built-in subtree — without any wire round trip.
type LocalHandler interface {
	Get(paths []string) []wire.GetResult
	Set(params []wire.SetParam) (*int, *wire.Error)
	Add(objectPath string, params []wire.CreateParam) (string, []wire.ParamError, *wire.Error)
	Delete(paths []string) []wire.DeleteResult
	GetInstances(paths []string, firstLevelOnly bool) []wire.GetInstancesResult
}

// Adapter is the Operation Adapter.
type Adapter struct {
	Tree      schema.Tree
	Registry  *registry.Registry
	Transport mtp.Transport
	Perms     permissions.Store
	Local     LocalHandler

	// Subs is the Broker's own subscription table, consulted by async
	// Operate to check the OperationComplete-subscription precondition
	// (spec §4.4). Reqs is the Broker Request-table driven on the
	// Started/immediate-completion branches of that same row.
	Subs substable.Table
	Reqs reqtable.Table
}

func New(tree schema.Tree, reg *registry.Registry, transport mtp.Transport, perms permissions.Store, local LocalHandler, subs substable.Table, reqs reqtable.Table) *Adapter {
	return &Adapter{Tree: tree, Registry: reg, Transport: transport, Perms: perms, Local: local, Subs: subs, Reqs: reqs}
}

// groupFor resolves path to its owning group, or reports not-found.
func (a *Adapter) groupFor(path string) (schema.GroupID, bool) {
	return a.Tree.GroupOf(path)
}

func notRegistered(path string) wire.GetResult {
	return wire.GetResult{RequestedPath: path, Err: wire.New(wire.RequestDenied, "path %q is not registered by any Service", path)}
}

// Get implements spec §4.4's Get row: paths are grouped by owning Service,
// one GetResp round trip per Service, results stitched back together in
// request order.
func (a *Adapter) Get(ctx context.Context, originator string, req *wire.Get) *wire.GetResp {
	byGroup := map[schema.GroupID][]string{}
	var local []string
	results := make(map[string]wire.GetResult)

	for _, p := range req.Paths {
		if !a.Perms.Allowed(originator, p, permissions.ActionGet) {
			results[p] = wire.GetResult{RequestedPath: p, Err: wire.New(wire.RequestDenied, "not permitted")}
			continue
		}
		group, ok := a.groupFor(p)
		if !ok {
			results[p] = notRegistered(p)
			continue
		}
		if group == schema.GroupBroker {
			local = append(local, p)
			continue
		}
		byGroup[group] = append(byGroup[group], p)
	}

	if len(local) > 0 {
		for _, r := range a.Local.Get(local) {
			results[r.RequestedPath] = r
		}
	}

	for group, paths := range byGroup {
		svc, ok := a.Registry.ByGroup(group)
		if !ok {
			for _, p := range paths {
				results[p] = notRegistered(p)
			}
			continue
		}
		out, err := a.roundTrip(ctx, svc, &wire.Get{Paths: paths, MaxDepth: req.MaxDepth}, wire.KindGetResp)
		if err != nil {
			for _, p := range paths {
				results[p] = wire.GetResult{RequestedPath: p, Err: toWireError(err)}
			}
			continue
		}
		resp := out.(*wire.GetResp)
		for _, r := range resp.Results {
			results[r.RequestedPath] = r
		}
	}

	return &wire.GetResp{Results: orderResults(req.Paths, results)}
}

func orderResults(paths []string, results map[string]wire.GetResult) []wire.GetResult {
	out := make([]wire.GetResult, 0, len(paths))
	for _, p := range paths {
		if r, ok := results[p]; ok {
			out = append(out, r)
		} else {
			out = append(out, notRegistered(p))
		}
	}
	return out
}

// Set implements spec §4.4's Set row. Per-Service params are grouped so a
// single Service partial failure (AllowPartial=false) reports FailingIndex
// against the *original* request's parameter ordering.
func (a *Adapter) Set(ctx context.Context, originator string, req *wire.Set) *wire.SetResp {
	byGroup := map[schema.GroupID][]int{}
	var localIdx []int

	for i, p := range req.Params {
		if !a.Perms.Allowed(originator, p.Path, permissions.ActionSet) {
			return &wire.SetResp{FailingIndex: intPtr(i), Err: wire.New(wire.RequestDenied, "not permitted: %s", p.Path)}
		}
		group, ok := a.groupFor(p.Path)
		if !ok {
			return &wire.SetResp{FailingIndex: intPtr(i), Err: wire.New(wire.RequestDenied, "path %q is not registered by any Service", p.Path)}
		}
		if group == schema.GroupBroker {
			localIdx = append(localIdx, i)
			continue
		}
		byGroup[group] = append(byGroup[group], i)
	}

	if len(localIdx) > 0 {
		params := make([]wire.SetParam, len(localIdx))
		for j, idx := range localIdx {
			params[j] = req.Params[idx]
		}
		if failing, err := a.Local.Set(params); err != nil {
			idx := localIdx[0]
			if failing != nil && *failing < len(localIdx) {
				idx = localIdx[*failing]
			}
			return &wire.SetResp{FailingIndex: intPtr(idx), Err: err}
		}
	}

	for group, idxs := range byGroup {
		svc, ok := a.Registry.ByGroup(group)
		if !ok {
			return &wire.SetResp{FailingIndex: intPtr(idxs[0]), Err: wire.New(wire.RequestDenied, "group %d has no live Service", group)}
		}
		params := make([]wire.SetParam, len(idxs))
		for j, idx := range idxs {
			params[j] = req.Params[idx]
		}
		out, err := a.roundTrip(ctx, svc, &wire.Set{Params: params, AllowPartial: req.AllowPartial}, wire.KindSetResp)
		if err != nil {
			return &wire.SetResp{FailingIndex: intPtr(idxs[0]), Err: toWireError(err)}
		}
		resp := out.(*wire.SetResp)
		if resp.Err != nil {
			failIdx := idxs[0]
			if resp.FailingIndex != nil && *resp.FailingIndex < len(idxs) {
				failIdx = idxs[*resp.FailingIndex]
			}
			return &wire.SetResp{FailingIndex: intPtr(failIdx), Err: resp.Err}
		}
	}
	return &wire.SetResp{}
}

// Add implements spec §4.4's Add row: the object path's group owns the
// whole creation (a new object cannot span Services).
func (a *Adapter) Add(ctx context.Context, originator string, req *wire.Add) *wire.AddResp {
	if !a.Perms.Allowed(originator, req.ObjectPath, permissions.ActionAdd) {
		return &wire.AddResp{Err: wire.New(wire.RequestDenied, "not permitted: %s", req.ObjectPath)}
	}
	group, ok := a.groupFor(req.ObjectPath)
	if !ok {
		return &wire.AddResp{Err: wire.New(wire.RequestDenied, "object %q is not a registered multi-instance object", req.ObjectPath)}
	}
	if group == schema.GroupBroker {
		path, paramErrs, err := a.Local.Add(req.ObjectPath, req.Params)
		return &wire.AddResp{InstantiatedPath: path, ParamErrors: paramErrs, Err: err}
	}
	svc, ok := a.Registry.ByGroup(group)
	if !ok {
		return &wire.AddResp{Err: wire.New(wire.RequestDenied, "group %d has no live Service", group)}
	}
	out, err := a.roundTrip(ctx, svc, &wire.Add{ObjectPath: req.ObjectPath, Params: req.Params}, wire.KindAddResp)
	if err != nil {
		return &wire.AddResp{Err: toWireError(err)}
	}
	return out.(*wire.AddResp)
}

// Delete implements spec §4.4's Delete/MultiDelete row.
func (a *Adapter) Delete(ctx context.Context, originator string, req *wire.Delete) *wire.DeleteResp {
	byGroup := map[schema.GroupID][]int{}
	var localIdx []int
	results := make([]wire.DeleteResult, len(req.Paths))

	for i, p := range req.Paths {
		if !a.Perms.Allowed(originator, p, permissions.ActionDelete) {
			results[i] = wire.DeleteResult{Path: p, Err: wire.New(wire.RequestDenied, "not permitted")}
			continue
		}
		group, ok := a.groupFor(p)
		if !ok {
			results[i] = wire.DeleteResult{Path: p, Err: wire.New(wire.RequestDenied, "path %q is not registered by any Service", p)}
			continue
		}
		if group == schema.GroupBroker {
			localIdx = append(localIdx, i)
			continue
		}
		byGroup[group] = append(byGroup[group], i)
	}

	if len(localIdx) > 0 {
		paths := make([]string, len(localIdx))
		for j, idx := range localIdx {
			paths[j] = req.Paths[idx]
		}
		for j, r := range a.Local.Delete(paths) {
			results[localIdx[j]] = r
		}
	}

	for group, idxs := range byGroup {
		paths := make([]string, len(idxs))
		for j, idx := range idxs {
			paths[j] = req.Paths[idx]
		}
		svc, ok := a.Registry.ByGroup(group)
		if !ok {
			for _, idx := range idxs {
				results[idx] = wire.DeleteResult{Path: req.Paths[idx], Err: wire.New(wire.RequestDenied, "group %d has no live Service", group)}
			}
			continue
		}
		out, err := a.roundTrip(ctx, svc, &wire.Delete{Paths: paths, AllowPartial: req.AllowPartial}, wire.KindDeleteResp)
		if err != nil {
			for _, idx := range idxs {
				results[idx] = wire.DeleteResult{Path: req.Paths[idx], Err: toWireError(err)}
			}
			continue
		}
		resp := out.(*wire.DeleteResp)
		for j, r := range resp.Results {
			if j < len(idxs) {
				results[idxs[j]] = r
			}
		}
	}
	return &wire.DeleteResp{Results: results}
}

// GetInstances implements spec §4.4's GetInstances row.
func (a *Adapter) GetInstances(ctx context.Context, originator string, req *wire.GetInstances) *wire.GetInstancesResp {
	byGroup := map[schema.GroupID][]string{}
	var local []string
	results := make(map[string]wire.GetInstancesResult)

	for _, p := range req.Paths {
		group, ok := a.groupFor(p)
		if !ok {
			results[p] = wire.GetInstancesResult{ObjectPath: p, Err: wire.New(wire.RequestDenied, "path %q is not registered by any Service", p)}
			continue
		}
		if group == schema.GroupBroker {
			local = append(local, p)
			continue
		}
		byGroup[group] = append(byGroup[group], p)
	}

	if len(local) > 0 {
		for _, r := range a.Local.GetInstances(local, req.FirstLevelOnly) {
			results[r.ObjectPath] = r
		}
	}

	for group, paths := range byGroup {
		svc, ok := a.Registry.ByGroup(group)
		if !ok {
			for _, p := range paths {
				results[p] = wire.GetInstancesResult{ObjectPath: p, Err: wire.New(wire.RequestDenied, "group %d has no live Service", group)}
			}
			continue
		}
		out, err := a.roundTrip(ctx, svc, &wire.GetInstances{Paths: paths, FirstLevelOnly: req.FirstLevelOnly}, wire.KindGetInstancesResp)
		if err != nil {
			for _, p := range paths {
				results[p] = wire.GetInstancesResult{ObjectPath: p, Err: toWireError(err)}
			}
			continue
		}
		resp := out.(*wire.GetInstancesResp)
		for _, r := range resp.Results {
			results[r.ObjectPath] = r
		}
	}

	out := make([]wire.GetInstancesResult, 0, len(req.Paths))
	for _, p := range req.Paths {
		out = append(out, results[p])
	}
	return &wire.GetInstancesResp{Results: out}
}

// GetSupportedDM passes each requested path straight through to the single
// Service whose group owns it. Paths owned by the Broker itself, or by no
// registered Service, contribute no objects; a request for Device. is not
// fanned out across Services.
func (a *Adapter) GetSupportedDM(ctx context.Context, req *wire.GetSupportedDM) *wire.GetSupportedDMResp {
	var out []wire.SupportedObject
	for _, p := range req.Paths {
		group, ok := a.groupFor(p)
		if !ok {
			continue
		}
		if group == schema.GroupBroker {
			continue
		}
		svc, ok := a.Registry.ByGroup(group)
		if !ok {
			continue
		}
		resp, err := a.roundTrip(ctx, svc, &wire.GetSupportedDM{Paths: []string{p}, ReturnCommands: req.ReturnCommands, ReturnEvents: req.ReturnEvents, ReturnParams: req.ReturnParams}, wire.KindGetSupportedDMResp)
		if err != nil {
			continue
		}
		out = append(out, resp.(*wire.GetSupportedDMResp).Objects...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return &wire.GetSupportedDMResp{Objects: out}
}

// Operate implements spec §4.4's Operate row: sync commands complete inline,
// async commands (send_resp=false) return the Started branch immediately and
// their eventual OperationComplete/Failure arrives later via the
// Notification Router (internal/notify) against the ReqMap entry created
// here.
func (a *Adapter) Operate(ctx context.Context, originator string, req *wire.Operate) *wire.OperateResp {
	if !a.Perms.Allowed(originator, req.CommandPath, permissions.ActionOperate) {
		return &wire.OperateResp{Err: wire.New(wire.RequestDenied, "not permitted: %s", req.CommandPath)}
	}
	group, ok := a.groupFor(req.CommandPath)
	if !ok || group == schema.GroupBroker {
		return &wire.OperateResp{Err: wire.New(wire.RequestDenied, "command %q is not registered by any Service", req.CommandPath)}
	}
	svc, ok := a.Registry.ByGroup(group)
	if !ok {
		return &wire.OperateResp{Err: wire.New(wire.RequestDenied, "group %d has no live Service", group)}
	}

	var entry corrtables.ReqEntry
	if !req.SendResp {
		// §4.4's async Operate precondition: refuse unless the Broker
		// already holds an enabled OperationComplete subscription matching
		// this command's path, since otherwise it would never learn the
		// command finished.
		if !a.hasOperationCompleteSubscription(req.CommandPath) {
			return &wire.OperateResp{Err: wire.New(wire.RequestDenied, "no OperationComplete subscription covers %q", req.CommandPath)}
		}

		instance := svc.Reqs.Len() + 1
		if a.Reqs != nil {
			instance = a.Reqs.NewRow(req.CommandPath, req.CommandKey)
		}
		entry = corrtables.ReqEntry{RequestInstance: instance, CommandPath: req.CommandPath, CommandKey: req.CommandKey}
		// Inserted before the request is sent so a (malformed) Service
		// emitting OperationComplete before its OperateResp is still
		// correlated (spec §4.4's async success-path ordering).
		if !svc.Reqs.Insert(entry) {
			if a.Reqs != nil {
				a.Reqs.Remove(instance)
			}
			return &wire.OperateResp{Err: wire.New(wire.CommandFailure, "command_key %q already in progress for %s", req.CommandKey, req.CommandPath)}
		}
	}

	out, err := a.roundTrip(ctx, svc, req, wire.KindOperateResp)
	if err != nil {
		if !req.SendResp {
			svc.Reqs.RemoveByCommand(req.CommandPath, req.CommandKey)
			if a.Reqs != nil {
				a.Reqs.Remove(entry.RequestInstance)
			}
		}
		return &wire.OperateResp{Err: toWireError(err)}
	}
	resp := out.(*wire.OperateResp)

	if !req.SendResp {
		if resp.OutputArgs != nil {
			// The command completed inside the Operate reply itself — an
			// immediate completion (spec §4.4's async success path). Retire
			// the ReqMap entry and signal completion directly; no later
			// OperationComplete notification is coming.
			svc.Reqs.RemoveByCommand(req.CommandPath, req.CommandKey)
			if a.Reqs != nil {
				a.Reqs.SignalOperationComplete(entry.RequestInstance, resp.OutputArgs, nil)
			}
		} else if resp.Err == nil && a.Reqs != nil {
			a.Reqs.MarkActive(entry.RequestInstance)
		}
	}
	return resp
}

// hasOperationCompleteSubscription reports whether the Broker's own
// subscription table holds an enabled row whose NotifType is
// OperationComplete and whose ReferenceList names commandPath itself or an
// ancestor object path of it (spec §4.4).
func (a *Adapter) hasOperationCompleteSubscription(commandPath string) bool {
	if a.Subs == nil {
		return false
	}
	for _, row := range a.Subs.Rows() {
		if !row.Enable || row.NotifType != string(wire.NotifOperationComplete) {
			continue
		}
		for _, ref := range row.ReferenceList {
			if ref == commandPath || strings.HasPrefix(commandPath, ref) {
				return true
			}
		}
	}
	return false
}

// SubscribeAdd issues an Add directly against svc's own vendor-layer
// Device.LocalAgent.Subscription. table (spec §4.5). Subscription
// Synchronization always knows which Service a row belongs to before it
// acts, so this bypasses the schema-tree group lookup Get/Set/Add/Delete
// normally use — that table is local to each Service, never federated into
// the Device. tree.
func (a *Adapter) SubscribeAdd(ctx context.Context, svc *registry.Service, req *wire.Add) (*wire.AddResp, error) {
	out, err := a.roundTrip(ctx, svc, req, wire.KindAddResp)
	if err != nil {
		return nil, err
	}
	return out.(*wire.AddResp), nil
}

// SubscribeDelete issues a Delete directly against svc's vendor-layer
// subscription table, the teardown counterpart of SubscribeAdd.
func (a *Adapter) SubscribeDelete(ctx context.Context, svc *registry.Service, req *wire.Delete) (*wire.DeleteResp, error) {
	out, err := a.roundTrip(ctx, svc, req, wire.KindDeleteResp)
	if err != nil {
		return nil, err
	}
	return out.(*wire.DeleteResp), nil
}

func (a *Adapter) roundTrip(ctx context.Context, svc *registry.Service, msg wire.Message, expect wire.Kind) (wire.Message, error) {
	msg.SetMsgID(wire.NewMessageID())
	return a.Transport.SendAndWaitForResponse(ctx, svc.ControllerHandle, msg, []wire.Kind{expect}, mtp.DefaultResponseTimeout)
}

func toWireError(err error) *wire.Error {
	if werr, ok := err.(*wire.Error); ok {
		return werr
	}
	return wire.New(wire.Internal, "%v", err)
}

func intPtr(i int) *int { return &i }
