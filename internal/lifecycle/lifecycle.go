// Package lifecycle implements the Register/Deregister protocol (spec.md
// §4.2), path validation (§4.3), and Failure Propagation (§4.8). It is the
// glue between a newly connected Service's handshake and the schema tree/
// registry/correlation tables the rest of the core depends on. Grounded on
// broker/service.go's connect-validate-commit handshake, generalized from
// "accept a pub/sub connection" to "accept a schema fragment".
package lifecycle

import (
	"context"
	"strings"

	"github.com/uspbroker/core/internal/importer"
	"github.com/uspbroker/core/internal/mtp"
	"github.com/uspbroker/core/internal/registry"
	"github.com/uspbroker/core/internal/reqtable"
	"github.com/uspbroker/core/internal/schema"
	"github.com/uspbroker/core/internal/wire"
)

// Manager owns the Register/Deregister handshake and Failure Propagation.
type Manager struct {
	Tree      schema.Tree
	Registry  *registry.Registry
	Transport mtp.Transport
	Reqs      reqtable.Table
}

func New(tree schema.Tree, reg *registry.Registry, transport mtp.Transport, reqs reqtable.Table) *Manager {
	return &Manager{Tree: tree, Registry: reg, Transport: transport, Reqs: reqs}
}

// ValidatePath implements spec §4.3's registration path rules: every
// registered prefix must live under Device., must name an object (end in
// "."), contain only alphanumerics and ".", carry no literal instance
// number segment, and carry no template placeholder.
func ValidatePath(path string) *wire.Error {
	if !strings.HasPrefix(path, "Device.") {
		return wire.New(wire.RegisterFailure, "path %q does not start with Device.", path)
	}
	if !strings.HasSuffix(path, ".") {
		return wire.New(wire.RegisterFailure, "path %q must name an object (trailing '.')", path)
	}
	if strings.ContainsAny(path, "{}") {
		return wire.New(wire.RegisterFailure, "path %q contains a template placeholder", path)
	}
	for _, r := range path {
		if r == '.' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return wire.New(wire.RegisterFailure, "path %q contains a character other than alphanumerics and '.'", path)
	}
	for _, seg := range strings.Split(strings.Trim(path, "."), ".") {
		if seg != "" && seg[0] >= '0' && seg[0] <= '9' {
			return wire.New(wire.RegisterFailure, "path %q contains a literal instance number segment %q", path, seg)
		}
	}
	return nil
}

// HandleRegister validates req's paths, then pulls the Service's schema via
// GetSupportedDM and imports it, per spec §4.2 steps 1-5.
//
// A Service that has already registered any prefix successfully is refused
// outright on any later Register (spec §4.2's single-registration policy).
func (m *Manager) HandleRegister(ctx context.Context, svc *registry.Service, req *wire.Register) *wire.RegisterResp {
	if len(svc.Prefixes) > 0 {
		var results []wire.RegisterResult
		for _, p := range req.Paths {
			results = append(results, wire.RegisterResult{Path: p, Err: wire.New(wire.RegisterFailure, "Service %s has already registered; re-register is refused", svc.Endpoint)})
		}
		return &wire.RegisterResp{Results: results}
	}

	type outcome struct {
		path string
		err  *wire.Error
	}
	var outcomes []outcome
	for _, p := range req.Paths {
		if err := ValidatePath(p); err != nil {
			outcomes = append(outcomes, outcome{p, err})
			continue
		}
		if m.Tree.Conflicts(p) {
			outcomes = append(outcomes, outcome{p, wire.New(wire.PathAlreadyRegistered, "path %q overlaps an existing registration", p)})
			continue
		}
		outcomes = append(outcomes, outcome{p, nil})
	}

	conflict := false
	for _, o := range outcomes {
		if o.err != nil {
			conflict = true
			break
		}
	}

	// §4.2: "If any prefix conflicts and allow_partial is false, the whole
	// Register fails and no prefixes are accepted."
	if conflict && !req.AllowPartial {
		var out []wire.RegisterResult
		for _, o := range outcomes {
			err := o.err
			if err == nil {
				err = wire.New(wire.RegisterFailure, "register aborted: %q requested allow_partial=false and another prefix conflicted", o.path)
			}
			out = append(out, wire.RegisterResult{Path: o.path, Err: err})
		}
		return &wire.RegisterResp{Results: out}
	}

	var results []wire.RegisterResult
	var accepted []string
	for _, o := range outcomes {
		if o.err != nil {
			results = append(results, wire.RegisterResult{Path: o.path, Err: o.err})
			continue
		}
		accepted = append(accepted, o.path)
	}

	if len(accepted) == 0 {
		return &wire.RegisterResp{Results: results}
	}

	// Install a single-instance placeholder on each accepted prefix before
	// the GSDM round trip so a Register arriving while this one is suspended
	// in SendAndWaitForResponse sees the reservation via Tree.Conflicts
	// (spec §4.2, §5's re-entrant-suspension hazard).
	for _, p := range accepted {
		m.Tree.InsertPlaceholder(p, svc.Group)
	}

	gsdmReq := &wire.GetSupportedDM{Paths: accepted, ReturnCommands: true, ReturnEvents: true, ReturnParams: true}
	gsdmReq.SetMsgID(wire.NewMessageID())
	respMsg, err := m.Transport.SendAndWaitForResponse(ctx, svc.ControllerHandle, gsdmReq, []wire.Kind{wire.KindGetSupportedDMResp}, mtp.DefaultResponseTimeout)
	if err != nil {
		for _, p := range accepted {
			results = append(results, wire.RegisterResult{Path: p, Err: asWireError(err)})
		}
		return &wire.RegisterResp{Results: results}
	}

	_, impErr := importer.Import(m.Tree, svc.Group, respMsg.(*wire.GetSupportedDMResp))
	if impErr != nil {
		for _, p := range accepted {
			results = append(results, wire.RegisterResult{Path: p, Err: wire.New(wire.RegisterFailure, "%v", impErr)})
		}
		return &wire.RegisterResp{Results: results}
	}

	m.Registry.MarkSchemaImported(svc, accepted)
	for _, p := range accepted {
		results = append(results, wire.RegisterResult{Path: p})
	}
	return &wire.RegisterResp{Results: results}
}

// HandleDeregister implements spec §4.2's teardown: an empty Paths list (or
// a single "" entry) means every prefix the Service owns.
func (m *Manager) HandleDeregister(svc *registry.Service, req *wire.Deregister) *wire.DeregisterResp {
	targets := req.Paths
	if len(targets) == 0 || (len(targets) == 1 && targets[0] == "") {
		targets = append([]string(nil), svc.Prefixes...)
	}

	var succeeded []string
	var failures []wire.DeregisterFailureEntry

	for _, p := range targets {
		if !ownsPrefix(svc, p) {
			failures = append(failures, wire.DeregisterFailureEntry{Path: p, Err: wire.New(wire.DeregisterFailure, "Service does not own prefix %q", p)})
			continue
		}
		m.Tree.RemoveSubtree(p)
		svc.Subs.RemoveUnderPath(p)
		for _, e := range svc.Reqs.RemoveUnderPath(p) {
			if m.Reqs != nil {
				m.Reqs.SignalOperationComplete(e.RequestInstance, nil, wire.New(wire.CommandFailure, "command %q on %q removed by deregister of %q", e.CommandKey, e.CommandPath, p))
			}
		}
		svc.Prefixes = removePrefix(svc.Prefixes, p)
		succeeded = append(succeeded, p)
	}

	resp := &wire.DeregisterResp{Failures: failures}
	if len(succeeded) > 0 {
		resp.Success = &wire.DeregisterSuccess{Paths: succeeded}
	}
	return resp
}

// PropagateFailure implements spec §4.8: loss of a Service's
// Broker-as-Controller transport fails every in-flight async command with
// CommandFailure and orphans its vendor-layer subscriptions (no retry, no
// reconnection heuristics — spec's explicit Non-goals).
func (m *Manager) PropagateFailure(svc *registry.Service, flags registry.FailFlag) {
	if flags&registry.FailCommandsInProgress != 0 {
		for _, e := range svc.Reqs.Clear() {
			if m.Reqs != nil {
				m.Reqs.SignalOperationComplete(e.RequestInstance, nil, wire.New(wire.CommandFailure, "Service %s disconnected while command was in progress", svc.Endpoint))
			}
		}
	}
	if flags&registry.FailSubscriptionsOrphaned != 0 {
		svc.Subs.Clear()
	}
	// The MsgMap is always destroyed on transport loss: any outstanding
	// passthrough response is now unreachable on this handle, and the
	// Broker does not retry passthrough (spec §4.8).
	svc.Msgs.Clear()
}

func ownsPrefix(svc *registry.Service, path string) bool {
	for _, p := range svc.Prefixes {
		if p == path {
			return true
		}
	}
	return false
}

func removePrefix(prefixes []string, path string) []string {
	out := prefixes[:0:0]
	for _, p := range prefixes {
		if p != path {
			out = append(out, p)
		}
	}
	return out
}

func asWireError(err error) *wire.Error {
	if werr, ok := err.(*wire.Error); ok {
		return werr
	}
	return wire.New(wire.Internal, "%v", err)
}
