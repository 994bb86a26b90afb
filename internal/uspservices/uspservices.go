// Package uspservices exposes the Broker's own Device.USPServices.* subtree
// (spec.md §6): a read-only listing of every connected Service, generated
// live from the registry rather than stored as data. It implements
// opadapter.LocalHandler for the Broker's built-in group. Grounded on the
// teacher's public/orchestrator/types.go status-snapshot pattern (render a
// live in-memory structure as a read-only external view).
package uspservices

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/uspbroker/core/internal/registry"
	"github.com/uspbroker/core/internal/wire"
)

const prefix = "Device.USPServices."
const instPrefix = prefix + "USPService."

// Exposer implements opadapter.LocalHandler for Device.USPServices.*.
type Exposer struct {
	Registry *registry.Registry
}

func New(reg *registry.Registry) *Exposer { return &Exposer{Registry: reg} }

func (e *Exposer) Get(paths []string) []wire.GetResult {
	out := make([]wire.GetResult, 0, len(paths))
	for _, p := range paths {
		out = append(out, e.getOne(p))
	}
	return out
}

func (e *Exposer) getOne(path string) wire.GetResult {
	if path == prefix+"USPServiceNumberOfEntries" {
		return wire.GetResult{RequestedPath: path, ResolvedPath: path, Params: map[string]string{
			path: strconv.Itoa(e.Registry.Len()),
		}}
	}

	instance, field, ok := parseInstancePath(path)
	if !ok {
		return wire.GetResult{RequestedPath: path, Err: wire.New(wire.RequestDenied, "path %q is not part of Device.USPServices.", path)}
	}
	svc, ok := e.Registry.ByInstance(instance)
	if !ok {
		return wire.GetResult{RequestedPath: path, Err: wire.New(wire.RequestDenied, "no Service at USPService instance %d", instance)}
	}

	value, ok := fieldValue(svc, field)
	if !ok {
		return wire.GetResult{RequestedPath: path, Err: wire.New(wire.RequestDenied, "unknown USPService field %q", field)}
	}
	return wire.GetResult{RequestedPath: path, ResolvedPath: path, Params: map[string]string{path: value}}
}

func fieldValue(svc *registry.Service, field string) (string, bool) {
	switch field {
	case "EndpointID":
		return svc.Endpoint, true
	case "Protocol":
		return "USP", true
	case "DataModelPaths":
		return strings.Join(svc.Prefixes, ","), true
	case "HasController":
		return strconv.FormatBool(svc.HasController), true
	}
	return "", false
}

func parseInstancePath(path string) (instance int, field string, ok bool) {
	if !strings.HasPrefix(path, instPrefix) {
		return 0, "", false
	}
	rest := strings.TrimPrefix(path, instPrefix)
	dot := strings.Index(rest, ".")
	if dot < 0 {
		return 0, "", false
	}
	n, err := strconv.Atoi(rest[:dot])
	if err != nil {
		return 0, "", false
	}
	return n, rest[dot+1:], true
}

// GetInstances lists the currently connected Services as
// Device.USPServices.USPService.{i}. instances.
func (e *Exposer) GetInstances(paths []string, firstLevelOnly bool) []wire.GetInstancesResult {
	out := make([]wire.GetInstancesResult, 0, len(paths))
	for _, p := range paths {
		if p != instPrefix && p != prefix {
			out = append(out, wire.GetInstancesResult{ObjectPath: p, Err: wire.New(wire.RequestDenied, "path %q is not a multi-instance object under Device.USPServices.", p)})
			continue
		}
		var instances []string
		for _, svc := range e.Registry.All() {
			instances = append(instances, fmt.Sprintf("%s%d.", instPrefix, svc.Instance))
		}
		out = append(out, wire.GetInstancesResult{ObjectPath: p, InstantiatedPaths: instances})
	}
	return out
}

// Set, Add, and Delete all fail: Device.USPServices.* is entirely read-only
// (spec §6).
func (e *Exposer) Set([]wire.SetParam) (*int, *wire.Error) {
	zero := 0
	return &zero, wire.New(wire.RequestDenied, "Device.USPServices. is read-only")
}

func (e *Exposer) Add(string, []wire.CreateParam) (string, []wire.ParamError, *wire.Error) {
	return "", nil, wire.New(wire.RequestDenied, "Device.USPServices. is read-only")
}

func (e *Exposer) Delete(paths []string) []wire.DeleteResult {
	out := make([]wire.DeleteResult, len(paths))
	for i, p := range paths {
		out[i] = wire.DeleteResult{Path: p, Err: wire.New(wire.RequestDenied, "Device.USPServices. is read-only")}
	}
	return out
}
