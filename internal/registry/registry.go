// Package registry implements the Service Registry, spec.md §4.1: the
// fixed-capacity table of connected Services, each owning a group id, its
// registered path prefixes, up to two transport handles, and its three
// correlation tables. It is grounded on the connection map in the teacher's
// broker/service.go (one record per endpoint, added on connect and torn
// down on disconnect) combined with the mutation-with-callback registry
// shape from other_examples' envoyage internal/registry package.
package registry

import (
	"sort"
	"sync"

	"github.com/uspbroker/core/internal/corrtables"
	"github.com/uspbroker/core/internal/mtp"
	"github.com/uspbroker/core/internal/schema"
	"github.com/uspbroker/core/internal/wire"
)

// Role distinguishes the two transport handles a Service can own. Spec §4.1:
// one for the Broker acting as Controller towards the Service (on this link
// the Service plays Agent), one for the Broker acting as Agent towards the
// Service (on this link the Service plays Controller, e.g. to subscribe to
// Device.USPServices.* changes on the Broker itself).
type Role int

const (
	// RoleBrokerAsController is the handle the Broker uses to send Get/Set/
	// Add/Delete/Operate/Subscribe requests to the Service.
	RoleBrokerAsController Role = iota
	// RoleBrokerAsAgent is the handle the Broker uses to deliver
	// notifications and responses when the Service itself opened a
	// connection acting as Controller.
	RoleBrokerAsAgent
)

// FailFlag enumerates the Failure Propagation reasons from spec §4.8.
type FailFlag int

const (
	FailCommandsInProgress FailFlag = 1 << iota
	FailSubscriptionsOrphaned
)

// Service is one connected Service's record: its endpoint, allocated group
// and instance number, live transport handles, registered path prefixes,
// and its three correlation tables.
type Service struct {
	Endpoint string
	Instance int
	Group    schema.GroupID

	ControllerHandle mtp.Handle
	AgentHandle      mtp.Handle

	// HasController is set once the Service itself has opened an
	// agent-side connection to the Broker (spec §6,
	// Device.USPServices.{i}.HasController).
	HasController bool

	// SchemaImported is false until a GetSupportedDM round trip has
	// populated this Service's group in the schema tree. No request path
	// checks it: paths in the group are routed to the Service the same way
	// before and after the import.
	SchemaImported bool

	Prefixes []string

	Subs corrtables.SubsMap
	Reqs corrtables.ReqMap
	Msgs corrtables.MsgMap
}

// Hooks lets higher layers observe registry-driven lifecycle events without
// registry importing them back (avoiding an import cycle with lifecycle).
type Hooks struct {
	// OnFailurePropagation fires from HandleDisconnect when the lost
	// handle is the Service's Broker-as-Controller link (spec §4.8).
	OnFailurePropagation func(svc *Service, flags FailFlag)
	// OnDestroy fires once both handles are gone and the record is about
	// to be removed, before its schema subtree and group id are released.
	OnDestroy func(svc *Service)
}

// Registry is the fixed-capacity Service table.
type Registry struct {
	mu sync.Mutex

	tree     schema.Tree
	hooks    Hooks
	capacity int
	maxGroup schema.GroupID

	byEndpoint map[string]*Service
	usedGroups map[schema.GroupID]bool
	nextGroup  schema.GroupID
	nextInst   int
}

// New creates a Registry bounded to capacity Services and maxGroup group ids
// (group 0 is reserved for the Broker itself, spec §4.1/§6).
func New(tree schema.Tree, capacity int, maxGroup schema.GroupID, hooks Hooks) *Registry {
	return &Registry{
		tree:       tree,
		hooks:      hooks,
		capacity:   capacity,
		maxGroup:   maxGroup,
		byEndpoint: make(map[string]*Service),
		usedGroups: map[schema.GroupID]bool{schema.GroupBroker: true},
		nextGroup:  schema.GroupBroker + 1,
	}
}

// Add registers a new Service connecting on handle in the given role. It
// fails with wire.ResourcesExceeded if the table is full or no group id is
// free.
func (r *Registry) Add(endpoint string, role Role, handle mtp.Handle) (*Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byEndpoint[endpoint]; ok {
		r.setHandle(existing, role, handle)
		return existing, nil
	}

	if len(r.byEndpoint) >= r.capacity {
		return nil, wire.New(wire.ResourcesExceeded, "registry: capacity %d reached", r.capacity)
	}

	group, ok := r.allocateGroup()
	if !ok {
		return nil, wire.New(wire.ResourcesExceeded, "registry: no group id available (max %d)", r.maxGroup)
	}

	r.nextInst++
	svc := &Service{
		Endpoint: endpoint,
		Instance: r.nextInst,
		Group:    group,
	}
	r.setHandle(svc, role, handle)
	r.byEndpoint[endpoint] = svc
	return svc, nil
}

func (r *Registry) setHandle(svc *Service, role Role, handle mtp.Handle) {
	switch role {
	case RoleBrokerAsController:
		svc.ControllerHandle = handle
	case RoleBrokerAsAgent:
		svc.AgentHandle = handle
		svc.HasController = true
	}
}

func (r *Registry) allocateGroup() (schema.GroupID, bool) {
	for g := r.nextGroup; g <= r.maxGroup; g++ {
		if !r.usedGroups[g] {
			r.usedGroups[g] = true
			r.nextGroup = g + 1
			return g, true
		}
	}
	for g := schema.GroupBroker + 1; g < r.nextGroup; g++ {
		if !r.usedGroups[g] {
			r.usedGroups[g] = true
			return g, true
		}
	}
	return 0, false
}

// UpdateTransport replaces svc's handle for role, closing the prior handle
// first if one was live (spec §4.1: "replacing a live handle releases the
// prior one first").
func (r *Registry) UpdateTransport(svc *Service, role Role, handle mtp.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var prior mtp.Handle
	switch role {
	case RoleBrokerAsController:
		prior = svc.ControllerHandle
	case RoleBrokerAsAgent:
		prior = svc.AgentHandle
	}
	if prior != nil {
		prior.Close()
	}
	r.setHandle(svc, role, handle)
}

// HandleDisconnect clears the handle for role, triggers Failure Propagation
// if the lost handle was the Service's Broker-as-Controller link (spec
// §4.8: loss of that link strands any in-flight Operate/Get/Set/Add/Delete
// and orphans vendor-layer subscriptions), and destroys the record outright
// once both handles are gone.
func (r *Registry) HandleDisconnect(endpoint string, role Role) {
	r.mu.Lock()
	svc, ok := r.byEndpoint[endpoint]
	if !ok {
		r.mu.Unlock()
		return
	}

	switch role {
	case RoleBrokerAsController:
		svc.ControllerHandle = nil
	case RoleBrokerAsAgent:
		svc.AgentHandle = nil
	}

	destroy := svc.ControllerHandle == nil && svc.AgentHandle == nil
	if destroy {
		delete(r.byEndpoint, endpoint)
		delete(r.usedGroups, svc.Group)
	}
	r.mu.Unlock()

	if role == RoleBrokerAsController && r.hooks.OnFailurePropagation != nil {
		r.hooks.OnFailurePropagation(svc, FailCommandsInProgress|FailSubscriptionsOrphaned)
	}
	if destroy {
		if r.hooks.OnDestroy != nil {
			r.hooks.OnDestroy(svc)
		}
		if r.tree != nil {
			for _, p := range svc.Prefixes {
				r.tree.RemoveSubtree(p)
			}
		}
	}
}

func (r *Registry) FindByEndpoint(endpoint string) (*Service, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.byEndpoint[endpoint]
	return svc, ok
}

func (r *Registry) ByInstance(instance int) (*Service, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, svc := range r.byEndpoint {
		if svc.Instance == instance {
			return svc, true
		}
	}
	return nil, false
}

func (r *Registry) ByGroup(group schema.GroupID) (*Service, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, svc := range r.byEndpoint {
		if svc.Group == group {
			return svc, true
		}
	}
	return nil, false
}

// All returns every registered Service ordered by instance number — the
// iteration order Device.USPServices.* listings use (spec §6).
func (r *Registry) All() []*Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Service, 0, len(r.byEndpoint))
	for _, svc := range r.byEndpoint {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byEndpoint)
}

// MarkSchemaImported appends prefixes to svc.Prefixes and sets
// SchemaImported.
func (r *Registry) MarkSchemaImported(svc *Service, prefixes []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc.Prefixes = append(svc.Prefixes, prefixes...)
	svc.SchemaImported = true
}
