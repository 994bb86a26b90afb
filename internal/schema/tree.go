// Package schema is a stand-in for the Broker's unified Device. data-model
// registry and schema tree. spec.md §1 lists the "local data-model registry
// and schema tree" as an external collaborator, specified only by the
// interfaces the core consumes — this package is that interface (Tree) plus
// one minimal in-memory implementation sufficient to exercise the
// placeholder-then-refine import flow (§4.2) and the Device.USPServices.*
// exposure (§6). It is not a full USP data-model engine: it tracks schema
// shape and group-id ownership, not live instance data.
package schema

import (
	"strings"
	"sync"

	"github.com/uspbroker/core/internal/wire"
)

// GroupID tags every schema node with its owning Service. GroupBroker is
// reserved for the Broker's own built-in subtree and is never handed out to
// a Service.
type GroupID int

const GroupBroker GroupID = 0

// Kind distinguishes the shape of a schema node.
type Kind int

const (
	KindObjectSingle Kind = iota
	KindObjectMulti
	KindParam
	KindCommand
	KindEvent
)

// Node is one entry in the unified schema tree.
type Node struct {
	Path     string
	Kind     Kind
	Group    GroupID
	Writable bool
	Type     wire.ParamType

	// RefreshHook is true for a top-level multi-instance object (exactly one
	// "{i}." at the tail) — spec §4.2 step 2 installs a refresh-instances
	// hook for these.
	RefreshHook bool

	InputArgs  []string
	OutputArgs []string
}

// Tree is the schema-tree collaborator contract the core depends on.
type Tree interface {
	// InsertPlaceholder installs a single-instance object placeholder at
	// prefix, tagged with group. Used when a Register is accepted, before
	// GetSupportedDM has run (spec §4.2).
	InsertPlaceholder(prefix string, group GroupID) error

	// InsertMultiInstanceObject registers a grouped multi-instance object.
	InsertMultiInstanceObject(path string, group GroupID, writable bool) error

	// InsertParam registers a grouped vendor parameter under an object.
	InsertParam(path string, group GroupID, typ wire.ParamType, writable bool) error

	// InsertCommand registers a grouped command under an object.
	InsertCommand(path string, group GroupID, inArgs, outArgs []string) error

	// InsertEvent registers a grouped event under an object.
	InsertEvent(path string, group GroupID, args []string) error

	// RemoveSubtree removes every node at or under prefix.
	RemoveSubtree(prefix string)

	// Resolve looks up the schema node backing a concrete (possibly
	// instance-numbered) path, normalizing numeric segments against any
	// multi-instance template on file.
	Resolve(path string) (*Node, bool)

	// GroupOf returns the owning group of the schema node whose path is the
	// longest matching ancestor of path (after instance normalization).
	GroupOf(path string) (GroupID, bool)

	// Conflicts reports whether prefix overlaps any existing node's path in
	// either direction (prefix is an ancestor of, or a descendant of, an
	// existing node) — the overlap check spec §3's invariants require.
	Conflicts(prefix string) bool

	// IsTopLevelMultiInstance reports whether path is registered as a
	// multi-instance object with exactly one "{i}." at its tail.
	IsTopLevelMultiInstance(path string) bool

	// NodesByGroup returns every node tagged with group.
	NodesByGroup(group GroupID) []*Node
}

// memTree is the in-memory default implementation.
type memTree struct {
	mu    sync.RWMutex
	nodes map[string]*Node // keyed by normalized path
}

// New returns a Tree pre-populated with the Broker's own built-in subtree
// (spec §6), tagged GroupBroker so Register validation correctly refuses
// Services that try to claim it.
func New() Tree {
	t := &memTree{nodes: make(map[string]*Node)}
	t.nodes["Device.USPServices."] = &Node{Path: "Device.USPServices.", Kind: KindObjectSingle, Group: GroupBroker}
	t.nodes["Device.USPServices.USPServiceNumberOfEntries"] = &Node{
		Path: "Device.USPServices.USPServiceNumberOfEntries", Kind: KindParam, Group: GroupBroker, Type: wire.TypeUnsignedInt,
	}
	t.nodes["Device.USPServices.USPService.{i}."] = &Node{
		Path: "Device.USPServices.USPService.{i}.", Kind: KindObjectMulti, Group: GroupBroker, RefreshHook: true,
	}
	for _, p := range []string{"EndpointID", "Protocol", "DataModelPaths", "HasController"} {
		path := "Device.USPServices.USPService.{i}." + p
		t.nodes[path] = &Node{Path: path, Kind: KindParam, Group: GroupBroker, Type: wire.TypeString}
	}
	return t
}

// NormalizeInstancePath rewrites every purely-numeric dot segment of path to
// "{i}" so it can be looked up against a registered multi-instance template.
func NormalizeInstancePath(path string) string {
	segs := strings.Split(path, ".")
	for i, s := range segs {
		if s == "" {
			continue
		}
		if isAllDigits(s) {
			segs[i] = "{i}"
		}
	}
	return strings.Join(segs, ".")
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (t *memTree) InsertPlaceholder(prefix string, group GroupID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[prefix] = &Node{Path: prefix, Kind: KindObjectSingle, Group: group}
	return nil
}

func (t *memTree) InsertMultiInstanceObject(path string, group GroupID, writable bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := &Node{Path: path, Kind: KindObjectMulti, Group: group, Writable: writable}
	n.RefreshHook = isTopLevelMultiInstance(path)
	t.nodes[path] = n
	return nil
}

func (t *memTree) InsertParam(path string, group GroupID, typ wire.ParamType, writable bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[path] = &Node{Path: path, Kind: KindParam, Group: group, Type: typ, Writable: writable}
	return nil
}

func (t *memTree) InsertCommand(path string, group GroupID, inArgs, outArgs []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[path] = &Node{Path: path, Kind: KindCommand, Group: group, InputArgs: inArgs, OutputArgs: outArgs}
	return nil
}

func (t *memTree) InsertEvent(path string, group GroupID, args []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[path] = &Node{Path: path, Kind: KindEvent, Group: group, InputArgs: args}
	return nil
}

func (t *memTree) RemoveSubtree(prefix string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for p := range t.nodes {
		if p == prefix || strings.HasPrefix(p, prefix) {
			delete(t.nodes, p)
		}
	}
}

func (t *memTree) Resolve(path string) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.resolveLocked(path)
}

func (t *memTree) resolveLocked(path string) (*Node, bool) {
	norm := NormalizeInstancePath(path)
	if n, ok := t.nodes[norm]; ok {
		return n, true
	}
	if n, ok := t.nodes[path]; ok {
		return n, true
	}
	// longest-ancestor match, for object-prefix style lookups (Get on a
	// partial path, passthrough eligibility on an object).
	best := ""
	var bestNode *Node
	for p, n := range t.nodes {
		if (p == norm || strings.HasPrefix(norm, p)) && len(p) > len(best) {
			best, bestNode = p, n
		}
	}
	if bestNode != nil {
		return bestNode, true
	}
	return nil, false
}

func (t *memTree) GroupOf(path string) (GroupID, bool) {
	n, ok := t.Resolve(path)
	if !ok {
		return 0, false
	}
	return n.Group, true
}

func (t *memTree) Conflicts(prefix string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for p := range t.nodes {
		if p == prefix || strings.HasPrefix(p, prefix) || strings.HasPrefix(prefix, p) {
			return true
		}
	}
	return false
}

func (t *memTree) IsTopLevelMultiInstance(path string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[path]
	return ok && n.Kind == KindObjectMulti && n.RefreshHook
}

func (t *memTree) NodesByGroup(group GroupID) []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Node
	for _, n := range t.nodes {
		if n.Group == group {
			out = append(out, n)
		}
	}
	return out
}

// isTopLevelMultiInstance reports whether path has exactly one "{i}." at its
// tail, per spec §4.2 step 2 ("top-level multi-instance object").
func isTopLevelMultiInstance(path string) bool {
	if !strings.HasSuffix(path, "{i}.") {
		return false
	}
	return strings.Count(path, "{i}.") == 1
}
