// Package corrtables implements the three per-Service correlation tables
// described in spec.md §3: SubsMap, ReqMap, and MsgMap. Design Note 9 frames
// these as intrusive doubly-linked lists owned by the Service record with no
// weak backlinks; in idiomatic Go that owning relationship is expressed as
// plain owned slices (bounded by one Service's live subscriptions/commands/
// in-flight passthrough, never process-wide), mutated only from the core's
// single cooperative loop, so no package-level locking is needed.
package corrtables

import "github.com/uspbroker/core/internal/mtp"

// SubsEntry pairs a Broker subscription instance with the matching Service
// subscription instance, the Broker-chosen subscription id, and the exact
// subscribed path. One Broker subscription produces one SubsEntry per path
// in its reference list.
type SubsEntry struct {
	BrokerInstance  int
	ServiceInstance int
	SubscriptionID  string
	Path            string
}

// SubsMap is the ordered sequence of a Service's active subscription
// pairings.
type SubsMap struct {
	entries []SubsEntry
}

func (m *SubsMap) Insert(e SubsEntry) {
	m.entries = append(m.entries, e)
}

func (m *SubsMap) ByID(id string) (SubsEntry, bool) {
	for _, e := range m.entries {
		if e.SubscriptionID == id {
			return e, true
		}
	}
	return SubsEntry{}, false
}

func (m *SubsMap) ByBrokerInstance(instance int) []SubsEntry {
	var out []SubsEntry
	for _, e := range m.entries {
		if e.BrokerInstance == instance {
			out = append(out, e)
		}
	}
	return out
}

func (m *SubsMap) RemoveByID(id string) bool {
	for i, e := range m.entries {
		if e.SubscriptionID == id {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveUnderPath removes every entry whose Path is prefix or a descendant
// of it (used by deregister subtree teardown, spec §4.2).
func (m *SubsMap) RemoveUnderPath(prefix string) []SubsEntry {
	var removed []SubsEntry
	kept := m.entries[:0:0]
	for _, e := range m.entries {
		if hasPathPrefix(e.Path, prefix) {
			removed = append(removed, e)
		} else {
			kept = append(kept, e)
		}
	}
	m.entries = kept
	return removed
}

func (m *SubsMap) All() []SubsEntry {
	out := make([]SubsEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m *SubsMap) Len() int { return len(m.entries) }

// Clear empties the table, returning what was removed (used by Failure
// Propagation, spec §4.8).
func (m *SubsMap) Clear() []SubsEntry {
	out := m.entries
	m.entries = nil
	return out
}

// ReqEntry pairs a Broker Request-table instance with the (path,
// command_key) of an asynchronous command executing on the Service.
type ReqEntry struct {
	RequestInstance int
	CommandPath     string
	CommandKey      string
}

// ReqMap is the ordered sequence of in-flight asynchronous commands for a
// Service. (path, command_key) is unique per Service at any instant (spec §3).
type ReqMap struct {
	entries []ReqEntry
}

// Insert adds e, enforcing the (CommandPath, CommandKey) uniqueness
// invariant.
func (m *ReqMap) Insert(e ReqEntry) bool {
	for _, existing := range m.entries {
		if existing.CommandPath == e.CommandPath && existing.CommandKey == e.CommandKey {
			return false
		}
	}
	m.entries = append(m.entries, e)
	return true
}

func (m *ReqMap) ByCommand(path, key string) (ReqEntry, bool) {
	for _, e := range m.entries {
		if e.CommandPath == path && e.CommandKey == key {
			return e, true
		}
	}
	return ReqEntry{}, false
}

func (m *ReqMap) RemoveByCommand(path, key string) bool {
	for i, e := range m.entries {
		if e.CommandPath == path && e.CommandKey == key {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (m *ReqMap) RemoveUnderPath(prefix string) []ReqEntry {
	var removed []ReqEntry
	kept := m.entries[:0:0]
	for _, e := range m.entries {
		if hasPathPrefix(e.CommandPath, prefix) {
			removed = append(removed, e)
		} else {
			kept = append(kept, e)
		}
	}
	m.entries = kept
	return removed
}

func (m *ReqMap) All() []ReqEntry {
	out := make([]ReqEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m *ReqMap) Len() int { return len(m.entries) }

func (m *ReqMap) Clear() []ReqEntry {
	out := m.entries
	m.entries = nil
	return out
}

// MsgEntry pairs a Broker-remapped outbound message id with the
// originator's original message id, originator endpoint, and the MTP
// handle the response must be returned on (spec §3, §4.7).
type MsgEntry struct {
	BrokerMsgID       string
	OriginalMsgID     string
	OriginatorEndpoint string
	OriginatorMTP     mtp.Handle
}

// MsgMap is the ordered sequence of in-flight passthrough requests for a
// Service.
type MsgMap struct {
	entries []MsgEntry
}

func (m *MsgMap) Insert(e MsgEntry) {
	m.entries = append(m.entries, e)
}

// Lookup implements MsgMap idempotence: insert-then-lookup by the
// Broker-assigned id returns the inserted entry; remove-then-lookup returns
// nothing (spec §8).
func (m *MsgMap) Lookup(brokerMsgID string) (MsgEntry, bool) {
	for _, e := range m.entries {
		if e.BrokerMsgID == brokerMsgID {
			return e, true
		}
	}
	return MsgEntry{}, false
}

func (m *MsgMap) Remove(brokerMsgID string) bool {
	for i, e := range m.entries {
		if e.BrokerMsgID == brokerMsgID {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (m *MsgMap) Len() int { return len(m.entries) }

func (m *MsgMap) Clear() []MsgEntry {
	out := m.entries
	m.entries = nil
	return out
}

func hasPathPrefix(path, prefix string) bool {
	return path == prefix || (len(path) >= len(prefix) && path[:len(prefix)] == prefix)
}
