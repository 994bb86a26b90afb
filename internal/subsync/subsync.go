// Package subsync implements Subscription Synchronization, spec.md §4.5:
// reconciling the Broker's own Device.LocalAgent.Subscription rows against
// the vendor-layer subscription each owning Service needs, creating or
// tearing down per-Service subscriptions via the Operation Adapter's Add/
// Delete bridge and recording the pairing in that Service's SubsMap.
// Grounded on the teacher's reconnect-then-resync pattern in
// broker/service.go (diff desired state against live state, issue only the
// deltas).
package subsync

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/uspbroker/core/internal/corrtables"
	"github.com/uspbroker/core/internal/opadapter"
	"github.com/uspbroker/core/internal/registry"
	"github.com/uspbroker/core/internal/schema"
	"github.com/uspbroker/core/internal/substable"
	"github.com/uspbroker/core/internal/wire"
)

const subscriptionTablePrefix = "Device.LocalAgent.Subscription."

// Syncer reconciles substable rows into per-Service vendor-layer
// subscriptions.
type Syncer struct {
	Tree     schema.Tree
	Registry *registry.Registry
	Adapter  *opadapter.Adapter
	Subs     substable.Table
}

func New(tree schema.Tree, reg *registry.Registry, adapter *opadapter.Adapter, subs substable.Table) *Syncer {
	return &Syncer{Tree: tree, Registry: reg, Adapter: adapter, Subs: subs}
}

// Reconcile brings every live Service's SubsMap in line with the currently
// enabled substable rows: missing pairings are created, pairings whose row
// disappeared or was disabled or whose path is no longer referenced are torn
// down.
func (s *Syncer) Reconcile(ctx context.Context) []error {
	var errs []error

	desired := map[desiredKey]desiredEntry{}
	for _, row := range s.Subs.Rows() {
		if !row.Enable {
			continue
		}
		for _, path := range row.ReferenceList {
			group, ok := s.Tree.GroupOf(path)
			if !ok || group == schema.GroupBroker {
				continue
			}
			desired[desiredKey{group: group, path: path}] = desiredEntry{brokerInstance: row.Instance, notifType: row.NotifType}
		}
	}

	for _, svc := range s.Registry.All() {
		s.reconcileService(ctx, svc, desired, &errs)
	}
	return errs
}

type desiredKey struct {
	group schema.GroupID
	path  string
}

type desiredEntry struct {
	brokerInstance int
	notifType      string
}

func (s *Syncer) reconcileService(ctx context.Context, svc *registry.Service, desired map[desiredKey]desiredEntry, errs *[]error) {
	live := map[string]corrtables.SubsEntry{}
	for _, e := range svc.Subs.All() {
		live[e.Path] = e
	}

	for key, want := range desired {
		if key.group != svc.Group {
			continue
		}
		if existing, ok := live[key.path]; ok && existing.BrokerInstance == want.brokerInstance {
			continue
		}
		if err := s.install(ctx, svc, key.path, want); err != nil {
			*errs = append(*errs, err)
		}
	}

	for path, entry := range live {
		key := desiredKey{group: svc.Group, path: path}
		if _, stillWanted := desired[key]; stillWanted {
			continue
		}
		s.teardown(ctx, svc, entry)
	}
}

func (s *Syncer) install(ctx context.Context, svc *registry.Service, path string, want desiredEntry) error {
	subID := wire.NewSubscriptionID()
	resp, err := s.Adapter.SubscribeAdd(ctx, svc, &wire.Add{
		ObjectPath: subscriptionTablePrefix,
		Params: []wire.CreateParam{
			{Name: "ID", Value: subID, Required: true},
			{Name: "ReferenceList", Value: path, Required: true},
			{Name: "NotifType", Value: want.notifType, Required: true},
			{Name: "Enable", Value: "true", Required: true},
		},
	})
	if err != nil {
		return fmt.Errorf("subsync: install %s on group %d: %w", path, svc.Group, err)
	}
	if resp.Err != nil {
		return fmt.Errorf("subsync: install %s on group %d: %w", path, svc.Group, resp.Err)
	}

	svc.Subs.Insert(corrtables.SubsEntry{
		BrokerInstance:  want.brokerInstance,
		ServiceInstance: instanceFromPath(resp.InstantiatedPath),
		SubscriptionID:  subID,
		Path:            path,
	})
	return nil
}

func (s *Syncer) teardown(ctx context.Context, svc *registry.Service, entry corrtables.SubsEntry) {
	objPath := fmt.Sprintf("%s%d.", subscriptionTablePrefix, entry.ServiceInstance)
	s.Adapter.SubscribeDelete(ctx, svc, &wire.Delete{Paths: []string{objPath}})
	svc.Subs.RemoveByID(entry.SubscriptionID)
}

func instanceFromPath(path string) int {
	trimmed := strings.TrimSuffix(path, ".")
	idx := strings.LastIndex(trimmed, ".")
	if idx < 0 {
		return 0
	}
	n, err := strconv.Atoi(trimmed[idx+1:])
	if err != nil {
		return 0
	}
	return n
}
