// Package table implements the pipelined route-table stack at the heart of
// the speaker: per-peer RibIn tables feed through cache and filter stages
// into a single decision table, which fans back out through per-peer filter
// and RibOut stages. Route changes propagate downstream as InternalMessages;
// lookups and peering events travel back up the parent links.
package table

import (
	"net/netip"

	"github.com/route-beacon/bgp-speaker/internal/rib"
)

// RouteTable is one stage of the pipeline. Downstream methods (AddRoute,
// ReplaceRoute, DeleteRoute, RouteDump, Push) are invoked by the parent and
// run synchronously to completion; upstream methods follow the parent link.
// Tables splice themselves in (DeletionTable, DumpTable) and out while flow
// is active.
type RouteTable interface {
	Name() string

	AddRoute(msg *InternalMessage, caller RouteTable) AddStatus
	ReplaceRoute(oldMsg, newMsg *InternalMessage, caller RouteTable) AddStatus
	DeleteRoute(msg *InternalMessage, caller RouteTable) AddStatus
	RouteDump(msg *InternalMessage, caller RouteTable, dumpPeer *PeerHandler) AddStatus
	Push(caller RouteTable)

	// LookupRoute resolves a prefix against this table's view, returning
	// the route and the generation ID it belongs to.
	LookupRoute(net netip.Prefix) (*rib.SubnetRoute, uint32)
	// RouteUsed propagates the downstream in-use flag back to the stored
	// route.
	RouteUsed(route *rib.SubnetRoute, inUse bool)

	PeeringWentDown(peer *PeerHandler, genid uint32, caller RouteTable)
	PeeringDownComplete(peer *PeerHandler, genid uint32, caller RouteTable)
	PeeringCameUp(peer *PeerHandler, genid uint32, caller RouteTable)

	NextTable() RouteTable
	SetNextTable(next RouteTable)
	Parent() RouteTable
	SetParent(parent RouteTable)
}

// baseTable supplies the link fields and trivial accessors shared by every
// table implementation.
type baseTable struct {
	name   string
	next   RouteTable
	parent RouteTable
}

func newBaseTable(name string) baseTable { return baseTable{name: name} }

func (t *baseTable) Name() string              { return t.name }
func (t *baseTable) NextTable() RouteTable     { return t.next }
func (t *baseTable) SetNextTable(n RouteTable) { t.next = n }
func (t *baseTable) Parent() RouteTable        { return t.parent }
func (t *baseTable) SetParent(p RouteTable)    { t.parent = p }
