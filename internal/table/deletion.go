package table

import (
	"net/netip"

	"github.com/route-beacon/bgp-speaker/internal/crashdump"
	"github.com/route-beacon/bgp-speaker/internal/eventloop"
	"github.com/route-beacon/bgp-speaker/internal/metrics"
	"github.com/route-beacon/bgp-speaker/internal/rib"
	"go.uber.org/zap"
)

// DeletionTable owns the trie detached from a RibIn at the moment its
// peering went down, and drains it downstream as a background task, one
// attribute chain per scheduling round. While draining it filters the new
// peering's messages so downstream tables see the correct deletes at the
// correct time; when empty it signals completion and splices itself out.
type DeletionTable struct {
	baseTable
	*crashdump.Dumper

	trie    *rib.BgpTrie
	peer    *PeerHandler
	genid   uint32
	attrmgr *rib.AttributeManager
	loop    *eventloop.Loop
	logger  *zap.Logger

	// Sweep position in the held pathmap.
	sweepKey   string
	sweepValid bool
	deleted    int
	chains     int
	timer      *eventloop.Timer

	// OnComplete fires after the snapshot has fully drained and the table
	// has unplumbed itself.
	OnComplete func(peer *PeerHandler, genid uint32)
}

func NewDeletionTable(name string, trie *rib.BgpTrie, peer *PeerHandler, genid uint32,
	parent RouteTable, attrmgr *rib.AttributeManager, loop *eventloop.Loop,
	logger *zap.Logger) *DeletionTable {
	t := &DeletionTable{
		baseTable: newBaseTable("DeletionTable-" + name),
		Dumper:    crashdump.NewDumper(loop.Clock()),
		trie:      trie,
		peer:      peer,
		genid:     genid,
		attrmgr:   attrmgr,
		loop:      loop,
		logger:    logger,
	}
	t.parent = parent
	return t
}

func (t *DeletionTable) Genid() uint32   { return t.genid }
func (t *DeletionTable) RouteCount() int { return t.trie.RouteCount() }

// AddRoute handles a route from the restarted peering. If the prefix is
// still in the held snapshot, the snapshot copy is replaced downstream and
// erased here, so downstream never sees both lifetimes at once.
func (t *DeletionTable) AddRoute(msg *InternalMessage, caller RouteTable) AddStatus {
	if t.next == nil {
		return AddFailure
	}
	chained, ok := t.trie.Lookup(msg.Net())
	if !ok {
		return t.next.AddRoute(msg, t)
	}
	existingRoute := chained.SubnetRoute

	// About to delete the chain our sweep points at? Move it on first.
	t.advanceSweepPast(chained)
	t.trie.Erase(msg.Net())
	t.attrmgr.Deregister(existingRoute.Attributes())

	oldMsg := NewInternalMessage(existingRoute, t.peer, t.genid)
	oldMsg.SetFromPreviousPeering()
	return t.next.ReplaceRoute(oldMsg, msg, t)
}

// ReplaceRoute passes through; a replace pertains to the new peering and
// cannot name a prefix still held in the snapshot.
func (t *DeletionTable) ReplaceRoute(oldMsg, newMsg *InternalMessage, caller RouteTable) AddStatus {
	if _, held := t.trie.Lookup(oldMsg.Net()); held {
		t.logger.Error("replace for prefix held in deletion snapshot",
			zap.Stringer("net", oldMsg.Net()))
		return AddFailure
	}
	return t.next.ReplaceRoute(oldMsg, newMsg, t)
}

func (t *DeletionTable) DeleteRoute(msg *InternalMessage, caller RouteTable) AddStatus {
	if _, held := t.trie.Lookup(msg.Net()); held {
		t.logger.Error("delete for prefix held in deletion snapshot",
			zap.Stringer("net", msg.Net()))
		return AddFailure
	}
	return t.next.DeleteRoute(msg, t)
}

// RouteDump passes through. Any dump running now was started after this
// table was plumbed in, so its contents cannot be in our snapshot.
func (t *DeletionTable) RouteDump(msg *InternalMessage, caller RouteTable, dumpPeer *PeerHandler) AddStatus {
	if _, held := t.trie.Lookup(msg.Net()); held {
		t.logger.Error("route dump for prefix held in deletion snapshot",
			zap.Stringer("net", msg.Net()))
		return AddFailure
	}
	return t.next.RouteDump(msg, t, dumpPeer)
}

func (t *DeletionTable) Push(caller RouteTable) { t.next.Push(t) }

// LookupRoute answers from the snapshot first: the held routes are treated
// as still active until their deletes have been sent downstream.
func (t *DeletionTable) LookupRoute(net netip.Prefix) (*rib.SubnetRoute, uint32) {
	if chained, ok := t.trie.Lookup(net); ok {
		return chained.SubnetRoute, t.genid
	}
	return t.parent.LookupRoute(net)
}

func (t *DeletionTable) RouteUsed(route *rib.SubnetRoute, inUse bool) {
	t.parent.RouteUsed(route, inUse)
}

func (t *DeletionTable) PeeringWentDown(peer *PeerHandler, genid uint32, caller RouteTable) {
	t.next.PeeringWentDown(peer, genid, t)
}

func (t *DeletionTable) PeeringDownComplete(peer *PeerHandler, genid uint32, caller RouteTable) {
	t.next.PeeringDownComplete(peer, genid, t)
}

func (t *DeletionTable) PeeringCameUp(peer *PeerHandler, genid uint32, caller RouteTable) {
	t.next.PeeringCameUp(peer, genid, t)
}

// InitiateBackgroundDeletion starts the drain task.
func (t *DeletionTable) InitiateBackgroundDeletion() {
	if key, ok := t.trie.Pathmap().FirstKey(); ok {
		t.sweepKey = key
		t.sweepValid = true
	}
	// Flush anything this peer previously queued in the output tables
	// before the withdraws start.
	t.next.Push(t)
	t.timer = t.loop.After(0, t.deleteNextChain)
}

// deleteNextChain drains one attribute chain, pushes, and reschedules
// itself; when the snapshot is empty it unplumbs.
func (t *DeletionTable) deleteNextChain() {
	if !t.sweepValid {
		t.unplumbSelf()
		return
	}
	chain, ok := t.trie.Pathmap().Chain(t.sweepKey)
	if !ok {
		t.advanceSweep()
		t.timer = t.loop.After(0, t.deleteNextChain)
		return
	}

	// Advance the sweep before deleting, as deletion invalidates it.
	t.advanceSweep()

	// Erase the chain head last.
	first := chain
	chained := chain.Next()
	for {
		next := chained.Next()
		route := chained.SubnetRoute
		t.trie.Erase(chained.Net())
		t.attrmgr.Deregister(route.Attributes())

		msg := NewInternalMessage(route, t.peer, t.genid)
		msg.SetFromPreviousPeering()
		if t.next != nil {
			t.next.DeleteRoute(msg, t)
		}
		t.deleted++
		metrics.RoutesPurged.WithLabelValues("peering_down").Inc()
		if chained == first {
			break
		}
		chained = next
	}
	if t.next != nil {
		t.next.Push(t)
	}
	t.chains++

	t.timer = t.loop.After(0, t.deleteNextChain)
}

func (t *DeletionTable) advanceSweep() {
	if key, ok := t.trie.Pathmap().NextKeyAfter(t.sweepKey); ok {
		t.sweepKey = key
		return
	}
	t.sweepValid = false
}

// advanceSweepPast moves the sweep if erasing the given route would remove
// the chain it currently points at.
func (t *DeletionTable) advanceSweepPast(route *rib.ChainedSubnetRoute) {
	if !t.sweepValid {
		return
	}
	chain, ok := t.trie.Pathmap().Chain(t.sweepKey)
	if !ok {
		return
	}
	if chain.Net() == route.Net() && route.Next() == route {
		t.advanceSweep()
	}
}

func (t *DeletionTable) unplumbSelf() {
	t.Log("unplumbing self")
	if t.trie.RouteCount() != 0 {
		t.logger.Error("deletion table unplumbing with routes remaining",
			zap.Int("count", t.trie.RouteCount()))
	}
	// Signal downstream that this version of the RibIn has fully drained.
	t.next.PeeringDownComplete(t.peer, t.genid, t)

	t.parent.SetNextTable(t.next)
	t.next.SetParent(t.parent)
	t.next = nil
	t.parent = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.OnComplete != nil {
		t.OnComplete(t.peer, t.genid)
	}
}

func (t *DeletionTable) DumpState() string {
	return t.name + "\n" + t.Dumper.DumpState()
}
