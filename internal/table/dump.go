package table

import (
	"net/netip"

	"github.com/route-beacon/bgp-speaker/internal/crashdump"
	"github.com/route-beacon/bgp-speaker/internal/eventloop"
	"github.com/route-beacon/bgp-speaker/internal/rib"
	"go.uber.org/zap"
)

// ribInSource resolves the RibIn that feeds a given upstream peer, so the
// dump task can drive it directly.
type ribInSource interface {
	ribInForPeer(peer *PeerHandler) *RibInTable
}

// DumpTable is spliced in at the head of a freshly-plumbed peer's subtree.
// It drives the DumpIterator as a background task, replaying one route per
// scheduling round from the current upstream peer's RibIn, while filtering
// the live stream through the iterator's validity rules. When every
// upstream peer is dumped and every pending deletion has drained, it
// splices itself out.
type DumpTable struct {
	baseTable
	*crashdump.Dumper

	peer   *PeerHandler
	iter   *DumpIterator
	source ribInSource
	loop   *eventloop.Loop
	logger *zap.Logger

	fanout    *FanoutTable
	task      *eventloop.Timer
	dumping   bool
	completed bool

	// OnCompleted fires once the new peer is fully caught up.
	OnCompleted func()
}

func NewDumpTable(name string, peer *PeerHandler, peersToDump []*PeerTableInfo,
	source ribInSource, fanout *FanoutTable, loop *eventloop.Loop, logger *zap.Logger) *DumpTable {
	return &DumpTable{
		baseTable: newBaseTable("DumpTable-" + name),
		Dumper:    crashdump.NewDumper(loop.Clock()),
		peer:      peer,
		iter:      NewDumpIterator(peer, peersToDump),
		source:    source,
		fanout:    fanout,
		loop:      loop,
		logger:    logger,
	}
}

// Iterator exposes the dump state, mainly to tests and the plumbing.
func (t *DumpTable) Iterator() *DumpIterator { return t.iter }

// PeeringIsDown seeds the iterator with deletions already in flight when
// the dump starts.
func (t *DumpTable) PeeringIsDown(peer *PeerHandler, genid uint32) {
	t.iter.PeeringIsDown(peer, genid)
}

// StartDump schedules the background replay.
func (t *DumpTable) StartDump() {
	t.dumping = true
	t.Log("starting dump")
	t.task = t.loop.After(0, t.dumpNextRoute)
}

// dumpNextRoute replays one route, then yields.
func (t *DumpTable) dumpNextRoute() {
	if !t.dumping || t.completed {
		return
	}
	info, ok := t.iter.CurrentPeer()
	if !ok {
		t.checkCompleted()
		return
	}
	ribin := t.source.ribInForPeer(info.Peer())
	if ribin == nil || !ribin.PeerIsUp() {
		if t.iter.NextPeer() {
			t.task = t.loop.After(0, t.dumpNextRoute)
		} else {
			t.checkCompleted()
		}
		return
	}
	if ribin.DumpNextRoute(t.iter) {
		t.next.Push(t)
		t.task = t.loop.After(0, t.dumpNextRoute)
		return
	}
	// Current peer exhausted.
	if t.iter.NextPeer() {
		t.task = t.loop.After(0, t.dumpNextRoute)
		return
	}
	t.checkCompleted()
}

// checkCompleted unplumbs once nothing remains to wait for.
func (t *DumpTable) checkCompleted() {
	if t.completed {
		return
	}
	if t.iter.WaitingForDeletionCompletion() {
		return
	}
	t.completed = true
	t.dumping = false
	t.Log("dump completed")
	if t.task != nil {
		t.task.Stop()
		t.task = nil
	}
	// Splice out: the subtree hangs directly off the fanout again.
	t.fanout.ReplaceBranchHead(t.peer, t.next)
	t.next.SetParent(t.fanout)
	if t.OnCompleted != nil {
		t.OnCompleted()
	}
}

func (t *DumpTable) AddRoute(msg *InternalMessage, caller RouteTable) AddStatus {
	if !t.iter.RouteChangeIsValid(msg.Origin(), msg.Net(), msg.Genid(), RouteOpAdd) {
		return AddUnused
	}
	return t.next.AddRoute(msg, t)
}

func (t *DumpTable) ReplaceRoute(oldMsg, newMsg *InternalMessage, caller RouteTable) AddStatus {
	oldValid := t.iter.RouteChangeIsValid(oldMsg.Origin(), oldMsg.Net(), oldMsg.Genid(), RouteOpReplaceOld)
	newValid := t.iter.RouteChangeIsValid(newMsg.Origin(), newMsg.Net(), newMsg.Genid(), RouteOpReplaceNew)
	switch {
	case oldValid && newValid:
		return t.next.ReplaceRoute(oldMsg, newMsg, t)
	case oldValid && !newValid:
		return t.next.DeleteRoute(oldMsg, t)
	case !oldValid && newValid:
		return t.next.AddRoute(newMsg, t)
	default:
		return AddUnused
	}
}

func (t *DumpTable) DeleteRoute(msg *InternalMessage, caller RouteTable) AddStatus {
	if !t.iter.RouteChangeIsValid(msg.Origin(), msg.Net(), msg.Genid(), RouteOpDelete) {
		return AddUnused
	}
	return t.next.DeleteRoute(msg, t)
}

// RouteDump receives the replayed routes for our peer and forwards them
// downstream as adds.
func (t *DumpTable) RouteDump(msg *InternalMessage, caller RouteTable, dumpPeer *PeerHandler) AddStatus {
	if dumpPeer != t.peer {
		return AddFailure
	}
	t.iter.RouteDumped(msg)
	return t.next.RouteDump(msg, t, dumpPeer)
}

func (t *DumpTable) Push(caller RouteTable) { t.next.Push(t) }

func (t *DumpTable) LookupRoute(net netip.Prefix) (*rib.SubnetRoute, uint32) {
	return t.parent.LookupRoute(net)
}

func (t *DumpTable) RouteUsed(route *rib.SubnetRoute, inUse bool) {
	t.parent.RouteUsed(route, inUse)
}

func (t *DumpTable) PeeringWentDown(peer *PeerHandler, genid uint32, caller RouteTable) {
	t.iter.PeeringWentDown(peer, genid)
	t.next.PeeringWentDown(peer, genid, t)
}

func (t *DumpTable) PeeringDownComplete(peer *PeerHandler, genid uint32, caller RouteTable) {
	t.iter.PeeringDownComplete(peer, genid)
	t.next.PeeringDownComplete(peer, genid, t)
	if !t.iter.IsValid() {
		t.checkCompleted()
	}
}

func (t *DumpTable) PeeringCameUp(peer *PeerHandler, genid uint32, caller RouteTable) {
	t.iter.PeeringCameUp(peer, genid)
	t.next.PeeringCameUp(peer, genid, t)
}

func (t *DumpTable) DumpState() string {
	return t.name + "\n" + t.Dumper.DumpState()
}
