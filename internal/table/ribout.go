package table

import (
	"net/netip"
	"time"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
	"github.com/route-beacon/bgp-speaker/internal/crashdump"
	"github.com/route-beacon/bgp-speaker/internal/eventloop"
	"github.com/route-beacon/bgp-speaker/internal/metrics"
	"github.com/route-beacon/bgp-speaker/internal/rib"
	"go.uber.org/zap"
)

type outOp int

const (
	outOpAnnounce outOp = iota
	outOpWithdraw
)

type outEntry struct {
	op    outOp
	net   netip.Prefix
	attrs *bgp.FastPathAttributeList
}

// RibOutTable is the per-peer tail of the pipeline. It batches route
// changes, encodes them into UPDATE packets through the peer handler, and
// throttles re-advertisement with the peer's MRAI interval. When the
// session's send queue saturates it declares itself busy upstream and
// drains the fanout queue one event per scheduling round once unblocked.
type RibOutTable struct {
	baseTable
	*crashdump.Dumper

	peer   *PeerHandler
	loop   *eventloop.Loop
	logger *zap.Logger

	queue []outEntry

	mrai       time.Duration
	mraiActive bool
	mraiTimer  *eventloop.Timer

	busy bool
}

func NewRibOutTable(name string, peer *PeerHandler, mrai time.Duration,
	loop *eventloop.Loop, logger *zap.Logger) *RibOutTable {
	return &RibOutTable{
		baseTable: newBaseTable("RibOutTable-" + name),
		Dumper:    crashdump.NewDumper(loop.Clock()),
		peer:      peer,
		loop:      loop,
		mrai:      mrai,
		logger:    logger,
	}
}

func (t *RibOutTable) Peer() *PeerHandler { return t.peer }
func (t *RibOutTable) QueueLen() int      { return len(t.queue) }

func (t *RibOutTable) AddRoute(msg *InternalMessage, caller RouteTable) AddStatus {
	t.queue = append(t.queue, outEntry{op: outOpAnnounce, net: msg.Net(), attrs: msg.Attrs()})
	if msg.Push() {
		t.Push(caller)
	}
	return AddUsed
}

func (t *RibOutTable) ReplaceRoute(oldMsg, newMsg *InternalMessage, caller RouteTable) AddStatus {
	// An announcement of the new route is an implicit withdraw of the old.
	t.queue = append(t.queue, outEntry{op: outOpAnnounce, net: newMsg.Net(), attrs: newMsg.Attrs()})
	if newMsg.Push() {
		t.Push(caller)
	}
	return AddUsed
}

func (t *RibOutTable) DeleteRoute(msg *InternalMessage, caller RouteTable) AddStatus {
	t.queue = append(t.queue, outEntry{op: outOpWithdraw, net: msg.Net()})
	if msg.Push() {
		t.Push(caller)
	}
	return AddUsed
}

func (t *RibOutTable) RouteDump(msg *InternalMessage, caller RouteTable, dumpPeer *PeerHandler) AddStatus {
	if dumpPeer != t.peer {
		return AddFailure
	}
	t.queue = append(t.queue, outEntry{op: outOpAnnounce, net: msg.Net(), attrs: msg.Attrs()})
	return AddUsed
}

// Push flushes the accumulated batch, subject to MRAI throttling and
// session back-pressure.
func (t *RibOutTable) Push(caller RouteTable) {
	if t.mraiActive {
		// Batch continues to accumulate; the timer flushes it.
		return
	}
	t.flush()
}

func (t *RibOutTable) flush() {
	if len(t.queue) == 0 {
		return
	}
	if t.peer.OutputBusy() {
		t.setBusy(true)
		return
	}

	// Withdraws first, then announcements grouped by attribute list so
	// each packet carries one attribute set.
	t.peer.StartPacket()
	pending := t.queue
	t.queue = nil

	for _, e := range pending {
		if e.op != outOpWithdraw {
			continue
		}
		if !t.peer.WithdrawFromPacket(e.net) {
			t.peer.PushPacket()
			t.peer.StartPacket()
			t.peer.WithdrawFromPacket(e.net)
		}
		metrics.RoutesAdvertised.WithLabelValues(t.peer.PeerName(), "withdraw").Inc()
	}
	t.peer.PushPacket()

	var currentKey string
	for _, e := range pending {
		if e.op != outOpAnnounce {
			continue
		}
		key := e.attrs.Clone().Canonicalize().Fingerprint()
		if key != currentKey {
			t.peer.PushPacket()
			t.peer.StartPacket()
			currentKey = key
		}
		if !t.peer.AddRouteToPacket(e.net, e.attrs) {
			t.peer.PushPacket()
			t.peer.StartPacket()
			t.peer.AddRouteToPacket(e.net, e.attrs)
		}
		metrics.RoutesAdvertised.WithLabelValues(t.peer.PeerName(), "announce").Inc()
	}
	if err := t.peer.PushPacket(); err != nil {
		t.logger.Warn("flush failed", zap.String("peer", t.peer.PeerName()), zap.Error(err))
	}

	if t.mrai > 0 {
		t.mraiActive = true
		t.mraiTimer = t.loop.After(t.mrai, func() {
			t.mraiActive = false
			t.flush()
		})
	}
}

// setBusy propagates back-pressure to the fanout and schedules the drain
// loop that resumes once the session unblocks.
func (t *RibOutTable) setBusy(busy bool) {
	if t.busy == busy {
		return
	}
	t.busy = busy
	if fanout, ok := t.fanout(); ok {
		fanout.OutputState(t.peer, busy)
	}
	if !busy {
		t.loop.Schedule(t.drainOne)
	}
}

// fanout walks the parent links to the fanout table.
func (t *RibOutTable) fanout() (*FanoutTable, bool) {
	for p := t.parent; p != nil; p = p.Parent() {
		if f, ok := p.(*FanoutTable); ok {
			return f, true
		}
	}
	return nil, false
}

// SessionWritable resumes output once the session's send queue has
// drained. The fsm package does not call it, so a RibOut that went busy
// stays busy until something else does.
func (t *RibOutTable) SessionWritable() {
	if !t.busy {
		t.flush()
		return
	}
	t.setBusy(false)
}

// drainOne pulls one queued event from the fanout per scheduling round.
func (t *RibOutTable) drainOne() {
	if t.busy {
		return
	}
	fanout, ok := t.fanout()
	if !ok {
		return
	}
	if fanout.GetNextMessage(t.peer) {
		if t.peer.OutputBusy() {
			t.setBusy(true)
			return
		}
		t.loop.Schedule(t.drainOne)
		return
	}
	t.flush()
}

func (t *RibOutTable) LookupRoute(net netip.Prefix) (*rib.SubnetRoute, uint32) {
	return t.parent.LookupRoute(net)
}

func (t *RibOutTable) RouteUsed(route *rib.SubnetRoute, inUse bool) {
	t.parent.RouteUsed(route, inUse)
}

func (t *RibOutTable) PeeringWentDown(peer *PeerHandler, genid uint32, caller RouteTable) {}
func (t *RibOutTable) PeeringDownComplete(peer *PeerHandler, genid uint32, caller RouteTable) {}
func (t *RibOutTable) PeeringCameUp(peer *PeerHandler, genid uint32, caller RouteTable)   {}

func (t *RibOutTable) DumpState() string {
	return t.name + "\n" + t.Dumper.DumpState()
}
