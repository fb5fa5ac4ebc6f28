package table

import (
	"net/netip"

	"github.com/route-beacon/bgp-speaker/internal/crashdump"
	"github.com/route-beacon/bgp-speaker/internal/rib"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

type queueOp int

const (
	queueOpAdd queueOp = iota
	queueOpReplace
	queueOpDelete
	queueOpPush
)

type queuedEvent struct {
	op     queueOp
	msg    *InternalMessage
	oldMsg *InternalMessage
}

// fanoutBranch is one downstream peer subtree hanging off the fanout.
type fanoutBranch struct {
	peer *PeerHandler
	head RouteTable

	// Back-pressure state: while busy, events queue here instead of being
	// delivered; GetNextMessage drains one at a time.
	busy  bool
	queue []queuedEvent
}

// FanoutTable multiplexes every decision-table event to every registered
// downstream peer subtree, skipping the peer a route originated from.
// Back-pressure is handled per branch: a busy RibOut queues events here and
// drains them one by one, so no message is ever lost.
type FanoutTable struct {
	baseTable
	*crashdump.Dumper

	branches []*fanoutBranch
	logger   *zap.Logger
}

func NewFanoutTable(name string, clock clockwork.Clock, logger *zap.Logger) *FanoutTable {
	return &FanoutTable{
		baseTable: newBaseTable("FanoutTable-" + name),
		Dumper:    crashdump.NewDumper(clock),
		logger:    logger,
	}
}

// AddBranch plumbs a new downstream peer subtree.
func (t *FanoutTable) AddBranch(peer *PeerHandler, head RouteTable) {
	t.branches = append(t.branches, &fanoutBranch{peer: peer, head: head})
	head.SetParent(t)
}

// RemoveBranch unplumbs a peer subtree.
func (t *FanoutTable) RemoveBranch(peer *PeerHandler) {
	for i, b := range t.branches {
		if b.peer == peer {
			t.branches = append(t.branches[:i], t.branches[i+1:]...)
			return
		}
	}
}

// ReplaceBranchHead splices a new table (a DumpTable) in as the first
// table of a peer's subtree.
func (t *FanoutTable) ReplaceBranchHead(peer *PeerHandler, head RouteTable) {
	for _, b := range t.branches {
		if b.peer == peer {
			b.head = head
			head.SetParent(t)
			return
		}
	}
}

func (t *FanoutTable) branchFor(peer *PeerHandler) *fanoutBranch {
	for _, b := range t.branches {
		if b.peer == peer {
			return b
		}
	}
	return nil
}

func (t *FanoutTable) deliver(b *fanoutBranch, ev queuedEvent) AddStatus {
	switch ev.op {
	case queueOpAdd:
		return b.head.AddRoute(ev.msg, t)
	case queueOpReplace:
		return b.head.ReplaceRoute(ev.oldMsg, ev.msg, t)
	case queueOpDelete:
		return b.head.DeleteRoute(ev.msg, t)
	case queueOpPush:
		b.head.Push(t)
	}
	return AddUsed
}

// fanOut clones the message per branch and delivers or queues it.
func (t *FanoutTable) fanOut(ev queuedEvent) AddStatus {
	status := AddUnused
	for _, b := range t.branches {
		if ev.msg != nil && ev.msg.Origin() == b.peer {
			// Never send a route back to the peer it came from.
			continue
		}
		if !b.peer.PeeringIsUp() {
			// A down peer is caught up by a fresh dump when it returns.
			continue
		}
		branchEv := queuedEvent{op: ev.op}
		if ev.msg != nil {
			branchEv.msg = ev.msg.Clone()
		}
		if ev.oldMsg != nil {
			branchEv.oldMsg = ev.oldMsg.Clone()
		}
		if b.busy {
			b.queue = append(b.queue, branchEv)
			continue
		}
		if s := t.deliver(b, branchEv); s == AddUsed {
			status = AddUsed
		} else if s == AddFailure {
			return AddFailure
		}
	}
	return status
}

func (t *FanoutTable) AddRoute(msg *InternalMessage, caller RouteTable) AddStatus {
	return t.fanOut(queuedEvent{op: queueOpAdd, msg: msg})
}

func (t *FanoutTable) ReplaceRoute(oldMsg, newMsg *InternalMessage, caller RouteTable) AddStatus {
	return t.fanOut(queuedEvent{op: queueOpReplace, oldMsg: oldMsg, msg: newMsg})
}

func (t *FanoutTable) DeleteRoute(msg *InternalMessage, caller RouteTable) AddStatus {
	return t.fanOut(queuedEvent{op: queueOpDelete, msg: msg})
}

// RouteDump delivers only to the branch being caught up.
func (t *FanoutTable) RouteDump(msg *InternalMessage, caller RouteTable, dumpPeer *PeerHandler) AddStatus {
	b := t.branchFor(dumpPeer)
	if b == nil {
		return AddFailure
	}
	return b.head.RouteDump(msg.Clone(), t, dumpPeer)
}

func (t *FanoutTable) Push(caller RouteTable) {
	for _, b := range t.branches {
		if !b.peer.PeeringIsUp() {
			continue
		}
		if b.busy {
			b.queue = append(b.queue, queuedEvent{op: queueOpPush})
			continue
		}
		b.head.Push(t)
	}
}

func (t *FanoutTable) LookupRoute(net netip.Prefix) (*rib.SubnetRoute, uint32) {
	return t.parent.LookupRoute(net)
}

func (t *FanoutTable) RouteUsed(route *rib.SubnetRoute, inUse bool) {
	t.parent.RouteUsed(route, inUse)
}

func (t *FanoutTable) PeeringWentDown(peer *PeerHandler, genid uint32, caller RouteTable) {
	for _, b := range t.branches {
		b.head.PeeringWentDown(peer, genid, t)
	}
}

func (t *FanoutTable) PeeringDownComplete(peer *PeerHandler, genid uint32, caller RouteTable) {
	for _, b := range t.branches {
		b.head.PeeringDownComplete(peer, genid, t)
	}
}

func (t *FanoutTable) PeeringCameUp(peer *PeerHandler, genid uint32, caller RouteTable) {
	for _, b := range t.branches {
		b.head.PeeringCameUp(peer, genid, t)
	}
}

// OutputState records a downstream peer's readiness. busy=true stops
// delivery to that branch; events queue until drained.
func (t *FanoutTable) OutputState(peer *PeerHandler, busy bool) {
	if b := t.branchFor(peer); b != nil {
		b.busy = busy
	}
}

// GetNextMessage delivers one queued event to a previously-busy branch.
// Returns true while more remain.
func (t *FanoutTable) GetNextMessage(peer *PeerHandler) bool {
	b := t.branchFor(peer)
	if b == nil || len(b.queue) == 0 {
		return false
	}
	ev := b.queue[0]
	b.queue = b.queue[1:]
	t.deliver(b, ev)
	return len(b.queue) > 0
}

// QueuedFor reports the backlog length of one branch.
func (t *FanoutTable) QueuedFor(peer *PeerHandler) int {
	if b := t.branchFor(peer); b != nil {
		return len(b.queue)
	}
	return 0
}

func (t *FanoutTable) DumpState() string {
	return t.name + "\n" + t.Dumper.DumpState()
}
