package table

import (
	"net/netip"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
	"github.com/route-beacon/bgp-speaker/internal/crashdump"
	"github.com/route-beacon/bgp-speaker/internal/eventloop"
	"github.com/route-beacon/bgp-speaker/internal/metrics"
	"github.com/route-beacon/bgp-speaker/internal/policy"
	"github.com/route-beacon/bgp-speaker/internal/rib"
	"go.uber.org/zap"
)

// RibInTable is the per-peer entry to the pipeline. It canonicalizes and
// stores the peer's routes and originates the generation IDs that tag every
// downstream message with the peering lifetime it belongs to.
type RibInTable struct {
	baseTable
	*crashdump.Dumper

	peer    *PeerHandler
	attrmgr *rib.AttributeManager
	loop    *eventloop.Loop
	logger  *zap.Logger

	trie     *rib.BgpTrie
	peerIsUp bool
	genid    uint32

	// Nexthop-change push state. Only one nexthop is pushed at a time;
	// the rest queue in changedNexthops.
	nexthopPushActive     bool
	currentChangedNexthop netip.Addr
	currentChainKey       string
	changedNexthops       map[netip.Addr]bool
	pushTask              *eventloop.Timer

	// OnDeletionComplete is invoked when a DeletionTable spawned by this
	// table finishes draining (or immediately, when there was nothing to
	// drain).
	OnDeletionComplete func(peer *PeerHandler, genid uint32)
}

func NewRibInTable(name string, peer *PeerHandler, attrmgr *rib.AttributeManager,
	loop *eventloop.Loop, logger *zap.Logger) *RibInTable {
	return &RibInTable{
		baseTable:       newBaseTable("RibInTable-" + name),
		Dumper:          crashdump.NewDumper(loop.Clock()),
		peer:            peer,
		attrmgr:         attrmgr,
		loop:            loop,
		logger:          logger,
		trie:            rib.NewBgpTrie(),
		peerIsUp:        true,
		genid:           1, // zero is not a valid genid
		changedNexthops: make(map[netip.Addr]bool),
	}
}

func (t *RibInTable) Genid() uint32        { return t.genid }
func (t *RibInTable) PeerIsUp() bool       { return t.peerIsUp }
func (t *RibInTable) RouteCount() int      { return t.trie.RouteCount() }
func (t *RibInTable) Peer() *PeerHandler   { return t.peer }

// AddPeerRoute canonicalizes and stores a route learned from the peer,
// propagating an add or replace downstream. The downstream verdict updates
// the stored route's in-use and filtered flags.
func (t *RibInTable) AddPeerRoute(net netip.Prefix, fpaList *bgp.FastPathAttributeList,
	tags policy.Tags) AddStatus {
	if !t.peerIsUp || t.next == nil {
		return AddFailure
	}
	t.Log("add route: " + net.String())
	metrics.RoutesReceived.WithLabelValues(t.peer.PeerName(), "add").Inc()

	var response AddStatus
	var newRoute *rib.ChainedSubnetRoute

	if existing, ok := t.trie.Lookup(net); ok {
		existingRoute := existing.SubnetRoute
		t.deletionNexthopCheck(existing)
		oldPAList := existingRoute.Attributes()

		// Erase from the trie before deregistering, so in-flight
		// downstream references never observe released storage.
		if err := t.trie.Erase(net); err != nil {
			return AddFailure
		}
		t.attrmgr.Deregister(oldPAList)

		oldMsg := NewInternalMessage(existingRoute, t.peer, t.genid)

		paList := t.attrmgr.Register(fpaList.Canonicalize())
		route := rib.NewSubnetRoute(net, paList, nil)
		route.SetPolicyTags(tags)
		chained, err := t.trie.Insert(net, route)
		if err != nil {
			return AddFailure
		}
		newRoute = chained

		newMsg := NewInternalMessage(route, t.peer, t.genid)
		response = t.next.ReplaceRoute(oldMsg, newMsg, t)
	} else {
		paList := t.attrmgr.Register(fpaList.Canonicalize())
		route := rib.NewSubnetRoute(net, paList, nil)
		route.SetPolicyTags(tags)
		chained, err := t.trie.Insert(net, route)
		if err != nil {
			return AddFailure
		}
		newRoute = chained

		newMsg := NewInternalMessage(route, t.peer, t.genid)
		response = t.next.AddRoute(newMsg, t)
	}

	switch response {
	case AddUnused:
		newRoute.SetInUse(false)
		newRoute.SetFiltered(false)
	case AddFiltered:
		newRoute.SetInUse(false)
		newRoute.SetFiltered(true)
	case AddUsed, AddFailure:
		// Unless we know for sure a route is unused, treat it as used.
		newRoute.SetInUse(true)
		newRoute.SetFiltered(false)
	}
	return response
}

// DeletePeerRoute withdraws a route. A delete for a prefix we do not hold
// is tolerated with a warning; this is commonplace after background
// deletion has already drained the route.
func (t *RibInTable) DeletePeerRoute(net netip.Prefix) AddStatus {
	if !t.peerIsUp {
		return AddFailure
	}
	t.Log("delete route: " + net.String())
	metrics.RoutesReceived.WithLabelValues(t.peer.PeerName(), "delete").Inc()

	existing, ok := t.trie.Lookup(net)
	if !ok {
		t.logger.Warn("delete for route not in rib-in",
			zap.String("peer", t.peer.PeerName()), zap.Stringer("net", net))
		return AddUnused
	}
	existingRoute := existing.SubnetRoute
	t.deletionNexthopCheck(existing)
	oldPAList := existingRoute.Attributes()

	if err := t.trie.Erase(net); err != nil {
		return AddFailure
	}
	t.attrmgr.Deregister(oldPAList)

	if t.next != nil {
		msg := NewInternalMessage(existingRoute, t.peer, t.genid)
		t.next.DeleteRoute(msg, t)
	}
	return AddUsed
}

// PushChanges marks the end of a batch of route calls.
func (t *RibInTable) PushChanges() {
	if !t.peerIsUp || t.next == nil {
		return
	}
	t.next.Push(t)
}

// RibInPeeringWentDown detaches the entire trie into a DeletionTable
// plumbed immediately after this table, leaving the RibIn empty and free
// to accept a new session while the snapshot drains in the background.
func (t *RibInTable) RibInPeeringWentDown() {
	t.Log("peering went down")
	t.peerIsUp = false
	t.stopNexthopPush()

	if t.trie.RouteCount() > 0 {
		deletion := NewDeletionTable("Deleted"+t.name, t.trie, t.peer, t.genid, t,
			t.attrmgr, t.loop, t.logger)
		deletion.OnComplete = t.OnDeletionComplete
		t.trie = rib.NewBgpTrie()

		deletion.SetNextTable(t.next)
		t.next.SetParent(deletion)
		t.next = deletion

		t.next.PeeringWentDown(t.peer, t.genid, t)
		deletion.InitiateBackgroundDeletion()
	} else {
		// Nothing to delete; just notify everyone.
		t.next.PeeringWentDown(t.peer, t.genid, t)
		t.next.Push(t)
		t.next.PeeringDownComplete(t.peer, t.genid, t)
		if t.OnDeletionComplete != nil {
			t.OnDeletionComplete(t.peer, t.genid)
		}
	}
}

// RibInPeeringCameUp bumps the generation ID, skipping zero on wrap.
func (t *RibInTable) RibInPeeringCameUp() {
	t.Log("peering came up")
	t.peerIsUp = true
	t.genid++
	if t.genid == 0 {
		t.genid = 1
	}
	t.next.PeeringCameUp(t.peer, t.genid, t)
}

// LookupRoute resolves against the stored trie; nothing resolves while the
// peering is down (the DeletionTable spliced after us answers for the
// snapshot instead).
func (t *RibInTable) LookupRoute(net netip.Prefix) (*rib.SubnetRoute, uint32) {
	if !t.peerIsUp {
		return nil, GenidUnknown
	}
	if chained, ok := t.trie.Lookup(net); ok {
		return chained.SubnetRoute, t.genid
	}
	return nil, GenidUnknown
}

// RouteUsed updates the in-use flag on our stored copy. The route passed in
// may originate the far side of a cache, so it is looked up rather than
// modified directly.
func (t *RibInTable) RouteUsed(usedRoute *rib.SubnetRoute, inUse bool) {
	if !t.peerIsUp {
		return
	}
	if chained, ok := t.trie.Lookup(usedRoute.Net()); ok {
		chained.SetInUse(inUse)
	}
}

// DumpNextRoute advances a dump iterator by one route: the next stored
// route that won the decision process is re-emitted as a route_dump for the
// iterator's target peer. Returns false when the trie is exhausted.
func (t *RibInTable) DumpNextRoute(iter *DumpIterator) bool {
	var chained *rib.ChainedSubnetRoute
	var ok bool
	if last, valid := iter.RouteIteratorPosition(); valid {
		chained, ok = t.trie.NextAfter(last)
	} else {
		chained, ok = t.trie.First()
	}
	for ok {
		// Only dump routes that actually won, unless this is a policy
		// route dump covering every peer.
		if chained.IsWinner() || iter.PeerToDumpTo() == nil {
			msg := NewInternalMessage(chained.SubnetRoute, t.peer, t.genid)
			t.Log("dump route: " + msg.Net().String())
			res := t.next.RouteDump(msg, t, iter.PeerToDumpTo())
			chained.SetFiltered(res == AddFiltered)
			iter.SetRouteIteratorPosition(chained.Net())
			return true
		}
		chained, ok = t.trie.NextAfter(chained.Net())
	}
	return false
}

// RepushAllRoutes re-emits every stored route as a delete-then-add pair so
// reconfigured policy filters are re-applied and decision re-evaluates.
func (t *RibInTable) RepushAllRoutes() {
	if !t.peerIsUp || t.next == nil {
		return
	}
	t.Log("repushing all routes")
	chained, ok := t.trie.First()
	for ok {
		next, nextOK := t.trie.NextAfter(chained.Net())
		oldMsg := NewInternalMessage(chained.SubnetRoute, t.peer, t.genid)
		newMsg := NewInternalMessage(chained.SubnetRoute, t.peer, t.genid)
		t.next.DeleteRoute(oldMsg, t)
		t.next.AddRoute(newMsg, t)
		chained, ok = next, nextOK
	}
	t.next.Push(t)
}

// IGPNextHopChanged re-emits every route whose attribute list carries the
// given bgp nexthop, as delete-then-add pairs so decision re-evaluates
// them. One attribute chain is pushed per task round; further nexthops
// queue until the current push drains.
func (t *RibInTable) IGPNextHopChanged(bgpNexthop netip.Addr) {
	t.Log("igp nexthop changed: " + bgpNexthop.String())
	if t.changedNexthops[bgpNexthop] {
		// Already queued to be pushed again.
		return
	}
	if t.nexthopPushActive {
		t.changedNexthops[bgpNexthop] = true
		return
	}
	key, ok := t.firstChainWithNexthop(bgpNexthop)
	if !ok {
		return
	}
	t.currentChangedNexthop = bgpNexthop
	t.currentChainKey = key
	t.nexthopPushActive = true
	t.pushTask = t.loop.After(0, t.pushNextChangedNexthop)
}

func (t *RibInTable) firstChainWithNexthop(nh netip.Addr) (string, bool) {
	probe := bgp.SortKeyForNextHop(nh)
	key, ok := t.trie.Pathmap().LowerBound(probe)
	if !ok {
		return "", false
	}
	chain, ok := t.trie.Pathmap().Chain(key)
	if !ok || chain.NextHop() != nh {
		return "", false
	}
	return key, true
}

func (t *RibInTable) pushNextChangedNexthop() {
	if !t.nexthopPushActive || !t.peerIsUp {
		return
	}
	chain, ok := t.trie.Pathmap().Chain(t.currentChainKey)
	if ok {
		first := chain
		for {
			next := chain.Next()
			// Replacing a route with itself is not safe for the flags, so
			// send an explicit delete followed by an add.
			oldMsg := NewInternalMessage(chain.SubnetRoute, t.peer, t.genid)
			newMsg := NewInternalMessage(chain.SubnetRoute, t.peer, t.genid)
			t.Log("push next changed nexthop: " + oldMsg.Net().String())
			t.next.DeleteRoute(oldMsg, t)
			t.next.AddRoute(newMsg, t)
			if next == first {
				break
			}
			chain = next
		}
		t.next.Push(t)
	}
	t.nextChain()
	if t.nexthopPushActive {
		t.pushTask = t.loop.After(0, t.pushNextChangedNexthop)
	}
}

// nextChain advances to the next chain with the current nexthop, or pops
// the next queued nexthop when the current one is exhausted.
func (t *RibInTable) nextChain() {
	if key, ok := t.trie.Pathmap().NextKeyAfter(t.currentChainKey); ok {
		if chain, ok := t.trie.Pathmap().Chain(key); ok && chain.NextHop() == t.currentChangedNexthop {
			t.currentChainKey = key
			return
		}
	}
	for {
		if len(t.changedNexthops) == 0 {
			t.nexthopPushActive = false
			return
		}
		var nh netip.Addr
		for candidate := range t.changedNexthops {
			nh = candidate
			break
		}
		delete(t.changedNexthops, nh)
		if key, ok := t.firstChainWithNexthop(nh); ok {
			t.currentChangedNexthop = nh
			t.currentChainKey = key
			return
		}
	}
}

// deletionNexthopCheck keeps the chain sweep position valid when a route
// about to be erased is the one the nexthop push would visit next.
func (t *RibInTable) deletionNexthopCheck(route *rib.ChainedSubnetRoute) {
	if !t.nexthopPushActive {
		return
	}
	chain, ok := t.trie.Pathmap().Chain(t.currentChainKey)
	if !ok {
		return
	}
	if chain.Net() == route.Net() && route.Next() == route {
		// Last route in the chain: bump the sweep before it disappears.
		t.nextChain()
	}
}

func (t *RibInTable) stopNexthopPush() {
	t.changedNexthops = make(map[netip.Addr]bool)
	t.nexthopPushActive = false
	t.currentChangedNexthop = netip.Addr{}
	if t.pushTask != nil {
		t.pushTask.Stop()
		t.pushTask = nil
	}
}

// --- RouteTable interface: the RibIn is the head of the pipeline, so the
// downstream-propagation entry points must never be called on it.

func (t *RibInTable) AddRoute(*InternalMessage, RouteTable) AddStatus {
	return AddFailure
}

func (t *RibInTable) ReplaceRoute(*InternalMessage, *InternalMessage, RouteTable) AddStatus {
	return AddFailure
}

func (t *RibInTable) DeleteRoute(*InternalMessage, RouteTable) AddStatus {
	return AddFailure
}

func (t *RibInTable) RouteDump(*InternalMessage, RouteTable, *PeerHandler) AddStatus {
	return AddFailure
}

func (t *RibInTable) Push(RouteTable) {}

func (t *RibInTable) PeeringWentDown(*PeerHandler, uint32, RouteTable)      {}
func (t *RibInTable) PeeringDownComplete(*PeerHandler, uint32, RouteTable)  {}
func (t *RibInTable) PeeringCameUp(*PeerHandler, uint32, RouteTable)        {}

// DumpState renders the table for the crash dump.
func (t *RibInTable) DumpState() string {
	state := t.name + "\n"
	if t.peerIsUp {
		state += "Peer is UP\n"
	} else {
		state += "Peer is DOWN\n"
	}
	return state + t.Dumper.DumpState()
}
