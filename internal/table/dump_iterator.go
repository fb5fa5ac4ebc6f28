package table

import (
	"fmt"
	"net/netip"

	"github.com/route-beacon/bgp-speaker/internal/rib"
)

// PeerDumpStatus tracks how far the dump has got with one upstream peer.
type PeerDumpStatus int

const (
	StillToDump PeerDumpStatus = iota
	CurrentlyDumping
	DownDuringDump
	DownBeforeDump
	CompletelyDumped
	NewPeer
	FirstSeenDuringDump
)

func (s PeerDumpStatus) String() string {
	switch s {
	case StillToDump:
		return "STILL_TO_DUMP"
	case CurrentlyDumping:
		return "CURRENTLY_DUMPING"
	case DownDuringDump:
		return "DOWN_DURING_DUMP"
	case DownBeforeDump:
		return "DOWN_BEFORE_DUMP"
	case CompletelyDumped:
		return "COMPLETELY_DUMPED"
	case NewPeer:
		return "NEW_PEER"
	case FirstSeenDuringDump:
		return "FIRST_SEEN_DURING_DUMP"
	}
	return fmt.Sprintf("PeerDumpStatus(%d)", int(s))
}

// RouteOp identifies the kind of live change being validated against the
// dump progress.
type RouteOp int

const (
	RouteOpAdd RouteOp = iota
	RouteOpDelete
	RouteOpReplaceOld
	RouteOpReplaceNew
)

// peerDumpState is the per-upstream-peer record of a dump in progress.
type peerDumpState struct {
	peer   *PeerHandler
	status PeerDumpStatus
	genid  uint32

	// lastNetBeforeDown is the last prefix dumped before the peer went
	// down mid-dump; only meaningful in DownDuringDump.
	lastNetBeforeDown    netip.Prefix
	hasLastNetBeforeDown bool

	// Genids of this peer's DeletionTables still draining.
	deletingGenids map[uint32]bool
}

func newPeerDumpState(peer *PeerHandler, status PeerDumpStatus, genid uint32) *peerDumpState {
	return &peerDumpState{
		peer:           peer,
		status:         status,
		genid:          genid,
		deletingGenids: make(map[uint32]bool),
	}
}

func (s *peerDumpState) setDeleteOccurring(genid uint32) { s.deletingGenids[genid] = true }

func (s *peerDumpState) setDeleteComplete(genid uint32) {
	if s.deletingGenids[genid] {
		delete(s.deletingGenids, genid)
	}
}

func (s *peerDumpState) deleteComplete() bool { return len(s.deletingGenids) == 0 }

// DumpIterator replays the current route set to one newly-plumbed
// downstream peer while live updates continue. It freezes the list of
// upstream peers at creation, dumps them one at a time in trie order, and
// adjudicates every concurrent route change so each route reaches the new
// peer exactly once: via the dump stream or via the live stream, never
// both, never neither.
type DumpIterator struct {
	peer *PeerHandler // the peer being dumped to

	peersToDump []*PeerTableInfo
	current     int
	states      map[*PeerHandler]*peerDumpState

	// Resumable position within the current upstream peer's trie.
	routeIterValid bool
	routeIterNet   netip.Prefix

	routesDumpedOnCurrentPeer bool
	lastDumpedNet             netip.Prefix
}

// NewDumpIterator freezes the upstream peer list. The peer being dumped to
// is excluded from the dump order.
func NewDumpIterator(peer *PeerHandler, peersToDump []*PeerTableInfo) *DumpIterator {
	it := &DumpIterator{
		peer:   peer,
		states: make(map[*PeerHandler]*peerDumpState),
	}
	for _, info := range peersToDump {
		if info.Peer() == peer {
			continue
		}
		it.peersToDump = append(it.peersToDump, info)
		it.states[info.Peer()] = newPeerDumpState(info.Peer(), StillToDump, info.Genid())
	}
	if len(it.peersToDump) > 0 {
		it.states[it.peersToDump[0].Peer()].status = CurrentlyDumping
	}
	return it
}

// PeerToDumpTo returns the downstream peer being caught up.
func (it *DumpIterator) PeerToDumpTo() *PeerHandler { return it.peer }

// CurrentPeer returns the upstream peer currently being dumped.
func (it *DumpIterator) CurrentPeer() (*PeerTableInfo, bool) {
	if it.current >= len(it.peersToDump) {
		return nil, false
	}
	return it.peersToDump[it.current], true
}

// IsValid reports whether any upstream peer remains to dump.
func (it *DumpIterator) IsValid() bool { return it.current < len(it.peersToDump) }

// RouteIteratorPosition returns the resume point in the current trie.
func (it *DumpIterator) RouteIteratorPosition() (netip.Prefix, bool) {
	return it.routeIterNet, it.routeIterValid
}

// SetRouteIteratorPosition records the last prefix handed to RouteDump.
func (it *DumpIterator) SetRouteIteratorPosition(net netip.Prefix) {
	it.routeIterNet = net
	it.routeIterValid = true
}

// RouteDumped records a successful route_dump emission for the current
// peer.
func (it *DumpIterator) RouteDumped(msg *InternalMessage) {
	it.routesDumpedOnCurrentPeer = true
	it.lastDumpedNet = msg.Net()
}

// NextPeer finishes the current upstream peer and advances to the next one
// still awaiting a dump. Returns false when none remain.
func (it *DumpIterator) NextPeer() bool {
	if it.current < len(it.peersToDump) {
		state := it.states[it.peersToDump[it.current].Peer()]
		if state.status == CurrentlyDumping {
			state.status = CompletelyDumped
		}
	}
	for {
		it.current++
		if it.current >= len(it.peersToDump) {
			break
		}
		state := it.states[it.peersToDump[it.current].Peer()]
		if state.status == StillToDump {
			state.status = CurrentlyDumping
			break
		}
	}
	it.routeIterValid = false
	it.routesDumpedOnCurrentPeer = false
	return it.current < len(it.peersToDump)
}

// PeeringIsDown is called at startup for peerings that already have
// DeletionTables draining.
func (it *DumpIterator) PeeringIsDown(peer *PeerHandler, genid uint32) {
	state, ok := it.states[peer]
	if !ok {
		state = newPeerDumpState(peer, DownBeforeDump, genid)
		state.setDeleteOccurring(genid)
		it.states[peer] = state
		return
	}
	switch state.status {
	case StillToDump, CurrentlyDumping, DownBeforeDump:
		state.setDeleteOccurring(genid)
	}
}

// PeeringWentDown updates the dump state when an upstream peer dies
// mid-dump.
func (it *DumpIterator) PeeringWentDown(peer *PeerHandler, genid uint32) {
	state, ok := it.states[peer]
	if !ok {
		return
	}
	state.setDeleteOccurring(genid)
	switch state.status {
	case StillToDump:
		state.status = DownBeforeDump
	case CurrentlyDumping:
		if it.routesDumpedOnCurrentPeer {
			state.status = DownDuringDump
			state.lastNetBeforeDown = it.lastDumpedNet
			state.hasLastNetBeforeDown = true
		} else {
			state.status = DownBeforeDump
		}
		it.NextPeer()
	case DownDuringDump, DownBeforeDump, CompletelyDumped, NewPeer, FirstSeenDuringDump:
		// Went down before, or we are done with it; nothing to track.
	}
}

// PeeringDownComplete records that one of the peer's DeletionTables
// finished draining.
func (it *DumpIterator) PeeringDownComplete(peer *PeerHandler, genid uint32) {
	if state, ok := it.states[peer]; ok {
		state.setDeleteComplete(genid)
	}
}

// PeeringCameUp records a peer (re)starting during the dump.
func (it *DumpIterator) PeeringCameUp(peer *PeerHandler, genid uint32) {
	state, ok := it.states[peer]
	if !ok {
		it.states[peer] = newPeerDumpState(peer, NewPeer, genid)
		return
	}
	if state.status == FirstSeenDuringDump {
		// Anything prior was obsolete background-deletion residue; the
		// peer has now properly come up.
		it.states[peer] = newPeerDumpState(peer, NewPeer, genid)
	}
}

// RouteChangeIsValid decides whether a live change from origin must be
// forwarded to the dumped-to peer, or suppressed because the dump will (or
// did) carry it.
func (it *DumpIterator) RouteChangeIsValid(origin *PeerHandler, net netip.Prefix,
	genid uint32, op RouteOp) bool {
	state, ok := it.states[origin]
	if !ok {
		// Never heard of this peer: it was down when the dump started and
		// something is draining on a background task. Record it and
		// suppress.
		it.states[origin] = newPeerDumpState(origin, FirstSeenDuringDump, genid)
		return false
	}

	if genid < state.genid {
		// Obsolete: predates anything we know about.
		return false
	}

	switch state.status {
	case StillToDump:
		return false

	case CurrentlyDumping:
		if it.routesDumpedOnCurrentPeer {
			if rib.ComparePrefix(net, it.lastDumpedNet) <= 0 {
				return true
			}
		}
		return false

	case DownDuringDump:
		if genid == state.genid {
			if state.hasLastNetBeforeDown &&
				rib.ComparePrefix(net, state.lastNetBeforeDown) <= 0 {
				return true
			}
			return false
		}
		// From a later lifetime of the rib: pass it on.
		return true

	case DownBeforeDump:
		if genid == state.genid {
			return false
		}
		return true

	case CompletelyDumped, NewPeer:
		return true

	case FirstSeenDuringDump:
		return false
	}
	return false
}

// WaitingForDeletionCompletion reports whether the new peer may not yet
// declare itself caught up: some upstream DeletionTable is still draining,
// or some peer remains to be dumped.
func (it *DumpIterator) WaitingForDeletionCompletion() bool {
	for _, state := range it.states {
		if !state.deleteComplete() {
			return true
		}
		if state.status == StillToDump || state.status == CurrentlyDumping {
			return true
		}
	}
	return false
}
