package table

import (
	"net/netip"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
	"github.com/route-beacon/bgp-speaker/internal/crashdump"
	"github.com/route-beacon/bgp-speaker/internal/metrics"
	"github.com/route-beacon/bgp-speaker/internal/rib"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// NexthopResolver reports the IGP cost of reaching a BGP nexthop. The RIB
// redistribution stream keeps an implementation current; an unresolvable
// nexthop ranks worst.
type NexthopResolver interface {
	MetricFor(nexthop netip.Addr) (uint32, bool)
}

// PeerTableInfo describes one upstream branch feeding the decision table.
type PeerTableInfo struct {
	table RouteTable
	peer  *PeerHandler
	genid uint32
}

func (p *PeerTableInfo) Table() RouteTable   { return p.table }
func (p *PeerTableInfo) Peer() *PeerHandler  { return p.peer }
func (p *PeerTableInfo) Genid() uint32       { return p.genid }
func (p *PeerTableInfo) setGenid(g uint32)   { p.genid = g }

// DecisionTable is the fan-in stage: it selects at most one best route per
// prefix across every upstream RibIn branch using the BGP decision process
// and emits exactly one winner downstream. An invariant break here is fatal
// to the pipeline, because downstream RIBs would diverge from upstream
// truth.
type DecisionTable struct {
	baseTable
	*crashdump.Dumper

	parents  []*PeerTableInfo
	resolver NexthopResolver
	logger   *zap.Logger

	// OnFatal is invoked on an invariant violation, after logging and
	// before the process exits; the crash-dump manager hooks in here.
	OnFatal func(reason string)
}

func NewDecisionTable(name string, resolver NexthopResolver, clock clockwork.Clock, logger *zap.Logger) *DecisionTable {
	return &DecisionTable{
		baseTable: newBaseTable("DecisionTable-" + name),
		Dumper:    crashdump.NewDumper(clock),
		resolver:  resolver,
		logger:    logger,
	}
}

// AddParent registers an upstream branch.
func (t *DecisionTable) AddParent(table RouteTable, peer *PeerHandler, genid uint32) *PeerTableInfo {
	info := &PeerTableInfo{table: table, peer: peer, genid: genid}
	t.parents = append(t.parents, info)
	return info
}

// RemoveParent unregisters a branch (peer unconfigured).
func (t *DecisionTable) RemoveParent(table RouteTable) {
	for i, info := range t.parents {
		if info.table == table {
			t.parents = append(t.parents[:i], t.parents[i+1:]...)
			return
		}
	}
}

func (t *DecisionTable) Parents() []*PeerTableInfo { return t.parents }

type candidate struct {
	route *rib.SubnetRoute
	peer  *PeerHandler
	genid uint32
	info  *PeerTableInfo
}

// candidatesFor collects each branch's current route for a prefix,
// optionally excluding one branch.
func (t *DecisionTable) candidatesFor(net netip.Prefix, exclude RouteTable) []candidate {
	var out []candidate
	for _, info := range t.parents {
		if info.table == exclude {
			continue
		}
		route, genid := info.table.LookupRoute(net)
		if route == nil {
			continue
		}
		out = append(out, candidate{route: route, peer: info.peer, genid: genid, info: info})
	}
	return out
}

func (t *DecisionTable) currentWinner(cands []candidate) *candidate {
	for i := range cands {
		if cands[i].route.IsWinner() {
			return &cands[i]
		}
	}
	return nil
}

func (t *DecisionTable) bestOf(cands []candidate) *candidate {
	if len(cands) == 0 {
		return nil
	}
	best := &cands[0]
	for i := 1; i < len(cands); i++ {
		if t.beats(&cands[i], best) {
			best = &cands[i]
		}
	}
	return best
}

// beats implements the BGP-4 tie-break order: local-pref, AS-path length,
// origin, MED among same neighbour AS, EBGP over IBGP, IGP metric to the
// nexthop, router ID, cluster-list length, peer address, and finally the
// stable unique ID.
func (t *DecisionTable) beats(a, b *candidate) bool {
	aAttrs, bAttrs := a.route.Attributes(), b.route.Attributes()

	aPref, bPref := localPrefOf(aAttrs), localPrefOf(bAttrs)
	if aPref != bPref {
		return aPref > bPref
	}

	aLen, bLen := asPathLenOf(aAttrs), asPathLenOf(bAttrs)
	if aLen != bLen {
		return aLen < bLen
	}

	if aAttrs.Origin() != bAttrs.Origin() {
		return aAttrs.Origin() < bAttrs.Origin()
	}

	// MED is only comparable between routes from the same neighbour AS.
	aFirst, bFirst := firstASOf(aAttrs), firstASOf(bAttrs)
	if aFirst == bFirst {
		aMED, _ := aAttrs.MED()
		bMED, _ := bAttrs.MED()
		if aMED != bMED {
			return aMED < bMED
		}
	}

	aEBGP := a.peer != nil && !a.peer.IBGP()
	bEBGP := b.peer != nil && !b.peer.IBGP()
	if aEBGP != bEBGP {
		return aEBGP
	}

	aMetric, bMetric := t.igpMetric(a.route), t.igpMetric(b.route)
	if aMetric != bMetric {
		return aMetric < bMetric
	}

	if a.peer != nil && b.peer != nil {
		if c := a.peer.BGPID().Compare(b.peer.BGPID()); c != 0 {
			return c < 0
		}
	}

	if cl := aAttrs.ClusterListLen() - bAttrs.ClusterListLen(); cl != 0 {
		return cl < 0
	}

	if a.peer != nil && b.peer != nil {
		if c := a.peer.PeerAddr().Compare(b.peer.PeerAddr()); c != 0 {
			return c < 0
		}
		return a.peer.UniqueID() < b.peer.UniqueID()
	}
	return false
}

func (t *DecisionTable) igpMetric(route *rib.SubnetRoute) uint32 {
	if t.resolver != nil {
		if m, ok := t.resolver.MetricFor(route.NextHop()); ok {
			return m
		}
	}
	return route.IGPMetric()
}

func localPrefOf(attrs *bgp.PathAttributeList) uint32 {
	if v, ok := attrs.LocalPref(); ok {
		return v
	}
	return defaultLocalPref
}

func asPathLenOf(attrs *bgp.PathAttributeList) int {
	if path := attrs.ASPath(); path != nil {
		return path.PathLength()
	}
	return 0
}

func firstASOf(attrs *bgp.PathAttributeList) uint32 {
	if path := attrs.ASPath(); path != nil {
		return path.FirstAS()
	}
	return 0
}

func (t *DecisionTable) fatal(reason string) {
	t.logger.Error("decision invariant violation", zap.String("reason", reason))
	metrics.DecisionFailures.Inc()
	if t.OnFatal != nil {
		t.OnFatal(reason)
	}
}

func (t *DecisionTable) AddRoute(msg *InternalMessage, caller RouteTable) AddStatus {
	t.Log("add route: " + msg.Net().String())
	cands := t.candidatesFor(msg.Net(), nil)
	winner := t.currentWinner(cands)

	newCand := candidate{route: msg.Route(), peer: msg.Origin(), genid: msg.Genid()}
	if winner != nil && winner.route == msg.Route() {
		t.fatal("added route already marked winner for " + msg.Net().String())
		return AddFailure
	}

	if winner == nil {
		// No current winner: the new route competes against every
		// stored-but-unused alternative.
		best := t.bestOf(cands)
		if best != nil && best.route != msg.Route() && t.beats(best, &newCand) {
			// An existing route we previously left unused now wins; this
			// can only happen after flag loss, treat the stored best as
			// the winner.
			best.route.SetIsWinner(true)
			bestMsg := NewInternalMessage(best.route, best.peer, best.genid)
			t.next.AddRoute(bestMsg, t)
			return AddUnused
		}
		msg.Route().SetIsWinner(true)
		return t.next.AddRoute(msg, t)
	}

	if t.beats(&newCand, winner) {
		winner.route.SetIsWinner(false)
		winner.info.table.RouteUsed(winner.route, false)
		msg.Route().SetIsWinner(true)
		oldMsg := NewInternalMessage(winner.route, winner.peer, winner.genid)
		return t.next.ReplaceRoute(oldMsg, msg, t)
	}
	return AddUnused
}

func (t *DecisionTable) DeleteRoute(msg *InternalMessage, caller RouteTable) AddStatus {
	t.Log("delete route: " + msg.Net().String())
	if !msg.Route().IsWinner() {
		// A losing route vanished; downstream never knew it.
		return AddUnused
	}
	msg.Route().SetIsWinner(false)
	t.next.DeleteRoute(msg, t)

	// Promote the best remaining alternative, if any.
	cands := t.candidatesFor(msg.Net(), nil)
	alive := cands[:0]
	for _, c := range cands {
		if c.route != msg.Route() {
			alive = append(alive, c)
		}
	}
	if best := t.bestOf(alive); best != nil {
		best.route.SetIsWinner(true)
		best.info.table.RouteUsed(best.route, true)
		bestMsg := NewInternalMessage(best.route, best.peer, best.genid)
		t.next.AddRoute(bestMsg, t)
	}
	return AddUsed
}

func (t *DecisionTable) ReplaceRoute(oldMsg, newMsg *InternalMessage, caller RouteTable) AddStatus {
	t.Log("replace route: " + oldMsg.Net().String())
	if !oldMsg.Route().IsWinner() {
		// The replaced route was not the winner; the new one competes
		// like any fresh add.
		return t.AddRoute(newMsg, caller)
	}
	oldMsg.Route().SetIsWinner(false)

	cands := t.candidatesFor(oldMsg.Net(), nil)
	alive := cands[:0]
	for _, c := range cands {
		if c.route != oldMsg.Route() {
			alive = append(alive, c)
		}
	}
	newCand := candidate{route: newMsg.Route(), peer: newMsg.Origin(), genid: newMsg.Genid()}
	best := t.bestOf(alive)

	if best == nil || best.route == newMsg.Route() || t.beats(&newCand, best) {
		newMsg.Route().SetIsWinner(true)
		return t.next.ReplaceRoute(oldMsg, newMsg, t)
	}
	// Another branch's route overtakes: downstream sees the old winner
	// replaced by that route, and the caller learns its new route lost.
	best.route.SetIsWinner(true)
	best.info.table.RouteUsed(best.route, true)
	bestMsg := NewInternalMessage(best.route, best.peer, best.genid)
	t.next.ReplaceRoute(oldMsg, bestMsg, t)
	return AddUnused
}

func (t *DecisionTable) RouteDump(msg *InternalMessage, caller RouteTable, dumpPeer *PeerHandler) AddStatus {
	// The RibIn only dumps winners; pass through.
	return t.next.RouteDump(msg, t, dumpPeer)
}

func (t *DecisionTable) Push(caller RouteTable) { t.next.Push(t) }

// LookupRoute returns the winning route for the prefix, as seen downstream.
func (t *DecisionTable) LookupRoute(net netip.Prefix) (*rib.SubnetRoute, uint32) {
	for _, info := range t.parents {
		route, genid := info.table.LookupRoute(net)
		if route != nil && route.IsWinner() {
			return route, genid
		}
	}
	return nil, GenidUnknown
}

// RouteUsed forwards the in-use flag to the branch owning the route.
func (t *DecisionTable) RouteUsed(route *rib.SubnetRoute, inUse bool) {
	for _, info := range t.parents {
		stored, _ := info.table.LookupRoute(route.Net())
		if stored == route {
			info.table.RouteUsed(route, inUse)
			return
		}
	}
}

func (t *DecisionTable) PeeringWentDown(peer *PeerHandler, genid uint32, caller RouteTable) {
	t.next.PeeringWentDown(peer, genid, t)
}

func (t *DecisionTable) PeeringDownComplete(peer *PeerHandler, genid uint32, caller RouteTable) {
	t.next.PeeringDownComplete(peer, genid, t)
}

func (t *DecisionTable) PeeringCameUp(peer *PeerHandler, genid uint32, caller RouteTable) {
	for _, info := range t.parents {
		if info.peer == peer {
			info.setGenid(genid)
		}
	}
	t.next.PeeringCameUp(peer, genid, t)
}

func (t *DecisionTable) DumpState() string {
	return t.name + "\n" + t.Dumper.DumpState()
}
