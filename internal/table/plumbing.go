package table

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
	"github.com/route-beacon/bgp-speaker/internal/crashdump"
	"github.com/route-beacon/bgp-speaker/internal/eventloop"
	"github.com/route-beacon/bgp-speaker/internal/policy"
	"github.com/route-beacon/bgp-speaker/internal/rib"
	"go.uber.org/zap"
)

// PlumbingConfig carries the knobs the pipeline wiring needs.
type PlumbingConfig struct {
	LocalAS     uint32
	NexthopSelf netip.Addr
	MRAI        time.Duration
}

// Plumbing owns the route-table stacks, one per address family, and wires
// peer handlers into them: each configured peer gets a RibIn chain feeding
// the shared decision table and a RibOut chain hanging off the fanout.
type Plumbing struct {
	cfg     PlumbingConfig
	attrmgr *rib.AttributeManager
	loop    *eventloop.Loop
	bank    policy.FilterBank
	crash   *crashdump.Manager
	logger  *zap.Logger

	unicast4 *familyPlumbing
	unicast6 *familyPlumbing

	nextUniqueID uint32
	peers        []*PeerHandler
}

func NewPlumbing(cfg PlumbingConfig, attrmgr *rib.AttributeManager, loop *eventloop.Loop,
	bank policy.FilterBank, resolver NexthopResolver, crash *crashdump.Manager,
	logger *zap.Logger) *Plumbing {
	p := &Plumbing{
		cfg:          cfg,
		attrmgr:      attrmgr,
		loop:         loop,
		bank:         bank,
		crash:        crash,
		logger:       logger,
		nextUniqueID: uniqueIDFirstPeer,
	}
	p.unicast4 = newFamilyPlumbing("ipv4-unicast", p, resolver)
	p.unicast6 = newFamilyPlumbing("ipv6-unicast", p, resolver)
	return p
}

func (p *Plumbing) allocUniqueID() uint32 {
	id := p.nextUniqueID
	p.nextUniqueID++
	return id
}

func (p *Plumbing) family(afi uint16) *familyPlumbing {
	if afi == bgp.AFIIPv6 {
		return p.unicast6
	}
	return p.unicast4
}

// RibInFor returns the RibIn feeding the given family pipeline for a peer.
func (p *Plumbing) RibInFor(peer *PeerHandler, afi uint16) *RibInTable {
	return p.family(afi).ribins[peer]
}

// Decision exposes one family's decision table, mainly for tests and the
// redistribution handler.
func (p *Plumbing) Decision(afi uint16) *DecisionTable { return p.family(afi).decision }

// Fanout exposes one family's fanout table.
func (p *Plumbing) Fanout(afi uint16) *FanoutTable { return p.family(afi).fanout }

// RibOutFor returns the peer's output table in one family.
func (p *Plumbing) RibOutFor(peer *PeerHandler, afi uint16) *RibOutTable {
	if pp := p.family(afi).peerPlumbing[peer]; pp != nil {
		return pp.ribout
	}
	return nil
}

func (p *Plumbing) addPeerHandler(peer *PeerHandler) {
	p.peers = append(p.peers, peer)
	p.unicast4.addPeer(peer)
	p.unicast6.addPeer(peer)
}

// RemovePeerHandler unplumbs a deconfigured peer entirely.
func (p *Plumbing) RemovePeerHandler(peer *PeerHandler) {
	for i, existing := range p.peers {
		if existing == peer {
			p.peers = append(p.peers[:i], p.peers[i+1:]...)
			break
		}
	}
	p.unicast4.removePeer(peer)
	p.unicast6.removePeer(peer)
}

func (p *Plumbing) peeringCameUp(peer *PeerHandler) {
	p.unicast4.peeringCameUp(peer)
	p.unicast6.peeringCameUp(peer)
}

func (p *Plumbing) peeringWentDown(peer *PeerHandler) {
	p.unicast4.peeringWentDown(peer)
	p.unicast6.peeringWentDown(peer)
}

// familyPlumbing is one address family's pipeline:
//
//	ribin -> import filter -> cache \
//	ribin -> import filter -> cache  > decision -> fanout -> per peer:
//	                                                 [dump ->] export filter -> cache -> ribout
type familyPlumbing struct {
	name     string
	owner    *Plumbing
	decision *DecisionTable
	fanout   *FanoutTable

	ribins       map[*PeerHandler]*RibInTable
	peerPlumbing map[*PeerHandler]*peerTables

	// Deletion tables still draining, per peer, by genid. New dumps seed
	// their iterators from this.
	deletionsInFlight map[*PeerHandler]map[uint32]bool
}

type peerTables struct {
	ribin     *RibInTable
	inFilter  *FilterTable
	inCache   *CacheTable
	outFilter *FilterTable
	outCache  *CacheTable
	ribout    *RibOutTable
	info      *PeerTableInfo
	dump      *DumpTable
}

func newFamilyPlumbing(name string, owner *Plumbing, resolver NexthopResolver) *familyPlumbing {
	f := &familyPlumbing{
		name:              name,
		owner:             owner,
		ribins:            make(map[*PeerHandler]*RibInTable),
		peerPlumbing:      make(map[*PeerHandler]*peerTables),
		deletionsInFlight: make(map[*PeerHandler]map[uint32]bool),
	}
	clock := owner.loop.Clock()
	f.decision = NewDecisionTable(name, resolver, clock, owner.logger.Named(name+".decision"))
	f.fanout = NewFanoutTable(name, clock, owner.logger.Named(name+".fanout"))
	f.decision.SetNextTable(f.fanout)
	f.fanout.SetParent(f.decision)
	f.decision.OnFatal = func(reason string) {
		if owner.crash != nil {
			owner.crash.CrashDump()
		}
	}
	if owner.crash != nil {
		owner.crash.Register("DecisionTable-"+name, f.decision)
		owner.crash.Register("FanoutTable-"+name, f.fanout)
	}
	return f
}

func (f *familyPlumbing) ribInForPeer(peer *PeerHandler) *RibInTable {
	return f.ribins[peer]
}

// addPeer builds and plumbs both chains for one peer.
func (f *familyPlumbing) addPeer(peer *PeerHandler) {
	owner := f.owner
	clock := owner.loop.Clock()
	tag := fmt.Sprintf("%s-%s", f.name, peer.PeerName())
	logger := owner.logger.Named(f.name)

	ribin := NewRibInTable(tag, peer, owner.attrmgr, owner.loop, logger.Named("ribin"))
	inFilter := NewFilterTable(tag+"-import", policy.FilterImport, owner.bank, clock, logger.Named("filter.in"))
	inCache := NewCacheTable(tag+"-in", owner.attrmgr, clock, logger.Named("cache.in"))

	ribin.SetNextTable(inFilter)
	inFilter.SetParent(ribin)
	inFilter.SetNextTable(inCache)
	inCache.SetParent(inFilter)
	inCache.SetNextTable(f.decision)

	info := f.decision.AddParent(inCache, peer, ribin.Genid())

	outFilter := NewFilterTable(tag+"-export", policy.FilterExport, owner.bank, clock, logger.Named("filter.out"))
	outFilter.ConfigureExport(peer, owner.cfg.LocalAS, owner.cfg.NexthopSelf)
	outCache := NewCacheTable(tag+"-out", owner.attrmgr, clock, logger.Named("cache.out"))
	ribout := NewRibOutTable(tag, peer, owner.cfg.MRAI, owner.loop, logger.Named("ribout"))

	outFilter.SetNextTable(outCache)
	outCache.SetParent(outFilter)
	outCache.SetNextTable(ribout)
	ribout.SetParent(outCache)
	f.fanout.AddBranch(peer, outFilter)

	ribin.OnDeletionComplete = func(peer *PeerHandler, genid uint32) {
		if genids := f.deletionsInFlight[peer]; genids != nil {
			delete(genids, genid)
			if len(genids) == 0 {
				delete(f.deletionsInFlight, peer)
			}
		}
	}

	f.ribins[peer] = ribin
	f.peerPlumbing[peer] = &peerTables{
		ribin:     ribin,
		inFilter:  inFilter,
		inCache:   inCache,
		outFilter: outFilter,
		outCache:  outCache,
		ribout:    ribout,
		info:      info,
	}
	if owner.crash != nil {
		owner.crash.Register(ribin.Name(), ribin)
		owner.crash.Register(ribout.Name(), ribout)
	}
}

func (f *familyPlumbing) removePeer(peer *PeerHandler) {
	pp := f.peerPlumbing[peer]
	if pp == nil {
		return
	}
	f.decision.RemoveParent(pp.inCache)
	f.fanout.RemoveBranch(peer)
	if f.owner.crash != nil {
		f.owner.crash.Unregister(pp.ribin)
		f.owner.crash.Unregister(pp.ribout)
	}
	delete(f.ribins, peer)
	delete(f.peerPlumbing, peer)
}

// peeringCameUp bumps the RibIn generation and starts a dump to catch the
// peer up on the currently-chosen routes.
func (f *familyPlumbing) peeringCameUp(peer *PeerHandler) {
	pp := f.peerPlumbing[peer]
	if pp == nil {
		return
	}
	pp.ribin.RibInPeeringCameUp()
	pp.info.setGenid(pp.ribin.Genid())
	f.startDump(peer, pp)
}

func (f *familyPlumbing) startDump(peer *PeerHandler, pp *peerTables) {
	dump := NewDumpTable(f.name+"-"+peer.PeerName(), peer, f.decision.Parents(),
		f, f.fanout, f.owner.loop, f.owner.logger.Named(f.name+".dump"))

	// Seed the iterator with deletions already draining so the new peer
	// does not declare itself caught up too early.
	for downPeer, genids := range f.deletionsInFlight {
		for genid := range genids {
			dump.PeeringIsDown(downPeer, genid)
		}
	}

	dump.SetNextTable(pp.outFilter)
	pp.outFilter.SetParent(dump)
	f.fanout.ReplaceBranchHead(peer, dump)
	pp.dump = dump
	dump.OnCompleted = func() { pp.dump = nil }
	dump.StartDump()
}

// routeRefresh replays one family to a peer via a fresh dump, unless one
// is already running.
func (p *Plumbing) routeRefresh(peer *PeerHandler, afi uint16) {
	f := p.family(afi)
	pp := f.peerPlumbing[peer]
	if pp == nil || pp.dump != nil {
		return
	}
	f.startDump(peer, pp)
}

// peeringWentDown hands the RibIn trie to a DeletionTable and records the
// in-flight drain.
func (f *familyPlumbing) peeringWentDown(peer *PeerHandler) {
	pp := f.peerPlumbing[peer]
	if pp == nil {
		return
	}
	genid := pp.ribin.Genid()
	if pp.ribin.RouteCount() > 0 {
		if f.deletionsInFlight[peer] == nil {
			f.deletionsInFlight[peer] = make(map[uint32]bool)
		}
		f.deletionsInFlight[peer][genid] = true
	}
	pp.ribin.RibInPeeringWentDown()
}

// AddLocRibObserver plumbs the internal Loc-RIB consumer branch into both
// family fanouts under the reserved rib-ipc unique ID. Every winner change
// reaching the end of the pipeline invokes fn.
func (p *Plumbing) AddLocRibObserver(fn func(ev LocRibEvent)) {
	pseudo := newPseudoPeerHandler("loc-rib", UniqueIDRibIPC)
	for _, f := range []*familyPlumbing{p.unicast4, p.unicast6} {
		sink := NewLocRibTable(f.name, fn)
		f.fanout.AddBranch(pseudo, sink)
	}
}

// DumpTableFor exposes a peer's active dump table, if any.
func (p *Plumbing) DumpTableFor(peer *PeerHandler, afi uint16) *DumpTable {
	if pp := p.family(afi).peerPlumbing[peer]; pp != nil {
		return pp.dump
	}
	return nil
}
