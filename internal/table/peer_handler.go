package table

import (
	"fmt"
	"net/netip"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
	"go.uber.org/zap"
)

// Reserved unique IDs below the range handed to real peerings.
const (
	UniqueIDRibIPC      uint32 = 0
	UniqueIDAggregation uint32 = 1
	uniqueIDFirstPeer   uint32 = 2
)

// Sender is the session-side interface the output path writes to. The peer
// FSM implements it; tests substitute a fake.
type Sender interface {
	SendUpdate(pkt *bgp.UpdatePacket) error
	// Busy reports that the send queue is full; the RibOut stops emitting
	// until RibOutTable.SessionWritable is called.
	Busy() bool
	SessionConfig() bgp.SessionConfig
}

// PeerStats counts the routes exchanged over the lifetime of the handler.
type PeerStats struct {
	PrefixesAccepted  uint64
	PrefixesWithdrawn uint64
	UpdatesSent       uint64
	UpdatesReceived   uint64
}

// PeerHandler ties one BGP session to the route-table pipeline: inbound it
// converts decoded UPDATEs into per-prefix calls on its RibIn tables,
// outbound it assembles UPDATEs from RibOut batches and hands them to the
// session. It is created when the peer is configured and quiesces, without
// being destroyed, on session teardown so the RibIn can drain.
type PeerHandler struct {
	peerName string
	uniqueID uint32

	sender   Sender
	plumbing *Plumbing
	logger   *zap.Logger

	ibgp      bool
	peerAS    uint32
	localAS   uint32
	peerAddr  netip.Addr
	localAddr netip.Addr
	bgpID     netip.Addr

	// allowOwnAS permits our AS in received paths (confederation-style
	// setups); normally such loops are silently filtered.
	allowOwnAS bool

	peeringIsUp bool
	stats       PeerStats

	// Outbound packet under construction, one per family batch.
	building *bgp.UpdatePacket
}

// PeerHandlerConfig carries the session facts the handler needs.
type PeerHandlerConfig struct {
	PeerName   string
	PeerAS     uint32
	LocalAS    uint32
	PeerAddr   netip.Addr
	LocalAddr  netip.Addr
	BGPID      netip.Addr
	AllowOwnAS bool
}

func NewPeerHandler(cfg PeerHandlerConfig, sender Sender, plumbing *Plumbing, logger *zap.Logger) *PeerHandler {
	p := &PeerHandler{
		peerName:   cfg.PeerName,
		sender:     sender,
		plumbing:   plumbing,
		logger:     logger,
		ibgp:       cfg.PeerAS == cfg.LocalAS,
		peerAS:     cfg.PeerAS,
		localAS:    cfg.LocalAS,
		peerAddr:   cfg.PeerAddr,
		localAddr:  cfg.LocalAddr,
		bgpID:      cfg.BGPID,
		allowOwnAS: cfg.AllowOwnAS,
	}
	if plumbing != nil {
		p.uniqueID = plumbing.allocUniqueID()
		plumbing.addPeerHandler(p)
	}
	return p
}

func (p *PeerHandler) PeerName() string    { return p.peerName }
func (p *PeerHandler) UniqueID() uint32    { return p.uniqueID }
func (p *PeerHandler) IBGP() bool          { return p.ibgp }
func (p *PeerHandler) PeerAS() uint32      { return p.peerAS }
func (p *PeerHandler) LocalAS() uint32     { return p.localAS }
func (p *PeerHandler) PeerAddr() netip.Addr { return p.peerAddr }
func (p *PeerHandler) BGPID() netip.Addr   { return p.bgpID }
func (p *PeerHandler) PeeringIsUp() bool   { return p.peeringIsUp }
func (p *PeerHandler) Stats() PeerStats    { return p.stats }

// SetBGPID records the router ID learned from the peer's OPEN.
func (p *PeerHandler) SetBGPID(id netip.Addr) { p.bgpID = id }

// PeeringCameUp makes the handler routing-active; called on transition to
// Established.
func (p *PeerHandler) PeeringCameUp() {
	p.peeringIsUp = true
	p.plumbing.peeringCameUp(p)
}

// PeeringWentDown quiesces the handler; its RibIn contents hand off to a
// DeletionTable and drain in the background.
func (p *PeerHandler) PeeringWentDown() {
	p.peeringIsUp = false
	p.plumbing.peeringWentDown(p)
}

// RouteRefresh replays the chosen routes of one family to the peer by
// starting a fresh dump over its output branch.
func (p *PeerHandler) RouteRefresh(afi uint16, safi uint8) {
	if !p.peeringIsUp || safi != bgp.SAFIUnicast {
		return
	}
	p.plumbing.routeRefresh(p, afi)
}

// ProcessUpdate converts a decoded UPDATE into per-prefix route calls on
// the family pipelines, ending with a push.
func (p *PeerHandler) ProcessUpdate(pkt *bgp.UpdatePacket) error {
	p.stats.UpdatesReceived++

	// Loop protection: a path carrying our own AS is silently filtered,
	// unless the peer is explicitly permitted to send it.
	if path := pkt.Attrs.ASPath(); !p.allowOwnAS && path != nil && path.Contains(p.localAS) {
		p.logger.Debug("filtered looped as_path",
			zap.String("peer", p.peerName), zap.Uint32("local_as", p.localAS))
		return nil
	}

	ribin4 := p.plumbing.RibInFor(p, bgp.AFIIPv4)
	ribin6 := p.plumbing.RibInFor(p, bgp.AFIIPv6)

	for _, net := range pkt.WithdrawnRoutes {
		p.stats.PrefixesWithdrawn++
		ribin4.DeletePeerRoute(net)
	}
	if mpUnreach, ok := pkt.Attrs.Get(bgp.AttrTypeMPUnreachNLRI).(*bgp.MPUnreachNLRIAttribute); ok {
		for _, net := range mpUnreach.NLRI {
			p.stats.PrefixesWithdrawn++
			ribin6.DeletePeerRoute(net)
		}
	}

	if len(pkt.NLRI) > 0 {
		attrs := pkt.Attrs.Clone()
		attrs.Remove(bgp.AttrTypeMPReachNLRI)
		attrs.Remove(bgp.AttrTypeMPUnreachNLRI)
		p.applyImportDefaults(attrs)
		for _, net := range pkt.NLRI {
			p.stats.PrefixesAccepted++
			ribin4.AddPeerRoute(net, attrs.Clone(), nil)
		}
	}
	if mpReach, ok := pkt.Attrs.Get(bgp.AttrTypeMPReachNLRI).(*bgp.MPReachNLRIAttribute); ok && len(mpReach.NLRI) > 0 {
		attrs := pkt.Attrs.Clone()
		attrs.Remove(bgp.AttrTypeMPReachNLRI)
		attrs.Remove(bgp.AttrTypeMPUnreachNLRI)
		attrs.SetNextHop(mpReach.NextHop)
		p.applyImportDefaults(attrs)
		for _, net := range mpReach.NLRI {
			p.stats.PrefixesAccepted++
			ribin6.AddPeerRoute(net, attrs.Clone(), nil)
		}
	}

	ribin4.PushChanges()
	ribin6.PushChanges()
	return nil
}

// applyImportDefaults fills in attributes the decision process requires but
// EBGP peers do not send.
func (p *PeerHandler) applyImportDefaults(attrs *bgp.FastPathAttributeList) {
	if _, ok := attrs.LocalPref(); !ok && !p.ibgp {
		attrs.SetLocalPref(defaultLocalPref)
	}
}

const defaultLocalPref = 100

// --- outbound side, driven by the RibOut ---

// StartPacket begins a fresh outbound UPDATE batch.
func (p *PeerHandler) StartPacket() {
	p.building = bgp.NewUpdatePacket()
}

// AddRouteToPacket queues one announcement. Returns false when the packet
// is full and must be pushed first.
func (p *PeerHandler) AddRouteToPacket(net netip.Prefix, attrs *bgp.FastPathAttributeList) bool {
	if p.building == nil {
		p.StartPacket()
	}
	cfg := p.sender.SessionConfig()
	if p.building.BigEnough(cfg) {
		return false
	}
	if p.building.Attrs.Len() == 0 {
		p.building.Attrs = attrs.Clone()
	}
	if net.Addr().Is4() {
		p.building.NLRI = append(p.building.NLRI, net)
	} else {
		p.addMPReach(net, attrs.NextHop())
	}
	return true
}

func (p *PeerHandler) addMPReach(net netip.Prefix, nh netip.Addr) {
	mp, _ := p.building.Attrs.Get(bgp.AttrTypeMPReachNLRI).(*bgp.MPReachNLRIAttribute)
	if mp == nil {
		mp = &bgp.MPReachNLRIAttribute{AFI: bgp.AFIIPv6, SAFI: bgp.SAFIUnicast, NextHop: nh}
		p.building.Attrs.Add(mp)
	}
	mp.NLRI = append(mp.NLRI, net)
}

// WithdrawFromPacket queues one withdrawal.
func (p *PeerHandler) WithdrawFromPacket(net netip.Prefix) bool {
	if p.building == nil {
		p.StartPacket()
	}
	cfg := p.sender.SessionConfig()
	if p.building.BigEnough(cfg) {
		return false
	}
	if net.Addr().Is4() {
		p.building.WithdrawnRoutes = append(p.building.WithdrawnRoutes, net)
		return true
	}
	mp, _ := p.building.Attrs.Get(bgp.AttrTypeMPUnreachNLRI).(*bgp.MPUnreachNLRIAttribute)
	if mp == nil {
		mp = &bgp.MPUnreachNLRIAttribute{AFI: bgp.AFIIPv6, SAFI: bgp.SAFIUnicast}
		p.building.Attrs.Add(mp)
	}
	mp.NLRI = append(mp.NLRI, net)
	return true
}

// PushPacket sends the accumulated batch, if any.
func (p *PeerHandler) PushPacket() error {
	pkt := p.building
	p.building = nil
	if pkt == nil {
		return nil
	}
	if len(pkt.NLRI) == 0 && len(pkt.WithdrawnRoutes) == 0 && pkt.Attrs.Len() == 0 {
		return nil
	}
	p.stats.UpdatesSent++
	if err := p.sender.SendUpdate(pkt); err != nil {
		return fmt.Errorf("peer %s: sending update: %w", p.peerName, err)
	}
	return nil
}

// OutputBusy reports whether the session's send queue is saturated.
func (p *PeerHandler) OutputBusy() bool { return p.sender.Busy() }

func (p *PeerHandler) String() string {
	return fmt.Sprintf("peer %s (as %d, id %d)", p.peerName, p.peerAS, p.uniqueID)
}
