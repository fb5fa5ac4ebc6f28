// Package speaker assembles the routing core: per-peer sessions and
// handlers, the route-table plumbing, the redistribution consumer, and the
// chosen-route sinks (Kafka exporter, Loc-RIB mirror). One event loop
// drives everything.
package speaker

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
	"github.com/route-beacon/bgp-speaker/internal/config"
	"github.com/route-beacon/bgp-speaker/internal/crashdump"
	"github.com/route-beacon/bgp-speaker/internal/eventloop"
	"github.com/route-beacon/bgp-speaker/internal/fsm"
	"github.com/route-beacon/bgp-speaker/internal/policy"
	"github.com/route-beacon/bgp-speaker/internal/redist"
	"github.com/route-beacon/bgp-speaker/internal/rib"
	"github.com/route-beacon/bgp-speaker/internal/table"
	"go.uber.org/zap"
)

// Well-known process names on the messaging bus the core depends on.
const (
	TargetRIB = "rib"
	TargetFEA = "fea"
)

type peerEntry struct {
	name      string
	session   *fsm.BGPPeer
	handler   *table.PeerHandler
	transport *fsm.TCPTransport
}

// Speaker is the assembled BGP engine.
type Speaker struct {
	cfg    *config.Config
	loop   *eventloop.Loop
	logger *zap.Logger

	attrmgr  *rib.AttributeManager
	plumbing *table.Plumbing
	crash    *crashdump.Manager
	redist   *redist.Manager
	bank     *filterBank

	peers map[string]*peerEntry

	// The core refuses to run sessions until both the RIB and the FEA are
	// alive on the bus.
	ribAlive bool
	feaAlive bool
	started  bool

	listener net.Listener
}

// filterBank is the default policy bank: nothing configured until the
// policy engine pushes filters in.
type filterBank struct {
	filters  [policy.FilterCount]policy.Filter
	versions [policy.FilterCount]uint32
	onPush   func()
}

func (b *filterBank) Configure(dir policy.FilterDirection, f policy.Filter) {
	b.filters[dir] = f
	b.versions[dir]++
}

func (b *filterBank) Reset(dir policy.FilterDirection) {
	b.filters[dir] = nil
	b.versions[dir]++
}

func (b *filterBank) Get(dir policy.FilterDirection) policy.Filter { return b.filters[dir] }

func (b *filterBank) PushRoutes() {
	if b.onPush != nil {
		b.onPush()
	}
}

// Sinks receive the chosen-route change stream.
type Sinks struct {
	// OnChange is invoked on the event-loop goroutine for every winner
	// change; implementations must hand off quickly (channel send).
	OnChange func(ev table.LocRibEvent)
}

func New(cfg *config.Config, loop *eventloop.Loop, sinks Sinks, logger *zap.Logger) *Speaker {
	s := &Speaker{
		cfg:     cfg,
		loop:    loop,
		logger:  logger,
		attrmgr: rib.NewAttributeManager(),
		crash:   crashdump.NewManager(logger.Named("crashdump")),
		redist:  redist.NewManager(logger.Named("redist")),
		bank:    &filterBank{},
		peers:   make(map[string]*peerEntry),
	}

	var nexthopSelf netip.Addr
	if cfg.BGP.NexthopSelf != "" {
		nexthopSelf = netip.MustParseAddr(cfg.BGP.NexthopSelf)
	}
	s.plumbing = table.NewPlumbing(table.PlumbingConfig{
		LocalAS:     cfg.BGP.LocalAS,
		NexthopSelf: nexthopSelf,
		MRAI:        time.Duration(cfg.BGP.MRAISeconds) * time.Second,
	}, s.attrmgr, loop, s.bank, s.redist, s.crash, logger.Named("plumbing"))

	if sinks.OnChange != nil {
		s.plumbing.AddLocRibObserver(sinks.OnChange)
	}

	// A policy push re-runs every stored route through the filter banks.
	s.bank.onPush = func() {
		loop.Schedule(func() {
			for _, entry := range s.peers {
				for _, afi := range []uint16{bgp.AFIIPv4, bgp.AFIIPv6} {
					if ribin := s.plumbing.RibInFor(entry.handler, afi); ribin != nil {
						ribin.RepushAllRoutes()
					}
				}
			}
		})
	}

	// IGP changes re-run the affected routes through every RibIn.
	s.redist.OnNexthopChange = func(nh netip.Addr) {
		loop.Schedule(func() {
			for _, entry := range s.peers {
				for _, afi := range []uint16{bgp.AFIIPv4, bgp.AFIIPv6} {
					if ribin := s.plumbing.RibInFor(entry.handler, afi); ribin != nil && ribin.PeerIsUp() {
						ribin.IGPNextHopChanged(nh)
					}
				}
			}
		})
	}

	s.buildPeers()
	return s
}

// Redist exposes the redistribution consumer for the RIB stream.
func (s *Speaker) Redist() *redist.Manager { return s.redist }

// CrashDumpManager exposes the audit-trail manager.
func (s *Speaker) CrashDumpManager() *crashdump.Manager { return s.crash }

// Plumbing exposes the route-table stacks for inspection.
func (s *Speaker) Plumbing() *table.Plumbing { return s.plumbing }

func (s *Speaker) buildPeers() {
	var localAddr netip.Addr
	if s.cfg.BGP.LocalAddress != "" {
		localAddr, _ = netip.ParseAddr(s.cfg.BGP.LocalAddress)
	}
	for name, pc := range s.cfg.Peers {
		peerAddr := netip.MustParseAddr(pc.Address)
		transport := fsm.NewTCPTransport(
			net.JoinHostPort(pc.Address, "179"), s.loop, s.logger.Named("transport"))

		handlerHolder := &handlerProxy{}
		sessionCfg := fsm.Config{
			Name:             name,
			LocalAS:          s.cfg.BGP.LocalAS,
			PeerAS:           pc.AS,
			LocalID:          s.cfg.RouterID(),
			LocalAddr:        localAddr,
			HoldTime:         holdTime(pc.HoldTimeSeconds, s.cfg.BGP.HoldTimeSeconds),
			ConnectRetryTime: time.Duration(s.cfg.BGP.ConnectRetrySeconds) * time.Second,
			DelayOpenTime:    time.Duration(s.cfg.BGP.DelayOpenSeconds) * time.Second,
			Jitter:           s.cfg.BGP.TimerJitter,
			Damping:          dampingConfig(pc.Damping),
			Keys:             keyChain(pc.MD5Keys),
			MaxTimeDrift:     10 * time.Second,
		}
		session := fsm.NewBGPPeer(sessionCfg, transport, handlerHolder, s.loop, s.logger.Named("fsm"))
		transport.Bind(session)

		handler := table.NewPeerHandler(table.PeerHandlerConfig{
			PeerName:   name,
			PeerAS:     pc.AS,
			LocalAS:    s.cfg.BGP.LocalAS,
			PeerAddr:   peerAddr,
			LocalAddr:  localAddr,
			AllowOwnAS: pc.AllowOwnAS,
		}, session, s.plumbing, s.logger.Named("peer"))
		handlerHolder.handler = handler

		s.peers[name] = &peerEntry{
			name:      name,
			session:   session,
			handler:   handler,
			transport: transport,
		}
	}
}

// handlerProxy breaks the construction cycle between the session (which
// needs a SessionHandler) and the peer handler (which needs the session as
// its Sender).
type handlerProxy struct {
	handler *table.PeerHandler
}

func (h *handlerProxy) PeeringCameUp()                     { h.handler.PeeringCameUp() }
func (h *handlerProxy) PeeringWentDown()                   { h.handler.PeeringWentDown() }
func (h *handlerProxy) ProcessUpdate(p *bgp.UpdatePacket) error { return h.handler.ProcessUpdate(p) }
func (h *handlerProxy) SetBGPID(id netip.Addr)             { h.handler.SetBGPID(id) }
func (h *handlerProxy) RouteRefresh(afi uint16, safi uint8) { h.handler.RouteRefresh(afi, safi) }

func holdTime(peerSeconds, defaultSeconds int) time.Duration {
	if peerSeconds > 0 {
		return time.Duration(peerSeconds) * time.Second
	}
	return time.Duration(defaultSeconds) * time.Second
}

func dampingConfig(dc config.DampingConfig) fsm.DampingConfig {
	return fsm.DampingConfig{
		Enabled:      dc.Enabled,
		Threshold:    dc.Threshold,
		Window:       time.Duration(dc.WindowSeconds) * time.Second,
		IdleHoldTime: time.Duration(dc.IdleHoldTimeSeconds) * time.Second,
	}
}

func keyChain(keys []config.MD5Key) fsm.KeyChain {
	var kc fsm.KeyChain
	for _, k := range keys {
		key := fsm.MD5Key{KeyID: k.KeyID, Password: k.Password}
		if k.Start != "" {
			key.Start, _ = time.Parse(time.RFC3339, k.Start)
		}
		if k.End != "" {
			key.End, _ = time.Parse(time.RFC3339, k.End)
		}
		kc = append(kc, key)
	}
	return kc
}

// TargetBirth records a named process appearing on the bus; sessions start
// once both the RIB and FEA are alive.
func (s *Speaker) TargetBirth(target string) {
	switch target {
	case TargetRIB:
		s.ribAlive = true
	case TargetFEA:
		s.feaAlive = true
	}
	s.maybeStartSessions()
}

// TargetDeath stops every session: without the RIB and FEA the core cannot
// install routes.
func (s *Speaker) TargetDeath(target string) {
	switch target {
	case TargetRIB:
		s.ribAlive = false
	case TargetFEA:
		s.feaAlive = false
	default:
		return
	}
	if s.started {
		s.started = false
		s.logger.Warn("required process died, stopping sessions", zap.String("target", target))
		for _, entry := range s.peers {
			entry.session.EventStop(false)
		}
	}
}

func (s *Speaker) maybeStartSessions() {
	if s.started || !s.ribAlive || !s.feaAlive {
		return
	}
	s.started = true
	for name, entry := range s.peers {
		if s.cfg.Peers[name].Passive {
			continue
		}
		entry.session.EventStart()
	}
}

// Listen accepts inbound peer connections; a connection from a configured
// peer address spawns an AcceptSession for collision resolution.
func (s *Speaker) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.BGP.ListenAddress)
	if err != nil {
		return fmt.Errorf("speaker: listening on %s: %w", s.cfg.BGP.ListenAddress, err)
	}
	s.listener = ln
	go s.acceptLoop(ln)
	s.logger.Info("listening for peers", zap.String("addr", s.cfg.BGP.ListenAddress))
	return nil
}

func (s *Speaker) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		remote, ok := remoteAddr(conn)
		if !ok {
			conn.Close()
			continue
		}
		s.loop.Schedule(func() { s.handleInbound(conn, remote) })
	}
}

func remoteAddr(conn net.Conn) (netip.Addr, bool) {
	tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(tcpAddr.IP)
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func (s *Speaker) handleInbound(conn net.Conn, remote netip.Addr) {
	for name, pc := range s.cfg.Peers {
		if netip.MustParseAddr(pc.Address) != remote {
			continue
		}
		entry := s.peers[name]
		incoming := fsm.NewTCPTransport(conn.RemoteAddr().String(), s.loop, s.logger.Named("transport"))
		accept := fsm.NewAcceptSession(entry.session, incoming, s.logger.Named("accept"))
		incoming.Bind(accept)
		incoming.Adopt(conn)
		s.logger.Info("inbound connection", zap.String("peer", name))
		return
	}
	s.logger.Warn("inbound connection from unconfigured address",
		zap.Stringer("remote", remote))
	conn.Close()
}

// Shutdown stops sessions and the listener.
func (s *Speaker) Shutdown(ctx context.Context) {
	if s.listener != nil {
		s.listener.Close()
	}
	for _, entry := range s.peers {
		entry.session.EventStop(true)
	}
}

// EstablishedCount implements the HTTP readiness interface.
func (s *Speaker) EstablishedCount() (int, int) {
	established := 0
	for _, entry := range s.peers {
		if entry.session.State() == fsm.StateEstablished {
			established++
		}
	}
	return established, len(s.peers)
}

// PeerStates implements the HTTP status interface.
func (s *Speaker) PeerStates() map[string]string {
	out := make(map[string]string, len(s.peers))
	for name, entry := range s.peers {
		out[name] = entry.session.State().String()
	}
	return out
}
