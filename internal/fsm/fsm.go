// Package fsm implements the per-peer BGP-4 session state machine: the
// RFC 4271 states plus Stopped ("notification sent, waiting for the TCP
// send queue to drain"), the session timers, oscillation damping, and
// collision resolution between simultaneous connection attempts.
package fsm

import (
	"fmt"
	"math/rand"
	"net/netip"
	"strconv"
	"time"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
	"github.com/route-beacon/bgp-speaker/internal/eventloop"
	"github.com/route-beacon/bgp-speaker/internal/metrics"
	"go.uber.org/zap"
)

// State is the session FSM state.
type State int

const (
	StateIdle State = iota + 1
	StateConnect
	StateActive
	StateOpenSent
	StateOpenConfirm
	StateEstablished
	// StateStopped is not in the protocol specification: a notification has
	// been queued and the session waits for the transport to drain before
	// returning to Idle.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnect:
		return "Connect"
	case StateActive:
		return "Active"
	case StateOpenSent:
		return "OpenSent"
	case StateOpenConfirm:
		return "OpenConfirm"
	case StateEstablished:
		return "Established"
	case StateStopped:
		return "Stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Transport abstracts the TCP connection towards the peer. Implementations
// deliver inbound events by calling the peer's Event* methods from the
// event-loop goroutine.
type Transport interface {
	// Connect starts an outbound connection attempt.
	Connect()
	Close()
	Send(frame []byte) error
	// SendQueueLen reports the unsent backlog, for back-pressure and for
	// the Stopped state drain check.
	SendQueueLen() int
	// ConfigureMD5 hands the transport the TCP MD5 signature password for
	// the connection; empty clears it. Whether the socket is signed is up
	// to the implementation (TCPTransport only records it).
	ConfigureMD5(password string)
}

// SessionHandler receives session lifecycle and traffic callbacks; the
// route-table PeerHandler implements it.
type SessionHandler interface {
	PeeringCameUp()
	PeeringWentDown()
	ProcessUpdate(pkt *bgp.UpdatePacket) error
	SetBGPID(id netip.Addr)
	// RouteRefresh asks for the peer's routes to be re-advertised.
	RouteRefresh(afi uint16, safi uint8)
}

// Config carries the per-peer session configuration.
type Config struct {
	Name      string
	LocalAS   uint32
	PeerAS    uint32
	LocalID   netip.Addr
	LocalAddr netip.Addr

	HoldTime         time.Duration
	ConnectRetryTime time.Duration
	DelayOpenTime    time.Duration

	// Jitter randomizes timer intervals by up to 25% to desynchronize
	// peers that share configuration.
	Jitter bool

	Damping DampingConfig
	Keys    KeyChain
	// MaxTimeDrift widens the MD5 key validity windows.
	MaxTimeDrift time.Duration
}

const defaultSendQueueHighWater = 64

// BGPPeer drives one peer session.
type BGPPeer struct {
	cfg       Config
	loop      *eventloop.Loop
	logger    *zap.Logger
	transport Transport
	handler   SessionHandler

	state State

	connectRetryTimer *eventloop.Timer
	holdTimer         *eventloop.Timer
	keepaliveTimer    *eventloop.Timer
	delayOpenTimer    *eventloop.Timer
	idleHoldTimer     *eventloop.Timer
	stoppedTimer      *eventloop.Timer

	negotiatedHold      time.Duration
	negotiatedKeepalive time.Duration
	sessionCfg          bgp.SessionConfig
	peerOpen            *bgp.OpenPacket

	damping dampState

	accept *AcceptSession

	// adminDown blocks automatic restarts after a manual stop.
	adminDown bool
}

func NewBGPPeer(cfg Config, transport Transport, handler SessionHandler,
	loop *eventloop.Loop, logger *zap.Logger) *BGPPeer {
	p := &BGPPeer{
		cfg:       cfg,
		loop:      loop,
		logger:    logger,
		transport: transport,
		handler:   handler,
		state:     StateIdle,
	}
	p.damping.init(cfg.Damping)
	p.sessionCfg = bgp.SessionConfig{
		IBGP:      cfg.LocalAS == cfg.PeerAS,
		LocalAddr: cfg.LocalAddr,
	}
	return p
}

func (p *BGPPeer) State() State { return p.state }

func (p *BGPPeer) setState(s State) {
	if p.state == s {
		return
	}
	p.logger.Info("fsm transition",
		zap.String("peer", p.cfg.Name),
		zap.Stringer("from", p.state),
		zap.Stringer("to", s))
	metrics.FSMTransitions.WithLabelValues(p.cfg.Name, s.String()).Inc()

	wasEstablished := p.state == StateEstablished
	p.state = s

	if s == StateEstablished {
		metrics.SessionsEstablished.WithLabelValues(p.cfg.Name).Set(1)
		p.handler.PeeringCameUp()
	} else if wasEstablished {
		metrics.SessionsEstablished.WithLabelValues(p.cfg.Name).Set(0)
		p.handler.PeeringWentDown()
	}
}

// --- Sender interface towards the RibOut ---

func (p *BGPPeer) SendUpdate(pkt *bgp.UpdatePacket) error {
	if p.state != StateEstablished {
		return fmt.Errorf("peer %s: not established", p.cfg.Name)
	}
	frame, err := pkt.Encode(p.sessionCfg)
	if err != nil {
		return err
	}
	metrics.MessagesSent.WithLabelValues(p.cfg.Name, "update").Inc()
	return p.transport.Send(frame)
}

func (p *BGPPeer) Busy() bool {
	return p.transport.SendQueueLen() >= defaultSendQueueHighWater
}

func (p *BGPPeer) SessionConfig() bgp.SessionConfig { return p.sessionCfg }

// --- external events ---

// EventStart begins a session attempt (manual or automatic).
func (p *BGPPeer) EventStart() {
	p.adminDown = false
	if p.state != StateIdle {
		return
	}
	if hold := p.damping.idleHold(p.loop.Clock().Now()); hold > 0 {
		// The peer has been flapping; stay Idle for the extended hold.
		p.idleHoldTimer = p.loop.After(hold, p.autoRestart)
		return
	}
	p.startConnect()
}

func (p *BGPPeer) autoRestart() {
	if p.adminDown || p.state != StateIdle {
		return
	}
	p.startConnect()
}

func (p *BGPPeer) startConnect() {
	if key, ok := p.cfg.Keys.ActiveKey(p.loop.Clock().Now(), p.cfg.MaxTimeDrift); ok {
		p.transport.ConfigureMD5(key.Password)
	}
	p.setState(StateConnect)
	p.connectRetryTimer = p.loop.After(p.connectRetryTime(), p.connectRetryExpired)
	p.transport.Connect()
}

// EventStop tears the session down. manual stops block auto-restart.
func (p *BGPPeer) EventStop(manual bool) {
	if manual {
		p.adminDown = true
		p.damping.reset()
	}
	switch p.state {
	case StateIdle:
	case StateConnect, StateActive:
		p.stopAllTimers()
		p.transport.Close()
		p.setState(StateIdle)
	default:
		p.sendNotification(bgp.ErrCease, 0, nil)
		p.enterStopped()
	}
}

// EventTransOpen fires when the outbound TCP connection establishes.
func (p *BGPPeer) EventTransOpen() {
	switch p.state {
	case StateConnect, StateActive:
		if p.cfg.DelayOpenTime > 0 {
			p.delayOpenTimer = p.loop.After(p.cfg.DelayOpenTime, p.delayOpenExpired)
			return
		}
		p.sendOpen()
		p.setState(StateOpenSent)
	}
}

func (p *BGPPeer) delayOpenExpired() {
	if p.state == StateConnect || p.state == StateActive {
		p.sendOpen()
		p.setState(StateOpenSent)
	}
}

// EventTransClosed fires when the TCP connection drops.
func (p *BGPPeer) EventTransClosed() {
	switch p.state {
	case StateIdle:
	case StateConnect:
		p.setState(StateActive)
	case StateStopped:
		p.stopAllTimers()
		p.setState(StateIdle)
		p.restartAfterFailure()
	default:
		p.sessionFailed()
	}
}

// EventOpenFail fires when the outbound connect attempt is refused.
func (p *BGPPeer) EventOpenFail() {
	if p.state == StateConnect {
		p.setState(StateActive)
	}
}

// EventTransFatalError fires on an unrecoverable socket error.
func (p *BGPPeer) EventTransFatalError() {
	p.sessionFailed()
}

func (p *BGPPeer) connectRetryExpired() {
	switch p.state {
	case StateConnect, StateActive:
		p.transport.Close()
		p.connectRetryTimer = p.loop.After(p.connectRetryTime(), p.connectRetryExpired)
		p.transport.Connect()
		p.setState(StateConnect)
	}
}

func (p *BGPPeer) connectRetryTime() time.Duration {
	d := 120 * time.Second
	if p.cfg.ConnectRetryTime > 0 {
		d = p.cfg.ConnectRetryTime
	}
	return p.jittered(d)
}

// jittered shortens an interval by up to 25% when jitter is enabled.
func (p *BGPPeer) jittered(d time.Duration) time.Duration {
	if !p.cfg.Jitter || d <= 0 {
		return d
	}
	return d - time.Duration(rand.Int63n(int64(d)/4))
}

func (p *BGPPeer) sendOpen() {
	open := bgp.NewOpenPacket(p.cfg.LocalAS, uint16(p.holdTimeSeconds()), p.cfg.LocalID)
	open.AddMultiprotocolCapability(bgp.AFIIPv4, bgp.SAFIUnicast)
	open.AddMultiprotocolCapability(bgp.AFIIPv6, bgp.SAFIUnicast)
	open.AddCapability(bgp.CapRouteRefresh, nil)
	// Graceful restart: advertise the capability with a zero restart time;
	// forwarding state is not preserved across our restarts.
	open.AddCapability(bgp.CapGracefulRestart, []byte{0, 0})
	open.AddFourOctetASCapability(p.cfg.LocalAS)
	metrics.MessagesSent.WithLabelValues(p.cfg.Name, "open").Inc()
	p.transport.Send(open.Encode())
}

func (p *BGPPeer) holdTimeSeconds() int {
	if p.cfg.HoldTime > 0 {
		return int(p.cfg.HoldTime / time.Second)
	}
	return 90
}

// EventRecvOpen processes the peer's OPEN.
func (p *BGPPeer) EventRecvOpen(open *bgp.OpenPacket) {
	switch p.state {
	case StateOpenSent:
		if err := p.validateOpen(open); err != nil {
			p.notifyError(err)
			return
		}
		p.peerOpen = open
		p.handler.SetBGPID(open.BGPID)
		p.negotiateSession(open)
		p.sendKeepalive()
		p.startHoldTimer()
		p.startKeepaliveTimer()
		p.setState(StateOpenConfirm)
	case StateConnect, StateActive:
		// OPEN before we sent ours (delay-open window): respond and move on.
		if err := p.validateOpen(open); err != nil {
			p.notifyError(err)
			return
		}
		if p.delayOpenTimer != nil {
			p.delayOpenTimer.Stop()
		}
		p.peerOpen = open
		p.handler.SetBGPID(open.BGPID)
		p.negotiateSession(open)
		p.sendOpen()
		p.sendKeepalive()
		p.startHoldTimer()
		p.startKeepaliveTimer()
		p.setState(StateOpenConfirm)
	default:
		p.sendNotification(bgp.ErrFSMError, 0, nil)
		p.enterStopped()
	}
}

func (p *BGPPeer) validateOpen(open *bgp.OpenPacket) *bgp.CorruptMessage {
	if open.AS != p.cfg.PeerAS {
		return &bgp.CorruptMessage{
			Code: bgp.ErrOpenMessage, Subcode: bgp.SubBadPeerAS,
			Reason: fmt.Sprintf("expected as %d, got %d", p.cfg.PeerAS, open.AS),
		}
	}
	if open.BGPID == p.cfg.LocalID {
		return &bgp.CorruptMessage{
			Code: bgp.ErrOpenMessage, Subcode: bgp.SubBadBGPIdentifier,
			Reason: "peer advertised our own router id",
		}
	}
	return nil
}

func (p *BGPPeer) negotiateSession(open *bgp.OpenPacket) {
	hold := time.Duration(open.HoldTime) * time.Second
	if configured := time.Duration(p.holdTimeSeconds()) * time.Second; configured < hold {
		hold = configured
	}
	p.negotiatedHold = hold
	p.negotiatedKeepalive = p.jittered(hold / 3)
	_, peer4 := open.FourOctetAS()
	p.sessionCfg.Use4ByteAS = peer4
}

// EventRecvKeepalive processes a KEEPALIVE.
func (p *BGPPeer) EventRecvKeepalive() {
	switch p.state {
	case StateOpenConfirm:
		p.startHoldTimer()
		p.setState(StateEstablished)
	case StateEstablished:
		p.startHoldTimer()
	case StateOpenSent:
		p.sendNotification(bgp.ErrFSMError, 0, nil)
		p.enterStopped()
	}
}

// EventRecvUpdate processes an UPDATE in Established.
func (p *BGPPeer) EventRecvUpdate(pkt *bgp.UpdatePacket) {
	if p.state != StateEstablished {
		p.sendNotification(bgp.ErrFSMError, 0, nil)
		p.enterStopped()
		return
	}
	metrics.UpdatesReceived.WithLabelValues(p.cfg.Name).Inc()
	p.startHoldTimer()
	if err := p.handler.ProcessUpdate(pkt); err != nil {
		p.logger.Warn("update processing failed",
			zap.String("peer", p.cfg.Name), zap.Error(err))
	}
}

// EventRecvFrame decodes a raw inbound frame and dispatches it. Wire errors
// surface as NOTIFICATIONs and drop the session.
func (p *BGPPeer) EventRecvFrame(frame []byte) {
	hdr, err := bgp.DecodeHeader(frame)
	if err != nil {
		p.notifyDecodeError(err)
		return
	}
	switch hdr.Type {
	case bgp.MsgTypeOpen:
		open, err := bgp.DecodeOpen(frame)
		if err != nil {
			p.notifyDecodeError(err)
			return
		}
		p.EventRecvOpen(open)
	case bgp.MsgTypeUpdate:
		pkt, err := bgp.DecodeUpdate(frame, p.sessionCfg)
		if err != nil {
			p.notifyDecodeError(err)
			return
		}
		p.EventRecvUpdate(pkt)
	case bgp.MsgTypeKeepalive:
		if _, err := bgp.DecodeKeepalive(frame); err != nil {
			p.notifyDecodeError(err)
			return
		}
		p.EventRecvKeepalive()
	case bgp.MsgTypeNotification:
		notif, err := bgp.DecodeNotification(frame)
		if err != nil {
			p.sessionFailed()
			return
		}
		p.EventRecvNotify(notif)
	case bgp.MsgTypeRouteRefresh:
		rr, err := bgp.DecodeRouteRefresh(frame)
		if err != nil {
			p.notifyDecodeError(err)
			return
		}
		if p.state == StateEstablished {
			p.handler.RouteRefresh(rr.AFI, rr.SAFI)
		}
	}
}

func (p *BGPPeer) notifyDecodeError(err error) {
	if cm, ok := err.(*bgp.CorruptMessage); ok {
		metrics.ParseErrors.WithLabelValues(p.cfg.Name, strconv.Itoa(int(cm.Code))).Inc()
		p.notifyError(cm)
		return
	}
	p.sessionFailed()
}

// EventRecvNotify processes a NOTIFICATION from the peer: the session is
// gone.
func (p *BGPPeer) EventRecvNotify(notif *bgp.NotificationPacket) {
	p.logger.Info("notification received",
		zap.String("peer", p.cfg.Name), zap.String("notification", notif.String()))
	p.sessionFailed()
}

// sessionFailed drops the session without sending anything.
func (p *BGPPeer) sessionFailed() {
	p.stopAllTimers()
	p.transport.Close()
	p.setState(StateIdle)
	p.restartAfterFailure()
}

// restartAfterFailure schedules the automatic restart, subject to
// oscillation damping.
func (p *BGPPeer) restartAfterFailure() {
	if p.adminDown {
		return
	}
	p.damping.recordRestart(p.loop.Clock().Now())
	hold := p.damping.idleHold(p.loop.Clock().Now())
	if hold <= 0 {
		hold = time.Second
	}
	p.idleHoldTimer = p.loop.After(hold, p.autoRestart)
}

func (p *BGPPeer) notifyError(cm *bgp.CorruptMessage) {
	p.sendNotification(cm.Code, cm.Subcode, cm.Data)
	p.enterStopped()
}

func (p *BGPPeer) sendNotification(code, subcode uint8, data []byte) {
	notif := bgp.NewNotificationPacket(code, subcode, data)
	metrics.MessagesSent.WithLabelValues(p.cfg.Name, "notification").Inc()
	metrics.NotificationsSent.WithLabelValues(p.cfg.Name, strconv.Itoa(int(code))).Inc()
	p.transport.Send(notif.Encode())
}

// enterStopped waits for the transport to drain the final notification
// before the session returns to Idle.
func (p *BGPPeer) enterStopped() {
	p.stopAllTimers()
	p.setState(StateStopped)
	p.stoppedTimer = p.loop.After(100*time.Millisecond, p.checkStoppedDrained)
}

func (p *BGPPeer) checkStoppedDrained() {
	if p.state != StateStopped {
		return
	}
	if p.transport.SendQueueLen() > 0 {
		p.stoppedTimer = p.loop.After(100*time.Millisecond, p.checkStoppedDrained)
		return
	}
	p.transport.Close()
	p.setState(StateIdle)
	p.restartAfterFailure()
}

func (p *BGPPeer) sendKeepalive() {
	metrics.MessagesSent.WithLabelValues(p.cfg.Name, "keepalive").Inc()
	p.transport.Send((&bgp.KeepalivePacket{}).Encode())
}

func (p *BGPPeer) startHoldTimer() {
	if p.holdTimer != nil {
		p.holdTimer.Stop()
	}
	if p.negotiatedHold <= 0 {
		return
	}
	p.holdTimer = p.loop.After(p.negotiatedHold, p.holdTimerExpired)
}

func (p *BGPPeer) holdTimerExpired() {
	if p.state != StateOpenSent && p.state != StateOpenConfirm && p.state != StateEstablished {
		return
	}
	p.sendNotification(bgp.ErrHoldTimerExpired, 0, nil)
	p.enterStopped()
}

func (p *BGPPeer) startKeepaliveTimer() {
	if p.keepaliveTimer != nil {
		p.keepaliveTimer.Stop()
	}
	if p.negotiatedKeepalive <= 0 {
		return
	}
	p.keepaliveTimer = p.loop.After(p.negotiatedKeepalive, p.keepaliveExpired)
}

func (p *BGPPeer) keepaliveExpired() {
	if p.state == StateOpenConfirm || p.state == StateEstablished {
		p.sendKeepalive()
		p.startKeepaliveTimer()
	}
}

func (p *BGPPeer) stopAllTimers() {
	for _, t := range []*eventloop.Timer{
		p.connectRetryTimer, p.holdTimer, p.keepaliveTimer,
		p.delayOpenTimer, p.idleHoldTimer, p.stoppedTimer,
	} {
		t.Stop()
	}
}
