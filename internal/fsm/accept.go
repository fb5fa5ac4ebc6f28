package fsm

import (
	"github.com/route-beacon/bgp-speaker/internal/bgp"
	"go.uber.org/zap"
)

// AcceptSession holds an incoming connection that arrived while the main
// FSM was progressing its own outbound attempt. It never sends an OPEN and
// never competes with the main FSM for state: it observes the peer's OPEN
// and, at resolution time, either yields (closing its socket with CEASE) or
// hands its socket and the observed OPEN over to the main FSM.
type AcceptSession struct {
	peer      *BGPPeer
	transport Transport
	logger    *zap.Logger

	observedOpen *bgp.OpenPacket
}

func NewAcceptSession(peer *BGPPeer, transport Transport, logger *zap.Logger) *AcceptSession {
	a := &AcceptSession{peer: peer, transport: transport, logger: logger}
	peer.accept = a
	return a
}

// EventTransOpen is a no-op: the accept session's socket is already open.
func (a *AcceptSession) EventTransOpen() {}

// EventOpenFail cannot happen on an accepted socket.
func (a *AcceptSession) EventOpenFail() {}

// EventTransClosed abandons the accept session.
func (a *AcceptSession) EventTransClosed() {
	if a.peer.accept == a {
		a.peer.accept = nil
	}
}

// EventRecvFrame feeds a raw frame from the incoming socket.
func (a *AcceptSession) EventRecvFrame(frame []byte) {
	hdr, err := bgp.DecodeHeader(frame)
	if err != nil || hdr.Type != bgp.MsgTypeOpen {
		// Anything but a clean OPEN on the passive socket loses outright.
		a.close()
		return
	}
	open, err := bgp.DecodeOpen(frame)
	if err != nil {
		a.close()
		return
	}
	a.observedOpen = open
	a.resolve()
}

// resolve runs collision resolution once both the observed OPEN and the
// main FSM's progress allow a comparison: the connection initiated by the
// speaker with the higher router ID survives.
func (a *AcceptSession) resolve() {
	if a.observedOpen == nil {
		return
	}
	main := a.peer

	switch main.State() {
	case StateIdle, StateActive:
		// The main FSM has no connection of its own; adopt this one.
		a.promote()
		return
	case StateEstablished:
		// An established session always wins; the newcomer is bounced.
		a.close()
		return
	case StateConnect, StateOpenSent, StateOpenConfirm:
		// True collision. The peer's router ID came in the observed OPEN;
		// ours is configured. Higher ID keeps the connection it opened.
		if a.observedOpen.BGPID.Compare(main.cfg.LocalID) > 0 {
			// Peer wins: its outbound connection (our inbound socket)
			// survives; the main FSM's socket is closed with CEASE.
			a.logger.Info("collision: peer id wins, swapping sockets",
				zap.String("peer", main.cfg.Name),
				zap.Stringer("peer_id", a.observedOpen.BGPID),
				zap.Stringer("local_id", main.cfg.LocalID))
			main.sendNotification(bgp.ErrCease, 0, nil)
			main.transport.Close()
			a.promote()
			return
		}
		a.logger.Info("collision: local id wins, closing accept session",
			zap.String("peer", main.cfg.Name),
			zap.Stringer("peer_id", a.observedOpen.BGPID),
			zap.Stringer("local_id", main.cfg.LocalID))
		a.close()
	case StateStopped:
		a.close()
	}
}

// promote swaps this session's socket into the main FSM and replays the
// observed OPEN through it.
func (a *AcceptSession) promote() {
	main := a.peer
	main.transport = a.transport
	if binder, ok := a.transport.(interface{ Bind(FrameSink) }); ok {
		binder.Bind(main)
	}
	main.stopAllTimers()
	main.setState(StateActive)
	main.sendOpen()
	main.setState(StateOpenSent)
	main.EventRecvOpen(a.observedOpen)
	main.accept = nil
}

func (a *AcceptSession) close() {
	notif := bgp.NewNotificationPacket(bgp.ErrCease, 0, nil)
	a.transport.Send(notif.Encode())
	a.transport.Close()
	a.peer.accept = nil
}
