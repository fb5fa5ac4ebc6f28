package fsm

import (
	"net/netip"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/route-beacon/bgp-speaker/internal/bgp"
	"github.com/route-beacon/bgp-speaker/internal/eventloop"
	"go.uber.org/zap"
)

// fakeTransport records frames and simulates the socket.
type fakeTransport struct {
	connectCalls int
	closed       int
	sent         [][]byte
	queueLen     int
	md5          string
}

func (t *fakeTransport) Connect()            { t.connectCalls++ }
func (t *fakeTransport) Close()              { t.closed++ }
func (t *fakeTransport) Send(f []byte) error { t.sent = append(t.sent, f); return nil }
func (t *fakeTransport) SendQueueLen() int   { return t.queueLen }
func (t *fakeTransport) ConfigureMD5(p string) { t.md5 = p }

func (t *fakeTransport) sentTypes() []uint8 {
	var types []uint8
	for _, f := range t.sent {
		if len(f) >= bgp.HeaderSize {
			types = append(types, f[18])
		}
	}
	return types
}

func (t *fakeTransport) lastNotification() (*bgp.NotificationPacket, bool) {
	for i := len(t.sent) - 1; i >= 0; i-- {
		if len(t.sent[i]) >= bgp.HeaderSize && t.sent[i][18] == bgp.MsgTypeNotification {
			n, err := bgp.DecodeNotification(t.sent[i])
			if err != nil {
				return nil, false
			}
			return n, true
		}
	}
	return nil, false
}

// fakeHandler records session lifecycle calls.
type fakeHandler struct {
	ups, downs int
	updates    []*bgp.UpdatePacket
	peerID     netip.Addr
}

func (h *fakeHandler) PeeringCameUp()   { h.ups++ }
func (h *fakeHandler) PeeringWentDown() { h.downs++ }
func (h *fakeHandler) ProcessUpdate(p *bgp.UpdatePacket) error {
	h.updates = append(h.updates, p)
	return nil
}
func (h *fakeHandler) SetBGPID(id netip.Addr)          { h.peerID = id }
func (h *fakeHandler) RouteRefresh(afi uint16, safi uint8) {}

type fsmFixture struct {
	peer      *BGPPeer
	transport *fakeTransport
	handler   *fakeHandler
	loop      *eventloop.Loop
	clock     *clockwork.FakeClock
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fsmFixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	loop := eventloop.New(clock)
	cfg := Config{
		Name:             "testpeer",
		LocalAS:          65000,
		PeerAS:           65001,
		LocalID:          netip.MustParseAddr("1.1.1.1"),
		HoldTime:         90 * time.Second,
		ConnectRetryTime: 120 * time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	transport := &fakeTransport{}
	handler := &fakeHandler{}
	peer := NewBGPPeer(cfg, transport, handler, loop, zap.NewNop())
	return &fsmFixture{peer: peer, transport: transport, handler: handler, loop: loop, clock: clock}
}

func peerOpen(as uint32, id string, holdTime uint16) *bgp.OpenPacket {
	open := bgp.NewOpenPacket(as, holdTime, netip.MustParseAddr(id))
	open.AddFourOctetASCapability(as)
	return open
}

// drive brings the fixture to Established.
func (f *fsmFixture) drive(t *testing.T) {
	t.Helper()
	f.peer.EventStart()
	f.loop.RunPending()
	f.peer.EventTransOpen()
	f.loop.RunPending()
	if f.peer.State() != StateOpenSent {
		t.Fatalf("expected OpenSent, got %s", f.peer.State())
	}
	f.peer.EventRecvOpen(peerOpen(65001, "2.2.2.2", 90))
	f.loop.RunPending()
	if f.peer.State() != StateOpenConfirm {
		t.Fatalf("expected OpenConfirm, got %s", f.peer.State())
	}
	f.peer.EventRecvKeepalive()
	f.loop.RunPending()
	if f.peer.State() != StateEstablished {
		t.Fatalf("expected Established, got %s", f.peer.State())
	}
}

func TestFSMReachesEstablished(t *testing.T) {
	f := newFixture(t)
	f.drive(t)

	if f.handler.ups != 1 {
		t.Errorf("handler saw %d came-up calls, want 1", f.handler.ups)
	}
	if f.handler.peerID != netip.MustParseAddr("2.2.2.2") {
		t.Errorf("peer bgp id not recorded: %v", f.handler.peerID)
	}
	types := f.transport.sentTypes()
	if len(types) < 2 || types[0] != bgp.MsgTypeOpen || types[1] != bgp.MsgTypeKeepalive {
		t.Errorf("expected OPEN then KEEPALIVE, got %v", types)
	}
}

func TestFSMBadPeerAS(t *testing.T) {
	f := newFixture(t)
	f.peer.EventStart()
	f.peer.EventTransOpen()
	f.loop.RunPending()

	f.peer.EventRecvOpen(peerOpen(65099, "2.2.2.2", 90))
	f.loop.RunPending()

	if f.peer.State() != StateStopped {
		t.Fatalf("expected Stopped, got %s", f.peer.State())
	}
	notif, ok := f.transport.lastNotification()
	if !ok || notif.Code != bgp.ErrOpenMessage || notif.Subcode != bgp.SubBadPeerAS {
		t.Errorf("expected OPEN/BAD_PEER_AS notification, got %+v", notif)
	}
}

func TestFSMHoldTimerExpiry(t *testing.T) {
	f := newFixture(t)
	f.drive(t)

	f.clock.Advance(91 * time.Second)
	f.loop.RunPending()

	if f.peer.State() != StateStopped && f.peer.State() != StateIdle {
		t.Fatalf("expected Stopped/Idle after hold expiry, got %s", f.peer.State())
	}
	notif, ok := f.transport.lastNotification()
	if !ok || notif.Code != bgp.ErrHoldTimerExpired {
		t.Errorf("expected HOLD_TIMER_EXPIRED notification, got %+v", notif)
	}
	if f.handler.downs != 1 {
		t.Errorf("handler saw %d went-down calls, want 1", f.handler.downs)
	}
}

func TestFSMKeepaliveRefreshesHold(t *testing.T) {
	f := newFixture(t)
	f.drive(t)

	// Keepalives every 30s keep the 90s hold timer from firing.
	for i := 0; i < 6; i++ {
		f.clock.Advance(30 * time.Second)
		f.loop.RunPending()
		f.peer.EventRecvKeepalive()
	}
	if f.peer.State() != StateEstablished {
		t.Fatalf("session dropped despite keepalives: %s", f.peer.State())
	}
}

func TestFSMStoppedDrainsBeforeIdle(t *testing.T) {
	f := newFixture(t)
	f.drive(t)

	f.transport.queueLen = 3
	f.peer.EventStop(true)
	f.loop.RunPending()
	if f.peer.State() != StateStopped {
		t.Fatalf("expected Stopped while queue drains, got %s", f.peer.State())
	}

	f.clock.Advance(100 * time.Millisecond)
	f.loop.RunPending()
	if f.peer.State() != StateStopped {
		t.Fatalf("left Stopped with frames still queued: %s", f.peer.State())
	}

	f.transport.queueLen = 0
	f.clock.Advance(100 * time.Millisecond)
	f.loop.RunPending()
	if f.peer.State() != StateIdle {
		t.Fatalf("expected Idle after queue drained, got %s", f.peer.State())
	}
	// A manual stop must not auto-restart.
	f.clock.Advance(time.Hour)
	f.loop.RunPending()
	if f.peer.State() != StateIdle {
		t.Fatalf("manually stopped peer restarted itself: %s", f.peer.State())
	}
}

func TestFSMNotificationDropsSession(t *testing.T) {
	f := newFixture(t)
	f.drive(t)

	f.peer.EventRecvNotify(bgp.NewNotificationPacket(bgp.ErrCease, 0, nil))
	if f.peer.State() != StateIdle {
		t.Fatalf("expected Idle after notification, got %s", f.peer.State())
	}
	if f.handler.downs != 1 {
		t.Errorf("handler saw %d went-down calls, want 1", f.handler.downs)
	}
}

func TestFSMCorruptUpdateSendsNotification(t *testing.T) {
	f := newFixture(t)
	f.drive(t)

	// An UPDATE frame with a bad marker.
	frame := bgp.NewUpdatePacket()
	wire, _ := frame.Encode(f.peer.SessionConfig())
	wire[0] = 0
	f.peer.EventRecvFrame(wire)

	notif, ok := f.transport.lastNotification()
	if !ok || notif.Code != bgp.ErrMessageHeader || notif.Subcode != bgp.SubConnNotSynchronized {
		t.Errorf("expected HEADER/NOT_SYNCHRONIZED, got %+v", notif)
	}
}

func TestFSMDampingExtendsIdleHold(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Damping = DampingConfig{
			Enabled:      true,
			Threshold:    3,
			Window:       time.Hour,
			IdleHoldTime: 10 * time.Minute,
		}
	})

	// Three quick failures cross the threshold.
	for i := 0; i < 3; i++ {
		f.peer.EventStart()
		f.loop.RunPending()
		f.peer.EventTransOpen()
		f.loop.RunPending()
		f.peer.EventRecvOpen(peerOpen(65001, "2.2.2.2", 90))
		f.peer.EventRecvKeepalive()
		f.peer.EventRecvNotify(bgp.NewNotificationPacket(bgp.ErrCease, 0, nil))
		f.clock.Advance(2 * time.Second)
		f.loop.RunPending()
	}

	if f.peer.State() != StateIdle {
		t.Fatalf("expected damped Idle, got %s", f.peer.State())
	}
	// The session must stay Idle for the extended hold, not 1s.
	f.clock.Advance(time.Minute)
	f.loop.RunPending()
	if f.peer.State() != StateIdle {
		t.Fatalf("damped peer restarted after 1 minute: %s", f.peer.State())
	}
	f.clock.Advance(10 * time.Minute)
	f.loop.RunPending()
	if f.peer.State() == StateIdle {
		t.Fatal("damped peer never restarted after idle hold expired")
	}
}

func TestCollisionHigherRouterIDWins(t *testing.T) {
	// Local ID 1.1.1.1, peer 2.2.2.2: the peer's connection must survive.
	f := newFixture(t)
	f.peer.EventStart()
	f.loop.RunPending()
	f.peer.EventTransOpen()
	f.loop.RunPending()
	if f.peer.State() != StateOpenSent {
		t.Fatalf("setup: %s", f.peer.State())
	}
	mainTransport := f.transport

	incoming := &fakeTransport{}
	accept := NewAcceptSession(f.peer, incoming, zap.NewNop())
	accept.EventRecvFrame(peerOpen(65001, "2.2.2.2", 90).Encode())
	f.loop.RunPending()

	// Our outbound socket lost: closed with CEASE.
	notif, ok := mainTransport.lastNotification()
	if !ok || notif.Code != bgp.ErrCease {
		t.Errorf("loser socket not ceased: %+v", notif)
	}
	if mainTransport.closed == 0 {
		t.Error("loser socket not closed")
	}
	// The incoming socket now carries the session and progressed past OPEN.
	if f.peer.State() != StateOpenConfirm {
		t.Errorf("expected OpenConfirm on surviving socket, got %s", f.peer.State())
	}
	types := incoming.sentTypes()
	foundOpen := false
	for _, ty := range types {
		if ty == bgp.MsgTypeOpen {
			foundOpen = true
		}
	}
	if !foundOpen {
		t.Errorf("no OPEN sent on surviving socket: %v", types)
	}
}

func TestCollisionLowerRouterIDLoses(t *testing.T) {
	// Local ID 9.9.9.9 beats peer 2.2.2.2: the incoming socket is bounced.
	f := newFixture(t, func(cfg *Config) {
		cfg.LocalID = netip.MustParseAddr("9.9.9.9")
	})
	f.peer.EventStart()
	f.loop.RunPending()
	f.peer.EventTransOpen()
	f.loop.RunPending()

	incoming := &fakeTransport{}
	accept := NewAcceptSession(f.peer, incoming, zap.NewNop())
	accept.EventRecvFrame(peerOpen(65001, "2.2.2.2", 90).Encode())
	f.loop.RunPending()

	notif, ok := incoming.lastNotification()
	if !ok || notif.Code != bgp.ErrCease {
		t.Errorf("incoming socket not ceased: %+v", notif)
	}
	if incoming.closed == 0 {
		t.Error("incoming socket not closed")
	}
	if f.peer.State() != StateOpenSent {
		t.Errorf("main FSM disturbed by losing collision: %s", f.peer.State())
	}
}

func TestKeyChainSelectsActiveKey(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	kc := KeyChain{
		{KeyID: 1, Password: "old", Start: now.Add(-48 * time.Hour), End: now.Add(-24 * time.Hour)},
		{KeyID: 2, Password: "current", Start: now.Add(-24 * time.Hour), End: now.Add(24 * time.Hour)},
		{KeyID: 3, Password: "future", Start: now.Add(24 * time.Hour), End: now.Add(48 * time.Hour)},
	}
	key, ok := kc.ActiveKey(now, 0)
	if !ok || key.Password != "current" {
		t.Fatalf("selected %+v", key)
	}

	// Drift widens the window: just before the future key starts, with
	// enough drift allowance, the future key (latest start) wins.
	key, ok = kc.ActiveKey(now.Add(24*time.Hour - time.Minute), 2*time.Minute)
	if !ok || key.Password != "future" {
		t.Fatalf("drift selection got %+v", key)
	}
}

func TestKeyChainNoValidKey(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	kc := KeyChain{
		{KeyID: 1, Password: "expired", Start: now.Add(-48 * time.Hour), End: now.Add(-24 * time.Hour)},
	}
	if _, ok := kc.ActiveKey(now, 0); ok {
		t.Fatal("expired key selected")
	}
}
