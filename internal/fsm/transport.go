package fsm

import (
	"net"
	"time"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
	"github.com/route-beacon/bgp-speaker/internal/eventloop"
	"go.uber.org/zap"
)

// FrameSink receives transport events on the event-loop goroutine. The
// main FSM and the collision AcceptSession both implement it.
type FrameSink interface {
	EventRecvFrame(frame []byte)
	EventTransOpen()
	EventOpenFail()
	EventTransClosed()
}

// TCPTransport is the production Transport: it dials the peer, frames
// inbound bytes into BGP messages, and delivers every event onto the event
// loop so the FSM never runs off its goroutine.
//
// ConfigureMD5 records the configured password on the transport only: no
// TCP MD5 signature option is set on the dialled connection or on any
// listener, so sessions carried by this transport are not signed.
type TCPTransport struct {
	peerAddr string
	loop     *eventloop.Loop
	logger   *zap.Logger

	sink FrameSink

	conn      net.Conn
	sendQueue chan []byte
	md5       string
	closed    chan struct{}
}

const sendQueueSize = 256

func NewTCPTransport(peerAddr string, loop *eventloop.Loop, logger *zap.Logger) *TCPTransport {
	return &TCPTransport{
		peerAddr: peerAddr,
		loop:     loop,
		logger:   logger,
	}
}

// Bind attaches the transport to the FSM (or accept session) that should
// receive its events.
func (t *TCPTransport) Bind(sink FrameSink) { t.sink = sink }

func (t *TCPTransport) ConfigureMD5(password string) { t.md5 = password }

func (t *TCPTransport) Connect() {
	go func() {
		conn, err := net.DialTimeout("tcp", t.peerAddr, 30*time.Second)
		if err != nil {
			t.loop.Schedule(func() { t.sink.EventOpenFail() })
			return
		}
		t.loop.Schedule(func() {
			t.adopt(conn)
			t.sink.EventTransOpen()
		})
	}()
}

// Adopt takes over an already-established connection (inbound accept or
// collision swap).
func (t *TCPTransport) Adopt(conn net.Conn) {
	t.adopt(conn)
}

func (t *TCPTransport) adopt(conn net.Conn) {
	t.conn = conn
	t.sendQueue = make(chan []byte, sendQueueSize)
	t.closed = make(chan struct{})
	go t.readLoop(conn, t.closed)
	go t.writeLoop(conn, t.sendQueue, t.closed)
}

func (t *TCPTransport) readLoop(conn net.Conn, closed chan struct{}) {
	header := make([]byte, bgp.HeaderSize)
	for {
		if _, err := readFull(conn, header); err != nil {
			t.deliverClosed(closed)
			return
		}
		hdr, err := bgp.DecodeHeader(header)
		if err != nil {
			// Deliver the malformed frame; the FSM turns it into the
			// right NOTIFICATION.
			frame := append([]byte(nil), header...)
			t.loop.Schedule(func() { t.sink.EventRecvFrame(frame) })
			t.deliverClosed(closed)
			return
		}
		frame := make([]byte, hdr.Length)
		copy(frame, header)
		if _, err := readFull(conn, frame[bgp.HeaderSize:]); err != nil {
			t.deliverClosed(closed)
			return
		}
		t.loop.Schedule(func() { t.sink.EventRecvFrame(frame) })
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := conn.Read(buf[read:])
		if err != nil {
			return read, err
		}
		read += n
	}
	return read, nil
}

func (t *TCPTransport) writeLoop(conn net.Conn, queue chan []byte, closed chan struct{}) {
	for {
		select {
		case frame, ok := <-queue:
			if !ok {
				return
			}
			if _, err := conn.Write(frame); err != nil {
				t.deliverClosed(closed)
				return
			}
		case <-closed:
			return
		}
	}
}

func (t *TCPTransport) deliverClosed(closed chan struct{}) {
	select {
	case <-closed:
		return // already reported
	default:
		close(closed)
	}
	t.loop.Schedule(func() { t.sink.EventTransClosed() })
}

func (t *TCPTransport) Send(frame []byte) error {
	if t.sendQueue == nil {
		return net.ErrClosed
	}
	select {
	case t.sendQueue <- frame:
		return nil
	default:
		t.logger.Warn("send queue full, dropping frame", zap.String("peer", t.peerAddr))
		return net.ErrClosed
	}
}

func (t *TCPTransport) SendQueueLen() int {
	if t.sendQueue == nil {
		return 0
	}
	return len(t.sendQueue)
}

func (t *TCPTransport) Close() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	if t.closed != nil {
		select {
		case <-t.closed:
		default:
			close(t.closed)
		}
		t.closed = nil
	}
	t.sendQueue = nil
}
