package bgp

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// BGP message types.
const (
	MsgTypeOpen         uint8 = 1
	MsgTypeUpdate       uint8 = 2
	MsgTypeNotification uint8 = 3
	MsgTypeKeepalive    uint8 = 4
	MsgTypeRouteRefresh uint8 = 5
)

// Fixed wire sizes: marker(16) + length(2) + type(1).
const (
	MarkerSize    = 16
	HeaderSize    = 19
	MaxPacketSize = 4096
	MinOpenSize   = HeaderSize + 10
)

var allOnesMarker = bytes.Repeat([]byte{0xFF}, MarkerSize)

// Header is the fixed 19-byte prefix of every BGP message.
type Header struct {
	Length uint16
	Type   uint8
}

// DecodeHeader validates the marker and length bounds of a raw message.
func DecodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderSize {
		return h, corrupt(ErrMessageHeader, SubBadMessageLength, nil,
			"message too short (%d bytes)", len(buf))
	}
	if !bytes.Equal(buf[:MarkerSize], allOnesMarker) {
		return h, corrupt(ErrMessageHeader, SubConnNotSynchronized, nil,
			"marker is not all ones")
	}
	h.Length = binary.BigEndian.Uint16(buf[MarkerSize : MarkerSize+2])
	h.Type = buf[MarkerSize+2]
	if h.Length < HeaderSize || h.Length > MaxPacketSize {
		lenField := make([]byte, 2)
		binary.BigEndian.PutUint16(lenField, h.Length)
		return h, corrupt(ErrMessageHeader, SubBadMessageLength, lenField,
			"bad message length %d", h.Length)
	}
	if h.Type < MsgTypeOpen || h.Type > MsgTypeRouteRefresh {
		return h, corrupt(ErrMessageHeader, SubBadMessageType, []byte{h.Type},
			"bad message type %d", h.Type)
	}
	return h, nil
}

func encodeHeader(body []byte, msgType uint8) []byte {
	buf := make([]byte, HeaderSize+len(body))
	copy(buf, allOnesMarker)
	binary.BigEndian.PutUint16(buf[MarkerSize:], uint16(len(buf)))
	buf[MarkerSize+2] = msgType
	copy(buf[HeaderSize:], body)
	return buf
}

// KeepalivePacket is a KEEPALIVE message; it has no body.
type KeepalivePacket struct{}

func (p *KeepalivePacket) Encode() []byte { return encodeHeader(nil, MsgTypeKeepalive) }

// DecodeKeepalive checks that a KEEPALIVE carries no body.
func DecodeKeepalive(buf []byte) (*KeepalivePacket, error) {
	if len(buf) != HeaderSize {
		lenField := make([]byte, 2)
		binary.BigEndian.PutUint16(lenField, uint16(len(buf)))
		return nil, corrupt(ErrMessageHeader, SubBadMessageLength, lenField,
			"keepalive with body (%d bytes)", len(buf))
	}
	return &KeepalivePacket{}, nil
}

// NotificationPacket reports a protocol error to the peer; the session is
// torn down immediately after it is sent.
type NotificationPacket struct {
	Code    uint8
	Subcode uint8
	Data    []byte
}

func NewNotificationPacket(code, subcode uint8, data []byte) *NotificationPacket {
	return &NotificationPacket{Code: code, Subcode: subcode, Data: data}
}

// NotificationFor converts a codec error into the NOTIFICATION that must be
// sent on the wire.
func NotificationFor(err *CorruptMessage) *NotificationPacket {
	return &NotificationPacket{Code: err.Code, Subcode: err.Subcode, Data: err.Data}
}

func (p *NotificationPacket) Encode() []byte {
	body := make([]byte, 2+len(p.Data))
	body[0] = p.Code
	body[1] = p.Subcode
	copy(body[2:], p.Data)
	return encodeHeader(body, MsgTypeNotification)
}

func DecodeNotification(buf []byte) (*NotificationPacket, error) {
	if len(buf) < HeaderSize+2 {
		return nil, corrupt(ErrMessageHeader, SubBadMessageLength, nil,
			"notification too short (%d bytes)", len(buf))
	}
	body := buf[HeaderSize:]
	return &NotificationPacket{
		Code:    body[0],
		Subcode: body[1],
		Data:    append([]byte(nil), body[2:]...),
	}, nil
}

func (p *NotificationPacket) String() string {
	return fmt.Sprintf("NOTIFICATION code %d subcode %d", p.Code, p.Subcode)
}

// RouteRefreshPacket requests re-advertisement of a single AFI/SAFI.
type RouteRefreshPacket struct {
	AFI  uint16
	SAFI uint8
}

func (p *RouteRefreshPacket) Encode() []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint16(body, p.AFI)
	body[3] = p.SAFI
	return encodeHeader(body, MsgTypeRouteRefresh)
}

func DecodeRouteRefresh(buf []byte) (*RouteRefreshPacket, error) {
	if len(buf) != HeaderSize+4 {
		lenField := make([]byte, 2)
		binary.BigEndian.PutUint16(lenField, uint16(len(buf)))
		return nil, corrupt(ErrMessageHeader, SubBadMessageLength, lenField,
			"route-refresh with bad length %d", len(buf))
	}
	body := buf[HeaderSize:]
	return &RouteRefreshPacket{
		AFI:  binary.BigEndian.Uint16(body[0:2]),
		SAFI: body[3],
	}, nil
}
