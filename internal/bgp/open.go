package bgp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const bgpVersion = 4

// Capability is one capability advertised in an OPEN optional parameter.
type Capability struct {
	Code uint8
	Data []byte
}

// OpenPacket is a decoded BGP OPEN message.
type OpenPacket struct {
	Version      uint8
	AS           uint32 // 4-octet value; wire field carries AS_TRANS when > 0xFFFF
	HoldTime     uint16
	BGPID        netip.Addr
	Capabilities []Capability
}

func NewOpenPacket(as uint32, holdTime uint16, bgpID netip.Addr) *OpenPacket {
	return &OpenPacket{
		Version:  bgpVersion,
		AS:       as,
		HoldTime: holdTime,
		BGPID:    bgpID,
	}
}

// AddCapability appends one capability advertisement.
func (p *OpenPacket) AddCapability(code uint8, data []byte) {
	p.Capabilities = append(p.Capabilities, Capability{Code: code, Data: data})
}

// AddFourOctetASCapability advertises RFC 6793 support for the given AS.
func (p *OpenPacket) AddFourOctetASCapability(as uint32) {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, as)
	p.AddCapability(CapFourOctetAS, data)
}

// AddMultiprotocolCapability advertises one AFI/SAFI.
func (p *OpenPacket) AddMultiprotocolCapability(afi uint16, safi uint8) {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data, afi)
	data[3] = safi
	p.AddCapability(CapMultiprotocol, data)
}

// HasCapability reports whether a capability code was advertised.
func (p *OpenPacket) HasCapability(code uint8) bool {
	for _, c := range p.Capabilities {
		if c.Code == code {
			return true
		}
	}
	return false
}

// FourOctetAS returns the ASN from the 4-octet capability, if advertised.
func (p *OpenPacket) FourOctetAS() (uint32, bool) {
	for _, c := range p.Capabilities {
		if c.Code == CapFourOctetAS && len(c.Data) == 4 {
			return binary.BigEndian.Uint32(c.Data), true
		}
	}
	return 0, false
}

// SupportsFamily reports whether the peer advertised the AFI/SAFI pair.
func (p *OpenPacket) SupportsFamily(afi uint16, safi uint8) bool {
	for _, c := range p.Capabilities {
		if c.Code == CapMultiprotocol && len(c.Data) == 4 {
			if binary.BigEndian.Uint16(c.Data[:2]) == afi && c.Data[3] == safi {
				return true
			}
		}
	}
	return false
}

func (p *OpenPacket) Encode() []byte {
	var optParams []byte
	for _, c := range p.Capabilities {
		// Each capability goes in its own type-2 optional parameter.
		param := make([]byte, 4+len(c.Data))
		param[0] = 2 // parameter type: capability
		param[1] = uint8(2 + len(c.Data))
		param[2] = c.Code
		param[3] = uint8(len(c.Data))
		copy(param[4:], c.Data)
		optParams = append(optParams, param...)
	}

	body := make([]byte, 10+len(optParams))
	body[0] = p.Version
	wireAS := p.AS
	if wireAS > 0xFFFF {
		wireAS = ASTrans
	}
	binary.BigEndian.PutUint16(body[1:3], uint16(wireAS))
	binary.BigEndian.PutUint16(body[3:5], p.HoldTime)
	copy(body[5:9], p.BGPID.AsSlice())
	body[9] = uint8(len(optParams))
	copy(body[10:], optParams)
	return encodeHeader(body, MsgTypeOpen)
}

// DecodeOpen parses and validates an OPEN message including header.
func DecodeOpen(buf []byte) (*OpenPacket, error) {
	hdr, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if hdr.Type != MsgTypeOpen {
		return nil, corrupt(ErrMessageHeader, SubBadMessageType, []byte{hdr.Type},
			"not an open (type %d)", hdr.Type)
	}
	if len(buf) < MinOpenSize {
		return nil, corrupt(ErrMessageHeader, SubBadMessageLength, nil,
			"open too short (%d bytes)", len(buf))
	}
	body := buf[HeaderSize:]
	pkt := &OpenPacket{
		Version:  body[0],
		AS:       uint32(binary.BigEndian.Uint16(body[1:3])),
		HoldTime: binary.BigEndian.Uint16(body[3:5]),
	}
	if pkt.Version != bgpVersion {
		supported := make([]byte, 2)
		binary.BigEndian.PutUint16(supported, bgpVersion)
		return nil, corrupt(ErrOpenMessage, SubUnsupportedVersionNumber, supported,
			"unsupported version %d", pkt.Version)
	}
	id, _ := netip.AddrFromSlice(body[5:9])
	pkt.BGPID = id
	if id.IsUnspecified() || id.IsMulticast() {
		return nil, corrupt(ErrOpenMessage, SubBadBGPIdentifier, body[5:9],
			"bad bgp identifier %s", id)
	}
	// Hold time of 1 or 2 is illegal; 0 disables keepalives.
	if pkt.HoldTime == 1 || pkt.HoldTime == 2 {
		return nil, corrupt(ErrOpenMessage, SubUnacceptableHoldTime, body[3:5],
			"unacceptable hold time %d", pkt.HoldTime)
	}

	optLen := int(body[9])
	if 10+optLen != len(body) {
		return nil, corrupt(ErrMessageHeader, SubBadMessageLength, nil,
			"optional parameter length %d does not match body", optLen)
	}
	params := body[10:]
	for len(params) > 0 {
		if len(params) < 2 {
			return nil, corrupt(ErrOpenMessage, SubUnsupportedOptionalParam, nil,
				"optional parameter header truncated")
		}
		paramType := params[0]
		paramLen := int(params[1])
		if 2+paramLen > len(params) {
			return nil, corrupt(ErrOpenMessage, SubUnsupportedOptionalParam, nil,
				"optional parameter data truncated")
		}
		paramData := params[2 : 2+paramLen]
		params = params[2+paramLen:]
		if paramType != 2 {
			return nil, corrupt(ErrOpenMessage, SubUnsupportedOptionalParam, []byte{paramType},
				"unsupported optional parameter type %d", paramType)
		}
		for len(paramData) > 0 {
			if len(paramData) < 2 || 2+int(paramData[1]) > len(paramData) {
				return nil, corrupt(ErrOpenMessage, SubUnsupportedOptionalParam, nil,
					"capability truncated")
			}
			capLen := int(paramData[1])
			pkt.Capabilities = append(pkt.Capabilities, Capability{
				Code: paramData[0],
				Data: append([]byte(nil), paramData[2:2+capLen]...),
			})
			paramData = paramData[2+capLen:]
		}
	}

	if as4, ok := pkt.FourOctetAS(); ok {
		if pkt.AS != uint32(ASTrans) && pkt.AS != (as4&0xFFFF) && as4 > 0xFFFF {
			return nil, corrupt(ErrOpenMessage, SubBadPeerAS, nil,
				"as field %d disagrees with 4-octet capability %d", pkt.AS, as4)
		}
		pkt.AS = as4
	}
	return pkt, nil
}

func (p *OpenPacket) String() string {
	return fmt.Sprintf("OPEN v%d as %d holdtime %d id %s (%d capabilities)",
		p.Version, p.AS, p.HoldTime, p.BGPID, len(p.Capabilities))
}
