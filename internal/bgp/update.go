package bgp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"sort"
	"strings"
)

// SessionConfig carries the negotiated session properties the codec needs:
// ASN wire width, peer type, and the local address for nexthop sanity
// checks.
type SessionConfig struct {
	Use4ByteAS bool
	IBGP       bool
	LocalAddr  netip.Addr
}

// UpdatePacket is a decoded BGP UPDATE. WithdrawnRoutes and NLRI carry the
// IPv4-unicast prefixes from the fixed fields; other families travel in the
// MP_REACH/MP_UNREACH attributes of the attribute list.
type UpdatePacket struct {
	WithdrawnRoutes []netip.Prefix
	Attrs           *FastPathAttributeList
	NLRI            []netip.Prefix
}

func NewUpdatePacket() *UpdatePacket {
	return &UpdatePacket{Attrs: NewFastPathAttributeList()}
}

// DecodeUpdate parses and validates a full UPDATE message including header.
func DecodeUpdate(buf []byte, cfg SessionConfig) (*UpdatePacket, error) {
	hdr, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if hdr.Type != MsgTypeUpdate {
		return nil, corrupt(ErrMessageHeader, SubBadMessageType, []byte{hdr.Type},
			"not an update (type %d)", hdr.Type)
	}
	if int(hdr.Length) != len(buf) {
		lenField := make([]byte, 2)
		binary.BigEndian.PutUint16(lenField, hdr.Length)
		return nil, corrupt(ErrMessageHeader, SubBadMessageLength, lenField,
			"header length %d does not match frame size %d", hdr.Length, len(buf))
	}
	return decodeUpdateBody(buf[HeaderSize:], cfg)
}

func decodeUpdateBody(body []byte, cfg SessionConfig) (*UpdatePacket, error) {
	if len(body) < 4 {
		return nil, corrupt(ErrUpdateMessage, SubMalformedAttributeList, nil,
			"update body too short (%d bytes)", len(body))
	}
	pkt := NewUpdatePacket()
	offset := 0

	withdrawnLen := int(binary.BigEndian.Uint16(body[offset : offset+2]))
	offset += 2
	if offset+withdrawnLen+2 > len(body) {
		return nil, corrupt(ErrUpdateMessage, SubMalformedAttributeList, nil,
			"withdrawn routes length %d exceeds body", withdrawnLen)
	}
	withdrawn, err := decodePrefixes(body[offset:offset+withdrawnLen], 32, nil)
	if err != nil {
		return nil, err
	}
	pkt.WithdrawnRoutes = withdrawn
	offset += withdrawnLen

	attrLen := int(binary.BigEndian.Uint16(body[offset : offset+2]))
	offset += 2
	if offset+attrLen > len(body) {
		return nil, corrupt(ErrUpdateMessage, SubMalformedAttributeList, nil,
			"path attribute length %d exceeds body", attrLen)
	}
	asSize := 2
	if cfg.Use4ByteAS {
		asSize = 4
	}
	attrData := body[offset : offset+attrLen]
	for len(attrData) > 0 {
		attr, consumed, err := decodePathAttribute(attrData, asSize)
		if err != nil {
			return nil, err
		}
		if pkt.Attrs.Get(attr.TypeCode()) != nil {
			return nil, corrupt(ErrUpdateMessage, SubMalformedAttributeList, attrData[:consumed],
				"duplicate attribute type %d", attr.TypeCode())
		}
		pkt.Attrs.Add(attr)
		attrData = attrData[consumed:]
	}
	offset += attrLen

	nlri, err := decodePrefixes(body[offset:], 32, nil)
	if err != nil {
		return nil, err
	}
	pkt.NLRI = nlri

	if err := pkt.validate(cfg); err != nil {
		return nil, err
	}
	return pkt, nil
}

// validate enforces the semantic rules on a freshly decoded UPDATE.
func (p *UpdatePacket) validate(cfg SessionConfig) error {
	mpReach, _ := p.Attrs.Get(AttrTypeMPReachNLRI).(*MPReachNLRIAttribute)
	hasReach := len(p.NLRI) > 0 || (mpReach != nil && len(mpReach.NLRI) > 0)
	if !hasReach {
		return nil
	}
	mandatory := []uint8{AttrTypeOrigin, AttrTypeASPath}
	if len(p.NLRI) > 0 {
		mandatory = append(mandatory, AttrTypeNextHop)
	}
	if cfg.IBGP {
		mandatory = append(mandatory, AttrTypeLocalPref)
	}
	for _, code := range mandatory {
		if p.Attrs.Get(code) == nil {
			return corrupt(ErrUpdateMessage, SubMissingWellKnownAttr, []byte{code},
				"missing well-known mandatory attribute %d", code)
		}
	}
	if nh, ok := p.Attrs.Get(AttrTypeNextHop).(*NextHopAttribute); ok {
		if err := checkNextHop(nh.NextHop, cfg); err != nil {
			return err
		}
	}
	if mpReach != nil && len(mpReach.NLRI) > 0 {
		if err := checkNextHop(mpReach.NextHop, cfg); err != nil {
			return err
		}
	}
	return nil
}

func checkNextHop(nh netip.Addr, cfg SessionConfig) error {
	data := nh.AsSlice()
	if nh.IsMulticast() {
		return corrupt(ErrUpdateMessage, SubInvalidNextHopAttribute, data,
			"multicast nexthop %s", nh)
	}
	if cfg.LocalAddr.IsValid() && nh == cfg.LocalAddr {
		return corrupt(ErrUpdateMessage, SubInvalidNextHopAttribute, data,
			"nexthop %s is our own address", nh)
	}
	if !cfg.IBGP && nh.IsUnspecified() {
		return corrupt(ErrUpdateMessage, SubInvalidNextHopAttribute, data,
			"unspecified nexthop on ebgp session")
	}
	return nil
}

// wireSize returns the encoded frame size of the packet as it stands.
func (p *UpdatePacket) wireSize(cfg SessionConfig) int {
	size := HeaderSize + 4
	for _, w := range p.WithdrawnRoutes {
		size += prefixWireLen(w)
	}
	for _, n := range p.NLRI {
		size += prefixWireLen(n)
	}
	if p.Attrs != nil && p.Attrs.Len() > 0 {
		for _, a := range p.Attrs.sorted() {
			size += len(encodeAttribute(a, cfg.Use4ByteAS))
			if !cfg.Use4ByteAS {
				size += as4ShadowSize(a)
			}
		}
	}
	return size
}

// as4ShadowSize accounts for the AS4_PATH/AS4_AGGREGATOR shadow attributes
// emitted alongside a 2-octet encoding when 4-octet ASNs are present.
func as4ShadowSize(a PathAttribute) int {
	switch v := a.(type) {
	case *ASPathAttribute:
		if v.Path.ContainsFourOctetAS() {
			return len(encodeAttribute(&AS4PathAttribute{Path: v.Path}, true))
		}
	case *AggregatorAttribute:
		if v.AS > 0xFFFF {
			return len(encodeAttribute(&AS4AggregatorAttribute{AS: v.AS, Speaker: v.Speaker}, true))
		}
	}
	return 0
}

// BigEnough reports that adding anything more would risk exceeding the
// maximum message size, so the caller should encode and start a new packet.
// The margin covers one worst-case route and attribute growth.
func (p *UpdatePacket) BigEnough(cfg SessionConfig) bool {
	return p.wireSize(cfg) >= MaxPacketSize-32
}

// Encode produces the wire frame. Attributes are written in canonical
// order; 4-octet ASNs are translated to AS_TRANS plus shadow attributes
// when the session did not negotiate the capability.
func (p *UpdatePacket) Encode(cfg SessionConfig) ([]byte, error) {
	var withdrawn []byte
	for _, w := range p.WithdrawnRoutes {
		withdrawn = appendPrefix(withdrawn, w)
	}
	var attrs []byte
	if p.Attrs != nil {
		for _, a := range p.Attrs.sorted() {
			attrs = append(attrs, encodeAttribute(a, cfg.Use4ByteAS)...)
			if !cfg.Use4ByteAS {
				switch v := a.(type) {
				case *ASPathAttribute:
					if v.Path.ContainsFourOctetAS() {
						attrs = append(attrs, encodeAttribute(&AS4PathAttribute{Path: v.Path}, true)...)
					}
				case *AggregatorAttribute:
					if v.AS > 0xFFFF {
						attrs = append(attrs, encodeAttribute(&AS4AggregatorAttribute{AS: v.AS, Speaker: v.Speaker}, true)...)
					}
				}
			}
		}
	}
	var nlri []byte
	for _, n := range p.NLRI {
		nlri = appendPrefix(nlri, n)
	}

	body := make([]byte, 0, 4+len(withdrawn)+len(attrs)+len(nlri))
	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], uint16(len(withdrawn)))
	body = append(body, u16[:]...)
	body = append(body, withdrawn...)
	binary.BigEndian.PutUint16(u16[:], uint16(len(attrs)))
	body = append(body, u16[:]...)
	body = append(body, attrs...)
	body = append(body, nlri...)

	if HeaderSize+len(body) > MaxPacketSize {
		return nil, fmt.Errorf("bgp: encoded update would be %d bytes, exceeds %d",
			HeaderSize+len(body), MaxPacketSize)
	}
	return encodeHeader(body, MsgTypeUpdate), nil
}

// Equals compares two UPDATEs independent of wire order: withdrawn routes
// and NLRI as multisets of prefixes, attributes by canonical form.
func (p *UpdatePacket) Equals(other *UpdatePacket) bool {
	if !prefixMultisetEqual(p.WithdrawnRoutes, other.WithdrawnRoutes) {
		return false
	}
	if !prefixMultisetEqual(p.NLRI, other.NLRI) {
		return false
	}
	pEmpty := p.Attrs == nil || p.Attrs.Len() == 0
	oEmpty := other.Attrs == nil || other.Attrs.Len() == 0
	if pEmpty != oEmpty {
		return false
	}
	if pEmpty {
		return true
	}
	return p.Attrs.Clone().Canonicalize().Equals(other.Attrs.Clone().Canonicalize())
}

func prefixMultisetEqual(a, b []netip.Prefix) bool {
	if len(a) != len(b) {
		return false
	}
	as := make([]string, len(a))
	bs := make([]string, len(b))
	for i := range a {
		as[i] = a[i].String()
		bs[i] = b[i].String()
	}
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func (p *UpdatePacket) String() string {
	var parts []string
	for _, w := range p.WithdrawnRoutes {
		parts = append(parts, "withdraw "+w.String())
	}
	for _, n := range p.NLRI {
		parts = append(parts, "announce "+n.String())
	}
	if p.Attrs != nil && p.Attrs.Len() > 0 {
		parts = append(parts, p.Attrs.String())
	}
	return "UPDATE{" + strings.Join(parts, "; ") + "}"
}
