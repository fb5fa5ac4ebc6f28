package bgp

import (
	"encoding/binary"
	"net/netip"
	"testing"
)

// buildUpdateFrame constructs a raw BGP UPDATE with the given components.
func buildUpdateFrame(withdrawn []byte, pathAttrs []byte, nlri []byte) []byte {
	bodyLen := 2 + len(withdrawn) + 2 + len(pathAttrs) + len(nlri)
	totalLen := HeaderSize + bodyLen

	msg := make([]byte, totalLen)
	for i := 0; i < MarkerSize; i++ {
		msg[i] = 0xFF
	}
	binary.BigEndian.PutUint16(msg[16:18], uint16(totalLen))
	msg[18] = MsgTypeUpdate

	offset := HeaderSize
	binary.BigEndian.PutUint16(msg[offset:offset+2], uint16(len(withdrawn)))
	offset += 2
	copy(msg[offset:], withdrawn)
	offset += len(withdrawn)

	binary.BigEndian.PutUint16(msg[offset:offset+2], uint16(len(pathAttrs)))
	offset += 2
	copy(msg[offset:], pathAttrs)
	offset += len(pathAttrs)

	copy(msg[offset:], nlri)
	return msg
}

// buildAttr constructs a single path attribute TLV.
func buildAttr(flags byte, typeCode byte, data []byte) []byte {
	if len(data) > 255 {
		attr := make([]byte, 4+len(data))
		attr[0] = flags | FlagExtLength
		attr[1] = typeCode
		binary.BigEndian.PutUint16(attr[2:4], uint16(len(data)))
		copy(attr[4:], data)
		return attr
	}
	attr := make([]byte, 3+len(data))
	attr[0] = flags
	attr[1] = typeCode
	attr[2] = byte(len(data))
	copy(attr[3:], data)
	return attr
}

func mandatoryAttrs(t *testing.T) []byte {
	t.Helper()
	origin := buildAttr(0x40, AttrTypeOrigin, []byte{0})
	// AS_SEQUENCE of one AS: 65001
	asPath := buildAttr(0x40, AttrTypeASPath, []byte{2, 1, 0xFD, 0xE9})
	nexthop := buildAttr(0x40, AttrTypeNextHop, []byte{20, 20, 20, 1})
	attrs := append([]byte{}, origin...)
	attrs = append(attrs, asPath...)
	return append(attrs, nexthop...)
}

func ebgpConfig() SessionConfig {
	return SessionConfig{Use4ByteAS: false, IBGP: false}
}

func TestDecodeUpdate_Announcement(t *testing.T) {
	nlri := []byte{24, 10, 10, 10} // 10.10.10.0/24
	msg := buildUpdateFrame(nil, mandatoryAttrs(t), nlri)

	pkt, err := DecodeUpdate(msg, ebgpConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pkt.NLRI) != 1 || pkt.NLRI[0] != netip.MustParsePrefix("10.10.10.0/24") {
		t.Fatalf("bad nlri: %v", pkt.NLRI)
	}
	if nh := pkt.Attrs.NextHop(); nh != netip.MustParseAddr("20.20.20.1") {
		t.Errorf("bad nexthop: %v", nh)
	}
	if pkt.Attrs.ASPath().FirstAS() != 65001 {
		t.Errorf("bad first AS: %d", pkt.Attrs.ASPath().FirstAS())
	}
}

func TestDecodeUpdate_Withdraw(t *testing.T) {
	withdrawn := []byte{24, 10, 10, 10}
	msg := buildUpdateFrame(withdrawn, nil, nil)

	pkt, err := DecodeUpdate(msg, ebgpConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pkt.WithdrawnRoutes) != 1 || pkt.WithdrawnRoutes[0] != netip.MustParsePrefix("10.10.10.0/24") {
		t.Fatalf("bad withdrawn: %v", pkt.WithdrawnRoutes)
	}
}

func TestDecodeUpdate_MissingMandatory(t *testing.T) {
	nlri := []byte{24, 10, 10, 10}
	origin := buildAttr(0x40, AttrTypeOrigin, []byte{0})
	msg := buildUpdateFrame(nil, origin, nlri)

	_, err := DecodeUpdate(msg, ebgpConfig())
	cm, ok := err.(*CorruptMessage)
	if !ok {
		t.Fatalf("expected CorruptMessage, got %v", err)
	}
	if cm.Code != ErrUpdateMessage || cm.Subcode != SubMissingWellKnownAttr {
		t.Errorf("expected UPDATE/MISSING_WELL_KNOWN, got %d/%d", cm.Code, cm.Subcode)
	}
	if len(cm.Data) != 1 || cm.Data[0] != AttrTypeASPath {
		t.Errorf("expected offending type %d in data, got %v", AttrTypeASPath, cm.Data)
	}
}

func TestDecodeUpdate_MissingLocalPrefOnIBGP(t *testing.T) {
	nlri := []byte{24, 10, 10, 10}
	msg := buildUpdateFrame(nil, mandatoryAttrs(t), nlri)

	_, err := DecodeUpdate(msg, SessionConfig{IBGP: true})
	cm, ok := err.(*CorruptMessage)
	if !ok {
		t.Fatalf("expected CorruptMessage, got %v", err)
	}
	if cm.Subcode != SubMissingWellKnownAttr || cm.Data[0] != AttrTypeLocalPref {
		t.Errorf("expected missing LOCAL_PREF, got subcode %d data %v", cm.Subcode, cm.Data)
	}
}

func TestDecodeUpdate_AttrLengthPastEnd(t *testing.T) {
	nlri := []byte{24, 10, 10, 10}
	// ORIGIN claiming 10 bytes of payload with only 1 present.
	bad := []byte{0x40, AttrTypeOrigin, 10, 0}
	msg := buildUpdateFrame(nil, bad, nlri)

	_, err := DecodeUpdate(msg, ebgpConfig())
	cm, ok := err.(*CorruptMessage)
	if !ok {
		t.Fatalf("expected CorruptMessage, got %v", err)
	}
	if cm.Code != ErrUpdateMessage || cm.Subcode != SubAttributeLengthError {
		t.Errorf("expected ATTR_LENGTH_ERROR, got %d/%d", cm.Code, cm.Subcode)
	}
}

func TestDecodeUpdate_BadFlags(t *testing.T) {
	nlri := []byte{24, 10, 10, 10}
	// ORIGIN marked optional.
	attrs := append(buildAttr(0x80, AttrTypeOrigin, []byte{0}),
		buildAttr(0x40, AttrTypeASPath, []byte{2, 1, 0xFD, 0xE9})...)
	attrs = append(attrs, buildAttr(0x40, AttrTypeNextHop, []byte{20, 20, 20, 1})...)
	msg := buildUpdateFrame(nil, attrs, nlri)

	_, err := DecodeUpdate(msg, ebgpConfig())
	cm, ok := err.(*CorruptMessage)
	if !ok {
		t.Fatalf("expected CorruptMessage, got %v", err)
	}
	if cm.Subcode != SubAttributeFlagsError {
		t.Errorf("expected ATTR_FLAGS_ERROR, got subcode %d", cm.Subcode)
	}
}

func TestDecodeUpdate_MulticastNextHop(t *testing.T) {
	nlri := []byte{24, 10, 10, 10}
	origin := buildAttr(0x40, AttrTypeOrigin, []byte{0})
	asPath := buildAttr(0x40, AttrTypeASPath, []byte{2, 1, 0xFD, 0xE9})
	nexthop := buildAttr(0x40, AttrTypeNextHop, []byte{224, 0, 0, 1})
	attrs := append(append(origin, asPath...), nexthop...)
	msg := buildUpdateFrame(nil, attrs, nlri)

	_, err := DecodeUpdate(msg, ebgpConfig())
	cm, ok := err.(*CorruptMessage)
	if !ok {
		t.Fatalf("expected CorruptMessage, got %v", err)
	}
	if cm.Subcode != SubInvalidNextHopAttribute {
		t.Errorf("expected INVALID_NEXT_HOP, got subcode %d", cm.Subcode)
	}
}

func TestDecodeUpdate_UnrecognizedWellKnown(t *testing.T) {
	nlri := []byte{24, 10, 10, 10}
	attrs := append(mandatoryAttrs(t), buildAttr(0x40, 99, []byte{1, 2, 3})...)
	msg := buildUpdateFrame(nil, attrs, nlri)

	_, err := DecodeUpdate(msg, ebgpConfig())
	cm, ok := err.(*CorruptMessage)
	if !ok {
		t.Fatalf("expected CorruptMessage, got %v", err)
	}
	if cm.Subcode != SubUnrecognizedWellKnownAttr {
		t.Errorf("expected UNRECOGNIZED_WELL_KNOWN, got subcode %d", cm.Subcode)
	}
}

func TestDecodeUpdate_UnknownOptionalPreserved(t *testing.T) {
	nlri := []byte{24, 10, 10, 10}
	attrs := append(mandatoryAttrs(t), buildAttr(0xC0, 200, []byte{9, 9})...)
	msg := buildUpdateFrame(nil, attrs, nlri)

	pkt, err := DecodeUpdate(msg, ebgpConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	unknown, ok := pkt.Attrs.Get(200).(*UnknownAttribute)
	if !ok {
		t.Fatalf("unknown optional transitive attribute not preserved")
	}
	if len(unknown.Data) != 2 || unknown.Data[0] != 9 {
		t.Errorf("unknown attribute payload corrupted: %v", unknown.Data)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cfg := ebgpConfig()
	pkt := NewUpdatePacket()
	pkt.NLRI = []netip.Prefix{netip.MustParsePrefix("10.10.10.0/24")}
	pkt.WithdrawnRoutes = []netip.Prefix{netip.MustParsePrefix("192.0.2.0/24")}
	pkt.Attrs.Add(&OriginAttribute{Value: OriginIGP})
	pkt.Attrs.Add(&ASPathAttribute{Path: &ASPath{Segments: []ASSegment{
		{Type: ASPathSegmentSequence, ASNs: []uint32{65001, 65002}},
	}}})
	pkt.Attrs.Add(&NextHopAttribute{NextHop: netip.MustParseAddr("20.20.20.1")})
	pkt.Attrs.Add(&MEDAttribute{Value: 50})

	wire, err := pkt.Encode(cfg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeUpdate(wire, cfg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !pkt.Equals(decoded) {
		t.Errorf("round trip mismatch:\n in: %s\nout: %s", pkt, decoded)
	}
}

func TestFourOctetASTranslation(t *testing.T) {
	// Peer without the 4-octet capability: AS 200000 must go on the wire as
	// AS_TRANS with an AS4_PATH shadow, and decode back to 200000.
	cfg2 := SessionConfig{Use4ByteAS: false}
	pkt := NewUpdatePacket()
	pkt.NLRI = []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	pkt.Attrs.Add(&OriginAttribute{Value: OriginIGP})
	pkt.Attrs.Add(&ASPathAttribute{Path: &ASPath{Segments: []ASSegment{
		{Type: ASPathSegmentSequence, ASNs: []uint32{200000, 65001}},
	}}})
	pkt.Attrs.Add(&NextHopAttribute{NextHop: netip.MustParseAddr("20.20.20.1")})

	wire, err := pkt.Encode(cfg2)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeUpdate(wire, cfg2)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Before canonicalization the wire path shows AS_TRANS.
	if decoded.Attrs.ASPath().FirstAS() != ASTrans {
		t.Fatalf("expected AS_TRANS on wire, got %d", decoded.Attrs.ASPath().FirstAS())
	}
	// Canonicalize merges the AS4_PATH shadow back in.
	canonical := decoded.Attrs.Clone().Canonicalize()
	if canonical.ASPath().FirstAS() != 200000 {
		t.Errorf("expected merged 4-octet path, got first AS %d", canonical.ASPath().FirstAS())
	}
}

func TestUpdateMaxSizeBoundary(t *testing.T) {
	cfg := ebgpConfig()
	pkt := NewUpdatePacket()
	pkt.Attrs.Add(&OriginAttribute{Value: OriginIGP})
	pkt.Attrs.Add(&ASPathAttribute{Path: &ASPath{Segments: []ASSegment{
		{Type: ASPathSegmentSequence, ASNs: []uint32{65001}},
	}}})
	pkt.Attrs.Add(&NextHopAttribute{NextHop: netip.MustParseAddr("20.20.20.1")})

	for i := 0; !pkt.BigEnough(cfg); i++ {
		p := netip.MustParsePrefix(netip.AddrFrom4([4]byte{10, byte(i >> 8), byte(i), 0}).String() + "/24")
		pkt.NLRI = append(pkt.NLRI, p)
	}
	wire, err := pkt.Encode(cfg)
	if err != nil {
		t.Fatalf("encode after BigEnough: %v", err)
	}
	if len(wire) > MaxPacketSize {
		t.Fatalf("encoded %d bytes, exceeds max", len(wire))
	}

	// A frame claiming 4097 bytes is rejected at the header.
	big := make([]byte, 4097)
	for i := 0; i < MarkerSize; i++ {
		big[i] = 0xFF
	}
	binary.BigEndian.PutUint16(big[16:18], 4097&0xFFFF)
	big[18] = MsgTypeUpdate
	if _, err := DecodeHeader(big); err == nil {
		t.Error("oversized frame accepted")
	}
}

func TestDecodeHeader_BadMarker(t *testing.T) {
	msg := buildUpdateFrame(nil, nil, nil)
	msg[3] = 0
	_, err := DecodeHeader(msg)
	cm, ok := err.(*CorruptMessage)
	if !ok {
		t.Fatalf("expected CorruptMessage, got %v", err)
	}
	if cm.Code != ErrMessageHeader || cm.Subcode != SubConnNotSynchronized {
		t.Errorf("expected HEADER/NOT_SYNCHRONIZED, got %d/%d", cm.Code, cm.Subcode)
	}
}

func TestUpdateEquality_OrderIndependent(t *testing.T) {
	a := NewUpdatePacket()
	b := NewUpdatePacket()
	p1 := netip.MustParsePrefix("10.0.0.0/8")
	p2 := netip.MustParsePrefix("10.1.0.0/16")
	a.NLRI = []netip.Prefix{p1, p2}
	b.NLRI = []netip.Prefix{p2, p1}
	a.Attrs.Add(&OriginAttribute{Value: OriginIGP})
	b.Attrs.Add(&OriginAttribute{Value: OriginIGP})
	if !a.Equals(b) {
		t.Error("prefix order should not affect equality")
	}
}
