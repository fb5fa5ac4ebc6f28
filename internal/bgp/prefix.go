package bgp

import "net/netip"

// appendPrefix writes one NLRI entry: prefix length byte followed by the
// minimum number of address bytes.
func appendPrefix(b []byte, p netip.Prefix) []byte {
	b = append(b, uint8(p.Bits()))
	byteLen := (p.Bits() + 7) / 8
	addr := p.Addr().AsSlice()
	return append(b, addr[:byteLen]...)
}

// prefixWireLen returns the encoded size of one NLRI entry.
func prefixWireLen(p netip.Prefix) int {
	return 1 + (p.Bits()+7)/8
}

// decodePrefixes parses a run of NLRI entries. bits is the address width of
// the family (32 or 128). tlv is the surrounding data for error reporting.
func decodePrefixes(data []byte, bits int, tlv []byte) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	offset := 0
	for offset < len(data) {
		prefixLen := int(data[offset])
		offset++
		if prefixLen > bits {
			return nil, corrupt(ErrUpdateMessage, SubInvalidNetworkField, tlv,
				"prefix length %d exceeds address width %d", prefixLen, bits)
		}
		byteLen := (prefixLen + 7) / 8
		if offset+byteLen > len(data) {
			return nil, corrupt(ErrUpdateMessage, SubInvalidNetworkField, tlv,
				"nlri truncated (need %d bytes, have %d)", byteLen, len(data)-offset)
		}
		addrBytes := make([]byte, bits/8)
		copy(addrBytes, data[offset:offset+byteLen])
		offset += byteLen
		addr, _ := netip.AddrFromSlice(addrBytes)
		p, err := addr.Prefix(prefixLen)
		if err != nil {
			return nil, corrupt(ErrUpdateMessage, SubInvalidNetworkField, tlv,
				"bad prefix %s/%d", addr, prefixLen)
		}
		prefixes = append(prefixes, p)
	}
	return prefixes, nil
}
