package bgp

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ASSegment is one segment of an AS_PATH: either an ordered AS_SEQUENCE or
// an unordered AS_SET. ASNs are held as 4-octet values internally; the wire
// width is chosen at encode time from the session capabilities.
type ASSegment struct {
	Type uint8 // ASPathSegmentSet or ASPathSegmentSequence
	ASNs []uint32
}

// ASPath is the parsed AS_PATH attribute payload.
type ASPath struct {
	Segments []ASSegment
}

// PathLength returns the decision-process length: each AS in a sequence
// counts 1, a whole AS_SET counts 1.
func (p *ASPath) PathLength() int {
	n := 0
	for _, seg := range p.Segments {
		if seg.Type == ASPathSegmentSet {
			n++
		} else {
			n += len(seg.ASNs)
		}
	}
	return n
}

// Contains reports whether asn appears anywhere in the path.
func (p *ASPath) Contains(asn uint32) bool {
	for _, seg := range p.Segments {
		for _, a := range seg.ASNs {
			if a == asn {
				return true
			}
		}
	}
	return false
}

// FirstAS returns the neighbour AS: the leading AS of the first
// AS_SEQUENCE segment, or 0 for an empty path.
func (p *ASPath) FirstAS() uint32 {
	for _, seg := range p.Segments {
		if seg.Type == ASPathSegmentSequence && len(seg.ASNs) > 0 {
			return seg.ASNs[0]
		}
	}
	return 0
}

// PrependAS adds asn to the front of the path, extending the leading
// sequence segment if there is one.
func (p *ASPath) PrependAS(asn uint32) {
	if len(p.Segments) > 0 && p.Segments[0].Type == ASPathSegmentSequence {
		p.Segments[0].ASNs = append([]uint32{asn}, p.Segments[0].ASNs...)
		return
	}
	p.Segments = append([]ASSegment{{Type: ASPathSegmentSequence, ASNs: []uint32{asn}}}, p.Segments...)
}

// ContainsFourOctetAS reports whether any ASN needs more than 16 bits.
func (p *ASPath) ContainsFourOctetAS() bool {
	for _, seg := range p.Segments {
		for _, a := range seg.ASNs {
			if a > 0xFFFF {
				return true
			}
		}
	}
	return false
}

func (p *ASPath) clone() *ASPath {
	c := &ASPath{Segments: make([]ASSegment, len(p.Segments))}
	for i, seg := range p.Segments {
		c.Segments[i] = ASSegment{Type: seg.Type, ASNs: append([]uint32(nil), seg.ASNs...)}
	}
	return c
}

func (p *ASPath) String() string {
	var parts []string
	for _, seg := range p.Segments {
		var asns []string
		for _, a := range seg.ASNs {
			asns = append(asns, fmt.Sprintf("%d", a))
		}
		if seg.Type == ASPathSegmentSet {
			parts = append(parts, "{"+strings.Join(asns, ",")+"}")
		} else {
			parts = append(parts, strings.Join(asns, " "))
		}
	}
	return strings.Join(parts, " ")
}

// decodeASPath parses an AS_PATH payload with the given ASN wire width.
func decodeASPath(data []byte, asSize int) (*ASPath, error) {
	path := &ASPath{}
	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			return nil, corrupt(ErrUpdateMessage, SubMalformedASPath, nil,
				"as_path segment header truncated")
		}
		segType := data[offset]
		segLen := int(data[offset+1])
		offset += 2
		if segType != ASPathSegmentSet && segType != ASPathSegmentSequence {
			return nil, corrupt(ErrUpdateMessage, SubMalformedASPath, nil,
				"unknown as_path segment type %d", segType)
		}
		if segLen == 0 {
			return nil, corrupt(ErrUpdateMessage, SubMalformedASPath, nil,
				"empty as_path segment")
		}
		need := segLen * asSize
		if offset+need > len(data) {
			return nil, corrupt(ErrUpdateMessage, SubMalformedASPath, nil,
				"as_path segment data truncated (need %d, have %d)", need, len(data)-offset)
		}
		seg := ASSegment{Type: segType, ASNs: make([]uint32, segLen)}
		for i := 0; i < segLen; i++ {
			if asSize == 4 {
				seg.ASNs[i] = binary.BigEndian.Uint32(data[offset : offset+4])
				offset += 4
			} else {
				seg.ASNs[i] = uint32(binary.BigEndian.Uint16(data[offset : offset+2]))
				offset += 2
			}
		}
		path.Segments = append(path.Segments, seg)
	}
	return path, nil
}

// encodeASPath serializes the path at the given ASN wire width. ASNs that
// do not fit 2 octets are written as ASTrans; the caller must emit an
// AS4_PATH shadow attribute alongside.
func encodeASPath(p *ASPath, asSize int) []byte {
	var buf []byte
	for _, seg := range p.Segments {
		buf = append(buf, seg.Type, uint8(len(seg.ASNs)))
		for _, a := range seg.ASNs {
			if asSize == 4 {
				var b [4]byte
				binary.BigEndian.PutUint32(b[:], a)
				buf = append(buf, b[:]...)
			} else {
				if a > 0xFFFF {
					a = ASTrans
				}
				var b [2]byte
				binary.BigEndian.PutUint16(b[:], uint16(a))
				buf = append(buf, b[:]...)
			}
		}
	}
	return buf
}

// mergeAS4Path reconstructs a 4-octet path from a 2-octet AS_PATH plus an
// AS4_PATH shadow attribute, per RFC 6793: if the AS4_PATH is no longer
// than the AS_PATH, the trailing AS4_PATH segments replace the
// corresponding trailing AS_PATH entries.
func mergeAS4Path(asPath, as4Path *ASPath) *ASPath {
	if as4Path == nil {
		return asPath
	}
	pathLen := asPath.PathLength()
	as4Len := as4Path.PathLength()
	if as4Len > pathLen {
		// Broken shadow attribute; RFC says ignore it.
		return asPath
	}
	keep := pathLen - as4Len
	merged := &ASPath{}
	for _, seg := range asPath.Segments {
		if keep == 0 {
			break
		}
		if seg.Type == ASPathSegmentSet {
			merged.Segments = append(merged.Segments, seg)
			keep--
			continue
		}
		if len(seg.ASNs) <= keep {
			merged.Segments = append(merged.Segments, seg)
			keep -= len(seg.ASNs)
			continue
		}
		merged.Segments = append(merged.Segments, ASSegment{
			Type: ASPathSegmentSequence,
			ASNs: append([]uint32(nil), seg.ASNs[:keep]...),
		})
		keep = 0
	}
	merged.Segments = append(merged.Segments, as4Path.clone().Segments...)
	return merged
}
