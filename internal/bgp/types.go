package bgp

// BGP path attribute type codes.
const (
	AttrTypeOrigin          uint8 = 1
	AttrTypeASPath          uint8 = 2
	AttrTypeNextHop         uint8 = 3
	AttrTypeMED             uint8 = 4
	AttrTypeLocalPref       uint8 = 5
	AttrTypeAtomicAggregate uint8 = 6
	AttrTypeAggregator      uint8 = 7
	AttrTypeCommunity       uint8 = 8
	AttrTypeOriginatorID    uint8 = 9
	AttrTypeClusterList     uint8 = 10
	AttrTypeMPReachNLRI     uint8 = 14
	AttrTypeMPUnreachNLRI   uint8 = 15
	AttrTypeAS4Path         uint8 = 17
	AttrTypeAS4Aggregator   uint8 = 18
)

// Attribute flag bits.
const (
	FlagOptional   uint8 = 0x80
	FlagTransitive uint8 = 0x40
	FlagPartial    uint8 = 0x20
	FlagExtLength  uint8 = 0x10
)

// AFI codes.
const (
	AFIIPv4 uint16 = 1
	AFIIPv6 uint16 = 2
)

// SAFI codes.
const (
	SAFIUnicast   uint8 = 1
	SAFIMulticast uint8 = 2
)

// AS_PATH segment types.
const (
	ASPathSegmentSet      uint8 = 1
	ASPathSegmentSequence uint8 = 2
)

// ORIGIN values, ordered for the decision process: IGP < EGP < INCOMPLETE.
const (
	OriginIGP        uint8 = 0
	OriginEGP        uint8 = 1
	OriginIncomplete uint8 = 2
)

// OriginValues maps ORIGIN codes to their display names.
var OriginValues = map[uint8]string{
	OriginIGP:        "IGP",
	OriginEGP:        "EGP",
	OriginIncomplete: "INCOMPLETE",
}

// Capability codes carried in OPEN optional parameters.
const (
	CapMultiprotocol   uint8 = 1
	CapRouteRefresh    uint8 = 2
	CapGracefulRestart uint8 = 64
	CapFourOctetAS     uint8 = 65
)

// ASTrans is the 2-octet placeholder AS used on the wire when a 4-octet
// AS number must be sent to a peer without the 4-octet capability.
const ASTrans uint32 = 23456
