package ntp

type Mode byte

const (
	RESERVED Mode = iota
	SYMMETRIC_ACTIVE
	SYMMETRIC_PASSIVE
	CLIENT
	SERVER
	BROADCAST_SERVER
	BROADCAST_CLIENT
	RESERVED_PRIVATE_USE
)

func (m Mode) String() string {
	switch m {
	case SYMMETRIC_ACTIVE:
		return "symmetric-active"
	case SYMMETRIC_PASSIVE:
		return "symmetric-passive"
	case CLIENT:
		return "client"
	case SERVER:
		return "server"
	case BROADCAST_SERVER:
		return "broadcast"
	case BROADCAST_CLIENT:
		return "control"
	case RESERVED_PRIVATE_USE:
		return "private"
	default:
		return "reserved"
	}
}

const (
	Port               = "123" // NTP port number
	VERSION       byte = 4     // NTP version number
	MINVERSION    byte = 1     // oldest version still decoded
	PacketSize         = 48    // header without extension fields or MAC
	MAXSTRAT      byte = 16    // maximum stratum number
	NOSYNC        byte = 0x3   // leap unsync
	MINPOLL       int8 = -8    // smallest poll exponent accepted on the wire
	MAXPOLL       int8 = 17    // maximum poll exponent (36 h)
	MINPRECISION  int8 = -32
	MAXPRECISION  int8 = 0
	KissRate           = "RATE"
	KissDeny           = "DENY"
	KissRestrict       = "RSTR"
)

// Packet is the fixed NTP header. Field for field it is what goes on the wire.
type Packet struct {
	Leap      byte      /* leap indicator */
	Version   byte      /* version number */
	Mode      Mode      /* mode */
	Stratum   byte      /* stratum */
	Poll      int8      /* poll interval */
	Precision int8      /* precision */
	Rootdelay Short     /* root delay */
	Rootdisp  Short     /* root dispersion */
	Refid     uint32    /* reference ID */
	Reftime   Timestamp /* reference time */
	Org       Timestamp /* origin timestamp */
	Rec       Timestamp /* receive timestamp */
	Xmt       Timestamp /* transmit timestamp */
}

// IsKiss reports whether the packet is a kiss-of-death and returns its code.
func (p Packet) IsKiss() (string, bool) {
	if p.Stratum != 0 {
		return "", false
	}
	return RefIDString(p.Refid), true
}

// RefIDString renders a reference ID as the four ASCII characters used by
// stratum 1 servers and kiss codes.
func RefIDString(refid uint32) string {
	b := []byte{byte(refid >> 24), byte(refid >> 16), byte(refid >> 8), byte(refid)}
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return string(b[:end])
}
