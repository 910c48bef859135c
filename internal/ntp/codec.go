package ntp

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

type DecodeErrorKind int

const (
	Truncated DecodeErrorKind = iota + 1
	VersionMismatch
	Malformed
)

func (k DecodeErrorKind) String() string {
	switch k {
	case Truncated:
		return "truncated"
	case VersionMismatch:
		return "version mismatch"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// DecodeError is returned by Decode. Matching with errors.Is against
// ErrTruncated, ErrVersionMismatch or ErrMalformed compares the kind only.
type DecodeError struct {
	Kind   DecodeErrorKind
	Detail string
}

var (
	ErrTruncated       = &DecodeError{Kind: Truncated}
	ErrVersionMismatch = &DecodeError{Kind: VersionMismatch}
	ErrMalformed       = &DecodeError{Kind: Malformed}
)

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return "ntp: " + e.Kind.String() + " packet"
	}
	return "ntp: " + e.Kind.String() + " packet: " + e.Detail
}

func (e *DecodeError) Is(target error) bool {
	t, ok := target.(*DecodeError)
	return ok && t.Kind == e.Kind && (t.Detail == "" || t.Detail == e.Detail)
}

// Fields as they are laid out on the wire
type wireHeader struct {
	LiVnMode  byte
	Stratum   byte
	Poll      int8
	Precision int8
	Rootdelay uint32
	Rootdisp  uint32
	Refid     uint32
	Reftime   uint64
	Org       uint64
	Rec       uint64
	Xmt       uint64
}

func Encode(packet Packet) []byte {
	header := wireHeader{
		LiVnMode:  (packet.Leap&0b11)<<6 | (packet.Version&0b111)<<3 | byte(packet.Mode)&0b111,
		Stratum:   packet.Stratum,
		Poll:      packet.Poll,
		Precision: packet.Precision,
		Rootdelay: uint32(packet.Rootdelay),
		Rootdisp:  uint32(packet.Rootdisp),
		Refid:     packet.Refid,
		Reftime:   uint64(packet.Reftime),
		Org:       uint64(packet.Org),
		Rec:       uint64(packet.Rec),
		Xmt:       uint64(packet.Xmt),
	}

	var buffer bytes.Buffer
	buffer.Grow(PacketSize)
	binary.Write(&buffer, binary.BigEndian, &header)
	return buffer.Bytes()
}

// Decode parses the fixed header. Trailing extension fields or a MAC are
// ignored; anything shorter than the header is rejected.
func Decode(encoded []byte) (Packet, error) {
	if len(encoded) < PacketSize {
		return Packet{}, &DecodeError{Kind: Truncated, Detail: fmt.Sprintf("%d of %d bytes", len(encoded), PacketSize)}
	}

	var header wireHeader
	if err := binary.Read(bytes.NewReader(encoded[:PacketSize]), binary.BigEndian, &header); err != nil {
		return Packet{}, &DecodeError{Kind: Truncated, Detail: err.Error()}
	}

	packet := Packet{
		Leap:      header.LiVnMode >> 6,
		Version:   (header.LiVnMode >> 3) & 0b111,
		Mode:      Mode(header.LiVnMode & 0b111),
		Stratum:   header.Stratum,
		Poll:      header.Poll,
		Precision: header.Precision,
		Rootdelay: Short(header.Rootdelay),
		Rootdisp:  Short(header.Rootdisp),
		Refid:     header.Refid,
		Reftime:   Timestamp(header.Reftime),
		Org:       Timestamp(header.Org),
		Rec:       Timestamp(header.Rec),
		Xmt:       Timestamp(header.Xmt),
	}

	if packet.Version < MINVERSION || packet.Version > VERSION {
		return Packet{}, &DecodeError{Kind: VersionMismatch, Detail: fmt.Sprintf("version %d", packet.Version)}
	}
	if err := validate(packet); err != nil {
		return Packet{}, err
	}
	return packet, nil
}

func validate(packet Packet) error {
	switch {
	case packet.Mode == RESERVED:
		return &DecodeError{Kind: Malformed, Detail: "reserved mode"}
	case packet.Stratum > MAXSTRAT:
		return &DecodeError{Kind: Malformed, Detail: fmt.Sprintf("stratum %d", packet.Stratum)}
	case packet.Poll < MINPOLL || packet.Poll > MAXPOLL:
		return &DecodeError{Kind: Malformed, Detail: fmt.Sprintf("poll %d", packet.Poll)}
	case packet.Precision < MINPRECISION || packet.Precision > MAXPRECISION:
		return &DecodeError{Kind: Malformed, Detail: fmt.Sprintf("precision %d", packet.Precision)}
	}
	return nil
}
