package mqttsession

import (
	"errors"
	"io"
)

// PacketType represents an MQTT control packet type.
type PacketType byte

// MQTT 3.1.1 control packet types.
const (
	PacketCONNECT     PacketType = 1
	PacketCONNACK     PacketType = 2
	PacketPUBLISH     PacketType = 3
	PacketPUBACK      PacketType = 4
	PacketPUBREC      PacketType = 5
	PacketPUBREL      PacketType = 6
	PacketPUBCOMP     PacketType = 7
	PacketSUBSCRIBE   PacketType = 8
	PacketSUBACK      PacketType = 9
	PacketUNSUBSCRIBE PacketType = 10
	PacketUNSUBACK    PacketType = 11
	PacketPINGREQ     PacketType = 12
	PacketPINGRESP    PacketType = 13
	PacketDISCONNECT  PacketType = 14
)

// packetKinds holds the name of each packet type and the only flags its fixed
// header may carry. PUBLISH is the exception: its flags carry DUP, QoS and
// RETAIN.
var packetKinds = [...]struct {
	name  string
	flags byte
}{
	PacketCONNECT:     {"CONNECT", 0x00},
	PacketCONNACK:     {"CONNACK", 0x00},
	PacketPUBLISH:     {"PUBLISH", 0x00},
	PacketPUBACK:      {"PUBACK", 0x00},
	PacketPUBREC:      {"PUBREC", 0x00},
	PacketPUBREL:      {"PUBREL", 0x02},
	PacketPUBCOMP:     {"PUBCOMP", 0x00},
	PacketSUBSCRIBE:   {"SUBSCRIBE", 0x02},
	PacketSUBACK:      {"SUBACK", 0x00},
	PacketUNSUBSCRIBE: {"UNSUBSCRIBE", 0x02},
	PacketUNSUBACK:    {"UNSUBACK", 0x00},
	PacketPINGREQ:     {"PINGREQ", 0x00},
	PacketPINGRESP:    {"PINGRESP", 0x00},
	PacketDISCONNECT:  {"DISCONNECT", 0x00},
}

// String returns the packet type name, or UNKNOWN.
func (p PacketType) String() string {
	if !p.Valid() {
		return "UNKNOWN"
	}
	return packetKinds[p].name
}

// Valid reports whether p is one of the fourteen MQTT 3.1.1 packet types.
func (p PacketType) Valid() bool {
	return p >= PacketCONNECT && p <= PacketDISCONNECT
}

// Fixed header errors.
var (
	ErrInvalidPacketType       = errors.New("invalid packet type")
	ErrInvalidPacketFlags      = errors.New("invalid packet flags")
	ErrRemainingLengthTooLarge = errors.New("remaining length too large")
)

// PUBLISH fixed header flag bits.
const (
	publishFlagDUP    = 0x08
	publishFlagRetain = 0x01
	publishQoSShift   = 1
	publishQoSMask    = 0x03
)

func packPublishFlags(dup bool, qos byte, retain bool) byte {
	flags := (qos & publishQoSMask) << publishQoSShift
	if dup {
		flags |= publishFlagDUP
	}
	if retain {
		flags |= publishFlagRetain
	}
	return flags
}

func unpackPublishFlags(flags byte) (dup bool, qos byte, retain bool) {
	return flags&publishFlagDUP != 0, (flags >> publishQoSShift) & publishQoSMask, flags&publishFlagRetain != 0
}

// FixedHeader is the first two to five bytes of every control packet.
type FixedHeader struct {
	PacketType      PacketType
	Flags           byte
	RemainingLength uint32
}

// appendTo appends the encoded header to dst.
func (h *FixedHeader) appendTo(dst []byte) ([]byte, error) {
	if !h.PacketType.Valid() {
		return dst, ErrInvalidPacketType
	}
	dst = append(dst, byte(h.PacketType)<<4|h.Flags&0x0F)
	return appendVarint(dst, h.RemainingLength)
}

// Encode writes the header in a single Write and returns the bytes written.
func (h *FixedHeader) Encode(w io.Writer) (int, error) {
	var scratch [5]byte
	buf, err := h.appendTo(scratch[:0])
	if err != nil {
		return 0, err
	}
	return w.Write(buf)
}

// Decode reads the header and returns the bytes read.
func (h *FixedHeader) Decode(r io.Reader) (int, error) {
	var first [1]byte
	if n, err := io.ReadFull(r, first[:]); err != nil {
		return n, err
	}

	h.PacketType = PacketType(first[0] >> 4)
	h.Flags = first[0] & 0x0F
	if !h.PacketType.Valid() {
		return 1, ErrInvalidPacketType
	}

	length, n, err := decodeVarint(r)
	if err != nil {
		return 1 + n, err
	}
	h.RemainingLength = length
	return 1 + n, nil
}

// Size returns the encoded size of the header.
func (h *FixedHeader) Size() int {
	return 1 + varintSize(h.RemainingLength)
}

// ValidateFlags checks the flags against the packet type. PUBLISH may not
// carry QoS 3; every other type must carry its fixed value.
func (h *FixedHeader) ValidateFlags() error {
	if !h.PacketType.Valid() {
		return ErrInvalidPacketType
	}
	if h.PacketType == PacketPUBLISH {
		if h.QoS() > QoS2 {
			return ErrInvalidPacketFlags
		}
		return nil
	}
	if h.Flags != packetKinds[h.PacketType].flags {
		return ErrInvalidPacketFlags
	}
	return nil
}

// DUP returns the PUBLISH DUP flag.
func (h *FixedHeader) DUP() bool {
	dup, _, _ := unpackPublishFlags(h.Flags)
	return dup
}

// QoS returns the PUBLISH QoS bits.
func (h *FixedHeader) QoS() byte {
	_, qos, _ := unpackPublishFlags(h.Flags)
	return qos
}

// Retain returns the PUBLISH RETAIN flag.
func (h *FixedHeader) Retain() bool {
	_, _, retain := unpackPublishFlags(h.Flags)
	return retain
}
