package mqttsession

import (
	"io"
)

// encodeAck encodes a packet whose variable header is only a packet
// identifier (PUBACK, PUBREC, PUBREL, PUBCOMP, UNSUBACK).
func encodeAck(w io.Writer, packetType PacketType, flags byte, packetID uint16) (int, error) {
	if packetID == 0 {
		return 0, ErrPacketIDRequired
	}

	header := FixedHeader{
		PacketType:      packetType,
		Flags:           flags,
		RemainingLength: 2,
	}

	total, err := header.Encode(w)
	if err != nil {
		return total, err
	}

	n, err := encodeUint16(w, packetID)
	return total + n, err
}

// decodeAck decodes the packet identifier of an acknowledgment packet.
func decodeAck(r io.Reader, header FixedHeader, packetType PacketType, flags byte) (uint16, int, error) {
	if header.PacketType != packetType {
		return 0, 0, ErrInvalidPacketType
	}
	if header.Flags != flags {
		return 0, 0, ErrInvalidPacketFlags
	}
	if header.RemainingLength != 2 {
		return 0, 0, ErrProtocolViolation
	}

	id, n, err := decodeUint16(r)
	if err != nil {
		return 0, n, err
	}
	if id == 0 {
		return 0, n, ErrPacketIDRequired
	}
	return id, n, nil
}
