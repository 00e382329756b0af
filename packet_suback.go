package mqttsession

import (
	"bytes"
	"errors"
	"io"
)

// ErrInvalidSubackCode is returned for SUBACK return codes other than 0, 1, 2 or 0x80.
var ErrInvalidSubackCode = errors.New("invalid SUBACK return code")

// SubackPacket represents an MQTT SUBACK packet.
type SubackPacket struct {
	PacketID    uint16
	ReturnCodes []byte
}

// Type returns the packet type.
func (p *SubackPacket) Type() PacketType { return PacketSUBACK }

// GetPacketID returns the packet identifier.
func (p *SubackPacket) GetPacketID() uint16 { return p.PacketID }

// SetPacketID sets the packet identifier.
func (p *SubackPacket) SetPacketID(id uint16) { p.PacketID = id }

// Encode writes the packet to the writer.
func (p *SubackPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	if _, err := encodeUint16(&buf, p.PacketID); err != nil {
		return 0, err
	}
	buf.Write(p.ReturnCodes)

	header := FixedHeader{
		PacketType:      PacketSUBACK,
		RemainingLength: uint32(buf.Len()),
	}

	total, err := header.Encode(w)
	if err != nil {
		return total, err
	}

	n, err := w.Write(buf.Bytes())
	return total + n, err
}

// Decode reads the packet from the reader.
func (p *SubackPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketSUBACK {
		return 0, ErrInvalidPacketType
	}
	if header.Flags != 0x00 {
		return 0, ErrInvalidPacketFlags
	}
	if header.RemainingLength < 3 {
		return 0, ErrProtocolViolation
	}

	var totalRead int
	var n int
	var err error

	p.PacketID, n, err = decodeUint16(r)
	totalRead += n
	if err != nil {
		return totalRead, err
	}

	p.ReturnCodes = make([]byte, int(header.RemainingLength)-totalRead)
	n, err = io.ReadFull(r, p.ReturnCodes)
	totalRead += n
	if err != nil {
		return totalRead, err
	}

	return totalRead, p.Validate()
}

// Validate validates the packet contents.
func (p *SubackPacket) Validate() error {
	if p.PacketID == 0 {
		return ErrPacketIDRequired
	}
	if len(p.ReturnCodes) == 0 {
		return ErrNoSubscriptions
	}
	for _, code := range p.ReturnCodes {
		if !validSubackCode(code) {
			return ErrInvalidSubackCode
		}
	}
	return nil
}
