package mqttsession

import (
	"errors"
	"io"
)

// ErrInvalidReturnCode is returned for CONNACK return codes outside 0-5.
var ErrInvalidReturnCode = errors.New("invalid return code")

// ConnackPacket represents an MQTT CONNACK packet.
type ConnackPacket struct {
	// SessionPresent indicates the broker resumed a stored session.
	SessionPresent bool

	// ReturnCode is the result of the connection attempt.
	ReturnCode ReturnCode
}

// Type returns the packet type.
func (p *ConnackPacket) Type() PacketType {
	return PacketCONNACK
}

// Encode writes the packet to the writer.
func (p *ConnackPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var ackFlags byte
	if p.SessionPresent {
		ackFlags = 0x01
	}

	header := FixedHeader{
		PacketType:      PacketCONNACK,
		RemainingLength: 2,
	}

	total, err := header.Encode(w)
	if err != nil {
		return total, err
	}

	n, err := w.Write([]byte{ackFlags, byte(p.ReturnCode)})
	return total + n, err
}

// Decode reads the packet from the reader.
func (p *ConnackPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketCONNACK {
		return 0, ErrInvalidPacketType
	}
	if header.RemainingLength != 2 {
		return 0, ErrProtocolViolation
	}

	var buf [2]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		return n, err
	}

	// Bits 7-1 of the acknowledge flags are reserved
	if buf[0]&0xFE != 0 {
		return n, ErrProtocolViolation
	}

	p.SessionPresent = buf[0]&0x01 != 0
	p.ReturnCode = ReturnCode(buf[1])

	return n, p.Validate()
}

// Validate validates the packet contents.
func (p *ConnackPacket) Validate() error {
	if !p.ReturnCode.Valid() {
		return ErrInvalidReturnCode
	}
	// A refused connection never carries a session
	if p.ReturnCode != ReturnAccepted && p.SessionPresent {
		return ErrProtocolViolation
	}
	return nil
}
