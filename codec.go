package mqttsession

import (
	"errors"
	"io"
)

var (
	ErrPacketTooLarge    = errors.New("mqttsession: packet exceeds maximum size")
	ErrUnknownPacketType = errors.New("mqttsession: unknown packet type")

	// ErrNeedMoreData is returned by Codec.Decode when the buffer holds only
	// part of a packet.
	ErrNeedMoreData = errors.New("mqttsession: need more data")
)

// Codec translates between packets and their wire representation.
type Codec interface {
	// Encode returns the complete wire form of the packet.
	Encode(packet Packet) ([]byte, error)

	// Decode decodes one packet from the start of buf and returns the number
	// of bytes it consumed. It returns ErrNeedMoreData when buf does not yet
	// hold a complete packet; the caller keeps the bytes and retries once
	// more data arrives.
	Decode(buf []byte) (Packet, int, error)
}

// packetCodec is the MQTT 3.1.1 Codec.
type packetCodec struct {
	maxSize uint32
}

// NewCodec creates an MQTT 3.1.1 codec.
// If maxSize is greater than 0, larger packets are rejected with ErrPacketTooLarge.
func NewCodec(maxSize uint32) Codec {
	return &packetCodec{maxSize: maxSize}
}

// Encode implements Codec.
func (c *packetCodec) Encode(packet Packet) ([]byte, error) {
	buf := getBytesBuffer()
	defer putBytesBuffer(buf)

	if _, err := WritePacket(buf, packet, c.maxSize); err != nil {
		return nil, err
	}

	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}

// Decode implements Codec.
func (c *packetCodec) Decode(buf []byte) (Packet, int, error) {
	if len(buf) < 2 {
		return nil, 0, ErrNeedMoreData
	}

	header := FixedHeader{
		PacketType: PacketType(buf[0] >> 4),
		Flags:      buf[0] & 0x0F,
	}
	if !header.PacketType.Valid() {
		return nil, 0, ErrInvalidPacketType
	}

	length, n, err := parseVarint(buf[1:])
	if err != nil {
		return nil, 0, err
	}
	headerLen := 1 + n
	header.RemainingLength = length

	if c.maxSize > 0 && length > c.maxSize {
		return nil, 0, ErrPacketTooLarge
	}

	total := headerLen + int(length)
	if len(buf) < total {
		return nil, 0, ErrNeedMoreData
	}

	if err := header.ValidateFlags(); err != nil {
		return nil, 0, err
	}

	packet, err := newPacket(header.PacketType)
	if err != nil {
		return nil, 0, err
	}

	reader := getBytesReader(buf[headerLen:total])
	defer putBytesReader(reader)

	n, err = packet.Decode(reader, header)
	if err != nil {
		return nil, 0, err
	}
	if n != int(length) {
		return nil, 0, ErrProtocolViolation
	}

	return packet, total, nil
}

// newPacket returns an empty packet of the given type.
func newPacket(t PacketType) (Packet, error) {
	switch t {
	case PacketCONNECT:
		return &ConnectPacket{}, nil
	case PacketCONNACK:
		return &ConnackPacket{}, nil
	case PacketPUBLISH:
		return &PublishPacket{}, nil
	case PacketPUBACK:
		return &PubackPacket{}, nil
	case PacketPUBREC:
		return &PubrecPacket{}, nil
	case PacketPUBREL:
		return &PubrelPacket{}, nil
	case PacketPUBCOMP:
		return &PubcompPacket{}, nil
	case PacketSUBSCRIBE:
		return &SubscribePacket{}, nil
	case PacketSUBACK:
		return &SubackPacket{}, nil
	case PacketUNSUBSCRIBE:
		return &UnsubscribePacket{}, nil
	case PacketUNSUBACK:
		return &UnsubackPacket{}, nil
	case PacketPINGREQ:
		return &PingreqPacket{}, nil
	case PacketPINGRESP:
		return &PingrespPacket{}, nil
	case PacketDISCONNECT:
		return &DisconnectPacket{}, nil
	default:
		return nil, ErrUnknownPacketType
	}
}

// ReadPacket reads a complete MQTT packet from the reader.
// If maxSize is greater than 0, packets larger than maxSize will return ErrPacketTooLarge.
func ReadPacket(r io.Reader, maxSize uint32) (Packet, int, error) {
	var header FixedHeader
	n, err := header.Decode(r)
	if err != nil {
		return nil, n, err
	}

	if maxSize > 0 && header.RemainingLength > maxSize {
		return nil, n, ErrPacketTooLarge
	}

	if err := header.ValidateFlags(); err != nil {
		return nil, n, err
	}

	remaining := make([]byte, header.RemainingLength)
	if header.RemainingLength > 0 {
		rn, err := io.ReadFull(r, remaining)
		n += rn
		if err != nil {
			return nil, n, err
		}
	}

	packet, err := newPacket(header.PacketType)
	if err != nil {
		return nil, n, err
	}

	reader := getBytesReader(remaining)
	defer putBytesReader(reader)

	if _, err = packet.Decode(reader, header); err != nil {
		return nil, n, err
	}

	return packet, n, nil
}

// WritePacket writes a complete MQTT packet to the writer.
// If maxSize is greater than 0, packets larger than maxSize will return ErrPacketTooLarge.
func WritePacket(w io.Writer, packet Packet, maxSize uint32) (int, error) {
	if err := packet.Validate(); err != nil {
		return 0, err
	}

	if maxSize > 0 {
		buf := getBytesBuffer()
		defer putBytesBuffer(buf)

		n, err := packet.Encode(buf)
		if err != nil {
			return 0, err
		}
		if uint32(n) > maxSize {
			return 0, ErrPacketTooLarge
		}
		return w.Write(buf.Bytes())
	}

	return packet.Encode(w)
}

// bytesReader wraps a byte slice for io.Reader interface.
type bytesReader struct {
	data []byte
	pos  int
}

func (r *bytesReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// bytesBuffer is a simple buffer for encoding.
type bytesBuffer struct {
	data []byte
}

func (b *bytesBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *bytesBuffer) Bytes() []byte {
	return b.data
}
