package mqttsession

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeDialer hands out in-memory connections whose far end is run by serve.
func pipeDialer(serve func(conn net.Conn)) Dialer {
	return DialerFunc(func(context.Context, string) (Conn, error) {
		client, server := net.Pipe()
		go func() {
			defer server.Close()
			serve(server)
		}()
		return client, nil
	})
}

func encodePackets(t *testing.T, packets ...Packet) []byte {
	t.Helper()
	codec := NewCodec(0)
	var out []byte
	for _, p := range packets {
		data, err := codec.Encode(p)
		require.NoError(t, err)
		out = append(out, data...)
	}
	return out
}

func readConnect(t *testing.T, conn net.Conn) *ConnectPacket {
	t.Helper()

	pkt, _, err := ReadPacket(conn, 0)
	if !assert.NoError(t, err) {
		return nil
	}
	connect, ok := pkt.(*ConnectPacket)
	assert.True(t, ok, "expected CONNECT packet, got %T", pkt)
	return connect
}

type packetCollector struct {
	mu      sync.Mutex
	packets []Packet
}

func (c *packetCollector) onPacket(_ *TransportSession, p Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packets = append(c.packets, p)
}

func (c *packetCollector) snapshot() []Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Packet(nil), c.packets...)
}

func openSession(t *testing.T, cfg TransportSessionConfig) (*TransportSession, *ConnackPacket, error) {
	t.Helper()
	s := NewTransportSession(cfg)
	t.Cleanup(s.Abort)
	connack, err := s.Open(context.Background(), "pipe", time.Second, &ConnectPacket{ClientID: "c1", CleanSession: true})
	return s, connack, err
}

func TestTransportSessionHandshake(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		var got *ConnectPacket
		s, connack, err := openSession(t, TransportSessionConfig{
			Dialer: pipeDialer(func(conn net.Conn) {
				got = readConnect(t, conn)
				_, _ = WritePacket(conn, &ConnackPacket{SessionPresent: true}, 0)
				_, _ = io.Copy(io.Discard, conn)
			}),
		})

		require.NoError(t, err)
		assert.True(t, connack.SessionPresent)
		assert.True(t, s.Writable())
		require.NotNil(t, got)
		assert.Equal(t, "c1", got.ClientID)
	})

	t.Run("refused", func(t *testing.T) {
		s, connack, err := openSession(t, TransportSessionConfig{
			Dialer: pipeDialer(func(conn net.Conn) {
				readConnect(t, conn)
				_, _ = WritePacket(conn, &ConnackPacket{ReturnCode: ReturnNotAuthorized}, 0)
				_, _ = io.Copy(io.Discard, conn)
			}),
		})

		assert.Nil(t, connack)
		assert.ErrorIs(t, err, ErrAuthFailed)

		var ce *ConnectError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, ReturnNotAuthorized, ce.ReturnCode)

		select {
		case <-s.Done():
		default:
			t.Fatal("refused session not closed")
		}
	})

	t.Run("timeout", func(t *testing.T) {
		s := NewTransportSession(TransportSessionConfig{
			Dialer: pipeDialer(func(conn net.Conn) {
				readConnect(t, conn)
				_, _ = io.Copy(io.Discard, conn)
			}),
		})

		start := time.Now()
		_, err := s.Open(context.Background(), "pipe", 50*time.Millisecond, &ConnectPacket{ClientID: "c1", CleanSession: true})

		assert.ErrorIs(t, err, ErrHandshakeTimeout)
		assert.Less(t, time.Since(start), time.Second)
		assert.False(t, s.Writable())
	})

	t.Run("timeout covers dial", func(t *testing.T) {
		s := NewTransportSession(TransportSessionConfig{
			Dialer: DialerFunc(func(ctx context.Context, _ string) (Conn, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}),
		})

		_, err := s.Open(context.Background(), "pipe", 50*time.Millisecond, &ConnectPacket{ClientID: "c1", CleanSession: true})
		assert.ErrorIs(t, err, ErrHandshakeTimeout)
	})

	t.Run("dial failure", func(t *testing.T) {
		dialErr := errors.New("no route to host")
		s := NewTransportSession(TransportSessionConfig{
			Dialer: DialerFunc(func(context.Context, string) (Conn, error) {
				return nil, dialErr
			}),
		})

		_, err := s.Open(context.Background(), "tcp://broker:1883", time.Second, &ConnectPacket{ClientID: "c1", CleanSession: true})
		assert.ErrorIs(t, err, ErrTransport)
		assert.ErrorIs(t, err, dialErr)

		var te *TransportError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "dial", te.Op)
		assert.Equal(t, "tcp://broker:1883", te.Addr)
	})

	t.Run("first packet not connack", func(t *testing.T) {
		_, _, err := openSession(t, TransportSessionConfig{
			Dialer: pipeDialer(func(conn net.Conn) {
				readConnect(t, conn)
				_, _ = WritePacket(conn, &PingrespPacket{}, 0)
				_, _ = io.Copy(io.Discard, conn)
			}),
		})

		assert.ErrorIs(t, err, ErrProtocolError)
	})

	t.Run("connection closed before connack", func(t *testing.T) {
		_, _, err := openSession(t, TransportSessionConfig{
			Dialer: pipeDialer(func(conn net.Conn) {
				readConnect(t, conn)
			}),
		})

		assert.ErrorIs(t, err, ErrTransport)
	})

	t.Run("aborted before open", func(t *testing.T) {
		s := NewTransportSession(TransportSessionConfig{})
		s.Abort()

		_, err := s.Open(context.Background(), "pipe", time.Second, &ConnectPacket{ClientID: "c1", CleanSession: true})
		assert.ErrorIs(t, err, ErrNotWritable)
		s.Wait()
	})
}

func TestTransportSessionFraming(t *testing.T) {
	collector := &packetCollector{}
	tail := encodePackets(t, &PublishPacket{Topic: "c", Payload: []byte("3")})

	s, _, err := openSession(t, TransportSessionConfig{
		OnPacket: collector.onPacket,
		Dialer: pipeDialer(func(conn net.Conn) {
			readConnect(t, conn)

			// CONNACK and two publishes in one write
			_, _ = conn.Write(encodePackets(t,
				&ConnackPacket{},
				&PublishPacket{Topic: "a", Payload: []byte("1")},
				&PublishPacket{Topic: "b", Payload: []byte("2")},
			))

			// one publish split across writes
			_, _ = conn.Write(tail[:3])
			time.Sleep(10 * time.Millisecond)
			_, _ = conn.Write(tail[3:])

			_, _ = io.Copy(io.Discard, conn)
		}),
	})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, collector.snapshot(), "packets delivered before Resume")

	s.Resume()

	require.Eventually(t, func() bool {
		return len(collector.snapshot()) == 3
	}, time.Second, 5*time.Millisecond)

	var topics []string
	for _, p := range collector.snapshot() {
		topics = append(topics, p.(*PublishPacket).Topic)
	}
	assert.Equal(t, []string{"a", "b", "c"}, topics)
}

func TestTransportSessionSecondConnack(t *testing.T) {
	closed := make(chan error, 1)

	s, _, err := openSession(t, TransportSessionConfig{
		OnClose: func(_ *TransportSession, err error) { closed <- err },
		Dialer: pipeDialer(func(conn net.Conn) {
			readConnect(t, conn)
			_, _ = WritePacket(conn, &ConnackPacket{}, 0)
			_, _ = WritePacket(conn, &ConnackPacket{}, 0)
			_, _ = io.Copy(io.Discard, conn)
		}),
	})
	require.NoError(t, err)
	s.Resume()

	select {
	case err := <-closed:
		assert.ErrorIs(t, err, ErrProtocolError)
	case <-time.After(time.Second):
		t.Fatal("session not closed on second CONNACK")
	}
}

func TestTransportSessionSend(t *testing.T) {
	received := make(chan Packet, 4)

	s, _, err := openSession(t, TransportSessionConfig{
		Dialer: pipeDialer(func(conn net.Conn) {
			readConnect(t, conn)
			_, _ = WritePacket(conn, &ConnackPacket{}, 0)
			for {
				pkt, _, err := ReadPacket(conn, 0)
				if err != nil {
					return
				}
				received <- pkt
			}
		}),
	})
	require.NoError(t, err)

	require.NoError(t, s.Send(&PublishPacket{Topic: "a/b", QoS: QoS1, PacketID: 3}))
	require.NoError(t, s.Send(&PingreqPacket{}))

	first := <-received
	second := <-received
	assert.Equal(t, PacketPUBLISH, first.Type())
	assert.Equal(t, PacketPINGREQ, second.Type())

	t.Run("invalid packet", func(t *testing.T) {
		err := s.Send(&PublishPacket{Topic: "a/b", QoS: QoS1})
		assert.ErrorIs(t, err, ErrPacketIDRequired)
		assert.True(t, s.Writable())
	})

	t.Run("after abort", func(t *testing.T) {
		s.Abort()
		assert.False(t, s.Writable())
		assert.ErrorIs(t, s.Send(&PingreqPacket{}), ErrNotWritable)
	})
}

func TestTransportSessionClose(t *testing.T) {
	t.Run("remote close notifies once", func(t *testing.T) {
		var calls atomic.Int32
		closed := make(chan error, 2)
		release := make(chan struct{})

		s, _, err := openSession(t, TransportSessionConfig{
			OnClose: func(_ *TransportSession, err error) {
				calls.Add(1)
				closed <- err
			},
			Dialer: pipeDialer(func(conn net.Conn) {
				readConnect(t, conn)
				_, _ = WritePacket(conn, &ConnackPacket{}, 0)
				<-release
			}),
		})
		require.NoError(t, err)
		s.Resume()
		close(release)

		select {
		case err := <-closed:
			assert.ErrorIs(t, err, ErrTransport)
		case <-time.After(time.Second):
			t.Fatal("OnClose not called")
		}

		s.Abort()
		s.Wait()
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("abort does not notify", func(t *testing.T) {
		var calls atomic.Int32

		s, _, err := openSession(t, TransportSessionConfig{
			OnClose: func(*TransportSession, error) { calls.Add(1) },
			Dialer: pipeDialer(func(conn net.Conn) {
				readConnect(t, conn)
				_, _ = WritePacket(conn, &ConnackPacket{}, 0)
				_, _ = io.Copy(io.Discard, conn)
			}),
		})
		require.NoError(t, err)

		s.Abort()
		s.Abort()
		s.Wait()

		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, int32(0), calls.Load())
	})

	t.Run("shutdown writes final packet", func(t *testing.T) {
		var calls atomic.Int32
		final := make(chan Packet, 1)

		s, _, err := openSession(t, TransportSessionConfig{
			OnClose: func(*TransportSession, error) { calls.Add(1) },
			Dialer: pipeDialer(func(conn net.Conn) {
				readConnect(t, conn)
				_, _ = WritePacket(conn, &ConnackPacket{}, 0)
				pkt, _, err := ReadPacket(conn, 0)
				if err == nil {
					final <- pkt
				}
				_, _ = io.Copy(io.Discard, conn)
			}),
		})
		require.NoError(t, err)
		s.Resume()

		s.Shutdown(&DisconnectPacket{})
		assert.False(t, s.Writable())

		select {
		case pkt := <-final:
			assert.Equal(t, PacketDISCONNECT, pkt.Type())
		case <-time.After(time.Second):
			t.Fatal("DISCONNECT not written")
		}

		select {
		case <-s.Done():
		case <-time.After(time.Second):
			t.Fatal("session not closed after DISCONNECT")
		}
		assert.Equal(t, int32(0), calls.Load())
	})
}
