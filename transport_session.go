package mqttsession

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	sendQueueSize     = 64
	readChunkSize     = 4096
	defaultCloseGrace = 5 * time.Second
)

// errSessionAborted completes a handshake interrupted by Abort or Shutdown.
var errSessionAborted = errors.New("transport session aborted")

// TransportSessionConfig configures a TransportSession.
type TransportSessionConfig struct {
	Dialer       Dialer
	Codec        Codec
	WriteTimeout time.Duration
	Logger       Logger

	// OnPacket receives every packet after the CONNACK, in arrival order,
	// from the read goroutine.
	OnPacket func(s *TransportSession, packet Packet)

	// OnClose is called at most once, when a session whose handshake
	// completed closes for any reason other than Abort or Shutdown.
	OnClose func(s *TransportSession, err error)
}

type writeReq struct {
	data       []byte
	closeAfter bool
}

type handshakeResult struct {
	connack *ConnackPacket
	err     error
}

// TransportSession is one connection attempt: a dialed Conn, its CONNECT and
// CONNACK exchange, and the framed traffic that follows.
type TransportSession struct {
	dialer       Dialer
	codec        Codec
	writeTimeout time.Duration
	logger       Logger
	onPacket     func(*TransportSession, Packet)
	onClose      func(*TransportSession, error)

	mu          sync.Mutex
	conn        Conn
	dialCancel  context.CancelFunc
	established bool
	closing     bool
	closed      bool
	closeErr    error

	sendq      chan writeReq
	done       chan struct{}
	resumed    chan struct{}
	resumeOnce sync.Once
	opened     chan struct{}
	openOnce   sync.Once
	handshake  chan handshakeResult
	deadline   cancellableTimer
}

// NewTransportSession creates an unopened session.
func NewTransportSession(cfg TransportSessionConfig) *TransportSession {
	if cfg.Dialer == nil {
		cfg.Dialer = &URLDialer{}
	}
	if cfg.Codec == nil {
		cfg.Codec = NewCodec(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = NewNoOpLogger()
	}

	return &TransportSession{
		dialer:       cfg.Dialer,
		codec:        cfg.Codec,
		writeTimeout: cfg.WriteTimeout,
		logger:       cfg.Logger,
		onPacket:     cfg.OnPacket,
		onClose:      cfg.OnClose,
		sendq:        make(chan writeReq, sendQueueSize),
		done:         make(chan struct{}),
		resumed:      make(chan struct{}),
		opened:       make(chan struct{}),
		handshake:    make(chan handshakeResult, 1),
	}
}

// Open dials address, sends connect and waits for the CONNACK. The whole
// exchange, dial included, must finish within deadline; zero waits forever.
// On error the session is aborted and must not be reused.
func (s *TransportSession) Open(ctx context.Context, address string, deadline time.Duration, connect *ConnectPacket) (*ConnackPacket, error) {
	defer s.openOnce.Do(func() { close(s.opened) })

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.closed || s.closing {
		s.mu.Unlock()
		return nil, ErrNotWritable
	}
	s.dialCancel = cancel
	s.mu.Unlock()

	if deadline > 0 {
		s.deadline.Arm(deadline, func() {
			s.finishHandshake(handshakeResult{err: NewHandshakeTimeoutError(deadline)})
			cancel()
		})
	}
	defer s.deadline.Cancel()

	conn, err := s.dialer.Dial(dialCtx, address)
	if err != nil {
		s.finishHandshake(handshakeResult{err: NewTransportError("dial", address, err)})
		res := <-s.handshake
		s.Abort()
		return nil, res.err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return nil, s.handshakeError()
	}
	s.conn = conn
	s.mu.Unlock()

	s.logger.Debug("transport dialed", LogFields{
		LogFieldRemoteAddr: conn.RemoteAddr().String(),
	})

	go s.writeLoop(conn)
	go s.readLoop(conn)

	if err := s.Send(connect); err != nil {
		s.finishHandshake(handshakeResult{err: NewTransportError("write", address, err)})
	}

	res := <-s.handshake
	if res.err != nil {
		s.Abort()
		return nil, res.err
	}
	if res.connack.ReturnCode != ReturnAccepted {
		s.Abort()
		return nil, NewConnectError(res.connack.ReturnCode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, s.closeErr
	}
	s.established = true
	return res.connack, nil
}

// handshakeError returns the result already recorded for the handshake.
func (s *TransportSession) handshakeError() error {
	select {
	case res := <-s.handshake:
		if res.err != nil {
			return res.err
		}
	default:
	}
	return errSessionAborted
}

// Resume releases packets received after the CONNACK to OnPacket.
func (s *TransportSession) Resume() {
	s.resumeOnce.Do(func() { close(s.resumed) })
}

// Send encodes packet and queues it behind everything sent before it.
func (s *TransportSession) Send(packet Packet) error {
	data, err := s.codec.Encode(packet)
	if err != nil {
		return err
	}
	return s.enqueue(writeReq{data: data})
}

func (s *TransportSession) enqueue(req writeReq) error {
	s.mu.Lock()
	if s.closed || s.closing {
		s.mu.Unlock()
		return ErrNotWritable
	}
	if req.closeAfter {
		s.closing = true
	}
	s.mu.Unlock()

	select {
	case s.sendq <- req:
		return nil
	case <-s.done:
		return ErrNotWritable
	}
}

// Writable reports whether Send can still queue packets.
func (s *TransportSession) Writable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && !s.closing
}

// Done is closed once the session is closed and its connection released.
func (s *TransportSession) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session is closed and Open has returned, so no
// connection dialed for it is still open. Only use it on sessions passed to
// Open.
func (s *TransportSession) Wait() {
	<-s.done
	<-s.opened
}

// Abort closes the session immediately without calling OnClose.
func (s *TransportSession) Abort() {
	s.shutdown(errSessionAborted, false)
}

// Shutdown writes final, if any, and then closes the session without calling
// OnClose. It does not wait for the write.
func (s *TransportSession) Shutdown(final Packet) {
	if final == nil {
		s.Abort()
		return
	}

	data, err := s.codec.Encode(final)
	if err != nil {
		s.Abort()
		return
	}

	s.mu.Lock()
	s.onClose = nil
	s.mu.Unlock()

	if err := s.enqueue(writeReq{data: data, closeAfter: true}); err != nil {
		s.Abort()
		return
	}

	grace := s.writeTimeout
	if grace <= 0 {
		grace = defaultCloseGrace
	}
	time.AfterFunc(grace, s.Abort)
}

// shutdown closes the session once. The close handler runs outside the lock
// and only for a completed handshake.
func (s *TransportSession) shutdown(err error, notify bool) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.closeErr = err
	conn := s.conn
	cancel := s.dialCancel
	onClose := s.onClose
	established := s.established
	s.mu.Unlock()

	s.deadline.Cancel()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	close(s.done)
	s.finishHandshake(handshakeResult{err: err})

	if notify && established && onClose != nil {
		onClose(s, err)
	}
	return true
}

func (s *TransportSession) finishHandshake(res handshakeResult) {
	select {
	case s.handshake <- res:
	default:
	}
}

func (s *TransportSession) fail(err error) {
	s.finishHandshake(handshakeResult{err: err})
	if s.shutdown(err, true) {
		s.logger.Debug("transport closed", LogFields{LogFieldError: err.Error()})
	}
}

func (s *TransportSession) writeLoop(conn Conn) {
	for {
		select {
		case req := <-s.sendq:
			if s.writeTimeout > 0 {
				_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			}
			if _, err := conn.Write(req.data); err != nil {
				s.fail(NewTransportError("write", "", err))
				return
			}
			if req.closeAfter {
				s.shutdown(nil, false)
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *TransportSession) readLoop(conn Conn) {
	buf := make([]byte, 0, readChunkSize)
	chunk := make([]byte, readChunkSize)
	handshaking := true

	for {
		n, readErr := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)

			for len(buf) > 0 {
				packet, used, err := s.codec.Decode(buf)
				if errors.Is(err, ErrNeedMoreData) {
					break
				}
				if err != nil {
					s.fail(NewProtocolError(PacketType(buf[0]>>4), err))
					return
				}
				buf = append(buf[:0], buf[used:]...)

				connack, isConnack := packet.(*ConnackPacket)
				if handshaking {
					if !isConnack {
						s.fail(NewProtocolError(packet.Type(), ErrProtocolViolation))
						return
					}
					s.finishHandshake(handshakeResult{connack: connack})
					if connack.ReturnCode != ReturnAccepted {
						return
					}
					handshaking = false

					select {
					case <-s.resumed:
					case <-s.done:
						return
					}
					continue
				}

				if isConnack {
					s.fail(NewProtocolError(PacketCONNACK, ErrProtocolViolation))
					return
				}
				if s.onPacket != nil {
					s.onPacket(s, packet)
				}
			}
		}

		if readErr != nil {
			s.fail(NewTransportError("read", "", readErr))
			return
		}
	}
}
