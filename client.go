package mqttsession

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// State is the connection state of a Client.
type State int32

// Connection states.
const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosing
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// MessageHandler handles incoming MQTT messages. Handlers run on the
// connection's read goroutine, so waiting on a token inside one stalls
// delivery until the wait gives up.
type MessageHandler func(client *Client, msg *Message)

// pendingRequest is a SUBSCRIBE or UNSUBSCRIBE awaiting its acknowledgement.
type pendingRequest struct {
	token     *Token
	filters   []string
	subscribe bool
}

// Client is an MQTT 3.1.1 client that keeps one logical session alive across
// any number of transport connections.
//
// All state lives behind mu. Transport and timer callbacks take mu and drop
// themselves when the session or run they were started for is no longer
// current. Events and message handlers run outside mu, one at a time, in the
// order they were queued.
type Client struct {
	options   *clientOptions
	logger    Logger
	metrics   *clientMetrics
	store     OutboundStore
	scheduler *ReconnectScheduler

	// failureLog throttles the per-attempt failure log line
	failureLog rate.Sometimes

	mu           sync.Mutex
	state        State
	address      string
	retryCount   int
	run          uint64
	everOpened   bool
	session      *TransportSession
	lastSession  *TransportSession
	attemptStart time.Time
	keepAlive    *KeepAliveMonitor
	ready        *readyLatch

	handlers      topicHandlers
	requestIDs    *PacketIDManager
	requests      map[uint16]*pendingRequest
	publishTokens map[uint16]*PublishToken
	inbound       *inboundQoS2

	// stale holds the store identifiers left over from the previous run or
	// restored from a durable store; a clean session drops them on the next
	// Connect
	stale []uint16

	events      []func()
	dispatching bool
	silenced    bool
}

// New creates a CLOSED client for the broker at address. Call Connect to
// start it.
func New(address string, opts ...Option) (*Client, error) {
	options := applyOptions(opts...)
	if err := options.validate(); err != nil {
		return nil, err
	}

	c := &Client{
		options:       options,
		logger:        options.logger.WithFields(LogFields{LogFieldClientID: options.clientID}),
		metrics:       newClientMetrics(options.metrics),
		store:         options.store,
		scheduler:     NewReconnectScheduler(options.reconnectPeriod, options.backoffStrategy),
		failureLog:    rate.Sometimes{First: 3, Interval: 30 * time.Second},
		state:         StateClosed,
		address:       address,
		requestIDs:    newDescendingPacketIDManager(),
		requests:      make(map[uint16]*pendingRequest),
		publishTokens: make(map[uint16]*PublishToken),
		inbound:       newInboundQoS2(),
	}
	c.keepAlive = NewKeepAliveMonitor(0, false, nil, nil)

	// entries a durable store brought back belong to an earlier process
	restored, err := c.store.DrainInOrder()
	if err != nil {
		return nil, fmt.Errorf("read outbound store: %w", err)
	}
	for _, entry := range restored {
		c.stale = append(c.stale, entry.ID)
	}
	c.metrics.storeSize(len(restored))

	return c, nil
}

// Dial creates a client, connects it and waits until it is OPEN or ctx is
// done. On failure the client is closed.
func Dial(ctx context.Context, address string, opts ...Option) (*Client, error) {
	c, err := New(address, opts...)
	if err != nil {
		return nil, err
	}

	if err := c.Connect(); err != nil {
		return nil, err
	}

	if err := c.Ready(ctx); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

// Connect starts connecting in the background. It returns
// ErrAlreadyConnected unless the client is CLOSED.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.state != StateClosed {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}

	c.silenced = false
	c.run++
	c.retryCount = 0
	c.everOpened = false
	c.ready = newReadyLatch()
	c.inbound.reset()

	if c.options.cleanSession {
		c.discardStaleLocked()
	}
	c.stale = nil

	c.setStateLocked(StateConnecting)
	c.startAttemptLocked()
	c.unlockAndDispatch()
	return nil
}

// discardStaleLocked removes the entries an earlier run or process left behind.
func (c *Client) discardStaleLocked() {
	if len(c.stale) == 0 {
		return
	}

	if c.store.Size() == len(c.stale) {
		if err := c.store.Clear(); err != nil {
			c.logger.Warn("failed to clear outbound store", LogFields{LogFieldError: err.Error()})
		}
	} else {
		for _, id := range c.stale {
			if _, err := c.store.Ack(id); err != nil {
				c.logger.Warn("failed to drop stale message", LogFields{
					LogFieldPacketID: id,
					LogFieldError:    err.Error(),
				})
			}
		}
	}
	c.metrics.storeSize(c.store.Size())
}

// Close disconnects and stops reconnecting. Pending publish tokens fail with
// ErrUserClosed; their messages stay in the store. Close is a no-op on a
// client that is already CLOSING or CLOSED.
//
// The client is CLOSED when Close returns. Its events are delivered before
// Close returns only when no other goroutine is running handlers at the
// time; otherwise that goroutine delivers them, after the handler it is in
// and any events queued ahead of them.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateClosing {
		c.mu.Unlock()
		return nil
	}

	wasOpen := c.state == StateOpen
	c.setStateLocked(StateClosing)
	c.scheduler.Cancel()
	c.keepAlive.Stop()

	if sess := c.session; sess != nil {
		c.session = nil
		if wasOpen {
			sess.Shutdown(&DisconnectPacket{})
		} else {
			sess.Abort()
		}
	}

	c.failRequestsLocked(ErrUserClosed)
	c.failPublishTokensLocked(ErrUserClosed)
	c.finishLocked(nil)
	c.unlockAndDispatch()
	return nil
}

// Ready waits until the client is OPEN. It returns the terminal error if the
// client reaches CLOSED first in the current run.
func (c *Client) Ready(ctx context.Context) error {
	c.mu.Lock()
	latch := c.ready
	c.mu.Unlock()

	if latch == nil {
		return ErrNotConnected
	}

	select {
	case <-latch.done:
		return latch.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the client is OPEN.
func (c *Client) IsConnected() bool {
	return c.State() == StateOpen
}

// RetryCount returns the number of failed attempts since the client was
// last OPEN.
func (c *Client) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}

// SetAddress changes the broker address used by the next attempt.
func (c *Client) SetAddress(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.address = address
}

// Address returns the broker address.
func (c *Client) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

// ClientID returns the client identifier sent in CONNECT.
func (c *Client) ClientID() string {
	return c.options.clientID
}

// Pending returns the number of messages waiting in the outbound store.
func (c *Client) Pending() int {
	return c.store.Size()
}

// PublishOption configures a single Publish call.
type PublishOption func(*publishOptions)

type publishOptions struct {
	qos    byte
	retain bool
}

// WithQoS sets the publish QoS. The default is 0.
func WithQoS(qos byte) PublishOption {
	return func(o *publishOptions) {
		o.qos = qos
	}
}

// WithRetain sets the retain flag.
func WithRetain(retain bool) PublishOption {
	return func(o *publishOptions) {
		o.retain = retain
	}
}

// Publish sends a message. QoS 1 and 2 messages are stored before anything
// is written and the token completes on PUBACK or PUBCOMP, across any
// number of reconnects. A QoS 0 token completes once the message is written.
func (c *Client) Publish(topic string, payload []byte, opts ...PublishOption) *PublishToken {
	po := publishOptions{}
	for _, opt := range opts {
		opt(&po)
	}

	tok := newPublishToken(c)

	msg := applyProducerInterceptors(c.logger, c.options.producerInterceptors, &Message{
		Topic:   topic,
		Payload: payload,
		QoS:     po.qos,
		Retain:  po.retain,
	})
	if msg == nil {
		tok.complete(ErrPublishCancelled)
		return tok
	}
	if err := ValidateTopicName(msg.Topic); err != nil {
		tok.complete(fmt.Errorf("%w: %w", ErrInvalidTopic, err))
		return tok
	}
	if msg.QoS > QoS2 {
		tok.complete(ErrInvalidQoS)
		return tok
	}

	c.mu.Lock()
	defer c.unlockAndDispatch()

	open := c.state == StateOpen && c.session != nil

	if msg.QoS == QoS0 && open {
		err := c.session.Send(&PublishPacket{
			Topic:   msg.Topic,
			Payload: msg.Payload,
			Retain:  msg.Retain,
		})
		if err == nil {
			c.keepAlive.OnSent()
			c.metrics.published(QoS0)
			tok.complete(nil)
			return tok
		}
		open = false
	}

	if msg.QoS == QoS0 && !c.options.offlineQoS0 {
		tok.complete(ErrNotConnected)
		return tok
	}

	entry := &PendingMessage{
		Topic:   msg.Topic,
		Payload: msg.Payload,
		QoS:     msg.QoS,
		Retain:  msg.Retain,
	}
	id, err := c.store.Enqueue(entry, c.requestPendingLocked)
	if err != nil {
		tok.complete(err)
		return tok
	}
	entry.ID = id
	tok.id = id
	c.publishTokens[id] = tok

	c.metrics.published(msg.QoS)
	c.metrics.storeSize(c.store.Size())

	if open {
		_ = c.transmitLocked(c.session, entry)
	}

	return tok
}

// cancelPublish removes the stored message behind tok.
func (c *Client) cancelPublish(tok *PublishToken) bool {
	c.mu.Lock()
	defer c.unlockAndDispatch()

	if tok.id == 0 || c.publishTokens[tok.id] != tok {
		return false
	}

	delete(c.publishTokens, tok.id)
	if _, err := c.store.Ack(tok.id); err != nil {
		c.logger.Warn("failed to remove cancelled message", LogFields{
			LogFieldPacketID: tok.id,
			LogFieldError:    err.Error(),
		})
	}
	c.metrics.storeSize(c.store.Size())
	tok.complete(ErrPublishCancelled)
	return true
}

// Subscribe subscribes to filter and routes matching messages to handler. It
// fails with ErrNotConnected unless the client is OPEN.
func (c *Client) Subscribe(filter string, qos byte, handler MessageHandler) *Token {
	tok := newToken()

	if err := ValidateTopicFilter(filter); err != nil {
		tok.complete(fmt.Errorf("%w: %w", ErrInvalidTopic, err))
		return tok
	}
	if qos > QoS2 {
		tok.complete(ErrInvalidQoS)
		return tok
	}

	c.mu.Lock()
	defer c.unlockAndDispatch()

	id, err := c.sendRequestLocked(func(id uint16) Packet {
		return &SubscribePacket{
			PacketID:      id,
			Subscriptions: []Subscription{{TopicFilter: filter, QoS: qos}},
		}
	})
	if err != nil {
		tok.complete(err)
		return tok
	}

	if handler != nil {
		c.handlers.set(filter, handler)
	}
	c.requests[id] = &pendingRequest{token: tok, filters: []string{filter}, subscribe: true}
	return tok
}

// Unsubscribe removes subscriptions. It fails with ErrNotConnected unless the
// client is OPEN.
func (c *Client) Unsubscribe(filters ...string) *Token {
	tok := newToken()

	if len(filters) == 0 {
		tok.complete(ErrNoSubscriptions)
		return tok
	}
	for _, filter := range filters {
		if err := ValidateTopicFilter(filter); err != nil {
			tok.complete(fmt.Errorf("%w: %w", ErrInvalidTopic, err))
			return tok
		}
	}

	c.mu.Lock()
	defer c.unlockAndDispatch()

	id, err := c.sendRequestLocked(func(id uint16) Packet {
		return &UnsubscribePacket{PacketID: id, TopicFilters: slices.Clone(filters)}
	})
	if err != nil {
		tok.complete(err)
		return tok
	}

	c.requests[id] = &pendingRequest{token: tok, filters: slices.Clone(filters)}
	return tok
}

// requestPendingLocked reports whether a SUBSCRIBE or UNSUBSCRIBE holds id.
func (c *Client) requestPendingLocked(id uint16) bool {
	_, ok := c.requests[id]
	return ok
}

// sendRequestLocked allocates an identifier clear of the store's and sends
// the packet built for it.
func (c *Client) sendRequestLocked(build func(id uint16) Packet) (uint16, error) {
	if c.state != StateOpen || c.session == nil {
		return 0, ErrNotConnected
	}

	id, err := c.requestIDs.AllocateFunc(func(id uint16) bool {
		_, held := c.store.Get(id)
		return held
	})
	if err != nil {
		return 0, err
	}

	if err := c.session.Send(build(id)); err != nil {
		_ = c.requestIDs.Release(id)
		if errors.Is(err, ErrNotWritable) {
			return 0, ErrNotConnected
		}
		return 0, err
	}
	c.keepAlive.OnSent()
	return id, nil
}

// startAttemptLocked creates the single live transport session and opens it
// in the background.
func (c *Client) startAttemptLocked() {
	sess := NewTransportSession(TransportSessionConfig{
		Dialer:       c.options.dialer,
		Codec:        c.options.codec,
		WriteTimeout: c.options.writeTimeout,
		Logger:       c.logger,
		OnPacket:     c.handlePacket,
		OnClose:      c.handleTransportClosed,
	})
	prev := c.lastSession
	c.session = sess
	c.lastSession = sess
	c.attemptStart = time.Now()
	c.metrics.connectAttempt()

	c.logger.Debug("connecting", LogFields{
		LogFieldAddress: c.address,
		LogFieldAttempt: c.retryCount + 1,
	})

	go c.runAttempt(prev, sess, c.address, c.options.connectTimeout, c.options.connectPacket())
}

// runAttempt opens sess once the previous session has released its
// connection.
func (c *Client) runAttempt(prev, sess *TransportSession, address string, timeout time.Duration, connect *ConnectPacket) {
	if prev != nil {
		prev.Wait()
	}

	connack, err := sess.Open(context.Background(), address, timeout, connect)

	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		sess.Abort()
		return
	}

	if err != nil {
		c.attemptFailedLocked(err)
	} else {
		c.promoteLocked(sess, connack)
	}
	c.unlockAndDispatch()
}

// attemptFailedLocked records a failed attempt and either schedules the next
// one or, with the retry budget spent, closes the client.
func (c *Client) attemptFailedLocked(err error) {
	c.session = nil
	c.retryCount++
	c.metrics.connectFailure(err)

	c.failureLog.Do(func() {
		c.logger.Warn("connection attempt failed", LogFields{
			LogFieldAddress: c.address,
			LogFieldAttempt: c.retryCount,
			LogFieldError:   err.Error(),
		})
	})

	if c.options.maxRetries > 0 && c.retryCount > c.options.maxRetries {
		c.terminateLocked(NewRetryBudgetError(c.retryCount, err))
		return
	}

	c.emitLocked(NewErrorEvent(err))
	c.setStateLocked(StateReconnecting)
	c.scheduleLocked()
}

func (c *Client) scheduleLocked() {
	run := c.run
	attempt := max(c.retryCount, 1)
	c.scheduler.Schedule(attempt, func() { c.reconnectFired(run) })
}

func (c *Client) reconnectFired(run uint64) {
	c.mu.Lock()
	if c.run != run || c.state != StateReconnecting || c.session != nil {
		c.mu.Unlock()
		return
	}
	c.startAttemptLocked()
	c.unlockAndDispatch()
}

// promoteLocked moves a completed handshake into OPEN. The store is flushed
// before the session starts handing over inbound packets, and before any
// Publish issued after this call.
func (c *Client) promoteLocked(sess *TransportSession, connack *ConnackPacket) {
	reconnected := c.everOpened
	c.everOpened = true
	c.retryCount = 0
	c.metrics.connected(time.Since(c.attemptStart), reconnected)

	if !connack.SessionPresent {
		c.inbound.reset()
	}

	c.setStateLocked(StateOpen)
	c.logger.Info("connected", LogFields{
		LogFieldAddress:  c.address,
		LogFieldDuration: time.Since(c.attemptStart).String(),
	})

	c.keepAlive = NewKeepAliveMonitor(c.options.keepAlive, c.options.reschedulePings,
		func() error {
			err := sess.Send(&PingreqPacket{})
			if err == nil {
				c.metrics.pingSent()
			}
			return err
		},
		func() { c.keepAliveStale(sess) },
	)

	c.flushLocked(sess)
	c.keepAlive.Start()

	c.emitLocked(NewConnectedEvent(connack.SessionPresent, reconnected))
	c.ready.resolve(nil)
	sess.Resume()
}

// flushLocked replays every stored message in insertion order.
func (c *Client) flushLocked(sess *TransportSession) {
	entries, err := c.store.DrainInOrder()
	if err != nil {
		c.logger.Error("failed to read outbound store", LogFields{LogFieldError: err.Error()})
		c.emitLocked(NewErrorEvent(err))
		return
	}

	replayed := 0
	for _, entry := range entries {
		if err := c.transmitLocked(sess, entry); err != nil {
			break
		}
		replayed++
	}

	c.metrics.replayed(replayed)
	c.metrics.storeSize(c.store.Size())

	if replayed > 0 {
		c.logger.Debug("replayed outbound messages", LogFields{"count": replayed})
	}
}

// transmitLocked writes one stored message. QoS 0 entries leave the store as
// soon as they are written; QoS 2 entries past PUBREC resend PUBREL.
func (c *Client) transmitLocked(sess *TransportSession, entry *PendingMessage) error {
	var pkt Packet
	if entry.QoS == QoS2 && entry.Released {
		pkt = &PubrelPacket{PacketID: entry.ID}
	} else {
		pub := &PublishPacket{
			Topic:   entry.Topic,
			Payload: entry.Payload,
			QoS:     entry.QoS,
			Retain:  entry.Retain,
		}
		if entry.QoS > QoS0 {
			pub.PacketID = entry.ID
			pub.DUP = entry.Sent
		}
		pkt = pub
	}

	if err := sess.Send(pkt); err != nil {
		return err
	}
	c.keepAlive.OnSent()

	if entry.QoS == QoS0 {
		if _, err := c.store.Ack(entry.ID); err != nil {
			c.logger.Warn("failed to remove sent message", LogFields{
				LogFieldPacketID: entry.ID,
				LogFieldError:    err.Error(),
			})
		}
		c.completePublishTokenLocked(entry.ID, nil)
		return nil
	}

	if entry.Sent {
		entry.RetryCount++
	}
	entry.Sent = true
	if err := c.store.Update(entry); err != nil {
		c.logger.Warn("failed to update stored message", LogFields{
			LogFieldPacketID: entry.ID,
			LogFieldError:    err.Error(),
		})
	}
	return nil
}

func (c *Client) keepAliveStale(sess *TransportSession) {
	c.mu.Lock()
	if c.session != sess || c.state != StateOpen {
		c.mu.Unlock()
		return
	}

	c.metrics.keepAliveTimeout()
	c.logger.Warn("keep-alive timeout", LogFields{LogFieldAddress: c.address})
	sess.Abort()
	c.connectionLostLocked(ErrKeepAliveTimeout, true)
	c.unlockAndDispatch()
}

func (c *Client) handleTransportClosed(sess *TransportSession, err error) {
	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		return
	}

	switch c.state {
	case StateOpen:
		c.logger.Info("connection lost", LogFields{LogFieldError: errString(err)})
		c.connectionLostLocked(err, errors.Is(err, ErrProtocolError))
	case StateConnecting, StateReconnecting:
		c.attemptFailedLocked(err)
	}
	c.unlockAndDispatch()
}

// connectionLostLocked moves an OPEN client to RECONNECTING.
func (c *Client) connectionLostLocked(err error, report bool) {
	c.session = nil
	c.keepAlive.Stop()

	if report {
		c.emitLocked(NewErrorEvent(err))
	}
	c.setStateLocked(StateReconnecting)
	c.emitLocked(ErrOffline)
	c.failRequestsLocked(ErrConnectionLost)
	c.scheduleLocked()
}

// terminateLocked closes the client after an unrecoverable failure.
func (c *Client) terminateLocked(err error) {
	c.scheduler.Cancel()
	c.keepAlive.Stop()
	if sess := c.session; sess != nil {
		c.session = nil
		sess.Abort()
	}

	c.logger.Error("giving up", LogFields{LogFieldError: err.Error()})
	c.emitLocked(NewErrorEvent(err))
	c.failRequestsLocked(err)
	c.failPublishTokensLocked(err)
	c.finishLocked(err)
}

// finishLocked enters CLOSED. No event is queued after the close event until
// the next Connect.
func (c *Client) finishLocked(cause error) {
	c.setStateLocked(StateClosed)
	c.emitLocked(NewDisconnectEvent(cause))

	readyErr := cause
	if readyErr == nil {
		readyErr = ErrUserClosed
	}
	c.ready.resolve(readyErr)

	if entries, err := c.store.DrainInOrder(); err == nil {
		c.stale = c.stale[:0]
		for _, entry := range entries {
			c.stale = append(c.stale, entry.ID)
		}
	}

	c.silenced = true
}

func (c *Client) failRequestsLocked(err error) {
	for id, req := range c.requests {
		delete(c.requests, id)
		_ = c.requestIDs.Release(id)
		if req.subscribe {
			for _, filter := range req.filters {
				c.handlers.remove(filter)
			}
		}
		req.token.complete(err)
	}
}

func (c *Client) failPublishTokensLocked(err error) {
	for id, tok := range c.publishTokens {
		delete(c.publishTokens, id)
		tok.complete(err)
	}
}

func (c *Client) completePublishTokenLocked(id uint16, err error) {
	if tok, ok := c.publishTokens[id]; ok {
		delete(c.publishTokens, id)
		tok.complete(err)
	}
}

func (c *Client) setStateLocked(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.logger.Debug("state changed", LogFields{LogFieldState: to.String()})
	c.emitLocked(NewStateChangeEvent(from, to))
}

// handlePacket receives packets from the live session's read goroutine.
func (c *Client) handlePacket(sess *TransportSession, pkt Packet) {
	c.mu.Lock()
	if c.session != sess || c.state != StateOpen {
		c.mu.Unlock()
		return
	}

	c.keepAlive.OnReceived()

	switch p := pkt.(type) {
	case *PublishPacket:
		c.handlePublishLocked(sess, p)
	case *PubackPacket:
		c.handleAckLocked(p.PacketID, QoS1)
	case *PubrecPacket:
		c.handlePubrecLocked(sess, p)
	case *PubrelPacket:
		c.handlePubrelLocked(sess, p)
	case *PubcompPacket:
		c.handleAckLocked(p.PacketID, QoS2)
	case *SubackPacket:
		c.handleSubackLocked(p)
	case *UnsubackPacket:
		c.handleUnsubackLocked(p)
	case *PingrespPacket:
		// Keep-alive response received
	default:
		err := NewProtocolError(pkt.Type(), ErrProtocolViolation)
		c.logger.Warn("unexpected packet from broker", LogFields{
			LogFieldPacketType: pkt.Type().String(),
		})
		sess.Abort()
		c.connectionLostLocked(err, true)
	}

	c.unlockAndDispatch()
}

func (c *Client) handlePublishLocked(sess *TransportSession, pkt *PublishPacket) {
	msg := pkt.ToMessage()

	switch pkt.QoS {
	case QoS0:
		c.deliverLocked(msg)
	case QoS1:
		c.sendLocked(sess, &PubackPacket{PacketID: pkt.PacketID})
		c.deliverLocked(msg)
	case QoS2:
		c.inbound.store(pkt.PacketID, msg)
		c.sendLocked(sess, &PubrecPacket{PacketID: pkt.PacketID})
	}
}

func (c *Client) handlePubrelLocked(sess *TransportSession, pkt *PubrelPacket) {
	msg, ok := c.inbound.release(pkt.PacketID)
	c.sendLocked(sess, &PubcompPacket{PacketID: pkt.PacketID})
	if ok {
		c.deliverLocked(msg)
	}
}

func (c *Client) handlePubrecLocked(sess *TransportSession, pkt *PubrecPacket) {
	entry, ok := c.store.Get(pkt.PacketID)
	if ok && entry.QoS == QoS2 && !entry.Released {
		entry.Released = true
		if err := c.store.Update(entry); err != nil {
			c.logger.Warn("failed to update stored message", LogFields{
				LogFieldPacketID: entry.ID,
				LogFieldError:    err.Error(),
			})
		}
	}
	c.sendLocked(sess, &PubrelPacket{PacketID: pkt.PacketID})
}

// handleAckLocked completes a QoS 1 or QoS 2 publish.
func (c *Client) handleAckLocked(id uint16, qos byte) {
	entry, ok := c.store.Get(id)
	if !ok {
		c.logger.Debug("acknowledgement for unknown packet", LogFields{LogFieldPacketID: id})
		return
	}
	if entry.QoS != qos {
		c.logger.Warn("acknowledgement does not match message QoS", LogFields{
			LogFieldPacketID: id,
			LogFieldQoS:      entry.QoS,
		})
		return
	}

	if _, err := c.store.Ack(id); err != nil {
		c.logger.Error("failed to remove acknowledged message", LogFields{
			LogFieldPacketID: id,
			LogFieldError:    err.Error(),
		})
		c.emitLocked(NewErrorEvent(err))
		return
	}
	c.metrics.storeSize(c.store.Size())
	c.completePublishTokenLocked(id, nil)
}

func (c *Client) handleSubackLocked(pkt *SubackPacket) {
	req, ok := c.requests[pkt.PacketID]
	if !ok || !req.subscribe {
		return
	}
	delete(c.requests, pkt.PacketID)
	_ = c.requestIDs.Release(pkt.PacketID)

	for i, filter := range req.filters {
		if i < len(pkt.ReturnCodes) && pkt.ReturnCodes[i] == SubackFailure {
			c.handlers.remove(filter)
			c.logger.Warn("subscription refused", LogFields{LogFieldTopic: filter})
			req.token.complete(NewSubscribeError(filter))
			return
		}
	}
	req.token.complete(nil)
}

func (c *Client) handleUnsubackLocked(pkt *UnsubackPacket) {
	req, ok := c.requests[pkt.PacketID]
	if !ok || req.subscribe {
		return
	}
	delete(c.requests, pkt.PacketID)
	_ = c.requestIDs.Release(pkt.PacketID)

	for _, filter := range req.filters {
		c.handlers.remove(filter)
	}
	req.token.complete(nil)
}

// sendLocked writes an acknowledgement. A failed write is left to the
// transport close path.
func (c *Client) sendLocked(sess *TransportSession, pkt Packet) {
	if err := sess.Send(pkt); err != nil {
		c.logger.Debug("send failed", LogFields{
			LogFieldPacketType: pkt.Type().String(),
			LogFieldError:      err.Error(),
		})
		return
	}
	c.keepAlive.OnSent()
}

// deliverLocked queues msg for its handlers. Consumer interceptors and
// handlers run outside the lock.
func (c *Client) deliverLocked(msg *Message) {
	routes := topicHandlers{entries: slices.Clone(c.handlers.entries)}
	fallback := c.options.defaultHandler
	interceptors := c.options.consumerInterceptors

	c.queueLocked(func() {
		m := applyConsumerInterceptors(c.logger, interceptors, msg)
		if m == nil {
			return
		}

		handlers := routes.match(m.Topic)
		if len(handlers) == 0 && fallback != nil {
			handlers = []MessageHandler{fallback}
		}
		if len(handlers) == 0 {
			c.logger.Debug("no handler for message", LogFields{LogFieldTopic: m.Topic})
			return
		}

		c.metrics.received(m.QoS)
		for _, h := range handlers {
			h(c, m)
		}
	})
}

func (c *Client) emitLocked(event error) {
	handler := c.options.onEvent
	if handler == nil {
		return
	}
	c.queueLocked(func() { handler(c, event) })
}

func (c *Client) queueLocked(fn func()) {
	if c.silenced {
		return
	}
	c.events = append(c.events, fn)
}

// unlockAndDispatch releases mu and runs queued callbacks. Only one goroutine
// drains at a time; a callback that calls back into the client has its own
// callbacks run after it returns.
func (c *Client) unlockAndDispatch() {
	if c.dispatching {
		c.mu.Unlock()
		return
	}

	c.dispatching = true
	for len(c.events) > 0 {
		batch := c.events
		c.events = nil
		c.mu.Unlock()

		for _, fn := range batch {
			c.runCallback(fn)
		}

		c.mu.Lock()
	}
	c.dispatching = false
	c.mu.Unlock()
}

func (c *Client) runCallback(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panic", LogFields{LogFieldError: fmt.Sprint(r)})
		}
	}()
	fn()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// readyLatch resolves once per run.
type readyLatch struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newReadyLatch() *readyLatch {
	return &readyLatch{done: make(chan struct{})}
}

func (l *readyLatch) resolve(err error) {
	l.once.Do(func() {
		l.err = err
		close(l.done)
	})
}

// Token tracks the completion of an asynchronous operation.
type Token struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Done is closed when the operation completes.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Err returns the result of the operation, or nil while it is pending.
func (t *Token) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the operation completes or ctx is done. Giving up on
// the wait leaves the operation running.
func (t *Token) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Token) complete(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

// PublishToken tracks a publish until the broker acknowledges it.
type PublishToken struct {
	Token
	client *Client
	id     uint16
}

func newPublishToken(c *Client) *PublishToken {
	return &PublishToken{
		Token:  Token{done: make(chan struct{})},
		client: c,
	}
}

// PacketID returns the store identifier, or 0 for a message that was never
// stored.
func (t *PublishToken) PacketID() uint16 {
	return t.id
}

// Cancel removes the message from the store and fails the token with
// ErrPublishCancelled. It reports false if the publish already completed.
func (t *PublishToken) Cancel() bool {
	return t.client.cancelPublish(t)
}
