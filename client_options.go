package mqttsession

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Option validation errors.
var (
	ErrInvalidKeepAlive      = errors.New("keep-alive must be between 0 and 65535 seconds")
	ErrInvalidReconnectDelay = errors.New("reconnect period must be positive")
	ErrInvalidMaxRetries     = errors.New("max retries must not be negative")
	ErrInvalidWill           = errors.New("invalid will message")
)

// clientOptions holds configuration for a Client.
type clientOptions struct {
	// Connection settings
	clientID     string
	username     string
	password     []byte
	keepAlive    time.Duration
	cleanSession bool

	// reschedulePings pushes the next PINGREQ back on every outbound packet
	reschedulePings bool

	// Transport
	tlsConfig            *tls.Config
	proxy                *ProxyConfig
	proxyFromEnvironment bool
	dialer               Dialer
	codec                Codec
	maxPacketSize        uint32

	// Timeouts
	connectTimeout time.Duration
	writeTimeout   time.Duration

	// Will message
	willTopic   string
	willPayload []byte
	willRetain  bool
	willQoS     byte

	// Reconnect settings
	reconnectPeriod time.Duration
	maxRetries      int
	backoffStrategy BackoffStrategy

	// Outbound store
	store       OutboundStore
	maxPending  int
	offlineQoS0 bool

	// Observability
	logger  Logger
	metrics Metrics

	// Handlers
	onEvent        EventHandler
	defaultHandler MessageHandler

	// Interceptors
	producerInterceptors []ProducerInterceptor
	consumerInterceptors []ConsumerInterceptor
}

// defaultOptions returns options with sensible defaults.
func defaultOptions() *clientOptions {
	return &clientOptions{
		keepAlive:       60 * time.Second,
		reschedulePings: true,
		cleanSession:    true,
		connectTimeout:  30 * time.Second,
		writeTimeout:    10 * time.Second,
		reconnectPeriod: time.Second,
		offlineQoS0:     true,
	}
}

// Option configures a Client.
type Option func(*clientOptions)

// WithClientID sets the client identifier. The default is
// "mqttsession-" followed by a random UUID.
func WithClientID(id string) Option {
	return func(o *clientOptions) {
		o.clientID = id
	}
}

// WithCredentials sets the username and password for authentication.
func WithCredentials(username, password string) Option {
	return func(o *clientOptions) {
		o.username = username
		o.password = []byte(password)
	}
}

// WithKeepAlive sets the keep-alive interval. Zero disables pings.
func WithKeepAlive(d time.Duration) Option {
	return func(o *clientOptions) {
		o.keepAlive = d
	}
}

// WithReschedulePings controls whether outbound traffic delays the next ping.
func WithReschedulePings(enabled bool) Option {
	return func(o *clientOptions) {
		o.reschedulePings = enabled
	}
}

// WithCleanSession sets the CONNECT clean session flag. With a clean session
// the outbound store is also cleared on every Connect.
func WithCleanSession(clean bool) Option {
	return func(o *clientOptions) {
		o.cleanSession = clean
	}
}

// WithReconnectPeriod sets the base delay between reconnect attempts.
func WithReconnectPeriod(d time.Duration) Option {
	return func(o *clientOptions) {
		o.reconnectPeriod = d
	}
}

// WithConnectTimeout bounds each attempt from dial to CONNACK.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.connectTimeout = d
	}
}

// WithWriteTimeout sets the deadline for each socket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.writeTimeout = d
	}
}

// WithMaxRetries closes the client once n consecutive attempts have failed
// after the first. Zero retries forever.
func WithMaxRetries(n int) Option {
	return func(o *clientOptions) {
		o.maxRetries = n
	}
}

// WithBackoffStrategy sets how the reconnect delay grows between attempts.
func WithBackoffStrategy(strategy BackoffStrategy) Option {
	return func(o *clientOptions) {
		o.backoffStrategy = strategy
	}
}

// WithWill sets the will message.
func WithWill(topic string, payload []byte, qos byte, retain bool) Option {
	return func(o *clientOptions) {
		o.willTopic = topic
		o.willPayload = payload
		o.willQoS = qos
		o.willRetain = retain
	}
}

// WithTLS sets the TLS configuration used for ssl, wss and quic addresses.
func WithTLS(config *tls.Config) Option {
	return func(o *clientOptions) {
		o.tlsConfig = config
	}
}

// WithProxy routes connections through an HTTP CONNECT or SOCKS5 proxy.
func WithProxy(proxyURL string) Option {
	return func(o *clientOptions) {
		o.proxy = &ProxyConfig{URL: proxyURL}
	}
}

// WithProxyAuth routes connections through an authenticating proxy.
func WithProxyAuth(proxyURL, username, password string) Option {
	return func(o *clientOptions) {
		o.proxy = &ProxyConfig{URL: proxyURL, Username: username, Password: password}
	}
}

// WithProxyFromEnvironment reads the proxy from HTTP_PROXY, HTTPS_PROXY and
// NO_PROXY when no explicit proxy is set.
func WithProxyFromEnvironment(enabled bool) Option {
	return func(o *clientOptions) {
		o.proxyFromEnvironment = enabled
	}
}

// WithDialer replaces the URL-based dialer. TLS and proxy options are
// ignored when a dialer is set.
func WithDialer(d Dialer) Option {
	return func(o *clientOptions) {
		o.dialer = d
	}
}

// WithCodec replaces the MQTT 3.1.1 codec.
func WithCodec(c Codec) Option {
	return func(o *clientOptions) {
		o.codec = c
	}
}

// WithMaxPacketSize rejects packets larger than size bytes in both directions.
func WithMaxPacketSize(size uint32) Option {
	return func(o *clientOptions) {
		o.maxPacketSize = size
	}
}

// WithStore sets the outbound message store. The default is a MemoryStore.
func WithStore(store OutboundStore) Option {
	return func(o *clientOptions) {
		o.store = store
	}
}

// WithMaxPending caps the default MemoryStore. It has no effect together
// with WithStore.
func WithMaxPending(n int) Option {
	return func(o *clientOptions) {
		o.maxPending = n
	}
}

// WithOfflineQoS0 controls QoS 0 publishes made while not connected. When
// enabled, the default, they are stored and sent on the next connection;
// otherwise they fail with ErrNotConnected.
func WithOfflineQoS0(buffer bool) Option {
	return func(o *clientOptions) {
		o.offlineQoS0 = buffer
	}
}

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics Metrics) Option {
	return func(o *clientOptions) {
		o.metrics = metrics
	}
}

// WithOnEvent sets the lifecycle event handler.
func WithOnEvent(fn EventHandler) Option {
	return func(o *clientOptions) {
		o.onEvent = fn
	}
}

// WithDefaultMessageHandler receives messages that match no subscription
// handler.
func WithDefaultMessageHandler(handler MessageHandler) Option {
	return func(o *clientOptions) {
		o.defaultHandler = handler
	}
}

// WithProducerInterceptors adds producer interceptors.
func WithProducerInterceptors(interceptors ...ProducerInterceptor) Option {
	return func(o *clientOptions) {
		o.producerInterceptors = append(o.producerInterceptors, interceptors...)
	}
}

// WithConsumerInterceptors adds consumer interceptors.
func WithConsumerInterceptors(interceptors ...ConsumerInterceptor) Option {
	return func(o *clientOptions) {
		o.consumerInterceptors = append(o.consumerInterceptors, interceptors...)
	}
}

// applyOptions applies options on top of the defaults and fills in the
// collaborators left unset.
func applyOptions(opts ...Option) *clientOptions {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	if o.clientID == "" {
		o.clientID = generateClientID()
	}
	if o.logger == nil {
		o.logger = NewNoOpLogger()
	}
	if o.metrics == nil {
		o.metrics = &NoOpMetrics{}
	}
	if o.codec == nil {
		o.codec = NewCodec(o.maxPacketSize)
	}
	if o.dialer == nil {
		o.dialer = &URLDialer{
			TLSConfig:            o.tlsConfig,
			Proxy:                o.proxy,
			ProxyFromEnvironment: o.proxyFromEnvironment,
		}
	}
	if o.store == nil {
		o.store = NewMemoryStore(WithStoreCapacity(o.maxPending))
	}

	return o
}

// validate reports option combinations the client cannot run with.
func (o *clientOptions) validate() error {
	if o.keepAlive < 0 || o.keepAlive > 65535*time.Second {
		return ErrInvalidKeepAlive
	}
	if o.reconnectPeriod <= 0 {
		return ErrInvalidReconnectDelay
	}
	if o.maxRetries < 0 {
		return ErrInvalidMaxRetries
	}
	if o.willTopic != "" {
		if err := ValidateTopicName(o.willTopic); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidWill, err)
		}
		if o.willQoS > QoS2 {
			return fmt.Errorf("%w: %w", ErrInvalidWill, ErrInvalidQoS)
		}
	}
	return nil
}

// connectPacket builds the CONNECT packet for every attempt.
func (o *clientOptions) connectPacket() *ConnectPacket {
	pkt := &ConnectPacket{
		ClientID:     o.clientID,
		CleanSession: o.cleanSession,
		KeepAlive:    keepAliveSeconds(o.keepAlive),
		Username:     o.username,
		Password:     o.password,
	}
	if o.willTopic != "" {
		pkt.WillFlag = true
		pkt.WillTopic = o.willTopic
		pkt.WillPayload = o.willPayload
		pkt.WillQoS = o.willQoS
		pkt.WillRetain = o.willRetain
	}
	return pkt
}

func generateClientID() string {
	return "mqttsession-" + uuid.NewString()
}
