package mqttsession

import (
	"crypto/tls"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	opts := defaultOptions()

	assert.Equal(t, 60*time.Second, opts.keepAlive)
	assert.True(t, opts.reschedulePings)
	assert.True(t, opts.cleanSession)
	assert.Equal(t, 30*time.Second, opts.connectTimeout)
	assert.Equal(t, 10*time.Second, opts.writeTimeout)
	assert.Equal(t, time.Second, opts.reconnectPeriod)
	assert.Equal(t, 0, opts.maxRetries)
	assert.True(t, opts.offlineQoS0)
}

func TestApplyOptionsFillsCollaborators(t *testing.T) {
	opts := applyOptions()

	assert.True(t, strings.HasPrefix(opts.clientID, "mqttsession-"))
	assert.IsType(t, &NoOpLogger{}, opts.logger)
	assert.IsType(t, &NoOpMetrics{}, opts.metrics)
	assert.IsType(t, &URLDialer{}, opts.dialer)
	assert.IsType(t, &MemoryStore{}, opts.store)
	assert.NotNil(t, opts.codec)
	assert.NoError(t, opts.validate())
}

func TestGenerateClientID(t *testing.T) {
	first := generateClientID()
	second := generateClientID()

	assert.True(t, strings.HasPrefix(first, "mqttsession-"))
	assert.NotEqual(t, first, second)
	assert.LessOrEqual(t, len(first), 65535)
}

func TestWithClientID(t *testing.T) {
	opts := applyOptions(WithClientID("test-client"))
	assert.Equal(t, "test-client", opts.clientID)
}

func TestWithCredentials(t *testing.T) {
	opts := applyOptions(WithCredentials("user", "pass"))
	assert.Equal(t, "user", opts.username)
	assert.Equal(t, []byte("pass"), opts.password)
}

func TestWithKeepAlive(t *testing.T) {
	opts := applyOptions(WithKeepAlive(30*time.Second), WithReschedulePings(false))
	assert.Equal(t, 30*time.Second, opts.keepAlive)
	assert.False(t, opts.reschedulePings)
}

func TestWithCleanSession(t *testing.T) {
	t.Run("set to false", func(t *testing.T) {
		opts := applyOptions(WithCleanSession(false))
		assert.False(t, opts.cleanSession)
	})

	t.Run("set to true", func(t *testing.T) {
		opts := applyOptions(WithCleanSession(true))
		assert.True(t, opts.cleanSession)
	})
}

func TestWithTLS(t *testing.T) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	opts := applyOptions(WithTLS(tlsConfig))
	assert.Equal(t, tlsConfig, opts.tlsConfig)

	dialer, ok := opts.dialer.(*URLDialer)
	require.True(t, ok)
	assert.Equal(t, tlsConfig, dialer.TLSConfig)
}

func TestWithProxy(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		opts := applyOptions(WithProxy("http://proxy:3128"))
		require.NotNil(t, opts.proxy)
		assert.Equal(t, "http://proxy:3128", opts.proxy.URL)
	})

	t.Run("with auth", func(t *testing.T) {
		opts := applyOptions(WithProxyAuth("socks5://proxy:1080", "user", "secret"))
		require.NotNil(t, opts.proxy)
		assert.Equal(t, "user", opts.proxy.Username)
		assert.Equal(t, "secret", opts.proxy.Password)

		dialer := opts.dialer.(*URLDialer)
		assert.Equal(t, opts.proxy, dialer.Proxy)
	})

	t.Run("from environment", func(t *testing.T) {
		opts := applyOptions(WithProxyFromEnvironment(true))
		assert.True(t, opts.dialer.(*URLDialer).ProxyFromEnvironment)
	})
}

func TestWithDialer(t *testing.T) {
	dialer := &TCPDialer{Timeout: time.Second}
	opts := applyOptions(WithDialer(dialer), WithTLS(&tls.Config{MinVersion: tls.VersionTLS12}))
	assert.Same(t, dialer, opts.dialer)
}

func TestWithTimeouts(t *testing.T) {
	opts := applyOptions(
		WithConnectTimeout(15*time.Second),
		WithWriteTimeout(3*time.Second),
	)
	assert.Equal(t, 15*time.Second, opts.connectTimeout)
	assert.Equal(t, 3*time.Second, opts.writeTimeout)
}

func TestWithReconnect(t *testing.T) {
	opts := applyOptions(
		WithReconnectPeriod(250*time.Millisecond),
		WithMaxRetries(5),
		WithBackoffStrategy(ExponentialBackoff(time.Minute)),
	)
	assert.Equal(t, 250*time.Millisecond, opts.reconnectPeriod)
	assert.Equal(t, 5, opts.maxRetries)
	assert.NotNil(t, opts.backoffStrategy)
}

func TestWithWill(t *testing.T) {
	opts := applyOptions(WithWill("clients/c1/status", []byte("offline"), QoS1, true))

	assert.Equal(t, "clients/c1/status", opts.willTopic)
	assert.Equal(t, []byte("offline"), opts.willPayload)
	assert.Equal(t, QoS1, opts.willQoS)
	assert.True(t, opts.willRetain)
}

func TestWithStoreOptions(t *testing.T) {
	t.Run("custom store", func(t *testing.T) {
		store := NewMemoryStore()
		opts := applyOptions(WithStore(store), WithMaxPending(1))
		assert.Same(t, store, opts.store)
	})

	t.Run("max pending caps default store", func(t *testing.T) {
		opts := applyOptions(WithMaxPending(1))

		_, err := opts.store.Enqueue(&PendingMessage{Topic: "a", QoS: QoS1}, nil)
		require.NoError(t, err)
		_, err = opts.store.Enqueue(&PendingMessage{Topic: "b", QoS: QoS1}, nil)
		assert.ErrorIs(t, err, ErrStoreFull)
	})

	t.Run("offline qos 0", func(t *testing.T) {
		opts := applyOptions(WithOfflineQoS0(false))
		assert.False(t, opts.offlineQoS0)
	})
}

func TestWithObservability(t *testing.T) {
	logger := NewConsoleLogger(nil, LogLevelWarn)
	metrics := NewMemoryMetrics()

	opts := applyOptions(WithLogger(logger), WithMetrics(metrics))
	assert.Same(t, logger, opts.logger)
	assert.Same(t, metrics, opts.metrics)
}

func TestWithHandlers(t *testing.T) {
	var events, messages int
	opts := applyOptions(
		WithOnEvent(func(*Client, error) { events++ }),
		WithDefaultMessageHandler(func(*Client, *Message) { messages++ }),
	)

	opts.onEvent(nil, ErrConnected)
	opts.defaultHandler(nil, &Message{})
	assert.Equal(t, 1, events)
	assert.Equal(t, 1, messages)
}

func TestWithMaxPacketSize(t *testing.T) {
	opts := applyOptions(WithMaxPacketSize(16))

	_, err := opts.codec.Encode(&PublishPacket{Topic: "a/b", Payload: make([]byte, 64)})
	assert.ErrorIs(t, err, ErrPacketTooLarge)
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		err  error
	}{
		{"defaults", nil, nil},
		{"keep-alive disabled", []Option{WithKeepAlive(0)}, nil},
		{"negative keep-alive", []Option{WithKeepAlive(-time.Second)}, ErrInvalidKeepAlive},
		{"keep-alive too large", []Option{WithKeepAlive(65536 * time.Second)}, ErrInvalidKeepAlive},
		{"zero reconnect period", []Option{WithReconnectPeriod(0)}, ErrInvalidReconnectDelay},
		{"negative max retries", []Option{WithMaxRetries(-1)}, ErrInvalidMaxRetries},
		{"will with wildcard", []Option{WithWill("a/#", nil, 0, false)}, ErrInvalidWill},
		{"will qos", []Option{WithWill("a/b", nil, 3, false)}, ErrInvalidWill},
		{"valid will", []Option{WithWill("a/b", nil, QoS2, true)}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := applyOptions(tt.opts...).validate()
			if tt.err == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}
}

func TestConnectPacket(t *testing.T) {
	t.Run("basic", func(t *testing.T) {
		pkt := applyOptions(
			WithClientID("c1"),
			WithKeepAlive(1500*time.Millisecond),
			WithCleanSession(false),
		).connectPacket()

		assert.Equal(t, "c1", pkt.ClientID)
		assert.Equal(t, uint16(2), pkt.KeepAlive)
		assert.False(t, pkt.CleanSession)
		assert.False(t, pkt.WillFlag)
		assert.NoError(t, pkt.Validate())
	})

	t.Run("with credentials and will", func(t *testing.T) {
		pkt := applyOptions(
			WithClientID("c1"),
			WithCredentials("user", "pass"),
			WithWill("clients/c1", []byte("bye"), QoS1, true),
		).connectPacket()

		assert.Equal(t, "user", pkt.Username)
		assert.Equal(t, []byte("pass"), pkt.Password)
		assert.True(t, pkt.WillFlag)
		assert.Equal(t, "clients/c1", pkt.WillTopic)
		assert.Equal(t, []byte("bye"), pkt.WillPayload)
		assert.Equal(t, QoS1, pkt.WillQoS)
		assert.True(t, pkt.WillRetain)
		assert.NoError(t, pkt.Validate())
	})
}

func TestClientInterceptorOptionsAppend(t *testing.T) {
	p := ProducerInterceptorFunc(func(m *Message) *Message { return m })
	c := ConsumerInterceptorFunc(func(m *Message) *Message { return m })

	opts := applyOptions(
		WithProducerInterceptors(p),
		WithProducerInterceptors(p),
		WithConsumerInterceptors(c),
	)
	assert.Len(t, opts.producerInterceptors, 2)
	assert.Len(t, opts.consumerInterceptors, 1)
}
