package mqttsession

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quic-go/quic-go"
)

// ErrUnsupportedScheme is returned for broker addresses with an unknown scheme.
var ErrUnsupportedScheme = errors.New("unsupported scheme")

// Conn is a connection to a broker.
type Conn interface {
	net.Conn
}

// Dialer establishes broker connections.
type Dialer interface {
	// Dial connects to the address with the given context.
	Dial(ctx context.Context, address string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, address string) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, address string) (Conn, error) {
	return f(ctx, address)
}

// TCPDialer connects to brokers over plain TCP. The address is host:port.
type TCPDialer struct {
	// Timeout is the maximum time to wait for a connection.
	// Zero means no timeout.
	Timeout time.Duration
}

// Dial connects to the address.
func (d *TCPDialer) Dial(ctx context.Context, address string) (Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout}
	return dialer.DialContext(ctx, "tcp", address)
}

// TLSDialer connects to brokers over TLS. The address is host:port.
type TLSDialer struct {
	// Config is the TLS configuration. Nil means TLS 1.2 minimum with
	// system roots.
	Config *tls.Config

	// Timeout is the maximum time to wait for a connection.
	// Zero means no timeout.
	Timeout time.Duration
}

// Dial connects to the address.
func (d *TLSDialer) Dial(ctx context.Context, address string) (Conn, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: d.Timeout},
		Config:    tlsConfigOrDefault(d.Config),
	}
	return dialer.DialContext(ctx, "tcp", address)
}

// UnixDialer connects to brokers over Unix domain sockets. The address is
// the socket path.
type UnixDialer struct{}

// Dial connects to the Unix socket at the given path.
func (d *UnixDialer) Dial(ctx context.Context, address string) (Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, "unix", address)
}

func tlsConfigOrDefault(cfg *tls.Config) *tls.Config {
	if cfg == nil {
		return &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return cfg
}

// URLDialer picks a transport from the scheme of a broker URL:
//
//	tcp://, mqtt://          plain TCP (default port 1883)
//	ssl://, tls://, mqtts:// TLS (default port 8883)
//	ws://, wss://            WebSocket, subprotocol "mqtt"
//	quic://                  QUIC stream, TLS 1.3 (default port 8883)
//	unix:///path             Unix domain socket
//
// An address without a scheme is treated as tcp.
type URLDialer struct {
	// TLSConfig is used for ssl, wss and quic addresses.
	TLSConfig *tls.Config

	// Proxy routes TCP-based transports through an HTTP CONNECT or SOCKS5 proxy.
	Proxy *ProxyConfig

	// ProxyFromEnvironment consults HTTP_PROXY, HTTPS_PROXY and NO_PROXY
	// when Proxy is nil.
	ProxyFromEnvironment bool

	// Header is sent with the WebSocket handshake.
	Header http.Header

	// QUICConfig is passed to quic-go.
	QUICConfig *quic.Config
}

// Dial connects to the broker at address.
func (d *URLDialer) Dial(ctx context.Context, address string) (Conn, error) {
	u, err := parseBrokerURL(address)
	if err != nil {
		return nil, err
	}

	proxyDialer, err := d.resolveProxy(u)
	if err != nil {
		return nil, fmt.Errorf("proxy configuration error: %w", err)
	}

	host := hostWithDefaultPort(u)

	switch u.Scheme {
	case "tcp", "mqtt":
		if proxyDialer != nil {
			return proxyDialer.DialContext(ctx, "tcp", host)
		}
		return (&TCPDialer{}).Dial(ctx, host)

	case "ssl", "tls", "mqtts":
		if proxyDialer == nil {
			return (&TLSDialer{Config: d.TLSConfig}).Dial(ctx, host)
		}
		conn, err := proxyDialer.DialContext(ctx, "tcp", host)
		if err != nil {
			return nil, err
		}
		cfg := tlsConfigOrDefault(d.TLSConfig)
		if cfg.ServerName == "" {
			cfg = cfg.Clone()
			cfg.ServerName = u.Hostname()
		}
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake failed: %w", err)
		}
		return tlsConn, nil

	case "ws", "wss":
		ws := NewWSDialer()
		ws.Header = d.Header
		if d.TLSConfig != nil {
			ws.Dialer.TLSClientConfig = d.TLSConfig
		}
		if proxyDialer != nil {
			ws.Dialer.NetDialContext = proxyDialer.DialContext
		}
		return ws.Dial(ctx, u.String())

	case "quic":
		return NewQUICDialer(d.TLSConfig, d.QUICConfig).Dial(ctx, host)

	case "unix":
		path := u.Path
		if u.Host != "" {
			path = u.Host + u.Path
		}
		return (&UnixDialer{}).Dial(ctx, path)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
}

// resolveProxy returns nil when no proxy applies. Unix and QUIC never use one.
func (d *URLDialer) resolveProxy(u *url.URL) (*ProxyDialer, error) {
	switch u.Scheme {
	case "unix", "quic":
		return nil, nil
	}

	if d.Proxy != nil {
		return NewProxyDialer(d.Proxy.URL, d.Proxy.Username, d.Proxy.Password)
	}

	if d.ProxyFromEnvironment {
		proxyURL, err := ProxyFromEnvironment(u.String())
		if err != nil {
			return nil, err
		}
		if proxyURL != nil {
			return NewProxyDialer(proxyURL.String(), "", "")
		}
	}

	return nil, nil
}

// parseBrokerURL parses address, defaulting the scheme to tcp.
func parseBrokerURL(address string) (*url.URL, error) {
	if address == "" {
		return nil, errors.New("invalid address: empty")
	}
	if !strings.Contains(address, "://") {
		address = "tcp://" + address
	}

	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}
	if u.Scheme != "unix" && u.Hostname() == "" {
		return nil, fmt.Errorf("invalid address: missing host in %q", address)
	}
	return u, nil
}

func hostWithDefaultPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}

	switch u.Scheme {
	case "tcp", "mqtt":
		return net.JoinHostPort(u.Hostname(), "1883")
	case "ssl", "tls", "mqtts", "quic":
		return net.JoinHostPort(u.Hostname(), "8883")
	case "ws":
		return net.JoinHostPort(u.Hostname(), "80")
	case "wss":
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return u.Host
}
