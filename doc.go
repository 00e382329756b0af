// Package mqttsession provides a session-managing MQTT 3.1.1 client.
//
// The client keeps a single logical session with a broker across an
// unreliable transport. It reconnects on failure, detects half-open
// connections with keepalive pings and holds every unacknowledged publish in
// an OutboundStore so that nothing is lost while the connection is down.
//
// # Components
//
//   - OutboundStore: pending publishes keyed by packet identifier (MemoryStore, FileStore, MongoStore)
//   - KeepAliveMonitor: ping scheduling and stale connection detection
//   - ReconnectScheduler: a single armed reconnect timer
//   - TransportSession: one transport connection, CONNECT/CONNACK handshake and frame decoding
//   - Client: the connection state machine and public API
//
// # States
//
// A Client moves between StateClosed, StateConnecting, StateOpen,
// StateReconnecting and StateClosing. Every transition is reported as a
// *StateChangeEvent through the handler installed with WithOnEvent.
//
// # Client
//
//	client, err := mqttsession.New("tcp://localhost:1883",
//	    mqttsession.WithClientID("sensor-1"),
//	    mqttsession.WithKeepAlive(30*time.Second),
//	    mqttsession.WithReconnectPeriod(time.Second),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(); err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	token := client.Publish("sensors/temp", []byte("21.5"), mqttsession.WithQoS(1))
//	if err := token.Wait(ctx); err != nil {
//	    return err
//	}
//
// Publishing while the client is not connected is allowed. QoS 1 and 2
// messages are queued in the store and replayed in order once the session is
// open again; the returned token completes when the broker acknowledges them.
//
// # Transports
//
// The broker address scheme selects the transport: tcp://, mqtt://, tls://,
// ssl://, mqtts://, ws://, wss://, quic:// and unix://. Use WithDialer to
// supply a custom Dialer.
package mqttsession
