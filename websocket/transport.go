package websocket

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// TransportState mirrors the lifecycle of the byte-stream collaborator a
// Connection drives.
type TransportState int

const (
	TransportConnecting TransportState = iota
	TransportOpen
	TransportClosed
)

// Transport is the byte-stream collaborator a Connection drives: the
// reliable TCP/TLS channel the WebSocket protocol runs over. The core
// never constructs raw TCP/TLS bytes itself below this boundary — it only
// calls Open/Send/Close and reacts to the three callbacks.
//
// Implementations must deliver all three callbacks from the same goroutine
// (or otherwise serialize them), since Connection treats them as its only
// suspension points.
type Transport interface {
	Open()
	Close() error
	Send(b []byte) error

	// OnStateChange, OnReceive and OnError register the Connection's
	// callbacks. Transport must not invoke a callback before it has been
	// set.
	OnStateChange(func(TransportState))
	OnReceive(func([]byte))
	OnError(func(error))
}

// TCPTransport is the default Transport: a plain TCP connection, upgraded
// to TLS when the target scheme is wss. Grounded on the same
// net.Dialer/tls.Dial shape daabr-chrome-vision's Handshake and the CDP
// client dialer in other_examples use.
type TCPTransport struct {
	addr   string
	secure bool
	tlsCfg *tls.Config

	dialTimeout time.Duration

	conn net.Conn

	onState   func(TransportState)
	onReceive func([]byte)
	onError   func(error)
}

// NewTCPTransport builds a Transport that dials addr ("host:port"). When
// secure is true the connection is upgraded with tls.Config cfg (nil means
// the standard library's default verification).
func NewTCPTransport(addr string, secure bool, cfg *tls.Config) *TCPTransport {
	return &TCPTransport{
		addr:        addr,
		secure:      secure,
		tlsCfg:      cfg,
		dialTimeout: 10 * time.Second,
	}
}

func (t *TCPTransport) OnStateChange(f func(TransportState)) { t.onState = f }
func (t *TCPTransport) OnReceive(f func([]byte))              { t.onReceive = f }
func (t *TCPTransport) OnError(f func(error))                 { t.onError = f }

// Open dials the target and starts the read pump on a new goroutine. It
// returns immediately; the result surfaces as an OnStateChange(TransportOpen)
// or an OnError followed by OnStateChange(TransportClosed).
func (t *TCPTransport) Open() {
	go t.run()
}

func (t *TCPTransport) run() {
	dialer := net.Dialer{Timeout: t.dialTimeout}

	var conn net.Conn
	var err error
	if t.secure {
		conn, err = tls.DialWithDialer(&dialer, "tcp", t.addr, t.tlsCfg)
	} else {
		conn, err = dialer.Dial("tcp", t.addr)
	}
	if err != nil {
		t.reportError(fmt.Errorf("dial %s: %w", t.addr, err))
		t.reportState(TransportClosed)
		return
	}

	t.conn = conn
	t.reportState(TransportOpen)

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if t.onReceive != nil {
				t.onReceive(chunk)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.reportError(err)
			}
			t.reportState(TransportClosed)
			return
		}
	}
}

// Send writes b to the connection. Safe to call before Open's dial
// completes only in the sense that it returns an error rather than
// panicking; callers should wait for TransportOpen.
func (t *TCPTransport) Send(b []byte) error {
	if t.conn == nil {
		return fmt.Errorf("websocket: transport not open")
	}
	_, err := t.conn.Write(b)
	return err
}

// Close closes the underlying connection. Safe to call multiple times.
func (t *TCPTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

func (t *TCPTransport) reportState(s TransportState) {
	if t.onState != nil {
		t.onState(s)
	}
}

func (t *TCPTransport) reportError(err error) {
	if t.onError != nil {
		t.onError(err)
	}
}
