package websocket

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"time"
)

// DialOptions configures Dial beyond the RequestSpec it derives from the
// URL.
type DialOptions struct {
	Origin       string
	Subprotocols []string
	Headers      map[string]string
	TLSConfig    *tls.Config
	Handler      EventHandler
	Options      Options
}

// Dial parses rawURL (ws:// or wss://), opens a TCPTransport to it, and
// drives a Connection through the opening handshake. It blocks until the
// Connection reaches OPEN or fails, returning the running Connection on
// success (done synchronously for callers that don't need to observe
// intermediate state changes).
func Dial(ctx context.Context, rawURL string, opts DialOptions) (*Connection, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("websocket: parse URL: %w", err)
	}

	var secure bool
	switch u.Scheme {
	case "ws":
		secure = false
	case "wss":
		secure = true
	default:
		return nil, ErrInvalidScheme
	}

	host := u.Hostname()
	portStr := u.Port()
	port := 80
	if secure {
		port = 443
	}
	if portStr != "" {
		if p, err := net.LookupPort("tcp", portStr); err == nil {
			port = p
		}
	}

	resource := u.RequestURI()
	if resource == "" {
		resource = "/"
	}

	spec := RequestSpec{
		Host:         host,
		Port:         port,
		Secure:       secure,
		Resource:     resource,
		Origin:       opts.Origin,
		Subprotocols: opts.Subprotocols,
		Headers:      opts.Headers,
	}

	transport := NewTCPTransport(net.JoinHostPort(host, fmt.Sprintf("%d", port)), secure, opts.TLSConfig)

	handler := opts.Handler
	if handler == nil {
		handler = NoopHandler{}
	}

	opened := make(chan error, 1)
	waiter := &dialWaiter{inner: handler, opened: opened}

	conn := NewConnection(transport, spec, waiter, opts.Options)
	if err := conn.Open(); err != nil {
		return nil, err
	}

	select {
	case err := <-opened:
		if err != nil {
			return nil, err
		}
		return conn, nil
	case <-ctx.Done():
		_ = conn.Close(CloseGoingAway, "")
		return nil, ctx.Err()
	}
}

// dialWaiter wraps the caller's EventHandler to intercept the first
// StateChanged/Error/Closed needed to resolve Dial's blocking call, then
// forwards every event onward unchanged.
type dialWaiter struct {
	inner    EventHandler
	opened   chan error
	resolved bool
}

func (w *dialWaiter) resolve(err error) {
	if !w.resolved {
		w.resolved = true
		w.opened <- err
	}
}

func (w *dialWaiter) StateChanged(state ConnectionState) {
	if state == StateOpen {
		w.resolve(nil)
	}
	w.inner.StateChanged(state)
}

func (w *dialWaiter) MessageText(data []byte)   { w.inner.MessageText(data) }
func (w *dialWaiter) MessageBinary(data []byte) { w.inner.MessageBinary(data) }
func (w *dialWaiter) Pong(delay time.Duration)  { w.inner.Pong(delay) }

func (w *dialWaiter) Error(err error) {
	w.resolve(err)
	w.inner.Error(err)
}

func (w *dialWaiter) Closed(code CloseCode, reason string) {
	w.resolve(fmt.Errorf("websocket: closed before open: code=%d reason=%q", code, reason))
	w.inner.Closed(code, reason)
}
