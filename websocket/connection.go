package websocket

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// ConnectionState is one of the four RFC 6455 lifecycle states. The
// ordering is significant: property tests rely on it being
// monotone non-decreasing over a Connection's lifetime.
type ConnectionState int32

const (
	StateConnecting ConnectionState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// EventHandler is the single-sink event surface an application implements
// to observe a Connection. All methods are called from the Connection's
// executor goroutine, in order; an implementation that needs its own
// thread must re-post outward itself.
type EventHandler interface {
	StateChanged(state ConnectionState)
	MessageText(data []byte)
	MessageBinary(data []byte)
	Pong(delay time.Duration)
	Error(err error)
	Closed(code CloseCode, reason string)
}

// NoopHandler implements EventHandler with no-ops, useful to embed for
// partial handlers.
type NoopHandler struct{}

func (NoopHandler) StateChanged(ConnectionState) {}
func (NoopHandler) MessageText([]byte)           {}
func (NoopHandler) MessageBinary([]byte)         {}
func (NoopHandler) Pong(time.Duration)           {}
func (NoopHandler) Error(error)                  {}
func (NoopHandler) Closed(CloseCode, string)     {}

// Options configures a Connection beyond the wire protocol defaults.
type Options struct {
	// MaxMessageSize bounds the in-progress reassembly buffer. Overflow
	// initiates a close with code 1009. Zero means the default of 64 MiB.
	MaxMessageSize int

	// CloseTimeout bounds how long the closing handshake waits for the
	// peer's CLOSE frame before the transport is closed unilaterally.
	// Zero means the default of 5 seconds.
	CloseTimeout time.Duration

	// PingInterval, when non-zero, sends an automatic keep-alive Ping on
	// that cadence. The ticker starts when Open is called; ticks that fall
	// outside the OPEN state send nothing.
	PingInterval time.Duration

	// Logger receives internal lifecycle tracing: every state transition
	// is logged at debug level. Defaults to a no-op logger. This is
	// distinct from EventHandler, which carries application-facing events.
	Logger zerolog.Logger
}

const (
	defaultMaxMessageSize = 64 * 1024 * 1024
	defaultCloseTimeout   = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.MaxMessageSize == 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	if o.CloseTimeout == 0 {
		o.CloseTimeout = defaultCloseTimeout
	}
	if reflect.DeepEqual(o.Logger, zerolog.Logger{}) {
		o.Logger = zerolog.Nop()
	}
	return o
}

type sendOp struct {
	opcode  byte
	payload []byte
	result  chan error
}

type closeOp struct {
	code   CloseCode
	reason string
	result chan error
}

// Connection drives the handshake, frame codec, and lifecycle state machine
// over a Transport. All mutable state is owned exclusively by the run
// goroutine started in Open; public methods only ever communicate with it
// over channels.
type Connection struct {
	transport Transport
	spec      RequestSpec
	handler   EventHandler
	opts      Options

	state       atomic.Int32
	subprotocol atomic.Value // string, set once on handshake success

	sendCh  chan sendOp
	pingCh  chan chan error
	closeCh chan closeOp

	transportStateCh chan TransportState
	transportErrCh   chan error
	inboundCh        chan []byte

	done chan struct{} // closed exactly once, when the executor exits

	// --- executor-owned below this line ---
	buf        []byte
	hs         *handshakeState
	fragType   byte
	fragBuf    bytes.Buffer
	inFragment bool
	closeSent  bool
	closeRecv  bool
	cleanClose bool
	pingSentAt time.Time
}

// NewConnection builds a Connection over transport, ready for Open. handler
// may be nil, in which case events are discarded (equivalent to NoopHandler).
func NewConnection(transport Transport, spec RequestSpec, handler EventHandler, opts Options) *Connection {
	if handler == nil {
		handler = NoopHandler{}
	}
	c := &Connection{
		transport: transport,
		spec:      spec,
		handler:   handler,
		opts:      opts.withDefaults(),

		sendCh:  make(chan sendOp),
		pingCh:  make(chan chan error),
		closeCh: make(chan closeOp),

		transportStateCh: make(chan TransportState, 4),
		transportErrCh:   make(chan error, 4),
		inboundCh:        make(chan []byte, 16),

		done: make(chan struct{}),
	}
	c.state.Store(int32(StateClosed))
	return c
}

// State returns the current lifecycle state. Safe from any goroutine.
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Open transitions CLOSED -> CONNECTING, wires the transport callbacks, and
// starts the executor goroutine. A Connection that is not CLOSED returns
// ErrNotClosed unchanged.
func (c *Connection) Open() error {
	if !c.state.CompareAndSwap(int32(StateClosed), int32(StateConnecting)) {
		return ErrNotClosed
	}

	c.transport.OnStateChange(func(s TransportState) {
		select {
		case c.transportStateCh <- s:
		case <-c.done:
		}
	})
	c.transport.OnReceive(func(b []byte) {
		select {
		case c.inboundCh <- b:
		case <-c.done:
		}
	})
	c.transport.OnError(func(err error) {
		select {
		case c.transportErrCh <- err:
		case <-c.done:
		}
	})

	go c.run()
	c.transport.Open()
	return nil
}

// SendString encodes s as a TEXT frame and sends it, if OPEN.
func (c *Connection) SendString(s string) error {
	if !utf8.ValidString(s) {
		return ErrInvalidUTF8
	}
	return c.enqueueSend(opcodeText, []byte(s))
}

// SendData encodes b as a BINARY frame and sends it, if OPEN.
func (c *Connection) SendData(b []byte) error {
	return c.enqueueSend(opcodeBinary, b)
}

func (c *Connection) enqueueSend(opcode byte, payload []byte) error {
	result := make(chan error, 1)
	select {
	case c.sendCh <- sendOp{opcode: opcode, payload: payload, result: result}:
	case <-c.done:
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-c.done:
		return ErrClosed
	}
}

// Ping sends a PING frame carrying the current time and records the send
// time for the latency the matching Pong event reports.
func (c *Connection) Ping() error {
	result := make(chan error, 1)
	select {
	case c.pingCh <- result:
	case <-c.done:
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-c.done:
		return ErrClosed
	}
}

// Close begins the closing handshake. Calling Close on a Connection that
// is already CLOSING or CLOSED is a no-op. Default code is
// CloseNormalClosure with an empty reason.
func (c *Connection) Close(code CloseCode, reason string) error {
	if c.State() == StateClosed {
		return nil
	}
	result := make(chan error, 1)
	select {
	case c.closeCh <- closeOp{code: code, reason: reason, result: result}:
	case <-c.done:
		return nil
	}
	select {
	case err := <-result:
		return err
	case <-c.done:
		return nil
	}
}

// run is the single-threaded executor: every piece of Connection state
// below the field-comment line is touched only here. The shape (one
// goroutine draining several typed channels in a select loop) follows the
// teacher's Hub.Run register/unregister/broadcast/done pattern.
func (c *Connection) run() {
	defer close(c.done)

	c.setState(StateConnecting)

	var closeTimer *time.Timer
	var closeTimerCh <-chan time.Time

	var pingTicker *time.Ticker
	var pingTickerCh <-chan time.Time
	if c.opts.PingInterval > 0 {
		pingTicker = time.NewTicker(c.opts.PingInterval)
		pingTickerCh = pingTicker.C
		defer pingTicker.Stop()
	}

	for {
		select {
		case s := <-c.transportStateCh:
			if c.handleTransportState(s) {
				return
			}

		case err := <-c.transportErrCh:
			c.handleTransportError(err)

		case b := <-c.inboundCh:
			c.buf = append(c.buf, b...)
			if c.pumpBuffer() {
				return
			}

		case op := <-c.sendCh:
			op.result <- c.handleSend(op.opcode, op.payload)

		case result := <-c.pingCh:
			result <- c.handlePing()

		case op := <-c.closeCh:
			op.result <- c.beginClose(op.code, op.reason)
			if c.State() == StateClosing && closeTimer == nil {
				closeTimer = time.NewTimer(c.opts.CloseTimeout)
				closeTimerCh = closeTimer.C
			}

		case <-closeTimerCh:
			c.finalize(CloseNormalClosure, "", true)
			return

		case <-pingTickerCh:
			_ = c.handlePing()
		}

		if c.State() == StateClosing && closeTimer == nil && c.closeSent {
			closeTimer = time.NewTimer(c.opts.CloseTimeout)
			closeTimerCh = closeTimer.C
		}
		if c.State() == StateClosed {
			if closeTimer != nil {
				closeTimer.Stop()
			}
			return
		}
	}
}

func (c *Connection) setState(s ConnectionState) {
	c.state.Store(int32(s))
	c.opts.Logger.Debug().Str("state", s.String()).Msg("websocket: state changed")
	c.handler.StateChanged(s)
}

// handleTransportState reacts to the underlying byte stream opening or
// closing. It returns true once the executor should exit.
func (c *Connection) handleTransportState(s TransportState) bool {
	switch s {
	case TransportOpen:
		if c.State() != StateConnecting {
			return false
		}
		req, hs, err := BuildRequest(c.spec)
		if err != nil {
			c.fail(&HandshakeError{Reason: "build request", Err: err})
			return true
		}
		c.hs = hs
		if err := c.transport.Send(req); err != nil {
			c.fail(&TransportError{Err: err})
			return true
		}
		return false

	case TransportClosed:
		if c.cleanClose {
			c.setState(StateClosed)
			return true
		}
		switch c.State() {
		case StateConnecting:
			c.fail(&TransportError{Err: fmt.Errorf("transport closed during handshake")})
		default:
			c.handler.Error(&TransportError{Err: fmt.Errorf("transport closed unexpectedly")})
			c.finalize(CloseAbnormalClosure, "", false)
		}
		return true
	}
	return false
}

func (c *Connection) handleTransportError(err error) {
	if c.cleanClose {
		return
	}
	c.handler.Error(&TransportError{Err: err})
}

// pumpBuffer drains as many complete handshake responses/frames as buf
// currently holds. It returns true once the executor should exit.
func (c *Connection) pumpBuffer() bool {
	if c.State() == StateConnecting {
		if c.stepHandshake() {
			return true
		}
	}
	return c.pumpFrames()
}

func (c *Connection) stepHandshake() bool {
	leftover, subprotocol, ok, err := ParseResponse(c.buf, c.hs)
	if !ok {
		return false // need more bytes
	}
	if err != nil {
		c.fail(err)
		return true
	}
	c.buf = leftover
	c.hs = nil
	c.subprotocol.Store(subprotocol)
	c.setState(StateOpen)
	return false
}

// Subprotocol returns the subprotocol the server selected during the opening
// handshake, or "" if none was negotiated or the handshake hasn't completed.
func (c *Connection) Subprotocol() string {
	v, _ := c.subprotocol.Load().(string)
	return v
}

func (c *Connection) pumpFrames() bool {
	for c.State() == StateOpen || c.State() == StateClosing {
		f, n, err := DecodeFrame(c.buf)
		if err != nil {
			var pe *ProtocolError
			if asProtocolError(err, &pe) {
				return c.protocolFail(pe)
			}
			c.handler.Error(err)
			c.finalize(CloseProtocolError, "", false)
			return true
		}
		if n == 0 {
			return false // need more bytes
		}
		c.buf = c.buf[n:]

		if done := c.handleFrame(f); done {
			return true
		}
	}
	return false
}

func asProtocolError(err error, target **ProtocolError) bool {
	if pe, ok := err.(*ProtocolError); ok {
		*target = pe
		return true
	}
	return false
}

func (c *Connection) handleFrame(f Frame) (done bool) {
	switch f.Opcode {
	case opcodePing:
		if err := c.sendControl(opcodePong, f.Payload); err != nil {
			c.handler.Error(&TransportError{Err: err})
			c.finalize(CloseAbnormalClosure, "", false)
			return true
		}
		return false

	case opcodePong:
		var delay time.Duration
		if !c.pingSentAt.IsZero() {
			delay = time.Since(c.pingSentAt)
			c.pingSentAt = time.Time{}
		}
		c.handler.Pong(delay)
		return false

	case opcodeClose:
		return c.handleCloseFrame(f.Payload)

	case opcodeText, opcodeBinary:
		if c.inFragment {
			return c.protocolFail(&ProtocolError{Subkind: ErrFragmentInProgress})
		}
		if !f.Fin {
			c.inFragment = true
			c.fragType = f.Opcode
			c.fragBuf.Reset()
			c.fragBuf.Write(f.Payload)
			if c.fragBuf.Len() > c.opts.MaxMessageSize {
				return c.protocolFail(&ProtocolError{Subkind: ErrMessageTooBig})
			}
			return false
		}
		if len(f.Payload) > c.opts.MaxMessageSize {
			return c.protocolFail(&ProtocolError{Subkind: ErrMessageTooBig})
		}
		c.emitMessage(f.Opcode, f.Payload)
		return false

	case opcodeContinuation:
		if !c.inFragment {
			return c.protocolFail(&ProtocolError{Subkind: ErrUnexpectedContinuation})
		}
		c.fragBuf.Write(f.Payload)
		if c.fragBuf.Len() > c.opts.MaxMessageSize {
			return c.protocolFail(&ProtocolError{Subkind: ErrMessageTooBig})
		}
		if f.Fin {
			c.inFragment = false
			payload := append([]byte(nil), c.fragBuf.Bytes()...)
			opcode := c.fragType
			c.emitMessage(opcode, payload)
		}
		return false
	}
	return false
}

func (c *Connection) emitMessage(opcode byte, payload []byte) {
	if opcode == opcodeText && !utf8.Valid(payload) {
		_ = c.protocolFail(&ProtocolError{Subkind: ErrInvalidUTF8})
		return
	}
	if opcode == opcodeText {
		c.handler.MessageText(payload)
	} else {
		c.handler.MessageBinary(payload)
	}
}

// handleCloseFrame processes an inbound CLOSE.
func (c *Connection) handleCloseFrame(payload []byte) bool {
	code := CloseNoStatusReceived
	reason := ""
	switch {
	case len(payload) == 1:
		return c.protocolFail(&ProtocolError{Subkind: ErrInvalidCloseCode})
	case len(payload) >= 2:
		code = CloseCode(binary.BigEndian.Uint16(payload[:2]))
		reason = string(payload[2:])
		if !isAllowedCloseCode(code) {
			return c.protocolFail(&ProtocolError{Subkind: ErrInvalidCloseCode})
		}
		if !utf8.ValidString(reason) {
			return c.protocolFail(&ProtocolError{Subkind: ErrInvalidUTF8})
		}
	}

	c.closeRecv = true
	if c.State() != StateClosing {
		c.setState(StateClosing)
	}

	echoCode := code
	if len(payload) < 2 {
		echoCode = CloseNormalClosure
	}
	if !c.closeSent {
		_ = c.sendCloseFrame(echoCode, "")
	}

	c.finalize(code, reason, true)
	return true
}

// protocolFail sends the mapped CLOSE frame (if one hasn't gone out yet),
// surfaces the error, and terminates the connection.
func (c *Connection) protocolFail(pe *ProtocolError) bool {
	code := closeCodeFor(pe.Subkind)
	if !c.closeSent {
		_ = c.sendCloseFrame(code, "")
	}
	c.handler.Error(pe)
	c.finalize(code, "", true)
	return true
}

// fail handles a fatal HandshakeError/TransportError encountered before
// OPEN: no CLOSE frame is sent, the transport is torn down, and the
// Connection goes straight to CLOSED.
func (c *Connection) fail(err error) {
	c.handler.Error(err)
	_ = c.transport.Close()
	c.setState(StateClosed)
	c.cleanClose = true
}

func (c *Connection) handleSend(opcode byte, payload []byte) error {
	if c.State() != StateOpen {
		return ErrClosed
	}
	frame, err := EncodeFrame(opcode, true, payload)
	if err != nil {
		return err
	}
	if err := c.transport.Send(frame); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}

func (c *Connection) handlePing() error {
	if c.State() != StateOpen {
		return ErrClosed
	}
	c.pingSentAt = time.Now()
	var payload [8]byte
	binary.BigEndian.PutUint64(payload[:], uint64(c.pingSentAt.UnixNano()))
	return c.sendControl(opcodePing, payload[:])
}

func (c *Connection) sendControl(opcode byte, payload []byte) error {
	frame, err := EncodeFrame(opcode, true, payload)
	if err != nil {
		return err
	}
	return c.transport.Send(frame)
}

// beginClose implements the application-initiated half of the closing handshake.
func (c *Connection) beginClose(code CloseCode, reason string) error {
	switch c.State() {
	case StateConnecting:
		c.fail(&TransportError{Err: fmt.Errorf("closed while connecting")})
		return nil
	case StateOpen:
		if code == 0 {
			code = CloseNormalClosure
		}
		c.setState(StateClosing)
		return c.sendCloseFrame(code, reason)
	default:
		return nil // already closing/closed: idempotent no-op
	}
}

// sendCloseFrame truncates reason so the whole CLOSE payload stays within
// the 125-byte control-frame limit.
func (c *Connection) sendCloseFrame(code CloseCode, reason string) error {
	payload := make([]byte, 2, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	payload = append(payload, reason...)
	for len(payload) > maxControlPayload {
		payload = payload[:len(payload)-1]
	}
	if err := c.sendControl(opcodeClose, payload); err != nil {
		return &TransportError{Err: err}
	}
	c.closeSent = true
	return nil
}

// finalize closes the transport and transitions to CLOSED, firing the
// terminal Closed event exactly once.
func (c *Connection) finalize(code CloseCode, reason string, clean bool) {
	if c.cleanClose {
		return
	}
	c.cleanClose = clean
	_ = c.transport.Close()
	c.setState(StateClosed)
	c.handler.Closed(code, reason)
}
