package websocket

import (
	"fmt"
	"sync"

	"github.com/lithammer/shortuuid/v4"
)

// Manager owns a named pool of Connections and offers broadcast-style
// operations across all of them: a register/unregister/broadcast channel
// trio drained by one goroutine, keyed by connection ID since each
// Connection already runs its own executor.
type Manager struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	closed bool

	register   chan registerOp
	unregister chan string
	broadcast  chan broadcastOp
	done       chan struct{}
	wg         sync.WaitGroup
}

type registerOp struct {
	id   string
	conn *Connection
}

type broadcastOp struct {
	text   bool
	data   []byte
	result chan []error
}

// NewManager creates an empty Manager. Run must be started in a goroutine
// before Add/Remove/BroadcastText/BroadcastData are used.
func NewManager() *Manager {
	return &Manager{
		conns:      make(map[string]*Connection),
		register:   make(chan registerOp),
		unregister: make(chan string),
		broadcast:  make(chan broadcastOp),
		done:       make(chan struct{}),
	}
}

// Run starts the Manager's event loop. It blocks until Close is called.
func (m *Manager) Run() {
	m.wg.Add(1)
	defer m.wg.Done()

	for {
		select {
		case op := <-m.register:
			m.mu.Lock()
			m.conns[op.id] = op.conn
			m.mu.Unlock()

		case id := <-m.unregister:
			m.mu.Lock()
			if conn, ok := m.conns[id]; ok {
				delete(m.conns, id)
				go func() { _ = conn.Close(CloseGoingAway, "") }()
			}
			m.mu.Unlock()

		case op := <-m.broadcast:
			m.mu.RLock()
			conns := make([]*Connection, 0, len(m.conns))
			for _, c := range m.conns {
				conns = append(conns, c)
			}
			m.mu.RUnlock()

			var mu sync.Mutex
			var errs []error
			var wg sync.WaitGroup
			for _, c := range conns {
				wg.Add(1)
				go func(c *Connection) {
					defer wg.Done()
					var err error
					if op.text {
						err = c.SendString(string(op.data))
					} else {
						err = c.SendData(op.data)
					}
					if err != nil {
						mu.Lock()
						errs = append(errs, err)
						mu.Unlock()
					}
				}(c)
			}
			wg.Wait()
			op.result <- errs

		case <-m.done:
			return
		}
	}
}

// Add registers conn under a fresh shortuuid-generated ID and returns it.
// The Manager does not call conn.Open — callers drive the Connection's own
// lifecycle and pass it to Add once it is running.
func (m *Manager) Add(conn *Connection) (string, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return "", fmt.Errorf("websocket: manager closed")
	}

	id := shortuuid.New()
	select {
	case m.register <- registerOp{id: id, conn: conn}:
	case <-m.done:
		return "", fmt.Errorf("websocket: manager closed")
	}
	return id, nil
}

// Remove closes and drops the connection with the given ID. Safe to call
// for an unknown or already-removed ID (no-op).
func (m *Manager) Remove(id string) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return
	}
	select {
	case m.unregister <- id:
	case <-m.done:
	}
}

// Get returns the connection registered under id, if any.
func (m *Manager) Get(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	return c, ok
}

// Connections returns the IDs of every currently registered connection.
func (m *Manager) Connections() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of currently registered connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// BroadcastText sends a TEXT message to every registered connection,
// returning the errors from any sends that failed (one per failure, not
// correlated with a particular connection ID).
func (m *Manager) BroadcastText(s string) []error {
	return m.doBroadcast(true, []byte(s))
}

// BroadcastData sends a BINARY message to every registered connection.
func (m *Manager) BroadcastData(b []byte) []error {
	return m.doBroadcast(false, b)
}

func (m *Manager) doBroadcast(text bool, data []byte) []error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return []error{fmt.Errorf("websocket: manager closed")}
	}

	result := make(chan []error, 1)
	select {
	case m.broadcast <- broadcastOp{text: text, data: data, result: result}:
	case <-m.done:
		return []error{fmt.Errorf("websocket: manager closed")}
	}
	select {
	case errs := <-result:
		return errs
	case <-m.done:
		return []error{fmt.Errorf("websocket: manager closed")}
	}
}

// Close stops the event loop and closes every registered connection.
// Safe to call multiple times.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()

	for _, c := range conns {
		_ = c.Close(CloseGoingAway, "")
	}
	return nil
}
