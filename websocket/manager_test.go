package websocket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOpenManagerConnection(t *testing.T) (*Connection, *fakeTransport, *recordingHandler) {
	return openConnection(t)
}

func TestManager_AddAndCount(t *testing.T) {
	m := NewManager()
	go m.Run()
	defer m.Close()

	conn, _, _ := newOpenManagerConnection(t)
	id, err := m.Add(conn)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.Eventually(t, func() bool { return m.Count() == 1 }, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		_, ok := m.Get(id)
		return ok
	}, time.Second, time.Millisecond)
	got, ok := m.Get(id)
	assert.True(t, ok)
	assert.Same(t, conn, got)
}

func TestManager_Connections(t *testing.T) {
	m := NewManager()
	go m.Run()
	defer m.Close()

	conn, _, _ := newOpenManagerConnection(t)
	id, err := m.Add(conn)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(m.Connections()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{id}, m.Connections())
}

func TestManager_BroadcastText(t *testing.T) {
	m := NewManager()
	go m.Run()
	defer m.Close()

	conn1, transport1, _ := newOpenManagerConnection(t)
	conn2, transport2, _ := newOpenManagerConnection(t)

	id1, err := m.Add(conn1)
	require.NoError(t, err)
	id2, err := m.Add(conn2)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.Count() == 2 }, time.Second, time.Millisecond)
	_, ok := m.Get(id1)
	require.True(t, ok)
	_, ok = m.Get(id2)
	require.True(t, ok)

	before1 := transport1.sentCount()
	before2 := transport2.sentCount()

	errs := m.BroadcastText("hello everyone")
	assert.Empty(t, errs)

	require.Eventually(t, func() bool {
		return transport1.sentCount() > before1 && transport2.sentCount() > before2
	}, time.Second, time.Millisecond)
}

func TestManager_RemoveClosesConnection(t *testing.T) {
	m := NewManager()
	go m.Run()
	defer m.Close()

	conn, transport, handler := newOpenManagerConnection(t)
	id, err := m.Add(conn)
	require.NoError(t, err)

	before := transport.sentCount()
	m.Remove(id)
	// Remove starts the closing handshake; the peer's echoed CLOSE completes
	// it well inside the default close timeout.
	require.Eventually(t, func() bool { return transport.sentCount() > before }, time.Second, time.Millisecond)
	echoedClose, _ := EncodeFrame(opcodeClose, true, []byte{0x03, 0xE9}) // 1001, big-endian
	transport.feed(unmaskClientFrame(echoedClose))
	handler.waitClosed(t)

	_, ok := m.Get(id)
	assert.False(t, ok)
}

func TestManager_CloseStopsFurtherOperations(t *testing.T) {
	m := NewManager()
	go m.Run()

	conn, _, _ := newOpenManagerConnection(t)
	_, err := m.Add(conn)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close()) // idempotent

	_, err = m.Add(conn)
	assert.Error(t, err)
}
