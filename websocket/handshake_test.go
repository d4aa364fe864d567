package websocket

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRequest(t *testing.T) {
	spec := RequestSpec{
		Host:         "example.com",
		Port:         8080,
		Resource:     "/ws?id=1",
		Origin:       "https://example.com",
		Subprotocols: []string{"chat", "superchat"},
		Headers:      map[string]string{"X-Custom": "value", "Host": "ignored"},
	}

	req, hs, err := BuildRequest(spec)
	require.NoError(t, err)
	require.NotNil(t, hs)
	assert.Len(t, hs.secKey, 24) // base64 of 16 bytes

	text := string(req)
	assert.True(t, strings.HasPrefix(text, "GET /ws?id=1 HTTP/1.1\r\n"))
	assert.Contains(t, text, "Host: example.com:8080\r\n")
	assert.Contains(t, text, "Upgrade: websocket\r\n")
	assert.Contains(t, text, "Connection: Upgrade\r\n")
	assert.Contains(t, text, "Sec-WebSocket-Version: 13\r\n")
	assert.Contains(t, text, "Origin: https://example.com\r\n")
	assert.Contains(t, text, "Sec-WebSocket-Protocol: chat, superchat\r\n")
	assert.Contains(t, text, "X-Custom: value\r\n")
	assert.True(t, strings.HasSuffix(text, "\r\n\r\n"))

	// The reserved Host header from spec.Headers must not leak through.
	assert.Equal(t, 1, strings.Count(text, "Host:"))
}

func TestBuildRequest_DefaultPortOmitted(t *testing.T) {
	spec := RequestSpec{Host: "example.com", Port: 80}
	req, _, err := BuildRequest(spec)
	require.NoError(t, err)
	assert.Contains(t, string(req), "Host: example.com\r\n")
}

func TestBuildRequest_DefaultResource(t *testing.T) {
	req, _, err := BuildRequest(RequestSpec{Host: "example.com"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(req), "GET / HTTP/1.1\r\n"))
}

func TestParseResponse_Success(t *testing.T) {
	hs := &handshakeState{secKey: "dGhlIHNhbXBsZSBub25jZQ=="}
	accept := computeAcceptKey(hs.secKey)

	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n" +
		"Sec-WebSocket-Protocol: chat\r\n" +
		"\r\nleftover-bytes"

	leftover, subprotocol, ok, err := ParseResponse([]byte(response), hs)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "leftover-bytes", string(leftover))
	assert.Equal(t, "chat", subprotocol)
}

func TestParseResponse_NeedMoreData(t *testing.T) {
	_, _, ok, err := ParseResponse([]byte("HTTP/1.1 101 Switching Protocols\r\n"), &handshakeState{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseResponse_WrongStatus(t *testing.T) {
	response := "HTTP/1.1 404 Not Found\r\n\r\n"
	_, _, ok, err := ParseResponse([]byte(response), &handshakeState{})
	require.True(t, ok)
	var he *HandshakeError
	require.ErrorAs(t, err, &he)
}

func TestParseResponse_MissingUpgrade(t *testing.T) {
	hs := &handshakeState{secKey: "dGhlIHNhbXBsZSBub25jZQ=="}
	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + computeAcceptKey(hs.secKey) + "\r\n\r\n"

	_, _, ok, err := ParseResponse([]byte(response), hs)
	require.True(t, ok)
	var he *HandshakeError
	require.ErrorAs(t, err, &he)
	assert.Contains(t, he.Reason, "Upgrade")
}

func TestParseResponse_AcceptMismatch(t *testing.T) {
	hs := &handshakeState{secKey: "dGhlIHNhbXBsZSBub25jZQ=="}
	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: not-the-right-value\r\n\r\n"

	_, _, ok, err := ParseResponse([]byte(response), hs)
	require.True(t, ok)
	var he *HandshakeError
	require.ErrorAs(t, err, &he)
	assert.Contains(t, he.Reason, "Sec-WebSocket-Accept")
}

func TestComputeAcceptKey_RFC6455Example(t *testing.T) {
	// The exact example from RFC 6455 Section 1.3.
	got := computeAcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", got)
}

func TestHeaderContainsToken(t *testing.T) {
	assert.True(t, headerContainsToken("Upgrade, Keep-Alive", "upgrade"))
	assert.True(t, headerContainsToken("upgrade", "Upgrade"))
	assert.False(t, headerContainsToken("keep-alive", "upgrade"))
}
