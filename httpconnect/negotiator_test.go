package httpconnect

import (
	"bufio"
	"encoding/base64"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netwayio/netway/auth"
	"github.com/netwayio/netway/tunnel"
)

type negotiateResult struct {
	addr *tunnel.Address
	err  error
}

func startNegotiate(t *testing.T, provider *auth.Provider) (net.Conn, *Negotiator, chan negotiateResult) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	n := NewNegotiator(server, provider)
	done := make(chan negotiateResult, 1)
	go func() {
		var first [1]byte
		if _, err := io.ReadFull(server, first[:]); err != nil {
			done <- negotiateResult{err: err}
			return
		}
		addr, err := n.Negotiate(first[0])
		done <- negotiateResult{addr: addr, err: err}
	}()
	return client, n, done
}

func readStatus(t *testing.T, c net.Conn) string {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(time.Second))
	line, err := bufio.NewReader(c).ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSpace(line)
}

func TestNegotiateConnect(t *testing.T) {
	client, n, done := startNegotiate(t, nil)

	io.WriteString(client, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "example.com:443", res.addr.String())

	go n.Succeed(nil)
	assert.Equal(t, "HTTP/1.1 200 Connection Established", readStatus(t, client))
}

func TestNegotiateRejectsOtherMethods(t *testing.T) {
	client, _, done := startNegotiate(t, nil)

	io.WriteString(client, "GET http://example.com/ HTTP/1.1\r\n\r\n")
	assert.Equal(t, "HTTP/1.1 400 Bad Request", readStatus(t, client))

	res := <-done
	assert.ErrorIs(t, res.err, ErrNotConnect)
}

func TestNegotiateMalformedTarget(t *testing.T) {
	client, _, done := startNegotiate(t, nil)

	io.WriteString(client, "CONNECT example.com HTTP/1.1\r\n\r\n")
	assert.Equal(t, "HTTP/1.1 400 Bad Request", readStatus(t, client))

	res := <-done
	assert.ErrorIs(t, res.err, ErrMalformed)
}

func TestNegotiateOversizedRequestLine(t *testing.T) {
	client, _, done := startNegotiate(t, nil)

	// A request line that cannot fit the header buffer is cut off and
	// answered, never accumulated.
	go io.WriteString(client, "CONNECT "+strings.Repeat("a", 1<<20)+":443 HTTP/1.1\r\n\r\n")
	assert.Equal(t, "HTTP/1.1 400 Bad Request", readStatus(t, client))

	res := <-done
	assert.ErrorIs(t, res.err, ErrMalformed)
	assert.Nil(t, res.addr)
}

func TestNegotiateOversizedHeaderLine(t *testing.T) {
	client, _, done := startNegotiate(t, nil)

	go io.WriteString(client, "CONNECT example.com:443 HTTP/1.1\r\nX-Filler: "+strings.Repeat("b", 1<<20)+"\r\n\r\n")
	assert.Equal(t, "HTTP/1.1 400 Bad Request", readStatus(t, client))

	res := <-done
	assert.ErrorIs(t, res.err, ErrMalformed)
}

func TestNegotiateAuthChallenge(t *testing.T) {
	provider := auth.NewProvider(auth.StaticStore{"alice": "pw"}, 0, 0)
	client, _, done := startNegotiate(t, provider)

	io.WriteString(client, "CONNECT example.com:443 HTTP/1.1\r\n\r\n")

	// Exactly one 407 with a challenge, and negotiation stops before
	// any tunnel work happens.
	br := bufio.NewReader(client)
	client.SetReadDeadline(time.Now().Add(time.Second))
	status, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 407 Proxy Authentication Required", strings.TrimSpace(status))
	challenge, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, `Proxy-Authenticate: Basic realm="netway"`, strings.TrimSpace(challenge))

	res := <-done
	assert.ErrorIs(t, res.err, ErrAuthRequired)
	assert.Nil(t, res.addr)
}

func TestNegotiateBasicAuth(t *testing.T) {
	provider := auth.NewProvider(auth.StaticStore{"alice": "pw"}, 0, 0)
	client, _, done := startNegotiate(t, provider)

	token := base64.StdEncoding.EncodeToString([]byte("alice:pw"))
	io.WriteString(client, "CONNECT example.com:80 HTTP/1.1\r\nProxy-Authorization: Basic "+token+"\r\n\r\n")

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "example.com:80", res.addr.String())
}

func TestNegotiateBadCredentials(t *testing.T) {
	provider := auth.NewProvider(auth.StaticStore{"alice": "pw"}, 0, 0)
	client, _, done := startNegotiate(t, provider)

	token := base64.StdEncoding.EncodeToString([]byte("alice:wrong"))
	io.WriteString(client, "CONNECT example.com:80 HTTP/1.1\r\nProxy-Authorization: Basic "+token+"\r\n\r\n")
	assert.Equal(t, "HTTP/1.1 407 Proxy Authentication Required", readStatus(t, client))

	res := <-done
	assert.ErrorIs(t, res.err, auth.ErrBadCredentials)
}

func TestFailStatusMapping(t *testing.T) {
	tests := []struct {
		kind tunnel.ErrorKind
		want string
	}{
		{tunnel.KindRejected, "HTTP/1.1 403 Forbidden"},
		{tunnel.KindTimeout, "HTTP/1.1 504 Gateway Timeout"},
		{tunnel.KindRefused, "HTTP/1.1 502 Bad Gateway"},
		{tunnel.KindResolution, "HTTP/1.1 502 Bad Gateway"},
	}
	for _, tt := range tests {
		client, server := net.Pipe()
		n := NewNegotiator(server, nil)
		go n.Fail(&tunnel.ConnectError{Kind: tt.kind, Addr: "x:1"})
		assert.Equal(t, tt.want, readStatus(t, client), tt.kind.String())
		client.Close()
		server.Close()
	}
}

func TestClientDrainsBufferedBytes(t *testing.T) {
	client, n, done := startNegotiate(t, nil)

	// Early data pipelined behind the request must reach the relay.
	io.WriteString(client, "CONNECT example.com:443 HTTP/1.1\r\n\r\nhello")
	res := <-done
	require.NoError(t, res.err)

	buf := make([]byte, 5)
	cc := n.Client()
	_, err := io.ReadFull(cc, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
}
