package socks

import (
	"io"
	"net"
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

// startNegotiate runs the server side of the handshake on one end of
// a pipe and returns the client end plus the result channel.
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

func readN(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	c.SetReadDeadline(time.Now().Add(time.Second))
	_, err := io.ReadFull(c, b)
	require.NoError(t, err)
	return b
}

func TestNegotiateNoAuthConnect(t *testing.T) {
	client, n, done := startNegotiate(t, nil)

	client.Write([]byte{0x05, 0x01, MethodNoAuth})
	assert.Equal(t, []byte{0x05, MethodNoAuth}, readN(t, client, 2))

	// CONNECT example.com:443
	req := []byte{0x05, CmdConnect, 0x00, tunnel.TypeDomain, 11}
	req = append(req, []byte("example.com")...)
	req = append(req, 0x01, 0xBB)
	client.Write(req)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "example.com:443", res.addr.String())

	// The reply is only written once the tunnel is up.
	bound := &net.TCPAddr{IP: net.IPv4(192, 0, 2, 5), Port: 4242}
	go n.Succeed(bound)
	reply := readN(t, client, 10)
	assert.Equal(t, []byte{0x05, RepSucceeded, 0x00, tunnel.TypeIPv4, 192, 0, 2, 5, 0x10, 0x92}, reply)
}

func TestNegotiateBadVersion(t *testing.T) {
	client, _, done := startNegotiate(t, nil)
	// The server stops reading after the version byte, so the write
	// must not block the assertion on the unbuffered pipe.
	go client.Write([]byte{0x04, 0x01, MethodNoAuth})

	res := <-done
	assert.ErrorIs(t, res.err, ErrVersion)
}

func TestNegotiateNoAcceptableMethods(t *testing.T) {
	provider := auth.NewProvider(auth.StaticStore{"alice": "pw"}, 0, 0)
	client, _, done := startNegotiate(t, provider)

	// Credentials are configured but the client only offers no-auth.
	client.Write([]byte{0x05, 0x01, MethodNoAuth})
	assert.Equal(t, []byte{0x05, MethodNoAcceptable}, readN(t, client, 2))

	res := <-done
	assert.ErrorIs(t, res.err, ErrNoAcceptableMethods)
}

func TestNegotiateUserPass(t *testing.T) {
	provider := auth.NewProvider(auth.StaticStore{"alice": "pw"}, 0, 0)
	client, _, done := startNegotiate(t, provider)

	client.Write([]byte{0x05, 0x02, MethodNoAuth, MethodUserPass})
	assert.Equal(t, []byte{0x05, MethodUserPass}, readN(t, client, 2))

	sub := []byte{0x01, 5}
	sub = append(sub, []byte("alice")...)
	sub = append(sub, 2)
	sub = append(sub, []byte("pw")...)
	client.Write(sub)
	assert.Equal(t, []byte{0x01, authSucceeded}, readN(t, client, 2))

	client.Write([]byte{0x05, CmdConnect, 0x00, tunnel.TypeIPv4, 10, 0, 0, 1, 0x00, 0x50})
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "10.0.0.1:80", res.addr.String())
}

func TestNegotiateUserPassRejected(t *testing.T) {
	provider := auth.NewProvider(auth.StaticStore{"alice": "pw"}, 0, 0)
	client, _, done := startNegotiate(t, provider)

	client.Write([]byte{0x05, 0x01, MethodUserPass})
	readN(t, client, 2)

	sub := []byte{0x01, 5}
	sub = append(sub, []byte("alice")...)
	sub = append(sub, 5)
	sub = append(sub, []byte("wrong")...)
	client.Write(sub)
	assert.Equal(t, []byte{0x01, authFailed}, readN(t, client, 2))

	res := <-done
	assert.ErrorIs(t, res.err, auth.ErrBadCredentials)
}

func TestNegotiateCommandNotSupported(t *testing.T) {
	client, _, done := startNegotiate(t, nil)

	client.Write([]byte{0x05, 0x01, MethodNoAuth})
	readN(t, client, 2)

	client.Write([]byte{0x05, CmdBind, 0x00, tunnel.TypeIPv4, 1, 2, 3, 4, 0x00, 0x50})
	reply := readN(t, client, 10)
	assert.Equal(t, RepCmdNotSupported, reply[1])

	res := <-done
	assert.ErrorIs(t, res.err, ErrCommandNotSupported)
}

func TestFailMapsErrorKinds(t *testing.T) {
	tests := []struct {
		kind tunnel.ErrorKind
		rep  byte
	}{
		{tunnel.KindRefused, RepConnectionRefused},
		{tunnel.KindNetworkUnreachable, RepNetworkUnreachable},
		{tunnel.KindHostUnreachable, RepHostUnreachable},
		{tunnel.KindResolution, RepHostUnreachable},
		{tunnel.KindTimeout, RepHostUnreachable},
		{tunnel.KindRejected, RepNotAllowed},
		{tunnel.KindTLS, RepGeneralFailure},
		{tunnel.KindUpstream, RepGeneralFailure},
	}
	for _, tt := range tests {
		client, server := net.Pipe()
		n := NewNegotiator(server, nil)
		go n.Fail(&tunnel.ConnectError{Kind: tt.kind, Addr: "x:1"})
		reply := readN(t, client, 10)
		assert.Equal(t, tt.rep, reply[1], tt.kind.String())
		client.Close()
		server.Close()
	}
}
