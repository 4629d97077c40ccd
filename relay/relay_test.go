package relay

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tcpPipe returns two ends of a loopback TCP connection, so half-close
// works like it does in production.
func tcpPipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		c, err := ln.Accept()
		ch <- accepted{c, err}
	}()
	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	a := <-ch
	require.NoError(t, a.err)
	t.Cleanup(func() { dialed.Close(); a.conn.Close() })
	return dialed, a.conn
}

type relayResult struct {
	up, down int64
	err      error
}

func startRelay(client, egress net.Conn, idle time.Duration) chan relayResult {
	done := make(chan relayResult, 1)
	go func() {
		up, down, err := Relay(client, egress, idle)
		done <- relayResult{up, down, err}
	}()
	return done
}

func TestRelayBidirectional(t *testing.T) {
	clientPeer, clientSide := tcpPipe(t)
	egressPeer, egressSide := tcpPipe(t)
	done := startRelay(clientSide, egressSide, 0)

	_, err := clientPeer.Write([]byte("request bytes"))
	require.NoError(t, err)
	buf := make([]byte, 13)
	_, err = io.ReadFull(egressPeer, buf)
	require.NoError(t, err)
	assert.Equal(t, "request bytes", string(buf))

	_, err = egressPeer.Write([]byte("response"))
	require.NoError(t, err)
	buf = make([]byte, 8)
	_, err = io.ReadFull(clientPeer, buf)
	require.NoError(t, err)
	assert.Equal(t, "response", string(buf))

	clientPeer.Close()
	egressPeer.Close()

	res := <-done
	assert.Equal(t, int64(13), res.up)
	assert.Equal(t, int64(8), res.down)
}

func TestRelayHalfClosePropagates(t *testing.T) {
	clientPeer, clientSide := tcpPipe(t)
	egressPeer, egressSide := tcpPipe(t)
	done := startRelay(clientSide, egressSide, 0)

	_, err := clientPeer.Write([]byte("last request"))
	require.NoError(t, err)
	require.NoError(t, clientPeer.(*net.TCPConn).CloseWrite())

	// The egress peer sees the request, then EOF.
	buf := make([]byte, 12)
	_, err = io.ReadFull(egressPeer, buf)
	require.NoError(t, err)
	_, err = egressPeer.Read(buf)
	assert.ErrorIs(t, err, io.EOF)

	// The reverse direction still delivers after the half-close.
	_, err = egressPeer.Write([]byte("late response"))
	require.NoError(t, err)
	buf = make([]byte, 13)
	_, err = io.ReadFull(clientPeer, buf)
	require.NoError(t, err)
	assert.Equal(t, "late response", string(buf))

	egressPeer.Close()
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, int64(12), res.up)
	assert.Equal(t, int64(13), res.down)
}

func TestRelayIdleTimeout(t *testing.T) {
	clientPeer, clientSide := tcpPipe(t)
	egressPeer, egressSide := tcpPipe(t)
	_ = clientPeer
	_ = egressPeer
	done := startRelay(clientSide, egressSide, 150*time.Millisecond)

	select {
	case res := <-done:
		assert.ErrorIs(t, res.err, ErrIdleTimeout)
	case <-time.After(3 * time.Second):
		t.Fatal("relay did not time out on an idle link")
	}
}

func TestRelayTrafficDefersIdleTimeout(t *testing.T) {
	clientPeer, clientSide := tcpPipe(t)
	egressPeer, egressSide := tcpPipe(t)
	done := startRelay(clientSide, egressSide, 400*time.Millisecond)

	// One active direction keeps the whole link alive.
	go func() {
		buf := make([]byte, 16)
		for {
			if _, err := egressPeer.Read(buf); err != nil {
				return
			}
		}
	}()
	for i := 0; i < 5; i++ {
		_, err := clientPeer.Write([]byte("tick"))
		require.NoError(t, err)
		time.Sleep(150 * time.Millisecond)
	}

	clientPeer.Close()
	egressPeer.Close()
	res := <-done
	assert.NotErrorIs(t, res.err, ErrIdleTimeout)
	assert.Equal(t, int64(20), res.up)
}
