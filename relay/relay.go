// Package relay shuttles bytes between an accepted client connection
// and its established tunnel.
package relay

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrIdleTimeout reports that no bytes moved in either direction for
// the configured idle window.
var ErrIdleTimeout = errors.New("relay: idle timeout")

const bufSize = 32 * 1024

type closeWriter interface {
	CloseWrite() error
}

// Relay copies in both directions until both peers have finished or
// the link goes idle. A peer's EOF propagates as a write-side shutdown
// to the other peer, so the opposite direction keeps flowing until it
// finishes on its own. up counts client to egress bytes, down counts
// egress to client.
//
// An idle of zero disables the idle timeout.
func Relay(client, egress net.Conn, idle time.Duration) (up, down int64, err error) {
	var (
		last     atomic.Int64
		once     sync.Once
		firstErr error
		wg       sync.WaitGroup
	)
	last.Store(time.Now().UnixNano())

	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			client.Close()
			egress.Close()
		})
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := copyDirection(egress, client, &up, &last, idle); err != nil {
			fail(err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := copyDirection(client, egress, &down, &last, idle); err != nil {
			fail(err)
		}
	}()
	wg.Wait()
	return up, down, firstErr
}

// copyDirection moves bytes from src to dst until EOF, a hard error,
// or the shared idle deadline expires. On EOF the write side of dst is
// shut down and nil is returned so the other direction can drain.
func copyDirection(dst, src net.Conn, count *int64, last *atomic.Int64, idle time.Duration) error {
	buf := make([]byte, bufSize)
	for {
		if idle > 0 {
			if err := src.SetReadDeadline(time.Now().Add(idle)); err != nil {
				return err
			}
		}
		n, err := src.Read(buf)
		if n > 0 {
			last.Store(time.Now().UnixNano())
			*count += int64(n)
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			if cw, ok := dst.(closeWriter); ok {
				cw.CloseWrite()
			}
			return nil
		}
		var ne net.Error
		if idle > 0 && errors.As(err, &ne) && ne.Timeout() {
			// The read deadline only proves this direction stalled.
			// The link is idle when the other direction stalled too.
			if time.Since(time.Unix(0, last.Load())) < idle {
				continue
			}
			return ErrIdleTimeout
		}
		return err
	}
}
