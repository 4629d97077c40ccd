// Package httpconnect implements the server side of HTTP CONNECT
// tunneling. The negotiator parses the request and authenticates the
// client; the final status line is written by the caller through
// Succeed or Fail once the outbound tunnel attempt has finished.
package httpconnect

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/netwayio/netway/auth"
	"github.com/netwayio/netway/tunnel"
)

var (
	ErrNotConnect   = errors.New("httpconnect: method is not CONNECT")
	ErrMalformed    = errors.New("httpconnect: malformed request")
	ErrAuthRequired = errors.New("httpconnect: proxy authentication required")
)

// headerBufSize bounds a single request or header line. A line that
// does not fit is treated as malformed.
const headerBufSize = 4096

// maxHeaderLines bounds the header block as a whole.
const maxHeaderLines = 64

// Negotiator parses one CONNECT request from a client connection.
type Negotiator struct {
	conn net.Conn
	br   *bufio.Reader
	auth *auth.Provider
}

// NewNegotiator wraps conn. A nil provider disables authentication.
func NewNegotiator(conn net.Conn, provider *auth.Provider) *Negotiator {
	return &Negotiator{
		conn: conn,
		br:   bufio.NewReaderSize(conn, headerBufSize),
		auth: provider,
	}
}

// Client returns the connection to relay on after negotiation. Reads
// drain bytes the header parser buffered past the request before
// touching the socket again.
func (n *Negotiator) Client() net.Conn {
	return &bufferedConn{reader: n.br, conn: n.conn}
}

// Negotiate reads the CONNECT request and authenticates the client.
// The first byte of the stream has already been consumed by protocol
// sniffing and is passed in. Error replies for malformed requests and
// failed authentication are written here; the success or failure of
// the tunnel itself is reported later via Succeed or Fail.
func (n *Negotiator) Negotiate(first byte) (*tunnel.Address, error) {
	rest, err := n.readLine()
	if err != nil {
		if errors.Is(err, ErrMalformed) {
			n.writeStatus(400, "Bad Request", "")
		}
		return nil, err
	}
	method, target, ok := parseRequestLine(string(first) + rest)
	if !ok {
		n.writeStatus(400, "Bad Request", "")
		return nil, ErrMalformed
	}
	if method != "CONNECT" {
		n.writeStatus(400, "Bad Request", "")
		return nil, ErrNotConnect
	}

	credentials, err := n.readHeaders()
	if err != nil {
		n.writeStatus(400, "Bad Request", "")
		return nil, err
	}

	if n.auth != nil {
		if err := n.verify(credentials); err != nil {
			n.writeStatus(407, "Proxy Authentication Required",
				"Proxy-Authenticate: Basic realm=\"netway\"\r\n")
			return nil, err
		}
	}

	addr, err := tunnel.FromAddr(target)
	if err != nil {
		n.writeStatus(400, "Bad Request", "")
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return addr, nil
}

// Succeed reports the established tunnel. The bound address is part
// of the shared negotiator contract and unused by HTTP.
func (n *Negotiator) Succeed(_ net.Addr) error {
	return n.writeStatus(200, "Connection Established", "")
}

// Fail reports a tunnel failure with the matching status code.
func (n *Negotiator) Fail(err error) error {
	switch tunnel.KindOf(err) {
	case tunnel.KindRejected:
		return n.writeStatus(403, "Forbidden", "")
	case tunnel.KindTimeout:
		return n.writeStatus(504, "Gateway Timeout", "")
	default:
		return n.writeStatus(502, "Bad Gateway", "")
	}
}

// readLine reads one header line. ReadSlice caps the line at the
// reader's buffer size, so a client cannot stream an unbounded line.
func (n *Negotiator) readLine() (string, error) {
	line, err := n.br.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return "", fmt.Errorf("%w: line too long", ErrMalformed)
		}
		return "", err
	}
	return string(line), nil
}

// readHeaders consumes the header block up to the empty line and
// returns the Proxy-Authorization value, if any.
func (n *Negotiator) readHeaders() (string, error) {
	var credentials string
	for i := 0; i < maxHeaderLines; i++ {
		line, err := n.readLine()
		if err != nil {
			return "", err
		}
		if line == "\r\n" || line == "\n" {
			return credentials, nil
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return "", fmt.Errorf("%w: header %q", ErrMalformed, strings.TrimSpace(line))
		}
		if strings.EqualFold(strings.TrimSpace(name), "Proxy-Authorization") {
			credentials = strings.TrimSpace(value)
		}
	}
	return "", fmt.Errorf("%w: too many header lines", ErrMalformed)
}

func (n *Negotiator) verify(credentials string) error {
	scheme, encoded, ok := strings.Cut(credentials, " ")
	if !ok || !strings.EqualFold(scheme, "Basic") {
		return ErrAuthRequired
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return ErrAuthRequired
	}
	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return ErrAuthRequired
	}
	source, _, err := net.SplitHostPort(n.conn.RemoteAddr().String())
	if err != nil {
		source = n.conn.RemoteAddr().String()
	}
	return n.auth.Verify(username, password, source)
}

func (n *Negotiator) writeStatus(code int, text, extra string) error {
	_, err := fmt.Fprintf(n.conn, "HTTP/1.1 %d %s\r\n%s\r\n", code, text, extra)
	return err
}

// parseRequestLine splits "METHOD target HTTP/1.x".
func parseRequestLine(line string) (method, target string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/1.") {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// bufferedConn returns bytes buffered during header parsing before
// reading from the socket again.
type bufferedConn struct {
	reader *bufio.Reader
	conn   net.Conn
}

func (c *bufferedConn) Read(p []byte) (int, error)  { return c.reader.Read(p) }
func (c *bufferedConn) Write(p []byte) (int, error) { return c.conn.Write(p) }
func (c *bufferedConn) Close() error                { return c.conn.Close() }

func (c *bufferedConn) CloseWrite() error {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := c.conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}

func (c *bufferedConn) LocalAddr() net.Addr                { return c.conn.LocalAddr() }
func (c *bufferedConn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *bufferedConn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *bufferedConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *bufferedConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
