package upstream

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/netwayio/netway/tunnel"
)

// httpConnect issues a CONNECT request to the parent proxy and reads
// the response. Bytes the response parser buffered past the header
// block are preserved in the returned connection.
func (d *Dialer) httpConnect(conn net.Conn, target *tunnel.Address) (net.Conn, error) {
	var req strings.Builder
	fmt.Fprintf(&req, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target.String(), target.String())
	if d.desc.Username != "" {
		token := base64.StdEncoding.EncodeToString([]byte(d.desc.Username + ":" + d.desc.Password))
		fmt.Fprintf(&req, "Proxy-Authorization: Basic %s\r\n", token)
	}
	req.WriteString("\r\n")
	if _, err := conn.Write([]byte(req.String())); err != nil {
		return nil, upstreamErr(target, "connect request: %w", err)
	}

	br := bufio.NewReaderSize(conn, 4096)
	status, err := br.ReadString('\n')
	if err != nil {
		return nil, upstreamErr(target, "status line: %w", err)
	}
	code, err := parseStatusLine(status)
	if err != nil {
		return nil, upstreamErr(target, "%v", err)
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, upstreamErr(target, "response headers: %w", err)
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}
	if code != 200 {
		return nil, upstreamErr(target, "proxy refused connect: status %d", code)
	}
	if br.Buffered() == 0 {
		return conn, nil
	}
	return &earlyDataConn{reader: br, Conn: conn}, nil
}

func parseStatusLine(line string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/1.") {
		return 0, fmt.Errorf("malformed status line %q", strings.TrimSpace(line))
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("malformed status code %q", parts[1])
	}
	return code, nil
}

// earlyDataConn drains target bytes that arrived pipelined behind the
// proxy's response headers.
type earlyDataConn struct {
	reader *bufio.Reader
	net.Conn
}

func (c *earlyDataConn) Read(p []byte) (int, error) {
	if c.reader.Buffered() > 0 {
		return c.reader.Read(p)
	}
	return c.Conn.Read(p)
}

func (c *earlyDataConn) CloseWrite() error {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}
