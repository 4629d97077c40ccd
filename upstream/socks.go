package upstream

import (
	"io"
	"net"

	"github.com/netwayio/netway/socks"
	"github.com/netwayio/netway/tunnel"
)

// socksConnect runs the client side of a SOCKS5 CONNECT handshake on
// an established connection to the parent proxy.
func (d *Dialer) socksConnect(conn net.Conn, target *tunnel.Address) error {
	greeting := []byte{socks.Version5, 1, socks.MethodNoAuth}
	if d.desc.Username != "" {
		greeting = []byte{socks.Version5, 2, socks.MethodNoAuth, socks.MethodUserPass}
	}
	if _, err := conn.Write(greeting); err != nil {
		return upstreamErr(target, "greeting: %w", err)
	}

	var sel [2]byte
	if _, err := io.ReadFull(conn, sel[:]); err != nil {
		return upstreamErr(target, "method selection: %w", err)
	}
	if sel[0] != socks.Version5 {
		return upstreamErr(target, "bad version %#02x in method selection", sel[0])
	}
	switch sel[1] {
	case socks.MethodNoAuth:
	case socks.MethodUserPass:
		if d.desc.Username == "" {
			return upstreamErr(target, "proxy demands credentials but none configured")
		}
		if err := d.socksAuth(conn, target); err != nil {
			return err
		}
	default:
		return upstreamErr(target, "no acceptable authentication method")
	}

	req := []byte{socks.Version5, socks.CmdConnect, 0x00}
	req = append(req, target.Bytes()...)
	if _, err := conn.Write(req); err != nil {
		return upstreamErr(target, "connect request: %w", err)
	}

	var reply [3]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		return upstreamErr(target, "connect reply: %w", err)
	}
	if reply[0] != socks.Version5 {
		return upstreamErr(target, "bad version %#02x in reply", reply[0])
	}
	if reply[1] != socks.RepSucceeded {
		return upstreamErr(target, "proxy refused connect: REP %#02x", reply[1])
	}
	var bound tunnel.Address
	if err := bound.ReadFrom(conn); err != nil {
		return upstreamErr(target, "bound address: %w", err)
	}
	return nil
}

// socksAuth runs the RFC 1929 username/password sub-negotiation.
func (d *Dialer) socksAuth(conn net.Conn, target *tunnel.Address) error {
	username, password := d.desc.Username, d.desc.Password
	if len(username) > 255 || len(password) > 255 {
		return upstreamErr(target, "credentials too long")
	}
	req := []byte{0x01, byte(len(username))}
	req = append(req, username...)
	req = append(req, byte(len(password)))
	req = append(req, password...)
	if _, err := conn.Write(req); err != nil {
		return upstreamErr(target, "auth request: %w", err)
	}
	var status [2]byte
	if _, err := io.ReadFull(conn, status[:]); err != nil {
		return upstreamErr(target, "auth reply: %w", err)
	}
	if status[1] != 0x00 {
		return upstreamErr(target, "proxy rejected credentials")
	}
	return nil
}
