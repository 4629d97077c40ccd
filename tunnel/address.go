package tunnel

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
)

// SOCKS address types as defined in RFC 1928 section 5.
const (
	TypeIPv4   byte = 0x01
	TypeDomain byte = 0x03
	TypeIPv6   byte = 0x04
)

// MaxAddrLen is the maximum wire size of a SOCKS address:
// ATYP + length octet + 255 byte domain + port.
const MaxAddrLen = 1 + 1 + 255 + 2

// Address is a tunnel target: either a domain name and port or an IP
// literal and port. It is immutable once constructed; domain names are
// lowercased at construction so matching is case-insensitive.
type Address struct {
	domain   string
	ip       net.IP
	port     int
	addrType byte
}

// FromHostPort builds an Address from a host (IP literal or domain
// name) and a port.
func FromHostPort(host string, port int) *Address {
	if ip := net.ParseIP(host); ip != nil {
		if ip.To4() != nil {
			return &Address{ip: ip, port: port, addrType: TypeIPv4}
		}
		return &Address{ip: ip, port: port, addrType: TypeIPv6}
	}
	return &Address{domain: strings.ToLower(host), port: port, addrType: TypeDomain}
}

// FromAddr parses a "host:port" string into an Address.
func FromAddr(addr string) (*Address, error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %q", p)
	}
	return FromHostPort(host, port), nil
}

// Type reports the SOCKS address type (IPv4, domain or IPv6).
func (a *Address) Type() byte { return a.addrType }

// Host returns the domain name, or the textual IP for IP addresses.
func (a *Address) Host() string {
	if a.addrType == TypeDomain {
		return a.domain
	}
	return a.ip.String()
}

// IP returns the literal IP, or nil for domain addresses.
func (a *Address) IP() net.IP { return a.ip }

// Port returns the port number.
func (a *Address) Port() int { return a.port }

// IsIP reports whether the address carries a literal IP.
func (a *Address) IsIP() bool { return a.addrType != TypeDomain }

func (a *Address) String() string {
	switch a.addrType {
	case TypeIPv4:
		return fmt.Sprintf("%s:%d", a.ip.String(), a.port)
	case TypeIPv6:
		return fmt.Sprintf("[%s]:%d", a.ip.String(), a.port)
	case TypeDomain:
		return fmt.Sprintf("%s:%d", a.domain, a.port)
	default:
		return "INVALID_ADDRESS_TYPE"
	}
}

// Network implements net.Addr.
func (a *Address) Network() string { return "tcp" }

// ReadFrom decodes a SOCKS wire address (ATYP, ADDR, PORT) from reader.
// A domain that parses as an IP literal is normalized to the IP form,
// matching how clients smuggle IPs through the domain address type.
func (a *Address) ReadFrom(reader io.Reader) error {
	b := make([]byte, MaxAddrLen)
	if _, err := io.ReadFull(reader, b[:1]); err != nil {
		return fmt.Errorf("unable to read ATYP: %w", err)
	}
	a.addrType = b[0]
	switch a.addrType {
	case TypeIPv4:
		n := 1 + net.IPv4len
		if _, err := io.ReadFull(reader, b[1:n+2]); err != nil {
			return fmt.Errorf("failed to read IPv4 address: %w", err)
		}
		a.ip = append(net.IP(nil), b[1:n]...)
		a.port = int(binary.BigEndian.Uint16(b[n : n+2]))
	case TypeIPv6:
		n := 1 + net.IPv6len
		if _, err := io.ReadFull(reader, b[1:n+2]); err != nil {
			return fmt.Errorf("failed to read IPv6 address: %w", err)
		}
		a.ip = append(net.IP(nil), b[1:n]...)
		a.port = int(binary.BigEndian.Uint16(b[n : n+2]))
	case TypeDomain:
		if _, err := io.ReadFull(reader, b[1:2]); err != nil {
			return fmt.Errorf("failed to read domain length: %w", err)
		}
		n := 2 + int(b[1])
		if b[1] == 0 {
			return fmt.Errorf("empty domain name")
		}
		if _, err := io.ReadFull(reader, b[2:n+2]); err != nil {
			return fmt.Errorf("failed to read domain name: %w", err)
		}
		a.domain = strings.ToLower(string(b[2:n]))
		a.port = int(binary.BigEndian.Uint16(b[n : n+2]))
		if ip := net.ParseIP(a.domain); ip != nil {
			a.ip = ip
			a.domain = ""
			if ip.To4() != nil {
				a.addrType = TypeIPv4
			} else {
				a.addrType = TypeIPv6
			}
		}
	default:
		return fmt.Errorf("invalid ATYP %#02x", a.addrType)
	}
	return nil
}

// WriteTo encodes the address in SOCKS wire form (ATYP, ADDR, PORT).
func (a *Address) WriteTo(w io.Writer) error {
	if _, err := w.Write([]byte{a.addrType}); err != nil {
		return err
	}
	switch a.addrType {
	case TypeDomain:
		if len(a.domain) > 255 {
			return fmt.Errorf("domain name too long: %d", len(a.domain))
		}
		if _, err := w.Write([]byte{byte(len(a.domain))}); err != nil {
			return err
		}
		if _, err := w.Write([]byte(a.domain)); err != nil {
			return err
		}
	case TypeIPv4:
		if _, err := w.Write(a.ip.To4()); err != nil {
			return err
		}
	case TypeIPv6:
		if _, err := w.Write(a.ip.To16()); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid ATYP %#02x", a.addrType)
	}
	port := [2]byte{}
	binary.BigEndian.PutUint16(port[:], uint16(a.port))
	_, err := w.Write(port[:])
	return err
}

// Bytes returns the SOCKS wire form, or nil if encoding fails.
func (a *Address) Bytes() []byte {
	b := bytes.NewBuffer(make([]byte, 0, MaxAddrLen))
	if err := a.WriteTo(b); err != nil {
		return nil
	}
	return b.Bytes()
}
