// Package socks implements the server side of the SOCKS5 handshake:
// greeting, method selection, username/password sub-negotiation,
// request decoding and the final address-tagged reply.
package socks

import "errors"

const Version5 byte = 0x05

// Authentication methods as defined in RFC 1928 section 3.
const (
	MethodNoAuth       byte = 0x00
	MethodUserPass     byte = 0x02
	MethodNoAcceptable byte = 0xFF
)

// Username/password sub-negotiation (RFC 1929).
const (
	userPassVersion byte = 0x01
	authSucceeded   byte = 0x00
	authFailed      byte = 0x01
)

// Request commands as defined in RFC 1928 section 4.
const (
	CmdConnect      byte = 0x01
	CmdBind         byte = 0x02
	CmdUDPAssociate byte = 0x03
)

// Reply codes as defined in RFC 1928 section 6.
const (
	RepSucceeded           byte = 0x00
	RepGeneralFailure      byte = 0x01
	RepNotAllowed          byte = 0x02
	RepNetworkUnreachable  byte = 0x03
	RepHostUnreachable     byte = 0x04
	RepConnectionRefused   byte = 0x05
	RepTTLExpired          byte = 0x06
	RepCmdNotSupported     byte = 0x07
	RepAddrNotSupported    byte = 0x08
)

var (
	ErrVersion             = errors.New("socks: unsupported version")
	ErrNoAcceptableMethods = errors.New("socks: no acceptable methods")
	ErrCommandNotSupported = errors.New("socks: command not supported")
)
