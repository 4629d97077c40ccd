// Package proxy accepts client connections, negotiates SOCKS5 or HTTP
// CONNECT, routes the target through the rule engine and relays the
// resulting tunnel.
package proxy

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/netwayio/netway/auth"
	"github.com/netwayio/netway/httpconnect"
	"github.com/netwayio/netway/relay"
	"github.com/netwayio/netway/rules"
	"github.com/netwayio/netway/socks"
	"github.com/netwayio/netway/tunnel"
)

const defaultHandshakeTimeout = 10 * time.Second

// negotiator is the protocol-independent handshake surface shared by
// the SOCKS5 and HTTP CONNECT front ends.
type negotiator interface {
	Negotiate(first byte) (*tunnel.Address, error)
	Succeed(bound net.Addr) error
	Fail(err error) error
	Client() net.Conn
}

// Config carries the wiring for a Server.
type Config struct {
	Rules     *rules.Store
	Auth      *auth.Provider // nil disables authentication
	Connector *Connector

	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration

	Logger zerolog.Logger
}

// Server owns the accept loops for one or more listeners.
type Server struct {
	rules     *rules.Store
	auth      *auth.Provider
	connector *Connector

	handshakeTimeout time.Duration
	idleTimeout      time.Duration

	log   zerolog.Logger
	stats Stats

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[net.Conn]struct{}
	wg        sync.WaitGroup
	closed    atomic.Bool
}

func New(cfg Config) *Server {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &Server{
		rules:            cfg.Rules,
		auth:             cfg.Auth,
		connector:        cfg.Connector,
		handshakeTimeout: cfg.HandshakeTimeout,
		idleTimeout:      cfg.IdleTimeout,
		log:              cfg.Logger,
		conns:            make(map[net.Conn]struct{}),
	}
}

// Stats returns a snapshot of the server counters.
func (s *Server) Stats() StatsSnapshot { return s.stats.Snapshot() }

// Serve accepts connections on ln until the server is closed. Both
// client protocols share one listener; the first byte of the stream
// picks the handshake.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		if s.closed.Load() {
			// Raced with Close; do not start a session it cannot cancel.
			conn.Close()
			s.forget(conn)
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Close stops the accept loops, tears down in-flight sessions and
// waits for their handlers to return.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	for _, ln := range s.listeners {
		ln.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Server) forget(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.forget(conn)
	defer conn.Close()

	s.stats.accepted.Add(1)
	s.stats.active.Add(1)
	defer s.stats.active.Add(-1)

	conn.SetReadDeadline(time.Now().Add(s.handshakeTimeout))
	var first [1]byte
	if _, err := io.ReadFull(conn, first[:]); err != nil {
		return
	}

	var neg negotiator
	var protocol string
	if first[0] == socks.Version5 {
		neg = socks.NewNegotiator(conn, s.auth)
		protocol = "socks5"
	} else {
		neg = httpconnect.NewNegotiator(conn, s.auth)
		protocol = "http"
	}

	sess := newSession(conn.RemoteAddr().String(), protocol)
	log := s.log.With().
		Stringer("session", sess.ID).
		Str("peer", sess.Peer).
		Str("protocol", sess.Protocol).
		Logger()

	target, err := neg.Negotiate(first[0])
	if err != nil {
		s.stats.failed.Add(1)
		log.Debug().Err(err).Msg("negotiation failed")
		return
	}
	conn.SetReadDeadline(time.Time{})
	sess.Target = target
	log = log.With().Stringer("target", target).Logger()

	decision := s.rules.Load().Decide(target)
	sess.Action = decision.Action

	egress, err := s.connector.Connect(decision, target)
	if err != nil {
		if tunnel.KindOf(err) == tunnel.KindRejected {
			s.stats.rejected.Add(1)
			log.Info().Str("action", string(decision.Action)).Msg("rejected by rule")
		} else {
			s.stats.failed.Add(1)
			log.Warn().Err(err).Str("action", string(decision.Action)).Msg("tunnel failed")
		}
		neg.Fail(err)
		return
	}
	defer egress.Close()

	if err := neg.Succeed(egress.LocalAddr()); err != nil {
		s.stats.failed.Add(1)
		return
	}
	s.stats.succeeded.Add(1)
	log.Debug().Str("action", string(decision.Action)).Msg("tunnel established")

	up, down, err := relay.Relay(neg.Client(), egress, s.idleTimeout)
	s.stats.bytesUp.Add(up)
	s.stats.bytesDown.Add(down)

	evt := log.Info()
	if err != nil && !errors.Is(err, relay.ErrIdleTimeout) {
		evt = log.Warn().Err(err)
	}
	evt.Str("action", string(decision.Action)).
		Int64("up", up).
		Int64("down", down).
		Dur("duration", time.Since(sess.Started)).
		Msg("session closed")
}
