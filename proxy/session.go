package proxy

import (
	"time"

	"github.com/google/uuid"

	"github.com/netwayio/netway"
	"github.com/netwayio/netway/tunnel"
)

// Session tracks one accepted client connection through its lifetime.
type Session struct {
	ID       uuid.UUID
	Peer     string
	Protocol string
	Target   *tunnel.Address
	Action   netway.Action
	Started  time.Time
}

func newSession(peer, protocol string) *Session {
	return &Session{
		ID:       uuid.New(),
		Peer:     peer,
		Protocol: protocol,
		Started:  time.Now(),
	}
}
