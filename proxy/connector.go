package proxy

import (
	"fmt"
	"net"

	"github.com/netwayio/netway"
	"github.com/netwayio/netway/freedom"
	"github.com/netwayio/netway/rules"
	"github.com/netwayio/netway/tunnel"
	"github.com/netwayio/netway/upstream"
)

// Connector turns a routing decision into an established tunnel.
type Connector struct {
	direct    *freedom.Dialer
	upstreams map[string]*upstream.Dialer
	fallback  string
}

// NewConnector builds a connector. fallback names the upstream used
// by proxy decisions that do not name one themselves; it may be empty
// when every proxy rule is explicit.
func NewConnector(direct *freedom.Dialer, upstreams map[string]*upstream.Dialer, fallback string) *Connector {
	return &Connector{direct: direct, upstreams: upstreams, fallback: fallback}
}

// Connect opens the egress leg for target. Reject decisions fail
// without any outbound I/O.
func (c *Connector) Connect(decision rules.Decision, target *tunnel.Address) (net.Conn, error) {
	switch decision.Action {
	case netway.ActionDirect:
		return c.direct.Dial(target)
	case netway.ActionProxy:
		name := decision.Proxy
		if name == "" {
			name = c.fallback
		}
		d, ok := c.upstreams[name]
		if !ok {
			return nil, &tunnel.ConnectError{
				Kind: tunnel.KindUpstream,
				Addr: target.String(),
				Err:  fmt.Errorf("no upstream named %q", name),
			}
		}
		return d.Dial(target)
	case netway.ActionReject:
		return nil, &tunnel.ConnectError{Kind: tunnel.KindRejected, Addr: target.String()}
	default:
		return nil, &tunnel.ConnectError{
			Kind: tunnel.KindGeneral,
			Addr: target.String(),
			Err:  fmt.Errorf("unresolvable action %q", decision.Action),
		}
	}
}
