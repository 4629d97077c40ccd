package netway

import "strings"

// Action is a routing decision for a target address.
type Action string

const (
	// ActionDirect connects to the target without an intermediary.
	ActionDirect Action = "DIRECT"
	// ActionProxy forwards the tunnel through an upstream proxy.
	ActionProxy Action = "PROXY"
	// ActionReject refuses the tunnel without any network I/O.
	ActionReject Action = "REJECT"
	// ActionDefault defers the decision to the next rule or the
	// rule set default. It never escapes the rule engine.
	ActionDefault Action = "DEFAULT"
)

// ParseAction maps a configuration token to an Action. The second
// return value is false for unknown tokens.
func ParseAction(s string) (Action, bool) {
	switch Action(strings.ToUpper(strings.TrimSpace(s))) {
	case ActionDirect:
		return ActionDirect, true
	case ActionProxy:
		return ActionProxy, true
	case ActionReject:
		return ActionReject, true
	case ActionDefault:
		return ActionDefault, true
	}
	return "", false
}
