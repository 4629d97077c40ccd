// Package rules decides, per target address, whether a tunnel goes
// direct, through an upstream proxy, or is rejected.
//
// Evaluation is first-match-wins over the declared rule order: rule
// authors express priority positionally, so no specificity ranking is
// computed. Exact-domain rules are additionally indexed in a
// red-black tree so large rule files stay cheap; the index only
// short-circuits the scan, it never changes the declared order.
package rules

import (
	"fmt"
	"strings"

	"github.com/koomox/redblacktree"
	"github.com/oschwald/geoip2-golang"

	"github.com/netwayio/netway"
	"github.com/netwayio/netway/tunnel"
)

// Decision is a resolved routing action. Proxy optionally names a
// configured upstream for ActionProxy; empty means the default one.
type Decision struct {
	Action netway.Action
	Proxy  string
}

func (d Decision) String() string {
	if d.Action == netway.ActionProxy && d.Proxy != "" {
		return string(d.Action) + "," + d.Proxy
	}
	return string(d.Action)
}

// Rule pairs a matcher with a decision.
type Rule struct {
	Matcher  Matcher
	Decision Decision
}

func (r Rule) String() string {
	return r.Matcher.String() + "," + r.Decision.String()
}

// RuleSet is an immutable ordered rule list plus a default decision.
// Build once, never mutate; reloads swap whole sets through a Store.
type RuleSet struct {
	rules []Rule
	def   Decision
	exact *redblacktree.Tree // host -> []int rule indices, ascending
}

// Builder assembles a RuleSet.
type Builder struct {
	rules []Rule
	def   Decision
	geoDB *geoip2.Reader
}

func NewBuilder() *Builder {
	return &Builder{def: Decision{Action: netway.ActionDirect}}
}

// GeoIP attaches the database consulted by GEOIP matchers. Without it
// those matchers never match.
func (b *Builder) GeoIP(db *geoip2.Reader) *Builder {
	b.geoDB = db
	return b
}

// Default sets the decision used when no rule matches.
func (b *Builder) Default(d Decision) *Builder {
	b.def = d
	return b
}

// Add appends a rule, keeping declared order.
func (b *Builder) Add(m Matcher, d Decision) *Builder {
	b.rules = append(b.rules, Rule{Matcher: m, Decision: d})
	return b
}

// Build freezes the rule list into an immutable RuleSet.
func (b *Builder) Build() *RuleSet {
	s := &RuleSet{
		rules: append([]Rule(nil), b.rules...),
		def:   b.def,
		exact: redblacktree.NewWithStringComparator(),
	}
	for i, r := range s.rules {
		if m, ok := r.Matcher.(*exactMatcher); ok {
			if v, found := s.exact.Get(m.host); found {
				s.exact.Put(m.host, append(v.([]int), i))
			} else {
				s.exact.Put(m.host, []int{i})
			}
		}
	}
	return s
}

// Len reports the number of rules.
func (s *RuleSet) Len() int { return len(s.rules) }

// Default returns the fallback decision.
func (s *RuleSet) Default() Decision { return s.def }

// Decide evaluates the ordered rules against target and returns the
// decision of the first match, or the default when nothing matches.
// Rules deciding ActionDefault fall through to the next rule. Decide
// is a pure function of (RuleSet, target).
func (s *RuleSet) Decide(target *tunnel.Address) Decision {
	var exactIdx []int
	if v, found := s.exact.Get(target.Host()); found {
		exactIdx = v.([]int)
	}
	j := 0
	for i, r := range s.rules {
		if j < len(exactIdx) && exactIdx[j] == i {
			j++
			if r.Decision.Action != netway.ActionDefault {
				return r.Decision
			}
			continue
		}
		if _, indexed := r.Matcher.(*exactMatcher); indexed {
			continue
		}
		if r.Matcher.Match(target) && r.Decision.Action != netway.ActionDefault {
			return r.Decision
		}
	}
	return s.def
}

// ParseLine parses a single comma-separated rule line, e.g.
//
//	DOMAIN-SUFFIX,example.com,PROXY
//	IP-CIDR,10.0.0.0/8,DIRECT
//	WILDCARD,*.local,DIRECT
//	GEOIP,CN,DIRECT
//	FINAL,PROXY,office
//
// FINAL lines set the default decision instead of appending a rule.
func (b *Builder) ParseLine(line string) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
		return nil
	}
	items := strings.Split(line, ",")
	for i := range items {
		items[i] = strings.TrimSpace(items[i])
	}
	kind := strings.ToUpper(items[0])

	if kind == "FINAL" || kind == "MATCH" {
		if len(items) < 2 {
			return fmt.Errorf("rule %q: missing decision", line)
		}
		d, err := parseDecision(items[1:])
		if err != nil {
			return fmt.Errorf("rule %q: %w", line, err)
		}
		b.def = d
		return nil
	}

	if len(items) < 3 {
		return fmt.Errorf("rule %q: want PATTERN,VALUE,DECISION", line)
	}
	d, err := parseDecision(items[2:])
	if err != nil {
		return fmt.Errorf("rule %q: %w", line, err)
	}
	m, err := b.parseMatcher(kind, items[1])
	if err != nil {
		return fmt.Errorf("rule %q: %w", line, err)
	}
	b.Add(m, d)
	return nil
}

// FromLines parses rule lines in order. Comments ("#", "//") and
// blank lines are skipped.
func (b *Builder) FromLines(lines []string) error {
	for _, line := range lines {
		if err := b.ParseLine(line); err != nil {
			return err
		}
	}
	return nil
}

func parseDecision(items []string) (Decision, error) {
	action, ok := netway.ParseAction(items[0])
	if !ok {
		return Decision{}, fmt.Errorf("unknown decision %q", items[0])
	}
	d := Decision{Action: action}
	if action == netway.ActionProxy && len(items) > 1 {
		d.Proxy = items[1]
	}
	return d, nil
}

func (b *Builder) parseMatcher(kind, value string) (Matcher, error) {
	switch kind {
	case "DOMAIN":
		return Exact(value), nil
	case "DOMAIN-SUFFIX":
		return Suffix(value), nil
	case "DOMAIN-KEYWORD":
		return Keyword(value), nil
	case "WILDCARD":
		return Wildcard(value)
	case "IP-CIDR", "IP-CIDR6":
		return CIDR(value)
	case "GEOIP":
		return GeoIP(b.geoDB, value), nil
	default:
		return nil, fmt.Errorf("unknown pattern %q", kind)
	}
}
