package rules

import (
	"fmt"
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"

	"github.com/netwayio/netway/tunnel"
)

// Matcher is a pure predicate over a target address. Hostname
// matchers test the domain form when available, falling back to the
// textual IP; IP matchers test only IP-typed targets and never match
// domain targets.
type Matcher interface {
	Match(target *tunnel.Address) bool
	String() string
}

type exactMatcher struct{ host string }

// Exact matches the hostname exactly, case-insensitively.
func Exact(host string) Matcher {
	return &exactMatcher{host: strings.ToLower(host)}
}

func (m *exactMatcher) Match(target *tunnel.Address) bool {
	return target.Host() == m.host
}

func (m *exactMatcher) String() string { return "DOMAIN," + m.host }

type suffixMatcher struct{ domain string }

// Suffix matches the domain itself and any of its subdomains.
func Suffix(domain string) Matcher {
	return &suffixMatcher{domain: strings.ToLower(domain)}
}

func (m *suffixMatcher) Match(target *tunnel.Address) bool {
	host := target.Host()
	return host == m.domain || strings.HasSuffix(host, "."+m.domain)
}

func (m *suffixMatcher) String() string { return "DOMAIN-SUFFIX," + m.domain }

type keywordMatcher struct{ word string }

// Keyword matches any hostname containing word.
func Keyword(word string) Matcher {
	return &keywordMatcher{word: strings.ToLower(word)}
}

func (m *keywordMatcher) Match(target *tunnel.Address) bool {
	return strings.Contains(target.Host(), m.word)
}

func (m *keywordMatcher) String() string { return "DOMAIN-KEYWORD," + m.word }

type wildcardMatcher struct{ suffix string }

// Wildcard matches a "*.domain" glob: any hostname with domain as a
// proper dot-separated suffix. The bare domain itself does not match.
func Wildcard(pattern string) (Matcher, error) {
	if !strings.HasPrefix(pattern, "*.") || len(pattern) < 3 {
		return nil, fmt.Errorf("invalid wildcard pattern %q", pattern)
	}
	return &wildcardMatcher{suffix: strings.ToLower(pattern[1:])}, nil
}

func (m *wildcardMatcher) Match(target *tunnel.Address) bool {
	return strings.HasSuffix(target.Host(), m.suffix)
}

func (m *wildcardMatcher) String() string { return "WILDCARD,*" + m.suffix }

type cidrMatcher struct{ ipnet *net.IPNet }

// CIDR matches IP-typed targets inside the given prefix. Domain
// targets never match; they defer to resolution or a later rule.
func CIDR(prefix string) (Matcher, error) {
	_, ipnet, err := net.ParseCIDR(prefix)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR %q: %w", prefix, err)
	}
	return &cidrMatcher{ipnet: ipnet}, nil
}

func (m *cidrMatcher) Match(target *tunnel.Address) bool {
	return target.IsIP() && m.ipnet.Contains(target.IP())
}

func (m *cidrMatcher) String() string { return "IP-CIDR," + m.ipnet.String() }

type ipMatcher struct{ ip net.IP }

// IP matches one literal IP address.
func IP(ip net.IP) Matcher { return &ipMatcher{ip: ip} }

func (m *ipMatcher) Match(target *tunnel.Address) bool {
	return target.IsIP() && m.ip.Equal(target.IP())
}

func (m *ipMatcher) String() string { return "IP," + m.ip.String() }

type simpleHostnameMatcher struct{}

// SimpleHostname matches dot-free hostnames, the plain single-label
// names that only make sense on the local network.
func SimpleHostname() Matcher { return simpleHostnameMatcher{} }

func (simpleHostnameMatcher) Match(target *tunnel.Address) bool {
	return !target.IsIP() && !strings.Contains(target.Host(), ".")
}

func (simpleHostnameMatcher) String() string { return "SIMPLE-HOSTNAME" }

type anyMatcher struct{}

// Any matches every target.
func Any() Matcher { return anyMatcher{} }

func (anyMatcher) Match(*tunnel.Address) bool { return true }

func (anyMatcher) String() string { return "ANY" }

type geoipMatcher struct {
	db      *geoip2.Reader
	country string
}

// GeoIP matches IP-typed targets whose country code equals country.
// With a nil database it never matches.
func GeoIP(db *geoip2.Reader, country string) Matcher {
	return &geoipMatcher{db: db, country: strings.ToUpper(country)}
}

func (m *geoipMatcher) Match(target *tunnel.Address) bool {
	if m.db == nil || !target.IsIP() {
		return false
	}
	country, err := m.db.Country(target.IP())
	if err != nil {
		return false
	}
	return country.Country.IsoCode == m.country
}

func (m *geoipMatcher) String() string { return "GEOIP," + m.country }

// Bypass parses a skip-proxy entry into the matching matcher kind:
// literal IP, CIDR prefix, "*.domain" glob, or exact hostname.
func Bypass(entry string) (Matcher, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return nil, fmt.Errorf("empty bypass entry")
	}
	if ip := net.ParseIP(entry); ip != nil {
		return IP(ip), nil
	}
	if strings.Contains(entry, "/") {
		return CIDR(entry)
	}
	if strings.HasPrefix(entry, "*.") {
		return Wildcard(entry)
	}
	return Exact(entry), nil
}
