// Package config loads and validates the YAML configuration file and
// assembles the runtime pieces described by it.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/oschwald/geoip2-golang"
	"gopkg.in/yaml.v3"

	"github.com/netwayio/netway"
	"github.com/netwayio/netway/auth"
	"github.com/netwayio/netway/rules"
	"github.com/netwayio/netway/upstream"
)

// Proxy modes. Modes other than auto pin the routing outcome and skip
// the rule list; skip_proxy and friends still apply so local traffic
// never leaves the machine.
const (
	ModeDirect = "direct"
	ModeProxy  = "proxy"
	ModeReject = "reject"
	ModeAuto   = "auto"
)

// Duration wraps time.Duration with YAML string decoding ("30s").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root of the YAML file.
type Config struct {
	General General           `yaml:"general"`
	Proxies map[string]string `yaml:"proxies"`
	Rules   []string          `yaml:"rules"`
}

// General holds listener, routing and resolver settings.
type General struct {
	LogLevel     string `yaml:"loglevel"`
	SOCKS5Listen string `yaml:"socks5_listen"`
	HTTPListen   string `yaml:"http_listen"`

	ProxyMode string `yaml:"proxy_mode"`
	Proxy     string `yaml:"proxy"` // default upstream for PROXY decisions

	SkipProxy              []string `yaml:"skip_proxy"`
	ExcludeSimpleHostnames bool     `yaml:"exclude_simple_hostnames"`
	AlwaysRealIP           []string `yaml:"always_real_ip"`

	DNSServers []string `yaml:"dns_servers"` // empty uses the system resolver
	GeoIPDB    string   `yaml:"geoip_db"`

	Users           map[string]string `yaml:"users"`
	AuthMaxAttempts int               `yaml:"auth_max_attempts"`
	AuthWindow      Duration          `yaml:"auth_window"`

	ConnectTimeout   Duration `yaml:"connect_timeout"`
	HandshakeTimeout Duration `yaml:"handshake_timeout"`
	IdleTimeout      Duration `yaml:"idle_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		General: General{
			LogLevel:     "info",
			SOCKS5Listen: "127.0.0.1:1080",
			HTTPListen:   "127.0.0.1:1235",
			ProxyMode:    ModeAuto,
			SkipProxy: []string{
				"127.0.0.1",
				"10.0.0.0/8",
				"localhost",
				"*.local",
			},
			ExcludeSimpleHostnames: true,
			AlwaysRealIP: []string{
				"*.srv.nintendo.net",
				"*.stun.playstation.net",
				"*.xboxlive.com",
			},
			AuthMaxAttempts:  5,
			AuthWindow:       Duration(time.Minute),
			ConnectTimeout:   Duration(10 * time.Second),
			HandshakeTimeout: Duration(10 * time.Second),
			IdleTimeout:      Duration(5 * time.Minute),
		},
	}
}

// Load reads path and overlays it on the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML bytes over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	g := &c.General
	if g.SOCKS5Listen == "" && g.HTTPListen == "" {
		return fmt.Errorf("config: no listener configured")
	}
	for _, listen := range []string{g.SOCKS5Listen, g.HTTPListen} {
		if listen == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(listen); err != nil {
			return fmt.Errorf("config: bad listen address %q: %w", listen, err)
		}
	}

	switch g.ProxyMode {
	case ModeDirect, ModeProxy, ModeReject, ModeAuto:
	default:
		return fmt.Errorf("config: unknown proxy_mode %q", g.ProxyMode)
	}

	for name, descriptor := range c.Proxies {
		if _, err := upstream.Parse(descriptor); err != nil {
			return fmt.Errorf("config: proxy %q: %w", name, err)
		}
	}
	if g.Proxy != "" {
		if _, ok := c.Proxies[g.Proxy]; !ok {
			return fmt.Errorf("config: default proxy %q is not defined", g.Proxy)
		}
	}
	if g.ProxyMode == ModeProxy && g.Proxy == "" {
		return fmt.Errorf("config: proxy_mode is %q but no default proxy is set", ModeProxy)
	}

	// Dry-run the rule list so a broken file fails at startup, not at
	// the first matching connection.
	if _, err := c.BuildRuleSet(nil); err != nil {
		return err
	}
	return nil
}

// BuildRuleSet turns the configured policy into an ordered RuleSet.
// The bypass lists are prepended as DIRECT rules ahead of the user
// rules, so they win regardless of what the rule list says.
func (c *Config) BuildRuleSet(geo *geoip2.Reader) (*rules.RuleSet, error) {
	g := &c.General
	b := rules.NewBuilder().GeoIP(geo)

	direct := rules.Decision{Action: netway.ActionDirect}
	for _, entry := range g.SkipProxy {
		m, err := rules.Bypass(entry)
		if err != nil {
			return nil, fmt.Errorf("config: skip_proxy %q: %w", entry, err)
		}
		b.Add(m, direct)
	}
	if g.ExcludeSimpleHostnames {
		b.Add(rules.SimpleHostname(), direct)
	}
	for _, entry := range g.AlwaysRealIP {
		m, err := rules.Bypass(entry)
		if err != nil {
			return nil, fmt.Errorf("config: always_real_ip %q: %w", entry, err)
		}
		b.Add(m, direct)
	}

	switch g.ProxyMode {
	case ModeAuto:
		if err := b.FromLines(c.Rules); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	case ModeDirect:
		b.Default(direct)
	case ModeProxy:
		b.Default(rules.Decision{Action: netway.ActionProxy, Proxy: g.Proxy})
	case ModeReject:
		b.Default(rules.Decision{Action: netway.ActionReject})
	}
	return b.Build(), nil
}

// Upstreams builds a dialer per configured proxy.
func (c *Config) Upstreams() (map[string]*upstream.Dialer, error) {
	if len(c.Proxies) == 0 {
		return nil, nil
	}
	dialers := make(map[string]*upstream.Dialer, len(c.Proxies))
	for name, descriptor := range c.Proxies {
		desc, err := upstream.Parse(descriptor)
		if err != nil {
			return nil, fmt.Errorf("config: proxy %q: %w", name, err)
		}
		dialers[name] = upstream.NewDialer(desc, c.General.ConnectTimeout.Std())
	}
	return dialers, nil
}

// AuthProvider returns the credential checker, or nil when no users
// are configured.
func (c *Config) AuthProvider() *auth.Provider {
	if len(c.General.Users) == 0 {
		return nil
	}
	return auth.NewProvider(
		auth.StaticStore(c.General.Users),
		c.General.AuthMaxAttempts,
		c.General.AuthWindow.Std(),
	)
}
