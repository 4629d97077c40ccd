// Package dns resolves target hostnames for direct egress. The
// Resolver queries the configured servers with miekg/dns and caches
// answers for a fixed TTL; System falls back to the platform resolver.
package dns

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// Resolver answers hostname lookups with IPs in preference order.
type Resolver struct {
	mu      sync.RWMutex
	servers []string
	timeout time.Duration
	ttl     time.Duration
	cache   map[string]*entry
	retries int
}

type entry struct {
	ips  []net.IP
	last time.Time
}

// New builds a Resolver against the given servers (host or host:port;
// port 53 is assumed when absent). ttl bounds how long answers are
// served from cache.
func New(servers []string, timeout, ttl time.Duration) *Resolver {
	addrs := make([]string, len(servers))
	for i, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		addrs[i] = s
	}
	return &Resolver{
		servers: addrs,
		timeout: timeout,
		ttl:     ttl,
		cache:   make(map[string]*entry),
		retries: 2 * len(addrs),
	}
}

// LookupHost resolves host to IPs, A records before AAAA, serving
// cached answers younger than the TTL.
func (r *Resolver) LookupHost(host string) ([]net.IP, error) {
	if ips := r.get(host); ips != nil {
		return ips, nil
	}
	ips, err := r.lookup(host, r.retries)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no address for %v", host)
	}
	r.set(host, ips)
	return ips, nil
}

func (r *Resolver) lookup(host string, triesLeft int) ([]net.IP, error) {
	var ips []net.IP
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		answers, err := r.exchange(host, qtype, triesLeft)
		if err != nil {
			if qtype == dns.TypeA {
				return nil, err
			}
			continue // v4 answers alone are fine
		}
		ips = append(ips, answers...)
	}
	return ips, nil
}

func (r *Resolver) exchange(host string, qtype uint16, triesLeft int) ([]net.IP, error) {
	m := new(dns.Msg)
	m.Id = dns.Id()
	m.RecursionDesired = true
	m.Question = []dns.Question{{Name: dns.Fqdn(host), Qtype: qtype, Qclass: dns.ClassINET}}

	c := &dns.Client{Timeout: r.timeout}
	// Top-level rand is internally locked; lookups run concurrently.
	in, _, err := c.Exchange(m, r.servers[rand.Intn(len(r.servers))])
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() && triesLeft > 0 {
			return r.exchange(host, qtype, triesLeft-1)
		}
		return nil, err
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, errors.New(dns.RcodeToString[in.Rcode])
	}

	var ips []net.IP
	for _, record := range in.Answer {
		switch t := record.(type) {
		case *dns.A:
			ips = append(ips, t.A)
		case *dns.AAAA:
			ips = append(ips, t.AAAA)
		}
	}
	return ips, nil
}

func (r *Resolver) get(host string) []net.IP {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.cache[host]; ok && time.Since(e.last) < r.ttl {
		return e.ips
	}
	return nil
}

func (r *Resolver) set(host string, ips []net.IP) {
	r.mu.Lock()
	r.cache[host] = &entry{ips: ips, last: time.Now()}
	r.mu.Unlock()
}

// Flush drops every cached answer.
func (r *Resolver) Flush() {
	r.mu.Lock()
	r.cache = make(map[string]*entry)
	r.mu.Unlock()
}

// System resolves through the platform resolver.
type System struct{}

func (System) LookupHost(host string) ([]net.IP, error) {
	return net.LookupIP(host)
}
