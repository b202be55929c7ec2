// Package resolver implements the C2 endpoint resolver: turn a
// "host:port" (or a bracketed IPv6 literal) into a list of candidate
// endpoints, filtered by v4-only/v6-only policy.
//
// The teacher resolves names through a hand-driven miekg/dns
// dns.Client/dns.Msg pair (libdns_utils.go, dnsserve.go) rather than
// the stdlib net.Resolver, because it needs EDNS0 client-subnet
// control and raw RR access. This resolver keeps that idiom — an
// explicit dns.Client against a configurable nameserver — for the
// same reason spec.md §4.C3 step 2 needs: multiple A/AAAA answers as
// a candidate list for Happy-Eyeballs, not just the first one
// net.LookupIP would hand back.
package resolver

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// Policy controls which address families are acceptable candidates.
type Policy struct {
	V4Only bool
	V6Only bool
}

func (p Policy) accepts(ip net.IP) bool {
	isV4 := ip.To4() != nil
	if p.V4Only && !isV4 {
		return false
	}
	if p.V6Only && isV4 {
		return false
	}
	return true
}

// Endpoint is one candidate to attempt a connection against.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), strconv.Itoa(int(e.Port)))
}

// Resolver queries a nameserver directly via miekg/dns. With an empty
// Nameserver it uses the first server listed in /etc/resolv.conf (read
// on each query via dns.ClientConfigFromFile, falling back to
// 8.8.8.8:53); set Nameserver to pin a specific upstream instead. The
// zero value has a nil Client; New fills it in.
type Resolver struct {
	Nameserver string // "ip:port"; empty means system default
	Client     *dns.Client
	Timeout    time.Duration
}

func New(nameserver string) *Resolver {
	return &Resolver{
		Nameserver: nameserver,
		Client:     &dns.Client{Timeout: 5 * time.Second},
		Timeout:    5 * time.Second,
	}
}

func (r *Resolver) nameserver() (string, error) {
	if r.Nameserver != "" {
		return r.Nameserver, nil
	}
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cfg.Servers) == 0 {
		return "8.8.8.8:53", nil //nolint:errcheck // sane fallback
	}
	return net.JoinHostPort(cfg.Servers[0], cfg.Port), nil
}

func (r *Resolver) query(ctx context.Context, name string, qtype uint16) ([]net.IP, error) {
	ns, err := r.nameserver()
	if err != nil {
		return nil, err
	}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true

	resp, _, err := r.Client.ExchangeContext(ctx, msg, ns)
	if err != nil {
		return nil, errors.Wrapf(err, "resolver: query %s", name)
	}
	var ips []net.IP
	for _, rr := range resp.Answer {
		switch v := rr.(type) {
		case *dns.A:
			ips = append(ips, v.A)
		case *dns.AAAA:
			ips = append(ips, v.AAAA)
		}
	}
	return ips, nil
}

// Resolve parses "host:port" (host may be a literal IPv4/IPv6 address,
// optionally bracketed, or a domain name) and returns the policy-
// filtered candidate endpoint list.
func (r *Resolver) Resolve(ctx context.Context, hostport string, policy Policy) ([]Endpoint, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, errors.Wrapf(err, "resolver: invalid target %q", hostport)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, errors.Wrapf(err, "resolver: invalid port in %q", hostport)
	}

	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")

	if ip := net.ParseIP(host); ip != nil {
		if !policy.accepts(ip) {
			return nil, errors.Errorf("resolver: literal %s excluded by v4/v6 policy", ip)
		}
		return []Endpoint{{IP: ip, Port: uint16(port)}}, nil
	}

	var ips []net.IP
	if !policy.V6Only {
		if a, err := r.query(ctx, host, dns.TypeA); err == nil {
			ips = append(ips, a...)
		}
	}
	if !policy.V4Only {
		if aaaa, err := r.query(ctx, host, dns.TypeAAAA); err == nil {
			ips = append(ips, aaaa...)
		}
	}
	if len(ips) == 0 {
		return nil, errors.Errorf("resolver: no addresses found for %q", host)
	}

	eps := make([]Endpoint, 0, len(ips))
	for _, ip := range ips {
		if policy.accepts(ip) {
			eps = append(eps, Endpoint{IP: ip, Port: uint16(port)})
		}
	}
	if len(eps) == 0 {
		return nil, errors.Errorf("resolver: all addresses for %q excluded by v4/v6 policy", host)
	}
	return eps, nil
}
