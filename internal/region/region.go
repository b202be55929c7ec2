// Package region implements the C4 region gate: admit or deny an
// outbound connection based on the resolved target IP's geographic
// region and ISP, as reported by an external geolocation collaborator
// (the IPIP datx/ipdb database reader is out of scope per spec.md
// §1 — region only ever sees it through the GeoLookup interface).
package region

import (
	"net"
	"strings"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// GeoLookup is the external collaborator: given an IP it returns the
// region tags and ISP name the geolocation database associates with
// it. Implementations live outside this module (e.g. an ipip.net
// datx/ipdb reader) and are injected at server construction time.
type GeoLookup interface {
	Lookup(ip net.IP) (regions []string, isp string, err error)
}

type geoResult struct {
	regions []string
	isp     string
}

// matcher is one allow/deny list entry: either a parsed CIDR or a
// free-text tag matched by substring against region/ISP strings.
type matcher struct {
	cidr *net.IPNet
	tag  string
}

func newMatcher(token string) matcher {
	if _, ipnet, err := net.ParseCIDR(token); err == nil {
		return matcher{cidr: ipnet}
	}
	return matcher{tag: token}
}

func (m matcher) match(ip net.IP, res geoResult) bool {
	if m.cidr != nil {
		return m.cidr.Contains(ip)
	}
	for _, r := range res.regions {
		if strings.Contains(r, m.tag) {
			return true
		}
	}
	return strings.Contains(res.isp, m.tag)
}

// Gate evaluates spec.md §4.C4: allow has precedence over deny, and
// an empty allow+deny set means "everything is admitted" (the common
// case, since most deployments don't configure regions at all).
//
// Lookup results are cached (TTL, not permanent) the same way the
// teacher caches DNS answers in cache.go's ipcache/domaincache — this
// is a geolocation-result cache, not the DNS cache spec.md's
// Non-goals rule out.
type Gate struct {
	lookup GeoLookup
	cache  *cache.Cache

	allow []matcher
	deny  []matcher
}

const (
	cacheDefaultExpiration = 10 * time.Minute
	cacheCleanupInterval   = 15 * time.Minute
)

// New builds a Gate. allowTokens/denyTokens are the already-split
// `|`-separated tokens of the allow_region/deny_region directives
// (spec.md §6); each token is a free-text region tag or a CIDR.
func New(lookup GeoLookup, allowTokens, denyTokens []string) *Gate {
	g := &Gate{
		lookup: lookup,
		cache:  cache.New(cacheDefaultExpiration, cacheCleanupInterval),
	}
	for _, t := range allowTokens {
		g.allow = append(g.allow, newMatcher(t))
	}
	for _, t := range denyTokens {
		g.deny = append(g.deny, newMatcher(t))
	}
	return g
}

// Enabled reports whether any filtering is configured at all; callers
// can skip the gate entirely (and the geolocation round trip) when
// this is false.
func (g *Gate) Enabled() bool {
	return g != nil && (len(g.allow) > 0 || len(g.deny) > 0)
}

func (g *Gate) resolve(ip net.IP) (geoResult, error) {
	key := ip.String()
	if v, ok := g.cache.Get(key); ok {
		return v.(geoResult), nil
	}
	regions, isp, err := g.lookup.Lookup(ip)
	if err != nil {
		return geoResult{}, err
	}
	res := geoResult{regions: regions, isp: isp}
	g.cache.Set(key, res, cache.DefaultExpiration)
	return res, nil
}

// Allowed implements the precedence rule from spec.md §4.C4: if
// allow is non-empty, the target must match at least one allow entry
// regardless of deny; otherwise deny entries (if any) reject a match.
func (g *Gate) Allowed(ip net.IP) (bool, error) {
	if !g.Enabled() {
		return true, nil
	}
	res, err := g.resolve(ip)
	if err != nil {
		// A geolocation lookup failure never admits the connection:
		// the gate returns false with the lookup error whether deny
		// or allow entries are configured.
		if len(g.deny) > 0 {
			return false, err
		}
		return len(g.allow) == 0, err
	}

	if len(g.allow) > 0 {
		for _, m := range g.allow {
			if m.match(ip, res) {
				return true, nil
			}
		}
		return false, nil
	}
	for _, m := range g.deny {
		if m.match(ip, res) {
			return false, nil
		}
	}
	return true, nil
}
