// Package connector implements the C3 outbound connector: resolve and
// dial a target, optionally through a configured upstream proxy
// chain, with Happy-Eyeballs racing and source-interface binding.
//
// Connector implements golang.org/x/net/proxy.Dialer the same way the
// teacher's cmd/dnsproxy/config.go wraps a *gost.ProxyChain in a
// gostProxyChain adapter (`func (p gostProxyChain) Dial(network, addr
// string) (net.Conn, error)`), so it composes with any proxy.Dialer-
// based caller without a bespoke interface.
package connector

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/proxy"

	"github.com/ARwMq9b6/proxygate/internal/resolver"
)

var _ proxy.Dialer = (*Connector)(nil)

// Options configures one Connector instance; it is derived once from
// config.ServerOptions / per-user overrides.
type Options struct {
	// Resolve only affects how an upstream SOCKS5 CONNECT names a
	// literal-IP target: true sends it as an IPv4/IPv6 address, false
	// sends it as ATYP=DOMAIN. A hostname target is never resolved
	// locally on the upstream path, and a direct connection always
	// resolves through the resolver whatever this flag says.
	Resolve       bool
	Policy        resolver.Policy
	BindSource    string
	HappyEyeballs bool
	SoMark        int
	DialTimeout   time.Duration

	// Upstream chaining. UpstreamURL is nil for a direct connection.
	UpstreamURL *url.URL
	UpstreamTLS bool
	UpstreamSNI string
	UpstreamCA  *tls.Config // verification config for the TLS leg to the upstream proxy
}

// Connector is stateless beyond its configuration and resolver; safe
// for concurrent use across sessions, matching spec.md §5's claim
// that the outbound connect path has no shared mutable state besides
// the (read-only after construction) TLS context.
type Connector struct {
	opts Options
	res  *resolver.Resolver
}

func New(opts Options, res *resolver.Resolver) *Connector {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	return &Connector{opts: opts, res: res}
}

// Dial implements proxy.Dialer. network is ignored (always tcp); it
// exists to satisfy the interface.
func (c *Connector) Dial(network, addr string) (net.Conn, error) {
	return c.DialContext(context.Background(), addr)
}

// DialContext is spec.md §4.C3's algorithm entry point.
func (c *Connector) DialContext(ctx context.Context, targetHostPort string) (net.Conn, error) {
	if c.opts.UpstreamURL != nil {
		return c.dialViaUpstream(ctx, targetHostPort)
	}
	return c.dialDirect(ctx, targetHostPort, c.opts.Policy)
}

// dialDirect implements steps 2-3 of spec.md §4.C3 for a connection
// with no upstream hop: resolve if needed, then connect, racing
// candidates with Happy-Eyeballs or trying them in order.
func (c *Connector) dialDirect(ctx context.Context, hostport string, policy resolver.Policy) (net.Conn, error) {
	eps, err := c.res.Resolve(ctx, hostport, policy)
	if err != nil {
		return nil, wrap(KindResolveFailed, err)
	}
	if c.opts.HappyEyeballs && len(eps) > 1 {
		return c.dialHappyEyeballs(ctx, eps)
	}
	return c.dialSequential(ctx, eps)
}

func (c *Connector) baseDialer() *net.Dialer {
	d := &net.Dialer{Timeout: c.opts.DialTimeout}
	if c.opts.BindSource != "" {
		if host, _, err := net.SplitHostPort(c.opts.BindSource); err == nil {
			d.LocalAddr = &net.TCPAddr{IP: net.ParseIP(host)}
		} else if ip := net.ParseIP(c.opts.BindSource); ip != nil {
			d.LocalAddr = &net.TCPAddr{IP: ip}
		}
	}
	applySoMark(d, c.opts.SoMark)
	return d
}

// dialSequential tries each endpoint in order, per spec.md §4.C3 step
// 3 ("without happy-eyeballs, iterate sequentially").
func (c *Connector) dialSequential(ctx context.Context, eps []resolver.Endpoint) (net.Conn, error) {
	d := c.baseDialer()
	var lastErr error
	for _, ep := range eps {
		conn, err := d.DialContext(ctx, "tcp", ep.String())
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, classifyDialErr(lastErr)
}

// dialHappyEyeballs races candidates with a staggered start: the
// first socket to complete connect() wins, the rest are cancelled
// (spec.md §4.C3 step 3 / Glossary "Happy-Eyeballs").
func (c *Connector) dialHappyEyeballs(ctx context.Context, eps []resolver.Endpoint) (net.Conn, error) {
	const stagger = 250 * time.Millisecond

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		conn net.Conn
		err  error
	}
	resCh := make(chan result, len(eps))
	d := c.baseDialer()

	var wg sync.WaitGroup
	for i, ep := range eps {
		wg.Add(1)
		go func(i int, ep resolver.Endpoint) {
			defer wg.Done()
			select {
			case <-time.After(time.Duration(i) * stagger):
			case <-ctx.Done():
				resCh <- result{err: ctx.Err()}
				return
			}
			conn, err := d.DialContext(ctx, "tcp", ep.String())
			resCh <- result{conn: conn, err: err}
		}(i, ep)
	}
	go func() {
		wg.Wait()
		close(resCh)
	}()

	var firstErr error
	var winner net.Conn
	for res := range resCh {
		if res.err == nil && winner == nil {
			winner = res.conn
			cancel() // stop remaining attempts
			continue
		}
		if res.conn != nil {
			res.conn.Close()
		}
		if firstErr == nil && res.err != nil {
			firstErr = res.err
		}
	}
	if winner != nil {
		return winner, nil
	}
	return nil, classifyDialErr(firstErr)
}

func classifyDialErr(err error) error {
	if err == nil {
		return wrap(KindUnknown, errors.New("connector: no candidates"))
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return wrap(KindTimeout, err)
		}
		if strings.Contains(opErr.Err.Error(), "refused") {
			return wrap(KindConnectionRefused, err)
		}
		if strings.Contains(opErr.Err.Error(), "no route to host") ||
			strings.Contains(opErr.Err.Error(), "network is unreachable") {
			return wrap(KindNoRouteToHost, err)
		}
	}
	return wrap(KindUnknown, err)
}
