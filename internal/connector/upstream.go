package connector

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/ARwMq9b6/proxygate/internal/resolver"
	"github.com/ARwMq9b6/proxygate/internal/socks"
)

// dialViaUpstream implements spec.md §4.C3 step 1: connect to the
// configured upstream proxy, optionally TLS-wrap that leg, then speak
// the upstream's scheme as a client to request targetHostPort.
func (c *Connector) dialViaUpstream(ctx context.Context, targetHostPort string) (net.Conn, error) {
	u := c.opts.UpstreamURL

	proxyConn, err := c.dialDirect(ctx, u.Host, resolver.Policy{V4Only: c.opts.Policy.V4Only, V6Only: c.opts.Policy.V6Only})
	if err != nil {
		return nil, err
	}

	if c.opts.UpstreamTLS {
		sni := c.opts.UpstreamSNI
		if sni == "" {
			sni, _, _ = net.SplitHostPort(u.Host)
		}
		cfg := c.opts.UpstreamCA
		if cfg == nil {
			cfg = &tls.Config{}
		}
		cfg = cfg.Clone()
		cfg.ServerName = sni
		tc := tls.Client(proxyConn, cfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			proxyConn.Close()
			return nil, wrap(KindTLSHandshakeFailed, err)
		}
		proxyConn = tc
	}

	var user, pass string
	resolveRemotely := !c.opts.Resolve
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
	}

	switch strings.ToLower(u.Scheme) {
	case "socks5":
		if err := socks5ClientHandshake(proxyConn, user, pass, targetHostPort, resolveRemotely); err != nil {
			proxyConn.Close()
			return nil, err
		}
	case "socks4":
		if err := socks4ClientHandshake(proxyConn, user, targetHostPort, false); err != nil {
			proxyConn.Close()
			return nil, err
		}
	case "socks4a":
		if err := socks4ClientHandshake(proxyConn, user, targetHostPort, true); err != nil {
			proxyConn.Close()
			return nil, err
		}
	case "http", "https":
		if err := httpConnectClientHandshake(proxyConn, user, pass, targetHostPort); err != nil {
			proxyConn.Close()
			return nil, err
		}
	default:
		proxyConn.Close()
		return nil, wrap(KindUpstreamProxy, errors.Errorf("connector: unsupported upstream scheme %q", u.Scheme))
	}

	return proxyConn, nil
}

// socks5ClientHandshake is the client side of spec.md §4.C3 step 1's
// SOCKS5 bullet: greeting, optional user/pass subnegotiation, then a
// CONNECT request. When resolveRemotely is true the target is sent as
// ATYP=DOMAIN so the upstream proxy resolves it itself.
func socks5ClientHandshake(conn net.Conn, user, pass, target string, resolveRemotely bool) error {
	methods := []byte{socks.MethodNoAuth}
	if user != "" {
		methods = []byte{socks.MethodUserPass}
	}
	if err := socks.WriteGreeting(conn, methods); err != nil {
		return wrap(KindUpstreamProxy, err)
	}
	method, err := socks.ReadMethodSelection(conn)
	if err != nil {
		return wrap(KindUpstreamProxy, err)
	}
	switch method {
	case socks.MethodNoAuth:
	case socks.MethodUserPass:
		if err := socks.WriteUserPassRequest(conn, user, pass); err != nil {
			return wrap(KindUpstreamProxy, err)
		}
		ok, err := socks.ReadUserPassReply(conn)
		if err != nil {
			return wrap(KindUpstreamProxy, err)
		}
		if !ok {
			return wrap(KindUpstreamProxy, errors.New("socks5: upstream rejected credentials"))
		}
	default:
		return wrap(KindUpstreamProxy, errors.New("socks5: upstream offered no acceptable method"))
	}

	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return wrap(KindUpstreamProxy, err)
	}
	port, _ := parseUint16(portStr)

	var addr socks.Addr
	if ip := net.ParseIP(host); ip != nil && !resolveRemotely {
		if ip.To4() != nil {
			addr = socks.Addr{Type: socks.AddrIPv4, Host: ip.String(), Port: port}
		} else {
			addr = socks.Addr{Type: socks.AddrIPv6, Host: ip.String(), Port: port}
		}
	} else {
		addr = socks.Addr{Type: socks.AddrDomain, Host: host, Port: port}
	}

	req := socks.NewRequest(socks.CmdConnect, addr)
	if err := req.Write(conn); err != nil {
		return wrap(KindUpstreamProxy, err)
	}
	reply, err := socks.ReadReply(conn)
	if err != nil {
		return wrap(KindUpstreamProxy, err)
	}
	if reply.Rep != socks.RepSucceeded {
		return wrap(KindUpstreamProxy, errors.Errorf("socks5: upstream replied REP=0x%02x", reply.Rep))
	}
	return nil
}

// socks4ClientHandshake is the client side of spec.md §4.C3 step 1's
// SOCKS4/4a bullet.
func socks4ClientHandshake(conn net.Conn, userid, target string, socks4a bool) error {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return wrap(KindUpstreamProxy, err)
	}
	port, _ := parseUint16(portStr)

	req := &socks.Request4{Cmd: 0x01 /* CONNECT */, UserID: userid, Port: port}
	if socks4a {
		req.IsSocks4a = true
		req.Host = host
		req.IP = net.IPv4(0, 0, 0, 1)
	} else {
		ip := net.ParseIP(host)
		if ip == nil || ip.To4() == nil {
			return wrap(KindUpstreamProxy, errors.Errorf("socks4: target %q is not a literal IPv4 address (use socks4a)", host))
		}
		req.IP = ip
	}
	if err := req.Write(conn); err != nil {
		return wrap(KindUpstreamProxy, err)
	}
	reply, err := socks.ReadReply4(conn)
	if err != nil {
		return wrap(KindUpstreamProxy, err)
	}
	if reply.CD != socks.CD4Granted {
		return wrap(KindUpstreamProxy, errors.Errorf("socks4: upstream replied CD=0x%02x", reply.CD))
	}
	return nil
}

// httpConnectClientHandshake is the client side of spec.md §4.C3 step
// 1's HTTP bullet.
func httpConnectClientHandshake(conn net.Conn, user, pass, target string) error {
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\nProxy-Connection: Keep-Alive\r\n", target, target)
	if user != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		req += "Proxy-Authorization: Basic " + cred + "\r\n"
	}
	req += "\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		return wrap(KindUpstreamProxy, err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: http.MethodConnect})
	if err != nil {
		return wrap(KindUpstreamProxy, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return wrap(KindUpstreamProxy, errors.Errorf("http-connect: upstream replied %s", resp.Status))
	}
	return nil
}

func parseUint16(s string) (uint16, error) {
	var v uint32
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errors.New("connector: bad port")
		}
		v = v*10 + uint32(c-'0')
	}
	return uint16(v), nil
}
