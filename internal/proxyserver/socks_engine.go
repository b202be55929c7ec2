// SOCKS5/SOCKS4/4a server-side engine (C6), wired on top of the
// internal/socks wire primitives. Grounded on spec.md §4.C6's
// numbered algorithm and on the teacher's libgost/socks5.go
// handleSocks5Request-style dispatch (read request, map error to REP,
// reply, transport), generalized from the teacher's single CONNECT
// path to the full auth + region-gate + upstream flow spec.md adds.
package proxyserver

import (
	"context"
	"net"
	"time"

	"github.com/golang/glog"

	"github.com/ARwMq9b6/proxygate/internal/config"
	"github.com/ARwMq9b6/proxygate/internal/connector"
	"github.com/ARwMq9b6/proxygate/internal/relay"
	"github.com/ARwMq9b6/proxygate/internal/session"
	"github.com/ARwMq9b6/proxygate/internal/socks"
	"github.com/ARwMq9b6/proxygate/internal/stream"
)

func (s *Server) serveSOCKS5(ctx context.Context, sess *session.Session) {
	c := sess.ClientStream
	defer c.Close()

	// VER byte was already peeked by the detector; consume it for real
	// before reading NMETHODS+METHODS (spec.md §4.C6 step 1).
	var verBuf [1]byte
	if _, err := readFull(c, verBuf[:]); err != nil {
		return
	}
	greeting, err := socks.ReadGreeting(c)
	if err != nil {
		glog.V(2).Infof("socks5: conn %d bad greeting: %v", sess.ID, err)
		return
	}

	method := s.chooseSocks5Method(greeting.Methods)
	if err := socks.WriteMethodSelection(c, method); err != nil {
		return
	}
	if method == socks.MethodNoAcceptable {
		return
	}

	if method == socks.MethodUserPass {
		up, err := socks.ReadUserPassRequest(c)
		if err != nil {
			return
		}
		user, ok := s.authenticate(up.Uname, up.Passwd, sess.ClientPeer)
		if err := socks.WriteUserPassReply(c, ok); err != nil {
			return
		}
		if !ok {
			glog.V(1).Infof("socks5: conn %d auth failed for user %q", sess.ID, up.Uname)
			return
		}
		sess.AuthUser = user
	}

	req, err := socks.ReadRequest(c)
	if err != nil {
		glog.V(2).Infof("socks5: conn %d bad request: %v", sess.ID, err)
		return
	}

	if req.Cmd != socks.CmdConnect {
		reply := socks.NewReply(socks.RepCommandNotSupported, socks.Addr{Type: socks.AddrIPv4})
		_ = reply.Write(c)
		return
	}

	sess.Target = session.Target{Host: req.Addr.Host, Port: req.Addr.Port}

	remote, dialErr := s.dialTarget(ctx, req.Addr.Host, req.Addr.Port)
	if dialErr != nil {
		glog.V(1).Infof("socks5: conn %d connect to %s failed: %v", sess.ID, req.Addr.HostPort(), dialErr)
		reply := socks.NewReply(repForError(dialErr), req.Addr)
		_ = reply.Write(c)
		return
	}
	defer remote.Close()

	bnd := socks.ToSocksAddr(remote.LocalAddr())
	reply := socks.NewReply(socks.RepSucceeded, bnd)
	if err := reply.Write(c); err != nil {
		return
	}

	s.runRelay(ctx, sess, remote)
}

func (s *Server) chooseSocks5Method(offered []byte) byte {
	has := func(b byte) bool {
		for _, m := range offered {
			if m == b {
				return true
			}
		}
		return false
	}
	if s.opts.RequiresAuth() {
		if has(socks.MethodUserPass) {
			return socks.MethodUserPass
		}
		return socks.MethodNoAcceptable
	}
	if has(socks.MethodNoAuth) {
		return socks.MethodNoAuth
	}
	if has(socks.MethodUserPass) {
		return socks.MethodUserPass
	}
	return socks.MethodNoAcceptable
}

func (s *Server) serveSOCKS4(ctx context.Context, sess *session.Session) {
	c := sess.ClientStream
	defer c.Close()

	var verBuf [1]byte
	if _, err := readFull(c, verBuf[:]); err != nil {
		return
	}
	req, err := socks.ReadRequest4(c)
	if err != nil {
		glog.V(2).Infof("socks4: conn %d bad request: %v", sess.ID, err)
		return
	}
	if req.Cmd != socks.CmdConnect {
		reply := &socks.Reply4{CD: socks.CD4Rejected, Port: req.Port, IP: req.IP}
		_ = reply.Write(c)
		return
	}

	if s.opts.RequiresAuth() {
		if _, ok := s.opts.Lookup(req.UserID); !ok {
			reply := &socks.Reply4{CD: socks.CD4UseridNotAllowed, Port: req.Port, IP: req.IP}
			_ = reply.Write(c)
			return
		}
	}

	host := req.IP.String()
	if req.IsSocks4a {
		host = req.Host
	}
	sess.Target = session.Target{Host: host, Port: req.Port}

	remote, dialErr := s.dialTarget(ctx, host, req.Port)
	if dialErr != nil {
		glog.V(1).Infof("socks4: conn %d connect to %s:%d failed: %v", sess.ID, host, req.Port, dialErr)
		reply := &socks.Reply4{CD: cdForError(dialErr), Port: req.Port, IP: req.IP}
		_ = reply.Write(c)
		return
	}
	defer remote.Close()

	bndIP := net.IPv4zero
	bndPort := req.Port
	if tcpAddr, ok := remote.LocalAddr().(*net.TCPAddr); ok {
		bndIP = tcpAddr.IP
		bndPort = uint16(tcpAddr.Port)
	}
	reply := &socks.Reply4{CD: socks.CD4Granted, Port: bndPort, IP: bndIP}
	if err := reply.Write(c); err != nil {
		return
	}

	s.runRelay(ctx, sess, remote)
}

// authenticate looks up uname/passwd against configured AuthUsers and
// enforces the optional per-user source-CIDR restriction (spec.md
// §4.C6 SOCKS5 step 3).
func (s *Server) authenticate(uname, passwd string, peer net.Addr) (*config.AuthUser, bool) {
	u, found := s.opts.Lookup(uname)
	if !found || u.Password != passwd {
		return nil, false
	}
	if u.AllowedSource != nil {
		if tcpAddr, ok := peer.(*net.TCPAddr); ok {
			if !u.AllowedSource.Contains(tcpAddr.IP) {
				return nil, false
			}
		}
	}
	return &u, true
}

func repForError(err error) byte {
	switch connector.KindOf(err) {
	case connector.KindConnectionRefused:
		return socks.RepConnectionRefused
	case connector.KindNoRouteToHost:
		return socks.RepHostUnreachable
	case connector.KindTimeout:
		return socks.RepTTLExpired
	case connector.KindResolveFailed:
		return socks.RepHostUnreachable
	default:
		return socks.RepGeneralFailure
	}
}

func cdForError(err error) byte {
	switch connector.KindOf(err) {
	case connector.KindConnectionRefused, connector.KindNoRouteToHost, connector.KindTimeout:
		return socks.CD4CannotConnect
	default:
		return socks.CD4Rejected
	}
}

// runRelay installs the remote stream and enters C9, applying the
// configured per-connection timeout and per-user rate limit.
func (s *Server) runRelay(ctx context.Context, sess *session.Session, remote net.Conn) {
	relay.SetKeepAlive(remote, 30*time.Second)
	rs := stream.NewPlain(remote)
	sess.SetRemote(rs)

	opts := relay.Options{
		IdleTimeout: time.Duration(s.opts.Net.TCPTimeoutSec) * time.Second,
	}
	if s.opts.Net.RateLimitBps > 0 {
		opts.ReadLimit = relay.NewLimiter(s.opts.Net.RateLimitBps)
		opts.WriteLimit = relay.NewLimiter(s.opts.Net.RateLimitBps)
	}
	if sess.AuthUser != nil {
		if bps, ok := s.opts.UsersRateLimit[sess.AuthUser.Username]; ok && bps > 0 {
			opts.ReadLimit = relay.NewLimiter(bps)
			opts.WriteLimit = relay.NewLimiter(bps)
		}
	}

	if err := relay.Relay(ctx, sess.ClientStream, rs, opts); err != nil {
		glog.V(2).Infof("relay: conn %d ended: %v", sess.ID, err)
	}
}

func readFull(r stream.Stream, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
