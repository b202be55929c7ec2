// HTTP CONNECT / forward / decoy-web server-side engine (C7 + C8
// dispatch), grounded on spec.md §4.C7's three-way split and on
// original_source/proxy/include/proxy/proxy_server.hpp's web_server()
// request loop for the keep-alive-looped read/route pattern.
package proxyserver

import (
	"bufio"
	"context"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/ARwMq9b6/proxygate/internal/session"
)

const proxyCamouflage = "nginx/1.20.2"

// hopByHopHeaders are stripped from forwarded requests per spec.md
// §4.C7 ("strip Proxy-* headers") and §9 Open Question (c)'s note that
// stricter RFC 7230 hop-by-hop stripping is "recommended... should be
// documented rather than inferred" — documented here as the set this
// repo actually strips, beyond bare Proxy-*.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Transfer-Encoding", "TE", "Trailer", "Upgrade",
}

// serveHTTP implements spec.md §4.C7: parse the request line, and
// dispatch CONNECT / absolute-URI / everything-else to the three
// sub-modes, looping while the connection is kept alive.
func (s *Server) serveHTTP(ctx context.Context, sess *session.Session) {
	c := sess.ClientStream
	defer c.Close()

	br := bufio.NewReader(c)

	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			if err != io.EOF {
				glog.V(2).Infof("http: conn %d read request: %v", sess.ID, err)
			}
			return
		}

		if req.Method == http.MethodConnect {
			s.handleConnect(ctx, sess, c, req)
			return // tunnels don't loop; relay owns the connection now
		}

		if req.URL.IsAbs() {
			keepAlive := s.handleForward(ctx, sess, c, req)
			if !keepAlive {
				return
			}
			continue
		}

		resp := s.web.Handle(req)
		keepAlive := req.Close == false && req.ProtoAtLeast(1, 1)
		if !keepAlive {
			resp.Header.Set("Connection", "close")
		}
		if err := resp.Write(c); err != nil {
			return
		}
		_ = resp.Body.Close()
		if !keepAlive {
			return
		}
	}
}

func (s *Server) handleConnect(ctx context.Context, sess *session.Session, c io.ReadWriteCloser, req *http.Request) {
	if !s.checkProxyAuth(req) {
		writeCanned407(c)
		return
	}

	host, port, err := splitHostPortDefault(req.URL.Host, req.Host, 443)
	if err != nil {
		glog.V(2).Infof("http: conn %d bad CONNECT authority %q: %v", sess.ID, req.Host, err)
		return
	}
	sess.Target = session.Target{Host: host, Port: port}

	remote, dialErr := s.dialTarget(ctx, host, port)
	if dialErr != nil {
		glog.V(1).Infof("http: conn %d CONNECT to %s:%d failed: %v", sess.ID, host, port, dialErr)
		_, _ = io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return
	}
	defer remote.Close()

	if _, err := io.WriteString(c, "HTTP/1.1 200 Connection established\r\n\r\n"); err != nil {
		return
	}

	s.runRelay(ctx, sess, remote)
}

// handleForward implements the HttpForward mode: connect to the URI's
// host:port, strip proxy-specific headers, forward the request, relay
// the response back, and report whether the connection should stay
// open for another request (spec.md §4.C7).
func (s *Server) handleForward(ctx context.Context, sess *session.Session, c io.ReadWriter, req *http.Request) bool {
	if !s.checkProxyAuth(req) {
		writeCanned407(c)
		return false
	}

	defaultPort := uint16(80)
	if req.URL.Scheme == "https" {
		defaultPort = 443
	}
	host, port, err := splitHostPortDefault(req.URL.Host, req.URL.Host, defaultPort)
	if err != nil {
		glog.V(2).Infof("http: conn %d bad forward URI %q: %v", sess.ID, req.URL, err)
		return false
	}
	sess.Target = session.Target{Host: host, Port: port}

	remote, dialErr := s.dialTarget(ctx, host, port)
	if dialErr != nil {
		glog.V(1).Infof("http: conn %d forward to %s:%d failed: %v", sess.ID, host, port, dialErr)
		resp := &http.Response{StatusCode: http.StatusBadGateway, ProtoMajor: 1, ProtoMinor: 1, Header: make(http.Header), Body: http.NoBody}
		_ = resp.Write(c)
		return false
	}
	defer remote.Close()

	keepAliveHeader := req.Header.Get("Proxy-Connection")
	stripProxyHeaders(req.Header)
	if keepAliveHeader != "" && req.Header.Get("Connection") == "" {
		req.Header.Set("Connection", keepAliveHeader)
	}
	req.RequestURI = ""
	req.URL.Scheme = ""
	req.URL.Host = ""

	remoteBr := bufio.NewWriter(remote)
	if err := req.Write(remoteBr); err != nil {
		return false
	}
	if err := remoteBr.Flush(); err != nil {
		return false
	}

	remoteReader := bufio.NewReader(remote)
	resp, err := http.ReadResponse(remoteReader, req)
	if err != nil {
		glog.V(2).Infof("http: conn %d upstream response: %v", sess.ID, err)
		return false
	}
	keepAlive := resp.Close == false && req.ProtoAtLeast(1, 1)
	if err := resp.Write(c); err != nil {
		return false
	}
	_ = resp.Body.Close()
	return keepAlive
}

// checkProxyAuth implements spec.md §4.C7's auth gate: "if no auth is
// configured, accept unconditionally," otherwise require
// Proxy-Authorization: Basic matching an AuthUsers entry.
func (s *Server) checkProxyAuth(req *http.Request) bool {
	if !s.opts.RequiresAuth() {
		return true
	}
	hdr := req.Header.Get("Proxy-Authorization")
	const prefix = "Basic "
	if !strings.HasPrefix(hdr, prefix) {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(hdr, prefix))
	if err != nil {
		return false
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return false
	}
	u, found := s.opts.Lookup(parts[0])
	return found && u.Password == parts[1]
}

// writeCanned407 is spec.md §7's "canned 407 page with
// Proxy-Authenticate-like branding (nginx/1.20.2 to camouflage the
// server)".
func writeCanned407(w io.Writer) {
	body := `<html>
<head><title>407 Proxy Authentication Required</title></head>
<body>
<center><h1>407 Proxy Authentication Required</h1></center>
<hr><center>` + proxyCamouflage + `</center>
</body>
</html>
`
	resp := &http.Response{
		StatusCode:    http.StatusProxyAuthRequired,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	resp.Header.Set("Proxy-Authenticate", `Basic realm="proxy"`)
	resp.Header.Set("Server", proxyCamouflage)
	resp.Header.Set("Connection", "close")
	_ = resp.Write(w)
}

func stripProxyHeaders(h http.Header) {
	for k := range h {
		if strings.HasPrefix(k, "Proxy-") {
			h.Del(k)
		}
	}
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
}

func splitHostPortDefault(authority, fallback string, defaultPort uint16) (string, uint16, error) {
	target := authority
	if target == "" {
		target = fallback
	}
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return target, defaultPort, nil
	}
	port, perr := parseUint16(portStr)
	if perr != nil {
		return host, defaultPort, nil
	}
	return host, port, nil
}

func parseUint16(s string) (uint16, error) {
	var v uint32
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errors.New("http: invalid port")
		}
		v = v*10 + uint32(c-'0')
	}
	if v > 0xFFFF {
		return 0, errors.New("http: invalid port")
	}
	return uint16(v), nil
}
