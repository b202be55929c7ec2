package proxyserver

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/ARwMq9b6/proxygate/internal/config"
	"github.com/ARwMq9b6/proxygate/internal/connector"
	"github.com/ARwMq9b6/proxygate/internal/socks"
)

func newTestServer(t *testing.T, opts *config.ServerOptions) *Server {
	t.Helper()
	if opts.Net.TCPTimeoutSec == 0 {
		opts.Net.TCPTimeoutSec = 5
	}
	if opts.DocumentRoot == "" {
		opts.DocumentRoot = t.TempDir()
	}
	return New(opts, nil, nil)
}

func echoListener(t *testing.T) (net.Listener, uint16) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(c)
		}
	}()
	return ln, uint16(ln.Addr().(*net.TCPAddr).Port)
}

type erroringGeo struct{ err error }

func (g erroringGeo) Lookup(ip net.IP) ([]string, string, error) {
	return nil, "", g.err
}

func TestDialTargetFailsClosedWhenRegionLookupErrors(t *testing.T) {
	opts := &config.ServerOptions{Region: config.Regions{Deny: []string{"CN"}}}
	opts.Net.TCPTimeoutSec = 5
	opts.DocumentRoot = t.TempDir()
	s := New(opts, erroringGeo{err: errors.New("geo backend unreachable")}, nil)

	ln, port := echoListener(t)
	defer ln.Close()

	if _, err := s.dialTarget(context.Background(), "127.0.0.1", port); err == nil {
		t.Fatal("dialTarget must fail closed when the region gate's own geolocation lookup errors and a deny list is configured")
	}
}

func TestChooseSocks5MethodNoAuthConfigured(t *testing.T) {
	s := newTestServer(t, &config.ServerOptions{})
	if got := s.chooseSocks5Method([]byte{socks.MethodNoAuth}); got != socks.MethodNoAuth {
		t.Fatalf("got 0x%02x, want MethodNoAuth", got)
	}
	if got := s.chooseSocks5Method([]byte{socks.MethodUserPass}); got != socks.MethodUserPass {
		t.Fatalf("got 0x%02x, want MethodUserPass when that's all that's offered", got)
	}
}

func TestChooseSocks5MethodAuthRequired(t *testing.T) {
	s := newTestServer(t, &config.ServerOptions{
		AuthUsers: []config.AuthUser{{Username: "bob", Password: "hunter2"}},
	})
	if got := s.chooseSocks5Method([]byte{socks.MethodNoAuth}); got != socks.MethodNoAcceptable {
		t.Fatalf("auth required: got 0x%02x, want MethodNoAcceptable when client offers no userpass", got)
	}
	if got := s.chooseSocks5Method([]byte{socks.MethodNoAuth, socks.MethodUserPass}); got != socks.MethodUserPass {
		t.Fatalf("auth required: got 0x%02x, want MethodUserPass", got)
	}
}

func TestAuthenticateChecksPasswordAndCIDR(t *testing.T) {
	_, cidr, _ := net.ParseCIDR("10.0.0.0/8")
	s := newTestServer(t, &config.ServerOptions{
		AuthUsers: []config.AuthUser{{Username: "bob", Password: "hunter2", AllowedSource: cidr}},
	})

	if _, ok := s.authenticate("bob", "wrong", &net.TCPAddr{IP: net.ParseIP("10.0.0.1")}); ok {
		t.Fatal("wrong password must not authenticate")
	}
	if _, ok := s.authenticate("bob", "hunter2", &net.TCPAddr{IP: net.ParseIP("203.0.113.1")}); ok {
		t.Fatal("source outside AllowedSource must not authenticate")
	}
	u, ok := s.authenticate("bob", "hunter2", &net.TCPAddr{IP: net.ParseIP("10.1.2.3")})
	if !ok || u.Username != "bob" {
		t.Fatal("expected a matching user within AllowedSource to authenticate")
	}
}

func TestRepForErrorMapsConnectorKinds(t *testing.T) {
	cases := []struct {
		kind connector.Kind
		want byte
	}{
		{connector.KindConnectionRefused, socks.RepConnectionRefused},
		{connector.KindNoRouteToHost, socks.RepHostUnreachable},
		{connector.KindTimeout, socks.RepTTLExpired},
		{connector.KindResolveFailed, socks.RepHostUnreachable},
		{connector.KindUnknown, socks.RepGeneralFailure},
	}
	for _, c := range cases {
		err := &connector.Error{Kind: c.kind, Err: context.DeadlineExceeded}
		if got := repForError(err); got != c.want {
			t.Fatalf("repForError(%v) = 0x%02x, want 0x%02x", c.kind, got, c.want)
		}
	}
}

func TestCdForErrorMapsConnectorKinds(t *testing.T) {
	cases := []struct {
		kind connector.Kind
		want byte
	}{
		{connector.KindConnectionRefused, socks.CD4CannotConnect},
		{connector.KindNoRouteToHost, socks.CD4CannotConnect},
		{connector.KindTimeout, socks.CD4CannotConnect},
		{connector.KindUnknown, socks.CD4Rejected},
	}
	for _, c := range cases {
		err := &connector.Error{Kind: c.kind, Err: context.DeadlineExceeded}
		if got := cdForError(err); got != c.want {
			t.Fatalf("cdForError(%v) = 0x%02x, want 0x%02x", c.kind, got, c.want)
		}
	}
}

func TestSplitHostPortDefault(t *testing.T) {
	host, port, err := splitHostPortDefault("example.com:8080", "", 80)
	if err != nil || host != "example.com" || port != 8080 {
		t.Fatalf("got %q %d %v", host, port, err)
	}

	host, port, err = splitHostPortDefault("", "example.com", 443)
	if err != nil || host != "example.com" || port != 443 {
		t.Fatalf("fallback authority: got %q %d %v", host, port, err)
	}
}

func TestParseUint16HTTP(t *testing.T) {
	if _, err := parseUint16("80x"); err == nil {
		t.Fatal("expected an error for a non-numeric port")
	}
	v, err := parseUint16("8080")
	if err != nil || v != 8080 {
		t.Fatalf("got %d %v", v, err)
	}
}

func TestStripProxyHeadersRemovesProxyAndHopByHop(t *testing.T) {
	h := http.Header{}
	h.Set("Proxy-Authorization", "Basic xyz")
	h.Set("Proxy-Connection", "Keep-Alive")
	h.Set("Connection", "keep-alive")
	h.Set("X-Custom", "keep me")

	stripProxyHeaders(h)

	if h.Get("Proxy-Authorization") != "" || h.Get("Proxy-Connection") != "" || h.Get("Connection") != "" {
		t.Fatalf("expected proxy/hop-by-hop headers stripped, got %v", h)
	}
	if h.Get("X-Custom") != "keep me" {
		t.Fatal("non hop-by-hop headers must survive stripProxyHeaders")
	}
}

func TestHandleConnSocks5ConnectRelaysData(t *testing.T) {
	ln, port := echoListener(t)
	defer ln.Close()

	s := newTestServer(t, &config.ServerOptions{Net: config.Network{TCPTimeoutSec: 5}})

	client, accepted := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		s.handleConn(context.Background(), fakeConn{accepted, &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 55555}})
		close(done)
	}()

	// Build the greeting and CONNECT request up front and hand them to
	// the pipe in one background Write call: the detector's 5-byte peek
	// and the engine's later reads drain it progressively, while this
	// goroutine reads the method selection and reply concurrently. A
	// net.Pipe has no buffering, so writing the whole handshake
	// synchronously before reading any reply would deadlock against the
	// server's own blocking writes.
	var req bytes.Buffer
	socks.NewRequest(socks.CmdConnect, socks.Addr{Type: socks.AddrIPv4, Host: "127.0.0.1", Port: port}).Write(&req)
	combined := append([]byte{socks.Ver5, 1, socks.MethodNoAuth}, req.Bytes()...)

	writeErrCh := make(chan error, 1)
	go func() {
		_, err := client.Write(combined)
		writeErrCh <- err
	}()

	sel := make([]byte, 2)
	if _, err := io.ReadFull(client, sel); err != nil {
		t.Fatalf("read method selection: %v", err)
	}
	if sel[0] != socks.Ver5 || sel[1] != socks.MethodNoAuth {
		t.Fatalf("unexpected method selection %v", sel)
	}

	reply, err := socks.ReadReply(client)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Rep != socks.RepSucceeded {
		t.Fatalf("got REP=0x%02x, want success", reply.Rep)
	}
	if err := <-writeErrCh; err != nil {
		t.Fatalf("write greeting+request: %v", err)
	}

	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	echo := make([]byte, 5)
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(client, echo); err != nil {
		t.Fatalf("read echoed payload: %v", err)
	}
	if string(echo) != "hello" {
		t.Fatalf("got %q, want %q", echo, "hello")
	}

	client.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handleConn did not return after the client closed")
	}
}

func TestHandleConnRejectsSocksWhenDisabled(t *testing.T) {
	s := newTestServer(t, &config.ServerOptions{Filter: config.Filters{DisableSOCKS: true}})

	client, accepted := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		s.handleConn(context.Background(), fakeConn{accepted, &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}})
		close(done)
	}()

	go func() {
		client.Write([]byte{socks.Ver5, 1, socks.MethodNoAuth})
		client.Close()
	}()
	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Fatal("expected the connection to be closed with no method-selection reply when SOCKS is disabled")
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handleConn did not return")
	}
}

// fakeConn adapts one half of a net.Pipe() to look like an accepted
// net.Conn with a concrete RemoteAddr, since net.Pipe's own addresses
// are unusable placeholders and several engine paths (authenticate's
// CIDR check, session.Target bookkeeping) care about a real address.
type fakeConn struct {
	net.Conn
	remote net.Addr
}

func (f fakeConn) RemoteAddr() net.Addr { return f.remote }
