package resolver

import (
	"context"
	"net"
	"testing"
)

func TestPolicyAccepts(t *testing.T) {
	v4 := net.ParseIP("203.0.113.1")
	v6 := net.ParseIP("2001:db8::1")

	cases := []struct {
		name   string
		policy Policy
		ip     net.IP
		want   bool
	}{
		{"no policy accepts v4", Policy{}, v4, true},
		{"no policy accepts v6", Policy{}, v6, true},
		{"v4only rejects v6", Policy{V4Only: true}, v6, false},
		{"v4only accepts v4", Policy{V4Only: true}, v4, true},
		{"v6only rejects v4", Policy{V6Only: true}, v4, false},
		{"v6only accepts v6", Policy{V6Only: true}, v6, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.policy.accepts(c.ip); got != c.want {
				t.Fatalf("accepts(%v) = %v, want %v", c.ip, got, c.want)
			}
		})
	}
}

func TestResolveLiteralIPv4(t *testing.T) {
	r := New("")
	eps, err := r.Resolve(context.Background(), "203.0.113.7:8080", Policy{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(eps) != 1 || !eps[0].IP.Equal(net.ParseIP("203.0.113.7")) || eps[0].Port != 8080 {
		t.Fatalf("got %+v", eps)
	}
}

func TestResolveLiteralIPv6Bracketed(t *testing.T) {
	r := New("")
	eps, err := r.Resolve(context.Background(), "[2001:db8::1]:443", Policy{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(eps) != 1 || !eps[0].IP.Equal(net.ParseIP("2001:db8::1")) || eps[0].Port != 443 {
		t.Fatalf("got %+v", eps)
	}
}

func TestResolveLiteralExcludedByPolicy(t *testing.T) {
	r := New("")
	_, err := r.Resolve(context.Background(), "203.0.113.7:8080", Policy{V6Only: true})
	if err == nil {
		t.Fatal("expected an error: a v4 literal must be rejected under v6only policy")
	}
}

func TestResolveInvalidHostPort(t *testing.T) {
	r := New("")
	if _, err := r.Resolve(context.Background(), "not-a-hostport", Policy{}); err == nil {
		t.Fatal("expected an error for a malformed host:port")
	}
}

func TestEndpointString(t *testing.T) {
	e := Endpoint{IP: net.ParseIP("198.51.100.1"), Port: 1080}
	if got, want := e.String(), "198.51.100.1:1080"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
