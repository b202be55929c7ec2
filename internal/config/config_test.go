package config

import (
	"net"
	"testing"
)

func TestParseAuthUser(t *testing.T) {
	cases := []struct {
		name    string
		entry   string
		wantErr bool
		check   func(t *testing.T, u AuthUser)
	}{
		{
			name:  "user and password only",
			entry: "alice:hunter2",
			check: func(t *testing.T, u AuthUser) {
				if u.Username != "alice" || u.Password != "hunter2" {
					t.Fatalf("got %+v", u)
				}
				if u.AllowedSource != nil {
					t.Fatalf("expected no source restriction, got %v", u.AllowedSource)
				}
			},
		},
		{
			name:  "with cidr",
			entry: "bob:secret:10.0.0.0/8",
			check: func(t *testing.T, u AuthUser) {
				if u.AllowedSource == nil || !u.AllowedSource.Contains(parseIP(t, "10.1.2.3")) {
					t.Fatalf("expected 10.0.0.0/8 to contain 10.1.2.3, got %v", u.AllowedSource)
				}
			},
		},
		{
			name:  "with cidr and proxy override",
			entry: "carol:pw:192.168.0.0/16:socks5://127.0.0.1:1080",
			check: func(t *testing.T, u AuthUser) {
				if u.ProxyURL != "socks5://127.0.0.1:1080" {
					t.Fatalf("got proxy url %q", u.ProxyURL)
				}
			},
		},
		{name: "missing password", entry: "alice", wantErr: true},
		{name: "bad cidr", entry: "alice:pw:not-a-cidr", wantErr: true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			u, err := ParseAuthUser(c.entry)
			if c.wantErr {
				if err == nil {
					t.Fatalf("expected error for entry %q", c.entry)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAuthUser(%q): %v", c.entry, err)
			}
			c.check(t, u)
		})
	}
}

func parseIP(t *testing.T, s string) net.IP {
	t.Helper()
	ip := net.ParseIP(s)
	if ip == nil {
		t.Fatalf("bad test IP %q", s)
	}
	return ip
}

func TestParseUserRateLimit(t *testing.T) {
	user, bps, err := ParseUserRateLimit("alice:102400")
	if err != nil {
		t.Fatalf("ParseUserRateLimit: %v", err)
	}
	if user != "alice" || bps != 102400 {
		t.Fatalf("got user=%q bps=%d", user, bps)
	}

	if _, _, err := ParseUserRateLimit("no-colon"); err == nil {
		t.Fatal("expected error for malformed entry")
	}
	if _, _, err := ParseUserRateLimit("alice:not-a-number"); err == nil {
		t.Fatal("expected error for non-numeric rate")
	}
}

func TestValidate(t *testing.T) {
	base := func() *ServerOptions {
		return &ServerOptions{Listeners: []Listener{{Addr: "127.0.0.1:1080"}}}
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("expected minimal valid config to pass, got %v", err)
	}

	empty := &ServerOptions{}
	if err := empty.Validate(); err == nil {
		t.Fatal("expected error for zero listeners")
	}

	bothFamilies := base()
	bothFamilies.Net.V4Only = true
	bothFamilies.Net.V6Only = true
	if err := bothFamilies.Validate(); err == nil {
		t.Fatal("expected error when v4only and v6only are both set")
	}

	badAddr := &ServerOptions{Listeners: []Listener{{Addr: "not-an-address"}}}
	if err := badAddr.Validate(); err == nil {
		t.Fatal("expected error for unparsable listener address")
	}

	htpasswdNoUsers := base()
	htpasswdNoUsers.Htpasswd = true
	if err := htpasswdNoUsers.Validate(); err == nil {
		t.Fatal("expected error when htpasswd is set with no auth_users")
	}
}

func TestRequiresAuthAndLookup(t *testing.T) {
	opts := &ServerOptions{}
	if opts.RequiresAuth() {
		t.Fatal("expected RequiresAuth to be false with no AuthUsers")
	}

	opts.AuthUsers = []AuthUser{{Username: "alice", Password: "hunter2"}}
	if !opts.RequiresAuth() {
		t.Fatal("expected RequiresAuth to be true once AuthUsers is non-empty")
	}

	u, ok := opts.Lookup("alice")
	if !ok || u.Password != "hunter2" {
		t.Fatalf("Lookup(alice) = %+v, %v", u, ok)
	}
	if _, ok := opts.Lookup("nobody"); ok {
		t.Fatal("expected Lookup(nobody) to fail")
	}
}
