// Package config decodes and validates ServerOptions, the immutable
// configuration a proxyserver.Server is built from.
package config

import (
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Listener is one entry of the server_listen directive.
type Listener struct {
	Addr    string `toml:"addr"`
	V6Only  bool   `toml:"v6only"`
}

// AuthUser is one entry of the auth_users directive:
// user:pwd[:cidr[:proxy_url]]
type AuthUser struct {
	Username string
	Password string

	// AllowedSource restricts this user to clients whose peer address
	// falls inside this CIDR. Nil means unrestricted.
	AllowedSource *net.IPNet

	// ProxyURL, if set, overrides UpstreamProxy for this user only.
	ProxyURL string
}

// TLSMaterial is the cert chain / key / DH params used both for the
// server-side TLS branch of the protocol detector and for TLS-wrapped
// upstream chaining. Loading from disk is an out-of-scope collaborator;
// this struct only carries already-loaded material.
type TLSMaterial struct {
	CertPEM []byte
	KeyPEM  []byte
	DHPEM   []byte

	CACertDir string // directory of hashed symlinks, for upstream verification
	Ciphers   string
	PreferServerCiphers bool
}

// Network carries the bind/dial policy shared by the listener and the
// outbound connector.
type Network struct {
	BindSourceAddr string
	V4Only         bool
	V6Only         bool
	HappyEyeballs  bool
	ReusePort      bool
	Transparent    bool // linux only, IP_TRANSPARENT on the listening socket
	SoMark         int  // linux only
	TCPTimeoutSec  int
	UDPTimeoutSec  int
	RateLimitBps   int64
}

// Filters toggles whole protocol arms off.
type Filters struct {
	DisableHTTP     bool
	DisableSOCKS    bool
	DisableInsecure bool
	DisableUDP      bool
}

// Regions holds the free-text-tag-or-CIDR allow/deny lists consumed by
// internal/region.
type Regions struct {
	Allow []string
	Deny  []string
}

// Scramble toggles the noise-obfuscation layer.
type Scramble struct {
	Enabled    bool
	NoiseLen   uint16
}

// ServerOptions is immutable once the server starts.
type ServerOptions struct {
	Listeners      []Listener
	AuthUsers      []AuthUser
	UsersRateLimit map[string]int64 // username -> bytes/sec

	UpstreamProxy   string // scheme://[user:pass@]host:port
	UpstreamUseTLS  bool
	UpstreamSNI     string

	TLS TLSMaterial

	DocumentRoot string
	Autoindex    bool
	Htpasswd     bool

	Net     Network
	Filter  Filters
	Region  Regions
	Scramble Scramble
}

// ParseAuthUser parses one "user:pwd[:cidr[:proxy_url]]" entry.
func ParseAuthUser(s string) (AuthUser, error) {
	parts := strings.SplitN(s, ":", 4)
	if len(parts) < 2 {
		return AuthUser{}, errors.Errorf("auth_users: malformed entry %q", s)
	}
	u := AuthUser{Username: parts[0], Password: parts[1]}
	if len(parts) >= 3 && parts[2] != "" {
		_, ipnet, err := net.ParseCIDR(parts[2])
		if err != nil {
			return AuthUser{}, errors.Wrapf(err, "auth_users: bad cidr in %q", s)
		}
		u.AllowedSource = ipnet
	}
	if len(parts) == 4 {
		u.ProxyURL = parts[3]
	}
	return u, nil
}

// ParseUserRateLimit parses one "user:bps" entry.
func ParseUserRateLimit(s string) (string, int64, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return "", 0, errors.Errorf("users_rate_limit: malformed entry %q", s)
	}
	bps, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, errors.Wrapf(err, "users_rate_limit: bad rate in %q", s)
	}
	return parts[0], bps, nil
}

// Validate checks cross-field invariants that the TOML decoder alone
// cannot enforce.
func (o *ServerOptions) Validate() error {
	if len(o.Listeners) == 0 {
		return errors.New("server_listen: at least one listener is required")
	}
	if o.Net.V4Only && o.Net.V6Only {
		return errors.New("v4only and v6only are mutually exclusive")
	}
	for _, l := range o.Listeners {
		if _, _, err := net.SplitHostPort(l.Addr); err != nil {
			return errors.Wrapf(err, "server_listen: invalid address %q", l.Addr)
		}
	}
	if o.Htpasswd && len(o.AuthUsers) == 0 {
		return errors.New("htpasswd requires at least one entry in auth_users")
	}
	return nil
}

// RequiresAuth reports whether AuthUsers is non-empty, i.e. whether
// "no authentication required" mode is off.
func (o *ServerOptions) RequiresAuth() bool {
	return len(o.AuthUsers) > 0
}

// Lookup returns the AuthUser matching username, if any.
func (o *ServerOptions) Lookup(username string) (AuthUser, bool) {
	for _, u := range o.AuthUsers {
		if u.Username == username {
			return u, true
		}
	}
	return AuthUser{}, false
}
