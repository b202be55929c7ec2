// Command proxygated is the CLI/config-file bootstrap collaborator
// spec.md §1 places out of the core's scope: flag parsing, TOML
// config decode, certificate loading, signal handling, and platform
// bootstrap. It wires those into a proxyserver.Server and runs it.
//
// Grounded on the teacher's cmd/dnsproxy/main.go: a single -c flag for
// the config path, BurntSushi/toml decode into a config struct, glog
// for every log site, and a top-level stackTracer unwrap so a fatal
// startup error prints a full trace instead of a bare message.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/ARwMq9b6/proxygate/internal/config"
	"github.com/ARwMq9b6/proxygate/internal/proxyserver"
	"github.com/ARwMq9b6/proxygate/internal/region"
)

// fileConfig is the on-disk TOML shape; it mirrors config.ServerOptions
// field-for-field but uses the kebab/underscore key names spec.md §6
// enumerates, and repeatable directives as string slices parsed by
// internal/config's helpers.
type fileConfig struct {
	ServerListen []string `toml:"server_listen"`
	ReusePort    bool     `toml:"reuse_port"`
	Transparent  bool     `toml:"transparent"`
	Happyeyeballs bool    `toml:"happyeyeballs"`
	V4Only       bool     `toml:"v4only"`
	V6Only       bool     `toml:"v6only"`
	LocalIP      string   `toml:"local_ip"`
	SoMark       int      `toml:"so_mark"`
	TCPTimeout   int      `toml:"tcp_timeout"`
	UDPTimeout   int      `toml:"udp_timeout"`
	RateLimit    int64    `toml:"rate_limit"`

	AuthUsers      []string `toml:"auth_users"`
	UsersRateLimit []string `toml:"users_rate_limit"`

	AllowRegion []string `toml:"allow_region"`
	DenyRegion  []string `toml:"deny_region"`

	ProxyPass    string `toml:"proxy_pass"`
	ProxyPassSSL bool   `toml:"proxy_pass_ssl"`
	ProxySSLName string `toml:"proxy_ssl_name"`

	SSLCertificateDir string `toml:"ssl_certificate_dir"`
	SSLCACertDir      string `toml:"ssl_cacert_dir"`
	SSLCiphers        string `toml:"ssl_ciphers"`
	SSLPreferServerCiphers bool `toml:"ssl_prefer_server_ciphers"`

	IPIPDb string `toml:"ipip_db"`

	HTTPDoc   string `toml:"http_doc"`
	Htpasswd  bool   `toml:"htpasswd"`
	Autoindex bool   `toml:"autoindex"`

	LogsPath string `toml:"logs_path"`

	DisableLogs     bool `toml:"disable_logs"`
	DisableHTTP     bool `toml:"disable_http"`
	DisableSOCKS    bool `toml:"disable_socks"`
	DisableUDP      bool `toml:"disable_udp"`
	DisableInsecure bool `toml:"disable_insecure"`

	Scramble    bool   `toml:"scramble"`
	NoiseLength uint16 `toml:"noise_length"`
}

func main() {
	flag.Parse()
	defer glog.Flush()

	if err := run(); err != nil {
		if st, ok := err.(interface{ StackTrace() errors.StackTrace }); ok {
			fmt.Fprintf(os.Stderr, "%v%+v\n", err, st.StackTrace())
		} else {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
		glog.Flush()
		os.Exit(1)
	}
}

var configPath = flag.String("c", "", "path to the TOML configuration file")

func run() error {
	if *configPath == "" {
		return errors.New("missing required -c <config.toml>")
	}

	var fc fileConfig
	if _, err := toml.DecodeFile(*configPath, &fc); err != nil {
		return errors.Wrapf(err, "loading config %s", *configPath)
	}

	opts, err := buildOptions(fc)
	if err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	var geo region.GeoLookup
	if len(opts.Region.Allow) > 0 || len(opts.Region.Deny) > 0 {
		if fc.IPIPDb == "" {
			return errors.New("allow_region/deny_region configured but no ipip_db provided")
		}
		glog.Warningf("ipip_db %s configured but this build carries no geolocation reader; region gate will fail closed on lookups", fc.IPIPDb)
		geo = noGeoLookup{}
	}

	tlsConfig, err := buildTLSConfig(opts, fc)
	if err != nil {
		return err
	}

	srv := proxyserver.New(opts, geo, tlsConfig)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		glog.Info("proxygated: received shutdown signal")
		cancel()
		_ = srv.Close()
	}()

	lc := listenConfigFor(opts.Net)
	errCh := make(chan error, len(opts.Listeners))
	for _, l := range opts.Listeners {
		ln, err := lc.Listen(ctx, "tcp", l.Addr)
		if err != nil {
			cancel()
			return errors.Wrapf(err, "listening on %s", l.Addr)
		}
		glog.Infof("proxygated: listening on %s", l.Addr)
		go func(ln net.Listener) {
			errCh <- srv.Serve(ctx, ln)
		}(ln)
	}

	for range opts.Listeners {
		if err := <-errCh; err != nil {
			glog.Errorf("proxygated: listener error: %v", err)
		}
	}
	return nil
}

func buildOptions(fc fileConfig) (*config.ServerOptions, error) {
	opts := &config.ServerOptions{
		UpstreamProxy:  fc.ProxyPass,
		UpstreamUseTLS: fc.ProxyPassSSL,
		UpstreamSNI:    fc.ProxySSLName,
		DocumentRoot:   fc.HTTPDoc,
		Autoindex:      fc.Autoindex,
		Htpasswd:       fc.Htpasswd,
		Net: config.Network{
			BindSourceAddr: fc.LocalIP,
			V4Only:         fc.V4Only,
			V6Only:         fc.V6Only,
			HappyEyeballs:  fc.Happyeyeballs,
			ReusePort:      fc.ReusePort,
			Transparent:    fc.Transparent,
			SoMark:         fc.SoMark,
			TCPTimeoutSec:  fc.TCPTimeout,
			UDPTimeoutSec:  fc.UDPTimeout,
			RateLimitBps:   fc.RateLimit,
		},
		Filter: config.Filters{
			DisableHTTP:     fc.DisableHTTP,
			DisableSOCKS:    fc.DisableSOCKS,
			DisableInsecure: fc.DisableInsecure,
			DisableUDP:      fc.DisableUDP,
		},
		Region: config.Regions{
			Allow: splitRegionTokens(fc.AllowRegion),
			Deny:  splitRegionTokens(fc.DenyRegion),
		},
		Scramble: config.Scramble{
			Enabled:  fc.Scramble,
			NoiseLen: fc.NoiseLength,
		},
		TLS: config.TLSMaterial{
			CACertDir:           fc.SSLCACertDir,
			Ciphers:             fc.SSLCiphers,
			PreferServerCiphers: fc.SSLPreferServerCiphers,
		},
		UsersRateLimit: make(map[string]int64),
	}

	for _, entry := range fc.ServerListen {
		l, err := parseListenEntry(entry)
		if err != nil {
			return nil, err
		}
		opts.Listeners = append(opts.Listeners, l)
	}

	for _, entry := range fc.AuthUsers {
		u, err := config.ParseAuthUser(entry)
		if err != nil {
			return nil, err
		}
		opts.AuthUsers = append(opts.AuthUsers, u)
	}

	for _, entry := range fc.UsersRateLimit {
		user, bps, err := config.ParseUserRateLimit(entry)
		if err != nil {
			return nil, err
		}
		opts.UsersRateLimit[user] = bps
	}

	if fc.SSLCertificateDir != "" {
		cert, err := os.ReadFile(fc.SSLCertificateDir + "/ssl_crt.pem")
		if err != nil {
			return nil, errors.Wrap(err, "reading ssl_crt.pem")
		}
		key, err := os.ReadFile(fc.SSLCertificateDir + "/ssl_key.pem")
		if err != nil {
			return nil, errors.Wrap(err, "reading ssl_key.pem")
		}
		opts.TLS.CertPEM = cert
		opts.TLS.KeyPEM = key
		if dh, err := os.ReadFile(fc.SSLCertificateDir + "/ssl_dh.pem"); err == nil {
			opts.TLS.DHPEM = dh
		}
	}

	return opts, nil
}

// parseListenEntry parses "ip:port" or "ip:port -ipv6only" (spec.md
// §6: "repeatable ip:port [-ipv6only]").
func parseListenEntry(entry string) (config.Listener, error) {
	fields := strings.Fields(entry)
	if len(fields) == 0 {
		return config.Listener{}, errors.New("server_listen: empty entry")
	}
	l := config.Listener{Addr: fields[0]}
	for _, f := range fields[1:] {
		if f == "-ipv6only" {
			l.V6Only = true
		}
	}
	return l, nil
}

func splitRegionTokens(entries []string) []string {
	var tokens []string
	for _, e := range entries {
		for _, t := range strings.Split(e, "|") {
			if t = strings.TrimSpace(t); t != "" {
				tokens = append(tokens, t)
			}
		}
	}
	return tokens
}

func buildTLSConfig(opts *config.ServerOptions, fc fileConfig) (*tls.Config, error) {
	if len(opts.TLS.CertPEM) == 0 || len(opts.TLS.KeyPEM) == 0 {
		return nil, nil
	}
	cert, err := tls.X509KeyPair(opts.TLS.CertPEM, opts.TLS.KeyPEM)
	if err != nil {
		return nil, errors.Wrap(err, "parsing TLS certificate/key")
	}
	cfg := &tls.Config{
		Certificates:             []tls.Certificate{cert},
		PreferServerCipherSuites: opts.TLS.PreferServerCiphers,
	}
	return cfg, nil
}

// noGeoLookup is installed when a region gate is configured but no
// real geolocation reader is wired in (loading the IPIP datx/ipdb
// database is an out-of-scope collaborator per spec.md §1); it fails
// every lookup so the gate's fail-closed path (region.Gate.Allowed
// denies on a lookup error) governs instead of silently admitting
// everything.
type noGeoLookup struct{}

func (noGeoLookup) Lookup(ip net.IP) ([]string, string, error) {
	return nil, "", errors.Errorf("no geolocation reader configured for %s", ip)
}
