// Package detect implements the C5 protocol detector: peek the first
// bytes of a freshly accepted connection, without consuming them, and
// decide which engine should own it.
//
// Grounded on the teacher's handleProxyConn/handleConn (proxyserve.go,
// libgost/server.go): both read a few bytes with io.ReadAtLeast into
// a reused buffer and branch on b[0] == gosocks5.Ver5 vs. a bare HTTP
// request parse. This generalizes that same peek-and-branch shape to
// the three-way (SOCKS5 / SOCKS4 / HTTP-or-web) plus TLS-then-re-peek
// dispatch spec.md §4.C5 describes.
package detect

import (
	"crypto/tls"
	"net"

	"github.com/pkg/errors"

	"github.com/ARwMq9b6/proxygate/internal/stream"
)

// Protocol identifies which engine should handle a connection.
type Protocol int

const (
	ProtoUnknown Protocol = iota
	ProtoSOCKS5
	ProtoSOCKS4
	ProtoHTTP
)

const peekSize = 5

// maxTLSRecursion enforces spec.md §9 Open Question (a): "an
// implementer should cap detection recursion at one" — no TLS inside
// TLS.
const maxTLSRecursion = 1

// Result is what Detect hands back: the (possibly TLS-upgraded)
// stream to keep using, and which engine it belongs to.
type Result struct {
	Stream   stream.Stream
	Protocol Protocol
}

// Detect implements spec.md §4.C5. tlsConfig is nil when the server
// has no certificate configured, in which case a 0x16 first byte makes
// Detect return an error (the caller closes the connection) rather than
// attempt TLS.
func Detect(s stream.Stream, tlsConfig *tls.Config) (Result, error) {
	return detect(s, tlsConfig, 0)
}

func detect(s stream.Stream, tlsConfig *tls.Config, depth int) (Result, error) {
	peeked, buf, err := stream.NewPeeked(s, peekSize)
	if err != nil && len(buf) == 0 {
		return Result{}, errors.Wrap(err, "detect: peek failed")
	}
	if len(buf) == 0 {
		return Result{}, errors.New("detect: connection closed before any bytes")
	}

	switch {
	case buf[0] == 0x05:
		return Result{Stream: peeked, Protocol: ProtoSOCKS5}, nil
	case buf[0] == 0x04:
		return Result{Stream: peeked, Protocol: ProtoSOCKS4}, nil
	case buf[0] == 0x16:
		if tlsConfig == nil {
			return Result{}, errors.New("detect: TLS ClientHello seen but no certificate configured")
		}
		if depth >= maxTLSRecursion {
			return Result{}, errors.New("detect: TLS inside TLS is not supported")
		}
		tlsStream, err := stream.NewTLSServer(peeked, tlsConfig)
		if err != nil {
			return Result{}, errors.Wrap(err, "detect: TLS handshake failed")
		}
		return detect(tlsStream, tlsConfig, depth+1)
	case isHTTPLeadByte(buf[0]):
		return Result{Stream: peeked, Protocol: ProtoHTTP}, nil
	default:
		return Result{}, errors.Errorf("detect: unrecognized first byte 0x%02x", buf[0])
	}
}

// isHTTPLeadByte covers the request-line first letters spec.md §4.C5
// calls out: 'G'(ET), 'P'(OST/PUT/...), 'C'(ONNECT), plus the other
// common verbs (HEAD/DELETE/OPTIONS/TRACE/PATCH) so a permissive HTTP
// parser downstream has a chance to reject malformed ones on its own
// terms rather than the detector guessing wrong.
func isHTTPLeadByte(b byte) bool {
	switch b {
	case 'G', 'P', 'C', 'H', 'D', 'O', 'T':
		return true
	}
	return false
}

// SetupAccepted applies the accept-time socket tuning spec.md §4.C5
// calls for ("set TCP_NODELAY and SO_KEEPALIVE") before detection
// begins.
func SetupAccepted(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetNoDelay(true)
	_ = tc.SetKeepAlive(true)
}
