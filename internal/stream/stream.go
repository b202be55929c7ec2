// Package stream implements the C1 stream abstraction: a single
// net.Conn-shaped capability set over {plain TCP, TLS-over-TCP,
// scrambled-TCP, TLS-over-scrambled-TCP}.
//
// The original proxy composes these as a boost::variant2 of socket
// types (proxy/variant_stream.hpp). Go's net.Conn interface already
// gives static-enough dispatch for the hot path (io.Copy inlines
// through it), so this package keeps a single Stream interface and
// layers concrete implementations outside-in, matching the "pipeline"
// design note in spec.md §9: socket -> scramble -> TLS -> protocol.
package stream

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/ARwMq9b6/proxygate/internal/scramble"
)

// Stream is the capability set every layer in the pipeline implements.
// It is net.Conn itself, so a plain net.Conn already satisfies it.
type Stream interface {
	net.Conn
}

// Plain wraps a bare TCP connection. It exists as a named type (rather
// than passing around net.Conn directly) so call sites can type-assert
// back to *net.TCPConn for SO_MARK / keepalive tuning without caring
// which layer produced the Stream.
type Plain struct {
	net.Conn
}

// NewPlain wraps conn with no transformation.
func NewPlain(conn net.Conn) *Plain {
	return &Plain{Conn: conn}
}

// TLSStream is a TLS-wrapped stream, server- or client-side.
type TLSStream struct {
	*tls.Conn
}

// NewTLSServer performs (but does not itself wait synchronously
// beyond Handshake) a server-side TLS handshake over conn.
func NewTLSServer(conn net.Conn, cfg *tls.Config) (*TLSStream, error) {
	tc := tls.Server(conn, cfg)
	if err := tc.Handshake(); err != nil {
		return nil, err
	}
	return &TLSStream{Conn: tc}, nil
}

// NewTLSClient performs a client-side TLS handshake, used when
// chaining through an upstream proxy that requires TLS (spec.md §4.C3
// step 1, proxy_pass_ssl).
func NewTLSClient(conn net.Conn, cfg *tls.Config) (*TLSStream, error) {
	tc := tls.Client(conn, cfg)
	if err := tc.Handshake(); err != nil {
		return nil, err
	}
	return &TLSStream{Conn: tc}, nil
}

// ScrambledStream XORs application bytes through the noise-derived
// stream cipher described in spec.md §9 ("Scramble noise handshake").
// It must be installed before any protocol bytes cross the wire, per
// the Session invariant in spec.md §3.
type ScrambledStream struct {
	net.Conn
	codec *scramble.Codec
}

// NewScrambled wraps conn with an already-negotiated scramble.Codec.
// Call scramble.Handshake first to produce the codec.
func NewScrambled(conn net.Conn, codec *scramble.Codec) *ScrambledStream {
	return &ScrambledStream{Conn: conn, codec: codec}
}

func (s *ScrambledStream) Read(p []byte) (int, error) {
	n, err := s.Conn.Read(p)
	if n > 0 {
		s.codec.DecryptInPlace(p[:n])
	}
	return n, err
}

func (s *ScrambledStream) Write(p []byte) (int, error) {
	enc := s.codec.Encrypt(p)
	n, err := s.Conn.Write(enc)
	if err != nil && n > len(p) {
		n = len(p)
	}
	return min(n, len(p)), err
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// HalfCloser is implemented by streams that can shut down one
// direction without closing the whole socket (spec.md §4.C9, §9
// "Half-close semantics"). *net.TCPConn, *tls.Conn and TLSStream
// implement it; CloseWrite below also reaches through Plain and
// ScrambledStream to the connection they wrap.
type HalfCloser interface {
	CloseWrite() error
}

// CloseWrite propagates a half-close to the peer if the underlying
// stream supports it, otherwise it's a no-op (the caller still holds
// the read side open).
func CloseWrite(s Stream) error {
	if hc, ok := s.(HalfCloser); ok {
		return hc.CloseWrite()
	}
	if hc, ok := unwrap(s); ok {
		return hc.CloseWrite()
	}
	return nil
}

// HalfReadCloser is implemented by streams that can stop accepting
// further reads without closing the write side, used on the write-
// error path of the relay (spec.md §4.C9: "On write error, shutdown
// the read side of the other direction and exit").
type HalfReadCloser interface {
	CloseRead() error
}

// CloseRead shuts down the read side if the stream supports it;
// otherwise it closes the stream outright, since there is no portable
// way to silence only the read side of e.g. a *tls.Conn.
func CloseRead(s Stream) error {
	if hc, ok := s.(HalfReadCloser); ok {
		return hc.CloseRead()
	}
	switch v := s.(type) {
	case *Plain:
		if hc, ok := v.Conn.(HalfReadCloser); ok {
			return hc.CloseRead()
		}
	case *ScrambledStream:
		if hc, ok := v.Conn.(HalfReadCloser); ok {
			return hc.CloseRead()
		}
	}
	return s.Close()
}

func unwrap(s Stream) (HalfCloser, bool) {
	switch v := s.(type) {
	case *Plain:
		if hc, ok := v.Conn.(HalfCloser); ok {
			return hc, true
		}
	case *TLSStream:
		// crypto/tls.Conn added CloseWrite in Go 1.8+; it propagates
		// close_notify then shuts down the underlying write side.
		return v.Conn, true
	case *ScrambledStream:
		if hc, ok := v.Conn.(HalfCloser); ok {
			return hc, true
		}
	}
	return nil, false
}

// SetDeadlines applies the per-connection tcp_timeout to both read and
// write directions, matching the teacher's setKeepAlive/ReadTimeout
// idiom in libgost (forward.go: conn.SetReadDeadline/SetWriteDeadline
// around each protocol round-trip).
func SetDeadlines(s Stream, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	return s.SetDeadline(time.Now().Add(d))
}

// PeekedStream replays the bytes NewPeeked read from the underlying
// stream before falling through to the real reads, so probing does not
// consume them. Used by the protocol
// detector (spec.md §4.C5) which must not consume bytes while probing.
type PeekedStream struct {
	Stream
	peeked []byte
	off    int
}

// NewPeeked reads up to n bytes from s with a single Read (short reads
// allowed, like MSG_PEEK on a socket that hasn't buffered n bytes yet)
// and returns a stream that will serve those bytes again on first Read.
func NewPeeked(s Stream, n int) (*PeekedStream, []byte, error) {
	buf := make([]byte, n)
	m, err := s.Read(buf)
	buf = buf[:m]
	return &PeekedStream{Stream: s, peeked: buf}, buf, err
}

func (p *PeekedStream) Read(b []byte) (int, error) {
	if p.off < len(p.peeked) {
		n := copy(b, p.peeked[p.off:])
		p.off += n
		return n, nil
	}
	return p.Stream.Read(b)
}
