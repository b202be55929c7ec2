// Package scramble implements the per-connection obfuscation layer
// mentioned in spec.md as a scope-limited black box: two peers
// exchange pseudo-random length-prefixed noise immediately after TCP
// connect (before any protocol byte), and derive symmetric stream
// ciphers from it.
//
// The original implementation (proxy/scramble.hpp) rolls its own
// XXH3-keyed XOR stream. This rewrite keeps the same shape — generate
// noise, derive a key from it, install a symmetric stream transform —
// but builds it from a real dependency, golang.org/x/crypto, the way
// kcp-go.v2 derives its BlockCrypt key with pbkdf2 before handing off
// to a standard stream cipher (crypt_test.go: pbkdf2.Key(...) then
// NewAESBlockCrypt). Here the final cipher is chacha20 rather than
// AES-CTR, since the scramble layer has no block-alignment requirement
// and chacha20 is a pure keystream generator, simpler to rekey.
package scramble

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"math"
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/sha3"
)

// DefaultNoiseLen is used when the configured noise_length is zero.
const DefaultNoiseLen = 0x100

const handshakeTimeout = 10 * time.Second

// Codec holds the two independent directional keystreams negotiated
// by Handshake. Read-direction and write-direction are always keyed
// differently (salted by a direction label) so a passive observer
// replaying one direction's bytes back at the sender doesn't produce
// a self-consistent stream.
type Codec struct {
	enc *chacha20.Cipher
	dec *chacha20.Cipher
}

// Encrypt returns p XORed through the write-direction keystream. The
// keystream is stateful (continues across calls), matching
// scramble.hpp's scramble_stream, which keeps `m_pos`/`m_key` across
// calls rather than resetting per message.
func (c *Codec) Encrypt(p []byte) []byte {
	out := make([]byte, len(p))
	c.enc.XORKeyStream(out, p)
	return out
}

// DecryptInPlace XORs p through the read-direction keystream in place.
func (c *Codec) DecryptInPlace(p []byte) {
	c.dec.XORKeyStream(p, p)
}

// generateNoise returns n pseudo-random bytes, n in [4, maxLen).
// Mirrors generate_noise()'s intent (a non-fixed-length blob of noise)
// without replicating its bit-packed length-in-the-noise encoding,
// since here the length is carried by an explicit prefix instead (see
// writeNoise/readNoise) — the spec treats the wire format of this
// layer as opaque to the protocol engine.
func generateNoise(maxLen uint16) ([]byte, error) {
	if maxLen < 4 {
		maxLen = DefaultNoiseLen
	}
	var lenBuf [2]byte
	if _, err := io.ReadFull(rand.Reader, lenBuf[:]); err != nil {
		return nil, errors.WithStack(err)
	}
	n := int(binary.BigEndian.Uint16(lenBuf[:]))%int(maxLen-4) + 4
	noise := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, noise); err != nil {
		return nil, errors.WithStack(err)
	}
	return noise, nil
}

func writeNoise(conn net.Conn, noise []byte) error {
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(noise)))
	if _, err := conn.Write(hdr[:]); err != nil {
		return errors.WithStack(err)
	}
	if _, err := conn.Write(noise); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

func readNoise(conn net.Conn, maxLen uint16) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, errors.WithStack(err)
	}
	n := binary.BigEndian.Uint16(hdr[:])
	if maxLen > 0 && n > maxLen {
		return nil, errors.Errorf("scramble: peer noise length %d exceeds limit %d", n, maxLen)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf, nil
}

// deriveKey stretches the exchanged noise into a 32-byte chacha20 key
// plus a 12-byte nonce, salted by dir so each direction gets an
// independent keystream from the same shared noise.
func deriveKey(localNoise, peerNoise []byte, dir string) (key [chacha20.KeySize]byte, nonce [chacha20.NonceSize]byte, err error) {
	salt := append([]byte(dir), localNoise...)
	salt = append(salt, peerNoise...)

	material := pbkdf2.Key(append(append([]byte{}, localNoise...), peerNoise...), salt, 2048, chacha20.KeySize+chacha20.NonceSize, sha3.New256)
	copy(key[:], material[:chacha20.KeySize])
	copy(nonce[:], material[chacha20.KeySize:chacha20.KeySize+chacha20.NonceSize])
	return key, nonce, nil
}

// Handshake performs the noise exchange and returns a Codec. server
// selects which direction label ("c2s"/"s2c") is used for encrypt vs
// decrypt so the two peers agree on which keystream is which.
func Handshake(conn net.Conn, noiseLen uint16, server bool) (*Codec, error) {
	if noiseLen == 0 {
		noiseLen = DefaultNoiseLen
	}
	if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return nil, errors.WithStack(err)
	}
	defer conn.SetDeadline(time.Time{})

	localNoise, err := generateNoise(noiseLen)
	if err != nil {
		return nil, err
	}

	type result struct {
		noise []byte
		err   error
	}
	peerCh := make(chan result, 1)
	go func() {
		n, err := readNoise(conn, noiseLen*4)
		peerCh <- result{n, err}
	}()
	if err := writeNoise(conn, localNoise); err != nil {
		return nil, err
	}
	res := <-peerCh
	if res.err != nil {
		return nil, errors.Wrap(res.err, "scramble: handshake failed reading peer noise")
	}
	peerNoise := res.noise

	outDir, inDir := "c2s", "s2c"
	if server {
		outDir, inDir = "s2c", "c2s"
	}

	encKey, encNonce, err := deriveKey(localNoise, peerNoise, outDir)
	if err != nil {
		return nil, err
	}
	decKey, decNonce, err := deriveKey(peerNoise, localNoise, inDir)
	if err != nil {
		return nil, err
	}

	enc, err := chacha20.NewUnauthenticatedCipher(encKey[:], encNonce[:])
	if err != nil {
		return nil, errors.WithStack(err)
	}
	dec, err := chacha20.NewUnauthenticatedCipher(decKey[:], decNonce[:])
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Codec{enc: enc, dec: dec}, nil
}

// clampNoiseLen keeps a configured noise_length away from values that
// would make generateNoise degenerate (spec.md §6 `noise_length`).
func clampNoiseLen(n uint16) uint16 {
	if n < 8 {
		return DefaultNoiseLen
	}
	if n > math.MaxUint16/4 {
		return math.MaxUint16 / 4
	}
	return n
}
