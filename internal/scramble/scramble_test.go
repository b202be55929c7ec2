package scramble

import (
	"bytes"
	"net"
	"testing"
)

func TestHandshakeProducesMatchingCodecs(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	type result struct {
		codec *Codec
		err   error
	}
	serverCh := make(chan result, 1)
	go func() {
		c, err := Handshake(serverConn, 64, true)
		serverCh <- result{c, err}
	}()

	clientCodec, err := Handshake(clientConn, 64, false)
	if err != nil {
		t.Fatalf("client Handshake: %v", err)
	}
	serverRes := <-serverCh
	if serverRes.err != nil {
		t.Fatalf("server Handshake: %v", serverRes.err)
	}
	serverCodec := serverRes.codec

	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	ciphertext := clientCodec.Encrypt(plaintext)
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatal("Encrypt must not be a no-op")
	}

	got := append([]byte{}, ciphertext...)
	serverCodec.DecryptInPlace(got)
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("server failed to decrypt client's stream: got %q, want %q", got, plaintext)
	}
}

func TestCodecStreamsAreStateful(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	serverCh := make(chan *Codec, 1)
	go func() {
		c, _ := Handshake(serverConn, 32, true)
		serverCh <- c
	}()
	clientCodec, err := Handshake(clientConn, 32, false)
	if err != nil {
		t.Fatalf("client Handshake: %v", err)
	}
	serverCodec := <-serverCh

	first := clientCodec.Encrypt([]byte("aaaa"))
	second := clientCodec.Encrypt([]byte("aaaa"))
	if bytes.Equal(first, second) {
		t.Fatal("encrypting the same plaintext twice should yield different ciphertext, since the keystream advances")
	}

	decFirst := append([]byte{}, first...)
	serverCodec.DecryptInPlace(decFirst)
	decSecond := append([]byte{}, second...)
	serverCodec.DecryptInPlace(decSecond)
	if string(decFirst) != "aaaa" || string(decSecond) != "aaaa" {
		t.Fatalf("sequential decrypt mismatch: %q %q", decFirst, decSecond)
	}
}

func TestGenerateNoiseLengthBounds(t *testing.T) {
	noise, err := generateNoise(64)
	if err != nil {
		t.Fatalf("generateNoise: %v", err)
	}
	if len(noise) < 4 || len(noise) >= 64 {
		t.Fatalf("generateNoise(64) produced length %d, want [4, 64)", len(noise))
	}
}

func TestClampNoiseLen(t *testing.T) {
	if got := clampNoiseLen(2); got != DefaultNoiseLen {
		t.Fatalf("clampNoiseLen(2) = %d, want DefaultNoiseLen", got)
	}
	if got := clampNoiseLen(100); got != 100 {
		t.Fatalf("clampNoiseLen(100) = %d, want 100", got)
	}
}
