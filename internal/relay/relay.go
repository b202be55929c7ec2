// Package relay implements the C9 bidirectional relay: two concurrent
// byte-copy tasks with per-direction half-close propagation, an
// idle timeout, and optional per-stream rate limiting.
//
// The teacher's equivalent is libgost's ProxyServer.transport
// (server.go): two io.Copy goroutines feeding one shared error
// channel, first error wins. This keeps that shape but adds the
// half-close propagation and idle-timeout reset spec.md §4.C9 and §9
// require ("Half-close semantics": shutdown(write) must propagate EOF
// without truncating the other direction's in-flight bytes).
package relay

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ARwMq9b6/proxygate/internal/stream"
)

// DefaultBufferSize matches spec.md §4.C9's "fixed buffers (default
// 512 KiB, or per-rate-limit)".
const DefaultBufferSize = 512 * 1024

// Limiter is a per-connection, per-direction token bucket. A nil
// *Limiter imposes no limit.
type Limiter struct {
	r *rate.Limiter
}

// NewLimiter builds a token bucket capped at bytesPerSec; burst equals
// one second's worth of traffic, a conservative default that still
// lets a single large read/write through without fragmenting it.
func NewLimiter(bytesPerSec int64) *Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	return &Limiter{r: rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec))}
}

func (l *Limiter) wait(ctx context.Context, n int) {
	if l == nil {
		return
	}
	_ = l.r.WaitN(ctx, n) // bounded by ctx's deadline; a cancelled relay just stops waiting
}

// Options configures one Relay call.
type Options struct {
	BufferSize int
	IdleTimeout time.Duration
	ReadLimit  *Limiter
	WriteLimit *Limiter
}

// Relay copies bytes in both directions between a (client) and b
// (upstream) until both copy directions have exited (EOF, a read or
// write error, or the streams being closed, e.g. by Session.SetAbort),
// or opts.IdleTimeout elapses without any byte flowing
// (spec.md §4.C9 "The session terminates when both directions have
// exited, the abort flag is set, or the per-connection timeout
// elapses without any progress").
func Relay(ctx context.Context, a, b stream.Stream, opts Options) error {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		lastByte = time.Now()
	)
	recordErr := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}
	touch := func() {
		mu.Lock()
		lastByte = time.Now()
		mu.Unlock()
	}

	if opts.IdleTimeout > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t := time.NewTicker(opts.IdleTimeout / 4)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					mu.Lock()
					idle := time.Since(lastByte)
					mu.Unlock()
					if idle > opts.IdleTimeout {
						// ctx.Done() alone never wakes a goroutine
						// parked inside src.Read: force both streams'
						// pending/future I/O to fail immediately so
						// copyDir's next (or current) call returns.
						_ = a.SetDeadline(time.Now())
						_ = b.SetDeadline(time.Now())
						cancel()
						return
					}
				}
			}
		}()
	}

	copyDir := func(dst, src stream.Stream, limiter *Limiter) {
		defer wg.Done()
		size := opts.BufferSize
		if limiter != nil && limiter.r.Burst() < size {
			// WaitN fails outright for n above the burst, so a larger
			// buffer would bypass the limit.
			size = limiter.r.Burst()
		}
		buf := make([]byte, size)
		for {
			if ctx.Err() != nil {
				return
			}
			limiter.wait(ctx, len(buf))
			n, rerr := src.Read(buf)
			if n > 0 {
				touch()
				if _, werr := dst.Write(buf[:n]); werr != nil {
					recordErr(werr)
					_ = stream.CloseRead(src)
					cancel()
					return
				}
			}
			if rerr != nil {
				if rerr != io.EOF {
					recordErr(rerr)
				}
				// Propagate half-close: tell dst's peer there is no
				// more data coming from this direction, but do not
				// touch dst's read side — the opposite direction may
				// still be relaying a response.
				_ = stream.CloseWrite(dst)
				return
			}
		}
	}

	wg.Add(2)
	go copyDir(b, a, opts.WriteLimit)
	go copyDir(a, b, opts.ReadLimit)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		<-done
	}

	mu.Lock()
	defer mu.Unlock()
	return firstErr
}

// SetKeepAlive mirrors the teacher's setKeepAlive(conn, KeepAliveTime)
// helper used right after accept (libgost/server.go), applied to the
// accepted socket before any protocol bytes are read.
func SetKeepAlive(conn net.Conn, period time.Duration) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(period)
	_ = tc.SetNoDelay(true)
}
