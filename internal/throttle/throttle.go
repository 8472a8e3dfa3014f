// Package throttle shares a token bucket between readers so a whole engine,
// or one torrent, stays under a configured byte rate.
package throttle

import (
	"context"
	"io"
	"net"

	"golang.org/x/time/rate"
)

const minBurst = 32 * 1024

// NewLimiter returns a limiter for bytesPerSec, or nil when unlimited.
func NewLimiter(bytesPerSec int) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := bytesPerSec
	if burst < minBurst {
		burst = minBurst
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

type reader struct {
	ctx context.Context
	r   io.Reader
	lim *rate.Limiter
}

// Reader wraps r so every byte read is paid for from lim. A nil limiter
// returns r unchanged. Waiting stops when ctx is done.
func Reader(ctx context.Context, r io.Reader, lim *rate.Limiter) io.Reader {
	if lim == nil {
		return r
	}
	return &reader{ctx: ctx, r: r, lim: lim}
}

func (t *reader) Read(p []byte) (int, error) {
	if b := t.lim.Burst(); len(p) > b {
		p = p[:b]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.lim.WaitN(t.ctx, n); werr != nil && err == nil {
			err = werr
		}
	}
	return n, err
}

type conn struct {
	net.Conn
	r io.Reader
}

func (c *conn) Read(p []byte) (int, error) { return c.r.Read(p) }

// Conn throttles reads on c. Writes are not limited.
func Conn(ctx context.Context, c net.Conn, lim *rate.Limiter) net.Conn {
	if lim == nil {
		return c
	}
	return &conn{Conn: c, r: Reader(ctx, c, lim)}
}
