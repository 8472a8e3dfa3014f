package peerwire

import (
	"context"
	"net"
	"time"

	"github.com/anacrolix/utp"

	"fetchd/internal/domain"
)

// Transport opens outgoing peer connections. The same message codec runs
// over every implementation.
type Transport interface {
	Name() string
	DialContext(ctx context.Context, addr string) (net.Conn, error)
}

// TCP dials plain TCP connections.
type TCP struct {
	Timeout time.Duration
}

func (TCP) Name() string { return "tcp" }

func (t TCP) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: t.Timeout}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &domain.NetError{Op: "dial tcp", Addr: addr, Err: err}
	}
	return c, nil
}

// UTP is a uTP socket bound to a local UDP port. It both dials and accepts.
type UTP struct {
	sock *utp.Socket
}

// ListenUTP binds a uTP socket on addr, for example ":6881".
func ListenUTP(addr string) (*UTP, error) {
	s, err := utp.NewSocket("udp", addr)
	if err != nil {
		return nil, &domain.NetError{Op: "listen utp", Addr: addr, Err: err}
	}
	return &UTP{sock: s}, nil
}

func (*UTP) Name() string { return "utp" }

func (u *UTP) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	c, err := u.sock.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, &domain.NetError{Op: "dial utp", Addr: addr, Err: err}
	}
	return c, nil
}

// Accept waits for the next incoming uTP connection.
func (u *UTP) Accept() (net.Conn, error) { return u.sock.Accept() }

// Addr returns the bound UDP address.
func (u *UTP) Addr() net.Addr { return u.sock.Addr() }

func (u *UTP) Close() error { return u.sock.Close() }

// Fallback tries each transport in order and returns the first connection
// that succeeds. Every attempt but the last gets half of the remaining
// deadline.
type Fallback []Transport

func (f Fallback) Name() string {
	name := ""
	for i, t := range f {
		if i > 0 {
			name += "+"
		}
		name += t.Name()
	}
	return name
}

func (f Fallback) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	var lastErr error
	for i, t := range f {
		dctx, cancel := ctx, context.CancelFunc(func() {})
		if deadline, ok := ctx.Deadline(); ok && i < len(f)-1 {
			dctx, cancel = context.WithTimeout(ctx, time.Until(deadline)/2)
		}
		c, err := t.DialContext(dctx, addr)
		cancel()
		if err == nil {
			return c, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}
