package torrent

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"fetchd/internal/metainfo"
	"fetchd/internal/peerwire"
)

// Listener is the single port server shared by every session. It reads the
// handshake of each incoming connection and hands the connection to the
// session registered for its info hash.
type Listener struct {
	tcp              net.Listener
	utp              *peerwire.UTP
	handshakeTimeout time.Duration
	log              *logrus.Logger

	mu       sync.Mutex
	sessions map[metainfo.Hash]*Session
	closed   bool
	wg       sync.WaitGroup
}

// Listen binds the TCP port at addr. When utp is not nil its socket is
// served too.
func Listen(addr string, utp *peerwire.UTP, logger *logrus.Logger) (*Listener, error) {
	if logger == nil {
		logger = logrus.New()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{
		tcp:              ln,
		utp:              utp,
		handshakeTimeout: 20 * time.Second,
		log:              logger,
		sessions:         make(map[metainfo.Hash]*Session),
	}, nil
}

// Port returns the bound TCP port.
func (l *Listener) Port() uint16 {
	_, port, _ := net.SplitHostPort(l.tcp.Addr().String())
	n, _ := strconv.Atoi(port)
	return uint16(n)
}

// Addr returns the bound TCP address.
func (l *Listener) Addr() net.Addr { return l.tcp.Addr() }

// Register routes incoming connections for s.InfoHash() to s.
func (l *Listener) Register(s *Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions[s.InfoHash()] = s
}

// Unregister stops routing connections for infoHash.
func (l *Listener) Unregister(infoHash metainfo.Hash) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, infoHash)
}

// Serve accepts connections until ctx is done or the listener is closed.
func (l *Listener) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	if l.utp != nil {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.acceptLoop(ctx, l.utp)
		}()
	}
	err := l.acceptLoop(ctx, l.tcp)
	l.wg.Wait()
	return err
}

type acceptor interface {
	Accept() (net.Conn, error)
}

func (l *Listener) acceptLoop(ctx context.Context, a acceptor) error {
	for {
		nc, err := a.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.log.WithError(err).Warn("accept peer connection")
			time.Sleep(100 * time.Millisecond)
			continue
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.route(ctx, nc)
		}()
	}
}

func (l *Listener) route(ctx context.Context, nc net.Conn) {
	nc.SetReadDeadline(time.Now().Add(l.handshakeTimeout))
	stop := context.AfterFunc(ctx, func() { nc.SetDeadline(time.Now()) })
	remote, err := peerwire.ReadHandshake(nc)
	stop()
	nc.SetReadDeadline(time.Time{})
	if err != nil {
		l.log.WithField("peer", nc.RemoteAddr().String()).WithError(err).Debug("incoming handshake")
		nc.Close()
		return
	}

	l.mu.Lock()
	s := l.sessions[remote.InfoHash]
	l.mu.Unlock()
	if s == nil {
		l.log.WithField("info_hash", remote.InfoHash.HexString()).Debug("incoming peer for unknown torrent")
		nc.Close()
		return
	}
	go s.accept(nc, remote)
}

// Close stops accepting. Connections already handed to sessions stay open.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	err := l.tcp.Close()
	if l.utp != nil {
		if uerr := l.utp.Close(); err == nil {
			err = uerr
		}
	}
	return err
}
