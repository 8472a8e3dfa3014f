// Package peerwire implements a single BitTorrent peer connection: the
// handshake, the message codec, choke and interest state, request
// pipelining and keep-alive supervision.
package peerwire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"fetchd/internal/metainfo"
	"fetchd/internal/piece"
	"fetchd/internal/throttle"
)

// MaxRequestLength is the largest block a peer may ask us for.
const MaxRequestLength = 128 * 1024

// errRefused marks a request received while we are choking the peer.
var errRefused = errors.New("request while choked")

// State is the lifecycle position of a Conn.
type State int32

const (
	Connecting State = iota
	Handshaking
	Ready
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Config describes the local side of a connection.
type Config struct {
	InfoHash  metainfo.Hash
	PeerID    metainfo.Hash
	NumPieces int

	// Pipeline is the maximum number of outstanding block requests.
	Pipeline int
	// KeepAlive is how long the connection may stay silent before a
	// keep-alive is sent.
	KeepAlive time.Duration
	// IdleTimeout closes the connection when nothing was received for this long.
	IdleTimeout      time.Duration
	HandshakeTimeout time.Duration
	MaxMessageLength uint32

	// Fast advertises BEP 6 support.
	Fast bool

	// Limiter throttles reads; nil means unlimited.
	Limiter *rate.Limiter
	// OnState, when set, is called on every lifecycle transition.
	OnState func(State)
	Logger  *logrus.Logger
}

func (c *Config) setDefaults() {
	if c.Pipeline <= 0 {
		c.Pipeline = 5
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 2 * time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 3 * time.Minute
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 20 * time.Second
	}
	if c.MaxMessageLength == 0 {
		c.MaxMessageLength = DefaultMaxMessageLength
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
}

// Handler receives the messages a Conn does not fully handle itself. It is
// called from the read loop after the connection state has been updated;
// returning an error closes the connection.
type Handler interface {
	HandleMessage(c *Conn, m Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(c *Conn, m Message) error

func (f HandlerFunc) HandleMessage(c *Conn, m Message) error { return f(c, m) }

// Block identifies one requested range of a piece.
type Block struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

// Conn is an established peer connection.
type Conn struct {
	cfg    Config
	nc     net.Conn
	r      io.Reader
	log    *logrus.Entry
	remote Handshake
	fast   bool

	ctx    context.Context
	cancel context.CancelFunc

	state    atomic.Int32
	writeMu  sync.Mutex
	lastRecv atomic.Int64
	lastSend atomic.Int64

	mu             sync.Mutex
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	peerHas        *piece.Bitfield
	pending        map[Block]struct{}
	allowedFast    map[uint32]struct{}
	offeredFast    map[uint32]struct{}

	downloaded atomic.Int64
	uploaded   atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// Initiate runs the outgoing handshake on nc. On any failure nc is closed;
// a mismatched protocol or info hash is never retried.
func Initiate(ctx context.Context, nc net.Conn, cfg Config) (*Conn, error) {
	c := newConn(nc, cfg)
	stop := handshakeDeadline(ctx, nc, c.cfg.HandshakeTimeout)
	defer stop()

	c.setState(Handshaking)
	if err := WriteHandshake(nc, localHandshake(c.cfg)); err != nil {
		return nil, c.abort(fmt.Errorf("send handshake: %w", err))
	}
	remote, err := ReadHandshake(nc)
	if err != nil {
		return nil, c.abort(fmt.Errorf("read handshake: %w", err))
	}
	if err := c.accept(remote); err != nil {
		return nil, c.abort(err)
	}
	return c, nil
}

// Respond completes an incoming handshake whose remote half has already
// been read, typically by a listener routing on the info hash.
func Respond(ctx context.Context, nc net.Conn, remote Handshake, cfg Config) (*Conn, error) {
	c := newConn(nc, cfg)
	c.setState(Handshaking)
	if err := checkRemote(c.cfg, remote); err != nil {
		return nil, c.abort(err)
	}
	stop := handshakeDeadline(ctx, nc, c.cfg.HandshakeTimeout)
	defer stop()
	if err := WriteHandshake(nc, localHandshake(c.cfg)); err != nil {
		return nil, c.abort(fmt.Errorf("send handshake: %w", err))
	}
	if err := c.accept(remote); err != nil {
		return nil, c.abort(err)
	}
	return c, nil
}

func localHandshake(cfg Config) Handshake {
	h := Handshake{InfoHash: cfg.InfoHash, PeerID: cfg.PeerID}
	if cfg.Fast {
		h.SetFast()
	}
	return h
}

func checkRemote(cfg Config, remote Handshake) error {
	if remote.InfoHash != cfg.InfoHash {
		return fmt.Errorf("%w: got %s", ErrInfoHashMismatch, remote.InfoHash)
	}
	if remote.PeerID == cfg.PeerID {
		return ErrSelfConnection
	}
	return nil
}

// handshakeDeadline bounds the handshake by timeout and by ctx.
func handshakeDeadline(ctx context.Context, nc net.Conn, timeout time.Duration) func() {
	nc.SetDeadline(time.Now().Add(timeout))
	stop := context.AfterFunc(ctx, func() { nc.SetDeadline(time.Now()) })
	return func() {
		stop()
		nc.SetDeadline(time.Time{})
	}
}

// newConn wraps a transport that has not exchanged handshakes yet.
func newConn(nc net.Conn, cfg Config) *Conn {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		cfg:    cfg,
		nc:     nc,
		r:      throttle.Reader(ctx, nc, cfg.Limiter),
		log:    cfg.Logger.WithFields(logrus.Fields{"peer": nc.RemoteAddr().String(), "info_hash": cfg.InfoHash.HexString()}),
		ctx:    ctx,
		cancel: cancel,

		amChoking:   true,
		peerChoking: true,
		peerHas:     piece.NewBitfield(cfg.NumPieces),
		pending:     make(map[Block]struct{}),
		allowedFast: make(map[uint32]struct{}),
		offeredFast: make(map[uint32]struct{}),
		closed:      make(chan struct{}),
	}
	c.setState(Connecting)
	return c
}

// accept validates the remote handshake and moves the connection to Ready.
func (c *Conn) accept(remote Handshake) error {
	if err := checkRemote(c.cfg, remote); err != nil {
		return err
	}
	c.remote = remote
	c.fast = c.cfg.Fast && remote.SupportsFast()
	now := time.Now().UnixNano()
	c.lastRecv.Store(now)
	c.lastSend.Store(now)
	c.setState(Ready)
	return nil
}

// abort closes a connection whose handshake failed and returns err.
func (c *Conn) abort(err error) error {
	c.closeWith(err)
	return err
}

func (c *Conn) setState(st State) {
	c.state.Store(int32(st))
	if c.cfg.OnState != nil {
		c.cfg.OnState(st)
	}
}

// PeerID returns the remote peer id from the handshake.
func (c *Conn) PeerID() metainfo.Hash { return c.remote.PeerID }

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// State returns the lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Fast reports whether both sides negotiated BEP 6.
func (c *Conn) Fast() bool { return c.fast }

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Err returns why the connection closed, or nil while it is open.
func (c *Conn) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeWith(ErrClosed)
	return nil
}

func (c *Conn) closeWith(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		c.setState(Closed)
		c.cancel()
		c.nc.Close()
		close(c.closed)
		c.log.WithError(err).Debug("peer connection closed")
	})
}

// Downloaded returns the block bytes received.
func (c *Conn) Downloaded() int64 { return c.downloaded.Load() }

// Uploaded returns the block bytes sent.
func (c *Conn) Uploaded() int64 { return c.uploaded.Load() }

func (c *Conn) PeerChoking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerChoking
}

func (c *Conn) PeerInterested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerInterested
}

func (c *Conn) AmChoking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.amChoking
}

func (c *Conn) AmInterested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.amInterested
}

// PeerHas returns a copy of the pieces the peer advertised.
func (c *Conn) PeerHas() *piece.Bitfield {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerHas.Clone()
}

// Outstanding returns the number of requests awaiting a piece message.
func (c *Conn) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// CanRequest reports whether another request fits in the pipeline for
// piece index.
func (c *Conn) CanRequest(index uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canRequest(index)
}

func (c *Conn) canRequest(index uint32) bool {
	if len(c.pending) >= c.cfg.Pipeline {
		return false
	}
	if c.peerChoking {
		_, ok := c.allowedFast[index]
		return ok
	}
	return true
}

// PendingBlocks returns the outstanding requests.
func (c *Conn) PendingBlocks() []Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Block, 0, len(c.pending))
	for b := range c.pending {
		out = append(out, b)
	}
	return out
}

// Send writes one message.
func (c *Conn) Send(m Message) error {
	if c.State() == Closed {
		return ErrClosed
	}
	b, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.nc.SetWriteDeadline(time.Now().Add(c.cfg.IdleTimeout))
	if _, err := c.nc.Write(b); err != nil {
		c.closeWith(err)
		return err
	}
	c.lastSend.Store(time.Now().UnixNano())
	return nil
}

// SetInterested sends interested or not-interested when the value changes.
func (c *Conn) SetInterested(v bool) error {
	c.mu.Lock()
	if c.amInterested == v {
		c.mu.Unlock()
		return nil
	}
	c.amInterested = v
	c.mu.Unlock()
	if v {
		return c.Send(Message{ID: Interested})
	}
	return c.Send(Message{ID: NotInterested})
}

// SetChoking sends choke or unchoke when the value changes.
func (c *Conn) SetChoking(v bool) error {
	c.mu.Lock()
	if c.amChoking == v {
		c.mu.Unlock()
		return nil
	}
	c.amChoking = v
	c.mu.Unlock()
	if v {
		return c.Send(Message{ID: Choke})
	}
	return c.Send(Message{ID: Unchoke})
}

// SendBitfield announces the pieces we have, using have-all or have-none
// when both sides support BEP 6.
func (c *Conn) SendBitfield(have *piece.Bitfield) error {
	if c.fast {
		switch have.Count() {
		case 0:
			return c.Send(Message{ID: HaveNone})
		case have.Len():
			return c.Send(Message{ID: HaveAll})
		}
	}
	if have.Count() == 0 {
		return nil
	}
	return c.Send(Message{ID: BitfieldMsg, Bitfield: have.Bytes()})
}

// SendHave announces a newly verified piece.
func (c *Conn) SendHave(index int) error {
	return c.Send(Message{ID: Have, Index: uint32(index)})
}

// Request asks for a block. It fails with ErrPipelineFull when the pipeline
// is at its configured depth and with ErrChoked when the peer is choking us
// and the piece is not in its allowed fast set.
func (c *Conn) Request(b Block) error {
	c.mu.Lock()
	if _, ok := c.pending[b]; ok {
		c.mu.Unlock()
		return nil
	}
	if len(c.pending) >= c.cfg.Pipeline {
		c.mu.Unlock()
		return ErrPipelineFull
	}
	if !c.canRequest(b.Index) {
		c.mu.Unlock()
		return ErrChoked
	}
	c.pending[b] = struct{}{}
	c.mu.Unlock()

	err := c.Send(Message{ID: Request, Index: b.Index, Begin: b.Begin, Length: b.Length})
	if err != nil {
		c.mu.Lock()
		delete(c.pending, b)
		c.mu.Unlock()
	}
	return err
}

// CancelRequest withdraws an outstanding request.
func (c *Conn) CancelRequest(b Block) error {
	c.mu.Lock()
	_, ok := c.pending[b]
	delete(c.pending, b)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.Send(Message{ID: Cancel, Index: b.Index, Begin: b.Begin, Length: b.Length})
}

// SendBlock answers a request.
func (c *Conn) SendBlock(index, begin uint32, data []byte) error {
	if err := c.Send(Message{ID: Piece, Index: index, Begin: begin, Block: data}); err != nil {
		return err
	}
	c.uploaded.Add(int64(len(data)))
	return nil
}

// RejectRequest refuses a request. Without BEP 6 the request is dropped
// silently.
func (c *Conn) RejectRequest(b Block) error {
	if !c.fast {
		return nil
	}
	return c.Send(Message{ID: Reject, Index: b.Index, Begin: b.Begin, Length: b.Length})
}

// OfferAllowedFast tells the peer it may request these pieces while choked.
func (c *Conn) OfferAllowedFast(pieces []int) error {
	if !c.fast {
		return nil
	}
	for _, i := range pieces {
		c.mu.Lock()
		c.offeredFast[uint32(i)] = struct{}{}
		c.mu.Unlock()
		if err := c.Send(Message{ID: AllowedFast, Index: uint32(i)}); err != nil {
			return err
		}
	}
	return nil
}

// Run reads and dispatches messages until the connection closes or ctx is
// done, and returns the reason. Cancelling ctx closes the transport so a
// blocked read returns promptly.
func (c *Conn) Run(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() { c.closeWith(ctx.Err()) })
	defer stop()
	go c.supervise()

	for {
		m, err := ReadMessage(c.r, c.cfg.MaxMessageLength)
		if err != nil {
			c.closeWith(err)
			return c.Err()
		}
		c.lastRecv.Store(time.Now().UnixNano())
		if m.KeepAlive {
			continue
		}

		deliver, err := c.apply(m)
		if errors.Is(err, errRefused) {
			if err := c.RejectRequest(Block{Index: m.Index, Begin: m.Begin, Length: m.Length}); err != nil {
				return c.Err()
			}
			continue
		}
		if err != nil {
			c.closeWith(err)
			return c.Err()
		}
		if !deliver {
			continue
		}
		if err := h.HandleMessage(c, m); err != nil {
			c.closeWith(err)
			return c.Err()
		}
	}
}

// apply updates connection state for m and reports whether the handler
// should see it.
func (c *Conn) apply(m Message) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch m.ID {
	case Choke:
		c.peerChoking = true
		if !c.fast {
			clear(c.pending)
		}
	case Unchoke:
		c.peerChoking = false
	case Interested:
		c.peerInterested = true
	case NotInterested:
		c.peerInterested = false
	case Have:
		if int(m.Index) >= c.cfg.NumPieces {
			return false, fmt.Errorf("%w: have %d of %d pieces", ErrMalformed, m.Index, c.cfg.NumPieces)
		}
		c.peerHas.Set(int(m.Index))
	case BitfieldMsg:
		bf, err := piece.BitfieldFromBytes(m.Bitfield, c.cfg.NumPieces)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		c.peerHas = bf
	case HaveAll, HaveNone:
		if !c.fast {
			return false, fmt.Errorf("%w: %s without fast extension", ErrMalformed, m.ID)
		}
		c.peerHas = piece.NewBitfield(c.cfg.NumPieces)
		if m.ID == HaveAll {
			c.peerHas.SetAll()
		}
	case Request:
		if m.Length == 0 || m.Length > MaxRequestLength {
			return false, fmt.Errorf("%w: request length %d", ErrMalformed, m.Length)
		}
		if c.amChoking {
			if _, ok := c.offeredFast[m.Index]; !ok {
				return false, errRefused
			}
		}
	case Piece:
		b := Block{Index: m.Index, Begin: m.Begin, Length: uint32(len(m.Block))}
		if _, ok := c.pending[b]; !ok {
			c.log.WithField("block", m.String()).Debug("discarding unrequested block")
			return false, nil
		}
		delete(c.pending, b)
		c.downloaded.Add(int64(len(m.Block)))
	case Cancel:
	case Reject:
		if !c.fast {
			return false, fmt.Errorf("%w: reject without fast extension", ErrMalformed)
		}
		delete(c.pending, Block{Index: m.Index, Begin: m.Begin, Length: m.Length})
	case AllowedFast:
		if int(m.Index) < c.cfg.NumPieces {
			c.allowedFast[m.Index] = struct{}{}
		}
		return false, nil
	default:
		return false, nil
	}
	return true, nil
}

// supervise sends keep-alives on a quiet connection and closes one that has
// received nothing for IdleTimeout.
func (c *Conn) supervise() {
	period := min(c.cfg.KeepAlive, c.cfg.IdleTimeout) / 2
	if period <= 0 {
		period = time.Millisecond
	}
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-c.closed:
			return
		case now := <-t.C:
			if now.Sub(time.Unix(0, c.lastRecv.Load())) > c.cfg.IdleTimeout {
				c.closeWith(ErrIdleTimeout)
				return
			}
			if now.Sub(time.Unix(0, c.lastSend.Load())) >= c.cfg.KeepAlive {
				if err := c.Send(KeepAliveMessage); err != nil && !errors.Is(err, ErrClosed) {
					return
				}
			}
		}
	}
}
