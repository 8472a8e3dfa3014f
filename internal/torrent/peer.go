package torrent

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"fetchd/internal/peerwire"
	"fetchd/internal/piece"
)

// allowedFastCount is how many pieces a choked peer may request under BEP 6.
const allowedFastCount = 10

// peer is the session's view of one connection. The fields below mu are
// guarded by it; the read loop holds it while handling a message.
type peer struct {
	addr    string
	conn    *peerwire.Conn
	handler *peerHandler

	mu         sync.Mutex
	advertised *piece.Bitfield
	current    int
	nextBegin  int
	strikes    int
	// failed holds the pieces this peer delivered corrupt.
	failed *piece.Bitfield

	lastBlock atomic.Int64
}

func remoteIP(c *peerwire.Conn) net.IP {
	host, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

func (p *peer) stalled(now time.Time, timeout time.Duration) bool {
	last := p.lastBlock.Load()
	return last != 0 && now.Sub(time.Unix(0, last)) > timeout
}

// serve registers conn and runs its read loop until it closes.
func (s *Session) serve(ctx context.Context, addr string, conn *peerwire.Conn) {
	p := &peer{
		addr:       addr,
		conn:       conn,
		current:    -1,
		advertised: piece.NewBitfield(s.meta.NumPieces()),
		failed:     piece.NewBitfield(s.meta.NumPieces()),
	}
	p.handler = &peerHandler{s: s, p: p}

	s.mu.Lock()
	if s.closing || s.peers[addr] != nil {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.peers[addr] = p
	s.mu.Unlock()
	s.cfg.Observer.PeerConnected()
	log := s.log.WithField("peer", addr)
	log.Debug("peer connected")

	defer func() {
		conn.Close()
		p.mu.Lock()
		s.avail.RemoveBitfield(p.advertised)
		released := p.current >= 0
		if released {
			s.store.Release(p.current)
			p.current = -1
		}
		p.mu.Unlock()
		s.mu.Lock()
		s.downloaded.Add(conn.Downloaded())
		s.uploaded.Add(conn.Uploaded())
		delete(s.peers, addr)
		s.mu.Unlock()
		s.cfg.Observer.PeerDisconnected()
		if released {
			s.nudgeIdle(p)
		}
	}()

	if err := conn.SendBitfield(s.store.HaveBitfield()); err != nil {
		return
	}
	if conn.Fast() {
		set := piece.AllowedFastSet(allowedFastCount, s.meta.NumPieces(), remoteIP(conn), s.meta.InfoHash)
		var have []int
		for _, i := range set {
			if s.store.Has(i) {
				have = append(have, i)
			}
		}
		conn.OfferAllowedFast(have)
	}

	err := conn.Run(ctx, p.handler)
	if peerwire.IsProtocolViolation(err) {
		s.ban(addr)
	}
	log.WithError(err).Debug("peer disconnected")
}

// peerHandler is the back-reference a connection holds into its session.
type peerHandler struct {
	s *Session
	p *peer
}

func (h *peerHandler) HandleMessage(c *peerwire.Conn, m peerwire.Message) error {
	s, p := h.s, h.p
	p.mu.Lock()
	defer p.mu.Unlock()
	switch m.ID {
	case peerwire.BitfieldMsg, peerwire.HaveAll, peerwire.HaveNone:
		s.avail.RemoveBitfield(p.advertised)
		p.advertised = c.PeerHas()
		s.avail.AddBitfield(p.advertised)
	case peerwire.Have:
		if p.advertised.Set(int(m.Index)) {
			s.avail.AddHave(int(m.Index))
		}
	case peerwire.Choke:
		if !c.Fast() {
			h.releaseCurrent()
		}
		return nil
	case peerwire.Reject:
		if p.current == int(m.Index) {
			h.releaseCurrent()
		}
	case peerwire.Interested:
		return c.SetChoking(false)
	case peerwire.NotInterested:
		return c.SetChoking(true)
	case peerwire.Request:
		b := peerwire.Block{Index: m.Index, Begin: m.Begin, Length: m.Length}
		data, err := s.store.ReadBlock(int(m.Index), int(m.Begin), int(m.Length))
		if err != nil {
			return c.RejectRequest(b)
		}
		return c.SendBlock(m.Index, m.Begin, data)
	case peerwire.Piece:
		if err := h.onBlock(m); err != nil {
			return err
		}
	case peerwire.Cancel, peerwire.Unchoke:
	}
	return h.fill(c)
}

func (h *peerHandler) onBlock(m peerwire.Message) error {
	s, p := h.s, h.p
	p.lastBlock.Store(time.Now().UnixNano())
	index := int(m.Index)
	out, err := s.store.AddBlock(index, int(m.Begin), m.Block)
	switch out {
	case piece.Pending:
		return nil
	case piece.Accepted:
		s.cfg.Observer.PieceVerified(true)
		if p.current == index {
			p.current = -1
			p.lastBlock.Store(0)
		}
		s.broadcastHave(index)
		s.checkCompletedAndDone()
		return nil
	case piece.Duplicate:
		if p.current == index {
			p.current = -1
			p.lastBlock.Store(0)
		}
		return nil
	}

	if errors.Is(err, piece.ErrVerification) {
		s.cfg.Observer.PieceVerified(false)
		if p.current == index {
			p.current = -1
			p.lastBlock.Store(0)
		}
		p.failed.Set(index)
		p.strikes++
		s.log.WithFields(logrus.Fields{"peer": p.addr, "piece": index, "strikes": p.strikes}).Warn("piece failed verification")
		if p.strikes >= s.cfg.MaxStrikes {
			s.ban(p.addr)
			return err
		}
		// the piece is free again; hand it to whoever else has it
		s.nudgeIdle(p)
		return nil
	}
	return err
}

func (h *peerHandler) releaseCurrent() {
	if h.p.current >= 0 {
		h.s.store.Release(h.p.current)
		h.p.current = -1
		h.p.lastBlock.Store(0)
		h.s.nudgeIdle(h.p)
	}
}

// nudge lets an idle peer pick up a piece another peer gave back. Requests
// are otherwise only sent in reaction to a message from the same peer.
func (h *peerHandler) nudge() {
	p := h.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current >= 0 || p.conn.State() == peerwire.Closed {
		return
	}
	if err := h.fill(p.conn); err != nil {
		p.conn.Close()
	}
}

// pickable returns the pieces this peer may be asked for. A piece it
// delivered corrupt is skipped as long as another connected peer has it.
func (h *peerHandler) pickable(availability []int) *piece.Bitfield {
	p := h.p
	if p.failed.Count() == 0 {
		return p.advertised
	}
	mask := p.advertised.Clone()
	for _, i := range p.failed.Indexes() {
		if i < len(availability) && availability[i] > 1 {
			mask.Unset(i)
		}
	}
	return mask
}

// fill keeps the request pipeline full, picking a new piece whenever the
// current one has every block requested and delivered.
func (h *peerHandler) fill(c *peerwire.Conn) error {
	s, p := h.s, h.p
	if err := c.SetInterested(s.store.Interesting(p.advertised)); err != nil {
		return err
	}
	for {
		if p.current < 0 {
			if c.PeerChoking() {
				return nil
			}
			availability := s.avail.Snapshot()
			i, ok := s.store.Pick(h.pickable(availability), availability, s.cfg.Strategy)
			if !ok {
				return nil
			}
			p.current, p.nextBegin = i, 0
			p.lastBlock.Store(time.Now().UnixNano())
		}
		size := s.meta.PieceSize(p.current)
		if int64(p.nextBegin) >= size {
			return nil
		}
		b := peerwire.Block{
			Index:  uint32(p.current),
			Begin:  uint32(p.nextBegin),
			Length: uint32(piece.BlockLength(size, p.nextBegin)),
		}
		if !c.CanRequest(b.Index) {
			return nil
		}
		if err := c.Request(b); err != nil {
			if errors.Is(err, peerwire.ErrPipelineFull) || errors.Is(err, peerwire.ErrChoked) {
				return nil
			}
			return err
		}
		p.nextBegin += int(b.Length)
	}
}
