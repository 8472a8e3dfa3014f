// Package torrent drives one torrent: it verifies what is already on disk,
// announces to trackers, connects to peers, requests missing pieces and keeps
// seeding once everything is verified.
package torrent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"fetchd/internal/domain"
	"fetchd/internal/metainfo"
	"fetchd/internal/peerwire"
	"fetchd/internal/piece"
	"fetchd/internal/tracker"
)

// Observer receives session events, typically to feed metrics.
type Observer interface {
	PeerConnected()
	PeerDisconnected()
	PieceVerified(ok bool)
}

type nopObserver struct{}

func (nopObserver) PeerConnected()     {}
func (nopObserver) PeerDisconnected()  {}
func (nopObserver) PieceVerified(bool) {}

// Config configures a Session.
type Config struct {
	// DataDir is the directory the torrent's files are written below.
	DataDir string
	PeerID  metainfo.Hash
	// Port is announced to trackers.
	Port uint16

	MaxPeers       int
	Pipeline       int
	KeepAlive      time.Duration
	IdleTimeout    time.Duration
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	// GracePeriod fails the session when it had no peers and no candidates
	// for this long while pieces are still missing.
	GracePeriod time.Duration
	// AnnounceInterval is used when the tracker does not specify one.
	AnnounceInterval time.Duration
	// MaxStrikes is how many corrupt pieces a peer may send before it is dropped.
	MaxStrikes int

	Strategy  piece.Strategy
	Transport peerwire.Transport
	// Listener, when set, routes incoming peers to the session while it runs.
	Listener  *Listener
	Announcer tracker.Announcer
	// ExtraTrackers are announced to in addition to the metadata's trackers.
	ExtraTrackers []string
	// Peers seeds the candidate list, e.g. from a magnet link.
	Peers []metainfo.Address
	// Selected restricts the download to these file paths, as returned by
	// Metadata.FilePaths. Empty selects every file.
	Selected []string

	Fast     bool
	Limiter  *rate.Limiter
	Observer Observer
	Logger   *logrus.Logger
}

func (c *Config) setDefaults() {
	if c.Port == 0 && c.Listener != nil {
		c.Port = c.Listener.Port()
	}
	if c.PeerID.IsZero() {
		c.PeerID = metainfo.NewPeerID()
	}
	if c.MaxPeers <= 0 {
		c.MaxPeers = 30
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = time.Minute
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Minute
	}
	if c.AnnounceInterval <= 0 {
		c.AnnounceInterval = 30 * time.Minute
	}
	if c.MaxStrikes <= 0 {
		c.MaxStrikes = 3
	}
	if c.Strategy == nil {
		c.Strategy = piece.Sequential{}
	}
	if c.Transport == nil {
		c.Transport = peerwire.TCP{Timeout: c.DialTimeout}
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
}

// Stats is a point-in-time view of a session.
type Stats struct {
	BytesWanted    int64
	BytesCompleted int64
	BytesLeft      int64
	Downloaded     int64
	Uploaded       int64
	Peers          int
	Seeders        int
	SwarmSeeders   int
	SwarmLeechers  int
	Complete       bool
}

// Session owns the piece store and every peer connection of one torrent.
// Peers are keyed by address; they reach back into the session only through
// the handler they were started with.
type Session struct {
	meta   *metainfo.Metadata
	cfg    Config
	store  *piece.Store
	layout *piece.FileLayout
	avail  *piece.Availability
	log    *logrus.Entry

	mu         sync.Mutex
	running    bool
	closing    bool
	ctx        context.Context
	peers      map[string]*peer
	dialing    map[string]bool
	candidates []metainfo.Address
	banned     map[string]bool
	selected   []string
	swarm      [2]int
	wg         sync.WaitGroup

	completeMu sync.Mutex
	complete   bool
	completed  chan struct{}

	downloaded atomic.Int64
	uploaded   atomic.Int64
}

// New prepares a session for meta. Nothing touches the network or the disk
// until Run.
func New(meta *metainfo.Metadata, cfg Config) (*Session, error) {
	cfg.setDefaults()
	if cfg.DataDir == "" {
		return nil, errors.New("torrent: data dir required")
	}
	layout := piece.NewFileLayout(cfg.DataDir, meta)
	s := &Session{
		meta:      meta,
		cfg:       cfg,
		layout:    layout,
		store:     piece.NewStore(meta, layout),
		avail:     piece.NewAvailability(meta.NumPieces()),
		peers:     make(map[string]*peer),
		dialing:   make(map[string]bool),
		banned:    make(map[string]bool),
		completed: make(chan struct{}),
		log: cfg.Logger.WithFields(logrus.Fields{
			"info_hash": meta.InfoHash.HexString(),
			"torrent":   meta.Name,
		}),
	}
	if _, err := s.Reload(cfg.Selected); err != nil {
		return nil, err
	}
	s.addCandidates(cfg.Peers)
	return s, nil
}

// InfoHash returns the torrent's info hash.
func (s *Session) InfoHash() metainfo.Hash { return s.meta.InfoHash }

// Metadata returns the torrent metadata.
func (s *Session) Metadata() *metainfo.Metadata { return s.meta }

// Paths returns the on-disk path of every file of the torrent.
func (s *Session) Paths() []string { return s.layout.Paths() }

// Reload applies a new selected-file set and reports whether it differs from
// the current one. Pieces outside the selection are no longer requested.
func (s *Session) Reload(selected []string) (bool, error) {
	paths := s.meta.FilePaths()
	var indexes []int
	for _, sel := range selected {
		i := slices.Index(paths, path.Clean(sel))
		if i < 0 {
			return false, fmt.Errorf("torrent: %q is not a file of %s", sel, s.meta.Name)
		}
		indexes = append(indexes, i)
	}
	sorted := slices.Clone(selected)
	slices.Sort(sorted)

	s.mu.Lock()
	changed := !slices.Equal(sorted, s.selected)
	s.selected = sorted
	running := s.running
	s.mu.Unlock()
	if !changed {
		return false, nil
	}
	s.store.SetWanted(indexes)
	s.log.WithField("files", len(indexes)).Debug("file selection changed")
	if !s.store.Complete() {
		s.reopen()
	} else if running {
		s.checkCompletedAndDone()
	}
	return true, nil
}

// reopen arms a fresh Completed channel after the selection grew past what
// is already verified.
func (s *Session) reopen() {
	s.completeMu.Lock()
	defer s.completeMu.Unlock()
	if s.complete {
		s.complete = false
		s.completed = make(chan struct{})
		s.log.Info("selection widened, downloading again")
	}
}

// Completed is closed once every wanted piece is verified. Widening the
// selection afterwards replaces it with a new, open channel.
func (s *Session) Completed() <-chan struct{} {
	s.completeMu.Lock()
	defer s.completeMu.Unlock()
	return s.completed
}

// checkCompletedAndDone closes the current Completed channel the first time
// every wanted piece of the current selection is verified.
func (s *Session) checkCompletedAndDone() bool {
	if !s.store.Complete() {
		return false
	}
	s.completeMu.Lock()
	defer s.completeMu.Unlock()
	if !s.complete {
		s.complete = true
		close(s.completed)
		s.log.Info("all pieces verified, seeding")
	}
	return true
}

// Stats returns the current counters.
func (s *Session) Stats() Stats {
	st := Stats{
		BytesWanted:    s.store.BytesWanted(),
		BytesCompleted: s.store.BytesCompleted(),
		BytesLeft:      s.store.BytesLeft(),
	}
	// departing peers move their counters into the totals under s.mu
	s.mu.Lock()
	st.Downloaded, st.Uploaded = s.downloaded.Load(), s.uploaded.Load()
	for _, p := range s.peers {
		st.Peers++
		st.Downloaded += p.conn.Downloaded()
		st.Uploaded += p.conn.Uploaded()
		if p.conn.PeerHas().All() {
			st.Seeders++
		}
	}
	st.SwarmSeeders, st.SwarmLeechers = s.swarm[0], s.swarm[1]
	s.mu.Unlock()
	st.Complete = st.BytesLeft == 0
	return st
}

// NumPeers returns the number of open peer connections.
func (s *Session) NumPeers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Run verifies existing data, announces and exchanges pieces until ctx is
// done. After every wanted piece is verified it keeps serving peers. Run
// returns only after every peer connection is closed; the error is nil when
// ctx ended the session.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("torrent: session already running")
	}
	s.running, s.closing, s.ctx = true, false, ctx
	s.mu.Unlock()
	defer s.shutdown()
	if s.cfg.Listener != nil {
		s.cfg.Listener.Register(s)
		defer s.cfg.Listener.Unregister(s.meta.InfoHash)
	}

	found, err := s.store.Recheck(ctx)
	if err != nil {
		// cancelled while hashing
		return nil
	}
	s.log.WithField("pieces", found).Info("existing data verified")
	// data already on disk is not announced as completed
	var announced <-chan struct{}
	if s.checkCompletedAndDone() {
		announced = s.Completed()
	}

	interval := s.announce(ctx, tracker.EventStarted)
	nextAnnounce := time.Now().Add(interval)
	lastActive := time.Now()

	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		s.connectCandidates()
		var completed <-chan struct{}
		if ch := s.Completed(); ch != announced {
			completed = ch
		}
		select {
		case <-ctx.Done():
			return nil
		case <-completed:
			announced = completed
			s.announce(ctx, tracker.EventCompleted)
		case now := <-tick.C:
			s.dropStalled(now)
			if now.After(nextAnnounce) {
				nextAnnounce = now.Add(s.announce(ctx, tracker.EventNone))
			}
			if s.NumPeers() > 0 || s.hasCandidates() || s.store.Complete() {
				lastActive = now
			} else if now.Sub(lastActive) > s.cfg.GracePeriod {
				return &domain.DownloadError{Reason: fmt.Sprintf("no peers for %s", s.cfg.GracePeriod)}
			}
		}
	}
}

// shutdown closes every peer, waits for their goroutines and releases the
// files. No write happens after it returns.
func (s *Session) shutdown() {
	s.mu.Lock()
	s.closing = true
	for _, p := range s.peers {
		p.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()

	if err := s.layout.Close(); err != nil {
		s.log.WithError(err).Warn("close torrent files")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	s.announce(ctx, tracker.EventStopped)
	cancel()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// RemoveData deletes the torrent's files. The session must not be running.
func (s *Session) RemoveData() error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		return errors.New("torrent: session running")
	}
	return s.layout.Remove()
}

func (s *Session) trackers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range append(s.meta.Trackers(), s.cfg.ExtraTrackers...) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// announce reports progress to every tracker, adds the returned peers as
// candidates and returns when to announce next.
func (s *Session) announce(ctx context.Context, event tracker.Event) time.Duration {
	trackers := s.trackers()
	if s.cfg.Announcer == nil || len(trackers) == 0 {
		return s.cfg.AnnounceInterval
	}
	st := s.Stats()
	req := tracker.AnnounceRequest{
		InfoHash:   s.meta.InfoHash,
		PeerID:     s.cfg.PeerID,
		Port:       s.cfg.Port,
		Uploaded:   st.Uploaded,
		Downloaded: st.Downloaded,
		Left:       st.BytesLeft,
		Event:      event,
		Compact:    true,
	}
	interval := s.cfg.AnnounceInterval
	for _, r := range tracker.AnnounceAll(ctx, s.cfg.Announcer, trackers, req, 0) {
		log := s.log.WithFields(logrus.Fields{"tracker": r.Tracker, "event": string(event)})
		if r.Err != nil {
			log.WithError(r.Err).Debug("announce failed")
			continue
		}
		log.WithField("peers", len(r.Resp.Peers)).Debug("announced")
		if event != tracker.EventStopped {
			s.addCandidates(r.Resp.Peers)
		}
		s.mu.Lock()
		s.swarm = [2]int{r.Resp.Complete, r.Resp.Incomplete}
		s.mu.Unlock()
		if r.Resp.Interval > 0 && r.Resp.Interval < interval {
			interval = r.Resp.Interval
		}
	}
	return interval
}

func (s *Session) addCandidates(addrs []metainfo.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range addrs {
		key := a.String()
		if s.banned[key] || s.peers[key] != nil || s.dialing[key] {
			continue
		}
		if slices.ContainsFunc(s.candidates, a.Equal) {
			continue
		}
		s.candidates = append(s.candidates, a)
	}
}

// AddPeers adds peer candidates from another source than the trackers.
func (s *Session) AddPeers(addrs []metainfo.Address) { s.addCandidates(addrs) }

func (s *Session) hasCandidates() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.candidates) > 0 || len(s.dialing) > 0
}

// connectCandidates dials queued candidates while there is room.
func (s *Session) connectCandidates() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing || s.ctx == nil {
		return
	}
	if s.store.Complete() {
		return
	}
	for len(s.candidates) > 0 && len(s.peers)+len(s.dialing) < s.cfg.MaxPeers {
		addr := s.candidates[0]
		s.candidates = s.candidates[1:]
		key := addr.String()
		s.dialing[key] = true
		s.wg.Add(1)
		go s.dial(s.ctx, key)
	}
}

func (s *Session) dial(ctx context.Context, addr string) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.dialing, addr)
		s.mu.Unlock()
	}()

	dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	nc, err := s.cfg.Transport.DialContext(dctx, addr)
	if err != nil {
		s.log.WithField("peer", addr).WithError(err).Debug("dial failed")
		return
	}
	conn, err := peerwire.Initiate(dctx, nc, s.peerConfig())
	if err != nil {
		s.log.WithField("peer", addr).WithError(err).Debug("handshake failed")
		if peerwire.IsProtocolViolation(err) {
			s.ban(addr)
		}
		return
	}
	s.serve(ctx, addr, conn)
}

// accept takes over an incoming connection whose handshake was already
// read by the listener.
func (s *Session) accept(nc net.Conn, remote peerwire.Handshake) {
	addr := nc.RemoteAddr().String()
	s.mu.Lock()
	if !s.running || s.closing || len(s.peers) >= s.cfg.MaxPeers || s.peers[addr] != nil || s.banned[addr] {
		s.mu.Unlock()
		nc.Close()
		return
	}
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	conn, err := peerwire.Respond(ctx, nc, remote, s.peerConfig())
	if err != nil {
		s.log.WithField("peer", addr).WithError(err).Debug("incoming handshake failed")
		return
	}
	s.serve(ctx, addr, conn)
}

func (s *Session) peerConfig() peerwire.Config {
	return peerwire.Config{
		InfoHash:    s.meta.InfoHash,
		PeerID:      s.cfg.PeerID,
		NumPieces:   s.meta.NumPieces(),
		Pipeline:    s.cfg.Pipeline,
		KeepAlive:   s.cfg.KeepAlive,
		IdleTimeout: s.cfg.IdleTimeout,
		Fast:        s.cfg.Fast,
		Limiter:     s.cfg.Limiter,
		Logger:      s.cfg.Logger,
	}
}

func (s *Session) ban(addr string) {
	s.mu.Lock()
	s.banned[addr] = true
	s.mu.Unlock()
}

// dropStalled closes peers that have held a piece without delivering a
// block for RequestTimeout.
func (s *Session) dropStalled(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for addr, p := range s.peers {
		if p.stalled(now, s.cfg.RequestTimeout) {
			s.log.WithField("peer", addr).Debug("dropping stalled peer")
			p.conn.Close()
		}
	}
}

// nudgeIdle wakes every other peer so an idle one can take over a piece
// that was released or failed verification.
func (s *Session) nudgeIdle(skip *peer) {
	s.mu.Lock()
	handlers := make([]*peerHandler, 0, len(s.peers))
	for _, p := range s.peers {
		if p != skip {
			handlers = append(handlers, p.handler)
		}
	}
	s.mu.Unlock()
	for _, h := range handlers {
		go h.nudge()
	}
}

// broadcastHave tells every connected peer about a newly verified piece.
func (s *Session) broadcastHave(index int) {
	s.mu.Lock()
	conns := make([]*peerwire.Conn, 0, len(s.peers))
	for _, p := range s.peers {
		conns = append(conns, p.conn)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.SendHave(index)
	}
}
