// Package downloader runs tasks: it owns the transport independent state
// machine and the protocol specific transfers it drives.
package downloader

import (
	"context"
	"sync/atomic"

	"fetchd/internal/domain"
)

// Info is what a downloader learned about its data before transferring it.
type Info struct {
	Name      string
	FilePath  string
	TotalSize int64 // 0 when unknown
	Files     []domain.TaskFile
}

// Downloader moves one task's data to local storage.
//
// Download transfers until every byte is present and returns nil, or returns
// ctx.Err() once ctx is done, or a failure. A later call resumes from what is
// already on disk. At most one call runs at a time.
type Downloader interface {
	Prepare(ctx context.Context) (Info, error)
	Download(ctx context.Context, st *Stats) error
	// RemoveData deletes everything Download wrote. Download must not be running.
	RemoveData() error
}

// Seeder is implemented by downloaders that keep serving their data after
// completion. Seed returns when ctx is done.
type Seeder interface {
	Seed(ctx context.Context, st *Stats) error
}

// Reloader is implemented by downloaders whose selected file set can change
// while they run.
type Reloader interface {
	Reload(selected []string) (bool, error)
}

// Builder turns a persisted task into its downloader without touching the
// network.
type Builder interface {
	Build(task *domain.Task) (Downloader, error)
}

// Stats are the counters a running downloader publishes. Writers only add or
// store, the manager's reporting loop only loads.
type Stats struct {
	downloaded atomic.Int64
	uploaded   atomic.Int64
	total      atomic.Int64
	peers      atomic.Int64
	seeders    atomic.Int64
	parts      atomic.Int64
	partsDone  atomic.Int64
}

// Add counts n more bytes on disk.
func (s *Stats) Add(n int64) { s.downloaded.Add(n) }

// SetDownloaded replaces the byte count, e.g. after a restart from zero.
func (s *Stats) SetDownloaded(n int64) { s.downloaded.Store(n) }

// SetUploaded replaces the uploaded byte count.
func (s *Stats) SetUploaded(n int64) { s.uploaded.Store(n) }

// SetTotal records the size once a transport learns it.
func (s *Stats) SetTotal(n int64) { s.total.Store(n) }

// SetPeers records the swarm view of a torrent.
func (s *Stats) SetPeers(peers, seeders int) {
	s.peers.Store(int64(peers))
	s.seeders.Store(int64(seeders))
}

// SetParts reports progress in units, for transfers whose byte size is only
// known at the end.
func (s *Stats) SetParts(done, total int) {
	s.partsDone.Store(int64(done))
	s.parts.Store(int64(total))
}

// Snapshot is a consistent enough copy of Stats for reporting.
type Snapshot struct {
	Downloaded int64
	Uploaded   int64
	Total      int64
	Peers      int
	Seeders    int
	Parts      int
	PartsDone  int
}

func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		Downloaded: s.downloaded.Load(),
		Uploaded:   s.uploaded.Load(),
		Total:      s.total.Load(),
		Peers:      int(s.peers.Load()),
		Seeders:    int(s.seeders.Load()),
		Parts:      int(s.parts.Load()),
		PartsDone:  int(s.partsDone.Load()),
	}
	if snap.Total > 0 && snap.Downloaded > snap.Total {
		snap.Downloaded = snap.Total
	}
	return snap
}

// Percent returns completion in 0..100.
func (s Snapshot) Percent() int {
	switch {
	case s.Total > 0:
		return int(s.Downloaded * 100 / s.Total)
	case s.Parts > 0:
		return s.PartsDone * 100 / s.Parts
	}
	return 0
}
