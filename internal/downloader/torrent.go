package downloader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"fetchd/internal/domain"
	"fetchd/internal/metainfo"
	"fetchd/internal/torrent"
)

// Torrent drives a torrent.Session. Download returns once every selected
// piece is verified; the session keeps running for Seed until the task's
// context ends.
type Torrent struct {
	// Source yields the metadata, from a .torrent file or a resolved magnet.
	Source func(ctx context.Context) (*metainfo.Metadata, error)
	// FilePath is the data root recorded for the task, used by RemoveData
	// when the metadata was never loaded.
	FilePath string
	Config   torrent.Config

	mu      sync.Mutex
	session *torrent.Session
	done    chan struct{}
	err     error
}

func (d *Torrent) Prepare(ctx context.Context) (Info, error) {
	s, err := d.prepare(ctx)
	if err != nil {
		return Info{}, err
	}
	meta := s.Metadata()
	selected := d.Config.Selected
	info := Info{
		Name:      meta.Name,
		FilePath:  filepath.Join(d.Config.DataDir, meta.Name),
		TotalSize: meta.TotalLength,
	}
	for i, p := range meta.FilePaths() {
		info.Files = append(info.Files, domain.TaskFile{
			Name:     filepath.Base(p),
			Path:     p,
			Size:     meta.Files[i].Length,
			Selected: len(selected) == 0 || slices.Contains(selected, p),
		})
	}
	return info, nil
}

func (d *Torrent) prepare(ctx context.Context) (*torrent.Session, error) {
	d.mu.Lock()
	s := d.session
	d.mu.Unlock()
	if s != nil {
		return s, nil
	}
	meta, err := d.Source(ctx)
	if err != nil {
		return nil, err
	}
	s, err = torrent.New(meta, d.Config)
	if err != nil {
		return nil, domain.Failf(err, "start torrent %s", meta.Name)
	}
	d.mu.Lock()
	d.session = s
	d.mu.Unlock()
	return s, nil
}

func (d *Torrent) Download(ctx context.Context, st *Stats) error {
	s, err := d.prepare(ctx)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	d.mu.Lock()
	d.done = done
	d.mu.Unlock()
	go func() {
		defer close(done)
		err := s.Run(ctx)
		d.mu.Lock()
		d.err = err
		d.mu.Unlock()
	}()

	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		publish(s, st)
		select {
		case <-s.Completed():
			publish(s, st)
			return nil
		case <-done:
			if err := d.runErr(); err != nil {
				return err
			}
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// Seed keeps publishing counters until the session stops.
func (d *Torrent) Seed(ctx context.Context, st *Stats) error {
	d.mu.Lock()
	s, done := d.session, d.done
	d.mu.Unlock()
	if s == nil || done == nil {
		return nil
	}
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-done:
			publish(s, st)
			return d.runErr()
		case <-tick.C:
			publish(s, st)
		}
	}
}

// Reload changes the selected files of a running or prepared torrent.
func (d *Torrent) Reload(selected []string) (bool, error) {
	d.mu.Lock()
	s := d.session
	if s == nil {
		changed := !slices.Equal(d.Config.Selected, selected)
		d.Config.Selected = selected
		d.mu.Unlock()
		return changed, nil
	}
	d.mu.Unlock()
	return s.Reload(selected)
}

func (d *Torrent) RemoveData() error {
	d.mu.Lock()
	s, done := d.session, d.done
	d.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		default:
			return errors.New("torrent still running")
		}
	}
	if s != nil {
		return s.RemoveData()
	}
	if d.FilePath == "" || filepath.Clean(d.FilePath) == filepath.Clean(d.Config.DataDir) {
		return nil
	}
	return os.RemoveAll(d.FilePath)
}

func (d *Torrent) runErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func publish(s *torrent.Session, st *Stats) {
	ts := s.Stats()
	st.SetTotal(ts.BytesWanted)
	st.SetDownloaded(ts.BytesWanted - ts.BytesLeft)
	st.SetUploaded(ts.Uploaded)
	st.SetPeers(ts.Peers, ts.Seeders)
}
