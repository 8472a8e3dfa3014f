// Package protocol classifies locators and builds the downloader for each
// transport family.
package protocol

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"fetchd/internal/bencode"
	"fetchd/internal/domain"
	"fetchd/internal/downloader"
	"fetchd/internal/torrent"
)

// Prepared is what a protocol learned about a locator before a task exists.
type Prepared struct {
	Locator  string
	Protocol domain.Protocol
	Name     string
	Size     int64 // 0 when the transport cannot tell before transferring
	Files    []domain.TaskFile
}

// Task turns the probe result into a new task record.
func (p *Prepared) Task() *domain.Task {
	return &domain.Task{
		Locator:   p.Locator,
		Protocol:  p.Protocol,
		Name:      p.Name,
		TotalSize: p.Size,
		Files:     p.Files,
	}
}

// Protocol handles one locator family.
type Protocol interface {
	Name() domain.Protocol
	Matches(locator string) bool
	// Prep probes the locator, usually over the network, to learn its name
	// and size before a task is committed.
	Prep(ctx context.Context, locator string) (*Prepared, error)
	// BuildDownloader creates the downloader for a persisted task. It does
	// no I/O.
	BuildDownloader(task *domain.Task) (downloader.Downloader, error)
}

// Env carries the shared collaborators protocols build downloaders from.
type Env struct {
	HTTPClient *http.Client
	FTPTimeout time.Duration
	Limiter    *rate.Limiter
	// Torrent is the session template. DataDir and Selected are filled in
	// per task.
	Torrent torrent.Config
	Magnet  MagnetResolver
	Logger  *logrus.Logger
}

func (e *Env) logger() *logrus.Logger {
	if e.Logger == nil {
		e.Logger = logrus.New()
	}
	return e.Logger
}

func (e *Env) taskLogger(task *domain.Task) *logrus.Entry {
	return e.logger().WithFields(logrus.Fields{
		"task_id":  task.ID,
		"protocol": task.Protocol,
	})
}

// torrentConfig derives a session config for task from the template.
func (e *Env) torrentConfig(task *domain.Task) (torrent.Config, error) {
	cfg := e.Torrent
	cfg.DataDir = filepath.Dir(task.FilePath)
	if cfg.Limiter == nil {
		cfg.Limiter = e.Limiter
	}
	if cfg.Logger == nil {
		cfg.Logger = e.logger()
	}
	selected, err := selection(task)
	if err != nil {
		return torrent.Config{}, err
	}
	cfg.Selected = selected
	return cfg, nil
}

// selection returns the selected file paths of a task, from its file rows or
// from the persisted description.
func selection(task *domain.Task) ([]string, error) {
	if len(task.Files) > 0 {
		return task.SelectedPaths(), nil
	}
	paths, err := bencode.DecodeStrings(task.Description)
	if err != nil {
		return nil, fmt.Errorf("task %d description: %w", task.ID, err)
	}
	return paths, nil
}

// Dispatcher tries protocols in registration order.
type Dispatcher struct {
	protocols []Protocol
	byName    map[domain.Protocol]Protocol
	logger    *logrus.Logger
}

func NewDispatcher(logger *logrus.Logger, protocols ...Protocol) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	d := &Dispatcher{byName: make(map[domain.Protocol]Protocol), logger: logger}
	for _, p := range protocols {
		d.Register(p)
	}
	return d
}

// New returns a dispatcher with every built in protocol, most specific first.
func New(env Env) *Dispatcher {
	d := NewDispatcher(env.logger())
	d.Register(NewThunder(d))
	d.Register(&Magnet{Env: &env})
	d.Register(&TorrentFile{Env: &env})
	d.Register(&HLS{Env: &env})
	d.Register(&FTP{Env: &env})
	d.Register(&HTTP{Env: &env})
	return d
}

// Register appends p. A protocol registered twice under the same name
// replaces the earlier one for Build, but both stay in the match order.
func (d *Dispatcher) Register(p Protocol) {
	d.protocols = append(d.protocols, p)
	d.byName[p.Name()] = p
}

// Match returns the first protocol claiming locator.
func (d *Dispatcher) Match(locator string) (Protocol, error) {
	for _, p := range d.protocols {
		if p.Matches(locator) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedLocator, locator)
}

// Prep matches locator and probes it.
func (d *Dispatcher) Prep(ctx context.Context, locator string) (*Prepared, error) {
	p, err := d.Match(locator)
	if err != nil {
		return nil, err
	}
	prepared, err := p.Prep(ctx, locator)
	if err != nil {
		return nil, err
	}
	if prepared.Name == "" {
		prepared.Name = "download"
	}
	d.logger.WithFields(logrus.Fields{
		"protocol": prepared.Protocol,
		"name":     prepared.Name,
		"size":     prepared.Size,
	}).Debug("locator resolved")
	return prepared, nil
}

// Resolve probes locator and returns the task to create for it.
func (d *Dispatcher) Resolve(ctx context.Context, locator string) (*domain.Task, error) {
	prepared, err := d.Prep(ctx, locator)
	if err != nil {
		return nil, err
	}
	return prepared.Task(), nil
}

// Build implements downloader.Builder.
func (d *Dispatcher) Build(task *domain.Task) (downloader.Downloader, error) {
	p, ok := d.byName[task.Protocol]
	if !ok {
		return nil, fmt.Errorf("%w: protocol %q", domain.ErrUnsupportedLocator, task.Protocol)
	}
	return p.BuildDownloader(task)
}

var _ downloader.Builder = (*Dispatcher)(nil)
