package protocol

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	anatorrent "github.com/anacrolix/torrent"
	"github.com/sirupsen/logrus"

	"fetchd/internal/domain"
	"fetchd/internal/downloader"
	"fetchd/internal/metainfo"
)

// MagnetResolver fetches the info dictionary a magnet link refers to.
type MagnetResolver interface {
	Resolve(ctx context.Context, uri string) (*metainfo.Metadata, error)
}

// Magnet handles magnet links. Prep only parses the link; the metadata is
// fetched when the task first runs.
type Magnet struct {
	Env *Env
}

func (*Magnet) Name() domain.Protocol { return domain.ProtocolMagnet }

func (*Magnet) Matches(locator string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(locator)), "magnet:?")
}

func (p *Magnet) Prep(_ context.Context, locator string) (*Prepared, error) {
	m, err := metainfo.ParseMagnet(strings.TrimSpace(locator))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnsupportedLocator, err)
	}
	name := filepath.Base(m.DisplayName)
	if m.DisplayName == "" || name == "." || name == "/" {
		name = m.InfoHash.HexString()
	}
	return &Prepared{
		Locator:  strings.TrimSpace(locator),
		Protocol: domain.ProtocolMagnet,
		Name:     name,
	}, nil
}

func (p *Magnet) BuildDownloader(task *domain.Task) (downloader.Downloader, error) {
	m, err := metainfo.ParseMagnet(task.Locator)
	if err != nil {
		return nil, domain.Failf(err, "parse magnet")
	}
	cfg, err := p.Env.torrentConfig(task)
	if err != nil {
		return nil, err
	}
	cfg.ExtraTrackers = append(append([]string(nil), cfg.ExtraTrackers...), m.Trackers...)
	resolver := p.Env.Magnet
	uri := task.Locator
	return &downloader.Torrent{
		Source: func(ctx context.Context) (*metainfo.Metadata, error) {
			if resolver == nil {
				return nil, &domain.DownloadError{Reason: "magnet links need a metadata resolver"}
			}
			return resolver.Resolve(ctx, uri)
		},
		FilePath: task.FilePath,
		Config:   cfg,
	}, nil
}

// DefaultMetadataTrackers are added to every metadata lookup.
func DefaultMetadataTrackers() []string {
	return []string{
		"udp://tracker.opentrackr.org:1337/announce",
		"udp://tracker.openbittorrent.com:6969/announce",
		"udp://open.stealth.si:80/announce",
		"udp://exodus.desync.com:6969/announce",
		"http://tracker.opentrackr.org:1337/announce",
		"http://tracker.openbittorrent.com:80/announce",
		"udp://tracker.torrent.eu.org:451/announce",
		"udp://tracker.moeking.me:6969/announce",
	}
}

// MetadataFetcher resolves magnet links with an anacrolix client over DHT
// and ut_metadata. Fetched info dictionaries are cached in CacheDir, so a
// restarted task does not ask the swarm again. The client never downloads
// piece data.
type MetadataFetcher struct {
	CacheDir string
	Trackers []string
	Logger   *logrus.Logger

	mu     sync.Mutex
	client *anatorrent.Client
}

func NewMetadataFetcher(cacheDir string, trackers []string, logger *logrus.Logger) *MetadataFetcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &MetadataFetcher{CacheDir: cacheDir, Trackers: trackers, Logger: logger}
}

func (f *MetadataFetcher) cachePath(h metainfo.Hash) string {
	return filepath.Join(f.CacheDir, h.HexString()+".info")
}

func (f *MetadataFetcher) Resolve(ctx context.Context, uri string) (*metainfo.Metadata, error) {
	m, err := metainfo.ParseMagnet(uri)
	if err != nil {
		return nil, domain.Failf(err, "parse magnet")
	}
	logger := f.Logger.WithField("info_hash", m.InfoHash.HexString())

	if data, err := os.ReadFile(f.cachePath(m.InfoHash)); err == nil {
		meta, err := parseFetchedInfo(m.InfoHash, data)
		if err == nil {
			logger.Debug("metadata loaded from cache")
			return meta, nil
		}
		logger.WithError(err).Warn("discarding cached metadata")
	}

	client, err := f.clientLocked()
	if err != nil {
		return nil, err
	}
	t, err := client.AddMagnet(uri)
	if err != nil {
		return nil, domain.Failf(err, "add magnet")
	}
	defer t.Drop()
	for _, tracker := range f.Trackers {
		t.AddTrackers([][]string{{tracker}})
	}

	logger.Info("fetching metadata")
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.GotInfo():
	}

	infoBytes := t.Metainfo().InfoBytes
	meta, err := parseFetchedInfo(m.InfoHash, infoBytes)
	if err != nil {
		return nil, err
	}
	if err := f.store(m.InfoHash, infoBytes); err != nil {
		logger.WithError(err).Warn("cache metadata")
	}
	logger.WithField("name", meta.Name).Info("metadata fetched")
	return meta, nil
}

func parseFetchedInfo(want metainfo.Hash, data []byte) (*metainfo.Metadata, error) {
	meta, err := metainfo.ParseInfo(data)
	if err != nil {
		return nil, domain.Failf(err, "parse fetched metadata")
	}
	if meta.InfoHash != want {
		return nil, domain.Failf(errors.New("info hash mismatch"), "fetched metadata is %s", meta.InfoHash.HexString())
	}
	return meta, nil
}

func (f *MetadataFetcher) store(h metainfo.Hash, data []byte) error {
	if err := os.MkdirAll(f.CacheDir, 0o755); err != nil {
		return err
	}
	tmp := f.cachePath(h) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.cachePath(h))
}

func (f *MetadataFetcher) clientLocked() (*anatorrent.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client != nil {
		return f.client, nil
	}
	if err := os.MkdirAll(f.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}
	cfg := anatorrent.NewDefaultClientConfig()
	cfg.DataDir = f.CacheDir
	cfg.NoUpload = true
	cfg.Seed = false
	cfg.ListenPort = 0
	client, err := anatorrent.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create metadata client: %w", err)
	}
	f.client = client
	return client, nil
}

// Close releases the client, if one was started.
func (f *MetadataFetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client != nil {
		f.client.Close()
		f.client = nil
	}
}
