package protocol

import (
	"context"
	"net/url"
	"path/filepath"
	"strings"

	"fetchd/internal/domain"
	"fetchd/internal/downloader"
	"fetchd/internal/metainfo"
)

// TorrentFile handles local .torrent files, given as a path or file:// URL.
type TorrentFile struct {
	Env *Env
}

func (*TorrentFile) Name() domain.Protocol { return domain.ProtocolTorrent }

func (*TorrentFile) Matches(locator string) bool {
	locator = strings.TrimSpace(locator)
	if strings.HasPrefix(strings.ToLower(locator), "file://") {
		return true
	}
	if strings.Contains(locator, "://") {
		return false
	}
	return strings.EqualFold(filepath.Ext(locator), ".torrent")
}

func torrentPath(locator string) (string, error) {
	locator = strings.TrimSpace(locator)
	if !strings.HasPrefix(strings.ToLower(locator), "file://") {
		return filepath.Abs(locator)
	}
	u, err := url.Parse(locator)
	if err != nil {
		return "", err
	}
	return filepath.FromSlash(u.Path), nil
}

func (p *TorrentFile) Prep(ctx context.Context, locator string) (*Prepared, error) {
	path, err := torrentPath(locator)
	if err != nil {
		return nil, domain.Failf(err, "torrent path %q", locator)
	}
	meta, err := metainfo.Load(path)
	if err != nil {
		return nil, err
	}
	return &Prepared{
		Locator:  path,
		Protocol: domain.ProtocolTorrent,
		Name:     meta.Name,
		Size:     meta.TotalLength,
		Files:    metadataFiles(meta),
	}, nil
}

func metadataFiles(meta *metainfo.Metadata) []domain.TaskFile {
	paths := meta.FilePaths()
	files := make([]domain.TaskFile, len(paths))
	for i, p := range paths {
		files[i] = domain.TaskFile{
			Name:     filepath.Base(p),
			Path:     p,
			Size:     meta.Files[i].Length,
			Selected: true,
		}
	}
	return files
}

func (p *TorrentFile) BuildDownloader(task *domain.Task) (downloader.Downloader, error) {
	cfg, err := p.Env.torrentConfig(task)
	if err != nil {
		return nil, err
	}
	path, err := torrentPath(task.Locator)
	if err != nil {
		return nil, domain.Failf(err, "torrent path %q", task.Locator)
	}
	return &downloader.Torrent{
		Source: func(context.Context) (*metainfo.Metadata, error) {
			meta, err := metainfo.Load(path)
			if err != nil {
				return nil, domain.Failf(err, "load %s", path)
			}
			return meta, nil
		},
		FilePath: task.FilePath,
		Config:   cfg,
	}, nil
}
