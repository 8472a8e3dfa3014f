package protocol

import (
	"context"
	"fmt"
	"path"
	"strings"

	"fetchd/internal/domain"
	"fetchd/internal/downloader"
)

// HLS handles VOD playlists. Master playlist variants are recorded as task
// files; the selected one is downloaded.
type HLS struct {
	Env *Env
}

func (*HLS) Name() domain.Protocol { return domain.ProtocolHLS }

func (*HLS) Matches(locator string) bool {
	u, ok := hasScheme(locator, "http", "https")
	if !ok {
		return false
	}
	ext := strings.ToLower(path.Ext(u.Path))
	return ext == ".m3u8" || ext == ".m3u"
}

func (p *HLS) Prep(ctx context.Context, locator string) (*Prepared, error) {
	probe, err := downloader.ProbeHLS(ctx, p.Env.HTTPClient, locator)
	if err != nil {
		return nil, err
	}
	prepared := &Prepared{
		Locator:  locator,
		Protocol: domain.ProtocolHLS,
		Name:     probe.Name,
	}
	if len(probe.Variants) == 0 {
		return prepared, nil
	}
	best := probe.Variants[0]
	for _, v := range probe.Variants[1:] {
		if v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	for _, v := range probe.Variants {
		prepared.Files = append(prepared.Files, domain.TaskFile{
			Name:     variantName(v),
			Path:     v.URI,
			Selected: v.URI == best.URI,
		})
	}
	return prepared, nil
}

func variantName(v downloader.HLSVariant) string {
	if v.Resolution != "" {
		return fmt.Sprintf("%s @ %d bps", v.Resolution, v.Bandwidth)
	}
	return fmt.Sprintf("%d bps", v.Bandwidth)
}

func (p *HLS) BuildDownloader(task *domain.Task) (downloader.Downloader, error) {
	selected, err := selection(task)
	if err != nil {
		return nil, err
	}
	d := &downloader.HLS{
		URL:      task.Locator,
		FilePath: task.FilePath,
		Client:   p.Env.HTTPClient,
		Limiter:  p.Env.Limiter,
		Logger:   p.Env.taskLogger(task),
	}
	if len(selected) > 0 {
		d.Variant = selected[0]
	}
	return d, nil
}
