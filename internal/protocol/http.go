package protocol

import (
	"context"
	"net/url"
	"strings"

	"fetchd/internal/domain"
	"fetchd/internal/downloader"
)

func hasScheme(locator string, schemes ...string) (*url.URL, bool) {
	u, err := url.Parse(strings.TrimSpace(locator))
	if err != nil || u.Host == "" {
		return nil, false
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			return u, true
		}
	}
	return nil, false
}

// HTTP handles plain http(s) resources.
type HTTP struct {
	Env *Env
}

func (*HTTP) Name() domain.Protocol { return domain.ProtocolHTTP }

func (*HTTP) Matches(locator string) bool {
	_, ok := hasScheme(locator, "http", "https")
	return ok
}

func (p *HTTP) Prep(ctx context.Context, locator string) (*Prepared, error) {
	probe, err := downloader.ProbeHTTP(ctx, p.Env.HTTPClient, locator)
	if err != nil {
		return nil, err
	}
	return &Prepared{
		Locator:  locator,
		Protocol: domain.ProtocolHTTP,
		Name:     probe.Name,
		Size:     probe.Size,
	}, nil
}

func (p *HTTP) BuildDownloader(task *domain.Task) (downloader.Downloader, error) {
	return &downloader.HTTP{
		URL:       task.Locator,
		FilePath:  task.FilePath,
		TotalSize: task.TotalSize,
		Client:    p.Env.HTTPClient,
		Limiter:   p.Env.Limiter,
		Logger:    p.Env.taskLogger(task),
	}, nil
}
