package protocol

import (
	"context"

	"fetchd/internal/domain"
	"fetchd/internal/downloader"
)

// FTP handles ftp:// resources.
type FTP struct {
	Env *Env
}

func (*FTP) Name() domain.Protocol { return domain.ProtocolFTP }

func (*FTP) Matches(locator string) bool {
	_, ok := hasScheme(locator, "ftp")
	return ok
}

func (p *FTP) Prep(ctx context.Context, locator string) (*Prepared, error) {
	probe, err := downloader.ProbeFTP(ctx, locator, p.Env.FTPTimeout)
	if err != nil {
		return nil, err
	}
	return &Prepared{
		Locator:  locator,
		Protocol: domain.ProtocolFTP,
		Name:     probe.Name,
		Size:     probe.Size,
	}, nil
}

func (p *FTP) BuildDownloader(task *domain.Task) (downloader.Downloader, error) {
	return &downloader.FTP{
		URL:       task.Locator,
		FilePath:  task.FilePath,
		TotalSize: task.TotalSize,
		Timeout:   p.Env.FTPTimeout,
		Limiter:   p.Env.Limiter,
		Logger:    p.Env.taskLogger(task),
	}, nil
}
