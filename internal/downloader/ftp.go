package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"fetchd/internal/domain"
	"fetchd/internal/throttle"
)

// FTP downloads one file over FTP, resuming with REST.
type FTP struct {
	URL       string
	FilePath  string
	TotalSize int64
	Timeout   time.Duration
	Limiter   *rate.Limiter
	Logger    *logrus.Entry
}

type ftpTarget struct {
	addr     string
	user     string
	password string
	path     string
}

func parseFTPURL(raw string) (ftpTarget, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return ftpTarget{}, err
	}
	if u.Scheme != "ftp" {
		return ftpTarget{}, fmt.Errorf("not an ftp url: %s", raw)
	}
	t := ftpTarget{addr: u.Host, user: "anonymous", password: "anonymous", path: u.Path}
	if u.Port() == "" {
		t.addr = u.Hostname() + ":21"
	}
	if u.User != nil {
		t.user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			t.password = p
		}
	}
	if t.path == "" || t.path == "/" {
		return ftpTarget{}, fmt.Errorf("ftp url has no file path: %s", raw)
	}
	return t, nil
}

func dialFTP(ctx context.Context, t ftpTarget, timeout time.Duration) (*ftp.ServerConn, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c, err := ftp.Dial(t.addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(timeout))
	if err != nil {
		return nil, &domain.NetError{Op: "dial ftp", Addr: t.addr, Err: err}
	}
	if err := c.Login(t.user, t.password); err != nil {
		c.Quit()
		return nil, domain.Failf(err, "ftp login as %s", t.user)
	}
	return c, nil
}

// ProbeFTP logs in and asks the server for the file size.
func ProbeFTP(ctx context.Context, raw string, timeout time.Duration) (Probe, error) {
	t, err := parseFTPURL(raw)
	if err != nil {
		return Probe{}, err
	}
	c, err := dialFTP(ctx, t, timeout)
	if err != nil {
		return Probe{}, err
	}
	defer c.Quit()
	size, err := c.FileSize(t.path)
	if err != nil {
		// SIZE is optional; the size is learnt during the transfer instead.
		size = 0
	}
	return Probe{Name: filepath.Base(t.path), Size: size, AcceptsRanges: true}, nil
}

func (d *FTP) Prepare(context.Context) (Info, error) {
	return Info{Name: filepath.Base(d.FilePath), FilePath: d.FilePath, TotalSize: d.TotalSize}, nil
}

func (d *FTP) Download(ctx context.Context, st *Stats) error {
	log := d.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	t, err := parseFTPURL(d.URL)
	if err != nil {
		return domain.Failf(err, "parse locator")
	}
	if d.TotalSize > 0 {
		st.SetTotal(d.TotalSize)
	}
	if err := os.MkdirAll(filepath.Dir(d.FilePath), 0o755); err != nil {
		return domain.Failf(err, "create download dir")
	}
	f, err := os.OpenFile(d.FilePath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return domain.Failf(err, "open %s", d.FilePath)
	}
	defer f.Close()
	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return domain.Failf(err, "seek %s", d.FilePath)
	}
	if d.TotalSize > 0 && offset == d.TotalSize {
		st.SetDownloaded(offset)
		return nil
	}
	if d.TotalSize > 0 && offset > d.TotalSize {
		offset = 0
	}

	c, err := dialFTP(ctx, t, d.Timeout)
	if err != nil {
		return err
	}
	defer c.Quit()

	resp, err := c.RetrFrom(t.path, uint64(offset))
	if err != nil && offset > 0 {
		log.WithError(err).WithField("offset", offset).Info("server refused REST, restarting from zero")
		offset = 0
		resp, err = c.RetrFrom(t.path, 0)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &domain.NetError{Op: "retr", Addr: t.addr, Err: err}
	}
	defer resp.Close()
	stop := context.AfterFunc(ctx, func() { resp.SetDeadline(time.Now()) })
	defer stop()

	if err := f.Truncate(offset); err != nil {
		return domain.Failf(err, "truncate %s", d.FilePath)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return domain.Failf(err, "seek %s", d.FilePath)
	}
	st.SetDownloaded(offset)

	n, err := copyCounting(f, throttle.Reader(ctx, resp, d.Limiter), st)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var we writeErr
	if errors.As(err, &we) {
		return domain.Failf(we.error, "write %s", d.FilePath)
	}
	if err != nil {
		return &domain.NetError{Op: "read", Addr: t.addr, Err: err}
	}
	if d.TotalSize > 0 && offset+n != d.TotalSize {
		return &domain.NetError{Op: "read", Addr: t.addr, Err: io.ErrUnexpectedEOF}
	}
	if d.TotalSize == 0 {
		st.SetTotal(offset + n)
	}
	return f.Sync()
}

func (d *FTP) RemoveData() error {
	if err := os.Remove(d.FilePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
