package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"fetchd/internal/domain"
	"fetchd/internal/throttle"
)

// HTTP downloads a single resource, resuming with Range requests.
type HTTP struct {
	URL       string
	FilePath  string
	TotalSize int64 // from prep, 0 when unknown
	Client    *http.Client
	Limiter   *rate.Limiter
	Logger    *logrus.Entry
}

func (d *HTTP) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return http.DefaultClient
}

func (d *HTTP) log() *logrus.Entry {
	if d.Logger != nil {
		return d.Logger
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

func (d *HTTP) Prepare(context.Context) (Info, error) {
	return Info{Name: filepath.Base(d.FilePath), FilePath: d.FilePath, TotalSize: d.TotalSize}, nil
}

// input is an open body positioned at offset.
type input struct {
	body   io.ReadCloser
	offset int64
	total  int64
}

// openInput requests the resource from offset. When the server cannot serve
// that offset the returned input starts at zero and the caller must discard
// what it has.
func (d *HTTP) openInput(ctx context.Context, offset int64) (*input, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return nil, domain.Failf(err, "build request")
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := d.client().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &domain.NetError{Op: "get", Addr: d.URL, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		start, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != offset {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: content range %q for offset %d", domain.ErrRangeNotSatisfied, resp.Header.Get("Content-Range"), offset)
		}
		return &input{body: resp.Body, offset: offset, total: total}, nil
	case resp.StatusCode == http.StatusOK:
		if offset > 0 {
			d.log().WithField("offset", offset).Info("server ignored range, restarting from zero")
		}
		return &input{body: resp.Body, offset: 0, total: resp.ContentLength}, nil
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		if _, total, ok := parseContentRange(resp.Header.Get("Content-Range")); ok && total == offset {
			return &input{body: http.NoBody, offset: offset, total: total}, nil
		}
		return nil, fmt.Errorf("%w: offset %d", domain.ErrRangeNotSatisfied, offset)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		resp.Body.Close()
		return nil, &domain.NetError{Op: "get", Addr: d.URL, Err: errors.New(resp.Status)}
	default:
		resp.Body.Close()
		return nil, &domain.DownloadError{Reason: "server replied " + resp.Status}
	}
}

func (d *HTTP) Download(ctx context.Context, st *Stats) error {
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
	if d.TotalSize > 0 && offset > d.TotalSize {
		offset = 0
	}
	if d.TotalSize > 0 && offset == d.TotalSize {
		st.SetDownloaded(offset)
		return nil
	}

	in, err := d.openInput(ctx, offset)
	if errors.Is(err, domain.ErrRangeNotSatisfied) {
		d.log().WithError(err).Info("cannot resume, restarting from zero")
		in, err = d.openInput(ctx, 0)
	}
	if err != nil {
		return err
	}
	defer in.body.Close()

	if in.total > 0 {
		if d.TotalSize > 0 && in.total != d.TotalSize {
			return fmt.Errorf("%w: %d, now %d", domain.ErrSizeMismatch, d.TotalSize, in.total)
		}
		st.SetTotal(in.total)
	}
	if in.offset != offset {
		if err := f.Truncate(in.offset); err != nil {
			return domain.Failf(err, "truncate %s", d.FilePath)
		}
	}
	if _, err := f.Seek(in.offset, io.SeekStart); err != nil {
		return domain.Failf(err, "seek %s", d.FilePath)
	}
	st.SetDownloaded(in.offset)

	n, err := copyCounting(f, throttle.Reader(ctx, in.body, d.Limiter), st)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var we writeErr
	if errors.As(err, &we) {
		return domain.Failf(we.error, "write %s", d.FilePath)
	}
	if err != nil {
		return &domain.NetError{Op: "read", Addr: d.URL, Err: err}
	}
	if in.total > 0 && in.offset+n != in.total {
		return &domain.NetError{Op: "read", Addr: d.URL, Err: io.ErrUnexpectedEOF}
	}
	return f.Sync()
}

func (d *HTTP) RemoveData() error {
	if err := os.Remove(d.FilePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

type writeErr struct{ error }

// copyCounting copies r to w and adds every written byte to st.
func copyCounting(w io.Writer, r io.Reader, st *Stats) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			total += int64(m)
			st.Add(int64(m))
			if werr != nil {
				return total, writeErr{werr}
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

// parseContentRange reads "bytes start-end/total". Total is 0 when the
// server sends "*".
func parseContentRange(v string) (start, total int64, ok bool) {
	v, found := strings.CutPrefix(v, "bytes ")
	if !found {
		return 0, 0, false
	}
	rng, size, found := strings.Cut(v, "/")
	if !found {
		return 0, 0, false
	}
	if size != "*" {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			return 0, 0, false
		}
		total = n
	}
	if rng == "*" {
		return total, total, true
	}
	first, _, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}
	n, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return n, total, true
}

// Probe is what a HEAD request tells about a resource.
type Probe struct {
	Name          string
	Size          int64
	ContentType   string
	AcceptsRanges bool
}

// ProbeHTTP issues a HEAD request for rawURL. Servers that reject HEAD get
// a one byte ranged GET instead.
func ProbeHTTP(ctx context.Context, client *http.Client, rawURL string) (Probe, error) {
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := probeRequest(ctx, client, http.MethodHead, rawURL)
	if err == nil && resp.StatusCode == http.StatusMethodNotAllowed {
		resp.Body.Close()
		resp, err = probeRequest(ctx, client, http.MethodGet, rawURL)
	}
	if err != nil {
		return Probe{}, &domain.NetError{Op: "probe", Addr: rawURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Probe{}, &domain.DownloadError{Reason: "probe " + rawURL + ": " + resp.Status}
	}

	p := Probe{
		ContentType:   resp.Header.Get("Content-Type"),
		AcceptsRanges: resp.Header.Get("Accept-Ranges") == "bytes" || resp.StatusCode == http.StatusPartialContent,
		Size:          resp.ContentLength,
	}
	if resp.StatusCode == http.StatusPartialContent {
		_, p.Size, _ = parseContentRange(resp.Header.Get("Content-Range"))
	}
	if p.Size < 0 {
		p.Size = 0
	}
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		p.Name = filepath.Base(params["filename"])
	}
	if p.Name == "" {
		p.Name = NameFromURL(resp.Request.URL.String())
	}
	return p, nil
}

func probeRequest(ctx context.Context, client *http.Client, method, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if method == http.MethodGet {
		req.Header.Set("Range", "bytes=0-0")
	}
	return client.Do(req)
}

// NameFromURL picks a file name from the last path element of rawURL.
func NameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "download"
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." || name == "" {
		if u.Host != "" {
			return u.Hostname()
		}
		return "download"
	}
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	return filepath.Base(name)
}
