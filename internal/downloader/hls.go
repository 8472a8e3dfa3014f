package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/grafov/m3u8"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"fetchd/internal/domain"
	"fetchd/internal/throttle"
)

// HLS downloads every segment of a VOD media playlist and joins them into
// one file. Segments finished before a pause are kept in a sidecar
// directory, so a resumed task only fetches the rest.
type HLS struct {
	URL      string
	FilePath string
	// Variant selects a stream of a master playlist by URI. Empty picks the
	// highest bandwidth.
	Variant string
	Client  *http.Client
	Limiter *rate.Limiter
	Logger  *logrus.Entry

	segments []string
}

// HLSVariant is one stream of a master playlist.
type HLSVariant struct {
	URI        string
	Bandwidth  uint32
	Resolution string
}

// HLSProbe describes a playlist found during prep.
type HLSProbe struct {
	Name     string
	Segments int
	Variants []HLSVariant
}

func (d *HLS) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return http.DefaultClient
}

func (d *HLS) partsDir() string { return d.FilePath + ".parts" }

func fetchPlaylist(ctx context.Context, client *http.Client, rawURL string) (m3u8.Playlist, m3u8.ListType, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, domain.Failf(err, "build playlist request")
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, &domain.NetError{Op: "get playlist", Addr: rawURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, 0, &domain.NetError{Op: "get playlist", Addr: rawURL, Err: errors.New(resp.Status)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, &domain.DownloadError{Reason: "playlist " + rawURL + ": " + resp.Status}
	}
	pl, kind, err := m3u8.DecodeFrom(resp.Body, false)
	if err != nil {
		return nil, 0, domain.Failf(err, "parse playlist %s", rawURL)
	}
	return pl, kind, nil
}

func resolveURI(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}

func variants(master *m3u8.MasterPlaylist) []HLSVariant {
	var out []HLSVariant
	for _, v := range master.Variants {
		if v == nil || v.Iframe {
			continue
		}
		out = append(out, HLSVariant{URI: v.URI, Bandwidth: v.Bandwidth, Resolution: v.Resolution})
	}
	return out
}

func best(vs []HLSVariant) HLSVariant {
	var b HLSVariant
	for _, v := range vs {
		if v.Bandwidth > b.Bandwidth || b.URI == "" {
			b = v
		}
	}
	return b
}

// ProbeHLS fetches the playlist at rawURL and lists its variants when it is
// a master playlist.
func ProbeHLS(ctx context.Context, client *http.Client, rawURL string) (HLSProbe, error) {
	if client == nil {
		client = http.DefaultClient
	}
	pl, kind, err := fetchPlaylist(ctx, client, rawURL)
	if err != nil {
		return HLSProbe{}, err
	}
	name := strings.TrimSuffix(strings.TrimSuffix(NameFromURL(rawURL), ".m3u8"), ".m3u") + ".ts"
	p := HLSProbe{Name: name}
	switch kind {
	case m3u8.MASTER:
		p.Variants = variants(pl.(*m3u8.MasterPlaylist))
		if len(p.Variants) == 0 {
			return HLSProbe{}, &domain.DownloadError{Reason: "master playlist has no streams"}
		}
	case m3u8.MEDIA:
		media := pl.(*m3u8.MediaPlaylist)
		p.Segments = int(media.Count())
	}
	return p, nil
}

// mediaSegments resolves the playlist down to the absolute segment URLs.
func (d *HLS) mediaSegments(ctx context.Context) ([]string, error) {
	mediaURL := d.URL
	pl, kind, err := fetchPlaylist(ctx, d.client(), mediaURL)
	if err != nil {
		return nil, err
	}
	if kind == m3u8.MASTER {
		vs := variants(pl.(*m3u8.MasterPlaylist))
		if len(vs) == 0 {
			return nil, &domain.DownloadError{Reason: "master playlist has no streams"}
		}
		uri := d.Variant
		if uri == "" {
			uri = best(vs).URI
		}
		if mediaURL, err = resolveURI(d.URL, uri); err != nil {
			return nil, domain.Failf(err, "variant uri %q", uri)
		}
		if pl, kind, err = fetchPlaylist(ctx, d.client(), mediaURL); err != nil {
			return nil, err
		}
		if kind != m3u8.MEDIA {
			return nil, &domain.DownloadError{Reason: "variant is not a media playlist"}
		}
	}

	media := pl.(*m3u8.MediaPlaylist)
	if !media.Closed {
		return nil, &domain.DownloadError{Reason: "live playlists are not supported"}
	}
	if media.Key != nil && media.Key.Method != "" && media.Key.Method != "NONE" {
		return nil, &domain.DownloadError{Reason: "encrypted playlists are not supported"}
	}
	var out []string
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		if seg.Key != nil && seg.Key.Method != "" && seg.Key.Method != "NONE" {
			return nil, &domain.DownloadError{Reason: "encrypted playlists are not supported"}
		}
		u, err := resolveURI(mediaURL, seg.URI)
		if err != nil {
			return nil, domain.Failf(err, "segment uri %q", seg.URI)
		}
		out = append(out, u)
	}
	if len(out) == 0 {
		return nil, &domain.DownloadError{Reason: "playlist has no segments"}
	}
	return out, nil
}

func (d *HLS) Prepare(ctx context.Context) (Info, error) {
	segs, err := d.mediaSegments(ctx)
	if err != nil {
		return Info{}, err
	}
	d.segments = segs
	return Info{Name: filepath.Base(d.FilePath), FilePath: d.FilePath}, nil
}

func (d *HLS) Download(ctx context.Context, st *Stats) error {
	if fi, err := os.Stat(d.FilePath); err == nil {
		if _, err := os.Stat(d.partsDir()); os.IsNotExist(err) {
			st.SetTotal(fi.Size())
			st.SetDownloaded(fi.Size())
			return nil
		}
	}
	if d.segments == nil {
		if _, err := d.Prepare(ctx); err != nil {
			return err
		}
	}
	log := d.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if err := os.MkdirAll(d.partsDir(), 0o755); err != nil {
		return domain.Failf(err, "create segment dir")
	}

	st.SetDownloaded(0)
	st.SetParts(0, len(d.segments))
	for i, seg := range d.segments {
		part := filepath.Join(d.partsDir(), fmt.Sprintf("%05d.ts", i))
		if fi, err := os.Stat(part); err == nil {
			st.Add(fi.Size())
			st.SetParts(i+1, len(d.segments))
			continue
		}
		if err := d.fetchSegment(ctx, seg, part, st); err != nil {
			return err
		}
		st.SetParts(i+1, len(d.segments))
	}

	size, err := d.join()
	if err != nil {
		return err
	}
	st.SetTotal(size)
	st.SetDownloaded(size)
	log.WithField("segments", len(d.segments)).Debug("segments joined")
	return nil
}

// fetchSegment writes one segment next to its final name and renames it
// into place once complete.
func (d *HLS) fetchSegment(ctx context.Context, rawURL, part string, st *Stats) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return domain.Failf(err, "build segment request")
	}
	resp, err := d.client().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &domain.NetError{Op: "get segment", Addr: rawURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return &domain.NetError{Op: "get segment", Addr: rawURL, Err: errors.New(resp.Status)}
	}
	if resp.StatusCode != http.StatusOK {
		return &domain.DownloadError{Reason: "segment " + rawURL + ": " + resp.Status}
	}

	tmp := part + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return domain.Failf(err, "create %s", tmp)
	}
	n, err := copyCounting(f, throttle.Reader(ctx, resp.Body, d.Limiter), st)
	cerr := f.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		st.Add(-n)
		os.Remove(tmp)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var we writeErr
		if errors.As(err, &we) {
			return domain.Failf(we.error, "write %s", tmp)
		}
		return &domain.NetError{Op: "read segment", Addr: rawURL, Err: err}
	}
	if err := os.Rename(tmp, part); err != nil {
		return domain.Failf(err, "rename %s", tmp)
	}
	return nil
}

func (d *HLS) join() (int64, error) {
	out, err := os.Create(d.FilePath)
	if err != nil {
		return 0, domain.Failf(err, "create %s", d.FilePath)
	}
	var total int64
	for i := range d.segments {
		part := filepath.Join(d.partsDir(), fmt.Sprintf("%05d.ts", i))
		in, err := os.Open(part)
		if err != nil {
			out.Close()
			return 0, domain.Failf(err, "open %s", part)
		}
		n, err := io.Copy(out, in)
		in.Close()
		if err != nil {
			out.Close()
			return 0, domain.Failf(err, "join %s", part)
		}
		total += n
	}
	if err := out.Close(); err != nil {
		return 0, domain.Failf(err, "close %s", d.FilePath)
	}
	if err := os.RemoveAll(d.partsDir()); err != nil {
		return total, domain.Failf(err, "remove segment dir")
	}
	return total, nil
}

func (d *HLS) RemoveData() error {
	return errors.Join(
		ignoreNotExist(os.Remove(d.FilePath)),
		os.RemoveAll(d.partsDir()),
	)
}

func ignoreNotExist(err error) error {
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
