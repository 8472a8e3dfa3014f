package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/sirupsen/logrus"

	"fetchd/internal/bencode"
	"fetchd/internal/domain"
	"fetchd/internal/downloader"
	"fetchd/internal/metainfo"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeResolver struct {
	meta *metainfo.Metadata
	uris []string
}

func (f *fakeResolver) Resolve(_ context.Context, uri string) (*metainfo.Metadata, error) {
	f.uris = append(f.uris, uri)
	return f.meta, nil
}

func TestMatchOrder(t *testing.T) {
	d := New(Env{Logger: quietLogger()})
	tests := []struct {
		locator string
		want    domain.Protocol
	}{
		{ThunderURL("http://example.com/a.zip"), domain.ProtocolThunder},
		{"magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567", domain.ProtocolMagnet},
		{"/tmp/linux.torrent", domain.ProtocolTorrent},
		{"file:///tmp/linux.torrent", domain.ProtocolTorrent},
		{"https://cdn.example.com/live/index.m3u8?token=1", domain.ProtocolHLS},
		{"ftp://mirror.example.com/pub/file.iso", domain.ProtocolFTP},
		{"https://example.com/file.iso", domain.ProtocolHTTP},
		{"http://example.com/file.torrent", domain.ProtocolHTTP},
	}
	for _, tt := range tests {
		p, err := d.Match(tt.locator)
		if err != nil {
			t.Fatalf("Match(%q): %v", tt.locator, err)
		}
		if p.Name() != tt.want {
			t.Errorf("Match(%q) = %s, want %s", tt.locator, p.Name(), tt.want)
		}
	}

	for _, locator := range []string{"gopher://example.com/x", "not a locator", "http://"} {
		if _, err := d.Match(locator); !errors.Is(err, domain.ErrUnsupportedLocator) {
			t.Errorf("Match(%q) err = %v, want ErrUnsupportedLocator", locator, err)
		}
	}
}

func TestResolveHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1234")
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Disposition", `attachment; filename="report.pdf"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(Env{HTTPClient: srv.Client(), Logger: quietLogger()})
	task, err := d.Resolve(context.Background(), srv.URL+"/download?id=7")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if task.Protocol != domain.ProtocolHTTP || task.Name != "report.pdf" || task.TotalSize != 1234 {
		t.Fatalf("task = %+v", task)
	}

	task.FilePath = filepath.Join(t.TempDir(), "report.pdf")
	dl, err := d.Build(task)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	h, ok := dl.(*downloader.HTTP)
	if !ok {
		t.Fatalf("Build returned %T", dl)
	}
	if h.URL != task.Locator || h.TotalSize != 1234 || h.FilePath != task.FilePath {
		t.Fatalf("downloader = %+v", h)
	}
}

func TestResolveThunder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	inner := srv.URL + "/a.zip"
	d := New(Env{HTTPClient: srv.Client(), Logger: quietLogger()})
	task, err := d.Resolve(context.Background(), ThunderURL(inner))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if task.Protocol != domain.ProtocolHTTP || task.Locator != inner || task.Name != "a.zip" {
		t.Fatalf("task = %+v", task)
	}

	if _, err := d.Resolve(context.Background(), ThunderURL(ThunderURL(inner))); !errors.Is(err, domain.ErrUnsupportedLocator) {
		t.Fatalf("nested thunder err = %v", err)
	}

	legacy := &domain.Task{Locator: ThunderURL(inner), Protocol: domain.ProtocolThunder, FilePath: filepath.Join(t.TempDir(), "a.zip")}
	dl, err := d.Build(legacy)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if h, ok := dl.(*downloader.HTTP); !ok || h.URL != inner {
		t.Fatalf("Build thunder task = %#v", dl)
	}
}

func writeTorrent(t *testing.T, dir string) string {
	t.Helper()
	content := bytes.Repeat([]byte("0123456789"), 5)
	files := []metainfo.FileSpec{
		{Path: []string{"a.txt"}, Length: 20},
		{Path: []string{"sub", "b.txt"}, Length: 30},
	}
	data, err := metainfo.Generate("pack", 16, files, content, "http://tracker.example/announce")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	path := filepath.Join(dir, "pack.torrent")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestResolveTorrentFile(t *testing.T) {
	dir := t.TempDir()
	path := writeTorrent(t, dir)
	d := New(Env{Logger: quietLogger()})

	task, err := d.Resolve(context.Background(), "file://"+filepath.ToSlash(path))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if task.Protocol != domain.ProtocolTorrent || task.Name != "pack" || task.TotalSize != 50 {
		t.Fatalf("task = %+v", task)
	}
	if len(task.Files) != 2 || task.Files[1].Path != "pack/sub/b.txt" || !task.Files[1].Selected {
		t.Fatalf("files = %+v", task.Files)
	}

	task.FilePath = filepath.Join(dir, "data", "pack")
	task.Files[1].Selected = false
	dl, err := d.Build(task)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	tor, ok := dl.(*downloader.Torrent)
	if !ok {
		t.Fatalf("Build returned %T", dl)
	}
	if tor.Config.DataDir != filepath.Join(dir, "data") {
		t.Fatalf("DataDir = %s", tor.Config.DataDir)
	}
	if !slices.Equal(tor.Config.Selected, []string{"pack/a.txt"}) {
		t.Fatalf("Selected = %v", tor.Config.Selected)
	}
	meta, err := tor.Source(context.Background())
	if err != nil || meta.Name != "pack" {
		t.Fatalf("Source = %v, %v", meta, err)
	}

	if _, err := d.Resolve(context.Background(), filepath.Join(dir, "missing.torrent")); err == nil {
		t.Fatal("expected error for missing torrent file")
	}
}

func TestSelectionFromDescription(t *testing.T) {
	task := &domain.Task{ID: 3, Description: bencode.EncodeStrings([]string{"sub/b.txt"})}
	got, err := selection(task)
	if err != nil || !slices.Equal(got, []string{"sub/b.txt"}) {
		t.Fatalf("selection = %v, %v", got, err)
	}
	task.Description = "garbage"
	if _, err := selection(task); err == nil {
		t.Fatal("expected decode error")
	}
	if got, err := selection(&domain.Task{}); err != nil || got != nil {
		t.Fatalf("empty selection = %v, %v", got, err)
	}
}

func TestMagnet(t *testing.T) {
	dir := t.TempDir()
	meta, err := metainfo.Load(writeTorrent(t, dir))
	if err != nil {
		t.Fatal(err)
	}
	resolver := &fakeResolver{meta: meta}
	d := New(Env{Magnet: resolver, Logger: quietLogger()})

	hash := meta.InfoHash.HexString()
	link := fmt.Sprintf("magnet:?xt=urn:btih:%s&dn=pack&tr=http%%3A%%2F%%2Ftracker.example%%2Fannounce", hash)
	task, err := d.Resolve(context.Background(), link)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if task.Protocol != domain.ProtocolMagnet || task.Name != "pack" || task.TotalSize != 0 {
		t.Fatalf("task = %+v", task)
	}

	bare, err := d.Resolve(context.Background(), "magnet:?xt=urn:btih:"+hash)
	if err != nil {
		t.Fatalf("Resolve bare: %v", err)
	}
	if bare.Name != hash {
		t.Fatalf("bare magnet name = %q", bare.Name)
	}

	task.FilePath = filepath.Join(dir, "job", "pack")
	dl, err := d.Build(task)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	tor := dl.(*downloader.Torrent)
	if !slices.Contains(tor.Config.ExtraTrackers, "http://tracker.example/announce") {
		t.Fatalf("ExtraTrackers = %v", tor.Config.ExtraTrackers)
	}
	got, err := tor.Source(context.Background())
	if err != nil || got != meta {
		t.Fatalf("Source = %v, %v", got, err)
	}
	if len(resolver.uris) != 1 || resolver.uris[0] != link {
		t.Fatalf("resolver saw %v", resolver.uris)
	}

	if _, err := d.Resolve(context.Background(), "magnet:?dn=nohash"); !errors.Is(err, domain.ErrUnsupportedLocator) {
		t.Fatalf("magnet without hash err = %v", err)
	}
}

func TestMetadataFetcherCache(t *testing.T) {
	dir := t.TempDir()
	meta, err := metainfo.Load(writeTorrent(t, dir))
	if err != nil {
		t.Fatal(err)
	}
	f := NewMetadataFetcher(filepath.Join(dir, ".meta"), nil, quietLogger())
	defer f.Close()
	if err := f.store(meta.InfoHash, meta.InfoBytes); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := f.Resolve(context.Background(), "magnet:?xt=urn:btih:"+meta.InfoHash.HexString())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.InfoHash != meta.InfoHash || got.TotalLength != 50 {
		t.Fatalf("resolved %+v", got)
	}

	var other metainfo.Hash
	other[0] = 1
	if _, err := parseFetchedInfo(other, meta.InfoBytes); err == nil {
		t.Fatal("expected info hash mismatch")
	}
}

const masterPlaylist = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2000000,RESOLUTION=1280x720
high/index.m3u8
`

func TestResolveHLSMaster(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		io.WriteString(w, masterPlaylist)
	}))
	defer srv.Close()

	d := New(Env{HTTPClient: srv.Client(), Logger: quietLogger()})
	task, err := d.Resolve(context.Background(), srv.URL+"/show/master.m3u8")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if task.Protocol != domain.ProtocolHLS || task.Name != "master.ts" {
		t.Fatalf("task = %+v", task)
	}
	if len(task.Files) != 2 {
		t.Fatalf("files = %+v", task.Files)
	}
	if got := task.SelectedPaths(); !slices.Equal(got, []string{"high/index.m3u8"}) {
		t.Fatalf("selected = %v", got)
	}

	task.FilePath = filepath.Join(t.TempDir(), "master.ts")
	task.Files[0].Selected, task.Files[1].Selected = true, false
	dl, err := d.Build(task)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if h := dl.(*downloader.HLS); h.Variant != "low/index.m3u8" {
		t.Fatalf("Variant = %q", h.Variant)
	}
}
