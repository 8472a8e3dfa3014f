package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"fetchd/internal/domain"
)

const mediaPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:10.0,
seg0.ts
#EXTINF:10.0,
seg1.ts
#EXTINF:10.0,
seg2.ts
#EXT-X-ENDLIST
`

type hlsServer struct {
	mu       sync.Mutex
	hits     map[string]int
	segments map[string][]byte
	media    string
}

func newHLSServer() *hlsServer {
	s := &hlsServer{hits: make(map[string]int), segments: make(map[string][]byte), media: mediaPlaylist}
	for i := 0; i < 3; i++ {
		s.segments[fmt.Sprintf("seg%d.ts", i)] = bytes.Repeat([]byte{byte('a' + i)}, 1000+i)
	}
	return s
}

func (s *hlsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[r.URL.Path]++
	s.mu.Unlock()
	switch {
	case r.URL.Path == "/master.m3u8":
		fmt.Fprint(w, "#EXTM3U\n"+
			"#EXT-X-STREAM-INF:BANDWIDTH=500000,RESOLUTION=640x360\nlow/index.m3u8\n"+
			"#EXT-X-STREAM-INF:BANDWIDTH=1500000,RESOLUTION=1280x720\nhigh/index.m3u8\n")
	case strings.HasSuffix(r.URL.Path, "/index.m3u8"):
		fmt.Fprint(w, s.media)
	default:
		seg, ok := s.segments[filepath.Base(r.URL.Path)]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(seg)
	}
}

func (s *hlsServer) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *hlsServer) joined() []byte {
	var out []byte
	for i := 0; i < 3; i++ {
		out = append(out, s.segments[fmt.Sprintf("seg%d.ts", i)]...)
	}
	return out
}

func newHLS(url, path string) *HLS {
	return &HLS{URL: url, FilePath: path, Logger: logrus.NewEntry(quietLogger())}
}

func TestHLSDownloadPicksBestVariant(t *testing.T) {
	hs := newHLSServer()
	srv := httptest.NewServer(hs)
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "show.ts")
	var st Stats
	d := newHLS(srv.URL+"/master.m3u8", path)
	if err := d.Download(context.Background(), &st); err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, hs.joined()) {
		t.Fatalf("joined output differs (len %d)", len(got))
	}
	if hs.hitCount("/high/index.m3u8") != 1 || hs.hitCount("/low/index.m3u8") != 0 {
		t.Fatalf("variant hits = %v", hs.hits)
	}
	if _, err := os.Stat(path + ".parts"); !os.IsNotExist(err) {
		t.Fatalf("segment dir left behind: %v", err)
	}
	snap := st.Snapshot()
	if snap.Total != int64(len(got)) || snap.Downloaded != snap.Total || snap.PartsDone != 3 {
		t.Fatalf("stats = %+v", snap)
	}
}

func TestHLSVariantSelection(t *testing.T) {
	hs := newHLSServer()
	srv := httptest.NewServer(hs)
	defer srv.Close()

	d := newHLS(srv.URL+"/master.m3u8", filepath.Join(t.TempDir(), "show.ts"))
	d.Variant = "low/index.m3u8"
	if err := d.Download(context.Background(), &Stats{}); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if hs.hitCount("/low/index.m3u8") != 1 || hs.hitCount("/high/index.m3u8") != 0 {
		t.Fatalf("variant hits = %v", hs.hits)
	}
}

func TestHLSResumeSkipsFinishedSegments(t *testing.T) {
	hs := newHLSServer()
	srv := httptest.NewServer(hs)
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "show.ts")
	parts := path + ".parts"
	if err := os.MkdirAll(parts, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(parts, "00000.ts"), hs.segments["seg0.ts"], 0o644); err != nil {
		t.Fatal(err)
	}
	// an interrupted segment is fetched again
	if err := os.WriteFile(filepath.Join(parts, "00001.ts.tmp"), []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	d := newHLS(srv.URL+"/media/index.m3u8", path)
	if err := d.Download(context.Background(), &Stats{}); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if hs.hitCount("/media/seg0.ts") != 0 {
		t.Fatal("finished segment fetched again")
	}
	if hs.hitCount("/media/seg1.ts") != 1 || hs.hitCount("/media/seg2.ts") != 1 {
		t.Fatalf("segment hits = %v", hs.hits)
	}
	got, _ := os.ReadFile(path)
	if !bytes.Equal(got, hs.joined()) {
		t.Fatalf("joined output differs (len %d)", len(got))
	}

	// a finished file is not fetched again
	if err := d.Download(context.Background(), &Stats{}); err != nil {
		t.Fatalf("second Download: %v", err)
	}
	if hs.hitCount("/media/seg1.ts") != 1 {
		t.Fatal("completed download fetched segments again")
	}

	if err := d.RemoveData(); err != nil {
		t.Fatalf("RemoveData: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("file still present: %v", err)
	}
}

func TestHLSRejectsUnsupportedPlaylists(t *testing.T) {
	tests := []struct {
		name  string
		media string
	}{
		{name: "live", media: strings.TrimSuffix(mediaPlaylist, "#EXT-X-ENDLIST\n")},
		{name: "encrypted", media: strings.Replace(mediaPlaylist, "#EXT-X-MEDIA-SEQUENCE:0\n",
			"#EXT-X-MEDIA-SEQUENCE:0\n#EXT-X-KEY:METHOD=AES-128,URI=\"key.bin\"\n", 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := newHLSServer()
			hs.media = tt.media
			srv := httptest.NewServer(hs)
			defer srv.Close()

			_, err := newHLS(srv.URL+"/media/index.m3u8", filepath.Join(t.TempDir(), "x.ts")).Prepare(context.Background())
			var de *domain.DownloadError
			if !errors.As(err, &de) {
				t.Fatalf("Prepare err = %v, want DownloadError", err)
			}
		})
	}
}

func TestProbeHLS(t *testing.T) {
	hs := newHLSServer()
	srv := httptest.NewServer(hs)
	defer srv.Close()

	p, err := ProbeHLS(context.Background(), srv.Client(), srv.URL+"/master.m3u8")
	if err != nil {
		t.Fatalf("ProbeHLS: %v", err)
	}
	if p.Name != "master.ts" || len(p.Variants) != 2 {
		t.Fatalf("probe = %+v", p)
	}
	if b := best(p.Variants); b.URI != "high/index.m3u8" || b.Resolution != "1280x720" {
		t.Fatalf("best = %+v", b)
	}

	media, err := ProbeHLS(context.Background(), srv.Client(), srv.URL+"/media/index.m3u8")
	if err != nil {
		t.Fatalf("ProbeHLS media: %v", err)
	}
	if media.Segments != 3 || len(media.Variants) != 0 {
		t.Fatalf("media probe = %+v", media)
	}
}
