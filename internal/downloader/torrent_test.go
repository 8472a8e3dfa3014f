package downloader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"fetchd/internal/domain"
	"fetchd/internal/metainfo"
	"fetchd/internal/torrent"
)

func packMetadata(t *testing.T) *metainfo.Metadata {
	t.Helper()
	meta, _ := packTorrent(t)
	return meta
}

// packTorrent returns the metadata of a two-file torrent and its content.
func packTorrent(t *testing.T) (*metainfo.Metadata, []byte) {
	t.Helper()
	content := make([]byte, 48*1024)
	for i := range content {
		content[i] = byte(i % 251)
	}
	files := []metainfo.FileSpec{
		{Path: []string{"a.bin"}, Length: 16 * 1024},
		{Path: []string{"sub", "b.bin"}, Length: 32 * 1024},
	}
	raw, err := metainfo.Generate("pack", 16*1024, files, content, "http://tracker.invalid/announce")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	meta, err := metainfo.Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return meta, content
}

// writePack lays the torrent's content out below dir.
func writePack(t *testing.T, dir string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(dir, "pack", "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "pack", "a.bin"), content[:16*1024], 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "pack", "sub", "b.bin"), content[16*1024:], 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestTorrentPrepareAndReload(t *testing.T) {
	dir := t.TempDir()
	meta := packMetadata(t)
	calls := 0
	d := &Torrent{
		Source: func(context.Context) (*metainfo.Metadata, error) {
			calls++
			return meta, nil
		},
		Config: torrent.Config{DataDir: dir, Selected: []string{"pack/a.bin"}, Logger: quietLogger()},
	}

	info, err := d.Prepare(context.Background())
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if info.Name != "pack" || info.FilePath != filepath.Join(dir, "pack") || info.TotalSize != 48*1024 {
		t.Fatalf("info = %+v", info)
	}
	if len(info.Files) != 2 || !info.Files[0].Selected || info.Files[1].Selected {
		t.Fatalf("files = %+v", info.Files)
	}
	if info.Files[1].Path != "pack/sub/b.bin" || info.Files[1].Name != "b.bin" {
		t.Fatalf("second file = %+v", info.Files[1])
	}

	if _, err := d.Prepare(context.Background()); err != nil || calls != 1 {
		t.Fatalf("second Prepare: err=%v source calls=%d", err, calls)
	}

	changed, err := d.Reload([]string{"pack/sub/b.bin"})
	if err != nil || !changed {
		t.Fatalf("Reload = %v, %v", changed, err)
	}
	if _, err := d.Reload([]string{"pack/missing"}); err == nil {
		t.Fatal("Reload accepted an unknown path")
	}
}

func TestTorrentReloadBeforeSession(t *testing.T) {
	d := &Torrent{Config: torrent.Config{Selected: []string{"pack/a.bin"}}}
	if changed, err := d.Reload([]string{"pack/a.bin"}); err != nil || changed {
		t.Fatalf("same selection: %v, %v", changed, err)
	}
	if changed, err := d.Reload([]string{"pack/sub/b.bin"}); err != nil || !changed {
		t.Fatalf("new selection: %v, %v", changed, err)
	}
	if d.Config.Selected[0] != "pack/sub/b.bin" {
		t.Fatalf("selection not stored: %v", d.Config.Selected)
	}
}

func TestTorrentSourceFailure(t *testing.T) {
	want := &domain.DownloadError{Reason: "no metadata"}
	d := &Torrent{
		Source: func(context.Context) (*metainfo.Metadata, error) { return nil, want },
		Config: torrent.Config{DataDir: t.TempDir()},
	}
	if _, err := d.Prepare(context.Background()); !errors.Is(err, want) {
		t.Fatalf("Prepare error = %v", err)
	}
}

func TestTorrentRemoveData(t *testing.T) {
	dir := t.TempDir()

	// without a session the recorded path is removed
	target := filepath.Join(dir, "pack")
	if err := os.MkdirAll(filepath.Join(target, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(target, "a.bin"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	d := &Torrent{FilePath: target, Config: torrent.Config{DataDir: dir}}
	if err := d.RemoveData(); err != nil {
		t.Fatalf("RemoveData: %v", err)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatalf("data still present: %v", err)
	}

	// the data root itself is never removed
	d = &Torrent{FilePath: dir, Config: torrent.Config{DataDir: dir}}
	if err := d.RemoveData(); err != nil {
		t.Fatalf("RemoveData on root: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("data root removed: %v", err)
	}

	// with a session only the torrent's files go
	meta := packMetadata(t)
	d = &Torrent{
		Source: func(context.Context) (*metainfo.Metadata, error) { return meta, nil },
		Config: torrent.Config{DataDir: dir, Logger: quietLogger()},
	}
	if _, err := d.Prepare(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "pack", "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{"pack/a.bin", "pack/sub/b.bin"} {
		if err := os.WriteFile(filepath.Join(dir, p), []byte("data"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	keep := filepath.Join(dir, "other.txt")
	if err := os.WriteFile(keep, []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := d.RemoveData(); err != nil {
		t.Fatalf("RemoveData with session: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "pack", "a.bin")); !os.IsNotExist(err) {
		t.Fatalf("torrent file still present: %v", err)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Fatalf("unrelated file removed: %v", err)
	}
}
