package downloader

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fetchd/internal/domain"
	"fetchd/internal/metainfo"
	"fetchd/internal/peerwire"
	"fetchd/internal/storage"
	"fetchd/internal/torrent"
)

// memTasks is an in-memory service.TaskService.
type memTasks struct {
	mu     sync.Mutex
	nextID int64
	tasks  map[int64]*domain.Task
}

func newMemTasks(tasks ...domain.Task) *memTasks {
	s := &memTasks{tasks: make(map[int64]*domain.Task)}
	for _, t := range tasks {
		s.CreateTask(context.Background(), &t)
	}
	return s
}

func clone(t *domain.Task) *domain.Task {
	c := *t
	c.Files = slices.Clone(t.Files)
	return &c
}

func (s *memTasks) CreateTask(_ context.Context, task *domain.Task) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	task.ID = s.nextID
	if task.Status == "" {
		task.Status = domain.TaskStatusPending
	}
	s.tasks[task.ID] = clone(task)
	return task, nil
}

func (s *memTasks) with(id int64, fn func(*domain.Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	fn(t)
	return nil
}

func (s *memTasks) GetTask(_ context.Context, id int64) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clone(t), nil
}

func (s *memTasks) ListTasks(ctx context.Context) ([]domain.Task, error) {
	return s.ListByStatuses(ctx, domain.TaskStatusPending, domain.TaskStatusDownloading,
		domain.TaskStatusPaused, domain.TaskStatusCompleted, domain.TaskStatusFailed)
}

func (s *memTasks) ListByStatuses(_ context.Context, statuses ...domain.TaskStatus) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Task
	for _, t := range s.tasks {
		if slices.Contains(statuses, t.Status) {
			out = append(out, *clone(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memTasks) UpdateStatus(_ context.Context, id int64, status domain.TaskStatus, errMsg *string) error {
	return s.with(id, func(t *domain.Task) {
		t.Status = status
		t.ErrorMessage = ""
		if errMsg != nil {
			t.ErrorMessage = *errMsg
		}
	})
}

func (s *memTasks) UpdateDownloadInfo(_ context.Context, id int64, name, filePath string, totalSize int64) error {
	return s.with(id, func(t *domain.Task) {
		t.Name, t.FilePath, t.TotalSize = name, filePath, totalSize
	})
}

func (s *memTasks) UpdateProgress(_ context.Context, id int64, p domain.Progress) error {
	return s.with(id, func(t *domain.Task) {
		t.Progress, t.Speed = p.Progress, p.Speed
		t.DownloadedBytes, t.UploadedBytes = p.Downloaded, p.Uploaded
	})
}

func (s *memTasks) MarkCompleted(_ context.Context, id int64) error {
	return s.with(id, func(t *domain.Task) {
		now := time.Now()
		t.Status, t.Progress, t.CompletedAt, t.ErrorMessage = domain.TaskStatusCompleted, 100, &now, ""
	})
}

func (s *memTasks) MarkArchived(_ context.Context, id int64, location string) error {
	return s.with(id, func(t *domain.Task) { t.S3Location = location })
}

func (s *memTasks) DeleteTask(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *memTasks) ReplaceFiles(_ context.Context, id int64, files []domain.TaskFile) error {
	return s.with(id, func(t *domain.Task) { t.Files = slices.Clone(files) })
}

func (s *memTasks) SelectFiles(ctx context.Context, id int64, paths []string) (*domain.Task, error) {
	if err := s.with(id, func(t *domain.Task) {
		for i := range t.Files {
			t.Files[i].Selected = slices.Contains(paths, t.Files[i].Path)
		}
	}); err != nil {
		return nil, err
	}
	return s.GetTask(ctx, id)
}

func (s *memTasks) status(id int64) domain.TaskStatus {
	t, err := s.GetTask(context.Background(), id)
	if err != nil {
		return domain.TaskStatusDeleted
	}
	return t.Status
}

// fakeDownloader succeeds, fails or blocks on request.
type fakeDownloader struct {
	info     Info
	block    bool
	failures []error

	calls    atomic.Int32
	running  atomic.Int32
	removed  atomic.Bool
	reloaded atomic.Value
}

func (d *fakeDownloader) Prepare(context.Context) (Info, error) { return d.info, nil }

func (d *fakeDownloader) Download(ctx context.Context, st *Stats) error {
	n := int(d.calls.Add(1))
	d.running.Add(1)
	defer d.running.Add(-1)
	if n <= len(d.failures) {
		return d.failures[n-1]
	}
	if d.block {
		st.SetTotal(100)
		st.Add(40)
		<-ctx.Done()
		return ctx.Err()
	}
	st.SetTotal(100)
	st.SetDownloaded(100)
	return nil
}

func (d *fakeDownloader) RemoveData() error {
	d.removed.Store(true)
	return nil
}

func (d *fakeDownloader) Reload(selected []string) (bool, error) {
	d.reloaded.Store(selected)
	return true, nil
}

type fakeSeeder struct {
	*fakeDownloader
	seeding atomic.Bool
}

func (d *fakeSeeder) Seed(ctx context.Context, st *Stats) error {
	d.seeding.Store(true)
	st.SetUploaded(7)
	<-ctx.Done()
	d.seeding.Store(false)
	return ctx.Err()
}

type fakeBuilder struct {
	mu     sync.Mutex
	byID   map[int64]Downloader
	builds map[int64]int
}

func newFakeBuilder() *fakeBuilder {
	return &fakeBuilder{byID: make(map[int64]Downloader), builds: make(map[int64]int)}
}

func (b *fakeBuilder) set(id int64, d Downloader) {
	b.mu.Lock()
	b.byID[id] = d
	b.mu.Unlock()
}

func (b *fakeBuilder) Build(task *domain.Task) (Downloader, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.builds[task.ID]++
	d, ok := b.byID[task.ID]
	if !ok {
		return nil, errors.New("no downloader")
	}
	return d, nil
}

func (b *fakeBuilder) buildCount(id int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.builds[id]
}

type fakeStorage struct {
	mu      sync.Mutex
	uploads []string
}

func (s *fakeStorage) UploadPath(_ context.Context, localPath string, opts storage.UploadOptions) (string, error) {
	s.mu.Lock()
	s.uploads = append(s.uploads, localPath)
	s.mu.Unlock()
	return "s3://" + opts.Bucket + "/" + opts.KeyPrefix, nil
}

func (s *fakeStorage) ListObjects(context.Context, string, string) ([]storage.ObjectInfo, error) {
	return nil, nil
}

func (s *fakeStorage) DeletePrefix(context.Context, string, string) error { return nil }

func (s *fakeStorage) PresignURL(context.Context, string, string, time.Duration) (string, error) {
	return "", nil
}

type recordingObserver struct {
	mu      sync.Mutex
	updates map[int64][]domain.TaskStatus
}

func (o *recordingObserver) TaskUpdated(task domain.Task) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.updates == nil {
		o.updates = make(map[int64][]domain.TaskStatus)
	}
	o.updates[task.ID] = append(o.updates[task.ID], task.Status)
}

func (o *recordingObserver) saw(id int64, status domain.TaskStatus) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Contains(o.updates[id], status)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startManager(t *testing.T, cfg Config, tasks *memTasks, b *fakeBuilder, store storage.Service) Manager {
	t.Helper()
	if cfg.StatusInterval == 0 {
		cfg.StatusInterval = 10 * time.Millisecond
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	cfg.Logger = quietLogger()
	m := NewManager(cfg, tasks, b, store)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Shutdown)
	return m
}

func TestManagerCompletesTask(t *testing.T) {
	tasks := newMemTasks(domain.Task{Locator: "http://x/a", Protocol: domain.ProtocolHTTP, FilePath: "/data/a"})
	b := newFakeBuilder()
	d := &fakeDownloader{info: Info{Name: "a", FilePath: "/data/a", TotalSize: 100}}
	b.set(1, d)
	obs := &recordingObserver{}
	m := startManager(t, Config{Observer: obs}, tasks, b, nil)

	if err := m.Enqueue(context.Background(), 1); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "completion", func() bool { return tasks.status(1) == domain.TaskStatusCompleted })

	task, _ := tasks.GetTask(context.Background(), 1)
	if task.Progress != 100 || task.CompletedAt == nil || task.TotalSize != 100 {
		t.Fatalf("task = %+v", task)
	}
	waitFor(t, "worker exit", func() bool { _, live := m.Live(1); return !live })
	if !obs.saw(1, domain.TaskStatusDownloading) || !obs.saw(1, domain.TaskStatusCompleted) {
		t.Fatalf("observer saw %v", obs.updates[1])
	}
	if err := m.Enqueue(context.Background(), 1); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("Enqueue completed task err = %v", err)
	}
}

func TestManagerPauseAndResume(t *testing.T) {
	tasks := newMemTasks(domain.Task{Locator: "http://x/a", Protocol: domain.ProtocolHTTP})
	b := newFakeBuilder()
	d := &fakeDownloader{block: true}
	b.set(1, d)
	m := startManager(t, Config{}, tasks, b, nil)

	if err := m.Pause(context.Background(), 1); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("Pause pending task err = %v", err)
	}
	if err := m.Enqueue(context.Background(), 1); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "download start", func() bool { return d.running.Load() == 1 })
	waitFor(t, "live stats", func() bool {
		live, ok := m.Live(1)
		return ok && live.Stats.Downloaded == 40 && live.Stats.Percent() == 40
	})

	if err := m.Pause(context.Background(), 1); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if d.running.Load() != 0 {
		t.Fatal("transfer still running after Pause returned")
	}
	if got := tasks.status(1); got != domain.TaskStatusPaused {
		t.Fatalf("status = %s", got)
	}
	if _, live := m.Live(1); live {
		t.Fatal("paused task still live")
	}

	if err := m.Enqueue(context.Background(), 1); err != nil {
		t.Fatalf("Enqueue paused: %v", err)
	}
	waitFor(t, "second start", func() bool { return d.calls.Load() == 2 && d.running.Load() == 1 })
	if got := tasks.status(1); got != domain.TaskStatusDownloading {
		t.Fatalf("status = %s", got)
	}
}

func TestManagerRetriesTransientFailures(t *testing.T) {
	netErr := &domain.NetError{Op: "get", Err: errors.New("connection reset")}
	tasks := newMemTasks(
		domain.Task{Locator: "http://x/a", Protocol: domain.ProtocolHTTP},
		domain.Task{Locator: "http://x/b", Protocol: domain.ProtocolHTTP},
		domain.Task{Locator: "http://x/c", Protocol: domain.ProtocolHTTP},
	)
	b := newFakeBuilder()
	recovers := &fakeDownloader{failures: []error{netErr}}
	exhausts := &fakeDownloader{failures: []error{netErr, netErr, netErr, netErr}}
	fatal := &fakeDownloader{failures: []error{&domain.DownloadError{Reason: "server replied 404 Not Found"}}}
	b.set(1, recovers)
	b.set(2, exhausts)
	b.set(3, fatal)
	m := startManager(t, Config{Retries: 2}, tasks, b, nil)

	for id := int64(1); id <= 3; id++ {
		if err := m.Enqueue(context.Background(), id); err != nil {
			t.Fatalf("Enqueue %d: %v", id, err)
		}
	}
	waitFor(t, "recovery", func() bool { return tasks.status(1) == domain.TaskStatusCompleted })
	waitFor(t, "exhaustion", func() bool { return tasks.status(2) == domain.TaskStatusFailed })
	waitFor(t, "fatal", func() bool { return tasks.status(3) == domain.TaskStatusFailed })

	if recovers.calls.Load() != 2 {
		t.Fatalf("recovering task ran %d times", recovers.calls.Load())
	}
	if exhausts.calls.Load() != 3 {
		t.Fatalf("exhausted task ran %d times, want 3", exhausts.calls.Load())
	}
	if fatal.calls.Load() != 1 {
		t.Fatalf("fatal task ran %d times", fatal.calls.Load())
	}
	task, _ := tasks.GetTask(context.Background(), 3)
	if task.ErrorMessage != "server replied 404 Not Found" {
		t.Fatalf("error message = %q", task.ErrorMessage)
	}

	// a failed task can be started again explicitly
	if err := m.Enqueue(context.Background(), 3); err != nil {
		t.Fatalf("Enqueue failed task: %v", err)
	}
	waitFor(t, "restart", func() bool { return tasks.status(3) == domain.TaskStatusCompleted })
}

func TestManagerSizeMismatchFails(t *testing.T) {
	tasks := newMemTasks(domain.Task{Locator: "http://x/a", Protocol: domain.ProtocolHTTP, TotalSize: 50})
	b := newFakeBuilder()
	d := &fakeDownloader{info: Info{TotalSize: 100}}
	b.set(1, d)
	m := startManager(t, Config{}, tasks, b, nil)

	if err := m.Enqueue(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "failure", func() bool { return tasks.status(1) == domain.TaskStatusFailed })
	task, _ := tasks.GetTask(context.Background(), 1)
	if !strings.Contains(task.ErrorMessage, "size was 50") {
		t.Fatalf("error message = %q", task.ErrorMessage)
	}
	if d.calls.Load() != 0 {
		t.Fatal("downloaded despite size mismatch")
	}
}

func TestManagerDelete(t *testing.T) {
	tasks := newMemTasks(
		domain.Task{Locator: "http://x/a", Protocol: domain.ProtocolHTTP, FilePath: "/nonexistent/a/a"},
		domain.Task{Locator: "http://x/b", Protocol: domain.ProtocolHTTP, FilePath: "/nonexistent/b/b"},
	)
	b := newFakeBuilder()
	running := &fakeDownloader{block: true}
	idle := &fakeDownloader{}
	b.set(1, running)
	b.set(2, idle)
	m := startManager(t, Config{}, tasks, b, nil)

	if err := m.Enqueue(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "download start", func() bool { return running.running.Load() == 1 })

	if err := m.Delete(context.Background(), 1, true); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if running.running.Load() != 0 {
		t.Fatal("transfer still running after Delete returned")
	}
	if !running.removed.Load() {
		t.Fatal("data not removed")
	}
	if _, err := tasks.GetTask(context.Background(), 1); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("task still present: %v", err)
	}

	if err := m.Delete(context.Background(), 2, false); err != nil {
		t.Fatalf("Delete idle: %v", err)
	}
	if idle.removed.Load() {
		t.Fatal("data removed without remove_data")
	}
	if b.buildCount(2) != 0 {
		t.Fatal("downloader built for a delete that keeps data")
	}
	if err := m.Delete(context.Background(), 2, false); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second Delete err = %v", err)
	}
}

func TestManagerResumeOnBoot(t *testing.T) {
	tasks := newMemTasks(
		domain.Task{Locator: "http://x/1", Protocol: domain.ProtocolHTTP, Status: domain.TaskStatusPending},
		domain.Task{Locator: "http://x/2", Protocol: domain.ProtocolHTTP, Status: domain.TaskStatusDownloading},
		domain.Task{Locator: "http://x/3", Protocol: domain.ProtocolHTTP, Status: domain.TaskStatusPaused},
		domain.Task{Locator: "http://x/4", Protocol: domain.ProtocolHTTP, Status: domain.TaskStatusFailed},
	)
	b := newFakeBuilder()
	for id := int64(1); id <= 4; id++ {
		b.set(id, &fakeDownloader{})
	}
	m := startManager(t, Config{}, tasks, b, nil)

	if err := m.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitFor(t, "pending task", func() bool { return tasks.status(1) == domain.TaskStatusCompleted })
	waitFor(t, "downloading task", func() bool { return tasks.status(2) == domain.TaskStatusCompleted })
	if tasks.status(3) != domain.TaskStatusPaused || tasks.status(4) != domain.TaskStatusFailed {
		t.Fatalf("statuses = %s, %s", tasks.status(3), tasks.status(4))
	}
	if b.buildCount(3) != 0 || b.buildCount(4) != 0 {
		t.Fatal("paused or failed task was started")
	}
}

func TestManagerSeedingReleasesSlot(t *testing.T) {
	tasks := newMemTasks(
		domain.Task{Locator: "magnet:?xt=1", Protocol: domain.ProtocolMagnet},
		domain.Task{Locator: "http://x/2", Protocol: domain.ProtocolHTTP},
	)
	b := newFakeBuilder()
	seeder := &fakeSeeder{fakeDownloader: &fakeDownloader{}}
	b.set(1, seeder)
	b.set(2, &fakeDownloader{})
	m := startManager(t, Config{MaxConcurrent: 1}, tasks, b, nil)

	if err := m.Enqueue(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "seeding", func() bool {
		live, ok := m.Live(1)
		return ok && live.Seeding && seeder.seeding.Load()
	})
	if tasks.status(1) != domain.TaskStatusCompleted {
		t.Fatalf("seeding task status = %s", tasks.status(1))
	}

	if err := m.Enqueue(context.Background(), 2); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "second task", func() bool { return tasks.status(2) == domain.TaskStatusCompleted })
	waitFor(t, "uploaded counter", func() bool {
		task, _ := tasks.GetTask(context.Background(), 1)
		return task.UploadedBytes == 7
	})

	if err := m.Delete(context.Background(), 1, false); err != nil {
		t.Fatalf("Delete seeding task: %v", err)
	}
	if seeder.seeding.Load() {
		t.Fatal("still seeding after delete")
	}
}

// seedingTorrent registers a torrent task whose data is already on disk
// and returns the downloader and its data directory.
func seedingTorrent(t *testing.T, ctx context.Context, tasks *memTasks, b *fakeBuilder) (int64, *Torrent, string) {
	t.Helper()
	meta, content := packTorrent(t)
	ln, err := torrent.Listen("127.0.0.1:0", nil, quietLogger())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go ln.Serve(ctx)

	dir := t.TempDir()
	writePack(t, dir, content)
	task, _ := tasks.CreateTask(ctx, &domain.Task{Locator: "magnet:?xt=pack", Protocol: domain.ProtocolTorrent})
	d := &Torrent{
		Source: func(context.Context) (*metainfo.Metadata, error) { return meta, nil },
		Config: torrent.Config{DataDir: dir, Listener: ln, Logger: quietLogger()},
	}
	b.set(task.ID, d)
	return task.ID, d, dir
}

func liveSession(d *Torrent) *torrent.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

// dialPeer connects a bare peer to the torrent's listener and returns a
// channel closed when the session drops it.
func dialPeer(t *testing.T, d *Torrent) <-chan struct{} {
	t.Helper()
	ln := d.Config.Listener
	meta := liveSession(d).Metadata()
	nc, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn, err := peerwire.Initiate(context.Background(), nc, peerwire.Config{
		InfoHash:  meta.InfoHash,
		PeerID:    metainfo.NewPeerID(),
		NumPieces: meta.NumPieces(),
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	dropped := make(chan struct{})
	go func() {
		defer close(dropped)
		conn.Run(context.Background(), peerwire.HandlerFunc(func(*peerwire.Conn, peerwire.Message) error { return nil }))
	}()
	t.Cleanup(func() { conn.Close() })
	return dropped
}

func TestManagerDeleteStopsLiveTorrent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tasks := newMemTasks()
	b := newFakeBuilder()
	m := startManager(t, Config{}, tasks, b, nil)

	keepID, keep, keepDir := seedingTorrent(t, ctx, tasks, b)
	dropID, drop, dropDir := seedingTorrent(t, ctx, tasks, b)
	for _, id := range []int64{keepID, dropID} {
		if err := m.Enqueue(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	for _, id := range []int64{keepID, dropID} {
		waitFor(t, "seeding", func() bool {
			live, ok := m.Live(id)
			return ok && live.Seeding
		})
	}

	dropped := dialPeer(t, keep)
	waitFor(t, "peer attached", func() bool { return liveSession(keep).NumPeers() == 1 })

	if err := m.Delete(ctx, keepID, false); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	select {
	case <-dropped:
	case <-time.After(5 * time.Second):
		t.Fatal("peer connection survived Delete")
	}
	if n := liveSession(keep).NumPeers(); n != 0 {
		t.Fatalf("peers after Delete = %d", n)
	}
	if _, ok := m.Live(keepID); ok {
		t.Fatal("deleted task still live")
	}
	if _, err := os.Stat(filepath.Join(keepDir, "pack", "sub", "b.bin")); err != nil {
		t.Fatalf("data removed without remove_data: %v", err)
	}

	dialPeer(t, drop)
	waitFor(t, "peer attached", func() bool { return liveSession(drop).NumPeers() == 1 })
	if err := m.Delete(ctx, dropID, true); err != nil {
		t.Fatalf("Delete with data: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dropDir, "pack")); !os.IsNotExist(err) {
		t.Fatalf("torrent data still present: %v", err)
	}
}

func TestManagerSelectFiles(t *testing.T) {
	tasks := newMemTasks(domain.Task{
		Locator:  "/t/pack.torrent",
		Protocol: domain.ProtocolTorrent,
		Files: []domain.TaskFile{
			{Path: "pack/a", Selected: true},
			{Path: "pack/b", Selected: true},
		},
	})
	b := newFakeBuilder()
	d := &fakeDownloader{block: true}
	b.set(1, d)
	m := startManager(t, Config{}, tasks, b, nil)

	if err := m.Enqueue(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "download start", func() bool { return d.running.Load() == 1 })

	task, err := m.SelectFiles(context.Background(), 1, []string{"pack/b"})
	if err != nil {
		t.Fatalf("SelectFiles: %v", err)
	}
	if got := task.SelectedPaths(); !slices.Equal(got, []string{"pack/b"}) {
		t.Fatalf("selected = %v", got)
	}
	if got, _ := d.reloaded.Load().([]string); !slices.Equal(got, []string{"pack/b"}) {
		t.Fatalf("reloaded with %v", got)
	}
}

func TestManagerArchivesCompletedTask(t *testing.T) {
	tasks := newMemTasks(domain.Task{Locator: "http://x/a", Protocol: domain.ProtocolHTTP, FilePath: "/data/x/a"})
	b := newFakeBuilder()
	b.set(1, &fakeDownloader{})
	store := &fakeStorage{}
	cfg := Config{UploadOptions: storage.UploadOptions{Bucket: "bucket", KeyPrefix: "/archive/"}}
	m := startManager(t, cfg, tasks, b, store)

	if err := m.Enqueue(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "archive", func() bool {
		task, _ := tasks.GetTask(context.Background(), 1)
		return task.S3Location != ""
	})
	task, _ := tasks.GetTask(context.Background(), 1)
	if task.S3Location != "s3://bucket/archive/task-1" {
		t.Fatalf("location = %s", task.S3Location)
	}
	if len(store.uploads) != 1 || store.uploads[0] != "/data/x/a" {
		t.Fatalf("uploads = %v", store.uploads)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := map[int64]string{
		512:             "512B",
		2048:            "2.0KiB",
		5 * 1024 * 1024: "5.0MiB",
	}
	for in, want := range tests {
		if got := formatBytes(in); got != want {
			t.Errorf("formatBytes(%d) = %s, want %s", in, got, want)
		}
	}
}
