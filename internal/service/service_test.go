package service

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"fetchd/internal/bencode"
	"fetchd/internal/domain"
	"fetchd/internal/repository/sqlite"
)

type memUsers struct {
	mu    sync.Mutex
	users []*domain.User
}

func (m *memUsers) Init(context.Context) error { return nil }

func (m *memUsers) Create(_ context.Context, u *domain.User) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if strings.EqualFold(existing.Username, u.Username) {
			return 0, domain.ErrAlreadyExists
		}
	}
	u.ID = int64(len(m.users) + 1)
	u.CreatedAt = time.Now()
	cp := *u
	m.users = append(m.users, &cp)
	return u.ID, nil
}

func (m *memUsers) GetByUsername(_ context.Context, name string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Username, name) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memUsers) GetByID(_ context.Context, id int64) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id <= 0 || int(id) > len(m.users) {
		return nil, domain.ErrNotFound
	}
	cp := *m.users[id-1]
	return &cp, nil
}

func (m *memUsers) TouchLogin(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id-1].LastLoginAt = &at
	return nil
}

func newUserService(secret string) (*userService, *memUsers) {
	repo := &memUsers{}
	svc := NewUserService(repo, secret).(*userService)
	svc.cost = bcrypt.MinCost
	return svc, repo
}

func TestRegisterAndAuthenticate(t *testing.T) {
	svc, repo := newUserService(" s3cret ")
	ctx := context.Background()

	user, err := svc.Register(ctx, " ops ", "correct horse", "s3cret")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if user.ID != 1 || user.Username != "ops" || user.PasswordHash != "" {
		t.Fatalf("registered user = %+v", user)
	}
	if repo.users[0].PasswordHash == "" || repo.users[0].PasswordHash == "correct horse" {
		t.Fatal("password not hashed")
	}

	got, err := svc.Authenticate(ctx, "ops", "correct horse")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.LastLoginAt == nil || got.PasswordHash != "" {
		t.Fatalf("authenticated user = %+v", got)
	}

	for _, tc := range []struct{ user, pass string }{{"ops", "wrong password"}, {"nobody", "correct horse"}, {"", ""}} {
		if _, err := svc.Authenticate(ctx, tc.user, tc.pass); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("Authenticate(%q, %q) = %v", tc.user, tc.pass, err)
		}
	}
}

func TestRegisterRejects(t *testing.T) {
	svc, _ := newUserService("s3cret")
	ctx := context.Background()
	if _, err := svc.Register(ctx, "ops", "correct horse", "s3cret"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name, user, pass, secret string
		want                     error
	}{
		{"wrong secret", "new", "correct horse", "guess", ErrInvalidRegistrationPassword},
		{"duplicate", "OPS", "correct horse", "s3cret", ErrUserAlreadyExists},
		{"short password", "new", "short", "s3cret", nil},
		{"blank username", " ", "correct horse", "s3cret", nil},
		{"spaced username", "a b", "correct horse", "s3cret", nil},
	}
	for _, tt := range tests {
		_, err := svc.Register(ctx, tt.user, tt.pass, tt.secret)
		if err == nil {
			t.Errorf("%s: accepted", tt.name)
			continue
		}
		if tt.want != nil && !errors.Is(err, tt.want) {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}

	closed, _ := newUserService("")
	if _, err := closed.Register(ctx, "ops", "correct horse", ""); err == nil {
		t.Fatal("registration without a configured secret accepted")
	}
}

func newTaskService(t *testing.T) (TaskService, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlite.Open(filepath.Join(dir, "fetchd.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	tasks := sqlite.NewTaskRepository(db)
	files := sqlite.NewTaskFileRepository(db)
	ctx := context.Background()
	if err := tasks.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if err := files.Init(ctx); err != nil {
		t.Fatal(err)
	}
	root := filepath.Join(dir, "downloads")
	return NewTaskService(tasks, files, root), root
}

func TestCreateTaskLayout(t *testing.T) {
	svc, root := newTaskService(t)
	ctx := context.Background()

	if _, err := svc.CreateTask(ctx, &domain.Task{Protocol: domain.ProtocolHTTP}); err == nil {
		t.Fatal("task without locator accepted")
	}

	a, err := svc.CreateTask(ctx, &domain.Task{Locator: "http://x/a.bin", Protocol: domain.ProtocolHTTP, Name: "a.bin"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	b, err := svc.CreateTask(ctx, &domain.Task{Locator: "http://y/a.bin", Protocol: domain.ProtocolHTTP, Name: "../a.bin"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if a.Status != domain.TaskStatusPending || a.Description != "" {
		t.Fatalf("new task = %+v", a)
	}
	for _, task := range []*domain.Task{a, b} {
		rel, err := filepath.Rel(root, task.FilePath)
		if err != nil || strings.HasPrefix(rel, "..") || filepath.Base(task.FilePath) != "a.bin" {
			t.Fatalf("file path %q escapes %q", task.FilePath, root)
		}
	}
	if filepath.Dir(a.FilePath) == filepath.Dir(b.FilePath) {
		t.Fatal("equal names share a task directory")
	}
}

func TestTaskFileSelection(t *testing.T) {
	svc, _ := newTaskService(t)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, &domain.Task{
		Locator:  "/srv/pack.torrent",
		Protocol: domain.ProtocolTorrent,
		Name:     "pack",
		Files: []domain.TaskFile{
			{Name: "a.txt", Path: "pack/a.txt", Size: 1, Selected: true},
			{Name: "b.txt", Path: "pack/b.txt", Size: 2},
		},
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if got, _ := bencode.DecodeStrings(task.Description); !slices.Equal(got, []string{"pack/a.txt"}) {
		t.Fatalf("description = %q", task.Description)
	}

	updated, err := svc.SelectFiles(ctx, task.ID, []string{"pack/a.txt", "pack/b.txt"})
	if err != nil {
		t.Fatalf("SelectFiles: %v", err)
	}
	if got, _ := bencode.DecodeStrings(updated.Description); len(got) != 2 {
		t.Fatalf("description after select = %q", updated.Description)
	}
	if _, err := svc.SelectFiles(ctx, task.ID, nil); err == nil {
		t.Fatal("empty selection accepted")
	}
	if _, err := svc.SelectFiles(ctx, task.ID, []string{"pack/zzz"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown path: %v", err)
	}

	// a downloader reporting a different layout replaces the rows
	if err := svc.ReplaceFiles(ctx, task.ID, []domain.TaskFile{{Name: "c.txt", Path: "pack/c.txt", Size: 3, Selected: true}}); err != nil {
		t.Fatalf("ReplaceFiles: %v", err)
	}
	got, err := svc.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Files) != 1 || got.Files[0].Path != "pack/c.txt" || got.Description != bencode.EncodeStrings([]string{"pack/c.txt"}) {
		t.Fatalf("after replace = %+v", got)
	}
}
