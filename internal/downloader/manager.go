package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"fetchd/internal/domain"
	"fetchd/internal/service"
	"fetchd/internal/storage"
)

// Manager drives task sessions through their state machine: it starts,
// pauses, fails, completes and deletes them, and keeps at most
// MaxConcurrent transfers running.
type Manager interface {
	Start(ctx context.Context) error
	Shutdown()
	Enqueue(ctx context.Context, taskID int64) error
	Resume(ctx context.Context) error
	Pause(ctx context.Context, taskID int64) error
	Delete(ctx context.Context, taskID int64, removeData bool) error
	SelectFiles(ctx context.Context, taskID int64, paths []string) (*domain.Task, error)
	Live(taskID int64) (LiveState, bool)
}

// Observer is told about every persisted change of a task.
type Observer interface {
	TaskUpdated(task domain.Task)
}

// Observers fans an update out to several observers.
type Observers []Observer

func (o Observers) TaskUpdated(task domain.Task) {
	for _, obs := range o {
		obs.TaskUpdated(task)
	}
}

// LiveState is the in-memory view of a running task.
type LiveState struct {
	Stats   Snapshot
	Seeding bool
}

type Config struct {
	MaxConcurrent  int
	StatusInterval time.Duration
	// Retries is how many times a transient failure is retried before the
	// task fails. The n-th retry waits n*RetryBackoff.
	Retries       int
	RetryBackoff  time.Duration
	UploadOptions storage.UploadOptions
	Observer      Observer
	Logger        *logrus.Logger
}

type manager struct {
	cfg         Config
	builder     Builder
	taskService service.TaskService
	storage     storage.Service

	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	active map[int64]*taskHandle
}

type taskHandle struct {
	cancel  context.CancelFunc
	done    chan struct{}
	stats   *Stats
	seeding atomic.Bool

	mu         sync.Mutex
	downloader Downloader
}

func (h *taskHandle) setDownloader(d Downloader) {
	h.mu.Lock()
	h.downloader = d
	h.mu.Unlock()
}

func (h *taskHandle) getDownloader() Downloader {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.downloader
}

func NewManager(cfg Config, taskService service.TaskService, builder Builder, store storage.Service) Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 2 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Observer == nil {
		cfg.Observer = Observers(nil)
	}
	return &manager{
		cfg:         cfg,
		builder:     builder,
		taskService: taskService,
		storage:     store,
		sem:         make(chan struct{}, cfg.MaxConcurrent),
		active:      make(map[int64]*taskHandle),
	}
}

func (m *manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.cfg.Logger.WithField("max_concurrent", m.cfg.MaxConcurrent).Info("download manager started")
	return nil
}

// Shutdown stops every task without changing its persisted state, so Resume
// picks them up on the next start.
func (m *manager) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.cfg.Logger.Info("download manager stopped")
}

// Enqueue applies the start transition and schedules the task.
func (m *manager) Enqueue(ctx context.Context, taskID int64) error {
	task, err := m.taskService.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status == domain.TaskStatusDownloading {
		// already started; only the worker may be missing
		m.spawnTask(*task)
		return nil
	}
	next, err := task.Status.Next(domain.EventStart)
	if err != nil {
		return err
	}
	// a worker that just failed the task may still be unwinding
	if handle, ok := m.getTaskHandle(taskID); ok {
		select {
		case <-handle.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := m.taskService.UpdateStatus(ctx, taskID, next, nil); err != nil {
		return err
	}
	task.Status = next
	task.ErrorMessage = ""
	m.cfg.Observer.TaskUpdated(*task)
	m.spawnTask(*task)
	return nil
}

// Resume restarts the tasks a previous run left pending or downloading.
func (m *manager) Resume(ctx context.Context) error {
	tasks, err := m.taskService.ListByStatuses(ctx,
		domain.TaskStatusPending,
		domain.TaskStatusDownloading,
	)
	if err != nil {
		return err
	}

	for i := range tasks {
		if tasks[i].Status == domain.TaskStatusPending {
			if err := m.Enqueue(ctx, tasks[i].ID); err != nil {
				m.cfg.Logger.WithField("task_id", tasks[i].ID).WithError(err).Warn("resume task")
			}
			continue
		}
		m.spawnTask(tasks[i])
	}
	if len(tasks) > 0 {
		m.cfg.Logger.WithField("tasks", len(tasks)).Info("resumed tasks")
	}
	return nil
}

func (m *manager) spawnTask(task domain.Task) {
	if m.ctx == nil || m.ctx.Err() != nil {
		return
	}
	taskCtx, cancel := context.WithCancel(m.ctx)
	handle := &taskHandle{
		cancel: cancel,
		done:   make(chan struct{}),
		stats:  &Stats{},
	}
	handle.stats.SetTotal(task.TotalSize)
	handle.stats.SetDownloaded(task.DownloadedBytes)
	if !m.registerTask(task.ID, handle) {
		cancel()
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.unregisterTask(task.ID)
			cancel()
			close(handle.done)
		}()
		select {
		case <-taskCtx.Done():
			return
		case m.sem <- struct{}{}:
		}
		var once sync.Once
		release := func() { once.Do(func() { <-m.sem }) }
		defer release()
		m.handleTask(taskCtx, handle, &task, release)
	}()
}

func (m *manager) registerTask(id int64, handle *taskHandle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[id]; ok {
		return false
	}
	m.active[id] = handle
	return true
}

func (m *manager) unregisterTask(id int64) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

func (m *manager) getTaskHandle(id int64) (*taskHandle, bool) {
	m.mu.Lock()
	handle, ok := m.active[id]
	m.mu.Unlock()
	return handle, ok
}

// stop cancels a running task and waits until its transport is closed.
func (m *manager) stop(ctx context.Context, id int64) (*taskHandle, error) {
	handle, ok := m.getTaskHandle(id)
	if !ok {
		return nil, nil
	}
	handle.cancel()
	select {
	case <-handle.done:
		return handle, nil
	case <-ctx.Done():
		return handle, ctx.Err()
	}
}

func (m *manager) Pause(ctx context.Context, taskID int64) error {
	task, err := m.taskService.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if _, err := task.Status.Next(domain.EventPause); err != nil {
		return err
	}
	if _, err := m.stop(ctx, taskID); err != nil {
		return err
	}
	// the task may have finished while it was being stopped
	task, err = m.taskService.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	next, err := task.Status.Next(domain.EventPause)
	if err != nil {
		return err
	}
	if err := m.taskService.UpdateStatus(ctx, taskID, next, nil); err != nil {
		return err
	}
	task.Status = next
	m.cfg.Observer.TaskUpdated(*task)
	m.cfg.Logger.WithField("task_id", taskID).Info("task paused")
	return nil
}

// Delete stops the task, closing every transport handle before it returns,
// then drops the record and, when asked, the data.
func (m *manager) Delete(ctx context.Context, taskID int64, removeData bool) error {
	task, err := m.taskService.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	next, err := task.Status.Next(domain.EventDelete)
	if err != nil {
		return err
	}
	handle, err := m.stop(ctx, taskID)
	if err != nil {
		return err
	}

	if removeData {
		var d Downloader
		if handle != nil {
			d = handle.getDownloader()
		}
		if d == nil {
			if d, err = m.builder.Build(task); err != nil {
				return fmt.Errorf("remove data: %w", err)
			}
		}
		if err := d.RemoveData(); err != nil {
			return fmt.Errorf("remove data: %w", err)
		}
		if task.FilePath != "" {
			// the per-task directory, only when nothing else is left in it
			os.Remove(filepath.Dir(task.FilePath))
		}
	}

	if err := m.taskService.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	task.Status = next
	m.cfg.Observer.TaskUpdated(*task)
	m.cfg.Logger.WithFields(logrus.Fields{"task_id": taskID, "remove_data": removeData}).Info("task deleted")
	return nil
}

// SelectFiles changes which files of a torrent or HLS task are wanted. A
// running torrent picks the new selection up immediately.
func (m *manager) SelectFiles(ctx context.Context, taskID int64, paths []string) (*domain.Task, error) {
	task, err := m.taskService.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status == domain.TaskStatusCompleted {
		return nil, fmt.Errorf("%w: cannot change files of a completed task", domain.ErrInvalidTransition)
	}
	task, err = m.taskService.SelectFiles(ctx, taskID, paths)
	if err != nil {
		return nil, err
	}
	if handle, ok := m.getTaskHandle(taskID); ok {
		if r, ok := handle.getDownloader().(Reloader); ok {
			changed, err := r.Reload(task.SelectedPaths())
			if err != nil {
				return nil, err
			}
			m.cfg.Logger.WithFields(logrus.Fields{"task_id": taskID, "changed": changed}).Info("file selection applied")
		}
	}
	m.cfg.Observer.TaskUpdated(*task)
	return task, nil
}

func (m *manager) Live(taskID int64) (LiveState, bool) {
	handle, ok := m.getTaskHandle(taskID)
	if !ok {
		return LiveState{}, false
	}
	return LiveState{Stats: handle.stats.Snapshot(), Seeding: handle.seeding.Load()}, true
}

func (m *manager) handleTask(ctx context.Context, handle *taskHandle, task *domain.Task, release func()) {
	logger := m.cfg.Logger.WithFields(logrus.Fields{"task_id": task.ID, "protocol": string(task.Protocol)})

	d, err := m.builder.Build(task)
	if err != nil {
		m.failTask(ctx, task, err)
		return
	}
	handle.setDownloader(d)
	logger.Info("task started")

	for attempt := 0; ; attempt++ {
		err = m.transfer(ctx, handle, task, d, logger)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			logger.Info("task stopped")
			return
		}
		if !domain.IsTransient(err) || attempt >= m.cfg.Retries {
			m.failTask(ctx, task, err)
			return
		}
		wait := time.Duration(attempt+1) * m.cfg.RetryBackoff
		logger.WithError(err).WithFields(logrus.Fields{"attempt": attempt + 1, "wait": wait}).Warn("transient failure, retrying")
		select {
		case <-ctx.Done():
			logger.Info("task stopped")
			return
		case <-time.After(wait):
		}
	}

	if err := m.completeTask(ctx, task, logger); err != nil {
		logger.WithError(err).Error("mark completed")
		return
	}
	m.archive(ctx, task, logger)

	seeder, ok := d.(Seeder)
	if !ok {
		return
	}
	release()
	handle.seeding.Store(true)
	logger.Info("seeding")
	err = m.withReporting(ctx, handle, task, func() error { return seeder.Seed(ctx, handle.stats) })
	if err != nil && ctx.Err() == nil {
		logger.WithError(err).Warn("seeding stopped")
	}
}

func (m *manager) transfer(ctx context.Context, handle *taskHandle, task *domain.Task, d Downloader, logger *logrus.Entry) error {
	info, err := d.Prepare(ctx)
	if err != nil {
		return err
	}
	if err := m.applyInfo(ctx, task, info, logger); err != nil {
		return err
	}
	if task.TotalSize > 0 {
		handle.stats.SetTotal(task.TotalSize)
	}
	return m.withReporting(ctx, handle, task, func() error { return d.Download(ctx, handle.stats) })
}

// applyInfo persists what Prepare learnt. A size that differs from the one
// fixed at prep fails the task rather than mixing two resources.
func (m *manager) applyInfo(ctx context.Context, task *domain.Task, info Info, logger *logrus.Entry) error {
	if task.TotalSize > 0 && info.TotalSize > 0 && task.TotalSize != info.TotalSize {
		return domain.Failf(domain.ErrSizeMismatch, "size was %d, now %d", task.TotalSize, info.TotalSize)
	}
	changed := false
	if info.Name != "" && info.Name != task.Name {
		task.Name, changed = info.Name, true
	}
	if info.FilePath != "" && info.FilePath != task.FilePath {
		task.FilePath, changed = info.FilePath, true
	}
	if task.TotalSize == 0 && info.TotalSize > 0 {
		task.TotalSize, changed = info.TotalSize, true
	}
	pctx := context.WithoutCancel(ctx)
	if changed {
		if err := m.taskService.UpdateDownloadInfo(pctx, task.ID, task.Name, task.FilePath, task.TotalSize); err != nil {
			logger.WithError(err).Warn("update download info")
		}
	}
	if len(task.Files) == 0 && len(info.Files) > 0 {
		for i := range info.Files {
			info.Files[i].TaskID = task.ID
		}
		if err := m.taskService.ReplaceFiles(pctx, task.ID, info.Files); err != nil {
			logger.WithError(err).Warn("replace files")
		}
		task.Files = info.Files
	}
	return nil
}

// withReporting runs fn while persisting progress every StatusInterval.
func (m *manager) withReporting(ctx context.Context, handle *taskHandle, task *domain.Task, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	last := handle.stats.Snapshot()
	lastTime := time.Now()
	ticker := time.NewTicker(m.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			m.report(ctx, task, handle, &last, &lastTime)
			return err
		case <-ticker.C:
			m.report(ctx, task, handle, &last, &lastTime)
		}
	}
}

func (m *manager) report(ctx context.Context, task *domain.Task, handle *taskHandle, last *Snapshot, lastTime *time.Time) {
	snap := handle.stats.Snapshot()
	now := time.Now()
	speed := int64(0)
	if elapsed := now.Sub(*lastTime).Seconds(); elapsed > 0 && snap.Downloaded > last.Downloaded {
		speed = int64(float64(snap.Downloaded-last.Downloaded) / elapsed)
	}
	*last, *lastTime = snap, now

	pctx := context.WithoutCancel(ctx)
	if task.TotalSize == 0 && snap.Total > 0 {
		task.TotalSize = snap.Total
		if err := m.taskService.UpdateDownloadInfo(pctx, task.ID, task.Name, task.FilePath, task.TotalSize); err != nil {
			m.cfg.Logger.WithField("task_id", task.ID).Warnf("update download info: %v", err)
		}
	}
	p := domain.Progress{
		Progress:         snap.Percent(),
		Speed:            speed,
		Downloaded:       snap.Downloaded,
		Uploaded:         snap.Uploaded,
		TotalPeers:       snap.Peers,
		ActivePeers:      snap.Peers,
		ConnectedSeeders: snap.Seeders,
	}
	if task.Status == domain.TaskStatusCompleted {
		p.Progress = 100
	}
	if err := m.taskService.UpdateProgress(pctx, task.ID, p); err != nil {
		m.cfg.Logger.WithField("task_id", task.ID).Warnf("update progress: %v", err)
	}
	task.Progress, task.Speed = p.Progress, p.Speed
	task.DownloadedBytes, task.UploadedBytes = p.Downloaded, p.Uploaded
	task.TotalPeers, task.ActivePeers, task.ConnectedSeeders = p.TotalPeers, p.ActivePeers, p.ConnectedSeeders
	m.cfg.Observer.TaskUpdated(*task)
}

func (m *manager) completeTask(ctx context.Context, task *domain.Task, logger *logrus.Entry) error {
	next, err := task.Status.Next(domain.EventComplete)
	if err != nil {
		return err
	}
	if err := m.taskService.MarkCompleted(context.WithoutCancel(ctx), task.ID); err != nil {
		return err
	}
	now := time.Now()
	task.Status = next
	task.Progress = 100
	task.CompletedAt = &now
	m.cfg.Observer.TaskUpdated(*task)
	logger.Info("download completed")
	return nil
}

// archive uploads completed data when a bucket is configured. A failed
// upload leaves the task completed.
func (m *manager) archive(ctx context.Context, task *domain.Task, logger *logrus.Entry) {
	if m.storage == nil || m.cfg.UploadOptions.Bucket == "" {
		return
	}
	opts := m.cfg.UploadOptions
	prefix := strings.Trim(opts.KeyPrefix, "/")
	taskPrefix := fmt.Sprintf("task-%d", task.ID)
	if prefix == "" {
		opts.KeyPrefix = taskPrefix
	} else {
		opts.KeyPrefix = fmt.Sprintf("%s/%s", prefix, taskPrefix)
	}
	opts.ProgressCallback = newUploadProgressLogger(logger)

	logger.Infof("archive started from %s", task.FilePath)
	dest, err := m.storage.UploadPath(ctx, task.FilePath, opts)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.WithError(err).Warn("archive failed")
		}
		return
	}
	if err := m.taskService.MarkArchived(context.WithoutCancel(ctx), task.ID, dest); err != nil {
		logger.WithError(err).Error("mark archived")
		return
	}
	task.S3Location = dest
	m.cfg.Observer.TaskUpdated(*task)
	logger.Infof("task archived to %s", dest)
}

func (m *manager) failTask(ctx context.Context, task *domain.Task, failErr error) {
	logger := m.cfg.Logger.WithField("task_id", task.ID)
	next, err := task.Status.Next(domain.EventFail)
	if err != nil {
		logger.WithError(err).Error("fail task")
		return
	}
	msg := failErr.Error()
	if err := m.taskService.UpdateStatus(context.WithoutCancel(ctx), task.ID, next, &msg); err != nil {
		logger.Errorf("persist failure status: %v", err)
	}
	task.Status = next
	task.ErrorMessage = msg
	m.cfg.Observer.TaskUpdated(*task)
	logger.Error(msg)
}

func newUploadProgressLogger(logger *logrus.Entry) func(done, total int64) {
	var lastLog time.Time
	return func(done, total int64) {
		now := time.Now()
		if now.Sub(lastLog) < 500*time.Millisecond && done != total {
			return
		}
		lastLog = now
		if total == 0 {
			logger.Infof("archive progress: %s uploaded", formatBytes(done))
			return
		}
		percent := float64(done) / float64(total) * 100
		logger.Infof("archive progress: %.1f%% (%s/%s)", percent, formatBytes(done), formatBytes(total))
	}
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB",
		float64(b)/float64(div),
		"KMGTPE"[exp],
	)
}

var _ Manager = (*manager)(nil)
