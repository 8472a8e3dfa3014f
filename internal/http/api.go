package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"fetchd/internal/domain"
	"fetchd/internal/downloader"
	"fetchd/internal/service"
	"fetchd/internal/storage"
)

// Resolver classifies a locator and probes it into an unsaved task.
type Resolver interface {
	Resolve(ctx context.Context, locator string) (*domain.Task, error)
}

// Options carries the optional collaborators of a Handler.
type Options struct {
	// Storage and Bucket enable the archive routes and remote deletes.
	Storage       storage.Service
	Bucket        string
	PresignExpiry time.Duration

	// Users and JWTSecret enable the auth routes. With a secret set every
	// task route requires a bearer token.
	Users     service.UserService
	JWTSecret string
	TokenTTL  time.Duration

	// Relay serves multi-announce batches at /announce/multi.
	Relay http.Handler
	// Metrics serves the prometheus scrape endpoint at /metrics.
	Metrics    http.Handler
	Middleware []gin.HandlerFunc
	Hub        *Hub
	Logger     *logrus.Logger
}

// Handler wires HTTP routes to domain services.
type Handler struct {
	resolver Resolver
	tasks    service.TaskService
	manager  downloader.Manager
	opts     Options
	log      *logrus.Logger
}

func NewHandler(resolver Resolver, tasks service.TaskService, manager downloader.Manager, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.PresignExpiry <= 0 {
		opts.PresignExpiry = 15 * time.Minute
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	return &Handler{
		resolver: resolver,
		tasks:    tasks,
		manager:  manager,
		opts:     opts,
		log:      opts.Logger,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())
	router.Use(h.opts.Middleware...)

	if h.opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(h.opts.Metrics))
	}
	if h.opts.Relay != nil {
		// the relay fetches caller supplied URLs, so it is only open when auth is off
		relay := []gin.HandlerFunc{gin.WrapH(h.opts.Relay)}
		if h.authEnabled() {
			relay = append([]gin.HandlerFunc{h.requireAuth()}, relay...)
		}
		router.POST("/announce/multi", relay...)
	}

	api := router.Group("/api")
	api.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
	})
	if h.opts.Users != nil {
		api.POST("/auth/register", h.register)
		api.POST("/auth/login", h.login)
	}

	protected := api.Group("")
	if h.authEnabled() {
		protected.Use(h.requireAuth())
	}
	{
		protected.POST("/tasks", h.createTask)
		protected.GET("/tasks", h.listTasks)
		protected.GET("/tasks/:id", h.getTask)
		protected.POST("/tasks/:id/start", h.startTask)
		protected.POST("/tasks/:id/pause", h.pauseTask)
		protected.PUT("/tasks/:id/files", h.selectFiles)
		protected.DELETE("/tasks/:id", h.deleteTask)
		protected.GET("/storage/objects", h.listObjects)
		protected.GET("/storage/presign", h.presign)
		if h.opts.Hub != nil {
			protected.GET("/ws", h.opts.Hub.Serve)
		}
	}
}

type createTaskRequest struct {
	Locator string `json:"locator" binding:"required"`
	// Files optionally narrows a multi-file task before it starts.
	Files []string `json:"files"`
}

type selectFilesRequest struct {
	Paths []string `json:"paths" binding:"required"`
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Disposition")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// statusFor maps domain errors onto response codes.
func statusFor(err error) int {
	var de *domain.DownloadError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnsupportedLocator):
		return http.StatusBadRequest
	case domain.IsTransient(err):
		return http.StatusBadGateway
	case errors.As(err, &de):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func taskID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return 0, false
	}
	return id, true
}

func (h *Handler) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	task, err := h.resolver.Resolve(ctx, strings.TrimSpace(req.Locator))
	if err != nil {
		h.log.WithError(err).WithField("locator", req.Locator).Debug("locator rejected")
		abortWithError(c, err)
		return
	}
	if len(req.Files) > 0 && len(task.Files) > 0 {
		for i := range task.Files {
			task.Files[i].Selected = false
			for _, p := range req.Files {
				if task.Files[i].Path == p {
					task.Files[i].Selected = true
				}
			}
		}
		if len(task.SelectedPaths()) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "none of the requested files exist"})
			return
		}
	}

	task, err = h.tasks.CreateTask(ctx, task)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if err := h.manager.Enqueue(ctx, task.ID); err != nil {
		abortWithError(c, err)
		return
	}
	if fresh, err := h.tasks.GetTask(ctx, task.ID); err == nil {
		task = fresh
	}

	c.JSON(http.StatusAccepted, h.taskToResponse(*task))
}

func (h *Handler) listTasks(c *gin.Context) {
	tasks, err := h.tasks.ListTasks(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}

	resp := make([]TaskResponse, len(tasks))
	for i := range tasks {
		resp[i] = h.taskToResponse(tasks[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getTask(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}

	task, err := h.tasks.GetTask(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, h.taskToResponse(*task))
}

func (h *Handler) startTask(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	if err := h.manager.Enqueue(c.Request.Context(), id); err != nil {
		abortWithError(c, err)
		return
	}
	h.respondTask(c, id, http.StatusAccepted)
}

func (h *Handler) pauseTask(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	if err := h.manager.Pause(ctx, id); err != nil {
		abortWithError(c, err)
		return
	}
	h.respondTask(c, id, http.StatusOK)
}

func (h *Handler) selectFiles(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	var req selectFilesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Paths) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "select at least one file"})
		return
	}
	task, err := h.manager.SelectFiles(c.Request.Context(), id, req.Paths)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.taskToResponse(*task))
}

func (h *Handler) respondTask(c *gin.Context, id int64, status int) {
	task, err := h.tasks.GetTask(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(status, h.taskToResponse(*task))
}

func (h *Handler) deleteTask(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}

	removeData, err := strconv.ParseBool(c.DefaultQuery("remove_data", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag remove_data"})
		return
	}
	deleteRemote, err := strconv.ParseBool(c.DefaultQuery("delete_remote", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag delete_remote"})
		return
	}
	if deleteRemote && !h.storageEnabled() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "storage service not configured"})
		return
	}

	task, err := h.tasks.GetTask(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	if err := h.manager.Delete(ctx, id, removeData); err != nil {
		abortWithError(c, err)
		return
	}

	var warnings []string
	if deleteRemote && task.S3Location != "" {
		prefix, err := storage.SplitLocation(task.S3Location, h.opts.Bucket)
		switch {
		case err != nil:
			warnings = append(warnings, err.Error())
		case prefix != "":
			if err := h.opts.Storage.DeletePrefix(ctx, h.opts.Bucket, prefix); err != nil {
				warnings = append(warnings, fmt.Sprintf("delete remote data: %v", err))
			}
		}
	}

	resp := gin.H{"deleted": id}
	if len(warnings) > 0 {
		resp["warnings"] = warnings
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) storageEnabled() bool {
	return h.opts.Storage != nil && h.opts.Bucket != ""
}

func (h *Handler) listObjects(c *gin.Context) {
	if !h.storageEnabled() {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "storage service not configured"})
		return
	}

	prefix := c.Query("prefix")
	objects, err := h.opts.Storage.ListObjects(c.Request.Context(), h.opts.Bucket, prefix)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]StorageObjectResponse, len(objects))
	for i := range objects {
		resp[i] = objectToResponse(objects[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) presign(c *gin.Context) {
	if !h.storageEnabled() {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "storage service not configured"})
		return
	}
	key := strings.TrimPrefix(c.Query("key"), "/")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
		return
	}
	u, err := h.opts.Storage.PresignURL(c.Request.Context(), h.opts.Bucket, key, h.opts.PresignExpiry)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"url":        u,
		"expires_at": time.Now().Add(h.opts.PresignExpiry).UTC().Format(time.RFC3339),
	})
}

type TaskResponse struct {
	ID               int64              `json:"id"`
	Locator          string             `json:"locator"`
	Protocol         domain.Protocol    `json:"protocol"`
	Status           domain.TaskStatus  `json:"status"`
	Name             string             `json:"name"`
	LocalPath        string             `json:"local_path"`
	Progress         int                `json:"progress"`
	Speed            int64              `json:"speed"`
	DownloadedBytes  int64              `json:"downloaded_bytes"`
	UploadedBytes    int64              `json:"uploaded_bytes"`
	TotalSize        int64              `json:"total_size"`
	TotalPeers       int                `json:"total_peers"`
	ActivePeers      int                `json:"active_peers"`
	ConnectedSeeders int                `json:"connected_seeders"`
	Parts            int                `json:"parts,omitempty"`
	PartsDone        int                `json:"parts_done,omitempty"`
	Seeding          bool               `json:"seeding"`
	S3Location       string             `json:"s3_location"`
	ErrorMessage     string             `json:"error_message"`
	CreatedAt        string             `json:"created_at"`
	UpdatedAt        string             `json:"updated_at"`
	CompletedAt      *string            `json:"completed_at,omitempty"`
	Files            []TaskFileResponse `json:"files"`
}

type TaskFileResponse struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Selected bool   `json:"selected"`
}

type StorageObjectResponse struct {
	Key          string  `json:"key"`
	Size         int64   `json:"size"`
	LastModified *string `json:"last_modified,omitempty"`
}

func objectToResponse(obj storage.ObjectInfo) StorageObjectResponse {
	resp := StorageObjectResponse{
		Key:  obj.Key,
		Size: obj.Size,
	}
	if obj.LastModified != nil && !obj.LastModified.IsZero() {
		v := obj.LastModified.Format(time.RFC3339)
		resp.LastModified = &v
	}
	return resp
}

// taskToResponse renders the persisted record, overlaid with the live
// counters of a running task.
func (h *Handler) taskToResponse(task domain.Task) TaskResponse {
	resp := taskToResponse(task)
	if h.manager == nil {
		return resp
	}
	live, ok := h.manager.Live(task.ID)
	if !ok {
		return resp
	}
	s := live.Stats
	resp.DownloadedBytes = s.Downloaded
	resp.UploadedBytes = s.Uploaded
	if s.Total > 0 {
		resp.TotalSize = s.Total
	}
	resp.Progress = s.Percent()
	resp.TotalPeers = s.Peers
	resp.ConnectedSeeders = s.Seeders
	resp.Parts = s.Parts
	resp.PartsDone = s.PartsDone
	resp.Seeding = live.Seeding
	return resp
}

func taskToResponse(task domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:               task.ID,
		Locator:          task.Locator,
		Protocol:         task.Protocol,
		Status:           task.Status,
		Name:             task.Name,
		LocalPath:        task.FilePath,
		Progress:         task.Progress,
		Speed:            task.Speed,
		DownloadedBytes:  task.DownloadedBytes,
		UploadedBytes:    task.UploadedBytes,
		TotalSize:        task.TotalSize,
		TotalPeers:       task.TotalPeers,
		ActivePeers:      task.ActivePeers,
		ConnectedSeeders: task.ConnectedSeeders,
		S3Location:       task.S3Location,
		ErrorMessage:     task.ErrorMessage,
		CreatedAt:        task.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        task.UpdatedAt.Format(time.RFC3339),
		Files:            make([]TaskFileResponse, len(task.Files)),
	}
	if task.CompletedAt != nil {
		v := task.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &v
	}

	for i, f := range task.Files {
		resp.Files[i] = TaskFileResponse{
			ID:       f.ID,
			Name:     f.DisplayName(),
			Path:     f.Path,
			Size:     f.Size,
			Selected: f.Selected,
		}
	}
	return resp
}
