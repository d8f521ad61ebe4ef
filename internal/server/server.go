package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"litshorts/internal/metrics"
	"litshorts/internal/models"
	"litshorts/internal/pipeline"
	"litshorts/internal/storage"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

type ScriptRepository interface {
	SaveScript(ctx context.Context, sc *models.Script) error
	GetScript(ctx context.Context, id uuid.UUID) (*models.Script, error)
	AddImage(ctx context.Context, scriptID uuid.UUID, img models.ImageRef) (*models.ImageRef, error)
	DeleteScript(ctx context.Context, id uuid.UUID) error
}

type VideoRenderer interface {
	CreateVideo(ctx context.Context, scriptID uuid.UUID) (*models.VideoResult, error)
	ListVideos(ctx context.Context, limit, offset int) ([]models.VideoRecord, int, error)
}

type JobQueue interface {
	Enqueue(ctx context.Context, scriptID uuid.UUID) error
}

type Server struct {
	cfg      *models.Config
	router   *gin.Engine
	http     *http.Server
	scripts  ScriptRepository
	renderer VideoRenderer
	jobs     JobQueue // nil when Kafka is not configured
	log      *zap.Logger
}

func NewServer(cfg *models.Config, scripts ScriptRepository, renderer VideoRenderer, jobs JobQueue,
	m *metrics.Metrics, log *zap.Logger) (*Server, error) {
	const op = "server.NewServer"

	rate, err := limiter.NewRateFromFormatted(cfg.RateLimit.Rate)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))
	if m != nil {
		r.Use(m.Middleware())
		r.GET("/metrics", gin.WrapH(m.Handler()))
	}
	r.Static("/videos", filepath.Join(cfg.StoragePath, "videos"))
	r.Static("/images", filepath.Join(cfg.StoragePath, "images"))
	r.Static("/audio", filepath.Join(cfg.StoragePath, "audio"))

	s := &Server{
		cfg:      cfg,
		router:   r,
		scripts:  scripts,
		renderer: renderer,
		jobs:     jobs,
		log:      log.Named("server"),
	}
	s.http = &http.Server{Addr: cfg.ServerAddr, Handler: r}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := r.Group("/api")
	render := api.Group("/videos", mgin.NewMiddleware(limiter.New(memory.NewStore(), rate)))
	render.POST("", s.handleCreateVideo)
	render.POST("/jobs", s.handleEnqueueVideo)

	api.GET("/videos", s.handleListVideos)
	api.GET("/videos/download/:filename", s.handleDownloadVideo)

	api.POST("/scripts", s.handleCreateScript)
	api.GET("/scripts/:id", s.handleGetScript)
	api.DELETE("/scripts/:id", s.handleDeleteScript)
	api.POST("/scripts/:id/images", s.handleUploadImage)

	return s, nil
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type renderRequest struct {
	ScriptID string `json:"scriptId" binding:"required"`
}

func (s *Server) handleCreateVideo(c *gin.Context) {
	id, ok := s.bindScriptID(c)
	if !ok {
		return
	}

	res, err := s.renderer.CreateVideo(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "video": res})
}

func (s *Server) handleEnqueueVideo(c *gin.Context) {
	const op = "server.handleEnqueueVideo"

	if s.jobs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "job queue is not configured"})
		return
	}
	id, ok := s.bindScriptID(c)
	if !ok {
		return
	}
	if _, err := s.scripts.GetScript(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.jobs.Enqueue(c.Request.Context(), id); err != nil {
		s.writeError(c, fmt.Errorf("%s: %w", op, err))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "scriptId": id, "status": "queued"})
}

func (s *Server) handleListVideos(c *gin.Context) {
	limit := queryInt(c, "limit", defaultPageSize)
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	skip := max(queryInt(c, "skip", 0), 0)

	videos, total, err := s.renderer.ListVideos(c.Request.Context(), limit, skip)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"videos":     videos,
		"pagination": gin.H{"total": total, "limit": limit, "skip": skip},
	})
}

func (s *Server) handleDownloadVideo(c *gin.Context) {
	name := c.Param("filename")
	if name != filepath.Base(name) || !strings.HasSuffix(name, ".mp4") || strings.HasPrefix(name, ".") {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid file name"})
		return
	}
	path := filepath.Join(s.cfg.StoragePath, "videos", name)
	if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "video not found"})
		return
	}
	c.FileAttachment(path, name)
}

type createScriptRequest struct {
	Topic   string              `json:"topic" binding:"required"`
	Content string              `json:"content"`
	Voice   *models.VoiceConfig `json:"voice"`
	Images  []models.ImageRef   `json:"images"`
}

func (s *Server) handleCreateScript(c *gin.Context) {
	var req createScriptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	sc := &models.Script{Topic: req.Topic, Content: req.Content, Voice: req.Voice, Images: req.Images}
	if err := s.scripts.SaveScript(c.Request.Context(), sc); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "script": sc})
}

func (s *Server) handleGetScript(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	sc, err := s.scripts.GetScript(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "script": sc})
}

func (s *Server) handleDeleteScript(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := s.scripts.DeleteScript(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}

	// Uploaded assets live in per-script directories. Rendered videos stay,
	// they are still listed in the audit log.
	for _, dir := range []string{"images", "audio"} {
		if err := os.RemoveAll(filepath.Join(s.cfg.StoragePath, dir, id.String())); err != nil {
			s.log.Warn("failed to remove script uploads", zap.String("script_id", id.String()), zap.Error(err))
		}
	}
	c.Status(http.StatusNoContent)
}

// handleUploadImage appends an illustration, with optional narration audio,
// to a script.
func (s *Server) handleUploadImage(c *gin.Context) {
	const op = "server.handleUploadImage"

	id, ok := parseID(c)
	if !ok {
		return
	}
	file, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if _, err := s.scripts.GetScript(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}

	imageRef, imagePath, err := s.saveUpload(file, "images", id)
	if err != nil {
		s.writeError(c, fmt.Errorf("%s: %w", op, err))
		return
	}
	if _, err := imaging.Open(imagePath); err != nil {
		os.Remove(imagePath)
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "unsupported image: " + err.Error()})
		return
	}

	img := models.ImageRef{ImageURL: imageRef, Dialogue: c.PostForm("dialogue")}
	var audioPath string
	if audio, err := c.FormFile("audio"); err == nil {
		img.AudioURL, audioPath, err = s.saveUpload(audio, "audio", id)
		if err != nil {
			os.Remove(imagePath)
			s.writeError(c, fmt.Errorf("%s: %w", op, err))
			return
		}
	}

	saved, err := s.scripts.AddImage(c.Request.Context(), id, img)
	if err != nil {
		os.Remove(imagePath)
		if audioPath != "" {
			os.Remove(audioPath)
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "image": saved})
}

// saveUpload stores an uploaded file under <public>/<kind>/<scriptID>/ and
// returns its public reference and local path.
func (s *Server) saveUpload(file *multipart.FileHeader, kind string, scriptID uuid.UUID) (string, string, error) {
	name := uuid.NewString() + strings.ToLower(filepath.Ext(file.Filename))
	path := filepath.Join(s.cfg.StoragePath, kind, scriptID.String(), name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", "", err
	}

	f, err := os.Create(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()

	src, err := file.Open()
	if err != nil {
		os.Remove(path)
		return "", "", err
	}
	defer src.Close()

	if _, err := io.Copy(f, src); err != nil {
		os.Remove(path)
		return "", "", err
	}
	return "/" + kind + "/" + scriptID.String() + "/" + name, path, nil
}

func (s *Server) bindScriptID(c *gin.Context) (uuid.UUID, bool) {
	var req renderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "scriptId is required"})
		return uuid.Nil, false
	}
	id, err := uuid.Parse(req.ScriptID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid scriptId"})
		return uuid.Nil, false
	}
	return id, true
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return v
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrScriptNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrNoImages), errors.Is(err, pipeline.ErrNoValidSegments):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrRenderInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
