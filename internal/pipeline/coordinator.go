// Package pipeline turns a stored script into a single MP4: one still-image
// segment per illustration, joined in index order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"litshorts/internal/media"
	"litshorts/internal/models"
	"litshorts/internal/storage"
)

type ScriptStore interface {
	GetScript(ctx context.Context, id uuid.UUID) (*models.Script, error)
	AttachVideoResult(ctx context.Context, id uuid.UUID, res models.VideoResult) error
}

type AuditLog interface {
	RecordVideo(ctx context.Context, rec *models.VideoRecord) error
	ListVideos(ctx context.Context, limit, offset int) ([]models.VideoRecord, error)
	CountVideos(ctx context.Context) (int, error)
}

type DurationProber interface {
	Probe(ctx context.Context, path string) float64
}

type FrameRenderer interface {
	RenderFrame(ctx context.Context, src, dst, dialogue string) error
}

type Encoder interface {
	BuildSegment(ctx context.Context, spec media.SegmentSpec) error
	Concat(ctx context.Context, manifestPath, outputPath string) error
}

type Publisher interface {
	Upload(ctx context.Context, key, path, contentType string) (string, error)
}

// Recorder receives run and segment outcomes for metrics.
type Recorder interface {
	RunFinished(outcome string, elapsed time.Duration)
	SegmentFinished(outcome string, elapsed time.Duration)
	VideoRendered(seconds float64)
}

type nopRecorder struct{}

func (nopRecorder) RunFinished(string, time.Duration)     {}
func (nopRecorder) SegmentFinished(string, time.Duration) {}
func (nopRecorder) VideoRendered(float64)                 {}

type state string

const (
	stateLoading          state = "loading"
	stateBuildingSegments state = "building_segments"
	stateConcatenating    state = "concatenating"
	stateFinalizing       state = "finalizing"
	stateDone             state = "done"
	stateFailed           state = "failed"
)

const untitled = "Untitled Video"

type Config struct {
	PublicDir       string // resolves /images/... and /audio/... references; videos land in PublicDir/videos
	SilentDuration  float64
	WithAudio       bool
	Workers         int
	ThumbnailWidth  int
	ThumbnailHeight int
}

func ConfigFrom(cfg *models.Config) Config {
	return Config{
		PublicDir:       cfg.StoragePath,
		SilentDuration:  cfg.Render.SilentDuration,
		WithAudio:       cfg.Render.AudioEnabled(),
		Workers:         cfg.Render.SegmentWorkers,
		ThumbnailWidth:  cfg.Render.ThumbnailWidth,
		ThumbnailHeight: cfg.Render.ThumbnailHeight,
	}
}

// Deps are the coordinator's collaborators. Publisher, Locker, Recorder and
// Thumbnail are optional.
type Deps struct {
	Scripts   ScriptStore
	Audit     AuditLog
	Prober    DurationProber
	Renderer  FrameRenderer
	Encoder   Encoder
	Workspace *Workspace
	Publisher Publisher
	Locker    Locker
	Recorder  Recorder
	Thumbnail func(src, dst string, width, height int) error
}

type Coordinator struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
}

func NewCoordinator(cfg Config, deps Deps, log *zap.Logger) (*Coordinator, error) {
	const op = "pipeline.NewCoordinator"

	if deps.Scripts == nil || deps.Audit == nil || deps.Prober == nil ||
		deps.Renderer == nil || deps.Encoder == nil || deps.Workspace == nil {
		return nil, fmt.Errorf("%s: missing required dependency", op)
	}
	if cfg.SilentDuration <= 0 {
		return nil, fmt.Errorf("%s: silent duration must be positive", op)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if deps.Locker == nil {
		deps.Locker = NewLocalLocker()
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Thumbnail == nil {
		deps.Thumbnail = media.Thumbnail
	}
	return &Coordinator{cfg: cfg, deps: deps, log: log.Named("pipeline")}, nil
}

// CreateVideo renders the script's images into one video, attaches the result
// to the script and records it in the audit log.
func (c *Coordinator) CreateVideo(ctx context.Context, scriptID uuid.UUID) (*models.VideoResult, error) {
	const op = "pipeline.CreateVideo"

	start := time.Now()
	log := c.log.With(zap.String("script_id", scriptID.String()))

	unlock, err := c.deps.Locker.TryLock(ctx, scriptID.String())
	if err != nil {
		c.deps.Recorder.RunFinished("rejected", time.Since(start))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer unlock()

	res, err := c.run(ctx, scriptID, log)
	if err != nil {
		log.Error("video render failed", zap.String("state", string(stateFailed)), zap.Error(err))
		c.deps.Recorder.RunFinished(outcome(err), time.Since(start))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("video render finished", zap.String("state", string(stateDone)),
		zap.String("url", res.URL), zap.Int("duration", res.Duration),
		zap.Int("segments", res.SegmentCount), zap.Int("skipped", res.SkippedCount),
		zap.Duration("elapsed", time.Since(start)))
	c.deps.Recorder.RunFinished("success", time.Since(start))
	return res, nil
}

func (c *Coordinator) run(ctx context.Context, scriptID uuid.UUID, log *zap.Logger) (*models.VideoResult, error) {
	log.Info("video render state", zap.String("state", string(stateLoading)))
	script, err := c.deps.Scripts.GetScript(ctx, scriptID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrScriptNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(script.Images) == 0 {
		return nil, ErrNoImages
	}
	images := newOrderedImages(script.Images)
	if images.Len() == 0 {
		return nil, ErrNoValidSegments
	}

	scratch, err := c.deps.Workspace.Open(scriptID)
	if err != nil {
		return nil, err
	}
	defer scratch.Release()

	log.Info("video render state", zap.String("state", string(stateBuildingSegments)),
		zap.Int("images", images.Len()), zap.Int("skipped", images.skipped))
	segments, err := c.buildSegments(ctx, images, scratch.Dir, log)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, ErrNoValidSegments
	}

	log.Info("video render state", zap.String("state", string(stateConcatenating)), zap.Int("segments", len(segments)))
	paths := make([]string, len(segments))
	var total float64
	for i, s := range segments {
		paths[i] = s.Path
		total += s.Duration
	}
	manifest := filepath.Join(scratch.Dir, "concat.txt")
	if err := media.WriteManifest(manifest, paths); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConcatenation, err)
	}
	name := fmt.Sprintf("%d-%s.mp4", time.Now().UnixMilli(), scriptID)
	output := filepath.Join(c.cfg.PublicDir, "videos", name)
	if err := c.deps.Encoder.Concat(ctx, manifest, output); err != nil {
		_ = os.Remove(output)
		return nil, fmt.Errorf("%w: %v", ErrConcatenation, err)
	}

	log.Info("video render state", zap.String("state", string(stateFinalizing)))
	res := models.VideoResult{
		URL:          "/videos/" + name,
		Duration:     int(math.Round(total)),
		SegmentCount: len(segments),
		SkippedCount: images.skipped + images.Len() - len(segments),
		CreatedAt:    time.Now().UTC(),
	}

	poster := strings.TrimSuffix(output, ".mp4") + ".jpg"
	if err := c.deps.Thumbnail(segments[0].FramePath, poster, c.cfg.ThumbnailWidth, c.cfg.ThumbnailHeight); err != nil {
		log.Warn("poster thumbnail failed", zap.Error(err))
		poster = ""
	} else {
		res.ThumbnailURL = "/videos/" + filepath.Base(poster)
	}

	if c.deps.Publisher != nil {
		c.publish(ctx, &res, output, poster, log)
	}

	if err := c.deps.Scripts.AttachVideoResult(ctx, scriptID, res); err != nil {
		return nil, fmt.Errorf("attach video result: %w", err)
	}

	title := script.Topic
	if title == "" {
		title = untitled
	}
	rec := &models.VideoRecord{
		ScriptID:     scriptID,
		VideoURL:     res.URL,
		Title:        title,
		Duration:     res.Duration,
		SegmentCount: res.SegmentCount,
		SkippedCount: res.SkippedCount,
		CreatedAt:    res.CreatedAt,
	}
	if err := c.deps.Audit.RecordVideo(ctx, rec); err != nil {
		log.Warn("failed to record video in audit log", zap.Error(err))
	}

	c.deps.Recorder.VideoRendered(total)
	return &res, nil
}

// buildSegments builds one segment per image with at most cfg.Workers builds
// in flight. The result keeps image order; failed images are dropped.
func (c *Coordinator) buildSegments(ctx context.Context, images orderedImages, dir string, log *zap.Logger) ([]*models.Segment, error) {
	slots := make([]*models.Segment, images.Len())

	var g errgroup.Group
	g.SetLimit(c.cfg.Workers)
	for i, ref := range images.refs {
		if ctx.Err() != nil {
			break
		}
		i, ref := i, ref
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			start := time.Now()
			seg, err := c.buildSegment(ctx, i, ref, dir)
			if err != nil {
				log.Warn("segment skipped", zap.Int("index", ref.Index), zap.Error(err))
				c.deps.Recorder.SegmentFinished("failed", time.Since(start))
				return nil
			}
			log.Debug("segment built", zap.Int("index", ref.Index), zap.Float64("duration", seg.Duration))
			c.deps.Recorder.SegmentFinished("success", time.Since(start))
			slots[i] = seg
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	segments := make([]*models.Segment, 0, len(slots))
	for _, s := range slots {
		if s != nil {
			segments = append(segments, s)
		}
	}
	return segments, nil
}

func (c *Coordinator) buildSegment(ctx context.Context, pos int, ref models.ImageRef, dir string) (*models.Segment, error) {
	src, err := c.resolve(ref.ImageURL)
	if err != nil {
		return nil, err
	}
	seg := &models.Segment{
		Index:     ref.Index,
		FramePath: filepath.Join(dir, fmt.Sprintf("image_%d.png", pos)),
		Duration:  c.cfg.SilentDuration,
		Path:      filepath.Join(dir, fmt.Sprintf("segment_%d.mp4", pos)),
	}
	if err := c.deps.Renderer.RenderFrame(ctx, src, seg.FramePath, ref.Dialogue); err != nil {
		return nil, err
	}

	if c.cfg.WithAudio && ref.AudioURL != "" {
		if audio, err := c.resolve(ref.AudioURL); err == nil && usableFile(audio) {
			seg.AudioPath = audio
			seg.Duration = c.deps.Prober.Probe(ctx, audio)
		}
	}

	err = c.deps.Encoder.BuildSegment(ctx, media.SegmentSpec{
		FramePath:  seg.FramePath,
		AudioPath:  seg.AudioPath,
		Duration:   seg.Duration,
		OutputPath: seg.Path,
	})
	if err != nil {
		return nil, err
	}
	return seg, nil
}

func (c *Coordinator) publish(ctx context.Context, res *models.VideoResult, video, poster string, log *zap.Logger) {
	url, err := c.deps.Publisher.Upload(ctx, "videos/"+filepath.Base(video), video, "video/mp4")
	if err != nil {
		log.Warn("video upload failed, keeping local url", zap.Error(err))
		return
	}
	res.URL = url
	if poster == "" {
		return
	}
	if url, err := c.deps.Publisher.Upload(ctx, "videos/"+filepath.Base(poster), poster, "image/jpeg"); err != nil {
		log.Warn("poster upload failed", zap.Error(err))
	} else {
		res.ThumbnailURL = url
	}
}

// resolve maps a public reference such as /images/a.png onto the public dir.
func (c *Coordinator) resolve(ref string) (string, error) {
	p := filepath.Join(c.cfg.PublicDir, filepath.FromSlash(strings.TrimLeft(ref, "/")))
	rel, err := filepath.Rel(c.cfg.PublicDir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("reference %q escapes the public directory", ref)
	}
	return p, nil
}

// ListVideos pages through the audit log, newest first.
func (c *Coordinator) ListVideos(ctx context.Context, limit, offset int) ([]models.VideoRecord, int, error) {
	const op = "pipeline.ListVideos"

	videos, err := c.deps.Audit.ListVideos(ctx, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", op, err)
	}
	total, err := c.deps.Audit.CountVideos(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", op, err)
	}
	return videos, total, nil
}

func usableFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrScriptNotFound):
		return "not_found"
	case errors.Is(err, ErrNoImages), errors.Is(err, ErrNoValidSegments):
		return "no_segments"
	case errors.Is(err, ErrConcatenation):
		return "concat_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
