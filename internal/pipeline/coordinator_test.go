package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"litshorts/internal/media"
	"litshorts/internal/models"
	"litshorts/internal/storage"
)

type fakeStore struct {
	mu        sync.Mutex
	scripts   map[uuid.UUID]*models.Script
	attached  map[uuid.UUID]models.VideoResult
	attachErr error
}

func (s *fakeStore) GetScript(_ context.Context, id uuid.UUID) (*models.Script, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scripts[id]
	if !ok {
		return nil, fmt.Errorf("storage.GetScript: %w", storage.ErrNotFound)
	}
	cp := *sc
	return &cp, nil
}

func (s *fakeStore) AttachVideoResult(_ context.Context, id uuid.UUID, res models.VideoResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attachErr != nil {
		return s.attachErr
	}
	s.attached[id] = res
	return nil
}

type fakeAudit struct {
	mu      sync.Mutex
	records []models.VideoRecord
	err     error
}

func (a *fakeAudit) RecordVideo(_ context.Context, rec *models.VideoRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.records = append(a.records, *rec)
	return nil
}

func (a *fakeAudit) ListVideos(_ context.Context, limit, offset int) ([]models.VideoRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if offset >= len(a.records) {
		return nil, nil
	}
	end := min(offset+limit, len(a.records))
	return a.records[offset:end], nil
}

func (a *fakeAudit) CountVideos(context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records), nil
}

// fakeProber returns durations by audio file name.
type fakeProber struct {
	mu        sync.Mutex
	durations map[string]float64
	calls     int
}

func (p *fakeProber) Probe(_ context.Context, path string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if d, ok := p.durations[filepath.Base(path)]; ok {
		return d
	}
	return 5
}

type fakeRenderer struct{}

func (fakeRenderer) RenderFrame(ctx context.Context, src, dst, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(src); err != nil {
		return err
	}
	return os.WriteFile(dst, []byte("png"), 0644)
}

type fakeEncoder struct {
	mu        sync.Mutex
	specs     []media.SegmentSpec
	completed []string
	manifest  []string
	fail      map[string]bool // segment file names that fail to encode
	concatErr error
	hook      func(name string) // before encoding
	done      func(name string) // after a successful encode
}

func (e *fakeEncoder) BuildSegment(_ context.Context, spec media.SegmentSpec) error {
	name := filepath.Base(spec.OutputPath)
	if e.hook != nil {
		e.hook(name)
	}
	e.mu.Lock()
	e.specs = append(e.specs, spec)
	if e.fail[name] {
		e.mu.Unlock()
		return errors.New("encode failed")
	}
	e.completed = append(e.completed, name)
	e.mu.Unlock()

	if err := os.WriteFile(spec.OutputPath, []byte("mp4"), 0644); err != nil {
		return err
	}
	if e.done != nil {
		e.done(name)
	}
	return nil
}

func (e *fakeEncoder) Concat(_ context.Context, manifestPath, outputPath string) error {
	if e.concatErr != nil {
		return e.concatErr
	}
	f, err := os.Open(manifestPath)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		e.manifest = append(e.manifest, sc.Text())
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(outputPath, []byte("final"), 0644)
}

func (e *fakeEncoder) specFor(name string) media.SegmentSpec {
	for _, s := range e.specs {
		if filepath.Base(s.OutputPath) == name {
			return s
		}
	}
	return media.SegmentSpec{}
}

type fakePublisher struct {
	keys []string
	err  error
}

func (p *fakePublisher) Upload(_ context.Context, key, _, _ string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.keys = append(p.keys, key)
	return "https://cdn.example.com/" + key, nil
}

type env struct {
	c       *Coordinator
	store   *fakeStore
	audit   *fakeAudit
	prober  *fakeProber
	enc     *fakeEncoder
	locker  *LocalLocker
	public  string
	scratch string
}

func newEnv(t *testing.T, mutate ...func(*Config, *Deps)) *env {
	t.Helper()
	e := &env{
		store:   &fakeStore{scripts: map[uuid.UUID]*models.Script{}, attached: map[uuid.UUID]models.VideoResult{}},
		audit:   &fakeAudit{},
		prober:  &fakeProber{durations: map[string]float64{}},
		enc:     &fakeEncoder{fail: map[string]bool{}},
		locker:  NewLocalLocker(),
		public:  t.TempDir(),
		scratch: t.TempDir(),
	}
	cfg := Config{PublicDir: e.public, SilentDuration: 5, WithAudio: true, Workers: 1, ThumbnailWidth: 48, ThumbnailHeight: 27}
	deps := Deps{
		Scripts:   e.store,
		Audit:     e.audit,
		Prober:    e.prober,
		Renderer:  fakeRenderer{},
		Encoder:   e.enc,
		Workspace: NewWorkspace(e.scratch, 0, zap.NewNop()),
		Locker:    e.locker,
		Thumbnail: func(_, dst string, _, _ int) error { return os.WriteFile(dst, []byte("jpg"), 0644) },
	}
	for _, m := range mutate {
		m(&cfg, &deps)
	}
	c, err := NewCoordinator(cfg, deps, zap.NewNop())
	require.NoError(t, err)
	e.c = c
	return e
}

// asset creates a file under the public dir and returns its public reference.
func (e *env) asset(t *testing.T, ref string, size int) string {
	t.Helper()
	p := filepath.Join(e.public, filepath.FromSlash(strings.TrimPrefix(ref, "/")))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, make([]byte, size), 0644))
	return ref
}

func (e *env) addScript(images ...models.ImageRef) uuid.UUID {
	id := uuid.New()
	e.store.scripts[id] = &models.Script{ID: id, Topic: "The Raven", Images: images}
	return id
}

func (e *env) assertScratchEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(e.scratch)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func manifestNames(lines []string) []string {
	names := make([]string, len(lines))
	for i, l := range lines {
		names[i] = filepath.Base(strings.TrimSuffix(l, "'"))
	}
	return names
}

func TestCreateVideo_ThreeImagesWithAudio(t *testing.T) {
	e := newEnv(t)
	var images []models.ImageRef
	for i := 0; i < 3; i++ {
		audio := fmt.Sprintf("/audio/%d.mp3", i)
		e.prober.durations[filepath.Base(audio)] = 4.0
		images = append(images, models.ImageRef{
			Index:    i,
			ImageURL: e.asset(t, fmt.Sprintf("/images/%d.png", i), 10),
			AudioURL: e.asset(t, audio, 10),
		})
	}
	id := e.addScript(images...)

	res, err := e.c.CreateVideo(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, 12, res.Duration)
	assert.Equal(t, 3, res.SegmentCount)
	assert.Zero(t, res.SkippedCount)
	assert.True(t, strings.HasPrefix(res.URL, "/videos/"))
	assert.FileExists(t, filepath.Join(e.public, "videos", filepath.Base(res.URL)))
	assert.NotEmpty(t, res.ThumbnailURL)
	assert.Equal(t, []string{"segment_0.mp4", "segment_1.mp4", "segment_2.mp4"}, manifestNames(e.enc.manifest))
	for _, s := range e.enc.specs {
		assert.Equal(t, 4.0, s.Duration)
		assert.NotEmpty(t, s.AudioPath)
	}

	assert.Equal(t, *res, e.store.attached[id])
	require.Len(t, e.audit.records, 1)
	assert.Equal(t, "The Raven", e.audit.records[0].Title)
	assert.Equal(t, 12, e.audit.records[0].Duration)
	e.assertScratchEmpty(t)
}

func TestCreateVideo_MixedAudioAndSilent(t *testing.T) {
	e := newEnv(t)
	e.prober.durations["0.mp3"] = 3.2
	id := e.addScript(
		models.ImageRef{Index: 0, ImageURL: e.asset(t, "/images/0.png", 10), AudioURL: e.asset(t, "/audio/0.mp3", 10)},
		models.ImageRef{Index: 1, ImageURL: e.asset(t, "/images/1.png", 10)},
	)

	res, err := e.c.CreateVideo(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, 8, res.Duration)
	silent := e.enc.specFor("segment_1.mp4")
	assert.Equal(t, 5.0, silent.Duration)
	assert.Empty(t, silent.AudioPath)
	assert.Equal(t, 3.2, e.enc.specFor("segment_0.mp4").Duration)
}

func TestCreateVideo_MissingSourceIsSkipped(t *testing.T) {
	e := newEnv(t)
	id := e.addScript(
		models.ImageRef{Index: 0, ImageURL: e.asset(t, "/images/0.png", 10)},
		models.ImageRef{Index: 1, ImageURL: "/images/gone.png"},
	)

	res, err := e.c.CreateVideo(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, 5, res.Duration)
	assert.Equal(t, 1, res.SegmentCount)
	assert.Equal(t, 1, res.SkippedCount)
	assert.Equal(t, []string{"segment_0.mp4"}, manifestNames(e.enc.manifest))
}

func TestCreateVideo_ManifestOrderIndependentOfCompletion(t *testing.T) {
	lastDone := make(chan struct{})
	e := newEnv(t, func(cfg *Config, _ *Deps) { cfg.Workers = 3 })
	e.enc.hook = func(name string) {
		if name == "segment_0.mp4" {
			select {
			case <-lastDone:
			case <-time.After(2 * time.Second):
			}
		}
	}
	e.enc.done = func(name string) {
		if name == "segment_2.mp4" {
			close(lastDone)
		}
	}
	id := e.addScript(
		models.ImageRef{Index: 2, ImageURL: e.asset(t, "/images/c.png", 10)},
		models.ImageRef{Index: 0, ImageURL: e.asset(t, "/images/a.png", 10)},
		models.ImageRef{Index: 1, ImageURL: e.asset(t, "/images/b.png", 10)},
	)

	res, err := e.c.CreateVideo(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, 3, res.SegmentCount)
	assert.NotEqual(t, "segment_0.mp4", e.enc.completed[0])
	assert.Equal(t, []string{"segment_0.mp4", "segment_1.mp4", "segment_2.mp4"}, manifestNames(e.enc.manifest))
}

func TestCreateVideo_DurationRoundsHalfUp(t *testing.T) {
	e := newEnv(t)
	e.prober.durations["0.mp3"] = 1.25
	e.prober.durations["1.mp3"] = 1.25
	id := e.addScript(
		models.ImageRef{Index: 0, ImageURL: e.asset(t, "/images/0.png", 10), AudioURL: e.asset(t, "/audio/0.mp3", 10)},
		models.ImageRef{Index: 1, ImageURL: e.asset(t, "/images/1.png", 10), AudioURL: e.asset(t, "/audio/1.mp3", 10)},
	)

	res, err := e.c.CreateVideo(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Duration)
}

func TestCreateVideo_UnusableAudioFallsBackToSilent(t *testing.T) {
	e := newEnv(t)
	id := e.addScript(
		models.ImageRef{Index: 0, ImageURL: e.asset(t, "/images/0.png", 10), AudioURL: e.asset(t, "/audio/empty.mp3", 0)},
		models.ImageRef{Index: 1, ImageURL: e.asset(t, "/images/1.png", 10), AudioURL: "/audio/missing.mp3"},
	)

	res, err := e.c.CreateVideo(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, 10, res.Duration)
	assert.Zero(t, e.prober.calls)
	for _, s := range e.enc.specs {
		assert.Empty(t, s.AudioPath)
	}
}

func TestCreateVideo_AudioDisabled(t *testing.T) {
	e := newEnv(t, func(cfg *Config, _ *Deps) { cfg.WithAudio = false })
	e.prober.durations["0.mp3"] = 9
	id := e.addScript(models.ImageRef{Index: 0, ImageURL: e.asset(t, "/images/0.png", 10), AudioURL: e.asset(t, "/audio/0.mp3", 10)})

	res, err := e.c.CreateVideo(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, 5, res.Duration)
	assert.Zero(t, e.prober.calls)
}

func TestCreateVideo_NoImages(t *testing.T) {
	e := newEnv(t)
	id := e.addScript()

	_, err := e.c.CreateVideo(context.Background(), id)
	assert.ErrorIs(t, err, ErrNoImages)
	assert.Empty(t, e.enc.specs)
	e.assertScratchEmpty(t)
}

func TestCreateVideo_ScriptNotFound(t *testing.T) {
	e := newEnv(t)

	_, err := e.c.CreateVideo(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrScriptNotFound)
}

func TestCreateVideo_AllSegmentsFail(t *testing.T) {
	e := newEnv(t)
	e.enc.fail["segment_0.mp4"] = true
	e.enc.fail["segment_1.mp4"] = true
	id := e.addScript(
		models.ImageRef{Index: 0, ImageURL: e.asset(t, "/images/0.png", 10)},
		models.ImageRef{Index: 1, ImageURL: e.asset(t, "/images/1.png", 10)},
	)

	_, err := e.c.CreateVideo(context.Background(), id)
	assert.ErrorIs(t, err, ErrNoValidSegments)
	assert.NoDirExists(t, filepath.Join(e.public, "videos"))
	assert.Empty(t, e.store.attached)
	assert.Empty(t, e.audit.records)
	e.assertScratchEmpty(t)
}

func TestCreateVideo_OnlyImagesWithoutLocation(t *testing.T) {
	e := newEnv(t)
	id := e.addScript(models.ImageRef{Index: 0}, models.ImageRef{Index: 1, Dialogue: "Nevermore"})

	_, err := e.c.CreateVideo(context.Background(), id)
	assert.ErrorIs(t, err, ErrNoValidSegments)
	assert.Empty(t, e.enc.specs)
}

func TestCreateVideo_ReferenceOutsidePublicDirIsSkipped(t *testing.T) {
	e := newEnv(t)
	id := e.addScript(
		models.ImageRef{Index: 0, ImageURL: "../../etc/passwd"},
		models.ImageRef{Index: 1, ImageURL: e.asset(t, "/images/1.png", 10)},
	)

	res, err := e.c.CreateVideo(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SegmentCount)
	assert.Equal(t, 1, res.SkippedCount)
}

func TestCreateVideo_ConcatFailure(t *testing.T) {
	e := newEnv(t)
	e.enc.concatErr = errors.New("Invalid data found when processing input")
	id := e.addScript(models.ImageRef{Index: 0, ImageURL: e.asset(t, "/images/0.png", 10)})

	_, err := e.c.CreateVideo(context.Background(), id)
	assert.ErrorIs(t, err, ErrConcatenation)
	assert.Empty(t, e.store.attached)
	e.assertScratchEmpty(t)
}

func TestCreateVideo_AttachFailureIsFatal(t *testing.T) {
	e := newEnv(t)
	e.store.attachErr = errors.New("connection refused")
	id := e.addScript(models.ImageRef{Index: 0, ImageURL: e.asset(t, "/images/0.png", 10)})

	_, err := e.c.CreateVideo(context.Background(), id)
	require.Error(t, err)
	assert.Empty(t, e.audit.records)
}

func TestCreateVideo_AuditFailureIsTolerated(t *testing.T) {
	e := newEnv(t)
	e.audit.err = errors.New("connection refused")
	id := e.addScript(models.ImageRef{Index: 0, ImageURL: e.asset(t, "/images/0.png", 10)})

	res, err := e.c.CreateVideo(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, *res, e.store.attached[id])
}

func TestCreateVideo_UntitledScript(t *testing.T) {
	e := newEnv(t)
	id := e.addScript(models.ImageRef{Index: 0, ImageURL: e.asset(t, "/images/0.png", 10)})
	e.store.scripts[id].Topic = ""

	_, err := e.c.CreateVideo(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, e.audit.records, 1)
	assert.Equal(t, "Untitled Video", e.audit.records[0].Title)
}

func TestCreateVideo_RejectsConcurrentRunForSameScript(t *testing.T) {
	e := newEnv(t)
	id := e.addScript(models.ImageRef{Index: 0, ImageURL: e.asset(t, "/images/0.png", 10)})

	unlock, err := e.locker.TryLock(context.Background(), id.String())
	require.NoError(t, err)

	_, err = e.c.CreateVideo(context.Background(), id)
	assert.ErrorIs(t, err, ErrRenderInProgress)
	assert.Empty(t, e.enc.specs)

	unlock()
	_, err = e.c.CreateVideo(context.Background(), id)
	assert.NoError(t, err)
}

func TestCreateVideo_CancelStopsNewBuilds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := newEnv(t)
	e.enc.hook = func(name string) {
		if name == "segment_0.mp4" {
			cancel()
		}
	}
	id := e.addScript(
		models.ImageRef{Index: 0, ImageURL: e.asset(t, "/images/0.png", 10)},
		models.ImageRef{Index: 1, ImageURL: e.asset(t, "/images/1.png", 10)},
		models.ImageRef{Index: 2, ImageURL: e.asset(t, "/images/2.png", 10)},
	)

	_, err := e.c.CreateVideo(ctx, id)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, e.enc.specs, 1)
	assert.Empty(t, e.enc.manifest)
	assert.Empty(t, e.store.attached)
	e.assertScratchEmpty(t)
}

func TestCreateVideo_PublishesToObjectStore(t *testing.T) {
	pub := &fakePublisher{}
	e := newEnv(t, func(_ *Config, d *Deps) { d.Publisher = pub })
	id := e.addScript(models.ImageRef{Index: 0, ImageURL: e.asset(t, "/images/0.png", 10)})

	res, err := e.c.CreateVideo(context.Background(), id)
	require.NoError(t, err)

	require.Len(t, pub.keys, 2)
	assert.True(t, strings.HasPrefix(res.URL, "https://cdn.example.com/videos/"))
	assert.True(t, strings.HasSuffix(res.ThumbnailURL, ".jpg"))
	assert.Equal(t, res.URL, e.audit.records[0].VideoURL)
}

func TestCreateVideo_PublishFailureKeepsLocalURL(t *testing.T) {
	pub := &fakePublisher{err: errors.New("bucket unavailable")}
	e := newEnv(t, func(_ *Config, d *Deps) { d.Publisher = pub })
	id := e.addScript(models.ImageRef{Index: 0, ImageURL: e.asset(t, "/images/0.png", 10)})

	res, err := e.c.CreateVideo(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.URL, "/videos/"))
}

func TestCreateVideo_ThumbnailFailureIsTolerated(t *testing.T) {
	e := newEnv(t, func(_ *Config, d *Deps) {
		d.Thumbnail = func(string, string, int, int) error { return errors.New("decode failed") }
	})
	id := e.addScript(models.ImageRef{Index: 0, ImageURL: e.asset(t, "/images/0.png", 10)})

	res, err := e.c.CreateVideo(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, res.ThumbnailURL)
}

func TestListVideos(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 3; i++ {
		e.audit.records = append(e.audit.records, models.VideoRecord{Title: fmt.Sprintf("v%d", i)})
	}

	videos, total, err := e.c.ListVideos(context.Background(), 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, videos, 2)
	assert.Equal(t, "v1", videos[0].Title)
}

func TestNewCoordinator_Validation(t *testing.T) {
	_, err := NewCoordinator(Config{SilentDuration: 5}, Deps{}, zap.NewNop())
	assert.Error(t, err)
}
