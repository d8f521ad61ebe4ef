// Package media wraps the ffmpeg/ffprobe binaries and the image operations
// used to turn illustrated scripts into video segments.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Runner executes an external binary and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

type probeResult struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Prober measures audio clip durations with ffprobe. It never fails: any
// inspection problem yields the configured fallback duration.
type Prober struct {
	bin      string
	fallback float64
	cache    *lru.Cache[string, float64]
	run      Runner
	log      *zap.Logger
}

func NewProber(bin string, fallback float64, cacheSize int, log *zap.Logger) (*Prober, error) {
	const op = "media.NewProber"

	cache, err := lru.New[string, float64](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Prober{
		bin:      bin,
		fallback: fallback,
		cache:    cache,
		run:      execRunner,
		log:      log.Named("probe"),
	}, nil
}

// WithRunner swaps the process runner; used by tests.
func (p *Prober) WithRunner(r Runner) *Prober {
	p.run = r
	return p
}

func (p *Prober) Fallback() float64 { return p.fallback }

// Probe returns the duration of the audio file at path in seconds.
func (p *Prober) Probe(ctx context.Context, path string) float64 {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		p.log.Warn("audio not probeable, using fallback",
			zap.String("path", path), zap.Float64("fallback", p.fallback), zap.Error(err))
		return p.fallback
	}

	key := fmt.Sprintf("%s|%d|%d", path, info.Size(), info.ModTime().UnixNano())
	if d, ok := p.cache.Get(key); ok {
		return d
	}

	d, err := p.inspect(ctx, path)
	if err != nil {
		p.log.Warn("ffprobe failed, using fallback",
			zap.String("path", path), zap.Float64("fallback", p.fallback), zap.Error(err))
		return p.fallback
	}
	p.cache.Add(key, d)
	return d
}

func (p *Prober) inspect(ctx context.Context, path string) (float64, error) {
	out, err := p.run(ctx, p.bin,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		path,
	)
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	return parseProbeDuration(out)
}

func parseProbeDuration(out []byte) (float64, error) {
	var res probeResult
	if err := json.Unmarshal(out, &res); err != nil {
		return 0, fmt.Errorf("parse ffprobe output: %w", err)
	}
	raw := strings.TrimSpace(res.Format.Duration)
	if raw == "" || raw == "N/A" {
		return 0, fmt.Errorf("no duration in ffprobe output")
	}
	d, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("non-positive duration %v", d)
	}
	return d, nil
}
