package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Every segment is encoded with the same parameters so the concat step can
// stream-copy them.
const (
	videoCodec   = "libx264"
	pixelFormat  = "yuv420p"
	audioCodec   = "aac"
	audioBitrate = "192k"
	audioRate    = "44100"
	audioLayout  = "stereo"
)

type SegmentSpec struct {
	FramePath  string
	AudioPath  string // empty means a silent track is synthesised
	Duration   float64
	OutputPath string
}

// FFmpeg encodes still-image segments and joins them.
type FFmpeg struct {
	bin string
	fps int
	run Runner
	log *zap.Logger
}

func NewFFmpeg(bin string, fps int, log *zap.Logger) *FFmpeg {
	return &FFmpeg{bin: bin, fps: fps, run: execRunner, log: log.Named("ffmpeg")}
}

// WithRunner swaps the process runner; used by tests.
func (f *FFmpeg) WithRunner(r Runner) *FFmpeg {
	f.run = r
	return f
}

// SegmentArgs returns the ffmpeg arguments for one still-image segment.
func (f *FFmpeg) SegmentArgs(spec SegmentSpec) []string {
	fps := strconv.Itoa(f.fps)
	args := []string{"-y",
		"-loop", "1",
		"-framerate", fps,
		"-i", spec.FramePath,
	}
	if spec.AudioPath != "" {
		args = append(args, "-i", spec.AudioPath)
	} else {
		args = append(args, "-f", "lavfi", "-i", "anullsrc=r="+audioRate+":cl="+audioLayout)
	}
	return append(args,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-t", formatSeconds(spec.Duration),
		"-c:v", videoCodec,
		"-tune", "stillimage",
		"-pix_fmt", pixelFormat,
		"-r", fps,
		"-c:a", audioCodec,
		"-b:a", audioBitrate,
		"-ar", audioRate,
		"-ac", "2",
		"-shortest",
		spec.OutputPath,
	)
}

// BuildSegment encodes one segment. A started encode is not interrupted by
// ctx cancellation so that no half-written file or orphaned process remains.
func (f *FFmpeg) BuildSegment(ctx context.Context, spec SegmentSpec) error {
	const op = "media.BuildSegment"

	if spec.Duration <= 0 {
		return fmt.Errorf("%s: non-positive duration %v", op, spec.Duration)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	out, err := f.run(context.WithoutCancel(ctx), f.bin, f.SegmentArgs(spec)...)
	if err != nil {
		return fmt.Errorf("%s: %w: %s", op, err, tail(out))
	}
	return ensureFile(spec.OutputPath)
}

// ConcatArgs returns the stream-copy concat arguments.
func ConcatArgs(manifestPath, outputPath string) []string {
	return []string{"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", manifestPath,
		"-c", "copy",
		"-movflags", "+faststart",
		outputPath,
	}
}

// Concat joins the segments listed in manifestPath into outputPath.
func (f *FFmpeg) Concat(ctx context.Context, manifestPath, outputPath string) error {
	const op = "media.Concat"

	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	f.log.Debug("joining segments", zap.String("manifest", manifestPath), zap.String("output", outputPath))
	out, err := f.run(context.WithoutCancel(ctx), f.bin, ConcatArgs(manifestPath, outputPath)...)
	if err != nil {
		return fmt.Errorf("%s: %w: %s", op, err, tail(out))
	}
	return ensureFile(outputPath)
}

// WriteManifest writes a concat demuxer list with one `file '<path>'` line per
// segment, in the given order.
func WriteManifest(path string, segments []string) error {
	const op = "media.WriteManifest"

	if len(segments) == 0 {
		return fmt.Errorf("%s: no segments", op)
	}
	var b strings.Builder
	for _, s := range segments {
		line, err := ManifestLine(s)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ManifestLine renders one manifest entry with an absolute, forward-slash path.
func ManifestLine(segment string) (string, error) {
	abs, err := filepath.Abs(segment)
	if err != nil {
		return "", err
	}
	p := strings.ReplaceAll(filepath.ToSlash(abs), `\`, "/")
	p = strings.ReplaceAll(p, "'", `'\''`)
	return "file '" + p + "'", nil
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

func ensureFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("output missing: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("output %s is empty", path)
	}
	return nil
}

// tail keeps the end of ffmpeg's output, where the actual error is printed.
func tail(out []byte) string {
	const keep = 512
	s := strings.TrimSpace(string(out))
	if len(s) > keep {
		s = "..." + s[len(s)-keep:]
	}
	return s
}
