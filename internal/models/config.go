package models

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	ServerAddr    string `yaml:"server_addr"`
	DatabaseURL   string `yaml:"database_url"`
	MigrationsDir string `yaml:"migrations_dir"`
	KafkaBroker   string `yaml:"kafka_broker"`
	KafkaTopic    string `yaml:"kafka_topic"`
	KafkaGroupID  string `yaml:"kafka_group_id"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	StoragePath   string `yaml:"storage_path"` // public dir served to the frontend
	ScratchPath   string `yaml:"scratch_path"`
	WatermarkText string `yaml:"watermark_text"`

	Render      RenderConfig      `yaml:"render"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Log         LogConfig         `yaml:"log"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Sweeper     SweeperConfig     `yaml:"sweeper"`
}

type RenderConfig struct {
	Width           int           `yaml:"width"`
	Height          int           `yaml:"height"`
	FPS             int           `yaml:"fps"`
	SilentDuration  float64       `yaml:"silent_duration_seconds"`
	ProbeFallback   float64       `yaml:"probe_fallback_seconds"`
	WithAudio       *bool         `yaml:"with_audio"`
	Captions        bool          `yaml:"captions"`
	SegmentWorkers  int           `yaml:"segment_workers"`
	CleanupDelay    time.Duration `yaml:"cleanup_delay"`
	LockTTL         time.Duration `yaml:"lock_ttl"`
	ProbeCacheSize  int           `yaml:"probe_cache_size"`
	ThumbnailWidth  int           `yaml:"thumbnail_width"`
	ThumbnailHeight int           `yaml:"thumbnail_height"`
	FFmpegPath      string        `yaml:"ffmpeg_path"`
	FFprobePath     string        `yaml:"ffprobe_path"`
}

type ObjectStoreConfig struct {
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	Bucket     string `yaml:"bucket"`
	UseSSL     bool   `yaml:"use_ssl"`
	PublicBase string `yaml:"public_base"`
}

// Enabled reports whether finished videos should be published to object storage.
func (o ObjectStoreConfig) Enabled() bool {
	return o.Endpoint != "" && o.Bucket != ""
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json | console
	Filename   string `yaml:"filename"`
	MaxSize    int    `yaml:"max_size_mb"`
	MaxAge     int    `yaml:"max_age_days"`
	MaxBackups int    `yaml:"max_backups"`
}

type RateLimitConfig struct {
	Rate string `yaml:"rate"` // limiter format, e.g. "20-M"
}

type SweeperConfig struct {
	Schedule string        `yaml:"schedule"`
	MaxAge   time.Duration `yaml:"max_age"`
}

// AudioEnabled reports whether narration audio should be muxed into segments.
func (r RenderConfig) AudioEnabled() bool {
	return r.WithAudio == nil || *r.WithAudio
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("models.LoadConfig: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	setString(&c.ServerAddr, ":8080")
	setString(&c.MigrationsDir, "migrations")
	setString(&c.KafkaTopic, "video-render")
	setString(&c.KafkaGroupID, "video-render-group")
	setString(&c.StoragePath, "public")
	if c.ScratchPath == "" {
		c.ScratchPath = c.StoragePath + "/temp"
	}

	r := &c.Render
	setInt(&r.Width, 1920)
	setInt(&r.Height, 1080)
	setInt(&r.FPS, 30)
	setFloat(&r.SilentDuration, 5)
	setFloat(&r.ProbeFallback, 5)
	setInt(&r.SegmentWorkers, 1)
	setDuration(&r.CleanupDelay, 5*time.Second)
	setDuration(&r.LockTTL, 30*time.Minute)
	setInt(&r.ProbeCacheSize, 512)
	setInt(&r.ThumbnailWidth, 480)
	setInt(&r.ThumbnailHeight, 270)
	setString(&r.FFmpegPath, "ffmpeg")
	setString(&r.FFprobePath, "ffprobe")

	setString(&c.Log.Level, "info")
	setString(&c.Log.Format, "json")
	setInt(&c.Log.MaxSize, 100)
	setInt(&c.Log.MaxAge, 7)
	setInt(&c.Log.MaxBackups, 5)

	setString(&c.RateLimit.Rate, "20-M")
	setString(&c.Sweeper.Schedule, "@every 30m")
	setDuration(&c.Sweeper.MaxAge, 6*time.Hour)
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func setInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func setFloat(v *float64, def float64) {
	if *v <= 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v <= 0 {
		*v = def
	}
}
