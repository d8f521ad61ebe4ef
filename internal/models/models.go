// internal/models/models.go
package models

import (
	"time"

	"github.com/google/uuid"
)

type Script struct {
	ID        uuid.UUID    `json:"id" db:"id"`
	Topic     string       `json:"topic" db:"topic"`
	Content   string       `json:"content" db:"content"`
	Voice     *VoiceConfig `json:"voice,omitempty" db:"voice"`
	Images    []ImageRef   `json:"images"`
	Video     *VideoResult `json:"video,omitempty"`
	CreatedAt time.Time    `json:"createdAt" db:"created_at"`
}

// VoiceConfig is carried for the narration service; the pipeline never reads it.
type VoiceConfig struct {
	VoiceID    string  `json:"voiceId,omitempty"`
	Language   string  `json:"language,omitempty"`
	Style      string  `json:"style,omitempty"`
	SpeedRatio float64 `json:"speedRatio,omitempty"`
}

// ImageRef is one illustration slot of a script. Index defines playback order.
type ImageRef struct {
	Index    int    `json:"index" db:"idx"`
	ImageURL string `json:"imageUrl" db:"image_url"`
	Dialogue string `json:"dialogue,omitempty" db:"dialogue"`
	AudioURL string `json:"audioUrl,omitempty" db:"audio_url"`
}

// Segment is the transient clip built from exactly one ImageRef.
type Segment struct {
	Index     int
	FramePath string
	AudioPath string // empty for silent segments
	Duration  float64
	Path      string
}

type VideoResult struct {
	URL          string    `json:"url" db:"video_url"`
	ThumbnailURL string    `json:"thumbnailUrl,omitempty" db:"video_thumbnail_url"`
	Duration     int       `json:"duration" db:"video_duration"`
	SegmentCount int       `json:"segmentCount"`
	SkippedCount int       `json:"skippedCount"`
	CreatedAt    time.Time `json:"createdAt" db:"video_created_at"`
}

// VideoRecord is a row of the videos audit log.
type VideoRecord struct {
	ID           uuid.UUID `json:"id" db:"id"`
	ScriptID     uuid.UUID `json:"scriptId" db:"script_id"`
	Topic        string    `json:"topic,omitempty"`
	VideoURL     string    `json:"videoUrl" db:"video_url"`
	Title        string    `json:"title" db:"title"`
	Duration     int       `json:"duration" db:"duration"`
	SegmentCount int       `json:"segmentCount" db:"segment_count"`
	SkippedCount int       `json:"skippedCount" db:"skipped_count"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
}
