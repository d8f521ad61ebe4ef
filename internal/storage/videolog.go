package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"litshorts/internal/models"
)

// VideoLog is the append-only audit trail of rendered videos. Rows outlive
// the script they were rendered from.
type VideoLog struct {
	db *sql.DB
}

func NewVideoLog(db *sql.DB) *VideoLog {
	return &VideoLog{db: db}
}

func (l *VideoLog) RecordVideo(ctx context.Context, rec *models.VideoRecord) error {
	const op = "storage.RecordVideo"

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO videos (id, script_id, video_url, title, duration, segment_count, skipped_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.ScriptID, rec.VideoURL, rec.Title, rec.Duration, rec.SegmentCount, rec.SkippedCount, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ListVideos returns audit rows newest first, joined with the script topic
// when the script still exists.
func (l *VideoLog) ListVideos(ctx context.Context, limit, offset int) ([]models.VideoRecord, error) {
	const op = "storage.ListVideos"

	rows, err := l.db.QueryContext(ctx,
		`SELECT v.id, v.script_id, COALESCE(s.topic, ''), v.video_url, v.title, v.duration,
		 v.segment_count, v.skipped_count, v.created_at
		 FROM videos v LEFT JOIN scripts s ON s.id = v.script_id
		 ORDER BY v.created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	videos := make([]models.VideoRecord, 0, limit)
	for rows.Next() {
		var v models.VideoRecord
		if err := rows.Scan(&v.ID, &v.ScriptID, &v.Topic, &v.VideoURL, &v.Title, &v.Duration,
			&v.SegmentCount, &v.SkippedCount, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		videos = append(videos, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return videos, nil
}

func (l *VideoLog) CountVideos(ctx context.Context) (int, error) {
	const op = "storage.CountVideos"

	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM videos`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}
