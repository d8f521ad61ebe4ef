// internal/storage/storage.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"litshorts/internal/models"
)

var ErrNotFound = errors.New("not found")

type Storage struct {
	*VideoLog

	pool *pgxpool.Pool
	db   *sql.DB // migrations and the audit log
}

func NewStorage(ctx context.Context, dsn, migrationsDir string, log *zap.Logger) (*Storage, error) {
	const op = "storage.NewStorage"

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := runMigrations(ctx, db, migrationsDir, log); err != nil {
		db.Close()
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{VideoLog: NewVideoLog(db), pool: pool, db: db}, nil
}

func (s *Storage) Close() {
	s.db.Close()
	s.pool.Close()
}

// withConn acquires a pooled connection for the duration of fn and always
// releases it, whatever fn returns.
func (s *Storage) withConn(ctx context.Context, fn func(conn *pgxpool.Conn) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return fn(conn)
}

func (s *Storage) SaveScript(ctx context.Context, sc *models.Script) error {
	const op = "storage.SaveScript"

	if sc.ID == uuid.Nil {
		sc.ID = uuid.New()
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now().UTC()
	}
	voice, err := encodeVoice(sc.Voice)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	err = s.withConn(ctx, func(conn *pgxpool.Conn) error {
		return pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx,
				`INSERT INTO scripts (id, topic, content, voice, created_at) VALUES ($1, $2, $3, $4, $5)`,
				sc.ID, sc.Topic, sc.Content, voice, sc.CreatedAt); err != nil {
				return err
			}
			for _, img := range sc.Images {
				if _, err := tx.Exec(ctx,
					`INSERT INTO script_images (script_id, idx, image_url, dialogue, audio_url) VALUES ($1, $2, $3, $4, $5)`,
					sc.ID, img.Index, img.ImageURL, img.Dialogue, img.AudioURL); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) GetScript(ctx context.Context, id uuid.UUID) (*models.Script, error) {
	const op = "storage.GetScript"

	var sc models.Script
	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		var (
			voice       []byte
			videoURL    *string
			thumbURL    *string
			duration    *int
			segments    *int
			skipped     *int
			videoCreate *time.Time
		)
		err := conn.QueryRow(ctx,
			`SELECT id, topic, content, voice, video_url, video_thumbnail_url, video_duration,
			 video_segment_count, video_skipped_count, video_created_at, created_at
			 FROM scripts WHERE id = $1`, id).
			Scan(&sc.ID, &sc.Topic, &sc.Content, &voice, &videoURL, &thumbURL, &duration,
				&segments, &skipped, &videoCreate, &sc.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if sc.Voice, err = decodeVoice(voice); err != nil {
			return err
		}
		if videoURL != nil {
			sc.Video = &models.VideoResult{URL: *videoURL}
			if thumbURL != nil {
				sc.Video.ThumbnailURL = *thumbURL
			}
			if duration != nil {
				sc.Video.Duration = *duration
			}
			if segments != nil {
				sc.Video.SegmentCount = *segments
			}
			if skipped != nil {
				sc.Video.SkippedCount = *skipped
			}
			if videoCreate != nil {
				sc.Video.CreatedAt = *videoCreate
			}
		}

		rows, err := conn.Query(ctx,
			`SELECT idx, image_url, dialogue, audio_url FROM script_images WHERE script_id = $1 ORDER BY idx`, id)
		if err != nil {
			return err
		}
		sc.Images, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ImageRef, error) {
			var img models.ImageRef
			err := row.Scan(&img.Index, &img.ImageURL, &img.Dialogue, &img.AudioURL)
			return img, err
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &sc, nil
}

// AddImage appends an image slot after the current last index and returns it.
func (s *Storage) AddImage(ctx context.Context, scriptID uuid.UUID, img models.ImageRef) (*models.ImageRef, error) {
	const op = "storage.AddImage"

	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		var exists bool
		if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM scripts WHERE id = $1)`, scriptID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return conn.QueryRow(ctx,
			`INSERT INTO script_images (script_id, idx, image_url, dialogue, audio_url)
			 SELECT $1, COALESCE(MAX(idx) + 1, 0), $2, $3, $4 FROM script_images WHERE script_id = $1
			 RETURNING idx`,
			scriptID, img.ImageURL, img.Dialogue, img.AudioURL).Scan(&img.Index)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &img, nil
}

func (s *Storage) AttachVideoResult(ctx context.Context, scriptID uuid.UUID, res models.VideoResult) error {
	const op = "storage.AttachVideoResult"

	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx,
			`UPDATE scripts SET video_url = $2, video_thumbnail_url = $3, video_duration = $4,
			 video_segment_count = $5, video_skipped_count = $6, video_created_at = $7 WHERE id = $1`,
			scriptID, res.URL, res.ThumbnailURL, res.Duration, res.SegmentCount, res.SkippedCount, res.CreatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) DeleteScript(ctx context.Context, id uuid.UUID) error {
	const op = "storage.DeleteScript"

	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, `DELETE FROM scripts WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func encodeVoice(v *models.VoiceConfig) (any, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func decodeVoice(raw []byte) (*models.VoiceConfig, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v models.VoiceConfig
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
