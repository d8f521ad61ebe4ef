package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"litshorts/internal/models"
)

// ObjectStore publishes finished videos and posters to an S3-compatible bucket.
type ObjectStore struct {
	cli *minio.Client
	cfg models.ObjectStoreConfig

	mu    sync.Mutex
	ready bool // bucket known to exist
}

func NewObjectStore(cfg models.ObjectStoreConfig) (*ObjectStore, error) {
	const op = "storage.NewObjectStore"

	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &ObjectStore{cli: cli, cfg: cfg}, nil
}

func (o *ObjectStore) ensureBucket(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ready {
		return nil
	}
	exists, err := o.cli.BucketExists(ctx, o.cfg.Bucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := o.cli.MakeBucket(ctx, o.cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return err
		}
	}
	o.ready = true
	return nil
}

// Upload copies the local file at path to key and returns its public URL.
func (o *ObjectStore) Upload(ctx context.Context, key, path, contentType string) (string, error) {
	const op = "storage.Upload"

	if err := o.ensureBucket(ctx); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if _, err := o.cli.FPutObject(ctx, o.cfg.Bucket, key, path, minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return o.PublicURL(key), nil
}

func (o *ObjectStore) PublicURL(key string) string {
	if o.cfg.PublicBase != "" {
		return strings.TrimRight(o.cfg.PublicBase, "/") + "/" + key
	}
	scheme := "http://"
	if o.cfg.UseSSL {
		scheme = "https://"
	}
	return scheme + o.cfg.Endpoint + "/" + o.cfg.Bucket + "/" + key
}
