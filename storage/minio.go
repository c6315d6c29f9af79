package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/migadu/s3watcher/config"
	"github.com/migadu/s3watcher/logger"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const backendMinio = "minio"

// MinioStore is an object store backed by a minio-go client.
type MinioStore struct {
	Client *minio.Client
}

// NewMinio connects to an S3-compatible endpoint with static credentials.
func NewMinio(cfg config.StorageConfig, region string) (*MinioStore, error) {
	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: !cfg.DisableTLS,
		Region: region,
	}
	if cfg.ForcePathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}

	client, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		logger.Error("Storage: failed to initialize MinIO client", "endpoint", cfg.Endpoint, "error", err)
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	if cfg.Debug {
		client.TraceOn(os.Stdout)
	}
	return &MinioStore{Client: client}, nil
}

// Get reads the whole object into memory.
func (s *MinioStore) Get(ctx context.Context, loc Location) ([]byte, error) {
	start := time.Now()
	data, err := s.get(ctx, loc)
	observe(backendMinio, "GET", start, err)
	if err != nil {
		return nil, wrapErr("get", loc, err)
	}
	return data, nil
}

func (s *MinioStore) get(ctx context.Context, loc Location) ([]byte, error) {
	obj, err := s.Client.GetObject(ctx, loc.Bucket, loc.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

// Copy performs a server-side copy. An existing object at dst is overwritten.
func (s *MinioStore) Copy(ctx context.Context, src, dst Location) error {
	start := time.Now()
	_, err := s.Client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: dst.Bucket, Object: dst.Key},
		minio.CopySrcOptions{Bucket: src.Bucket, Object: src.Key},
	)
	observe(backendMinio, "COPY", start, err)
	if err != nil {
		return wrapErr("copy "+src.String()+" to", dst, err)
	}
	return nil
}

// Delete removes the object. Deleting an object that does not exist succeeds.
func (s *MinioStore) Delete(ctx context.Context, loc Location) error {
	start := time.Now()
	err := s.Client.RemoveObject(ctx, loc.Bucket, loc.Key, minio.RemoveObjectOptions{})
	if err != nil && IsNotFound(err) && errorCode(err) != "NoSuchBucket" {
		logger.Info("Storage: object already gone, skipping deletion", "location", loc.String())
		err = nil
	}
	observe(backendMinio, "DELETE", start, err)
	if err != nil {
		return wrapErr("delete", loc, err)
	}
	return nil
}

// Exists reports whether the object exists.
func (s *MinioStore) Exists(ctx context.Context, loc Location) (bool, error) {
	start := time.Now()
	_, err := s.Client.StatObject(ctx, loc.Bucket, loc.Key, minio.StatObjectOptions{})
	if err != nil && IsNotFound(err) {
		observe(backendMinio, "HEAD", start, nil)
		return false, nil
	}
	observe(backendMinio, "HEAD", start, err)
	if err != nil {
		return false, wrapErr("stat", loc, err)
	}
	return true, nil
}

func (s *MinioStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	start := time.Now()
	ok, err := s.Client.BucketExists(ctx, bucket)
	observe(backendMinio, "HEAD_BUCKET", start, err)
	return ok, err
}
