// Package s3 keeps archived transcripts in an S3-compatible bucket through
// minio-go.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/sqlagent/sqlagent/internal/storage"
)

type Config struct {
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

// upload is one object write as handed to the bucket client.
type upload struct {
	Key         string
	Body        io.Reader
	Size        int64
	ContentType string
	Metadata    map[string]string
}

type bucketClient interface {
	PutObject(ctx context.Context, bucket string, u upload) (storage.ObjectInfo, error)
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	RemoveObject(ctx context.Context, bucket, key string) error
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket, region string) error
}

type Store struct {
	client bucketClient
	bucket string
	prefix string
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("archive endpoint is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	endpoint, secure, err := parseEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: strings.TrimSpace(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("create archive client: %w", err)
	}

	store := &Store{client: minioBucket{mc}, bucket: bucket, prefix: cleanPrefix(cfg.Prefix)}
	if cfg.AutoCreateBucket {
		if err := store.ensureBucket(ctx, strings.TrimSpace(cfg.Region)); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// NewWithClient builds a Store over an existing bucket client.
func NewWithClient(bucket, prefix string, c bucketClient) (*Store, error) {
	if c == nil {
		return nil, fmt.Errorf("bucket client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	return &Store{client: c, bucket: bucket, prefix: cleanPrefix(prefix)}, nil
}

func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	info, err := s.client.PutObject(ctx, s.bucket, upload{
		Key:         objectKey,
		Body:        body,
		Size:        size,
		ContentType: contentType,
		Metadata:    lowerKeys(opts.Metadata),
	})
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("upload %s/%s: %w", s.bucket, objectKey, err)
	}
	if info.Key == "" {
		info.Key = objectKey
	}
	return info, nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	body, err := s.client.GetObject(ctx, s.bucket, objectKey)
	switch {
	case errors.Is(err, storage.ErrObjectNotFound):
		return nil, storage.ErrObjectNotFound
	case err != nil:
		return nil, fmt.Errorf("download %s/%s: %w", s.bucket, objectKey, err)
	}
	return body, nil
}

// Delete removes an object. A missing object is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return err
	}
	err = s.client.RemoveObject(ctx, s.bucket, objectKey)
	if err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		return fmt.Errorf("remove %s/%s: %w", s.bucket, objectKey, err)
	}
	return nil
}

// Ping fails when the archive bucket is missing or the endpoint is down.
func (s *Store) Ping(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check archive bucket %q: %w", s.bucket, err)
	}
	if !exists {
		return fmt.Errorf("archive bucket %q does not exist", s.bucket)
	}
	return nil
}

func (s *Store) ensureBucket(ctx context.Context, region string) error {
	if err := s.Ping(ctx); err == nil {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, region); err != nil {
		return fmt.Errorf("create archive bucket %q: %w", s.bucket, err)
	}
	return nil
}

// objectKey joins the configured prefix with a relative key and refuses keys
// that escape it.
func (s *Store) objectKey(key string) (string, error) {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	if trimmed == "" {
		return "", fmt.Errorf("object key is required")
	}
	cleaned := path.Clean(trimmed)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("object key %q escapes the archive prefix", key)
	}
	return path.Join(s.prefix, cleaned), nil
}

func cleanPrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return ""
	}
	if cleaned := path.Clean(prefix); cleaned != "." {
		return cleaned
	}
	return ""
}

func lowerKeys(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToLower(k)] = v
	}
	return out
}

// parseEndpoint accepts either host:port or a full URL. An https scheme
// forces TLS regardless of useSSL.
func parseEndpoint(raw string, useSSL bool) (string, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("archive endpoint is required")
	}
	if !strings.Contains(raw, "://") {
		return raw, useSSL, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse archive endpoint: %w", err)
	}
	if parsed.Host == "" {
		return "", false, fmt.Errorf("archive endpoint %q has no host", raw)
	}
	switch parsed.Scheme {
	case "https":
		return parsed.Host, true, nil
	case "http":
		return parsed.Host, useSSL, nil
	default:
		return "", false, fmt.Errorf("archive endpoint scheme %q is not supported", parsed.Scheme)
	}
}

type minioBucket struct {
	client *minio.Client
}

func (m minioBucket) PutObject(ctx context.Context, bucket string, u upload) (storage.ObjectInfo, error) {
	info, err := m.client.PutObject(ctx, bucket, u.Key, u.Body, u.Size, minio.PutObjectOptions{
		ContentType:  u.ContentType,
		UserMetadata: u.Metadata,
	})
	if err != nil {
		return storage.ObjectInfo{}, translateErr(err)
	}
	return storage.ObjectInfo{Key: info.Key, Size: info.Size, ETag: info.ETag}, nil
}

func (m minioBucket) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translateErr(err)
	}
	// GetObject is lazy; Stat surfaces a missing key before the caller reads.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, translateErr(err)
	}
	return obj, nil
}

func (m minioBucket) RemoveObject(ctx context.Context, bucket, key string) error {
	return translateErr(m.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}))
}

func (m minioBucket) BucketExists(ctx context.Context, bucket string) (bool, error) {
	exists, err := m.client.BucketExists(ctx, bucket)
	return exists, translateErr(err)
}

func (m minioBucket) MakeBucket(ctx context.Context, bucket, region string) error {
	return translateErr(m.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}))
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return storage.ErrObjectNotFound
	}
	return err
}
