package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hxnx/calmstream/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var (
	ErrNoBaseURL     = errors.New("storage base url is not configured")
	ErrMissingObject = errors.New("bucket and key are required")
)

const defaultPresignExpiry = 15 * time.Minute

// PublicLocator builds plain object URLs under a public base, one path
// segment per bucket and key component.
type PublicLocator struct {
	base string
}

func NewPublicLocator(base string) *PublicLocator {
	return &PublicLocator{base: strings.TrimRight(base, "/")}
}

func (l *PublicLocator) Locate(_ context.Context, bucket, key string) (string, error) {
	if l.base == "" {
		return "", ErrNoBaseURL
	}
	if bucket == "" || key == "" {
		return "", ErrMissingObject
	}
	return l.base + "/" + url.PathEscape(bucket) + "/" + escapeKey(key), nil
}

func escapeKey(key string) string {
	parts := strings.Split(strings.TrimLeft(key, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// MinioLocator hands out presigned GET URLs so the decoder can fetch
// private objects without credentials of its own.
type MinioLocator struct {
	client *minio.Client
	expiry time.Duration
}

func NewMinioLocator(cfg *config.MinioConfig) (*MinioLocator, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = defaultPresignExpiry
	}
	return &MinioLocator{client: client, expiry: expiry}, nil
}

func (l *MinioLocator) Locate(ctx context.Context, bucket, key string) (string, error) {
	if bucket == "" || key == "" {
		return "", ErrMissingObject
	}
	u, err := l.client.PresignedGetObject(ctx, bucket, strings.TrimLeft(key, "/"), l.expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("failed to presign %s/%s: %w", bucket, key, err)
	}
	return u.String(), nil
}

// BucketExists is used by the probe command to tell a missing bucket from
// a missing object.
func (l *MinioLocator) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return l.client.BucketExists(ctx, bucket)
}
