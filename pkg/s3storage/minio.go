package s3storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrObjectNotFound is returned when the requested object does not exist.
var ErrObjectNotFound = errors.New("object not found")

// Presigned URLs are valid for at most 7 days.
const (
	minPresignExpiry = time.Second
	maxPresignExpiry = 7 * 24 * time.Hour
)

// MinIOClient wraps the MinIO client for profile photo storage
type MinIOClient struct {
	client     *minio.Client
	bucketName string
}

// NewMinIOClient creates a new MinIO client and ensures bucket exists
func NewMinIOClient(endpoint, accessKey, secretKey, bucketName string, useSSL bool) (*MinIOClient, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	mc := &MinIOClient{
		client:     client,
		bucketName: bucketName,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := mc.ensureBucket(ctx); err != nil {
		return nil, err
	}

	return mc, nil
}

// ensureBucket creates the bucket if it doesn't exist
func (m *MinIOClient) ensureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		err = m.client.MakeBucket(ctx, m.bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

// PresignedPhotoURL returns a time-limited GET URL for a stored photo.
// A missing object yields ErrObjectNotFound rather than a dead link.
func (m *MinIOClient) PresignedPhotoURL(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	if err := validateExpiry(expiry); err != nil {
		return "", err
	}

	if _, err := m.client.StatObject(ctx, m.bucketName, objectName, minio.StatObjectOptions{}); err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("%s: %w", objectName, ErrObjectNotFound)
		}
		return "", fmt.Errorf("failed to get object info: %w", err)
	}

	url, err := m.client.PresignedGetObject(ctx, m.bucketName, objectName, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned url: %w", err)
	}
	return url.String(), nil
}

// Healthy reports whether the bucket is reachable.
func (m *MinIOClient) Healthy(ctx context.Context) error {
	if _, err := m.client.BucketExists(ctx, m.bucketName); err != nil {
		return fmt.Errorf("minio unreachable: %w", err)
	}
	return nil
}

func validateExpiry(expiry time.Duration) error {
	if expiry < minPresignExpiry || expiry > maxPresignExpiry {
		return fmt.Errorf("presign expiry %s out of range [%s, %s]", expiry, minPresignExpiry, maxPresignExpiry)
	}
	return nil
}

func isNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject":
		return true
	}
	return false
}
