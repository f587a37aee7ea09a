package objectstore

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioAdapter implements Store for MinIO.
type MinioAdapter struct {
	client *minio.Client
}

func NewMinioAdapter(endpoint, accessKeyID, secretAccessKey string, useSSL bool) (*MinioAdapter, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create MinIO client: %w", err)
	}
	return &MinioAdapter{client: client}, nil
}

func (a *MinioAdapter) Put(ctx context.Context, bucket, key string, body io.Reader, size int64) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	_, err := a.client.PutObject(ctx, bucket, key, body, size, minio.PutObjectOptions{
		ContentType: contentType(key),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// Get stats the object first; minio's GetObject is lazy and would only
// report a missing key on the first Read.
func (a *MinioAdapter) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if _, err := a.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("stat object %s: %w", key, err)
	}
	obj, err := a.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	return obj, nil
}

func (a *MinioAdapter) Delete(ctx context.Context, bucket, key string) error {
	if err := a.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}
