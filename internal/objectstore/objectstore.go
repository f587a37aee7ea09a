// Package objectstore stores job inputs and results in a hot object store.
// Two adapters are provided: AWS S3 (and S3-compatible endpoints) and MinIO.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/annoflow/internal/config"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("object not found")

// Store is a bucket/key addressed object store.
type Store interface {
	// Put writes body under key. size may be -1 when unknown.
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64) error
	// Get opens the object for reading. The caller closes the reader.
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, bucket, key string) error
}

// New creates the adapter selected by cfg.Provider.
func New(ctx context.Context, cfg config.ObjectStoreConfig, region string) (Store, error) {
	switch cfg.Provider {
	case "s3":
		return NewS3Adapter(ctx, cfg.AccessKey, cfg.SecretKey, region, cfg.Endpoint)
	case "minio":
		return NewMinioAdapter(cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, cfg.UseSSL)
	default:
		return nil, fmt.Errorf("unsupported object store provider: %s", cfg.Provider)
	}
}

// ReadAll reads a whole object into memory.
func ReadAll(ctx context.Context, s Store, bucket, key string) ([]byte, error) {
	rc, err := s.Get(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return b, nil
}

// LocalName is the working-directory file name for a job's input.
func LocalName(jobID uuid.UUID, inputFileName string) string {
	return jobID.String() + "~" + inputFileName
}

// ResultKey returns the deterministic result key
// <prefix><user_id>/<job_id>~<stem>.annot.vcf.
func ResultKey(prefix, userID string, jobID uuid.UUID, inputFileName string) string {
	return prefix + userID + "/" + jobID.String() + "~" + stem(inputFileName) + ".annot.vcf"
}

// LogKey returns the deterministic log key
// <prefix><user_id>/<job_id>~<stem>.vcf.count.log.
func LogKey(prefix, userID string, jobID uuid.UUID, inputFileName string) string {
	return prefix + userID + "/" + jobID.String() + "~" + stem(inputFileName) + ".vcf.count.log"
}

// ResultFileName and LogFileName are the names the annotator writes next to the input.
func ResultFileName(jobID uuid.UUID, inputFileName string) string {
	return path.Base(ResultKey("", "", jobID, inputFileName))
}

func LogFileName(jobID uuid.UUID, inputFileName string) string {
	return path.Base(LogKey("", "", jobID, inputFileName))
}

func stem(name string) string {
	name = path.Base(name)
	return strings.TrimSuffix(name, ".vcf")
}

func contentType(key string) string {
	switch path.Ext(key) {
	case ".vcf":
		return "text/x-vcf"
	case ".log":
		return "text/plain"
	}
	return "application/octet-stream"
}
