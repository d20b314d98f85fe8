package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/yourorg/fswap/internal/config"
)

// outputKeyPrefix namespaces every swap result uploaded by cmd/taskworker,
// separating finished deliverables from the subject/reference keys a task
// request supplies (those live wherever the submitting client staged
// them and are read-only to this process).
const outputKeyPrefix = "outputs/"

// OutputKey builds the object key a finished swap_video/swap_image task's
// result is uploaded under: one deliverable per task ID, extension
// preserved so the client can tell a video result from a still image one.
func OutputKey(taskID, outputExt string) string {
	if !strings.HasPrefix(outputExt, ".") {
		outputExt = "." + outputExt
	}
	return outputKeyPrefix + taskID + outputExt
}

// contentTypeForExt maps a file extension to the MIME type MinIO serves
// the object back with, falling back to a generic binary type for any
// extension ONNX inputs/outputs use that the stdlib table doesn't know
// (notably none of the four model-input extensions here are exotic, but
// callers may stage arbitrary reference-photo formats).
func contentTypeForExt(ext string) string {
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// BlobStore wraps a MinIO client narrowed to the subset cmd/taskworker
// needs: subject media, reference/identity photos, and swap output, all
// addressed by object key. The in-process task.Facade never imports
// this — it writes output files to local disk instead.
type BlobStore struct {
	client *minio.Client
	bucket string
}

// NewBlobStore connects to the configured MinIO endpoint.
func NewBlobStore(cfg config.MinIOConfig) (*BlobStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &BlobStore{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the configured bucket if it doesn't exist.
func (s *BlobStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
	}
	return nil
}

// put uploads data under key with an explicit content type; unexported
// since every caller outside this file goes through a domain helper
// below that derives both the key and the content type itself, rather
// than hand-assembling object keys in cmd/taskworker.
func (s *BlobStore) put(ctx context.Context, key string, data []byte, contentType string) error {
	reader := bytes.NewReader(data)
	_, err := s.client.PutObject(ctx, s.bucket, key, reader, int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// PutOutput uploads a finished swap task's result under its OutputKey,
// inferring the content type from outputExt (".mp4" -> video/mp4, image
// extensions -> their matching image/* type).
func (s *BlobStore) PutOutput(ctx context.Context, taskID, outputExt string, data []byte) error {
	return s.put(ctx, OutputKey(taskID, outputExt), data, contentTypeForExt(outputExt))
}

// GetSubject fetches a task's subject media (video or image) by the key
// the submitting client staged it under.
func (s *BlobStore) GetSubject(ctx context.Context, key string) ([]byte, error) {
	return s.get(ctx, key)
}

// GetReference fetches a reference/identity photo by key, the same
// lookup path as GetSubject but named separately so call sites read as
// the domain operation they perform rather than a generic blob fetch.
func (s *BlobStore) GetReference(ctx context.Context, key string) ([]byte, error) {
	return s.get(ctx, key)
}

func (s *BlobStore) get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

// DeleteOutput removes a task's uploaded result, e.g. after a client
// confirms delivery or a retention sweep expires it.
func (s *BlobStore) DeleteOutput(ctx context.Context, taskID, outputExt string) error {
	return s.client.RemoveObject(ctx, s.bucket, OutputKey(taskID, outputExt), minio.RemoveObjectOptions{})
}

// Ping checks MinIO connectivity.
func (s *BlobStore) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}
