package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

// objectPrefix namespaces ciphertext objects inside the bucket.
const objectPrefix = "files/"

// MinioStore persists ciphertext in a MinIO / S3-compatible bucket.
// Transient failures are retried with exponential backoff; the object is
// opaque to the bucket (ciphertext plus stream framing).
type MinioStore struct {
	client *minio.Client
	bucket string
	log    zerolog.Logger

	maxRetryTime time.Duration
}

// MinioConfig carries the connection settings for a MinIO-backed store.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
}

// NewMinioStore connects to the bucket and verifies it exists.
func NewMinioStore(ctx context.Context, cfg MinioConfig, log zerolog.Logger) (*MinioStore, error) {
	if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Bucket == "" {
		return nil, errors.New("minio configuration incomplete")
	}

	endpoint, secure, err := normaliseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, err
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		log.Info().Str("bucket", cfg.Bucket).Msg("created bucket")
	}

	return &MinioStore{
		client:       client,
		bucket:       cfg.Bucket,
		log:          log,
		maxRetryTime: 15 * time.Second,
	}, nil
}

// normaliseEndpoint accepts either "minio:9000" or a URL form with scheme.
func normaliseEndpoint(raw string) (endpoint string, secure bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("empty endpoint")
	}

	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, err
		}
		if u.Host == "" {
			return "", false, fmt.Errorf("invalid endpoint")
		}
		if u.Path != "" && u.Path != "/" {
			return "", false, fmt.Errorf("endpoint must not contain a path")
		}
		secure = (u.Scheme == "https")
		return u.Host, secure, nil
	}

	// No scheme provided, treat as host:port (insecure by default for local MinIO).
	return raw, false, nil
}

func (s *MinioStore) Put(ctx context.Context, ref string, r io.Reader, size int64) error {
	// Uploads stream straight from the cipher pipeline, so the reader is
	// not replayable and Put itself cannot retry. The caller reports the
	// failure and the orphan sweep reclaims any partial object.
	_, err := s.client.PutObject(ctx, s.bucket, objectKey(ref), r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return &StorageError{Op: "put", Ref: ref, Err: err}
	}
	return nil
}

func (s *MinioStore) Get(ctx context.Context, ref string) (io.ReadCloser, error) {
	var obj *minio.Object
	op := func() error {
		o, err := s.client.GetObject(ctx, s.bucket, objectKey(ref), minio.GetObjectOptions{})
		if err != nil {
			return err
		}
		// GetObject is lazy; Stat forces the first round trip so missing
		// objects and auth failures surface here, not mid-stream.
		if _, err := o.Stat(); err != nil {
			_ = o.Close()
			return err
		}
		obj = o
		return nil
	}

	if err := s.retry(ctx, op); err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, &StorageError{Op: "get", Ref: ref, Err: err}
	}
	return obj, nil
}

func (s *MinioStore) Delete(ctx context.Context, ref string) error {
	op := func() error {
		err := s.client.RemoveObject(ctx, s.bucket, objectKey(ref), minio.RemoveObjectOptions{})
		if isNoSuchKey(err) {
			return nil
		}
		return err
	}
	if err := s.retry(ctx, op); err != nil {
		return &StorageError{Op: "delete", Ref: ref, Err: err}
	}
	return nil
}

func (s *MinioStore) List(ctx context.Context) ([]Info, error) {
	var infos []Info
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    objectPrefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, &StorageError{Op: "list", Err: obj.Err}
		}
		infos = append(infos, Info{
			Ref:     strings.TrimPrefix(obj.Key, objectPrefix),
			Size:    obj.Size,
			ModTime: obj.LastModified,
		})
	}
	return infos, nil
}

// Healthy reports whether the bucket is reachable. Used by the health
// endpoints.
func (s *MinioStore) Healthy(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}

func (s *MinioStore) retry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(s.maxRetryTime),
	), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isNoSuchKey(err) {
			// Missing objects are a definitive answer, not a transient fault.
			return backoff.Permanent(err)
		}
		s.log.Warn().Err(err).Msg("blob operation failed, retrying")
		return err
	}, policy)
}

func objectKey(ref string) string { return objectPrefix + ref }

func isNoSuchKey(err error) bool {
	if err == nil {
		return false
	}
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket"
}
