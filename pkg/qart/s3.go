package qart

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Store keeps artifacts in one MinIO or S3 bucket. Reports and job logs
// live side by side under reports/ and runs/.
type S3Store struct {
	client *minio.Client
	bucket string
	region string
}

type S3Config struct {
	Endpoint  string // host:port, e.g. "minio:9000"
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: creating client for %s: %w", cfg.Endpoint, err)
	}
	return &S3Store{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// EnsureBucket creates the bucket on first use.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("s3: checking bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
	if err != nil && minio.ToErrorResponse(err).Code != "BucketAlreadyOwnedByYou" {
		return fmt.Errorf("s3: creating bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *S3Store) Upload(ctx context.Context, key string, reader io.Reader, contentType string, metadata map[string]string) (*Artifact, error) {
	// A known size lets minio send one PUT instead of a multipart upload.
	size := int64(-1)
	if br, ok := reader.(*bytes.Reader); ok {
		size = int64(br.Len())
	}

	info, err := s.client.PutObject(ctx, s.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: uploading %s: %w", key, err)
	}

	return &Artifact{
		Key:          info.Key,
		Bucket:       info.Bucket,
		Size:         info.Size,
		ContentType:  contentType,
		LastModified: info.LastModified,
		Metadata:     metadata,
	}, nil
}

func (s *S3Store) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("s3: downloading %s: %w", key, err)
	}
	// GetObject is lazy; Stat surfaces a missing key.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("s3: downloading %s: %w", key, err)
	}
	return obj, nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]*Artifact, error) {
	var artifacts []*Artifact
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:       prefix,
		Recursive:    true,
		WithMetadata: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("s3: listing %s: %w", prefix, obj.Err)
		}
		artifacts = append(artifacts, &Artifact{
			Key:          obj.Key,
			Bucket:       s.bucket,
			Size:         obj.Size,
			ContentType:  obj.ContentType,
			LastModified: obj.LastModified,
			Metadata:     obj.UserMetadata,
		})
	}
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Key < artifacts[j].Key })
	return artifacts, nil
}

// Delete is a no-op for missing keys.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("s3: deleting %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes everything a run left behind, e.g. RunArtifactPrefix(id).
func (s *S3Store) DeletePrefix(ctx context.Context, prefix string) error {
	artifacts, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}
	if len(artifacts) == 0 {
		return nil
	}

	objects := make(chan minio.ObjectInfo, len(artifacts))
	for _, a := range artifacts {
		objects <- minio.ObjectInfo{Key: a.Key}
	}
	close(objects)

	for res := range s.client.RemoveObjects(ctx, s.bucket, objects, minio.RemoveObjectsOptions{}) {
		if res.Err != nil {
			return fmt.Errorf("s3: deleting %s: %w", res.ObjectName, res.Err)
		}
	}
	return nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

var _ Store = (*S3Store)(nil)
