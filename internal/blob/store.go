// Package blob provides object storage for audio attachments, backed by
// MinIO or any S3-compatible endpoint. The collaboration subsystem treats
// it as opaque: it only ever sees the returned public URLs.
package blob

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"resonote/api/internal/util"
)

type Store struct {
	client    *minio.Client
	endpoint  string
	useSSL    bool
	publicURL string
}

// New connects to the object store. publicURL, when set, overrides the
// endpoint in returned URLs (for CDN or reverse-proxy setups).
func New(endpoint, accessKey, secretKey string, useSSL bool, publicURL string) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
	}
	return &Store{
		client:    client,
		endpoint:  endpoint,
		useSSL:    useSSL,
		publicURL: strings.TrimRight(publicURL, "/"),
	}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return nil
}

// Upload stores the file under a random name below dir, preserving the
// original extension, and returns its public URL.
func (s *Store) Upload(ctx context.Context, bucket, dir, filename string, reader io.Reader, size int64, contentType string) (string, error) {
	ext := path.Ext(filename)
	objectName := path.Join(dir, util.NewID("")+ext)

	_, err := s.client.PutObject(ctx, bucket, objectName, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", objectName, err)
	}
	return s.objectURL(bucket, objectName), nil
}

func (s *Store) Delete(ctx context.Context, bucket, objectName string) error {
	if err := s.client.RemoveObject(ctx, bucket, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s: %w", objectName, err)
	}
	return nil
}

// List returns object names under prefix.
func (s *Store) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	names := make([]string, 0)
	for object := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, object.Err)
		}
		names = append(names, object.Key)
	}
	return names, nil
}

func (s *Store) objectURL(bucket, objectName string) string {
	if s.publicURL != "" {
		return s.publicURL + "/" + bucket + "/" + objectName
	}
	scheme := "http"
	if s.useSSL {
		scheme = "https"
	}
	return scheme + "://" + s.endpoint + "/" + bucket + "/" + objectName
}
