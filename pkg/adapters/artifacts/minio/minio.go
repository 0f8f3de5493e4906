// Package minio implements the diagnostic artifact store on
// S3-compatible object storage.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/materlab/kiln/pkg/ports"
)

// Config holds the object store connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	Bucket    string
}

// Validate checks required connection settings.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("artifact store endpoint is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return fmt.Errorf("artifact store credentials are required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("artifact store bucket is required")
	}
	return nil
}

// Store implements ports.ArtifactStore on a single bucket.
type Store struct {
	client *minio.Client
	bucket string
}

// NewStore connects to the object store.
func NewStore(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("connect artifact store: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket if it does not exist. Called once at
// startup.
func (s *Store) EnsureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check artifact bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create artifact bucket %s: %w", s.bucket, err)
	}
	return nil
}

// PutDiagnostic archives the diagnostic text for one attempt.
func (s *Store) PutDiagnostic(ctx context.Context, materialID, stageLabel string, attempt int, data []byte) (string, error) {
	key := objectKey(materialID, stageLabel, attempt)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "text/plain"})
	if err != nil {
		return "", fmt.Errorf("put diagnostic %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// FetchDiagnostic retrieves the diagnostic text for one attempt.
func (s *Store) FetchDiagnostic(ctx context.Context, materialID, stageLabel string, attempt int) ([]byte, error) {
	key := objectKey(materialID, stageLabel, attempt)
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get diagnostic %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ports.ErrNotFound
		}
		return nil, fmt.Errorf("read diagnostic %s: %w", key, err)
	}
	return data, nil
}

func objectKey(materialID, stageLabel string, attempt int) string {
	return fmt.Sprintf("%s/%s/attempt-%d.log", materialID, stageLabel, attempt)
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
