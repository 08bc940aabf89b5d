package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"durable-job-queue/internal/config"
)

// Sink stores one archive object and returns where it went.
type Sink interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// NewSink builds the sink selected by ARCHIVE_DESTINATION. It returns nil for
// "none".
func NewSink(ctx context.Context, cfg config.Config) (Sink, error) {
	switch cfg.ArchiveDestination {
	case "", "none":
		return nil, nil
	case "local":
		return &LocalSink{BaseDir: cfg.ArchiveDir}, nil
	case "s3":
		if cfg.ArchiveS3Bucket == "" {
			return nil, fmt.Errorf("archive destination s3 requires ARCHIVE_S3_BUCKET")
		}
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &S3Sink{client: client, bucket: cfg.ArchiveS3Bucket}, nil
	default:
		return nil, fmt.Errorf("unknown archive destination %q", cfg.ArchiveDestination)
	}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
		}
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	return key
}

// LocalSink writes archives under BaseDir.
type LocalSink struct {
	BaseDir string
}

func (l *LocalSink) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.BaseDir, filepath.FromSlash(sanitizeKey(key)))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// S3Sink uploads archives to a bucket.
type S3Sink struct {
	client *s3.Client
	bucket string
}

func (s *S3Sink) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
