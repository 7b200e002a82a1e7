package backup

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds connection settings for the S3 backup store. EndpointURL
// supports S3-compatible object stores (MinIO, Backblaze B2).
type S3Config struct {
	Bucket      string
	Region      string
	Prefix      string
	EndpointURL string
	AccessKeyID string
	SecretKey   string
}

// S3Store keeps timestamped tar.gz archives in an object storage bucket.
type S3Store struct {
	client *s3.Client
	cfg    S3Config
	logger *slog.Logger
}

var _ Store = (*S3Store)(nil)

// NewS3Store builds the S3 client and verifies bucket access.
func NewS3Store(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket cannot be empty")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			// S3-compatible stores want path-style URLs.
			o.UsePathStyle = true
		}
	})
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("bucket %s not accessible: %w", cfg.Bucket, err)
	}
	if logger != nil {
		logger.Info("s3 backup store initialized", "bucket", cfg.Bucket, "prefix", cfg.Prefix)
	}
	return &S3Store{client: client, cfg: cfg, logger: logger}, nil
}

// Create archives sourceDir and uploads it, returning the object key.
func (s *S3Store) Create(ctx context.Context, sourceDir string) (string, error) {
	var buf bytes.Buffer
	if err := writeArchive(ctx, &buf, sourceDir); err != nil {
		return "", fmt.Errorf("write backup archive: %w", err)
	}
	key := path.Join(s.cfg.Prefix, archiveName(time.Now()))
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/gzip"),
	})
	if err != nil {
		return "", fmt.Errorf("upload backup %s: %w", key, err)
	}
	return key, nil
}

// Restore downloads the referenced object and unpacks it into targetDir.
func (s *S3Store) Restore(ctx context.Context, ref, targetDir string) error {
	if ref == "" {
		return fmt.Errorf("backup reference cannot be empty")
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		return fmt.Errorf("download backup %s: %w", ref, err)
	}
	defer out.Body.Close()
	return extractArchive(ctx, out.Body, targetDir)
}
