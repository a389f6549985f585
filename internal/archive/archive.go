// Package archive stores the final JSON record of every finalized run in a
// local directory or an S3 bucket.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"lead-pipeline/internal/models"
)

// Uploader writes one object and returns where it landed.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// RunArchiver implements ledger.Archiver.
type RunArchiver struct {
	uploader Uploader
	prefix   string
	logger   *slog.Logger
}

func NewRunArchiver(u Uploader, prefix string, logger *slog.Logger) *RunArchiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunArchiver{uploader: u, prefix: prefix, logger: logger}
}

func (a *RunArchiver) ArchiveRun(ctx context.Context, run models.Run) error {
	body, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", run.ID, err)
	}
	loc, err := a.uploader.Upload(ctx, RunKey(a.prefix, run), body, "application/json")
	if err != nil {
		return fmt.Errorf("upload run %s: %w", run.ID, err)
	}
	a.logger.Info("run archived", "run_id", run.ID, "status", run.Status, "location", loc)
	return nil
}

// RunKey lays runs out as <prefix><client>/<yyyy>/<mm>/<dd>/<run id>.json.
func RunKey(prefix string, run models.Run) string {
	day := run.StartedAt.UTC()
	if run.CompletedAt != nil {
		day = run.CompletedAt.UTC()
	}
	client := run.ClientID
	if client == "" {
		client = "unknown"
	}
	key := path.Join(sanitizeSegment(client), day.Format("2006/01/02"), sanitizeSegment(run.ID)+".json")
	return strings.TrimPrefix(prefix+key, "/")
}

func sanitizeSegment(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "..", "_")
	return s
}

type LocalUploader struct {
	BaseDir string
}

func (l *LocalUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	p := filepath.Join(l.BaseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return p, nil
}

// S3Options configures NewS3Uploader. Endpoint targets S3-compatible stores
// such as MinIO.
type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

type S3Uploader struct {
	client *s3.Client
	bucket string
}

func NewS3Uploader(ctx context.Context, opts S3Options) (*S3Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})
	return &S3Uploader{client: client, bucket: opts.Bucket}, nil
}

func (s *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
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
