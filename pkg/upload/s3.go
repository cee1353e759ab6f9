package upload

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/10printhello/trim-telemetry/pkg/config"
)

// s3Uploader implements Uploader for S3-compatible storage.
type s3Uploader struct {
	log    logrus.FieldLogger
	cfg    *config.S3UploadConfig
	client *s3.Client
}

// Ensure interface compliance.
var _ Uploader = (*s3Uploader)(nil)

// NewS3Uploader creates a new S3 uploader from the given configuration.
func NewS3Uploader(
	log logrus.FieldLogger,
	cfg *config.S3UploadConfig,
) (Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	return &s3Uploader{
		log:    log.WithField("component", "s3-uploader"),
		cfg:    cfg,
		client: newS3Client(cfg),
	}, nil
}

func newS3Client(cfg *config.S3UploadConfig) *s3.Client {
	return s3.New(s3.Options{}, func(o *s3.Options) {
		if cfg.Region != "" {
			o.Region = cfg.Region
		} else {
			o.Region = "us-east-1"
		}

		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}

		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}

		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)
		}
	})
}

// Preflight verifies S3 connectivity by writing a small test object.
func (u *s3Uploader) Preflight(ctx context.Context) error {
	content := fmt.Sprintf("trimtel write test: %s", time.Now().UTC().Format(time.RFC3339))

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(".trimtel-write-test"),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", u.cfg.Bucket, err)
	}

	return nil
}

// UploadRun uploads every path concurrently, bounded by the configured
// concurrency.
func (u *s3Uploader) UploadRun(ctx context.Context, runID string, paths []string) ([]string, error) {
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}

	prefix := u.resolvePrefix(runID)
	keys := make([]string, len(paths))
	seen := make(map[string]string, len(paths))

	for i, path := range paths {
		keys[i] = prefix + "/" + filepath.Base(path)

		if other, ok := seen[keys[i]]; ok {
			return nil, fmt.Errorf("%s and %s map to the same key %s", other, path, keys[i])
		}

		seen[keys[i]] = path
	}

	var total atomic.Int64

	g, gctx := errgroup.WithContext(ctx)

	limit := u.cfg.Concurrency
	if limit <= 0 {
		limit = config.DefaultUploadConcurrency
	}

	g.SetLimit(limit)

	for i, path := range paths {
		key := keys[i]

		g.Go(func() error {
			n, err := u.uploadFile(gctx, path, key)
			if err != nil {
				return fmt.Errorf("uploading %s: %w", path, err)
			}

			total.Add(n)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	u.log.WithFields(logrus.Fields{
		"files":  len(keys),
		"size":   units.HumanSize(float64(total.Load())),
		"bucket": u.cfg.Bucket,
		"prefix": prefix,
	}).Info("Upload completed")

	return keys, nil
}

// uploadFile uploads a single file to S3 and returns its size.
func (u *s3Uploader) uploadFile(ctx context.Context, localPath, key string) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("opening file: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat file: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(u.cfg.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(detectContentType(localPath)),
	}

	if u.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(u.cfg.StorageClass)
	}

	if u.cfg.ACL != "" {
		input.ACL = s3types.ObjectCannedACL(u.cfg.ACL)
	}

	u.log.WithFields(logrus.Fields{
		"key":    key,
		"bucket": u.cfg.Bucket,
		"size":   units.HumanSize(float64(info.Size())),
	}).Debug("Uploading file")

	if _, err := u.client.PutObject(ctx, input); err != nil {
		return 0, fmt.Errorf("PutObject: %w", err)
	}

	return info.Size(), nil
}

// resolvePrefix builds the S3 key prefix for a run.
func (u *s3Uploader) resolvePrefix(runID string) string {
	return runPrefix(u.cfg.Prefix, runID)
}

func runPrefix(prefix, runID string) string {
	if prefix == "" {
		prefix = config.DefaultUploadPrefix
	}

	return strings.TrimRight(prefix, "/") + "/" + runID
}

// detectContentType returns a MIME type based on file extension.
func detectContentType(path string) string {
	ext := filepath.Ext(path)

	switch ext {
	case "":
		return "application/octet-stream"
	case ".ndjson", ".jsonl":
		return "application/x-ndjson"
	}

	ct := mime.TypeByExtension(ext)
	if ct == "" {
		return "application/octet-stream"
	}

	return ct
}
