package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/agentworkforce/pipesync/internal/pipesync"
)

const defaultPrefix = "pipesync/queue"

type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
	UsePathStyle    bool
}

// objectPutter is the slice of the S3 API the archiver needs.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes finished queue items to object storage as JSON lines,
// one object per tenant and completion day.
type S3Archiver struct {
	client objectPutter
	bucket string
	prefix string
	logger *zap.Logger
}

func NewS3Client(ctx context.Context, cfg Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

func NewS3Archiver(client objectPutter, cfg Config, logger *zap.Logger) (*S3Archiver, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("%w: archive bucket is required", pipesync.ErrInvalidInput)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := strings.Trim(strings.TrimSpace(cfg.Prefix), "/")
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &S3Archiver{client: client, bucket: cfg.Bucket, prefix: prefix, logger: logger}, nil
}

func (a *S3Archiver) Archive(ctx context.Context, items []pipesync.SyncQueueItem) error {
	groups := map[string][]pipesync.SyncQueueItem{}
	for _, item := range items {
		key := a.objectDir(item)
		groups[key] = append(groups[key], item)
	}
	dirs := make([]string, 0, len(groups))
	for dir := range groups {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	for _, dir := range dirs {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, item := range groups[dir] {
			if err := enc.Encode(item); err != nil {
				return fmt.Errorf("encode queue item %s: %w", item.ID, err)
			}
		}
		key := path.Join(dir, ulid.Make().String()+".jsonl")
		_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(buf.Bytes()),
			ContentType: aws.String("application/x-ndjson"),
		})
		if err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
		a.logger.Debug("queue_items_archived",
			zap.String("bucket", a.bucket),
			zap.String("key", key),
			zap.Int("items", len(groups[dir])),
		)
	}
	return nil
}

func (a *S3Archiver) objectDir(item pipesync.SyncQueueItem) string {
	at := item.UpdatedAt
	if item.CompletedAt != nil {
		at = *item.CompletedAt
	}
	at = at.UTC()
	return path.Join(a.prefix, item.TenantID, at.Format("2006"), at.Format("01"), at.Format("02"))
}

var _ pipesync.Archiver = (*S3Archiver)(nil)
