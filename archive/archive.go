// Package archive persists raw provider pages to cold storage so a sync can
// be audited or replayed later. Archiving is advisory: the engine never
// fails a job over it, and without a configured bucket pages are dropped.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/omnivault/sync-engine/config"
	"github.com/omnivault/sync-engine/provider"
)

// Page is one fetched page of raw provider records plus the context needed
// to name it.
type Page struct {
	UserID     string
	Provider   string
	JobID      string
	Collection string
	Seq        int
	Items      []provider.RawRecord
}

// Archiver receives every fetched page. Save must be safe for concurrent
// use across workers.
type Archiver interface {
	Save(ctx context.Context, page Page) error
}

// Noop drops pages.
type Noop struct{}

func (Noop) Save(context.Context, Page) error { return nil }

// S3 writes each page as one JSON object under
// raw/{user}/{provider}/{job}/page-NNNN.json.
type S3 struct {
	client *s3.Client
	bucket string
	log    *zap.Logger
}

var (
	_ Archiver = (*S3)(nil)
	_ Archiver = Noop{}
)

func NewS3(ctx context.Context, cfg config.Archive, logger *zap.Logger) (*S3, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}

	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			awscreds.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &S3{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		log:    logger,
	}, nil
}

func (s *S3) Save(ctx context.Context, page Page) error {
	items := make([]json.RawMessage, len(page.Items))
	for i, rec := range page.Items {
		items[i] = rec.Raw
	}

	body, err := json.Marshal(pageEnvelope{
		JobID:      page.JobID,
		Provider:   page.Provider,
		Collection: page.Collection,
		FetchedAt:  time.Now().UTC(),
		Items:      items,
	})
	if err != nil {
		return fmt.Errorf("encode page: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(page.key()),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put page: %w", err)
	}

	s.log.Debug("page archived",
		zap.String("key", page.key()),
		zap.Int("items", len(page.Items)))

	return nil
}

type pageEnvelope struct {
	JobID      string            `json:"jobId"`
	Provider   string            `json:"provider"`
	Collection string            `json:"collection,omitempty"`
	FetchedAt  time.Time         `json:"fetchedAt"`
	Items      []json.RawMessage `json:"items"`
}

func (p Page) key() string {
	parts := []string{"raw", p.UserID, p.Provider, p.JobID}

	if p.Collection != "" {
		// calendar ids may carry slashes; keep the key flat
		parts = append(parts, strings.ReplaceAll(p.Collection, "/", "_"))
	}

	parts = append(parts, fmt.Sprintf("page-%04d.json", p.Seq))

	return strings.Join(parts, "/")
}
