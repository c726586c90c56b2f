package deadletter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"log-ingest-gateway/internal/codec"
	"log-ingest-gateway/internal/config"
	"log-ingest-gateway/internal/metrics"
	"log-ingest-gateway/internal/model"
	"log-ingest-gateway/internal/timecache"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsCfgLib "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"
)

// S3API is the subset of the S3 client the store calls.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store
// ------------------------------------------------------------
// One object per batch under DLQ_BUCKET. Objects carry
// Content-Type application/json and Content-Encoding gzip so they can be
// inspected with ordinary tooling.
//
// Every call has its own S3_TIMEOUT. PutObject is retried S3_APP_RETRIES
// times with exponential backoff (200ms doubling, capped at 2s); SDK-level
// retries are disabled so the two never stack.
type S3Store struct {
	client  S3API
	bucket  string
	keys    Keys
	timeout time.Duration
	retries int
	metrics *metrics.Metrics

	// sleep is swapped in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewS3Client loads the default AWS config for the region with SDK
// retries turned off.
func NewS3Client(ctx context.Context, region string) (*s3.Client, error) {
	awsCfg, err := awsCfgLib.LoadDefaultConfig(ctx, awsCfgLib.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("deadletter: loading AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 0
	}), nil
}

// NewS3Store wraps an S3 client.
func NewS3Store(cfg config.Config, client S3API, m *metrics.Metrics) *S3Store {
	timeout := cfg.S3Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.S3AppRetries
	if retries < 1 {
		retries = 1
	}
	return &S3Store{
		client:  client,
		bucket:  cfg.DLQBucket,
		keys:    NewKeys(cfg.DLQPrefix, cfg.InstanceID),
		timeout: timeout,
		retries: retries,
		metrics: m,
		sleep:   sleepCtx,
	}
}

func (s *S3Store) Available() bool { return true }

func (s *S3Store) Persist(ctx context.Context, batch model.LogBatch, reason string) (key string, err error) {
	defer func() { recordPersist(s.metrics, err, len(batch.Events)) }()

	body, err := encodePayload(batch, reason, timecache.Now())
	if err != nil {
		return "", fmt.Errorf("deadletter: encoding payload: %w", err)
	}

	key = s.keys.New()
	if err := s.putWithRetry(ctx, key, body); err != nil {
		return "", fmt.Errorf("deadletter: put %s: %w", key, err)
	}
	return key, nil
}

// putWithRetry
// -----------------------
// The body is a byte slice so each attempt gets a fresh reader.
// Cancellation of ctx stops the loop between attempts.
func (s *S3Store) putWithRetry(ctx context.Context, key string, body []byte) error {
	var lastErr error
	backoff := 200 * time.Millisecond

	for attempt := 1; attempt <= s.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := s.putObject(ctx, key, body); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn().Err(err).Str("key", key).Int("attempt", attempt).Msg("dead-letter put failed")
		}

		if attempt == s.retries {
			break
		}
		if err := s.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if backoff > 2*time.Second {
			backoff = 2 * time.Second
		}
	}
	return lastErr
}

func (s *S3Store) putObject(ctx context.Context, key string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentLength:   aws.Int64(int64(len(body))),
		ContentType:     aws.String(codec.ContentTypeJSON),
		ContentEncoding: aws.String(codec.EncodingGzip),
	})
	return err
}

func (s *S3Store) Read(ctx context.Context, key string) (*model.DeadLetterPayload, error) {
	if err := s.keys.Validate(key); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("deadletter: get %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("deadletter: reading %s: %w", key, err)
	}
	return decodePayload(data)
}

// Remove deletes the object. S3 DeleteObject already succeeds for absent
// keys.
func (s *S3Store) Remove(ctx context.Context, key string) error {
	if err := s.keys.Validate(key); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("deadletter: delete %s: %w", key, err)
	}
	return nil
}

// List pages through the prefix. S3 lists keys in UTF-8 binary order,
// which for this key layout is oldest first.
func (s *S3Store) List(ctx context.Context, limit int) ([]string, error) {
	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.keys.Prefix + "/"),
	}
	if limit > 0 && limit < 1000 {
		in.MaxKeys = aws.Int32(int32(limit))
	}

	var keys []string
	p := s3.NewListObjectsV2Paginator(s.client, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("deadletter: list: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if ValidateKey(s.keys.Prefix, key) != nil {
				continue
			}
			keys = append(keys, key)
			if limit > 0 && len(keys) >= limit {
				return keys, nil
			}
		}
	}
	return keys, nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
