package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

const (
	// DefaultPresignTTL is the longest lifetime SigV4 allows for a presigned URL.
	DefaultPresignTTL = 7 * 24 * time.Hour
	defaultS3Region   = "us-east-1"
)

var errMissingBucket = errors.New("storage: s3 bucket is required")

// S3Config describes an S3-compatible bucket.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	// PublicBaseURL, when set, is prefixed to object keys instead of presigning.
	PublicBaseURL string
	PresignTTL    time.Duration
	Logger        *zap.Logger
}

// S3Store keeps attachments in an S3-compatible bucket.
type S3Store struct {
	client        *s3.Client
	presigner     *s3.PresignClient
	bucket        string
	publicBaseURL string
	presignTTL    time.Duration
	logger        *zap.Logger
}

// NewS3Store loads AWS configuration from the environment, overriding the
// credentials and endpoint when they are configured explicitly.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errMissingBucket
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = defaultS3Region
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	ttl := cfg.PresignTTL
	if ttl <= 0 || ttl > DefaultPresignTTL {
		ttl = DefaultPresignTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Store{
		client:        client,
		presigner:     s3.NewPresignClient(client),
		bucket:        bucket,
		publicBaseURL: strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/"),
		presignTTL:    ttl,
		logger:        logger,
	}, nil
}

// Put uploads body under key and returns a URL for reading it back.
func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	seekable, err := seekableBody(body, size)
	if err != nil {
		return "", fmt.Errorf("storage: buffer %s: %w", cleaned, err)
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(cleaned),
		Body:   seekable,
	}
	if size > 0 {
		input.ContentLength = aws.Int64(size)
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("storage: put %s: %w", cleaned, err)
	}
	s.logger.Debug("object stored", zap.String("bucket", s.bucket), zap.String("key", cleaned), zap.Int64("size", size))
	return s.objectURL(ctx, cleaned)
}

// URL returns the public address of key, or a GET presigned now and valid
// for the configured TTL. Callers resolve it per read instead of storing it.
func (s *S3Store) URL(ctx context.Context, key string) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return s.objectURL(ctx, cleaned)
}

func (s *S3Store) objectURL(ctx context.Context, key string) (string, error) {
	if s.publicBaseURL != "" {
		return s.publicBaseURL + "/" + key, nil
	}
	request, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.presignTTL))
	if err != nil {
		return "", fmt.Errorf("storage: presign %s: %w", key, err)
	}
	return request.URL, nil
}

// Delete removes the object stored under key.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	cleaned, err := cleanKey(key)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(cleaned),
	})
	if err != nil {
		return fmt.Errorf("storage: delete %s: %w", cleaned, err)
	}
	return nil
}

// seekableBody buffers readers that cannot be rewound; the SDK needs to seek
// to compute payload checksums. Attachments are capped, so buffering is bounded.
func seekableBody(body io.Reader, size int64) (io.ReadSeeker, error) {
	if seeker, ok := body.(io.ReadSeeker); ok {
		return seeker, nil
	}
	var buffer bytes.Buffer
	if size > 0 {
		buffer.Grow(int(size))
	}
	if _, err := io.Copy(&buffer, body); err != nil {
		return nil, err
	}
	return bytes.NewReader(buffer.Bytes()), nil
}
