// Package s3 provides an optional S3-compatible media backend (MinIO, R2,
// AWS). It sits between the sidecar and the local filesystem in the
// priority list.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/fruitsalade/mediastore/internal/logging"
	"github.com/fruitsalade/mediastore/internal/storage"
)

// Config holds S3 backend settings.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
}

// objectAPI is the subset of *s3.Client the backend uses.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Backend implements storage.Backend and storage.Opener on S3.
type Backend struct {
	cfg Config

	mu  sync.Mutex
	api objectAPI
}

// New creates an S3 backend. The SDK client is built on first use.
func New(cfg Config) *Backend {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return &Backend{cfg: cfg}
}

// Name returns "s3".
func (b *Backend) Name() string { return storage.BackendS3 }

// IsAvailable reports whether endpoint, bucket, and keys are all set.
func (b *Backend) IsAvailable() bool {
	return b.cfg.Endpoint != "" && b.cfg.Bucket != "" && b.cfg.AccessKey != "" && b.cfg.SecretKey != ""
}

func (b *Backend) client(ctx context.Context) (objectAPI, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.api != nil {
		return b.api, nil
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(b.cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(b.cfg.AccessKey, b.cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", storage.ErrNotConfigured, err)
	}
	b.api = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(b.cfg.Endpoint)
		o.UsePathStyle = true
	})
	logging.Info("s3 client ready", zap.String("endpoint", b.cfg.Endpoint), zap.String("bucket", b.cfg.Bucket))
	return b.api, nil
}

// Upload puts obj under its name and returns the proxy URL.
func (b *Backend) Upload(ctx context.Context, obj storage.Object) (string, error) {
	if !b.IsAvailable() {
		return "", storage.ErrNotConfigured
	}
	if err := storage.ValidateName(obj.Name); err != nil {
		return "", err
	}
	api, err := b.client(ctx)
	if err != nil {
		return "", err
	}

	in := &s3.PutObjectInput{
		Bucket:        aws.String(b.cfg.Bucket),
		Key:           aws.String(obj.Name),
		Body:          bytes.NewReader(obj.Data),
		ContentLength: aws.Int64(int64(len(obj.Data))),
	}
	if obj.ContentType != "" {
		in.ContentType = aws.String(obj.ContentType)
	}
	if _, err := api.PutObject(ctx, in); err != nil {
		return "", fmt.Errorf("s3 put %s: %w", obj.Name, classify(err))
	}

	logging.Debug("s3 put object", zap.String("key", obj.Name), zap.Int("size", len(obj.Data)))
	return storage.ProxyURL(obj.Name), nil
}

// Delete removes name. S3 reports success for missing keys.
func (b *Backend) Delete(ctx context.Context, name string) error {
	if !b.IsAvailable() {
		return storage.ErrNotConfigured
	}
	if err := storage.ValidateName(name); err != nil {
		return err
	}
	api, err := b.client(ctx)
	if err != nil {
		return err
	}

	_, err = api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		err = classify(err)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("s3 delete %s: %w", name, err)
	}
	logging.Debug("s3 delete object", zap.String("key", name))
	return nil
}

// Open streams name from the bucket.
func (b *Backend) Open(ctx context.Context, name string) (io.ReadCloser, string, error) {
	if !b.IsAvailable() {
		return nil, "", storage.ErrNotConfigured
	}
	if err := storage.ValidateName(name); err != nil {
		return nil, "", err
	}
	api, err := b.client(ctx)
	if err != nil {
		return nil, "", err
	}

	out, err := api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		err = classify(err)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, "", storage.ErrNotFound
		}
		return nil, "", fmt.Errorf("s3 get %s: %w", name, err)
	}
	return out.Body, aws.ToString(out.ContentType), nil
}

// classify maps SDK errors onto the storage error kinds.
func classify(err error) error {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return fmt.Errorf("%w: %v", storage.ErrNotFound, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return fmt.Errorf("%w: %v", storage.ErrNotFound, err)
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "AccessDenied":
			return fmt.Errorf("%w: %v", storage.ErrUnauthorized, err)
		}
	}
	return fmt.Errorf("%w: %v", storage.ErrTransport, err)
}
