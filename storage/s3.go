package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config contains S3 storage configuration
type S3Config struct {
	Endpoint        string // Optional: Custom endpoint for MinIO or DigitalOcean Spaces
	Region          string // AWS region or DO region (e.g., "us-east-1" or "sfo3")
	Bucket          string // S3 bucket name
	AccessKeyID     string // AWS access key ID
	SecretAccessKey string // AWS secret access key
	UsePathStyle    bool   // Use path-style addressing (required for MinIO)
}

// S3Storage keeps rate sheets in S3-compatible object storage
type S3Storage struct {
	client *s3.Client
	bucket string
	now    func() time.Time
}

// NewS3Storage creates a new S3Storage instance
func NewS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("S3 region is required")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("S3 credentials are required")
	}

	awsConfig, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Storage{
		client: client,
		bucket: cfg.Bucket,
		now:    time.Now,
	}, nil
}

// SaveSheet uploads a sheet as rate-sheets/YYYY/MM/<network-slug>.csv
func (s *S3Storage) SaveSheet(ctx context.Context, network string, data []byte) (string, error) {
	key := sheetKey(network, s.now())

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("text/csv; charset=utf-8"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload sheet to S3: %w", err)
	}
	return key, nil
}

// ReadSheet downloads a sheet from S3
func (s *S3Storage) ReadSheet(ctx context.Context, key string) ([]byte, error) {
	key, err := cleanKey(key)
	if err != nil {
		return nil, err
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get sheet from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet data from S3: %w", err)
	}
	return data, nil
}

// DeleteSheet deletes a sheet from S3
func (s *S3Storage) DeleteSheet(ctx context.Context, key string) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete sheet from S3: %w", err)
	}
	return nil
}
