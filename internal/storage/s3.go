// Package storage resolves temp_file_paths[] a chat request references
// before the Streaming Coordinator triggers the Producer call: file upload
// itself is out of scope for this gateway (spec.md §1 Non-goals), but
// verifying the referenced object actually exists in the backing object
// store is this package's job, so a dangling path is dropped from the
// request instead of reaching Upstream.
//
// Grounded on internal/storage/s3.go's S3Service: the same AWS SDK v1
// session/client setup and "null service" graceful-degrade pattern when
// configuration is incomplete, trimmed from full upload/download/delete
// support down to existence checks.
package storage

import (
	"context"
	"fmt"
	"log"
	"strings"

	"egobackend/internal/models"

	awsv1 "github.com/aws/aws-sdk-go/aws"
	credsv1 "github.com/aws/aws-sdk-go/aws/credentials"
	sessionv1 "github.com/aws/aws-sdk-go/aws/session"
	s3v1 "github.com/aws/aws-sdk-go/service/s3"
)

// S3Service resolves object keys against an S3-compatible bucket.
type S3Service struct {
	client *s3v1.S3
	bucket string
}

// NewS3Service creates and configures a new S3Service instance. If the S3
// configuration is incomplete, it returns a "null" service that reports
// every path as missing, letting the orchestrator run without temp-file
// support rather than failing to start.
func NewS3Service(cfg models.S3Config) (*S3Service, error) {
	if cfg.Endpoint == "" || cfg.Region == "" || cfg.KeyID == "" || cfg.AppKey == "" || cfg.Bucket == "" {
		log.Println("[S3] S3 configuration is not fully provided. Temp-file resolution will be disabled.")
		return &S3Service{client: nil, bucket: ""}, nil
	}

	disableSSL := strings.HasPrefix(strings.ToLower(cfg.Endpoint), "http://")

	sess, err := sessionv1.NewSession(&awsv1.Config{
		Region:           awsv1.String(cfg.Region),
		Endpoint:         awsv1.String(cfg.Endpoint),
		S3ForcePathStyle: awsv1.Bool(true),
		Credentials:      credsv1.NewStaticCredentials(cfg.KeyID, cfg.AppKey, ""),
		DisableSSL:       awsv1.Bool(disableSSL),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	s3Client := s3v1.New(sess)

	log.Printf("[S3] (v1) S3 service initialized for bucket '%s' at endpoint '%s' (region '%s').", cfg.Bucket, cfg.Endpoint, cfg.Region)
	return &S3Service{client: s3Client, bucket: cfg.Bucket}, nil
}

// BucketName returns the name of the S3 bucket the service is configured for.
func (s *S3Service) BucketName() string {
	return s.bucket
}

// isConfigured checks if the S3 client is properly initialized.
func (s *S3Service) isConfigured() bool {
	return s.client != nil && s.bucket != ""
}

// Exists HEAD-checks key and reports whether it resolves to a real object.
// A disabled (unconfigured) service always reports false, which
// ResolvePaths (called by the Streaming Coordinator) treats the same as
// "not found" rather than a hard error — temp files are an optional input.
func (s *S3Service) Exists(ctx context.Context, key string) (bool, error) {
	if !s.isConfigured() {
		return false, nil
	}
	_, err := s.client.HeadObjectWithContext(ctx, &s3v1.HeadObjectInput{
		Bucket: awsv1.String(s.bucket),
		Key:    awsv1.String(key),
	})
	if err != nil {
		if reqErr, ok := err.(interface{ StatusCode() int }); ok && reqErr.StatusCode() == 404 {
			return false, nil
		}
		return false, fmt.Errorf("storage: head '%s': %w", key, err)
	}
	return true, nil
}

// ResolvePaths HEAD-checks every path in paths and returns only those that
// exist, preserving order, logging (but not failing the chat on) any that
// don't resolve.
func (s *S3Service) ResolvePaths(ctx context.Context, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	resolved := make([]string, 0, len(paths))
	for _, p := range paths {
		ok, err := s.Exists(ctx, p)
		if err != nil {
			return resolved, err
		}
		if !ok {
			log.Printf("[S3] temp file path '%s' does not resolve to an object; dropping from request", p)
			continue
		}
		resolved = append(resolved, p)
	}
	return resolved, nil
}
