// Package blob stores artifact bytes in an S3-compatible bucket,
// addressed by content hash. Keys follow
// disks/{project}/YYYY/MM/DD/{sha256}{ext}, so duplicate content
// written on the same day deduplicates naturally.
package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/acontexthq/acontext/internal/apperr"
	"github.com/acontexthq/acontext/internal/config"
	"github.com/acontexthq/acontext/pkg/models"
)

// Store is an S3-backed content-addressed blob store.
type Store struct {
	client *s3.Client
	bucket string
}

// New builds a Store from blob configuration. Endpoint and path-style
// are honored so MinIO and other S3-compatible stores work.
func New(ctx context.Context, cfg config.BlobConfig) (*Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, apperr.BadRequest("blob bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &Store{client: client, bucket: bucket}, nil
}

// ObjectKey derives the content-addressed key for the given project,
// hash and filename extension at time now.
func ObjectKey(projectID uuid.UUID, now time.Time, sum, filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	return fmt.Sprintf("disks/%s/%s/%s%s", projectID, now.UTC().Format("2006/01/02"), sum, ext)
}

// PutContent hashes and uploads the bytes and returns the asset
// metadata to persist alongside the owning artifact. Text-bearing MIME
// types keep their content inline in the returned meta; binary content
// is referenced by key only.
func (s *Store) PutContent(ctx context.Context, projectID uuid.UUID, filename string, data []byte) (models.AssetMeta, error) {
	sum := sha256.Sum256(data)
	sumHex := hex.EncodeToString(sum[:])
	mime := MimeForFilename(filename)
	key := ObjectKey(projectID, time.Now(), sumHex, filename)

	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: aws.String(mime),
	})
	if err != nil {
		return models.AssetMeta{}, apperr.Unavailable(err, "s3 put object")
	}

	meta := models.AssetMeta{
		Bucket: s.bucket,
		S3Key:  key,
		SHA256: sumHex,
		Mime:   mime,
		Size:   int64(len(data)),
	}
	if out.ETag != nil {
		meta.ETag = strings.Trim(*out.ETag, `"`)
	}
	if IsTextMIME(mime) {
		meta.Content = string(data)
	}
	return meta, nil
}

// Get streams the blob at the given key.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, apperr.NotFound("blob %s", key)
		}
		return nil, apperr.Unavailable(err, "s3 get object")
	}
	return out.Body, nil
}

// Exists checks whether an object is present at the given key.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return false, nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && strings.EqualFold(apiErr.ErrorCode(), "NotFound") {
		return false, nil
	}
	return false, apperr.Unavailable(err, "s3 head object")
}

// Delete removes the object at the given key. Deleting an absent key
// is a no-op, matching S3 semantics.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	}); err != nil {
		return apperr.Unavailable(err, "s3 delete object")
	}
	return nil
}
