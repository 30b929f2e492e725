package resource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// DefaultScopePrefix is the stable prefix under which run scopes are created.
const DefaultScopePrefix = "LocalRunner"

// maxDeleteBatch is the DeleteObjects per-request key limit.
const maxDeleteBatch = 1000

// S3API is the subset of the S3 client used by S3Storage.
type S3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Storage creates run scopes as key prefixes inside an existing bucket:
// <bucket>/<prefix>/<run id>/.
type S3Storage struct {
	client S3API
	bucket string
	prefix string
	scheme string
	logger *zap.Logger
}

// S3StorageOption configures an S3Storage.
type S3StorageOption func(*S3Storage)

// WithScopePrefix overrides DefaultScopePrefix.
func WithScopePrefix(prefix string) S3StorageOption {
	return func(s *S3Storage) { s.prefix = strings.Trim(prefix, "/") }
}

// WithURIScheme overrides the "s3" scheme used in artifact URIs, e.g. "gs"
// when the bucket is reached through the GCS interoperability endpoint.
func WithURIScheme(scheme string) S3StorageOption {
	return func(s *S3Storage) { s.scheme = scheme }
}

// NewS3Storage creates a storage provisioner for bucket.
func NewS3Storage(client S3API, bucket string, logger *zap.Logger, opts ...S3StorageOption) *S3Storage {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &S3Storage{
		client: client,
		bucket: bucket,
		prefix: DefaultScopePrefix,
		scheme: "s3",
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateScope checks the bucket is reachable and returns the run's scope.
// Nothing is written until the first artifact.
func (s *S3Storage) CreateScope(ctx context.Context, runID string) (*Scope, error) {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return nil, fmt.Errorf("bucket %s: %w", s.bucket, describeAPIError(err))
	}
	prefix := runID
	if s.prefix != "" {
		prefix = s.prefix + "/" + runID
	}
	return &Scope{Scheme: s.scheme, Bucket: s.bucket, Prefix: prefix}, nil
}

// WriteArtifact stores content under the scope.
func (s *S3Storage) WriteArtifact(ctx context.Context, scope *Scope, name string, content []byte) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(scope.Bucket),
		Key:         aws.String(scope.Key(name)),
		Body:        bytes.NewReader(content),
		ContentType: aws.String(contentType(name)),
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", scope.Key(name), describeAPIError(err))
	}
	return scope.URI(name), nil
}

// DeleteScope removes every object under the scope. A missing bucket means
// there is nothing left to delete.
func (s *S3Storage) DeleteScope(ctx context.Context, scope *Scope) error {
	var keys []s3types.ObjectIdentifier
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(scope.Bucket),
		Prefix: aws.String(scope.Prefix + "/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			var noSuchBucket *s3types.NoSuchBucket
			if errors.As(err, &noSuchBucket) {
				return nil
			}
			return fmt.Errorf("list %s: %w", scope.Prefix, describeAPIError(err))
		}
		for _, obj := range page.Contents {
			keys = append(keys, s3types.ObjectIdentifier{Key: obj.Key})
		}
	}

	for start := 0; start < len(keys); start += maxDeleteBatch {
		end := min(start+maxDeleteBatch, len(keys))
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(scope.Bucket),
			Delete: &s3types.Delete{Objects: keys[start:end]},
		})
		if err != nil {
			return fmt.Errorf("delete %s: %w", scope.Prefix, describeAPIError(err))
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return fmt.Errorf("delete %s: %d objects not deleted, first %s: %s",
				scope.Prefix, len(out.Errors), aws.ToString(first.Key), aws.ToString(first.Message))
		}
	}

	s.logger.Debug("storage scope emptied", zap.String("prefix", scope.Prefix), zap.Int("objects", len(keys)))
	return nil
}

func contentType(name string) string {
	if strings.HasSuffix(name, ".json") {
		return "application/json"
	}
	return "application/octet-stream"
}

// describeAPIError surfaces the service error code when there is one.
func describeAPIError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %s: %w", apiErr.ErrorCode(), apiErr.ErrorMessage(), err)
	}
	return err
}

// S3Config configures the S3 client.
type S3Config struct {
	Region string

	// Endpoint overrides the service endpoint (MinIO, GCS interoperability).
	// Path-style addressing is used when set.
	Endpoint string

	// AccessKey and SecretKey select static credentials. When empty, the
	// default credential chain is used.
	AccessKey string
	SecretKey string
}

// NewS3Client loads AWS configuration and builds an S3 client.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, aws.Config{}, fmt.Errorf("failed to load SDK configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return client, awsCfg, nil
}

// AWSCredentials resolves credentials from an aws.Config.
type AWSCredentials struct {
	Config aws.Config
}

// Resolve retrieves credentials once so a misconfigured environment fails
// before any resource is created.
func (c AWSCredentials) Resolve(ctx context.Context) error {
	if c.Config.Credentials == nil {
		return errors.New("no AWS credentials provider configured")
	}
	creds, err := c.Config.Credentials.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("retrieve credentials: %w", err)
	}
	if !creds.HasKeys() {
		return errors.New("resolved AWS credentials have no access key")
	}
	return nil
}
