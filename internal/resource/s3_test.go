package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 is an in-memory bucket.
type fakeS3 struct {
	bucket       string
	objects      map[string][]byte
	contentTypes map[string]string
	pageSize     int
	headErr      error
	deleteCalls  int
}

func newFakeS3(bucket string) *fakeS3 {
	return &fakeS3{bucket: bucket, objects: make(map[string][]byte), contentTypes: make(map[string]string), pageSize: 1000}
}

func (f *fakeS3) HeadBucket(_ context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	if aws.ToString(in.Bucket) != f.bucket {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(in.Key)
	f.objects[key] = body
	f.contentTypes[key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if aws.ToString(in.Bucket) != f.bucket {
		return nil, &s3types.NoSuchBucket{}
	}
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		_, _ = fmt.Sscanf(*in.ContinuationToken, "%d", &start)
	}
	end := min(start+f.pageSize, len(keys))

	out := &s3.ListObjectsV2Output{}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(fmt.Sprintf("%d", end))
		out.IsTruncated = aws.Bool(true)
	}
	return out, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.deleteCalls++
	for _, obj := range in.Delete.Objects {
		delete(f.objects, aws.ToString(obj.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func TestS3Storage_ScopeLifecycle(t *testing.T) {
	api := newFakeS3("harness-bucket")
	api.objects["LocalRunner/other-run/spec.json"] = []byte("keep")
	storage := NewS3Storage(api, "harness-bucket", nil)

	scope, err := storage.CreateScope(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, &Scope{Scheme: "s3", Bucket: "harness-bucket", Prefix: "LocalRunner/run-1"}, scope)

	uri, err := storage.WriteArtifact(context.Background(), scope, "spec.json", []byte(`{"version":"1"}`))
	require.NoError(t, err)
	assert.Equal(t, "s3://harness-bucket/LocalRunner/run-1/spec.json", uri)
	assert.Equal(t, []byte(`{"version":"1"}`), api.objects["LocalRunner/run-1/spec.json"])
	assert.Equal(t, "application/json", api.contentTypes["LocalRunner/run-1/spec.json"])

	_, err = storage.WriteArtifact(context.Background(), scope, "neo4j.json", []byte(`{}`))
	require.NoError(t, err)

	require.NoError(t, storage.DeleteScope(context.Background(), scope))
	assert.NotContains(t, api.objects, "LocalRunner/run-1/spec.json")
	assert.NotContains(t, api.objects, "LocalRunner/run-1/neo4j.json")
	assert.Contains(t, api.objects, "LocalRunner/other-run/spec.json", "other runs are untouched")
}

func TestS3Storage_DeleteScopePaginates(t *testing.T) {
	api := newFakeS3("bucket")
	api.pageSize = 2
	storage := NewS3Storage(api, "bucket", nil)
	scope, err := storage.CreateScope(context.Background(), "run-1")
	require.NoError(t, err)

	for i := range 5 {
		api.objects[scope.Key(fmt.Sprintf("part-%d", i))] = []byte("x")
	}
	require.NoError(t, storage.DeleteScope(context.Background(), scope))
	assert.Empty(t, api.objects)
	assert.Equal(t, 1, api.deleteCalls)
}

func TestS3Storage_DeleteEmptyScope(t *testing.T) {
	api := newFakeS3("bucket")
	storage := NewS3Storage(api, "bucket", nil)
	require.NoError(t, storage.DeleteScope(context.Background(), &Scope{Scheme: "s3", Bucket: "bucket", Prefix: "LocalRunner/none"}))
	assert.Zero(t, api.deleteCalls)
}

func TestS3Storage_DeleteMissingBucket(t *testing.T) {
	api := newFakeS3("bucket")
	storage := NewS3Storage(api, "bucket", nil)
	require.NoError(t, storage.DeleteScope(context.Background(), &Scope{Scheme: "s3", Bucket: "gone", Prefix: "LocalRunner/run"}))
}

func TestS3Storage_CreateScopeMissingBucket(t *testing.T) {
	api := newFakeS3("bucket")
	api.headErr = &smithy.GenericAPIError{Code: "AccessDenied", Message: "forbidden"}
	storage := NewS3Storage(api, "bucket", nil)

	_, err := storage.CreateScope(context.Background(), "run-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AccessDenied")
	var apiErr smithy.APIError
	assert.True(t, errors.As(err, &apiErr))
}

func TestS3Storage_Options(t *testing.T) {
	api := newFakeS3("bucket")
	storage := NewS3Storage(api, "bucket", nil, WithScopePrefix("/it/local/"), WithURIScheme("gs"))

	scope, err := storage.CreateScope(context.Background(), "run-9")
	require.NoError(t, err)
	assert.Equal(t, "it/local/run-9", scope.Prefix)
	assert.Equal(t, "gs://bucket/it/local/run-9/spec.json", scope.URI("spec.json"))
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/json", contentType("neo4j.json"))
	assert.Equal(t, "application/octet-stream", contentType("data.csv.gz"))
}
