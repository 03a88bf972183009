package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	awsV2http "github.com/aws/smithy-go/transport/http"
	"github.com/curious-entropy/cloud-smoke/pkg/config"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testS3Bucket = "interop-bucket"

func newTestS3(t *testing.T, labels map[string]string) *S3 {
	t.Helper()
	backend := s3mem.New()
	require.NoError(t, backend.CreateBucket(testS3Bucket))
	server := httptest.NewServer(gofakes3.New(backend).Server())
	t.Cleanup(server.Close)

	cfg := config.DefaultConfig()
	cfg.S3.Bucket = testS3Bucket
	cfg.S3.Endpoint = server.URL
	cfg.S3.Region = "us-east-1"
	cfg.S3.ForcePathStyle = true
	cfg.S3.AccessKey = "access-key"
	cfg.S3.SecretKey = "secret-key"
	s := &S3{Config: &cfg.S3, Concurrency: 2, PartSize: 5 * 1024 * 1024, Labels: labels}
	require.NoError(t, s.Connect(context.Background()))
	return s
}

func walkNames(t *testing.T, rs RemoteStorage, prefix string, recursive bool) []string {
	t.Helper()
	var names []string
	require.NoError(t, rs.Walk(context.Background(), prefix, recursive, func(ctx context.Context, f RemoteFile) error {
		names = append(names, f.Name())
		return nil
	}))
	sort.Strings(names)
	return names
}

func TestS3RemoteKey(t *testing.T) {
	s := &S3{Config: &config.S3Config{Path: "prefix-1/prefix-2/prefix-3"}}
	assert.Equal(t, "prefix-1/prefix-2/prefix-3/test0.json", s.RemoteKey("test0.json"))
	s.Config.Path = ""
	assert.Equal(t, "test0.json", s.RemoteKey("test0.json"))
}

func TestIsS3NotFound(t *testing.T) {
	newErr := func(status int) error {
		return &smithy.OperationError{
			ServiceID:     "S3",
			OperationName: "HeadObject",
			Err: &awsV2http.ResponseError{
				Response: &awsV2http.Response{Response: &http.Response{StatusCode: status}},
				Err:      fmt.Errorf("status %d", status),
			},
		}
	}
	assert.True(t, isS3NotFound(newErr(http.StatusNotFound)))
	assert.True(t, isS3NotFound(fmt.Errorf("wrapped: %w", newErr(http.StatusNotFound))))
	assert.False(t, isS3NotFound(newErr(http.StatusForbidden)))
	assert.False(t, isS3NotFound(fmt.Errorf("plain")))
}

func TestS3ResolveEndpoint(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.S3.Bucket = "interop-bucket"
	cfg.S3.ForcePathStyle = true
	s := &S3{Config: &cfg.S3}
	endpoint, err := s.ResolveEndpoint(context.Background(), s3.EndpointParameters{
		Bucket: aws.String("interop-bucket"),
		Region: aws.String(cfg.S3.Region),
	})
	require.NoError(t, err)
	assert.Equal(t, "storage.googleapis.com", endpoint.URI.Host)
}

func TestS3PutStatGet(t *testing.T) {
	s := newTestS3(t, map[string]string{"run_id": "42"})
	ctx := context.Background()
	putString(t, s, "test0.json", `{"index":0}`)

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(testS3Bucket),
		Key:    aws.String("prefix-1/prefix-2/prefix-3/test0.json"),
	})
	require.NoError(t, err)
	assert.Equal(t, "42", head.Metadata["run_id"])

	f, err := s.StatFile(ctx, "test0.json")
	require.NoError(t, err)
	assert.Equal(t, int64(len(`{"index":0}`)), f.Size())

	r, err := s.GetFileReader(ctx, "test0.json")
	require.NoError(t, err)
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, `{"index":0}`, string(body))

	putString(t, s, "test0.json", "second")
	r, err = s.GetFileReader(ctx, "test0.json")
	require.NoError(t, err)
	body, err = io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "second", string(body))
}

func TestS3NotFound(t *testing.T) {
	s := newTestS3(t, nil)
	ctx := context.Background()
	_, err := s.StatFile(ctx, "missing.json")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteFile(ctx, "missing.json"), ErrNotFound)
	_, err = s.GetFileReader(ctx, "missing.json")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.CopyObject(ctx, "missing.json", "other.json")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3Walk(t *testing.T) {
	s := newTestS3(t, nil)
	putString(t, s, "a.json", "a")
	putString(t, s, "sub/b.json", "bb")
	putString(t, s, "sub/deeper/c.json", "ccc")

	assert.Equal(t, []string{"a.json", "sub/b.json", "sub/deeper/c.json"}, walkNames(t, s, "", true))
	assert.Equal(t, []string{"a.json", "sub/"}, walkNames(t, s, "", false))
	assert.Equal(t, []string{"b.json", "deeper/c.json"}, walkNames(t, s, "sub", true))
	assert.Empty(t, walkNames(t, s, "absent", true))

	stop := fmt.Errorf("stop")
	calls := 0
	err := s.Walk(context.Background(), "", true, func(ctx context.Context, f RemoteFile) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestS3CopyAndDelete(t *testing.T) {
	s := newTestS3(t, nil)
	ctx := context.Background()
	putString(t, s, "src.json", "payload")

	size, err := s.CopyObject(ctx, "src.json", "copies/dst.json")
	require.NoError(t, err)
	assert.Equal(t, int64(len("payload")), size)
	assert.Equal(t, []string{"copies/dst.json", "src.json"}, walkNames(t, s, "", true))

	require.NoError(t, s.DeleteFile(ctx, "src.json"))
	_, err = s.StatFile(ctx, "src.json")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"copies/dst.json"}, walkNames(t, s, "", true))
}

func TestS3DestinationUploadDownload(t *testing.T) {
	dst := NewDestination(newTestS3(t, nil), 1, 0)
	ctx := context.Background()

	localPath := filepath.Join(t.TempDir(), "test1.json")
	require.NoError(t, os.WriteFile(localPath, []byte(`{"index":1}`), 0640))
	size, err := dst.UploadFile(ctx, localPath, "nested/test1.json")
	require.NoError(t, err)

	downloadDir := t.TempDir()
	files, bytesTotal, err := dst.DownloadPath(ctx, "nested", downloadDir)
	require.NoError(t, err)
	assert.Equal(t, 1, files)
	assert.Equal(t, size, bytesTotal)
	content, err := os.ReadFile(filepath.Join(downloadDir, "test1.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"index":1}`, string(content))
}
