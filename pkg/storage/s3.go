package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsV2Config "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	s3manager "github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyendpoints "github.com/aws/smithy-go/endpoints"
	awsV2Logging "github.com/aws/smithy-go/logging"
	awsV2http "github.com/aws/smithy-go/transport/http"
	"github.com/curious-entropy/cloud-smoke/pkg/config"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type S3LogToZeroLogAdapter struct {
	logger zerolog.Logger
}

func newS3Logger(logger zerolog.Logger) S3LogToZeroLogAdapter {
	return S3LogToZeroLogAdapter{
		logger: logger,
	}
}

func (adapter S3LogToZeroLogAdapter) Logf(severity awsV2Logging.Classification, msg string, args ...interface{}) {
	msg = fmt.Sprintf("[s3:%s] %s", severity, msg)
	if len(args) > 0 {
		adapter.logger.Info().Msgf(msg, args...)
	} else {
		adapter.logger.Info().Msg(msg)
	}
}

// RecalculateV4Signature allow GCS over S3, remove Accept-Encoding header from sign https://stackoverflow.com/a/74382598/1204665, https://github.com/aws/aws-sdk-go-v2/issues/1816
type RecalculateV4Signature struct {
	next      http.RoundTripper
	signer    *v4.Signer
	awsConfig aws.Config
}

func (lt *RecalculateV4Signature) RoundTrip(req *http.Request) (*http.Response, error) {
	acceptEncodingValue := req.Header.Get("Accept-Encoding")
	req.Header.Del("Accept-Encoding")

	// sign with the same date
	timeString := req.Header.Get("X-Amz-Date")
	timeDate, _ := time.Parse("20060102T150405Z", timeString)

	creds, err := lt.awsConfig.Credentials.Retrieve(req.Context())
	if err != nil {
		return nil, err
	}
	err = lt.signer.SignHTTP(req.Context(), creds, req, v4.GetPayloadHash(req.Context()), "s3", lt.awsConfig.Region, timeDate)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", acceptEncodingValue)
	return lt.next.RoundTrip(req)
}

// S3 - presents methods for manipulate data on S3 compatible storage, GCS interoperability API included
type S3 struct {
	client      *s3.Client
	Config      *config.S3Config
	Concurrency int
	PartSize    int64
	// Labels are stored as user metadata of every uploaded object
	Labels map[string]string
}

func (s *S3) Kind() string {
	return "S3"
}

func (s *S3) Bucket() string {
	return s.Config.Bucket
}

func (s *S3) ResolveEndpoint(ctx context.Context, params s3.EndpointParameters) (endpoint smithyendpoints.Endpoint, err error) {
	baseResolver := s3.NewDefaultEndpointResolverV2()
	if s.Config.Endpoint != "" {
		params.Endpoint = &s.Config.Endpoint
	}
	params.ForcePathStyle = &s.Config.ForcePathStyle
	return baseResolver.ResolveEndpoint(ctx, params)
}

// Connect - connect to s3
func (s *S3) Connect(ctx context.Context) error {
	awsConfig, err := awsV2Config.LoadDefaultConfig(
		ctx,
		awsV2Config.WithRetryMode(aws.RetryModeStandard),
	)
	if err != nil {
		return err
	}
	if s.Config.Region != "" {
		awsConfig.Region = s.Config.Region
	}
	if s.Config.AccessKey != "" && s.Config.SecretKey != "" {
		awsConfig.Credentials = credentials.StaticCredentialsProvider{
			Value: aws.Credentials{
				AccessKeyID:     s.Config.AccessKey,
				SecretAccessKey: s.Config.SecretKey,
			},
		}
	}
	if s.Config.Debug {
		awsConfig.Logger = newS3Logger(log.Logger)
		awsConfig.ClientLogMode = aws.LogRetries | aws.LogRequest | aws.LogResponse
	}

	httpTransport := http.DefaultTransport
	if s.Config.DisableCertVerification {
		httpTransport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
		awsConfig.HTTPClient = &http.Client{Transport: httpTransport}
	}

	// allow GCS over S3, remove Accept-Encoding header from sign https://stackoverflow.com/a/74382598/1204665, https://github.com/aws/aws-sdk-go-v2/issues/1816
	if strings.Contains(s.Config.Endpoint, "storage.googleapis.com") {
		awsConfig.HTTPClient = &http.Client{Transport: &RecalculateV4Signature{httpTransport, v4.NewSigner(func(signer *v4.SignerOptions) {
			signer.DisableURIPathEscaping = true
		}), awsConfig}}
	}
	s.client = s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		o.UsePathStyle = s.Config.ForcePathStyle
		o.EndpointOptions.DisableHTTPS = s.Config.DisableSSL
		o.EndpointResolverV2 = s
	})
	return nil
}

func (s *S3) Close(ctx context.Context) error {
	return nil
}

func (s *S3) RemoteKey(key string) string {
	return JoinKey(s.Config.Path, key)
}

func (s *S3) GetFileReader(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Config.Bucket),
		Key:    aws.String(s.RemoteKey(key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return resp.Body, nil
}

func (s *S3) PutFile(ctx context.Context, key string, r io.ReadCloser, localSize int64) error {
	params := s3.PutObjectInput{
		Bucket:       aws.String(s.Config.Bucket),
		Key:          aws.String(s.RemoteKey(key)),
		Body:         r,
		StorageClass: s3types.StorageClass(strings.ToUpper(s.Config.StorageClass)),
	}
	if len(s.Labels) > 0 {
		params.Metadata = s.Labels
	}
	uploader := s3manager.NewUploader(s.client)
	uploader.Concurrency = max(s.Concurrency, 1)
	uploader.PartSize = s.PartSize
	if uploader.PartSize < s3manager.MinUploadPartSize {
		uploader.PartSize = s3manager.MinUploadPartSize
	}
	_, err := uploader.Upload(ctx, &params)
	return err
}

func (s *S3) DeleteFile(ctx context.Context, key string) error {
	// DeleteObject succeeds for absent keys
	if _, err := s.StatFile(ctx, key); err != nil {
		return err
	}
	key = s.RemoteKey(key)
	params := &s3.DeleteObjectInput{
		Bucket: aws.String(s.Config.Bucket),
		Key:    aws.String(key),
	}
	if _, err := s.client.DeleteObject(ctx, params); err != nil {
		return errors.Wrapf(err, "deleteKey, deleting object bucket: %s key: %s", s.Config.Bucket, key)
	}
	return nil
}

func (s *S3) StatFile(ctx context.Context, key string) (RemoteFile, error) {
	key = s.RemoteKey(key)
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.Config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s3File{aws.ToInt64(head.ContentLength), aws.ToTime(head.LastModified), key}, nil
}

func isS3NotFound(err error) bool {
	var opError *smithy.OperationError
	if errors.As(err, &opError) {
		var httpErr *awsV2http.ResponseError
		if errors.As(opError.Err, &httpErr) {
			return httpErr.Response.StatusCode == http.StatusNotFound
		}
	}
	return false
}

func (s *S3) Walk(ctx context.Context, s3Path string, recursive bool, process func(ctx context.Context, r RemoteFile) error) error {
	rootPath := path.Join(s.Config.Path, s3Path)
	prefix := rootPath + "/"
	if rootPath == "" || rootPath == "/" || rootPath == "." {
		prefix = ""
	}
	g, ctx := errgroup.WithContext(ctx)
	s3Files := make(chan *s3File)
	g.Go(func() error {
		defer close(s3Files)
		return s.remotePager(ctx, prefix, recursive, func(page *s3.ListObjectsV2Output) {
			for _, cp := range page.CommonPrefixes {
				s3Files <- &s3File{
					name: strings.TrimPrefix(aws.ToString(cp.Prefix), prefix),
				}
			}
			for _, c := range page.Contents {
				s3Files <- &s3File{
					aws.ToInt64(c.Size),
					aws.ToTime(c.LastModified),
					strings.TrimPrefix(aws.ToString(c.Key), prefix),
				}
			}
		})
	})
	g.Go(func() error {
		var err error
		for s3FileItem := range s3Files {
			if err == nil {
				err = process(ctx, s3FileItem)
			}
		}
		return err
	})
	return g.Wait()
}

func (s *S3) remotePager(ctx context.Context, prefix string, recursive bool, process func(page *s3.ListObjectsV2Output)) error {
	params := &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.Config.Bucket),
		MaxKeys: aws.Int32(1000),
		Prefix:  aws.String(prefix),
	}
	if !recursive {
		params.Delimiter = aws.String("/")
	}
	pager := s3.NewListObjectsV2Paginator(s.client, params)
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return err
		}
		process(page)
	}
	return nil
}

func (s *S3) CopyObject(ctx context.Context, srcKey, dstKey string) (int64, error) {
	src, err := s.StatFile(ctx, srcKey)
	if err != nil {
		return 0, err
	}
	srcKey = s.RemoteKey(srcKey)
	dstKey = s.RemoteKey(dstKey)
	log.Debug().Msgf("S3->CopyObject %s/%s -> %s/%s", s.Config.Bucket, srcKey, s.Config.Bucket, dstKey)
	params := &s3.CopyObjectInput{
		Bucket:       aws.String(s.Config.Bucket),
		Key:          aws.String(dstKey),
		CopySource:   aws.String(JoinKey(s.Config.Bucket, srcKey)),
		StorageClass: s3types.StorageClass(strings.ToUpper(s.Config.StorageClass)),
	}
	if _, err := s.client.CopyObject(ctx, params); err != nil {
		return 0, fmt.Errorf("S3->CopyObject %s/%s -> %s/%s return error: %v", s.Config.Bucket, srcKey, s.Config.Bucket, dstKey, err)
	}
	return src.Size(), nil
}

type s3File struct {
	size         int64
	lastModified time.Time
	name         string
}

func (f *s3File) Size() int64 {
	return f.size
}

func (f *s3File) Name() string {
	return f.name
}

func (f *s3File) LastModified() time.Time {
	return f.lastModified
}
