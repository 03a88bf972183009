package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/curious-entropy/cloud-smoke/pkg/config"
	pool "github.com/jolestar/go-commons-pool/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/api/option/internaloption"
	googleHTTPTransport "google.golang.org/api/transport/http"
)

// GCS - presents methods for manipulate data on GCS
type GCS struct {
	Config *config.GCSConfig
	// Labels are merged into the metadata of every uploaded object
	Labels map[string]string

	client     *storage.Client
	clientPool *pool.ObjectPool
	newClient  func(ctx context.Context) (*storage.Client, error)
}

type clientObject struct {
	Client *storage.Client
}

type debugGCSTransport struct {
	base http.RoundTripper
}

func (w debugGCSTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	log.Info().Str("method", r.Method).Str("url", r.URL.String()).Msg(">>> [GCS_REQUEST]")
	resp, err := w.base.RoundTrip(r)
	if err != nil {
		log.Error().Err(err).Str("method", r.Method).Str("url", r.URL.String()).Msg("GCS_ERROR")
		return resp, err
	}
	log.Info().Str("status", resp.Status).Str("method", r.Method).Str("url", r.URL.String()).Msg("<<< [GCS_RESPONSE]")
	return resp, err
}

// NewGCS - newClient may be nil, then clients are built from the config on Connect
func NewGCS(cfg *config.GCSConfig, labels map[string]string, newClient func(ctx context.Context) (*storage.Client, error)) *GCS {
	return &GCS{Config: cfg, Labels: labels, newClient: newClient}
}

func (gcs *GCS) Kind() string {
	return "GCS"
}

func (gcs *GCS) Bucket() string {
	return gcs.Config.Bucket
}

func (gcs *GCS) clientOptions(ctx context.Context) ([]option.ClientOption, error) {
	clientOptions := []option.ClientOption{option.WithTelemetryDisabled()}
	endpoint := "https://storage.googleapis.com/storage/v1/"
	if gcs.Config.Endpoint != "" {
		endpoint = gcs.Config.Endpoint
		clientOptions = append(clientOptions, option.WithEndpoint(endpoint))
	}

	if gcs.Config.CredentialsJSON != "" {
		clientOptions = append(clientOptions, option.WithCredentialsJSON([]byte(gcs.Config.CredentialsJSON)))
	} else if gcs.Config.CredentialsJSONEncoded != "" {
		d, err := base64.StdEncoding.DecodeString(gcs.Config.CredentialsJSONEncoded)
		if err != nil {
			return nil, fmt.Errorf("gcs: malformed credentials_json_encoded: %v", err)
		}
		clientOptions = append(clientOptions, option.WithCredentialsJSON(d))
	} else if gcs.Config.SkipCredentials {
		clientOptions = append(clientOptions, option.WithoutAuthentication())
	} else if gcs.Config.CredentialsFile != "" {
		clientOptions = append(clientOptions, option.WithCredentialsFile(gcs.Config.CredentialsFile))
	}

	if gcs.Config.Debug {
		if gcs.Config.Endpoint == "" {
			clientOptions = append([]option.ClientOption{option.WithScopes(storage.ScopeFullControl)}, clientOptions...)
		}
		clientOptions = append(clientOptions, internaloption.WithDefaultEndpoint(endpoint))
		if strings.HasPrefix(endpoint, "https://") {
			clientOptions = append(clientOptions, internaloption.WithDefaultMTLSEndpoint(endpoint))
		}
		debugClient, _, err := googleHTTPTransport.NewClient(ctx, clientOptions...)
		if err != nil {
			return nil, fmt.Errorf("googleHTTPTransport.NewClient error: %v", err)
		}
		debugClient.Transport = debugGCSTransport{base: debugClient.Transport}
		clientOptions = append(clientOptions, option.WithHTTPClient(debugClient))
	}
	return clientOptions, nil
}

// Connect - connect to GCS
func (gcs *GCS) Connect(ctx context.Context) error {
	var err error
	if gcs.newClient == nil {
		clientOptions, err := gcs.clientOptions(ctx)
		if err != nil {
			return err
		}
		gcs.newClient = func(ctx context.Context) (*storage.Client, error) {
			return storage.NewClient(ctx, clientOptions...)
		}
	}

	factory := pool.NewPooledObjectFactory(
		func(ctx context.Context) (interface{}, error) {
			sClient, err := gcs.newClient(ctx)
			if err != nil {
				return nil, err
			}
			return &clientObject{Client: sClient}, nil
		},
		func(ctx context.Context, object *pool.PooledObject) error {
			return object.Object.(*clientObject).Client.Close()
		},
		nil, nil, nil,
	)
	gcs.clientPool = pool.NewObjectPoolWithDefaultConfig(ctx, factory)
	poolSize := gcs.Config.ClientPoolSize
	if poolSize <= 0 {
		poolSize = 1
	}
	gcs.clientPool.Config.MaxTotal = poolSize
	gcs.clientPool.Config.MaxIdle = poolSize
	gcs.clientPool.Config.BlockWhenExhausted = true

	gcs.client, err = gcs.newClient(ctx)
	if err != nil {
		return errors.Wrapf(err, "can't create GCS client for bucket %s", gcs.Config.Bucket)
	}
	log.Debug().Str("bucket", gcs.Config.Bucket).Int("client_pool_size", poolSize).Msg("GCS connected")
	return nil
}

func (gcs *GCS) Close(ctx context.Context) error {
	if gcs.clientPool != nil {
		gcs.clientPool.Close(ctx)
	}
	if gcs.client == nil {
		return nil
	}
	return gcs.client.Close()
}

// withPooledClient borrows a client for one operation, a client that failed is invalidated instead of returned
func (gcs *GCS) withPooledClient(ctx context.Context, operation string, f func(client *storage.Client) error) error {
	pClientObj, err := gcs.clientPool.BorrowObject(ctx)
	if err != nil {
		log.Error().Msgf("gcs.%s: gcs.clientPool.BorrowObject error: %+v", operation, err)
		return err
	}
	if err = f(pClientObj.(*clientObject).Client); err != nil {
		if pErr := gcs.clientPool.InvalidateObject(ctx, pClientObj); pErr != nil {
			log.Warn().Msgf("gcs.%s: gcs.clientPool.InvalidateObject error: %+v", operation, pErr)
		}
		return err
	}
	if pErr := gcs.clientPool.ReturnObject(ctx, pClientObj); pErr != nil {
		log.Warn().Msgf("gcs.%s: gcs.clientPool.ReturnObject error: %+v", operation, pErr)
	}
	return nil
}

func (gcs *GCS) RemoteKey(key string) string {
	return JoinKey(gcs.Config.Path, key)
}

func (gcs *GCS) Walk(ctx context.Context, gcsPath string, recursive bool, process func(ctx context.Context, r RemoteFile) error) error {
	rootPath := path.Join(gcs.Config.Path, gcsPath)
	prefix := rootPath + "/"
	if rootPath == "" || rootPath == "/" || rootPath == "." {
		prefix = ""
	}
	delimiter := ""
	if !recursive {
		delimiter = "/"
	}
	it := gcs.client.Bucket(gcs.Config.Bucket).Objects(ctx, &storage.Query{
		Prefix:    prefix,
		Delimiter: delimiter,
	})
	for {
		object, err := it.Next()
		switch {
		case err == nil:
			if object.Prefix != "" {
				if err := process(ctx, &gcsFile{
					name: strings.TrimPrefix(object.Prefix, prefix),
				}); err != nil {
					return err
				}
				continue
			}
			if err := process(ctx, &gcsFile{
				size:         object.Size,
				lastModified: object.Updated,
				name:         strings.TrimPrefix(object.Name, prefix),
			}); err != nil {
				return err
			}
		case errors.Is(err, iterator.Done):
			return nil
		default:
			return err
		}
	}
}

func (gcs *GCS) GetFileReader(ctx context.Context, key string) (io.ReadCloser, error) {
	key = gcs.RemoteKey(key)
	var reader io.ReadCloser
	err := gcs.withPooledClient(ctx, "GetFileReader", func(client *storage.Client) error {
		var err error
		reader, err = client.Bucket(gcs.Config.Bucket).Object(key).NewReader(ctx)
		return err
	})
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	return reader, err
}

func (gcs *GCS) PutFile(ctx context.Context, key string, r io.ReadCloser, localSize int64) error {
	key = gcs.RemoteKey(key)
	startTime := time.Now()
	err := gcs.withPooledClient(ctx, "PutFile", func(client *storage.Client) error {
		writer := client.Bucket(gcs.Config.Bucket).Object(key).NewWriter(ctx)
		writer.ChunkSize = gcs.Config.ChunkSize
		writer.StorageClass = gcs.Config.StorageClass
		writer.ChunkRetryDeadline = 10 * time.Minute
		if len(gcs.Config.ObjectLabels) > 0 || len(gcs.Labels) > 0 {
			writer.Metadata = make(map[string]string, len(gcs.Config.ObjectLabels)+len(gcs.Labels))
			for k, v := range gcs.Config.ObjectLabels {
				writer.Metadata[k] = v
			}
			for k, v := range gcs.Labels {
				writer.Metadata[k] = v
			}
		}
		if _, err := io.Copy(writer, r); err != nil {
			log.Warn().Msgf("gcs.PutFile: can't copy %s: %+v", key, err)
			_ = writer.Close()
			return err
		}
		if err := writer.Close(); err != nil {
			log.Warn().Msgf("gcs.PutFile: can't close writer %s: %+v", key, err)
			return err
		}
		return nil
	})
	log.Debug().Str("key", key).Int64("size", localSize).Dur("duration", time.Since(startTime)).Msg("gcs.PutFile done")
	return err
}

func (gcs *GCS) StatFile(ctx context.Context, key string) (RemoteFile, error) {
	objAttr, err := gcs.client.Bucket(gcs.Config.Bucket).Object(gcs.RemoteKey(key)).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &gcsFile{
		size:         objAttr.Size,
		lastModified: objAttr.Updated,
		name:         objAttr.Name,
	}, nil
}

func (gcs *GCS) DeleteFile(ctx context.Context, key string) error {
	key = gcs.RemoteKey(key)
	err := gcs.withPooledClient(ctx, "DeleteFile", func(client *storage.Client) error {
		return client.Bucket(gcs.Config.Bucket).Object(key).Delete(ctx)
	})
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ErrNotFound
	}
	return err
}

func (gcs *GCS) CopyObject(ctx context.Context, srcKey, dstKey string) (int64, error) {
	srcKey = gcs.RemoteKey(srcKey)
	dstKey = gcs.RemoteKey(dstKey)
	log.Debug().Msgf("GCS->CopyObject %s/%s -> %s/%s", gcs.Config.Bucket, srcKey, gcs.Config.Bucket, dstKey)
	var size int64
	err := gcs.withPooledClient(ctx, "CopyObject", func(client *storage.Client) error {
		src := client.Bucket(gcs.Config.Bucket).Object(srcKey)
		dst := client.Bucket(gcs.Config.Bucket).Object(dstKey)
		attrs, err := dst.CopierFrom(src).Run(ctx)
		if err != nil {
			return err
		}
		size = attrs.Size
		return nil
	})
	if errors.Is(err, storage.ErrObjectNotExist) {
		return 0, ErrNotFound
	}
	return size, err
}

type gcsFile struct {
	size         int64
	lastModified time.Time
	name         string
}

func (f *gcsFile) Size() int64 {
	return f.size
}

func (f *gcsFile) Name() string {
	return f.name
}

func (f *gcsFile) LastModified() time.Time {
	return f.lastModified
}
