package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/curious-entropy/cloud-smoke/pkg/config"
	"github.com/eapache/go-resiliency/retrier"
	"github.com/rs/zerolog/log"
)

// Destination wraps a RemoteStorage with the retry policy from the general config section
type Destination struct {
	RemoteStorage
	retriesOnFailure int
	retriesDuration  time.Duration
}

func (d *Destination) retry() *retrier.Retrier {
	return retrier.New(retrier.ConstantBackoff(d.retriesOnFailure, d.retriesDuration), nil)
}

// UploadFile puts one local file under key, the file is reopened on every attempt
func (d *Destination) UploadFile(ctx context.Context, localPath string, key string) (int64, error) {
	var size int64
	err := d.retry().RunCtx(ctx, func(ctx context.Context) error {
		f, err := os.Open(filepath.Clean(localPath))
		if err != nil {
			return err
		}
		fi, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return err
		}
		size = fi.Size()
		if err = d.PutFile(ctx, key, io.NopCloser(f), size); err != nil {
			log.Warn().Str("key", key).Err(err).Msg("PutFile failed")
		}
		if closeErr := f.Close(); closeErr != nil {
			log.Warn().Msgf("can't close UploadFile file descriptor %s: %v", localPath, closeErr)
		}
		return err
	})
	return size, err
}

// DownloadFile writes the object stored under key to localPath, creating parent directories
func (d *Destination) DownloadFile(ctx context.Context, key string, localPath string) (int64, error) {
	var written int64
	err := d.retry().RunCtx(ctx, func(ctx context.Context) error {
		r, err := d.GetFileReader(ctx, key)
		if err != nil {
			log.Error().Err(err).Send()
			return err
		}
		defer func() {
			if err := r.Close(); err != nil {
				log.Warn().Msgf("can't close reader for %s: %v", key, err)
			}
		}()
		if err := os.MkdirAll(filepath.Dir(localPath), 0750); err != nil {
			log.Error().Err(err).Send()
			return err
		}
		dst, err := os.Create(filepath.Clean(localPath))
		if err != nil {
			log.Error().Err(err).Send()
			return err
		}
		if written, err = io.Copy(dst, r); err != nil {
			_ = dst.Close()
			log.Error().Err(err).Send()
			return err
		}
		return dst.Close()
	})
	return written, err
}

// DownloadPath fetches every object under remotePath into localPath keeping relative names.
// Objects whose names would resolve outside localPath are skipped.
func (d *Destination) DownloadPath(ctx context.Context, remotePath string, localPath string) (int, int64, error) {
	files := 0
	var totalBytes int64
	err := d.Walk(ctx, remotePath, true, func(ctx context.Context, f RemoteFile) error {
		key := JoinKey(remotePath, f.Name())
		target := filepath.Join(localPath, filepath.FromSlash(f.Name()))
		if rel, err := filepath.Rel(localPath, target); err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			log.Warn().Str("key", d.RemoteKey(key)).Str("local_dir", localPath).Msg("skip object, local path is outside local_dir")
			return nil
		}
		size, err := d.DownloadFile(ctx, key, target)
		if err != nil {
			return err
		}
		files++
		totalBytes += size
		return nil
	})
	return files, totalBytes, err
}

// JoinKey appends key to root as is, object names may legally contain "//" or ".." segments
func JoinKey(root, key string) string {
	root = strings.TrimSuffix(root, "/")
	key = strings.TrimPrefix(key, "/")
	switch {
	case root == "":
		return key
	case key == "":
		return root
	}
	return root + "/" + key
}

// NewRemoteStorage builds the backend selected by general.remote_storage, labels end up in object metadata
func NewRemoteStorage(cfg *config.Config, labels map[string]string) (*Destination, error) {
	var remote RemoteStorage
	switch cfg.General.RemoteStorage {
	case "gcs":
		remote = NewGCS(&cfg.GCS, labels, nil)
	case "s3":
		remote = &S3{
			Config:      &cfg.S3,
			Concurrency: int(cfg.General.UploadConcurrency),
			PartSize:    5 * 1024 * 1024,
			Labels:      labels,
		}
	default:
		return nil, fmt.Errorf("storage type '%s' is not supported", cfg.General.RemoteStorage)
	}
	return NewDestination(remote, cfg.General.RetriesOnFailure, cfg.General.RetriesDuration), nil
}

func NewDestination(remote RemoteStorage, retriesOnFailure int, retriesDuration time.Duration) *Destination {
	return &Destination{
		RemoteStorage:    remote,
		retriesOnFailure: retriesOnFailure,
		retriesDuration:  retriesDuration,
	}
}
