package smoke

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/curious-entropy/cloud-smoke/pkg/pidlock"
	"github.com/curious-entropy/cloud-smoke/pkg/storage"
	"github.com/curious-entropy/cloud-smoke/pkg/utils"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// RunStorage creates local files, uploads them and deletes both copies, returns the count of deleted files
func (s *Smoke) RunStorage(ctx context.Context) (int, error) {
	log.Info().Msg("Begin.")
	localDir := s.cfg.General.LocalDir
	lockName := pidlock.LockName(localDir)
	if err := pidlock.CheckAndCreatePidFile("", lockName, "storage"); err != nil {
		return 0, err
	}
	defer pidlock.RemovePidFile("", lockName)

	if err := s.connectStorage(ctx); err != nil {
		return 0, err
	}
	paths, err := CreateFiles(localDir, s.cfg.General.FilesCount)
	if err != nil {
		return 0, err
	}
	if _, err = s.UploadFiles(ctx, paths); err != nil {
		return 0, err
	}
	deleted, err := s.DeleteFiles(ctx, paths)
	if err != nil {
		return deleted, err
	}
	log.Info().Msg("Done.")
	return deleted, nil
}

// UploadFiles puts every local file under the configured path, named by its base name
func (s *Smoke) UploadFiles(ctx context.Context, paths []string) (int64, error) {
	if err := s.connectStorage(ctx); err != nil {
		return 0, err
	}
	var uploadedBytes int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(int(max(s.cfg.General.UploadConcurrency, 1)))
	for _, localPath := range paths {
		g.Go(func() error {
			key := filepath.Base(localPath)
			start := time.Now()
			log.Info().Msgf("Uploading to: %s.", s.dst.RemoteKey(key))
			size, err := s.dst.UploadFile(ctx, localPath, key)
			if err != nil {
				return errors.Wrapf(err, "can't upload %s", localPath)
			}
			atomic.AddInt64(&uploadedBytes, size)
			log.Debug().
				Str("key", s.dst.RemoteKey(key)).
				Str("duration", utils.HumanizeDuration(time.Since(start))).
				Str("size", utils.FormatBytes(uint64(size))).
				Msg("done")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return uploadedBytes, nil
}

// DeleteFiles removes the remote object first and then the local file.
// A local file is kept when its remote delete failed, failures don't stop the loop and are returned together.
func (s *Smoke) DeleteFiles(ctx context.Context, paths []string) (int, error) {
	if err := s.connectStorage(ctx); err != nil {
		return 0, err
	}
	var failures []storage.KeyError
	deleted := 0
	for _, localPath := range paths {
		key := filepath.Base(localPath)
		log.Info().Msgf("Deleting: %s.", s.dst.RemoteKey(key))
		if err := s.dst.DeleteFile(ctx, key); err != nil {
			log.Error().Err(err).Str("key", s.dst.RemoteKey(key)).Msg("remote delete failed, local file kept")
			failures = append(failures, storage.KeyError{Key: s.dst.RemoteKey(key), Err: err})
			continue
		}
		if err := os.Remove(localPath); err != nil {
			log.Error().Err(err).Str("path", localPath).Msg("local delete failed")
			failures = append(failures, storage.KeyError{Key: localPath, Err: err})
			continue
		}
		deleted++
	}
	if len(failures) > 0 {
		return deleted, &storage.BatchDeleteError{
			Message:  fmt.Sprintf("can't delete %d of %d files", len(paths)-deleted, len(paths)),
			Failures: failures,
		}
	}
	return deleted, nil
}

// List walks remote objects under prefix, prefix is relative to the configured path
func (s *Smoke) List(ctx context.Context, prefix string, recursive bool) ([]storage.RemoteFile, error) {
	prefix, err := utils.CleanPrefix(prefix)
	if err != nil {
		return nil, err
	}
	if err := s.connectStorage(ctx); err != nil {
		return nil, err
	}
	var files []storage.RemoteFile
	err = s.dst.Walk(ctx, prefix, recursive, func(ctx context.Context, f storage.RemoteFile) error {
		files = append(files, f)
		log.Info().
			Str("size", utils.FormatBytes(uint64(f.Size()))).
			Time("last_modified", f.LastModified()).
			Msg(path.Join(s.dst.RemoteKey(prefix), f.Name()))
		return nil
	})
	return files, err
}

// Download copies every object under prefix into localDir
func (s *Smoke) Download(ctx context.Context, prefix string, localDir string) (int, error) {
	prefix, err := utils.CleanPrefix(prefix)
	if err != nil {
		return 0, err
	}
	if err := s.connectStorage(ctx); err != nil {
		return 0, err
	}
	start := time.Now()
	files, size, err := s.dst.DownloadPath(ctx, prefix, localDir)
	if err != nil {
		return files, err
	}
	log.Info().
		Str("prefix", s.dst.RemoteKey(prefix)).
		Str("local_dir", localDir).
		Int("files", files).
		Str("size", utils.FormatBytes(uint64(size))).
		Str("duration", utils.HumanizeDuration(time.Since(start))).
		Msg("download done")
	return files, nil
}

// Copy is a server side copy inside the bucket
func (s *Smoke) Copy(ctx context.Context, srcKey, dstKey string) (int64, error) {
	if err := s.connectStorage(ctx); err != nil {
		return 0, err
	}
	srcKey, err := utils.CleanKey(srcKey)
	if err != nil {
		return 0, err
	}
	dstKey, err = utils.CleanKey(dstKey)
	if err != nil {
		return 0, err
	}
	if srcKey == dstKey {
		return 0, fmt.Errorf("source and destination are the same key %s", srcKey)
	}
	size, err := s.dst.CopyObject(ctx, srcKey, dstKey)
	if err != nil {
		return 0, errors.Wrapf(err, "can't copy %s to %s", s.dst.RemoteKey(srcKey), s.dst.RemoteKey(dstKey))
	}
	log.Info().Str("size", utils.FormatBytes(uint64(size))).Msgf("Copied %s to %s.", s.dst.RemoteKey(srcKey), s.dst.RemoteKey(dstKey))
	return size, nil
}

// Move - copy, then delete the source
func (s *Smoke) Move(ctx context.Context, srcKey, dstKey string) (int64, error) {
	size, err := s.Copy(ctx, srcKey, dstKey)
	if err != nil {
		return 0, err
	}
	srcKey, _ = utils.CleanKey(srcKey)
	dstKey, _ = utils.CleanKey(dstKey)
	if err := s.dst.DeleteFile(ctx, srcKey); err != nil {
		return size, errors.Wrapf(err, "copied to %s but can't delete source %s", s.dst.RemoteKey(dstKey), s.dst.RemoteKey(srcKey))
	}
	log.Info().Msgf("Moved %s to %s.", s.dst.RemoteKey(srcKey), s.dst.RemoteKey(dstKey))
	return size, nil
}

// Clean deletes every object under prefix, deletes run with upload_concurrency and failures are collected
func (s *Smoke) Clean(ctx context.Context, prefix string) (int, error) {
	prefix, err := utils.CleanPrefix(prefix)
	if err != nil {
		return 0, err
	}
	if err := s.connectStorage(ctx); err != nil {
		return 0, err
	}
	var keys []string
	if err := s.dst.Walk(ctx, prefix, true, func(ctx context.Context, f storage.RemoteFile) error {
		keys = append(keys, storage.JoinKey(prefix, f.Name()))
		return nil
	}); err != nil {
		return 0, err
	}
	var mu sync.Mutex
	var failures []storage.KeyError
	g := errgroup.Group{}
	g.SetLimit(int(max(s.cfg.General.UploadConcurrency, 1)))
	for _, key := range keys {
		g.Go(func() error {
			log.Info().Msgf("Deleting: %s.", s.dst.RemoteKey(key))
			if err := s.dst.DeleteFile(ctx, key); err != nil {
				mu.Lock()
				failures = append(failures, storage.KeyError{Key: s.dst.RemoteKey(key), Err: err})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	deleted := len(keys) - len(failures)
	if len(failures) > 0 {
		return deleted, &storage.BatchDeleteError{
			Message:  fmt.Sprintf("can't clean %s", s.dst.RemoteKey(prefix)),
			Failures: failures,
		}
	}
	log.Info().Int("objects", deleted).Msgf("Cleaned %s.", s.dst.RemoteKey(prefix))
	return deleted, nil
}
