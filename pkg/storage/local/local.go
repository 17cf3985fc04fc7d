// Package local implements a storage.Storage backend for local file storage
package local

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Luzifer/fetchcache/pkg/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const (
	storageLocalDirPermission = 0o700
	tempFileSuffix            = ".tmp-*"
)

type (
	// Storage implements the storage.Storage interface for local file
	// storage. Every entry is a single file directly inside the base
	// directory, its modification time is the entry's last-write time.
	Storage struct {
		basePath string
		fs       afero.Fs
		now      func() time.Time
	}

	// Option configures the Storage
	Option func(*Storage)
)

var _ storage.Storage = (*Storage)(nil)

// WithFs replaces the OS filesystem, mainly used to run on an in-memory
// filesystem in tests
func WithFs(fs afero.Fs) Option { return func(s *Storage) { s.fs = fs } }

// WithClock sets the clock used to stamp written entries
func WithClock(now func() time.Time) Option { return func(s *Storage) { s.now = now } }

// New returns a new local file storage rooted at basePath, creating
// the directory if it does not exist yet
func New(basePath string, opts ...Option) (*Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	s := &Storage{
		basePath: filepath.Clean(basePath),
		fs:       afero.NewOsFs(),
		now:      time.Now,
	}

	for _, o := range opts {
		o(s)
	}

	if err := s.fs.MkdirAll(s.basePath, storageLocalDirPermission); err != nil {
		return nil, errors.Wrap(err, "create cache dir")
	}

	return s, nil
}

// Exists implements the storage.Storage Exists method
func (s Storage) Exists(_ context.Context, name string) (bool, error) {
	_, err := s.stat(name)
	switch {
	case err == nil:
		return true, nil

	case errors.Is(err, storage.ErrEntryNotFound):
		return false, nil

	default:
		return false, err
	}
}

// LastWriteTime implements the storage.Storage LastWriteTime method
func (s Storage) LastWriteTime(_ context.Context, name string) (time.Time, error) {
	info, err := s.stat(name)
	if err != nil {
		return time.Time{}, err
	}

	return info.ModTime(), nil
}

// Read implements the storage.Storage Read method
func (s Storage) Read(_ context.Context, name string) ([]byte, error) {
	p, err := s.entryPath(name)
	if err != nil {
		return nil, storage.NewOpError(storage.OpRead, name, err)
	}

	f, err := s.fs.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrEntryNotFound
		}
		return nil, storage.NewOpError(storage.OpRead, name, errors.Wrap(err, "open cache file"))
	}
	defer func() {
		if err := f.Close(); err != nil {
			logrus.WithError(err).Error("closing cache file (leaked fd)")
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, storage.NewOpError(storage.OpRead, name, errors.Wrap(err, "stat cache file"))
	}
	if info.IsDir() {
		return nil, storage.ErrEntryNotFound
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, storage.NewOpError(storage.OpRead, name, errors.Wrap(err, "read cache file"))
	}

	return data, nil
}

// WriteAtomic implements the storage.Storage WriteAtomic method. The
// content is written to a temporary file next to the entry which then
// replaces the entry by a rename.
func (s Storage) WriteAtomic(ctx context.Context, name string, data []byte) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, storage.NewOpError(storage.OpWrite, name, err)
	}

	p, err := s.entryPath(name)
	if err != nil {
		return time.Time{}, storage.NewOpError(storage.OpWrite, name, err)
	}

	if err = s.fs.MkdirAll(s.basePath, storageLocalDirPermission); err != nil {
		return time.Time{}, storage.NewOpError(storage.OpWrite, name, errors.Wrap(err, "create cache dir"))
	}

	if err = s.writeTemp(p, name, data); err != nil {
		return time.Time{}, storage.NewOpError(storage.OpWrite, name, err)
	}

	completed := s.now()
	if err = s.fs.Chtimes(p, completed, completed); err != nil {
		logrus.WithError(err).WithField("name", name).Warn("setting cache file modification time")
	}

	// The entry is in place at this point, failing to stat it must not
	// fail the write
	info, err := s.fs.Stat(p)
	if err != nil {
		logrus.WithError(err).WithField("name", name).Warn("getting written cache file stat")
		return completed, nil
	}

	return info.ModTime(), nil
}

func (s Storage) writeTemp(p, name string, data []byte) (err error) {
	f, err := afero.TempFile(s.fs, s.basePath, "."+name+tempFileSuffix)
	if err != nil {
		return errors.Wrap(err, "create temporary cache file")
	}
	tmpName := f.Name()

	defer func() {
		if err == nil {
			return
		}
		if rmErr := s.fs.Remove(tmpName); rmErr != nil && !os.IsNotExist(rmErr) {
			logrus.WithError(rmErr).WithField("path", tmpName).Error("removing temporary cache file")
		}
	}()

	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "write temporary cache file")
	}

	if err = f.Sync(); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "sync temporary cache file")
	}

	if err = f.Close(); err != nil {
		return errors.Wrap(err, "close temporary cache file")
	}

	return errors.Wrap(s.fs.Rename(tmpName, p), "replace cache file")
}

func (s Storage) stat(name string) (os.FileInfo, error) {
	p, err := s.entryPath(name)
	if err != nil {
		return nil, storage.NewOpError(storage.OpStat, name, err)
	}

	info, err := s.fs.Stat(p)
	switch {
	case err == nil && info.IsDir():
		return nil, storage.ErrEntryNotFound

	case err == nil:
		return info, nil

	case os.IsNotExist(err):
		return nil, storage.ErrEntryNotFound

	default:
		return nil, storage.NewOpError(storage.OpStat, name, errors.Wrap(err, "getting cache file stat"))
	}
}

func (s Storage) entryPath(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", errors.Errorf("invalid storage name %q", name)
	}

	return filepath.Join(s.basePath, name), nil
}
