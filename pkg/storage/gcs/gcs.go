// Package gcs implements a storage backend saving files in GCS
package gcs

import (
	"context"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/Luzifer/fetchcache/pkg/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Storage implements the storage.Storage interface for GCS storage. The
// object's update time serves as last-write time of the entry. Uploads
// only become visible once finished so readers never see a partial
// object.
type Storage struct {
	bucket string
	client *gcs.Client
	prefix string
}

var _ storage.Storage = Storage{}

// New returns a new GCS storage backend for a gs://bucket/prefix URI
func New(ctx context.Context, bucketURI string) (*Storage, error) {
	if _, _, err := parseBucketURI(bucketURI); err != nil {
		return nil, err
	}

	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "create GCS client")
	}

	return NewWithClient(client, bucketURI)
}

// NewWithClient returns a new GCS storage backend using an existing client
func NewWithClient(client *gcs.Client, bucketURI string) (*Storage, error) {
	bucket, prefix, err := parseBucketURI(bucketURI)
	if err != nil {
		return nil, err
	}

	return &Storage{
		bucket: bucket,
		client: client,
		prefix: prefix,
	}, nil
}

// Close releases the underlying GCS client
func (s Storage) Close() error {
	return errors.Wrap(s.client.Close(), "close GCS client")
}

// Exists implements the storage.Storage Exists method
func (s Storage) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.attrs(ctx, name)
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
func (s Storage) LastWriteTime(ctx context.Context, name string) (time.Time, error) {
	attrs, err := s.attrs(ctx, name)
	if err != nil {
		return time.Time{}, err
	}

	return attrs.Updated, nil
}

// Read implements the storage.Storage Read method
func (s Storage) Read(ctx context.Context, name string) ([]byte, error) {
	r, err := s.object(name).NewReader(ctx)
	switch {
	case err == nil:
		// This is fine

	case errors.Is(err, gcs.ErrObjectNotExist):
		return nil, storage.ErrEntryNotFound

	default:
		return nil, storage.NewOpError(storage.OpRead, name, errors.Wrap(err, "get object reader"))
	}
	defer func() {
		if err := r.Close(); err != nil {
			logrus.WithError(err).Error("closing object reader (leaked fd)")
		}
	}()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, storage.NewOpError(storage.OpRead, name, errors.Wrap(err, "read object"))
	}

	return data, nil
}

// WriteAtomic implements the storage.Storage WriteAtomic method
func (s Storage) WriteAtomic(ctx context.Context, name string, data []byte) (time.Time, error) {
	// Canceling the writer context aborts the upload and keeps the
	// previous object generation in place
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.object(name).NewWriter(wctx)
	w.ContentType = "application/octet-stream"

	if _, err := w.Write(data); err != nil {
		cancel()
		_ = w.Close()
		return time.Time{}, storage.NewOpError(storage.OpWrite, name, errors.Wrap(err, "upload content"))
	}

	if err := w.Close(); err != nil {
		return time.Time{}, storage.NewOpError(storage.OpWrite, name, errors.Wrap(err, "finish upload"))
	}

	return w.Attrs().Updated, nil
}

func (s Storage) attrs(ctx context.Context, name string) (*gcs.ObjectAttrs, error) {
	attrs, err := s.object(name).Attrs(ctx)
	switch {
	case err == nil:
		return attrs, nil

	case errors.Is(err, gcs.ErrObjectNotExist):
		return nil, storage.ErrEntryNotFound

	default:
		return nil, storage.NewOpError(storage.OpStat, name, errors.Wrap(err, "get object meta"))
	}
}

func (s Storage) object(name string) *gcs.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(objectName(s.prefix, name))
}

func objectName(prefix, name string) string {
	return strings.TrimLeft(path.Join(prefix, name), "/")
}

func parseBucketURI(bucketURI string) (bucket, prefix string, err error) {
	uri, err := url.Parse(bucketURI)
	if err != nil {
		return "", "", errors.Wrap(err, "parse GCS bucket URI")
	}

	if uri.Scheme != "gs" || uri.Host == "" {
		return "", "", errors.New("invalid GCS bucket URI")
	}

	return uri.Host, strings.TrimLeft(uri.Path, "/"), nil
}
