// Package loader implements the read-through cache: it serves entries
// from the storage while they are fresh and fetches a replacement
// through a Fetcher otherwise
package loader

import (
	"context"
	"time"

	"github.com/Luzifer/fetchcache/pkg/freshness"
	"github.com/Luzifer/fetchcache/pkg/keymap"
	"github.com/Luzifer/fetchcache/pkg/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Cache status of a returned Entry
const (
	StatusHit   Status = "HIT"
	StatusMiss  Status = "MISS"
	StatusStale Status = "STALE"
)

type (
	// Fetcher retrieves the current content for a key from its origin
	Fetcher interface {
		Fetch(ctx context.Context, key string) ([]byte, error)
	}

	// FetcherFunc adapts a plain function to the Fetcher interface
	FetcherFunc func(ctx context.Context, key string) ([]byte, error)

	// Status tells where the content of an Entry came from
	Status string

	// Entry is the result of a lookup
	Entry struct {
		Key       string
		Name      string
		Body      []byte
		LastWrite time.Time
		Status    Status
	}

	// Loader combines storage, freshness policy and fetcher. A Loader is
	// safe for concurrent use; concurrent lookups of the same key are
	// serialized so a cold or expired entry is fetched once.
	Loader struct {
		store        storage.Storage
		fetcher      Fetcher
		mapper       keymap.Mapper
		expiration   freshness.Expiration
		staleOnError bool
		now          func() time.Time
		logger       *logrus.Entry

		locks keyLocks
	}

	// Option configures a Loader
	Option func(*Loader)
)

// Fetch implements the Fetcher interface
func (f FetcherFunc) Fetch(ctx context.Context, key string) ([]byte, error) { return f(ctx, key) }

// WithExpiration sets how long entries are served without refetching
// them. Defaults to freshness.Never().
func WithExpiration(exp freshness.Expiration) Option {
	return func(l *Loader) { l.expiration = exp }
}

// WithKeyMapper sets the mapping from keys to storage names. Defaults
// to keymap.Normalize.
func WithKeyMapper(m keymap.Mapper) Option {
	return func(l *Loader) { l.mapper = m }
}

// WithStaleOnError makes the Loader serve an expired entry when fetching
// its replacement fails instead of returning the fetch error
func WithStaleOnError(enabled bool) Option {
	return func(l *Loader) { l.staleOnError = enabled }
}

// WithClock replaces time.Now for the freshness decision
func WithClock(now func() time.Time) Option {
	return func(l *Loader) { l.now = now }
}

// WithLogger sets the logger to use
func WithLogger(logger *logrus.Entry) Option {
	return func(l *Loader) { l.logger = logger }
}

// New creates a Loader storing into store and fetching through fetcher
func New(store storage.Storage, fetcher Fetcher, opts ...Option) *Loader {
	l := &Loader{
		store:      store,
		fetcher:    fetcher,
		mapper:     keymap.Normalize,
		expiration: freshness.Never(),
		now:        time.Now,
		logger:     logrus.NewEntry(logrus.StandardLogger()),
	}

	for _, o := range opts {
		o(l)
	}

	return l
}

// Get returns the content for key, see GetEntry
func (l *Loader) Get(ctx context.Context, key string) ([]byte, error) {
	e, err := l.GetEntry(ctx, key)
	if err != nil {
		return nil, err
	}
	return e.Body, nil
}

// GetEntry returns the cached entry for key while it is fresh and
// fetches and stores a new copy otherwise. Errors are either a
// *FetchError or a *StorageError.
func (l *Loader) GetEntry(ctx context.Context, key string) (*Entry, error) {
	name := l.mapper.StorageName(key)
	logger := l.logger.WithFields(logrus.Fields{"key": key, "name": name})

	unlock := l.locks.lock(name)
	defer unlock()

	exists, err := l.store.Exists(ctx, name)
	if err != nil {
		return nil, &StorageError{Name: name, Err: err}
	}

	if exists {
		e, err := l.readFresh(ctx, key, name)
		switch {
		case err == nil && e != nil:
			logger.WithField("status", e.Status).Debug("serving cached entry")
			return e, nil

		case errors.Is(err, storage.ErrEntryNotFound):
			// Removed from the storage in the meantime
			exists = false

		case err != nil:
			return nil, &StorageError{Name: name, Err: err}
		}
	}

	return l.renew(ctx, logger, key, name, exists)
}

// Refresh fetches and stores a new copy of key regardless of the
// freshness of the cached entry
func (l *Loader) Refresh(ctx context.Context, key string) (*Entry, error) {
	name := l.mapper.StorageName(key)
	logger := l.logger.WithFields(logrus.Fields{"key": key, "name": name})

	unlock := l.locks.lock(name)
	defer unlock()

	exists, err := l.store.Exists(ctx, name)
	if err != nil {
		return nil, &StorageError{Name: name, Err: err}
	}

	return l.renew(ctx, logger, key, name, exists)
}

// readFresh returns the stored entry if it is still fresh or nil if it
// needs to be renewed
func (l *Loader) readFresh(ctx context.Context, key, name string) (*Entry, error) {
	lastWrite, err := l.store.LastWriteTime(ctx, name)
	if err != nil {
		return nil, err
	}

	if !freshness.IsFresh(lastWrite, l.now(), l.expiration) {
		return nil, nil
	}

	body, err := l.store.Read(ctx, name)
	if err != nil {
		return nil, err
	}

	return &Entry{Key: key, Name: name, Body: body, LastWrite: lastWrite, Status: StatusHit}, nil
}

func (l *Loader) renew(ctx context.Context, logger *logrus.Entry, key, name string, cached bool) (*Entry, error) {
	logger.Debug("fetching entry")

	body, err := l.fetcher.Fetch(ctx, key)
	if err != nil {
		fetchErr := &FetchError{Key: key, Err: err}
		if !cached || !l.staleOnError {
			return nil, fetchErr
		}

		e, staleErr := l.readStale(ctx, key, name)
		if staleErr != nil {
			logger.WithError(staleErr).Error("reading stale entry after failed fetch")
			return nil, fetchErr
		}

		logger.WithError(err).Warn("fetch failed, serving stale entry")
		return e, nil
	}

	lastWrite, err := l.store.WriteAtomic(ctx, name, body)
	if err != nil {
		return nil, &StorageError{Name: name, Err: err}
	}

	logger.WithField("status", StatusMiss).Debug("stored fetched entry")
	return &Entry{Key: key, Name: name, Body: body, LastWrite: lastWrite, Status: StatusMiss}, nil
}

func (l *Loader) readStale(ctx context.Context, key, name string) (*Entry, error) {
	lastWrite, err := l.store.LastWriteTime(ctx, name)
	if err != nil {
		return nil, errors.Wrap(err, "get last write time")
	}

	body, err := l.store.Read(ctx, name)
	if err != nil {
		return nil, errors.Wrap(err, "read entry")
	}

	return &Entry{Key: key, Name: name, Body: body, LastWrite: lastWrite, Status: StatusStale}, nil
}
