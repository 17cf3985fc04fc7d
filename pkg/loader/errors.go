package loader

import "fmt"

type (
	// FetchError is returned when the fetcher could not produce the
	// content and no usable cached copy was available
	FetchError struct {
		Key string
		Err error
	}

	// StorageError wraps any failure of the underlying storage.Storage
	StorageError struct {
		Name string
		Err  error
	}
)

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %q: %v", e.Key, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *StorageError) Error() string {
	return fmt.Sprintf("accessing cache storage for %q: %v", e.Name, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
