package main

import (
	"context"
	"strings"

	"github.com/Luzifer/fetchcache/pkg/storage"
	"github.com/Luzifer/fetchcache/pkg/storage/gcs"
	"github.com/Luzifer/fetchcache/pkg/storage/local"
)

// newStorage selects the backend by the form of the location: gs://
// URIs are stored in GCS, everything else is a local directory
func newStorage(ctx context.Context, location string) (storage.Storage, error) {
	if strings.HasPrefix(location, "gs://") {
		return gcs.New(ctx, location)
	}

	return local.New(location)
}
