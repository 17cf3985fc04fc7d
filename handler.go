package main

import (
	"bytes"
	"net/http"
	"net/url"
	"strings"

	"github.com/Luzifer/fetchcache/pkg/loader"
	httpHelper "github.com/Luzifer/go_helpers/http"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// newHandler assembles the full handler chain served by main
func newHandler(ldr *loader.Loader) http.Handler {
	return httpHelper.NewHTTPLogHandler(skipGzipForRanges(newRouter(ldr)))
}

// skipGzipForRanges compresses responses unless a byte range is
// requested: http.ServeContent sets the Content-Length of the
// uncompressed range which a compressed body would not match
func skipGzipForRanges(next http.Handler) http.Handler {
	gzipped := httpHelper.GzipHandler(next)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			next.ServeHTTP(w, r)
			return
		}

		gzipped.ServeHTTP(w, r)
	})
}

func newRouter(ldr *loader.Loader) *mux.Router {
	r := mux.NewRouter()
	r.PathPrefix("/latest/").HandlerFunc(handleCache(ldr, "/latest/", true))
	r.PathPrefix("/").HandlerFunc(handleCache(ldr, "/", false))

	r.SkipClean(true)

	return r
}

func handleCache(ldr *loader.Loader, prefix string, update bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uri := strings.TrimPrefix(r.RequestURI, prefix)
		logger := log.WithField("url", uri)

		if u, err := url.Parse(uri); err != nil || u.Scheme == "" || u.Host == "" {
			http.Error(w, "Unable to parse requested URL", http.StatusBadRequest)
			return
		}

		logger.Debug("Received request")

		var (
			entry *loader.Entry
			err   error
		)
		if update {
			entry, err = ldr.Refresh(r.Context(), uri)
		} else {
			entry, err = ldr.GetEntry(r.Context(), uri)
		}

		var fetchErr *loader.FetchError
		switch {
		case err == nil:
			// This is fine

		case errors.As(err, &fetchErr):
			logger.WithError(err).Warn("Unable to fetch file")
			http.Error(w, "Unable to fetch requested URL", http.StatusBadGateway)
			return

		default:
			logger.WithError(err).Error("Unable to access cache")
			http.Error(w, "Unable to access cache entry", http.StatusInternalServerError)
			return
		}

		w.Header().Set("X-Cache", string(entry.Status))
		w.Header().Set("X-Last-Cached", entry.LastWrite.UTC().Format(http.TimeFormat))

		http.ServeContent(w, r, "", entry.LastWrite, bytes.NewReader(entry.Body))
	}
}
