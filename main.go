package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/Luzifer/fetchcache/pkg/fetcher"
	"github.com/Luzifer/fetchcache/pkg/freshness"
	"github.com/Luzifer/fetchcache/pkg/keymap"
	"github.com/Luzifer/fetchcache/pkg/loader"
	"github.com/Luzifer/rconfig/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const serverReadHeaderTimeout = 10 * time.Second

var (
	cfg = struct {
		CacheExpiration string        `flag:"cache-expiration" default:"" description:"How long cached files are served before refetching them (empty: never expire)"`
		FetchTimeout    time.Duration `flag:"fetch-timeout" default:"30s" description:"Timeout for fetching a remote file"`
		KeyMapping      string        `flag:"key-mapping" default:"normalize" description:"How to derive cache file names from URLs (normalize, sha256)"`
		Listen          string        `flag:"listen" default:":3000" description:"Port/IP to listen on"`
		LogLevel        string        `flag:"log-level" default:"info" description:"Log level (debug, info, warn, error, fatal)"`
		StaleOnError    bool          `flag:"stale-on-error" default:"false" description:"Serve expired cache entries when refetching them fails"`
		Storage         string        `flag:"storage" default:"./data/" description:"Where to store cached files (local directory or gs://bucket/prefix)"`
		UserAgent       string        `flag:"user-agent" default:"" description:"User-Agent to send when fetching remote files"`
		VersionAndExit  bool          `flag:"version" default:"false" description:"Prints current version and exits"`
	}{}

	version = "dev"
)

func initApp() error {
	rconfig.AutoEnv(true)
	if err := rconfig.ParseAndValidate(&cfg); err != nil {
		return errors.Wrap(err, "parsing commandline options")
	}

	l, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return errors.Wrap(err, "parsing log level")
	}
	log.SetLevel(l)

	return nil
}

func newLoader(ctx context.Context) (*loader.Loader, error) {
	exp, err := freshness.Parse(cfg.CacheExpiration)
	if err != nil {
		return nil, errors.Wrap(err, "parsing cache expiration")
	}

	mapper, err := keymap.ByName(cfg.KeyMapping)
	if err != nil {
		return nil, errors.Wrap(err, "selecting key mapping")
	}

	store, err := newStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, errors.Wrap(err, "initializing storage")
	}

	return loader.New(
		store,
		fetcher.NewHTTP(cfg.FetchTimeout, cfg.UserAgent),
		loader.WithExpiration(exp),
		loader.WithKeyMapper(mapper),
		loader.WithStaleOnError(cfg.StaleOnError),
	), nil
}

func main() {
	if err := initApp(); err != nil {
		log.WithError(err).Fatal("initializing app")
	}

	if cfg.VersionAndExit {
		fmt.Printf("fetchcache %s\n", version)
		os.Exit(0)
	}

	ldr, err := newLoader(context.Background())
	if err != nil {
		log.WithError(err).Fatal("creating loader")
	}

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newHandler(ldr),
		ReadHeaderTimeout: serverReadHeaderTimeout,
	}

	log.WithFields(log.Fields{
		"expiration": cfg.CacheExpiration,
		"listen":     cfg.Listen,
		"storage":    cfg.Storage,
		"version":    version,
	}).Info("fetchcache started")

	if err = server.ListenAndServe(); err != nil {
		log.WithError(err).Fatal("running HTTP server")
	}
}
