package main

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"

	"github.com/getsentry/traceprof/internal/moduleresolver"
	"github.com/getsentry/traceprof/internal/profile"
	"github.com/getsentry/traceprof/internal/symbolsource"
)

type environment struct {
	config ServiceConfig

	finder    symbolsource.Finder
	providers moduleresolver.ProviderFactory

	functionsWriter KafkaWriter

	storage *blob.Bucket
}

func newEnvironment(ctx context.Context, cfg ServiceConfig) (*environment, error) {
	// Uploaded traces name arbitrary paths, only configured directories
	// are searched.
	cfg.Symbols.SearchPathsOnly = true
	e := environment{
		config: cfg,
		finder: symbolsource.NewDefaultFinder(cfg.Symbols),
	}
	var err error
	e.storage, err = blob.OpenBucket(ctx, cfg.BucketURL)
	if err != nil {
		return nil, err
	}
	if len(cfg.KafkaBrokers) > 0 {
		e.functionsWriter = newKafkaWriter(cfg.KafkaBrokers)
	} else {
		e.functionsWriter = noopKafkaWriter{}
	}
	return &e, nil
}

func (e *environment) profileOptions() profile.Options {
	return profile.Options{
		Finder:       e.finder,
		Providers:    e.providers,
		Search:       e.config.Symbols,
		Concurrency:  e.config.Concurrency,
		TopFunctions: e.config.TopFunctions,
	}
}

func (e *environment) shutdown() {
	err := e.storage.Close()
	if err != nil {
		sentry.CaptureException(err)
	}
	err = e.functionsWriter.Close()
	if err != nil {
		sentry.CaptureException(err)
	}
	sentry.Flush(5 * time.Second)
}
