/*
Package main backfills historical candles from a trade export.

The export is a CSV of (unix seconds, price, size) records, optionally gzip
compressed, read from a file or an http(s) URL. Candles are built with the same
bucketing as the live service and written create-only, so buckets that are
already stored are left untouched.

Usage:

	go run ./cmd/backfill -config=tradr.yaml -product=BTC-USD -source=coinbaseUSD.csv.gz -resume
*/
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustins/tradr/internal/backfill"
	"github.com/dustins/tradr/internal/config"
	"github.com/dustins/tradr/internal/metrics"
	"github.com/dustins/tradr/internal/publish"
	"github.com/dustins/tradr/internal/sink"
	"github.com/dustins/tradr/internal/storage"

	"github.com/rs/zerolog/log"
)

var (
	configPath = flag.String("config", "", "Path to the YAML configuration file")
	product    = flag.String("product", "", "Product to backfill (defaults to backfill.product)")
	source     = flag.String("source", "", "Export file or URL (defaults to backfill.source)")
	resume     = flag.Bool("resume", false, "Skip records older than the latest stored bucket")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if err := config.SetupLogger(cfg.Log); err != nil {
		log.Fatal().Err(err).Msg("invalid log configuration")
	}
	if *product != "" {
		cfg.Backfill.Product = *product
	}
	if *source != "" {
		cfg.Backfill.Source = *source
	}
	if *resume {
		cfg.Backfill.Resume = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("backfill failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	m := metrics.New()

	store, err := storage.Open(ctx, cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	sinkCfg := sink.Config{
		BatchSize:  cfg.Sink.BatchSize,
		MaxRetries: cfg.Sink.MaxRetries,
		RetryBase:  cfg.Sink.RetryBase,
		RetryMax:   cfg.Sink.RetryMax,
		MaxPending: cfg.Sink.MaxPending,
	}
	if len(cfg.Kafka.Brokers) > 0 {
		writer, err := publish.NewWriter(publish.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		})
		if err != nil {
			return err
		}
		publisher := publish.NewPublisher(writer, cfg.Kafka.WriteTimeout, m)
		defer publisher.Close()
		sinkCfg.OnFlush = publisher.OnFlush
	}

	ingester, err := backfill.NewIngester(backfill.Config{
		Width:            cfg.Candles.Width,
		CandlesPerSecond: cfg.Backfill.CandlesPerSecond,
		Burst:            cfg.Backfill.Burst,
		Resume:           cfg.Backfill.Resume,
		DrainTimeout:     cfg.Backfill.DrainTimeout,
	}, sink.New(store, sinkCfg, m), store, m)
	if err != nil {
		return err
	}

	_, err = ingester.Run(ctx, cfg.Backfill.Product, cfg.Backfill.Source)
	return err
}
