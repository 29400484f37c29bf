/*
Package main runs the live market-data service.

The service subscribes to the Coinbase feed, keeps a level-2 order book and the
latest ticker per product, builds candles from trades and writes sealed candles
to SQLite in batches. Candles can be published to Kafka, queried and streamed
over HTTP, and backfilled from historical trade exports. A gRPC health service
reports SERVING while the feed is streaming.

Usage:

	go run ./cmd/server -config=tradr.yaml

Every setting can also be overridden with TRADR_* environment variables.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustins/tradr/internal/api"
	"github.com/dustins/tradr/internal/backfill"
	"github.com/dustins/tradr/internal/candles"
	"github.com/dustins/tradr/internal/config"
	"github.com/dustins/tradr/internal/exchange"
	"github.com/dustins/tradr/internal/feed"
	"github.com/dustins/tradr/internal/metrics"
	"github.com/dustins/tradr/internal/model"
	"github.com/dustins/tradr/internal/orderbook"
	"github.com/dustins/tradr/internal/publish"
	"github.com/dustins/tradr/internal/query"
	"github.com/dustins/tradr/internal/service"
	"github.com/dustins/tradr/internal/sink"
	"github.com/dustins/tradr/internal/storage"
	"github.com/dustins/tradr/internal/websocket"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// liveBuffer is the capacity of the channel between the router and the
// stream dispatcher.
const liveBuffer = 256

var configPath = flag.String("config", "", "Path to the YAML configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if err := config.SetupLogger(cfg.Log); err != nil {
		log.Fatal().Err(err).Msg("invalid log configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
}

// run wires the pipeline and blocks until ctx is done or the feed session
// fails for good.
func run(ctx context.Context, cfg *config.Config) error {
	m := metrics.New()

	store, err := storage.Open(ctx, cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	sinkCfg := sink.Config{
		BatchSize:     cfg.Sink.BatchSize,
		FlushInterval: cfg.Sink.FlushInterval,
		MaxRetries:    cfg.Sink.MaxRetries,
		RetryBase:     cfg.Sink.RetryBase,
		RetryMax:      cfg.Sink.RetryMax,
		MaxPending:    cfg.Sink.MaxPending,
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
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("publishing candles to kafka")
	}
	snk := sink.New(store, sinkCfg, m)

	agg, err := candles.NewAggregator(cfg.Candles.Width)
	if err != nil {
		return err
	}
	books := orderbook.NewStore()
	live := make(chan model.Candle, liveBuffer)
	router := service.NewRouter(service.RouterConfig{
		Books:           books,
		Aggregator:      agg,
		Sink:            snk,
		Live:            live,
		SealOnHeartbeat: cfg.Candles.SealOnHeartbeat,
	}, m)

	codec, err := exchange.NewCodec(&exchange.ExchangeConfig{
		BaseURL:    cfg.Feed.URL,
		MaxSymbols: cfg.Feed.MaxProducts,
		Channels:   cfg.Feed.Channels,
	})
	if err != nil {
		return err
	}

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	session := feed.NewSession(codec, router, feed.Config{
		Products:             cfg.Feed.Products,
		HandshakeTimeout:     cfg.Feed.HandshakeTimeout,
		MaxHandshakeFailures: cfg.Feed.MaxHandshakeFailures,
		BackoffBase:          cfg.Feed.BackoffBase,
		BackoffMax:           cfg.Feed.BackoffMax,
		ShutdownTimeout:      cfg.Feed.ShutdownTimeout,
		Websocket: websocket.Config{
			TLSInsecureSkip: cfg.Feed.TLSInsecureSkipVerify,
			PingPeriod:      cfg.Feed.PingPeriod,
			SendTimeout:     cfg.Feed.SendTimeout,
			ReadTimeout:     cfg.Feed.ReadTimeout,
		},
		OnStateChange: func(s feed.State) {
			status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
			if s == feed.Streaming {
				status = grpc_health_v1.HealthCheckResponse_SERVING
			}
			healthServer.SetServingStatus("", status)
		},
	}, m)

	dispatcher := service.NewDispatcher(service.DispatcherConfig{MaxProducts: cfg.Feed.MaxProducts})
	feedService := service.NewFeedService(session, snk, dispatcher, live)

	querySvc, err := query.NewService(store, cfg.Candles.Width)
	if err != nil {
		return err
	}
	ingester, err := backfill.NewIngester(backfill.Config{
		Width:            cfg.Candles.Width,
		CandlesPerSecond: cfg.Backfill.CandlesPerSecond,
		Burst:            cfg.Backfill.Burst,
		Resume:           cfg.Backfill.Resume,
		DrainTimeout:     cfg.Backfill.DrainTimeout,
	}, snk, store, m)
	if err != nil {
		return err
	}

	if err := feedService.Start(ctx); err != nil {
		return fmt.Errorf("start feed: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewServer(api.Deps{
			Books:          books,
			Tickers:        router.Tickers(),
			Candles:        querySvc,
			Backfill:       ingester,
			Stream:         feedService,
			Metrics:        m.Handler(),
			Ping:           store.Ping,
			FeedState:      func() string { return session.State().String() },
			BaseContext:    ctx,
			DefaultProduct: cfg.Backfill.Product,
			DefaultSource:  cfg.Backfill.Source,
			AllowedSources: cfg.Backfill.AllowedSources,
		}).Handler(),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}
	serveErr := make(chan error, 2)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("http server: %w", err)
		}
	}()

	var grpcServer *grpc.Server
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcServer = newGRPCServer(healthServer)
		go func() {
			log.Info().Str("addr", cfg.GRPC.Addr).Msg("grpc health server starting")
			if err := grpcServer.Serve(lis); err != nil {
				serveErr <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	log.Info().
		Strs("products", cfg.Feed.Products).
		Dur("width", cfg.Candles.Width).
		Bool("sealOnHeartbeat", cfg.Candles.SealOnHeartbeat).
		Msg("server started")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("initiating graceful shutdown")
	case <-feedService.Done():
		runErr = feedService.Err()
	case runErr = <-serveErr:
	}

	healthServer.Shutdown()

	// Stopping the feed drains the sink before the connection closes.
	if err := feedService.Stop(); err != nil && runErr == nil {
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	waitForBackfill(ingester, cfg.Backfill.DrainTimeout)

	return runErr
}

// newGRPCServer creates the health server with the keepalive settings used
// for long-lived watch streams.
func newGRPCServer(hs *health.Server) *grpc.Server {
	s := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			MaxConnectionAge:  30 * time.Minute,
			Time:              20 * time.Second,
			Timeout:           10 * time.Second,
		}),
	)
	grpc_health_v1.RegisterHealthServer(s, hs)
	return s
}

// waitForBackfill gives a running backfill time to drain after its context
// was cancelled, so storage is not closed under it.
func waitForBackfill(in *backfill.Ingester, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for in.Status().Running && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if in.Status().Running {
		log.Warn().Msg("backfill still running at shutdown")
	}
}
