/*
Package main implements a gRPC client for the server's health service.

The server reports SERVING while its feed session is streaming and NOT_SERVING
otherwise. By default the client watches the status and logs every change
until interrupted. With -once it performs a single check and exits non-zero
unless the server is serving, which suits container health probes.

Usage:

	go run ./cmd/client -addr=localhost:50051
	go run ./cmd/client -addr=localhost:50051 -once
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

var (
	serverAddr = flag.String("addr", "localhost:50051", "The server address in the format host:port")
	once       = flag.Bool("once", false, "Check once and exit non-zero unless serving")
	timeout    = flag.Duration("timeout", 5*time.Second, "Timeout of a single check")
)

func main() {
	flag.Parse()

	log := zerolog.New(os.Stdout).Level(zerolog.InfoLevel).With().Timestamp().Logger()

	if err := validateConfig(); err != nil {
		log.Fatal().Err(err).Msg("Configuration error")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := grpc.NewClient(*serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatal().Err(err).Msg("did not connect")
	}
	defer conn.Close()

	client := grpc_health_v1.NewHealthClient(conn)

	if *once {
		checkCtx, cancel := context.WithTimeout(ctx, *timeout)
		defer cancel()
		resp, err := client.Check(checkCtx, &grpc_health_v1.HealthCheckRequest{})
		if err != nil {
			log.Error().Err(err).Msg("health check failed")
			os.Exit(1)
		}
		log.Info().Str("status", resp.GetStatus().String()).Msg("health check")
		if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
			os.Exit(1)
		}
		return
	}

	stream, err := client.Watch(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		log.Fatal().Err(err).Msg("could not watch")
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			log.Info().Msg("stream has closed")
			return
		}
		if status.Code(err) == codes.Canceled {
			log.Info().Msg("received shutdown signal")
			return
		}
		if err != nil {
			log.Fatal().Err(err).Msg("failed to receive status")
		}

		log.Info().
			Str("addr", *serverAddr).
			Str("status", resp.GetStatus().String()).
			Str("now", time.Now().Format(time.RFC3339)).
			Msg("health status")
	}
}

// validateConfig checks the flags before connecting.
func validateConfig() error {
	if *serverAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if *timeout <= 0 {
		return fmt.Errorf("timeout must be greater than 0")
	}
	return nil
}
