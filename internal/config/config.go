// Package config loads the service configuration.
//
// Values are resolved in order: built-in defaults, the YAML file, an optional
// .env file and finally TRADR_* environment variables. The result is validated
// before it is returned.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustins/tradr/internal/candles"
	"github.com/dustins/tradr/internal/utils"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TRADR_"

// Config is the root configuration.
type Config struct {
	Feed     FeedConfig     `yaml:"feed"`
	Candles  CandlesConfig  `yaml:"candles"`
	Sink     SinkConfig     `yaml:"sink"`
	Storage  StorageConfig  `yaml:"storage"`
	Backfill BackfillConfig `yaml:"backfill"`
	HTTP     HTTPConfig     `yaml:"http"`
	GRPC     GRPCConfig     `yaml:"grpc"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Log      LogConfig      `yaml:"log"`
}

// FeedConfig configures the upstream connection.
type FeedConfig struct {
	URL                   string        `yaml:"url" validate:"required,url"`
	Products              []string      `yaml:"products" validate:"required,min=1"`
	Channels              []string      `yaml:"channels"`
	MaxProducts           int           `yaml:"max_products" validate:"gte=1"`
	HandshakeTimeout      time.Duration `yaml:"handshake_timeout" validate:"gt=0"`
	MaxHandshakeFailures  uint64        `yaml:"max_handshake_failures" validate:"gte=1"`
	BackoffBase           time.Duration `yaml:"backoff_base" validate:"gt=0"`
	BackoffMax            time.Duration `yaml:"backoff_max" validate:"gtefield=BackoffBase"`
	PingPeriod            time.Duration `yaml:"ping_period" validate:"gt=0"`
	ReadTimeout           time.Duration `yaml:"read_timeout" validate:"gte=0"`
	SendTimeout           time.Duration `yaml:"send_timeout" validate:"gt=0"`
	ShutdownTimeout       time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	TLSInsecureSkipVerify bool          `yaml:"tls_insecure_skip_verify"`
}

// CandlesConfig configures bucketing.
type CandlesConfig struct {
	Width           time.Duration `yaml:"width"`
	SealOnHeartbeat bool          `yaml:"seal_on_heartbeat"`
}

// SinkConfig configures batched writes.
type SinkConfig struct {
	BatchSize     int           `yaml:"batch_size" validate:"gte=1"`
	FlushInterval time.Duration `yaml:"flush_interval" validate:"gt=0"`
	MaxRetries    uint64        `yaml:"max_retries"`
	RetryBase     time.Duration `yaml:"retry_base" validate:"gt=0"`
	RetryMax      time.Duration `yaml:"retry_max" validate:"gtefield=RetryBase"`
	MaxPending    int           `yaml:"max_pending" validate:"gtefield=BatchSize"`
}

// StorageConfig locates the candle database.
type StorageConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// BackfillConfig configures historical ingestion.
type BackfillConfig struct {
	Source           string        `yaml:"source"`
	AllowedSources   []string      `yaml:"allowed_sources"`
	Product          string        `yaml:"product"`
	CandlesPerSecond float64       `yaml:"candles_per_second" validate:"gte=0"`
	Burst            int           `yaml:"burst" validate:"gte=0"`
	Resume           bool          `yaml:"resume"`
	DrainTimeout     time.Duration `yaml:"drain_timeout" validate:"gt=0"`
}

// HTTPConfig configures the HTTP surface.
type HTTPConfig struct {
	Addr              string        `yaml:"addr" validate:"required"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"gt=0"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// GRPCConfig configures the gRPC health endpoint. An empty Addr disables it.
type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

// KafkaConfig configures candle publication. No brokers disables it.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic" validate:"required_with=Brokers"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gt=0"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Feed: FeedConfig{
			URL:                  "wss://ws-feed.exchange.coinbase.com",
			Products:             []string{"BTC-USD"},
			MaxProducts:          10,
			HandshakeTimeout:     10 * time.Second,
			MaxHandshakeFailures: 10,
			BackoffBase:          500 * time.Millisecond,
			BackoffMax:           30 * time.Second,
			PingPeriod:           30 * time.Second,
			SendTimeout:          5 * time.Second,
			ShutdownTimeout:      10 * time.Second,
		},
		Candles: CandlesConfig{
			Width: time.Minute,
		},
		Sink: SinkConfig{
			BatchSize:     500,
			FlushInterval: 5 * time.Second,
			MaxRetries:    3,
			RetryBase:     250 * time.Millisecond,
			RetryMax:      5 * time.Second,
			MaxPending:    10000,
		},
		Storage: StorageConfig{
			Path: "data/candles.db",
		},
		Backfill: BackfillConfig{
			Product:      "BTC-USD",
			DrainTimeout: 30 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Kafka: KafkaConfig{
			Topic:        "candles",
			WriteTimeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads the YAML file at path over the defaults, applies .env and
// environment overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

// Validate checks field constraints and the product list.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if err := utils.ValidatePairs(c.Feed.Products, c.Feed.MaxProducts); err != nil {
		return fmt.Errorf("feed.products: %w", err)
	}
	if err := candles.ValidateWidth(c.Candles.Width); err != nil {
		return fmt.Errorf("candles.width: %w", err)
	}
	if c.Backfill.Product != "" {
		if err := utils.ValidateSymbol(c.Backfill.Product); err != nil {
			return fmt.Errorf("backfill.product: %w", err)
		}
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

// applyEnv overrides cfg from TRADR_* variables.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = splitList(v)
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = d
		return nil
	}
	boolean := func(name string, dst *bool) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = b
		return nil
	}

	str("FEED_URL", &cfg.Feed.URL)
	list("PRODUCTS", &cfg.Feed.Products)
	str("STORAGE_PATH", &cfg.Storage.Path)
	str("BACKFILL_SOURCE", &cfg.Backfill.Source)
	str("BACKFILL_PRODUCT", &cfg.Backfill.Product)
	list("BACKFILL_ALLOWED_SOURCES", &cfg.Backfill.AllowedSources)
	str("HTTP_ADDR", &cfg.HTTP.Addr)
	str("GRPC_ADDR", &cfg.GRPC.Addr)
	list("KAFKA_BROKERS", &cfg.Kafka.Brokers)
	str("KAFKA_TOPIC", &cfg.Kafka.Topic)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)

	return errors.Join(
		dur("CANDLE_WIDTH", &cfg.Candles.Width),
		boolean("SEAL_ON_HEARTBEAT", &cfg.Candles.SealOnHeartbeat),
		boolean("BACKFILL_RESUME", &cfg.Backfill.Resume),
	)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
