// Package exchange decodes the Coinbase websocket feed into model.FeedEvent values.
//
// This file contains the codec configuration and its validation.
package exchange

import (
	"errors"
	"fmt"
	"net/url"
)

var (
	// ErrInvalidConfig indicates that the provided ExchangeConfig contains invalid values.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ExchangeConfig configures the feed endpoint and subscription shape.
type ExchangeConfig struct {
	// BaseURL is the websocket endpoint of the feed.
	BaseURL string

	// MaxSymbols is the maximum number of products one subscription may carry.
	MaxSymbols int

	// Channels lists the channel names requested for every product.
	Channels []string
}

// validateConfig applies defaults for empty fields and rejects endpoints that are
// not websocket URLs.
func validateConfig(cfg *ExchangeConfig, defaultCfg *ExchangeConfig) error {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultCfg.BaseURL
	}

	if cfg.MaxSymbols <= 0 {
		cfg.MaxSymbols = defaultCfg.MaxSymbols
	}

	if len(cfg.Channels) == 0 {
		cfg.Channels = append([]string(nil), defaultCfg.Channels...)
	}

	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	return nil
}
