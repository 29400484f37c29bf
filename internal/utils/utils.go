// Package utils provides validation helpers for product identifiers.
//
// Products are identified the way the Coinbase feed names them: "BASE-QUOTE"
// in upper case, for example "BTC-USD" or "ETH-BTC".
package utils

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error definitions for validation functions
var (
	ErrNoSymbols      = errors.New("zero symbols requested")
	ErrTooManySymbols = errors.New("too many symbols requested")
	ErrDuplicate      = errors.New("duplicate symbol")
	ErrInvalidSymbol  = errors.New("invalid symbol")
)

// QuoteAssetSet contains the supported quote assets for products.
var QuoteAssetSet = map[string]bool{
	"USD":  true,
	"USDT": true,
	"USDC": true,
	"EUR":  true,
	"GBP":  true,
	"BTC":  true,
	"ETH":  true,
	"SOL":  true,
}

// supportedQuotesCache is a pre-computed string of supported quote assets
// to avoid rebuilding this string on every validation error.
var supportedQuotesCache = getSupportedQuotes(QuoteAssetSet)

// ValidateSymbol validates that a product identifier has the form "BASE-QUOTE",
// that both assets are upper-case alphanumeric, and that QUOTE is supported.
// Errors wrap ErrInvalidSymbol.
func ValidateSymbol(symbol string) error {
	if err := validateSymbol(symbol); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSymbol, err)
	}
	return nil
}

func validateSymbol(symbol string) error {
	if symbol == "" {
		return errors.New("symbol cannot be empty")
	}

	parts := strings.Split(symbol, "-")
	if len(parts) != 2 {
		return fmt.Errorf("invalid symbol format: expected BASE-QUOTE, got %q", symbol)
	}

	base, quote := parts[0], parts[1]
	if len(base) == 0 {
		return errors.New("base asset cannot be empty")
	}

	if len(quote) == 0 {
		return errors.New("quote asset cannot be empty")
	}

	for _, asset := range parts {
		if !isUpperAlnum(asset) {
			return fmt.Errorf("invalid asset %q: must be upper-case letters or digits", asset)
		}
	}

	if !QuoteAssetSet[quote] {
		return fmt.Errorf("unsupported quote asset: %s (supported: %s)",
			quote, supportedQuotesCache)
	}

	return nil
}

// ValidatePairs validates a slice of product identifiers and enforces quantity limits.
//
// This function performs three types of validation:
//  1. Quantity validation: the number of products is within 1..maxAllowed
//  2. Format validation: each product passes ValidateSymbol
//  3. Uniqueness: a product is listed once
func ValidatePairs(pairs []string, maxAllowed int) error {
	if len(pairs) == 0 {
		return ErrNoSymbols
	}

	if maxAllowed <= 0 {
		return fmt.Errorf("%w: max allowed must be positive, got %d",
			ErrTooManySymbols, maxAllowed)
	}

	if len(pairs) > maxAllowed {
		return fmt.Errorf("%w: requested %d symbols, maximum allowed %d",
			ErrTooManySymbols, len(pairs), maxAllowed)
	}

	seen := make(map[string]struct{}, len(pairs))
	for i, symbol := range pairs {
		if err := ValidateSymbol(symbol); err != nil {
			return fmt.Errorf("invalid symbol at index %d (%q): %w", i, symbol, err)
		}
		if _, dup := seen[symbol]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicate, symbol)
		}
		seen[symbol] = struct{}{}
	}

	return nil
}

func isUpperAlnum(s string) bool {
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// getSupportedQuotes builds a sorted, comma-separated string of supported quote
// assets for error messages.
func getSupportedQuotes(quoteAssetSet map[string]bool) string {
	keys := make([]string, 0, len(quoteAssetSet))
	for k := range quoteAssetSet {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}
