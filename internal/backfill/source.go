package backfill

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// DefaultSource is the public bitcoincharts export of Coinbase USD trades.
const DefaultSource = "https://api.bitcoincharts.com/v1/csv/coinbaseUSD.csv.gz"

// ErrSource is returned when the export cannot be opened.
var ErrSource = errors.New("cannot open source")

// OpenSource opens a local path or an http(s) URL. Sources ending in ".gz" or
// served with gzip content are decompressed. A nil client selects
// http.DefaultClient.
func OpenSource(ctx context.Context, source string, client *http.Client) (io.ReadCloser, error) {
	if source == "" {
		source = DefaultSource
	}

	u, err := url.Parse(source)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return openURL(ctx, u, client)
	}

	f, err := os.Open(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSource, err)
	}
	if !strings.HasSuffix(source, ".gz") {
		return f, nil
	}
	return gunzip(f)
}

func openURL(ctx context.Context, u *url.URL, client *http.Client) (io.ReadCloser, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSource, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSource, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s: %s", ErrSource, u.Redacted(), resp.Status)
	}

	if strings.HasSuffix(u.Path, ".gz") || resp.Header.Get("Content-Type") == "application/gzip" {
		return gunzip(resp.Body)
	}
	return resp.Body, nil
}

// gzipReadCloser closes both the decompressor and the underlying stream.
type gzipReadCloser struct {
	*gzip.Reader
	src io.Closer
}

func (g gzipReadCloser) Close() error {
	return errors.Join(g.Reader.Close(), g.src.Close())
}

func gunzip(rc io.ReadCloser) (io.ReadCloser, error) {
	zr, err := gzip.NewReader(rc)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("%w: %w", ErrSource, err)
	}
	return gzipReadCloser{Reader: zr, src: rc}, nil
}
