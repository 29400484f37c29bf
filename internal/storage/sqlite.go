// Package storage persists candles in SQLite with create-only semantics.
//
// A candle row is keyed by model.Candle.Key. Inserting a key that already exists
// is a conflict, not an error: the stored row is left untouched and the conflict
// is counted in the returned model.WriteResult. This makes replays of the live
// feed and overlapping backfills safe.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustins/tradr/internal/model"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	insertCandle = `INSERT INTO candles
    (id, product_id, bucket_start, bucket_width, open, high, low, close, volume, trade_count, inserted_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`

	selectRange = `SELECT product_id, bucket_start, bucket_width, open, high, low, close, volume, trade_count
FROM candles
WHERE product_id = ? AND bucket_start >= ? AND bucket_start < ?
ORDER BY bucket_start`

	selectLatest = `SELECT MAX(bucket_start) FROM candles WHERE product_id = ?`
)

// Store wraps the SQLite handle.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (and creates if needed) the database at path and applies pending
// migrations. ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{
		db:     db,
		logger: log.With().Str("component", "storage").Str("path", path).Logger(),
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("goose up: %w", err)
	}

	s.logger.Info().Int("applied", len(results)).Msg("migrations complete")
	return nil
}

// BulkCreate inserts candles in one transaction. Existing keys are counted as
// conflicts and never overwritten.
func (s *Store) BulkCreate(ctx context.Context, candles []model.Candle) (model.WriteResult, error) {
	var result model.WriteResult
	if len(candles) == 0 {
		return result, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertCandle)
	if err != nil {
		return result, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, c := range candles {
		res, err := stmt.ExecContext(ctx,
			c.Key(),
			c.ProductID,
			c.BucketStart.UnixMilli(),
			c.Width.Milliseconds(),
			c.Open.String(),
			c.High.String(),
			c.Low.String(),
			c.Close.String(),
			c.Volume.String(),
			c.TradeCount,
			now,
		)
		if err != nil {
			return model.WriteResult{}, fmt.Errorf("insert %s: %w", c.Key(), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return model.WriteResult{}, fmt.Errorf("rows affected %s: %w", c.Key(), err)
		}
		if n == 0 {
			result.Conflicts++
			continue
		}
		result.Created++
	}

	if err := tx.Commit(); err != nil {
		return model.WriteResult{}, fmt.Errorf("commit: %w", err)
	}
	return result, nil
}

// Range returns the product's candles with bucket start in [start, end),
// ordered by bucket start.
func (s *Store) Range(ctx context.Context, productID string, start, end time.Time) ([]model.Candle, error) {
	rows, err := s.db.QueryContext(ctx, selectRange, productID, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		var (
			c                                 model.Candle
			startMs, widthMs                  int64
			open, high, low, closeStr, volume string
		)
		if err := rows.Scan(&c.ProductID, &startMs, &widthMs, &open, &high, &low, &closeStr, &volume, &c.TradeCount); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		c.BucketStart = time.UnixMilli(startMs).UTC()
		c.Width = time.Duration(widthMs) * time.Millisecond
		if err := parseDecimals(
			[]string{open, high, low, closeStr, volume},
			[]*decimal.Decimal{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume},
		); err != nil {
			return nil, fmt.Errorf("candle %s: %w", c.Key(), err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Latest returns the bucket start of the product's most recent stored candle.
func (s *Store) Latest(ctx context.Context, productID string) (time.Time, bool, error) {
	var ms sql.NullInt64
	if err := s.db.QueryRowContext(ctx, selectLatest, productID).Scan(&ms); err != nil {
		return time.Time{}, false, fmt.Errorf("query latest: %w", err)
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms.Int64).UTC(), true, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying DB handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func parseDecimals(in []string, out []*decimal.Decimal) error {
	for i, v := range in {
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*out[i] = d
	}
	return nil
}
