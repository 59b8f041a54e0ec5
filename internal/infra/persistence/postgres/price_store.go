package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/pricefeed/internal/domain/price"
)

// PriceStore keeps the last accepted price per symbol in PostgreSQL. It holds no history.
type PriceStore struct {
	pool *pgxpool.Pool
}

// NewPriceStore constructs a PriceStore backed by the provided pgx pool.
func NewPriceStore(pool *pgxpool.Pool) *PriceStore {
	return &PriceStore{pool: pool}
}

const (
	// The WHERE clause keeps the newest observation when checkpoints race.
	latestUpsertSQL = `
INSERT INTO latest_prices (
    symbol,
    value,
    source_id,
    observed_at,
    observed_nanos,
    expires_at,
    expires_nanos,
    updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
ON CONFLICT (symbol) DO UPDATE SET
    value = EXCLUDED.value,
    source_id = EXCLUDED.source_id,
    observed_at = EXCLUDED.observed_at,
    observed_nanos = EXCLUDED.observed_nanos,
    expires_at = EXCLUDED.expires_at,
    expires_nanos = EXCLUDED.expires_nanos,
    updated_at = NOW()
WHERE (latest_prices.observed_at, latest_prices.observed_nanos)
    <= (EXCLUDED.observed_at, EXCLUDED.observed_nanos);
`
	latestListSQL = `
SELECT symbol, value, source_id, observed_at, observed_nanos, expires_at, expires_nanos
FROM latest_prices
ORDER BY symbol;
`
)

// SaveLatest upserts records in one batch and returns how many rows changed.
func (s *PriceStore) SaveLatest(ctx context.Context, records []price.PriceRecord) (int, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("price store: nil pool")
	}
	if len(records) == 0 {
		return 0, nil
	}
	batch := new(pgx.Batch)
	for _, rec := range records {
		symbol := price.NormalizeSymbol(rec.Symbol)
		if symbol == "" {
			return 0, fmt.Errorf("price store: symbol required")
		}
		value, err := numericFromString(rec.Value.String())
		if err != nil {
			return 0, fmt.Errorf("price store: %s: %w", symbol, err)
		}
		observed, observedNanos := splitTime(rec.ObservedAt)
		expires, expiresNanos := splitTime(rec.ExpiresAt)
		batch.Queue(latestUpsertSQL, symbol, value, rec.SourceID, observed, observedNanos, expires, expiresNanos)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	changed := 0
	for range records {
		tag, err := results.Exec()
		if err != nil {
			return changed, fmt.Errorf("price store: upsert: %w", err)
		}
		changed += int(tag.RowsAffected())
	}
	return changed, nil
}

// LoadLatest returns every stored record with its original expiry.
func (s *PriceStore) LoadLatest(ctx context.Context) ([]price.PriceRecord, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("price store: nil pool")
	}
	rows, err := s.pool.Query(ctx, latestListSQL)
	if err != nil {
		return nil, fmt.Errorf("price store: query: %w", err)
	}
	defer rows.Close()

	var out []price.PriceRecord
	for rows.Next() {
		var (
			rec           price.PriceRecord
			value         pgtype.Numeric
			observed      time.Time
			observedNanos int32
			expires       time.Time
			expiresNanos  int32
		)
		if err := rows.Scan(&rec.Symbol, &value, &rec.SourceID, &observed, &observedNanos, &expires, &expiresNanos); err != nil {
			return nil, fmt.Errorf("price store: scan: %w", err)
		}
		rec.Value, err = decimalFromNumeric(value)
		if err != nil {
			return nil, fmt.Errorf("price store: %s: %w", rec.Symbol, err)
		}
		rec.ObservedAt = joinTime(observed, observedNanos)
		rec.ExpiresAt = joinTime(expires, expiresNanos)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("price store: rows: %w", err)
	}
	return out, nil
}

// splitTime separates the microsecond part TIMESTAMPTZ keeps from the nanosecond rest.
func splitTime(t time.Time) (time.Time, int32) {
	t = t.UTC()
	truncated := t.Truncate(time.Microsecond)
	return truncated, int32(t.Sub(truncated))
}

func joinTime(t time.Time, nanos int32) time.Time {
	return t.UTC().Add(time.Duration(nanos))
}
