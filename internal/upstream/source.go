package upstream

import (
	"context"
	"errors"
	"time"

	"tick-ingestor/internal/models"
)

// ErrRateLimited reports an upstream 429. It is not retried in place; the
// worker converts it into a delayed re-enqueue with backoff.
var ErrRateLimited = errors.New("upstream rate limited")

// Source is the historical market-data provider. Implementations fetch ticks
// for an inclusive window [fromMS, toMS] and expose trading-session
// boundaries so jobs know which sub-ranges must not be skipped.
type Source interface {
	// FetchTicks returns all ticks with fromMS <= ts <= toMS, sorted by
	// timestamp. An empty slice is a valid result, not an error.
	FetchTicks(ctx context.Context, symbol string, fromMS, toMS int64) ([]models.Tick, error)

	// SessionHours returns the trading sessions of the given day as
	// epoch-ms intervals.
	SessionHours(ctx context.Context, symbol string, date time.Time) ([]models.Range, error)
}
