package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/avast/retry-go"
	log "github.com/sirupsen/logrus"

	"tick-ingestor/internal/models"
)

// HTTPGateway talks to the historical-data API over HTTP. Transient errors
// (5xx, network) are retried a bounded number of times; a 429 surfaces as
// ErrRateLimited so the caller's backoff machinery takes over.
type HTTPGateway struct {
	baseURL string
	client  *http.Client
}

func NewHTTPGateway(baseURL string, timeout time.Duration) *HTTPGateway {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPGateway{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (g *HTTPGateway) FetchTicks(ctx context.Context, symbol string, fromMS, toMS int64) ([]models.Tick, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("from", strconv.FormatInt(fromMS, 10))
	q.Set("to", strconv.FormatInt(toMS, 10))
	endpoint := fmt.Sprintf("%s/v1/ticks?%s", g.baseURL, q.Encode())

	var ticks []models.Tick
	err := retry.Do(
		func() error {
			if err := ctx.Err(); err != nil {
				return retry.Unrecoverable(err)
			}
			return g.get(ctx, endpoint, &ticks)
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return err != ErrRateLimited && retry.IsRecoverable(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.WithFields(log.Fields{"symbol": symbol, "attempt": n}).
				Warnf("upstream fetch retry: %v", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return ticks, nil
}

func (g *HTTPGateway) SessionHours(ctx context.Context, symbol string, date time.Time) ([]models.Range, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("date", date.Format(models.DateLayout))
	endpoint := fmt.Sprintf("%s/v1/sessions?%s", g.baseURL, q.Encode())

	var sessions []models.Range
	err := retry.Do(
		func() error {
			if err := ctx.Err(); err != nil {
				return retry.Unrecoverable(err)
			}
			return g.get(ctx, endpoint, &sessions)
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return err != ErrRateLimited && retry.IsRecoverable(err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (g *HTTPGateway) get(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build upstream request: %w", err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode >= 500:
		return fmt.Errorf("upstream status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return retry.Unrecoverable(fmt.Errorf("upstream status %d", resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode upstream response: %w", err)
	}
	return nil
}
