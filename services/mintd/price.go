package mintd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultPriceURL is CoinGecko's simple price endpoint for ETH in USD.
const DefaultPriceURL = "https://api.coingecko.com/api/v3/simple/price?ids=ethereum&vs_currencies=usd"

// PriceOracle caches the ETH/USD rate. A failed refresh keeps the last good
// rate; the price in dollars is informational and never gates a mint.
type PriceOracle struct {
	url      string
	interval time.Duration
	http     *http.Client
	now      func() time.Time
	logger   *slog.Logger

	mu        sync.RWMutex
	rate      float64
	fetchedAt time.Time
}

// NewPriceOracle constructs an oracle polling url every interval.
func NewPriceOracle(url string, interval time.Duration, logger *slog.Logger) *PriceOracle {
	if url == "" {
		url = DefaultPriceURL
	}
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PriceOracle{
		url:      url,
		interval: interval,
		http:     &http.Client{Timeout: 10 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		now:      time.Now,
		logger:   logger,
	}
}

// Quote returns the cached rate. It never blocks on the network.
func (o *PriceOracle) Quote() (float64, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.rate, o.rate > 0
}

// Run refreshes the rate until ctx is cancelled.
func (o *PriceOracle) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		if err := o.Refresh(ctx); err != nil {
			o.logger.Warn("eth price refresh failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Refresh fetches the rate unless the cached one is younger than the
// interval.
func (o *PriceOracle) Refresh(ctx context.Context) error {
	o.mu.RLock()
	fresh := o.rate > 0 && o.now().Sub(o.fetchedAt) < o.interval
	o.mu.RUnlock()
	if fresh {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := o.http.Do(req)
	if err != nil {
		return fmt.Errorf("price api: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("price api: status %d", resp.StatusCode)
	}
	var body struct {
		Ethereum struct {
			USD *float64 `json:"usd"`
		} `json:"ethereum"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("price api: decode: %w", err)
	}
	if body.Ethereum.USD == nil || *body.Ethereum.USD <= 0 {
		return fmt.Errorf("price api: invalid price data")
	}

	o.mu.Lock()
	o.rate = *body.Ethereum.USD
	o.fetchedAt = o.now()
	o.mu.Unlock()
	return nil
}
