/*
scheduler.go - Preview token janitor

PURPOSE:
  Preview tokens are single use and expire after their TTL, but the rows
  stay behind. The janitor periodically deletes tokens that expired more
  than Retention ago, keeping recent ones around for audit lookups.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - Failures are logged and retried on the next tick
  - A non-positive CheckInterval disables the janitor like Enabled=false

USAGE:
  janitor := NewTokenJanitor(engine, logger)
  janitor.Start()
  // ... later
  janitor.Stop()

SEE ALSO:
  - invoice/preview.go: PurgeExpiredTokens
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/invoice-engine/invoice"
)

// TokenJanitor purges long-expired preview tokens.
type TokenJanitor struct {
	Engine        *invoice.Engine
	CheckInterval time.Duration
	Retention     time.Duration
	Enabled       bool
	Logger        zerolog.Logger

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastRun time.Time
	purged  int64
}

// NewTokenJanitor creates a janitor with hourly checks and 30 day retention.
func NewTokenJanitor(engine *invoice.Engine, logger zerolog.Logger) *TokenJanitor {
	return &TokenJanitor{
		Engine:        engine,
		CheckInterval: time.Hour,
		Retention:     30 * 24 * time.Hour,
		Enabled:       true,
		Logger:        logger.With().Str("component", "token_janitor").Logger(),
	}
}

// Start begins the janitor.
func (j *TokenJanitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.Enabled || j.CheckInterval <= 0 {
		j.Logger.Info().Dur("interval", j.CheckInterval).Msg("disabled, not starting")
		return
	}
	if j.ticker != nil {
		return
	}

	j.ticker = time.NewTicker(j.CheckInterval)
	j.stop = make(chan struct{})
	j.wg.Add(1)

	go j.run(j.ticker, j.stop)

	j.Logger.Info().Dur("interval", j.CheckInterval).Dur("retention", j.Retention).Msg("started")
}

// Stop stops the janitor and waits for an in-flight run.
func (j *TokenJanitor) Stop() {
	j.mu.Lock()
	ticker, stop := j.ticker, j.stop
	j.ticker, j.stop = nil, nil
	j.mu.Unlock()

	if ticker == nil {
		return
	}
	ticker.Stop()
	close(stop)
	j.wg.Wait()
	j.Logger.Info().Msg("stopped")
}

func (j *TokenJanitor) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer j.wg.Done()

	// Run immediately on start
	j.RunNow(context.Background())

	for {
		select {
		case <-ticker.C:
			j.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow purges once and returns how many tokens were deleted.
func (j *TokenJanitor) RunNow(ctx context.Context) int64 {
	n, err := j.Engine.PurgeExpiredTokens(ctx, j.Retention)

	j.mu.Lock()
	j.lastRun = time.Now()
	if err == nil {
		j.purged += n
	}
	j.mu.Unlock()

	if err != nil {
		j.Logger.Error().Err(err).Msg("purge failed")
		return 0
	}
	if n > 0 {
		j.Logger.Info().Int64("deleted", n).Msg("purged expired preview tokens")
	}
	return n
}

// Stats returns the last run time and the total purged since start.
func (j *TokenJanitor) Stats() (time.Time, int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastRun, j.purged
}
