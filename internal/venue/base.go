package venue

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"cryptoworker/config"
	ratemetrics "cryptoworker/internal/metrics/rate"
	"cryptoworker/logger"
)

// Base carries what every adapter shares: its venue config, instrument
// catalog, REST limiter and logger.
type Base struct {
	Venue   string
	Config  config.VenueConfig
	Catalog *Catalog
	limiter *rate.Limiter
	log     *logger.Entry
}

func NewBase(id string, cfg config.VenueConfig) *Base {
	limit := rate.Inf
	if cfg.RestRateLimit > 0 {
		limit = rate.Limit(cfg.RestRateLimit)
	}
	burst := cfg.RestBurst
	if burst <= 0 {
		burst = 1
	}
	return &Base{
		Venue:   id,
		Config:  cfg,
		Catalog: NewCatalog(),
		limiter: rate.NewLimiter(limit, burst),
		log:     logger.GetLogger().WithComponent("venue").WithField("venue", id),
	}
}

// Log returns the adapter logger.
func (b *Base) Log() *logger.Entry {
	return b.log
}

// Timeout is the per-call REST timeout.
func (b *Base) Timeout() time.Duration {
	if b.Config.RestTimeout > 0 {
		return b.Config.RestTimeout
	}
	return 10 * time.Second
}

// Wait blocks until the REST limiter admits one more call.
func (b *Base) Wait(ctx context.Context) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s rest limiter: %w", b.Venue, err)
	}
	logger.IncrementRESTCall(b.Venue)
	return nil
}

// SnapshotFailed logs a swallowed REST snapshot error and classifies rate
// limit wording.
func (b *Base) SnapshotFailed(op string, err error) {
	ratemetrics.ReportError(logger.GetLogger(), b.Venue, "", op, err)
	b.log.WithError(err).WithField("op", op).Warn("rest snapshot failed")
}

// CommandFailed wraps a trading error with the venue and op, reporting rate
// limits on the way.
func (b *Base) CommandFailed(op, symbol string, err error) error {
	if ratemetrics.ReportError(logger.GetLogger(), b.Venue, symbol, op, err) != ratemetrics.LimitNone {
		err = fmt.Errorf("%w: %w", ratemetrics.ErrRateLimited, err)
	}
	b.log.WithError(err).WithFields(logger.Fields{"op": op, "symbol": symbol}).Warn("trading command failed")
	return fmt.Errorf("%s %s: %w", b.Venue, op, err)
}

// ObserveHeader reports venue used-weight headers of a REST response.
func (b *Base) ObserveHeader(header http.Header) {
	if header != nil {
		ratemetrics.ReportUsedWeight(logger.GetLogger(), b.Venue, header)
	}
}

// RequireCredentials fails trading and private calls when keys are absent.
func (b *Base) RequireCredentials() error {
	if !b.Config.HasCredentials(b.Venue) {
		return fmt.Errorf("%w: %s", ErrNotConfigured, b.Venue)
	}
	return nil
}

// NowMillis is the wall clock in epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
