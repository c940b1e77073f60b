package channel

import (
	"context"
	"sync"
	"time"

	"cryptoworker/internal/metrics"
	"cryptoworker/internal/models"
	"cryptoworker/logger"
)

// ChannelStats tracks enqueue and drop counters.
type ChannelStats struct {
	FragmentsSent    int64
	FragmentsDropped int64
	UpdatesSent      int64
}

// Channels carries parsed data from socket shards to the single owning
// aggregator and reconciler goroutines of one venue.
type Channels struct {
	Fragments chan models.TickerFragment
	Account   chan models.AccountUpdate

	venue     string
	stats     ChannelStats
	mu        sync.RWMutex
	closeOnce sync.Once
	log       *logger.Log
}

func NewChannels(venue string, fragmentBuffer, accountBuffer int) *Channels {
	log := logger.GetLogger()
	ch := &Channels{
		Fragments: make(chan models.TickerFragment, fragmentBuffer),
		Account:   make(chan models.AccountUpdate, accountBuffer),
		venue:     venue,
		log:       log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"venue":           venue,
		"fragment_buffer": fragmentBuffer,
		"account_buffer":  accountBuffer,
	}).Debug("venue channels initialized")

	return ch
}

// Close closes both channels. Senders must have stopped.
func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		close(c.Fragments)
		close(c.Account)
	})
}

// SendFragment enqueues a ticker fragment without blocking. A full buffer
// drops the fragment; the next one for the symbol supersedes it anyway.
func (c *Channels) SendFragment(ctx context.Context, f models.TickerFragment) bool {
	select {
	case c.Fragments <- f:
		c.mu.Lock()
		c.stats.FragmentsSent++
		c.mu.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.mu.Lock()
		c.stats.FragmentsDropped++
		c.mu.Unlock()
		metrics.EmitDropMetric(c.log, metrics.DropMetricFragment, c.venue, f.Symbol, "stream")
		return false
	}
}

// SendAccount enqueues a private update, blocking until there is room or
// ctx ends. Private updates are never dropped.
func (c *Channels) SendAccount(ctx context.Context, u models.AccountUpdate) bool {
	select {
	case c.Account <- u:
		c.mu.Lock()
		c.stats.UpdatesSent++
		c.mu.Unlock()
		return true
	case <-ctx.Done():
		return false
	}
}

// GetStats returns a snapshot of the counters.
func (c *Channels) GetStats() ChannelStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// StartMetricsReporting logs buffer occupancy every interval until ctx ends.
func (c *Channels) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.logChannelStats()
			}
		}
	}()
}

func (c *Channels) logChannelStats() {
	stats := c.GetStats()
	c.log.WithComponent("channels").WithFields(logger.Fields{
		"venue":             c.venue,
		"fragments_len":     len(c.Fragments),
		"fragments_cap":     cap(c.Fragments),
		"account_len":       len(c.Account),
		"account_cap":       cap(c.Account),
		"fragments_sent":    stats.FragmentsSent,
		"fragments_dropped": stats.FragmentsDropped,
		"updates_sent":      stats.UpdatesSent,
	}).Info("channel stats")
}
