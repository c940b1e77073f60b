package rate

import (
	"errors"
	"strings"

	"cryptoworker/logger"
)

// Limit classifies venue rejections caused by request pacing.
type Limit int

const (
	LimitNone Limit = iota
	LimitRate
	LimitIPBan
)

// ReportRateLimitExceeded counts one rate limit rejection for venue.
func ReportRateLimitExceeded(log *logger.Log, venue, symbol, ip, op string) {
	component := "venue_" + strings.ToLower(venue)
	fields := logger.Fields{
		"venue":  strings.ToLower(venue),
		"symbol": symbol,
		"ip":     ip,
		"op":     op,
	}
	l := log.WithComponent(component)
	l.LogMetric(component, "rate_limit_exceeded", int64(1), "counter", fields)
	l.WithFields(fields).Warn("rate limit exceeded")
}

// ReportIPBan counts one IP ban for venue.
func ReportIPBan(log *logger.Log, venue, symbol, ip, op string) {
	component := "venue_" + strings.ToLower(venue)
	fields := logger.Fields{
		"venue":  strings.ToLower(venue),
		"symbol": symbol,
		"ip":     ip,
		"op":     op,
	}
	l := log.WithComponent(component)
	l.LogMetric(component, "ip_ban", int64(1), "counter", fields)
	l.WithFields(fields).Error("ip banned")
}

// Detect inspects a venue message for rate limit or ban wording. Each venue
// phrases these differently.
func Detect(venue, msg string) Limit {
	m := strings.ToLower(msg)
	var rateLimit, ipBan bool
	switch strings.ToLower(venue) {
	case "binance":
		rateLimit = strings.Contains(m, "too many requests") || strings.Contains(m, "rate limit") || strings.Contains(m, "-1003")
		ipBan = strings.Contains(m, "ip") && strings.Contains(m, "ban")
	case "okx":
		rateLimit = strings.Contains(m, "too many requests") || strings.Contains(m, "frequency limit") || strings.Contains(m, "50011")
		ipBan = strings.Contains(m, "ip") && (strings.Contains(m, "blocked") || strings.Contains(m, "ban"))
	case "bybit":
		ipBan = strings.Contains(m, "ip rate limit") || (strings.Contains(m, "ip") && strings.Contains(m, "ban"))
		rateLimit = !ipBan && (strings.Contains(m, "rate limit") || strings.Contains(m, "too many requests") || strings.Contains(m, "too many visits") || strings.Contains(m, "10006"))
	case "hyperliquid":
		rateLimit = strings.Contains(m, "429") || strings.Contains(m, "too many requests") || strings.Contains(m, "rate limited")
	default:
		rateLimit = strings.Contains(m, "rate limit") || strings.Contains(m, "too many requests")
		ipBan = strings.Contains(m, "ip") && strings.Contains(m, "ban")
	}
	switch {
	case ipBan:
		return LimitIPBan
	case rateLimit:
		return LimitRate
	}
	return LimitNone
}

// ReportError classifies err and records the matching metric. It returns the
// classification so callers can back off.
func ReportError(log *logger.Log, venue, symbol, op string, err error) Limit {
	if err == nil {
		return LimitNone
	}
	limit := Detect(venue, err.Error())
	switch limit {
	case LimitRate:
		ReportRateLimitExceeded(log, venue, symbol, "", op)
	case LimitIPBan:
		ReportIPBan(log, venue, symbol, "", op)
	}
	return limit
}

// ErrRateLimited wraps venue rejections classified as LimitRate.
var ErrRateLimited = errors.New("rate limited")
