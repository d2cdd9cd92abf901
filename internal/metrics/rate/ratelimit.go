// Package rate recognises venue rate-limit responses and reports them.
package rate

import (
	"strconv"
	"strings"
	"time"

	"fundarb/logger"
)

// ReportRateLimitExceeded logs and counts a rate-limit response from a venue
// for one request class.
func ReportRateLimitExceeded(log *logger.Log, venue, class string, penalty time.Duration) {
	component := strings.ToLower(venue) + "_gate"
	fields := logger.Fields{
		"venue":   strings.ToLower(venue),
		"class":   strings.ToLower(class),
		"penalty": penalty.String(),
	}
	l := log.WithComponent(component)
	l.LogMetric(component, "rate_limit_exceeded", int64(1), "counter", fields)
	l.WithFields(fields).Warn("rate limit exceeded")
}

// ReportIPBan logs and counts a ban response. A ban is handled as a penalty
// but surfaces at error level.
func ReportIPBan(log *logger.Log, venue, class string, penalty time.Duration) {
	component := strings.ToLower(venue) + "_gate"
	fields := logger.Fields{
		"venue":   strings.ToLower(venue),
		"class":   strings.ToLower(class),
		"penalty": penalty.String(),
	}
	l := log.WithComponent(component)
	l.LogMetric(component, "ip_ban", int64(1), "counter", fields)
	l.WithFields(fields).Error("ip banned")
}

// DetectLimit inspects a venue error message and reports whether it signals a
// rate-limit or an IP ban. Wording differs per venue.
func DetectLimit(venue, msg string) (rateLimit bool, ipBan bool) {
	lowerMsg := strings.ToLower(msg)
	switch strings.ToLower(venue) {
	case "binance":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	case "okx":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "frequency limit")
		ipBan = strings.Contains(lowerMsg, "ip") && (strings.Contains(lowerMsg, "blocked") || strings.Contains(lowerMsg, "ban"))
	case "bybit":
		ipBan = strings.Contains(lowerMsg, "ip rate limit") || (strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban"))
		rateLimit = !ipBan && (strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "too many visits"))
	case "hyperliquid":
		rateLimit = strings.Contains(lowerMsg, "rate limited") || strings.Contains(lowerMsg, "too many requests")
	default:
		rateLimit = strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	}
	return
}

// RetryAfterFromMessage extracts a "retry after N seconds" style hint from a
// venue message. It returns zero when no hint is present.
func RetryAfterFromMessage(msg string) time.Duration {
	lower := strings.ToLower(msg)
	idx := strings.Index(lower, "retry after")
	if idx < 0 {
		idx = strings.Index(lower, "for ")
		if idx < 0 || !strings.Contains(lower[idx:], "second") {
			return 0
		}
	}
	nums := extractInts(lower[idx:])
	if len(nums) == 0 {
		return 0
	}
	return time.Duration(nums[0]) * time.Second
}

// extractInts returns all integer substrings of s.
func extractInts(s string) []int64 {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r < '0' || r > '9'
	})
	nums := make([]int64, 0, len(parts))
	for _, p := range parts {
		if n, err := strconv.ParseInt(p, 10, 64); err == nil {
			nums = append(nums, n)
		}
	}
	return nums
}
