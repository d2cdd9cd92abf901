package gate

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"fundarb/internal/apperr"
	"fundarb/internal/metrics/rate"
	"fundarb/internal/venue"
)

// Classify maps a raw venue error into the error taxonomy. Already
// classified errors pass through tagged with the venue.
func Classify(venueName, op string, err error) error {
	if err == nil {
		return nil
	}

	if e, ok := apperr.As(err); ok {
		if e.Venue == "" {
			return e.WithVenue(venueName, "")
		}
		return e
	}

	classified := classify(venueName, op, err)
	classified.Venue = venueName
	return classified
}

func classify(venueName, op string, err error) *apperr.Error {
	var status *venue.StatusError
	if errors.As(err, &status) {
		switch {
		case status.StatusCode == http.StatusTooManyRequests || status.StatusCode == http.StatusTeapot:
			e := apperr.New(apperr.RateLimited, op, err)
			e.RetryAfter = status.RetryAfter
			if e.RetryAfter == 0 {
				e.RetryAfter = rate.RetryAfterFromMessage(status.Message)
			}
			return e
		case status.StatusCode >= 500 || status.StatusCode == http.StatusRequestTimeout:
			return apperr.New(apperr.TransientNetwork, op, err)
		}
		if limited, banned := rate.DetectLimit(venueName, status.Message); limited || banned {
			e := apperr.New(apperr.RateLimited, op, err)
			e.RetryAfter = maxDuration(status.RetryAfter, rate.RetryAfterFromMessage(status.Message))
			return e
		}
		return apperr.New(apperr.OrderRejected, op, err)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return apperr.New(apperr.TransientNetwork, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperr.New(apperr.TransientNetwork, op, err)
	}

	if limited, banned := rate.DetectLimit(venueName, err.Error()); limited || banned {
		e := apperr.New(apperr.RateLimited, op, err)
		e.RetryAfter = rate.RetryAfterFromMessage(err.Error())
		return e
	}

	return apperr.New(apperr.OrderRejected, op, err)
}

// isBan reports whether a rate-limited error is an IP ban.
func isBan(venueName string, err error) bool {
	var status *venue.StatusError
	if errors.As(err, &status) {
		if status.StatusCode == http.StatusTeapot {
			return true
		}
		_, banned := rate.DetectLimit(venueName, status.Message)
		return banned
	}
	_, banned := rate.DetectLimit(venueName, err.Error())
	return banned
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
