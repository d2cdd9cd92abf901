// Package apperr defines the error taxonomy the execution core reasons about.
// Raw transport errors are classified into these kinds at the gate boundary;
// nothing above the gate handles an unclassified venue error.
package apperr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind is a semantic error category.
type Kind int

const (
	KindUnknown Kind = iota
	TransientNetwork
	RateLimited
	OrderRejected
	AmbiguousFill
	HedgeFailure
	StaleData
	ReconciliationMismatch
	CompensationExhausted
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	TransientNetwork:       "transient_network",
	RateLimited:            "rate_limited",
	OrderRejected:          "order_rejected",
	AmbiguousFill:          "ambiguous_fill",
	HedgeFailure:           "hedge_failure",
	StaleData:              "stale_data",
	ReconciliationMismatch: "reconciliation_mismatch",
	CompensationExhausted:  "compensation_exhausted",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Fatal reports whether the kind requires operator intervention.
func (k Kind) Fatal() bool {
	return k == CompensationExhausted
}

// Error is a classified error.
type Error struct {
	Kind       Kind
	Op         string
	Venue      string
	Symbol     string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.Venue != "" {
		b.WriteString(" venue=")
		b.WriteString(e.Venue)
	}
	if e.Symbol != "" {
		b.WriteString(" symbol=")
		b.WriteString(e.Symbol)
	}
	if e.RetryAfter > 0 {
		fmt.Fprintf(&b, " retry_after=%s", e.RetryAfter)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrRateLimited)
// works for every rate-limit error regardless of its details.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// Sentinels for errors.Is.
var (
	ErrTransientNetwork       = &Error{Kind: TransientNetwork}
	ErrRateLimited            = &Error{Kind: RateLimited}
	ErrOrderRejected          = &Error{Kind: OrderRejected}
	ErrAmbiguousFill          = &Error{Kind: AmbiguousFill}
	ErrHedgeFailure           = &Error{Kind: HedgeFailure}
	ErrStaleData              = &Error{Kind: StaleData}
	ErrReconciliationMismatch = &Error{Kind: ReconciliationMismatch}
	ErrCompensationExhausted  = &Error{Kind: CompensationExhausted}
)

// New builds a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error with a formatted cause.
func Newf(kind Kind, op string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithVenue returns a copy of e tagged with venue and symbol.
func (e *Error) WithVenue(venue, symbol string) *Error {
	out := *e
	out.Venue = venue
	if symbol != "" {
		out.Symbol = symbol
	}
	return &out
}

// KindOf returns the kind of the first classified error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// As returns the first classified error in the chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// RetryAfter extracts the retry hint of a rate-limited error.
func RetryAfter(err error) time.Duration {
	if e, ok := As(err); ok {
		return e.RetryAfter
	}
	return 0
}
