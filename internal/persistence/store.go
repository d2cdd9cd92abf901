// Package persistence keeps trade state durable: a single-writer queue in
// front of atomic per-trade snapshot files, a funding journal, and optional
// sinks that ship events and archived trades off the host.
package persistence

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"fundarb/internal/model"
)

// Store is the persistence port used by the execution core.
type Store interface {
	PersistTradeSnapshot(ctx context.Context, s model.TradeState) error
	AppendFundingRecord(ctx context.Context, rec FundingRecord) error
	// Flush writes everything pending. Writes still pending at deadline are
	// forced synchronously, never dropped.
	Flush(deadline time.Time) error
}

// Archiver receives a trade once its post-close readback is confirmed.
type Archiver interface {
	ArchiveTrade(ctx context.Context, s model.TradeState) error
}

// FundingRecord is one funding payment applied to a trade. Amount is
// normalised: positive means received.
type FundingRecord struct {
	TradeID   string          `json:"trade_id"`
	PaymentID string          `json:"payment_id"`
	Venue     string          `json:"venue"`
	Symbol    string          `json:"symbol"`
	Amount    decimal.Decimal `json:"amount"`
	PaidAt    time.Time       `json:"paid_at"`
	Path      string          `json:"path"`
	AppliedAt time.Time       `json:"applied_at"`
}
