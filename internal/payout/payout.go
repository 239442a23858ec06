// Package payout talks to the payout collaborator. Only a simulated
// orchestrator ships; the engine records confirmations, it never moves money.
package payout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrUnsupportedChannel is returned for a channel without a quote.
var ErrUnsupportedChannel = errors.New("payout: unsupported channel")

// Confirmation acknowledges an initiated payout.
type Confirmation struct {
	TxID        string          `json:"tx_id"`
	ChannelID   string          `json:"channel_id"`
	Amount      decimal.Decimal `json:"amount"`
	Fee         decimal.Decimal `json:"fee"`
	Currency    string          `json:"currency"`
	InitiatedAt time.Time       `json:"initiated_at"`
	ETA         time.Duration   `json:"eta"`
	Simulated   bool            `json:"simulated"`
}

// EstimatedArrival is InitiatedAt plus ETA.
func (c Confirmation) EstimatedArrival() time.Time {
	return c.InitiatedAt.Add(c.ETA)
}

// Orchestrator initiates a payout over one channel.
type Orchestrator interface {
	Initiate(ctx context.Context, channelID string, amount decimal.Decimal, currency string) (Confirmation, error)
}

// Quote is the expected cost and delay of one channel.
type Quote struct {
	ETA time.Duration
	Fee decimal.Decimal
}

// DefaultQuotes mirrors the partner sandbox figures.
func DefaultQuotes() map[string]Quote {
	return map[string]Quote{
		"crypto":       {ETA: 15 * time.Minute, Fee: decimal.RequireFromString("2.50")},
		"mobile-money": {ETA: 30 * time.Minute, Fee: decimal.RequireFromString("1.00")},
		"cash-pickup":  {ETA: 4 * time.Hour, Fee: decimal.RequireFromString("10.00")},
		"wire":         {ETA: 48 * time.Hour, Fee: decimal.RequireFromString("25.00")},
	}
}

// Simulated returns synthetic confirmations without contacting any partner.
type Simulated struct {
	Quotes map[string]Quote
	Now    func() time.Time
}

// NewSimulated builds an orchestrator with the default quote table.
func NewSimulated() *Simulated {
	return &Simulated{Quotes: DefaultQuotes(), Now: time.Now}
}

// Initiate validates the request and returns a confirmation with a fresh
// transaction id.
func (s *Simulated) Initiate(ctx context.Context, channelID string, amount decimal.Decimal, currency string) (Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return Confirmation{}, err
	}
	quote, ok := s.Quotes[channelID]
	if !ok {
		return Confirmation{}, fmt.Errorf("%w: %s", ErrUnsupportedChannel, channelID)
	}
	if !amount.IsPositive() {
		return Confirmation{}, fmt.Errorf("payout amount must be positive, got %s", amount)
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if len(currency) != 3 {
		return Confirmation{}, fmt.Errorf("currency must be a 3-letter code, got %q", currency)
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return Confirmation{
		TxID:        uuid.NewString(),
		ChannelID:   channelID,
		Amount:      amount,
		Fee:         quote.Fee,
		Currency:    currency,
		InitiatedAt: now().UTC(),
		ETA:         quote.ETA,
		Simulated:   true,
	}, nil
}
