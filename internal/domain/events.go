package domain

import (
	"context"
	"time"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventMarketCreated             EventType = "market_created"
	EventMarketStateInitRequested  EventType = "market_state_init_requested"
	EventMarketStateInitialized    EventType = "market_state_initialized"
	EventBetPlaced                 EventType = "bet_placed"
	EventBetConfirmed              EventType = "bet_confirmed"
	EventMarketClosed              EventType = "market_closed"
	EventMarketResolutionRequested EventType = "market_resolution_requested"
	EventMarketResolved            EventType = "market_resolved"
	EventPayoutClaimed             EventType = "payout_claimed"
	EventMarketCancelled           EventType = "market_cancelled"
	EventRefundClaimed             EventType = "refund_claimed"
	EventBetCountRevealed          EventType = "bet_count_revealed"
	EventTotalsRevealed            EventType = "market_totals_revealed"
	EventComputationFailed         EventType = "computation_failed"
)

// Event is emitted after a state change commits. Detail never carries
// plaintext bet contents.
type Event struct {
	Type          EventType      `json:"type"`
	Market        Address        `json:"market"`
	Bettor        *Address       `json:"bettor,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
	At            time.Time      `json:"at"`
}

// EventPublisher fans an event out to subscribers. Publishing is best
// effort; a failure never rolls back the committed change.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event)
}

// Clock supplies ledger time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
