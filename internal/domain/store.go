package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketFilter narrows ListMarkets.
type MarketFilter struct {
	Authority *Address
	Statuses  []MarketStatus
	ListOpts
}

// AccountTx is the view of the account universe inside one Update call. All
// writes made through it are committed together or not at all.
type AccountTx interface {
	Market(ctx context.Context) (Market, error)
	PutMarket(ctx context.Context, m Market) error
	Vault(ctx context.Context) (Vault, error)
	PutVault(ctx context.Context, v Vault) error
	Bet(ctx context.Context, bettor Address) (BetRecord, error)
	PutBet(ctx context.Context, b BetRecord) error
	// CreateBet fails with ErrBetExists when a record already sits at the
	// derived address.
	CreateBet(ctx context.Context, b BetRecord) error
	Bets(ctx context.Context) ([]BetRecord, error)
}

// AccountStore persists markets, vaults and bet records. Update serialises
// writers per market address.
type AccountStore interface {
	// CreateMarket allocates a market and its vault, failing with
	// ErrAlreadyExists when the address is taken.
	CreateMarket(ctx context.Context, m Market, v Vault) error
	Update(ctx context.Context, market Address, fn func(tx AccountTx) error) error
	View(ctx context.Context, market Address, fn func(tx AccountTx) error) error
	GetMarket(ctx context.Context, market Address) (Market, error)
	GetVault(ctx context.Context, market Address) (Vault, error)
	GetBet(ctx context.Context, market, bettor Address) (BetRecord, error)
	ListMarkets(ctx context.Context, f MarketFilter) ([]Market, error)
	ListBets(ctx context.Context, market Address) ([]BetRecord, error)
}

// ComputationStore persists the outstanding-job records.
type ComputationStore interface {
	Create(ctx context.Context, c Computation) error
	Get(ctx context.Context, correlationID string) (Computation, error)
	// Finish moves a pending record to a terminal status. It returns
	// ErrUnknownComputation when the record is missing or already terminal.
	Finish(ctx context.Context, correlationID string, status ComputationStatus, errMsg string, at time.Time) error
	ListPending(ctx context.Context) ([]Computation, error)
	ListByMarket(ctx context.Context, market Address, opts ListOpts) ([]Computation, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
