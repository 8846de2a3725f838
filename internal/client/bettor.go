package client

import (
	"context"
	"fmt"

	"github.com/sbarrientos2/VEIL/internal/domain"
	"github.com/sbarrientos2/VEIL/internal/envelope"
)

// Bettor seals bets on the caller's machine before anything leaves it. The
// node only ever sees the envelope and the public stake.
type Bettor struct {
	client *Client
	keys   envelope.KeyPair
	sealer *envelope.Sealer
}

// NewBettor fetches the cluster key from the node and prepares a sealer for
// keys.
func NewBettor(ctx context.Context, c *Client, keys envelope.KeyPair) (*Bettor, error) {
	info, err := c.Cluster(ctx)
	if err != nil {
		return nil, err
	}
	if info.PublicKey.IsZero() {
		return nil, fmt.Errorf("client: node advertises no cluster key")
	}
	sealer, err := envelope.NewSealer(keys, info.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	return &Bettor{client: c, keys: keys, sealer: sealer}, nil
}

// PublicKey is the bettor's X25519 key, recorded on each bet.
func (b *Bettor) PublicKey() domain.PublicKey { return b.keys.Public }

// Seal encrypts (outcome, stake) for the cluster.
func (b *Bettor) Seal(outcome domain.Outcome, stake uint64) (domain.Envelope, error) {
	env, err := b.sealer.SealBet(outcome, stake)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("client: %w", err)
	}
	return env, nil
}

// Bet seals and places a bet in one call.
func (b *Bettor) Bet(ctx context.Context, market domain.Address, outcome domain.Outcome, stake uint64) (domain.BetRecord, domain.Computation, error) {
	env, err := b.Seal(outcome, stake)
	if err != nil {
		return domain.BetRecord{}, domain.Computation{}, err
	}
	return b.client.PlaceBet(ctx, market, env, stake)
}

// Resubmit re-seals the same bet under a fresh nonce and re-queues it.
func (b *Bettor) Resubmit(ctx context.Context, market domain.Address, outcome domain.Outcome, stake uint64) (domain.Computation, error) {
	env, err := b.Seal(outcome, stake)
	if err != nil {
		return domain.Computation{}, err
	}
	return b.client.ResubmitBet(ctx, market, env)
}
