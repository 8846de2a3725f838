package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sbarrientos2/VEIL/internal/domain"
)

// AccountStore implements domain.AccountStore using PostgreSQL. Update
// takes a row lock on the market so writers to one market are serialised
// while different markets proceed in parallel.
type AccountStore struct {
	pool *pgxpool.Pool
}

// NewAccountStore creates a new AccountStore backed by the given connection pool.
func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

var _ domain.AccountStore = (*AccountStore)(nil)

const marketCols = `address, authority, market_id, question, resolution_time,
	fee_bps, oracle_kind, oracle_reference, encrypted_state, state_cipher_nonce,
	state_nonce, revealed_yes_pool, revealed_no_pool, revealed_total, status,
	outcome, mpc_initialized, bet_count, total_liquidity, vault,
	revealed_bet_count, created_at, updated_at, closed_at, resolved_at`

const vaultCols = `address, market, total_deposits, total_withdrawals, created_at, updated_at`

const betCols = `address, market, bettor, bet_index, encrypted_bet,
	bettor_public_key, user_nonce, stake, status, claimed, payout_amount,
	placed_at, confirmed_at, settled_at`

// CreateMarket inserts a market and its vault in one transaction.
func (s *AccountStore) CreateMarket(ctx context.Context, m domain.Market, v domain.Vault) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin create market: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `INSERT INTO markets (`+marketCols+`) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		$11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
		$21, $22, $23, $24, $25)
		ON CONFLICT DO NOTHING`, marketArgs(m)...)
	if err != nil {
		return fmt.Errorf("postgres: insert market %s: %w", m.Address, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: insert market %s: %w", m.Address, domain.ErrAlreadyExists)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO vaults (`+vaultCols+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		v.Address[:], v.Market[:], int64(v.TotalDeposits), int64(v.TotalWithdrawals), v.CreatedAt, v.UpdatedAt,
	); err != nil {
		return fmt.Errorf("postgres: insert vault %s: %w", v.Address, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit create market %s: %w", m.Address, err)
	}
	return nil
}

// Update runs fn inside a transaction holding the market row lock. Every
// write fn makes is rolled back if fn returns an error.
func (s *AccountStore) Update(ctx context.Context, market domain.Address, fn func(tx domain.AccountTx) error) error {
	return s.run(ctx, market, pgx.TxOptions{}, " FOR UPDATE", fn, true)
}

// View runs fn inside a read-only transaction. Writes fail.
func (s *AccountStore) View(ctx context.Context, market domain.Address, fn func(tx domain.AccountTx) error) error {
	return s.run(ctx, market, pgx.TxOptions{AccessMode: pgx.ReadOnly}, "", fn, false)
}

func (s *AccountStore) run(ctx context.Context, market domain.Address, opts pgx.TxOptions, lock string, fn func(tx domain.AccountTx) error, commit bool) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("postgres: begin %s: %w", market, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	m, err := scanMarket(tx.QueryRow(ctx, `SELECT `+marketCols+` FROM markets WHERE address = $1`+lock, market[:]))
	if err != nil {
		return notFound(err, "market "+market.String())
	}
	if err := fn(&accountTx{tx: tx, market: m}); err != nil {
		return err
	}
	if !commit {
		return nil
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit %s: %w", market, err)
	}
	return nil
}

// GetMarket retrieves a market by address.
func (s *AccountStore) GetMarket(ctx context.Context, market domain.Address) (domain.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx, `SELECT `+marketCols+` FROM markets WHERE address = $1`, market[:]))
	if err != nil {
		return domain.Market{}, notFound(err, "market "+market.String())
	}
	return m, nil
}

// GetVault retrieves the vault of a market.
func (s *AccountStore) GetVault(ctx context.Context, market domain.Address) (domain.Vault, error) {
	v, err := scanVault(s.pool.QueryRow(ctx, `SELECT `+vaultCols+` FROM vaults WHERE market = $1`, market[:]))
	if err != nil {
		return domain.Vault{}, notFound(err, "vault of "+market.String())
	}
	return v, nil
}

// GetBet retrieves one bettor's record on a market.
func (s *AccountStore) GetBet(ctx context.Context, market, bettor domain.Address) (domain.BetRecord, error) {
	b, err := scanBet(s.pool.QueryRow(ctx,
		`SELECT `+betCols+` FROM bet_records WHERE market = $1 AND bettor = $2`, market[:], bettor[:]))
	if err != nil {
		return domain.BetRecord{}, notFound(err, "bet of "+bettor.String())
	}
	return b, nil
}

// ListMarkets returns markets matching f, oldest first.
func (s *AccountStore) ListMarkets(ctx context.Context, f domain.MarketFilter) ([]domain.Market, error) {
	q := newSelect(`SELECT ` + marketCols + ` FROM markets WHERE 1=1`)
	if f.Authority != nil {
		q.where("authority = %s", f.Authority[:])
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		q.where("status = ANY(%s)", statuses)
	}
	query, args := q.window("updated_at", f.Since, f.Until).page("created_at ASC", f.Limit, f.Offset).build()

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var out []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list markets rows: %w", err)
	}
	return out, nil
}

// ListBets returns every record on a market in placement order.
func (s *AccountStore) ListBets(ctx context.Context, market domain.Address) ([]domain.BetRecord, error) {
	return listBets(ctx, s.pool, market)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listBets(ctx context.Context, q querier, market domain.Address) ([]domain.BetRecord, error) {
	rows, err := q.Query(ctx,
		`SELECT `+betCols+` FROM bet_records WHERE market = $1 ORDER BY placed_at ASC, address ASC`, market[:])
	if err != nil {
		return nil, fmt.Errorf("postgres: list bets %s: %w", market, err)
	}
	defer rows.Close()

	var out []domain.BetRecord
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan bet: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list bets rows: %w", err)
	}
	return out, nil
}

// accountTx implements domain.AccountTx over a pgx transaction. The market
// row is loaded once under lock and written back by PutMarket.
type accountTx struct {
	tx     pgx.Tx
	market domain.Market
}

func (t *accountTx) Market(context.Context) (domain.Market, error) { return t.market, nil }

func (t *accountTx) PutMarket(ctx context.Context, m domain.Market) error {
	if m.Address != t.market.Address {
		return fmt.Errorf("postgres: put market %s in tx for %s: %w", m.Address, t.market.Address, domain.ErrInvalidAddress)
	}
	var revealedCount *int64
	if m.RevealedBetCount != nil {
		n := int64(*m.RevealedBetCount)
		revealedCount = &n
	}
	_, err := t.tx.Exec(ctx, `UPDATE markets SET
		encrypted_state = $2, state_cipher_nonce = $3, state_nonce = $4,
		revealed_yes_pool = $5, revealed_no_pool = $6, revealed_total = $7,
		status = $8, outcome = $9, mpc_initialized = $10, bet_count = $11,
		total_liquidity = $12, revealed_bet_count = $13, updated_at = $14,
		closed_at = $15, resolved_at = $16
		WHERE address = $1`,
		m.Address[:], m.EncryptedState.Bytes(), m.EncryptedState.Nonce[:], int64(m.StateNonce),
		int64(m.RevealedYesPool), int64(m.RevealedNoPool), int64(m.RevealedTotalPool),
		string(m.Status), string(m.Outcome), m.MPCInitialized, int64(m.BetCount),
		int64(m.TotalLiquidity), revealedCount, m.UpdatedAt,
		m.ClosedAt, m.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update market %s: %w", m.Address, err)
	}
	t.market = m
	return nil
}

func (t *accountTx) Vault(ctx context.Context) (domain.Vault, error) {
	v, err := scanVault(t.tx.QueryRow(ctx, `SELECT `+vaultCols+` FROM vaults WHERE market = $1`, t.market.Address[:]))
	if err != nil {
		return domain.Vault{}, notFound(err, "vault of "+t.market.Address.String())
	}
	return v, nil
}

func (t *accountTx) PutVault(ctx context.Context, v domain.Vault) error {
	if v.Market != t.market.Address {
		return fmt.Errorf("postgres: put vault of %s in tx for %s: %w", v.Market, t.market.Address, domain.ErrInvalidAddress)
	}
	tag, err := t.tx.Exec(ctx, `UPDATE vaults SET total_deposits = $2, total_withdrawals = $3, updated_at = $4
		WHERE address = $1`, v.Address[:], int64(v.TotalDeposits), int64(v.TotalWithdrawals), v.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: update vault %s: %w", v.Address, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update vault %s: %w", v.Address, domain.ErrNotFound)
	}
	return nil
}

func (t *accountTx) Bet(ctx context.Context, bettor domain.Address) (domain.BetRecord, error) {
	b, err := scanBet(t.tx.QueryRow(ctx,
		`SELECT `+betCols+` FROM bet_records WHERE market = $1 AND bettor = $2`, t.market.Address[:], bettor[:]))
	if err != nil {
		return domain.BetRecord{}, notFound(err, "bet of "+bettor.String())
	}
	return b, nil
}

func (t *accountTx) checkBet(b domain.BetRecord) error {
	if b.Market != t.market.Address || b.Address != domain.DeriveBetAddress(b.Market, b.Bettor) {
		return fmt.Errorf("postgres: bet %s: %w", b.Address, domain.ErrInvalidAddress)
	}
	return nil
}

func (t *accountTx) PutBet(ctx context.Context, b domain.BetRecord) error {
	if err := t.checkBet(b); err != nil {
		return err
	}
	var paid *int64
	if b.PayoutAmount != nil {
		n := int64(*b.PayoutAmount)
		paid = &n
	}
	tag, err := t.tx.Exec(ctx, `UPDATE bet_records SET
		bet_index = $2, encrypted_bet = $3, bettor_public_key = $4, user_nonce = $5,
		status = $6, claimed = $7, payout_amount = $8, confirmed_at = $9, settled_at = $10
		WHERE address = $1`,
		b.Address[:], int64(b.BetIndex), b.EncryptedBet.Bytes(), b.BettorPublicKey[:], b.UserNonce[:],
		string(b.Status), b.Claimed, paid, b.ConfirmedAt, b.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update bet %s: %w", b.Address, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update bet %s: %w", b.Address, domain.ErrNotFound)
	}
	return nil
}

func (t *accountTx) CreateBet(ctx context.Context, b domain.BetRecord) error {
	if err := t.checkBet(b); err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `INSERT INTO bet_records (`+betCols+`) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT DO NOTHING`, betArgs(b)...)
	if err != nil {
		return fmt.Errorf("postgres: insert bet %s: %w", b.Address, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: insert bet %s: %w", b.Address, domain.ErrBetExists)
	}
	return nil
}

func (t *accountTx) Bets(ctx context.Context) ([]domain.BetRecord, error) {
	return listBets(ctx, t.tx, t.market.Address)
}

func marketArgs(m domain.Market) []any {
	var revealedCount *int64
	if m.RevealedBetCount != nil {
		n := int64(*m.RevealedBetCount)
		revealedCount = &n
	}
	return []any{
		m.Address[:], m.Authority[:], int64(m.MarketID), m.Question, m.ResolutionTime,
		int32(m.FeeBps), string(m.OracleKind), m.OracleReference, m.EncryptedState.Bytes(), m.EncryptedState.Nonce[:],
		int64(m.StateNonce), int64(m.RevealedYesPool), int64(m.RevealedNoPool), int64(m.RevealedTotalPool), string(m.Status),
		string(m.Outcome), m.MPCInitialized, int64(m.BetCount), int64(m.TotalLiquidity), m.Vault[:],
		revealedCount, m.CreatedAt, m.UpdatedAt, m.ClosedAt, m.ResolvedAt,
	}
}

func betArgs(b domain.BetRecord) []any {
	var paid *int64
	if b.PayoutAmount != nil {
		n := int64(*b.PayoutAmount)
		paid = &n
	}
	return []any{
		b.Address[:], b.Market[:], b.Bettor[:], int64(b.BetIndex), b.EncryptedBet.Bytes(),
		b.BettorPublicKey[:], b.UserNonce[:], int64(b.Stake), string(b.Status), b.Claimed, paid,
		b.PlacedAt, b.ConfirmedAt, b.SettledAt,
	}
}

func scanMarket(row pgx.Row) (domain.Market, error) {
	var (
		m                                    domain.Market
		addr, authority, state, nonce, vault []byte
		marketID, stateNonce, yes, no, total int64
		betCount, liquidity                  int64
		revealedCount                        *int64
		feeBps                               int32
		oracleKind, status, outcome          string
	)
	err := row.Scan(
		&addr, &authority, &marketID, &m.Question, &m.ResolutionTime,
		&feeBps, &oracleKind, &m.OracleReference, &state, &nonce,
		&stateNonce, &yes, &no, &total, &status,
		&outcome, &m.MPCInitialized, &betCount, &liquidity, &vault,
		&revealedCount, &m.CreatedAt, &m.UpdatedAt, &m.ClosedAt, &m.ResolvedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	if err := copyAddresses(map[*domain.Address][]byte{&m.Address: addr, &m.Authority: authority, &m.Vault: vault}); err != nil {
		return domain.Market{}, err
	}
	if m.EncryptedState, err = domain.DecodeEncryptedState(state, nonce); err != nil {
		return domain.Market{}, err
	}
	m.MarketID = uint64(marketID)
	m.FeeBps = uint16(feeBps)
	m.OracleKind = domain.OracleKind(oracleKind)
	m.StateNonce = uint64(stateNonce)
	m.RevealedYesPool = uint64(yes)
	m.RevealedNoPool = uint64(no)
	m.RevealedTotalPool = uint64(total)
	m.Status = domain.MarketStatus(status)
	m.Outcome = domain.Outcome(outcome)
	m.BetCount = uint32(betCount)
	m.TotalLiquidity = uint64(liquidity)
	if revealedCount != nil {
		n := uint32(*revealedCount)
		m.RevealedBetCount = &n
	}
	m.ResolutionTime = m.ResolutionTime.UTC()
	return m, nil
}

func scanVault(row pgx.Row) (domain.Vault, error) {
	var (
		v                     domain.Vault
		addr, market          []byte
		deposits, withdrawals int64
	)
	if err := row.Scan(&addr, &market, &deposits, &withdrawals, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return domain.Vault{}, err
	}
	if err := copyAddresses(map[*domain.Address][]byte{&v.Address: addr, &v.Market: market}); err != nil {
		return domain.Vault{}, err
	}
	v.TotalDeposits = uint64(deposits)
	v.TotalWithdrawals = uint64(withdrawals)
	return v, nil
}

func scanBet(row pgx.Row) (domain.BetRecord, error) {
	var (
		b                         domain.BetRecord
		addr, market, bettor      []byte
		encBet, pubKey, userNonce []byte
		betIndex, stake           int64
		paid                      *int64
		status                    string
	)
	err := row.Scan(
		&addr, &market, &bettor, &betIndex, &encBet,
		&pubKey, &userNonce, &stake, &status, &b.Claimed, &paid,
		&b.PlacedAt, &b.ConfirmedAt, &b.SettledAt,
	)
	if err != nil {
		return domain.BetRecord{}, err
	}
	if err := copyAddresses(map[*domain.Address][]byte{&b.Address: addr, &b.Market: market, &b.Bettor: bettor}); err != nil {
		return domain.BetRecord{}, err
	}
	if b.EncryptedBet, err = domain.DecodeEncryptedBet(encBet); err != nil {
		return domain.BetRecord{}, err
	}
	if len(pubKey) != domain.PublicKeyLen || len(userNonce) != domain.NonceLen {
		return domain.BetRecord{}, fmt.Errorf("postgres: bet %x: key material: %w", addr, domain.ErrInvalidEnvelope)
	}
	copy(b.BettorPublicKey[:], pubKey)
	copy(b.UserNonce[:], userNonce)
	b.BetIndex = uint32(betIndex)
	b.Stake = uint64(stake)
	b.Status = domain.BetStatus(status)
	if paid != nil {
		n := uint64(*paid)
		b.PayoutAmount = &n
	}
	return b, nil
}

func copyAddresses(dst map[*domain.Address][]byte) error {
	for a, raw := range dst {
		if len(raw) != len(a) {
			return fmt.Errorf("postgres: address of %d bytes: %w", len(raw), domain.ErrInvalidAddress)
		}
		copy(a[:], raw)
	}
	return nil
}

// notFound maps pgx.ErrNoRows to domain.ErrNotFound.
func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: %s: %w", what, domain.ErrNotFound)
	}
	return fmt.Errorf("postgres: %s: %w", what, err)
}
