package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sbarrientos2/VEIL/internal/domain"
)

// ComputationStore implements domain.ComputationStore using PostgreSQL.
type ComputationStore struct {
	pool *pgxpool.Pool
}

// NewComputationStore creates a new ComputationStore backed by the given connection pool.
func NewComputationStore(pool *pgxpool.Pool) *ComputationStore {
	return &ComputationStore{pool: pool}
}

var _ domain.ComputationStore = (*ComputationStore)(nil)

const computationCols = `correlation_id, kind, market, bettor, state_nonce, outcome,
	amount, status, error, created_at, deadline, finished_at`

// Create records a pending job.
func (s *ComputationStore) Create(ctx context.Context, c domain.Computation) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO computations (`+computationCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.CorrelationID, string(c.Kind), c.Market[:], c.Bettor[:], int64(c.StateNonce), string(c.Outcome),
		int64(c.Amount), string(c.Status), c.Error, c.CreatedAt, c.Deadline, c.FinishedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create computation %s: %w", c.CorrelationID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create computation %s: %w", c.CorrelationID, err)
	}
	return nil
}

// Get retrieves a job by correlation id.
func (s *ComputationStore) Get(ctx context.Context, correlationID string) (domain.Computation, error) {
	c, err := scanComputation(s.pool.QueryRow(ctx,
		`SELECT `+computationCols+` FROM computations WHERE correlation_id = $1`, correlationID))
	if err != nil {
		return domain.Computation{}, notFound(err, "computation "+correlationID)
	}
	return c, nil
}

// Finish moves a pending job to a terminal status. The status guard in the
// WHERE clause makes a second finish fail instead of overwriting.
func (s *ComputationStore) Finish(ctx context.Context, correlationID string, status domain.ComputationStatus, errMsg string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE computations SET status = $2, error = $3, finished_at = $4
		WHERE correlation_id = $1 AND status = 'pending'`,
		correlationID, string(status), errMsg, at,
	)
	if err != nil {
		return fmt.Errorf("postgres: finish computation %s: %w", correlationID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: finish computation %s: %w", correlationID, domain.ErrUnknownComputation)
	}
	return nil
}

// ListPending returns every job still pending, oldest first.
func (s *ComputationStore) ListPending(ctx context.Context) ([]domain.Computation, error) {
	return s.list(ctx, `SELECT `+computationCols+` FROM computations
		WHERE status = 'pending' ORDER BY created_at ASC`)
}

// ListByMarket returns the jobs of one market, newest first.
func (s *ComputationStore) ListByMarket(ctx context.Context, market domain.Address, opts domain.ListOpts) ([]domain.Computation, error) {
	query, args := newSelect(`SELECT `+computationCols+` FROM computations WHERE market = $1`, market[:]).
		window("created_at", opts.Since, opts.Until).
		page("created_at DESC", opts.Limit, opts.Offset).
		build()
	return s.list(ctx, query, args...)
}

func (s *ComputationStore) list(ctx context.Context, query string, args ...any) ([]domain.Computation, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list computations: %w", err)
	}
	defer rows.Close()

	var out []domain.Computation
	for rows.Next() {
		c, err := scanComputation(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan computation: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list computations rows: %w", err)
	}
	return out, nil
}

func scanComputation(row pgx.Row) (domain.Computation, error) {
	var (
		c                     domain.Computation
		market, bettor        []byte
		kind, outcome, status string
		stateNonce, amount    int64
	)
	err := row.Scan(
		&c.CorrelationID, &kind, &market, &bettor, &stateNonce, &outcome,
		&amount, &status, &c.Error, &c.CreatedAt, &c.Deadline, &c.FinishedAt,
	)
	if err != nil {
		return domain.Computation{}, err
	}
	if err := copyAddresses(map[*domain.Address][]byte{&c.Market: market, &c.Bettor: bettor}); err != nil {
		return domain.Computation{}, err
	}
	c.Kind = domain.JobKind(kind)
	c.Outcome = domain.Outcome(outcome)
	c.Status = domain.ComputationStatus(status)
	c.StateNonce = uint64(stateNonce)
	c.Amount = uint64(amount)
	return c, nil
}

// isUniqueViolation reports whether err is a unique-constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
