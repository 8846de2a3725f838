package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sbarrientos2/VEIL/internal/domain"
)

// ComputationStore implements domain.ComputationStore in memory.
type ComputationStore struct {
	mu   sync.Mutex
	jobs map[string]domain.Computation
}

// NewComputationStore returns an empty store.
func NewComputationStore() *ComputationStore {
	return &ComputationStore{jobs: make(map[string]domain.Computation)}
}

func (s *ComputationStore) Create(_ context.Context, c domain.Computation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[c.CorrelationID]; ok {
		return fmt.Errorf("memory: create computation %s: %w", c.CorrelationID, domain.ErrAlreadyExists)
	}
	s.jobs[c.CorrelationID] = c
	return nil
}

func (s *ComputationStore) Get(_ context.Context, correlationID string) (domain.Computation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.jobs[correlationID]
	if !ok {
		return domain.Computation{}, fmt.Errorf("memory: computation %s: %w", correlationID, domain.ErrNotFound)
	}
	return c, nil
}

func (s *ComputationStore) Finish(_ context.Context, correlationID string, status domain.ComputationStatus, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.jobs[correlationID]
	if !ok || c.Status.Terminal() {
		return fmt.Errorf("memory: finish computation %s: %w", correlationID, domain.ErrUnknownComputation)
	}
	c.Status = status
	c.Error = errMsg
	c.FinishedAt = &at
	s.jobs[correlationID] = c
	return nil
}

func (s *ComputationStore) ListPending(context.Context) ([]domain.Computation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Computation
	for _, c := range s.jobs {
		if c.Status == domain.ComputationPending {
			out = append(out, c)
		}
	}
	sortComputations(out)
	return out, nil
}

func (s *ComputationStore) ListByMarket(_ context.Context, market domain.Address, opts domain.ListOpts) ([]domain.Computation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Computation
	for _, c := range s.jobs {
		if c.Market == market {
			out = append(out, c)
		}
	}
	sortComputations(out)
	return paginate(out, opts), nil
}

func sortComputations(cs []domain.Computation) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].CreatedAt.Before(cs[j].CreatedAt)
		}
		return cs[i].CorrelationID < cs[j].CorrelationID
	})
}

var _ domain.ComputationStore = (*ComputationStore)(nil)
