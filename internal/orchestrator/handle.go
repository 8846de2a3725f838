package orchestrator

import (
	"sync"

	"github.com/sbarrientos2/VEIL/internal/domain"
)

// Handle is the future for one queued job.
type Handle struct {
	CorrelationID string
	Kind          domain.JobKind
	Market        domain.Address

	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	job  domain.Computation
	err  error
}

func newHandle(job domain.Computation) *Handle {
	return &Handle{
		CorrelationID: job.CorrelationID,
		Kind:          job.Kind,
		Market:        job.Market,
		done:          make(chan struct{}),
		job:           job,
	}
}

func (h *Handle) resolve(job domain.Computation, err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.job = job
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}

// Done is closed once the job reaches a terminal status.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Job returns the latest known record.
func (h *Handle) Job() domain.Computation {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.job
}

// Err returns the terminal error, or nil while pending or once committed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}
