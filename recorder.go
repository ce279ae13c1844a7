package certpilot

import (
	"context"
	"sync"
)

// Recorder stores run outcomes. Implementations are append-only.
type Recorder interface {
	Record(ctx context.Context, outcome RunOutcome) error
	Last(ctx context.Context, domain string) (*RunOutcome, error)
}

// CertWriter archives issued certificates.
type CertWriter interface {
	AddCert(ctx context.Context, cert Cert) error
}

// MemoryRecorder keeps outcomes in memory. It is used when no database is configured.
type MemoryRecorder struct {
	mu       sync.RWMutex
	outcomes []RunOutcome
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (r *MemoryRecorder) Record(_ context.Context, outcome RunOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
	return nil
}

func (r *MemoryRecorder) Last(_ context.Context, domain string) (*RunOutcome, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.outcomes) - 1; i >= 0; i-- {
		if r.outcomes[i].Domain == domain {
			o := r.outcomes[i]
			return &o, nil
		}
	}
	return nil, nil
}

// All returns a copy of every recorded outcome in order.
func (r *MemoryRecorder) All() []RunOutcome {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]RunOutcome(nil), r.outcomes...)
}
