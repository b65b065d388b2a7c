package remediation

import (
	"sync"

	errs "github.com/catherinevee/diagmgr/internal/shared/errors"
)

// leaseRegistry grants at most one execution lease per finding. A second
// acquisition while the first is live is refused, which is how the kernel
// keeps destructive concurrency at zero per finding.
type leaseRegistry struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newLeaseRegistry() *leaseRegistry {
	return &leaseRegistry{held: make(map[string]struct{})}
}

// acquire takes the lease for a finding or fails with illegal_state.
func (l *leaseRegistry) acquire(findingID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[findingID]; ok {
		return errs.IllegalStatef("finding %s already has a remediation in flight", findingID)
	}
	l.held[findingID] = struct{}{}
	return nil
}

// release returns the lease. Releasing an unheld lease is a no-op.
func (l *leaseRegistry) release(findingID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, findingID)
}

// heldCount reports live leases. Tests only.
func (l *leaseRegistry) heldCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
