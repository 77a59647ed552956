// Package lifecycle owns lease TTL bookkeeping: renewal, expiry decisions
// and the expiry event stream the reconciler's compensating cleanup consumes.
package lifecycle

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"github.com/walkai-org/walkai-api/internal/errs"
	"github.com/walkai-org/walkai-api/internal/lease"
	"github.com/walkai-org/walkai-api/internal/metrics"
	"github.com/walkai-org/walkai-api/internal/statestore"
)

// Event reports a lease the manager decided is expired. Consumed by the
// reconciliation loop for compensating cleanup; delivery is best effort, the
// loop re-derives the same decision from timestamps on its next pass anyway.
type Event struct {
	LeaseID   string
	Partition string
	Reason    string
}

type Manager struct {
	store statestore.Store

	defaultTTL         time.Duration
	confirmationWindow time.Duration
	retentionWindow    time.Duration
	storeTimeout       time.Duration
	maxRetries         int

	events chan Event
}

func NewManager(store statestore.Store, defaultTTL, confirmationWindow, retentionWindow, storeTimeout time.Duration, maxRetries int) *Manager {
	return &Manager{
		store:              store,
		defaultTTL:         defaultTTL,
		confirmationWindow: confirmationWindow,
		retentionWindow:    retentionWindow,
		storeTimeout:       storeTimeout,
		maxRetries:         maxRetries,
		events:             make(chan Event, 64),
	}
}

func (m *Manager) DefaultTTL() time.Duration { return m.defaultTTL }

// Events exposes the expiry event stream.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Renew extends a lease's expiry deadline. It fails with an Expired kind on
// any lease that already reached a terminal state or whose deadline passed
// according to the store's clock; there is no resurrection.
func (m *Manager) Renew(ctx context.Context, leaseID string, ttl time.Duration) (*lease.Lease, error) {
	l, err := m.renew(ctx, leaseID, ttl)
	metrics.RenewResults.WithLabelValues(errs.Kind(err)).Inc()
	return l, err
}

func (m *Manager) renew(ctx context.Context, leaseID string, ttl time.Duration) (*lease.Lease, error) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		l, err := m.store.Get(ctx, leaseID)
		if err != nil {
			return nil, err
		}
		now, err := m.storeNow(ctx)
		if err != nil {
			return nil, err
		}
		if l.Terminal() {
			return nil, errs.Expired("lease %s is %s", leaseID, l.State)
		}
		// The store clock decides, never the local one: a lease past its
		// deadline is dead even if the reconciler has not marked it yet.
		if now.After(l.ExpiresAt) {
			return nil, errs.Expired("lease %s deadline passed at %s", leaseID, l.ExpiresAt.Format(time.RFC3339))
		}
		next := l.Clone()
		next.ExpiresAt = now.Add(ttl)
		next.UpdatedAt = now
		err = m.store.Update(ctx, next)
		if err == nil {
			klog.V(4).InfoS("lease renewed", "lease", leaseID, "expiresAt", next.ExpiresAt)
			return next, nil
		}
		if !errs.IsContention(err) {
			return nil, err
		}
	}
	return nil, errs.Contention("lease %s kept changing while renewing", leaseID)
}

// OwnerExpired reports whether a Confirmed lease's TTL elapsed without renewal.
func (m *Manager) OwnerExpired(l *lease.Lease, now time.Time) bool {
	return l.State == lease.StateConfirmed && now.After(l.ExpiresAt)
}

// ConfirmationOverdue reports whether a Pending lease ran out of its
// confirmation window without the cluster materializing the binding.
func (m *Manager) ConfirmationOverdue(l *lease.Lease, now time.Time) bool {
	return l.State == lease.StatePending && now.After(l.CreatedAt.Add(m.confirmationWindow))
}

// RetentionElapsed reports whether a terminal lease outlived the diagnostics
// retention window and can be garbage collected.
func (m *Manager) RetentionElapsed(l *lease.Lease, now time.Time) bool {
	return l.Terminal() && now.After(l.UpdatedAt.Add(m.retentionWindow))
}

// NotifyExpired emits an expiry event. Non-blocking: when nobody drains the
// channel the event is dropped, the next reconcile pass re-derives it.
func (m *Manager) NotifyExpired(l *lease.Lease, reason string) {
	select {
	case m.events <- Event{LeaseID: l.ID, Partition: l.Partition, Reason: reason}:
	default:
	}
}

func (m *Manager) storeNow(ctx context.Context) (time.Time, error) {
	cctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	return m.store.Now(cctx)
}
