package escrow

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory store for development mode and tests.
// Entries are deep-copied in and out so callers never share state.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	byRental map[string]string
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]*Entry),
		byRental: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byRental[e.RentalID]; ok {
		return ErrDuplicateEntry
	}
	e.Version = 1
	m.entries[e.ID] = e.Clone()
	m.byRental[e.RentalID] = e.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (m *MemoryStore) GetByRental(ctx context.Context, rentalID string) (*Entry, error) {
	m.mu.RLock()
	id, ok := m.byRental[rentalID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) GetByGatewayRef(_ context.Context, ref string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if ref == "" {
		return nil, ErrNotFound
	}
	for _, e := range m.entries {
		if e.CaptureRef == ref ||
			(e.Payout != nil && e.Payout.TransactionRef == ref) ||
			(e.Refund != nil && e.Refund.TransactionRef == ref) {
			return e.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Update(_ context.Context, e *Entry, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.entries[e.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrConflict
	}
	e.Version = expectedVersion + 1
	e.RentalSyncedStatus = cur.RentalSyncedStatus
	m.entries[e.ID] = e.Clone()
	return nil
}

func (m *MemoryStore) MarkRentalSynced(_ context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.RentalSyncedStatus = status
	return nil
}

func (m *MemoryStore) ListByParty(_ context.Context, partyID string, limit int, opts ...ListOption) ([]*Entry, error) {
	o := applyListOpts(opts)
	return m.collect(limit, newestFirst, func(e *Entry) bool {
		return (e.PayerID == partyID || e.PayeeID == partyID) && o.after(e)
	}), nil
}

func (m *MemoryStore) ListDueForRelease(_ context.Context, now time.Time, limit int) ([]*Entry, error) {
	return m.collect(limit, oldestFirst, func(e *Entry) bool {
		return e.Status == StatusHeld &&
			!e.DisputeOpen() &&
			e.AutoRelease.Enabled &&
			e.AutoRelease.ScheduledAt != nil &&
			!e.AutoRelease.ScheduledAt.After(now)
	}), nil
}

func (m *MemoryStore) ListPendingRelease(_ context.Context, limit int) ([]*Entry, error) {
	return m.collect(limit, oldestFirst, func(e *Entry) bool {
		return e.Status == StatusHeld && !e.DisputeOpen() && BothConfirmed(e)
	}), nil
}

func (m *MemoryStore) ListLegs(_ context.Context, status LegStatus, limit int) ([]LegRef, error) {
	entries := m.collect(0, oldestFirst, func(e *Entry) bool {
		return (e.Payout != nil && e.Payout.Status == status) ||
			(e.Refund != nil && e.Refund.Status == status)
	})
	var refs []LegRef
	for _, e := range entries {
		for _, kind := range []LegKind{LegKindPayout, LegKindRefund} {
			if l := e.Leg(kind); l != nil && l.Status == status {
				refs = append(refs, LegRef{EntryID: e.ID, Kind: kind})
			}
		}
	}
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}

func (m *MemoryStore) ListUnsynced(_ context.Context, limit int) ([]*Entry, error) {
	return m.collect(limit, oldestFirst, func(e *Entry) bool {
		return e.RentalSyncedStatus != e.Status
	}), nil
}

func (m *MemoryStore) SumHeld(_ context.Context, currency string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	for _, e := range m.entries {
		if e.Status == StatusHeld && e.Currency == currency {
			total = total.Add(e.Amount)
		}
	}
	return total, nil
}

func (m *MemoryStore) ListHeldCurrencies(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for _, e := range m.entries {
		if e.Status == StatusHeld && !slices.Contains(out, e.Currency) {
			out = append(out, e.Currency)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (m *MemoryStore) OwnerEarnings(_ context.Context, payeeID string) ([]Earnings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byCurrency := map[string]*Earnings{}
	for _, e := range m.entries {
		if e.PayeeID != payeeID || e.Payout == nil {
			continue
		}
		if e.Status != StatusReleased && e.Status != StatusRefunded {
			continue
		}
		acc, ok := byCurrency[e.Currency]
		if !ok {
			acc = &Earnings{Currency: e.Currency, Amount: decimal.Zero}
			byCurrency[e.Currency] = acc
		}
		acc.Amount = acc.Amount.Add(e.Payout.Amount)
		acc.Entries++
	}

	out := make([]Earnings, 0, len(byCurrency))
	for _, acc := range byCurrency {
		out = append(out, *acc)
	}
	slices.SortFunc(out, func(a, b Earnings) int {
		switch {
		case a.Currency < b.Currency:
			return -1
		case a.Currency > b.Currency:
			return 1
		}
		return 0
	})
	return out, nil
}

func (m *MemoryStore) CountByStatus(_ context.Context) (map[Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[Status]int)
	for _, e := range m.entries {
		counts[e.Status]++
	}
	return counts, nil
}

func (m *MemoryStore) CountByOutcome(_ context.Context) (map[Outcome]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[Outcome]int)
	for _, e := range m.entries {
		if e.Dispute != nil && e.Dispute.Outcome != "" {
			counts[e.Dispute.Outcome]++
		}
	}
	return counts, nil
}

func newestFirst(a, b *Entry) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(b.ID, a.ID)
}
func oldestFirst(a, b *Entry) int { return a.CreatedAt.Compare(b.CreatedAt) }

// collect returns clones of matching entries in order, capped at limit (0 = all).
func (m *MemoryStore) collect(limit int, order func(a, b *Entry) int, match func(*Entry) bool) []*Entry {
	m.mu.RLock()
	var out []*Entry
	for _, e := range m.entries {
		if match(e) {
			out = append(out, e.Clone())
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, order)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
