package escrow

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

// Summary is the admin dashboard rollup. A split ends refunded, so
// Outcomes is what separates splits from full refunds.
type Summary struct {
	Counts          map[Status]int             `json:"counts"`
	Outcomes        map[Outcome]int            `json:"outcomes"`
	HeldTotals      map[string]decimal.Decimal `json:"heldTotals"`
	FailedLegs      int                        `json:"failedLegs"`
	PendingLegs     int                        `json:"pendingLegs"`
	AwaitingRelease int                        `json:"awaitingRelease"`
}

// TotalHeld sums amount over held entries in currency.
func (s *Service) TotalHeld(ctx context.Context, currency string) (decimal.Decimal, error) {
	return s.store.SumHeld(ctx, strings.ToUpper(currency))
}

// PendingRelease lists held, undisputed entries with both confirmations.
func (s *Service) PendingRelease(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListPendingRelease(ctx, limit)
}

// OwnerEarnings sums payout leg amounts per currency for payeeID. The owner
// leg of a split counts even though the entry status is refunded.
func (s *Service) OwnerEarnings(ctx context.Context, payeeID string) ([]Earnings, error) {
	return s.store.OwnerEarnings(ctx, payeeID)
}

// FailedPayouts is the administrator queue of legs that exhausted retries.
func (s *Service) FailedPayouts(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	refs, err := s.store.ListLegs(ctx, LegFailed, limit)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(refs))
	out := make([]*Entry, 0, len(refs))
	for _, ref := range refs {
		if seen[ref.EntryID] {
			continue
		}
		seen[ref.EntryID] = true
		e, err := s.store.Get(ctx, ref.EntryID)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Summary counts entries by status and totals held funds per currency.
func (s *Service) Summary(ctx context.Context) (*Summary, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	outcomes, err := s.store.CountByOutcome(ctx)
	if err != nil {
		return nil, err
	}
	sum := &Summary{Counts: counts, Outcomes: outcomes, HeldTotals: map[string]decimal.Decimal{}}

	held, err := s.store.ListHeldCurrencies(ctx)
	if err != nil {
		return nil, err
	}
	for _, cur := range held {
		total, err := s.store.SumHeld(ctx, cur)
		if err != nil {
			return nil, err
		}
		sum.HeldTotals[cur] = total
	}

	const scan = 1000
	failed, err := s.store.ListLegs(ctx, LegFailed, scan)
	if err != nil {
		return nil, err
	}
	pending, err := s.store.ListLegs(ctx, LegPending, scan)
	if err != nil {
		return nil, err
	}
	ready, err := s.store.ListPendingRelease(ctx, scan)
	if err != nil {
		return nil, err
	}
	sum.FailedLegs = len(failed)
	sum.PendingLegs = len(pending)
	sum.AwaitingRelease = len(ready)
	return sum, nil
}
