package escrow

import (
	"context"
	"strings"
	"time"

	"github.com/mbd888/rentescrow/internal/validation"
)

// BothConfirmed is the dual-confirmation gate for non-override releases.
// It never triggers a release by itself.
func BothConfirmed(e *Entry) bool {
	return e.Confirmations.RenterConfirmed && e.Confirmations.OwnerConfirmed
}

// ConfirmByParty records a party's completion acknowledgement. An empty party
// is inferred from actorID. Confirming twice is a no-op that keeps the first
// note and timestamp. While disputed the confirmation is kept for audit only.
func (s *Service) ConfirmByParty(ctx context.Context, id, actorID string, party Party, note string) (*Entry, error) {
	if party != "" && party != PartyRenter && party != PartyOwner {
		return nil, ErrInvalidParty
	}
	if validation.NoteLength(note) < MinNoteLength {
		return nil, ErrInvalidNote
	}
	note = strings.TrimSpace(note)

	changed := false
	e, err := s.mutate(ctx, id, func(e *Entry, now time.Time) error {
		actual, ok := e.PartyOf(actorID)
		if !ok || (party != "" && party != actual) {
			return ErrUnauthorized
		}
		if e.Status != StatusHeld && e.Status != StatusDisputed {
			return ErrInvalidTransition
		}

		c := &e.Confirmations
		switch actual {
		case PartyRenter:
			if c.RenterConfirmed {
				return errUnchanged
			}
			c.RenterConfirmed = true
			c.RenterConfirmedAt = &now
			c.RenterNote = note
		case PartyOwner:
			if c.OwnerConfirmed {
				return errUnchanged
			}
			c.OwnerConfirmed = true
			c.OwnerConfirmedAt = &now
			c.OwnerNote = note
		}
		e.appendTimeline(string(actual)+"_confirmed", actorID, note, now)
		party = actual
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.log(ctx).Info("escrow confirmation recorded",
			"entry_id", e.ID, "party", party, "both_confirmed", BothConfirmed(e), "status", e.Status)
		s.publish(ctx, e, "escrow."+string(party)+"_confirmed", actorID)
	}
	return e, nil
}
