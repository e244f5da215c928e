package escrow

// transitions lists every legal status change. Terminal statuses have no
// outgoing edges.
var transitions = map[Status][]Status{
	StatusPending:  {StatusHeld, StatusCancelled},
	StatusHeld:     {StatusReleased, StatusDisputed, StatusRefunded, StatusCancelled},
	StatusDisputed: {StatusReleased, StatusRefunded, StatusHeld},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// checkTransition returns a typed error when from → to is not allowed.
func checkTransition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	if from == StatusReleased && to == StatusReleased {
		return ErrAlreadyReleased
	}
	return ErrInvalidTransition
}
