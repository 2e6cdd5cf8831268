package domain

var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusFulfilled, StatusCancelled},
}

// CanTransition reports whether a sub-order may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusFulfilled || s == StatusCancelled
}

// DeriveParentStatus aggregates sub-order statuses into the parent status.
func DeriveParentStatus(subs []SubOrder) Status {
	if len(subs) == 0 {
		return StatusPending
	}
	var fulfilled, cancelled, confirmed int
	for _, sub := range subs {
		switch sub.Status {
		case StatusFulfilled:
			fulfilled++
		case StatusCancelled:
			cancelled++
		case StatusConfirmed:
			confirmed++
		}
	}
	terminal := fulfilled + cancelled
	switch {
	case cancelled == len(subs):
		return StatusCancelled
	case terminal == len(subs):
		return StatusFulfilled
	case terminal > 0:
		return StatusPartiallyFulfilled
	case confirmed == len(subs):
		return StatusConfirmed
	default:
		return StatusPending
	}
}
