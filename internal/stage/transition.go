package stage

import (
	"fmt"

	"qazna.org/xs2a/internal/domain"
)

// allowed lists the outgoing edges of every non-terminal status. Staying in
// the same status is always allowed.
var allowed = map[domain.ScaStatus][]domain.ScaStatus{
	domain.ScaReceived: {
		domain.ScaPsuIdentified, domain.ScaPsuAuthenticated, domain.ScaMethodSelected,
		domain.ScaUnconfirmed, domain.ScaFinalised, domain.ScaExempted, domain.ScaFailed,
	},
	domain.ScaPsuIdentified: {
		domain.ScaPsuAuthenticated, domain.ScaMethodSelected,
		domain.ScaFinalised, domain.ScaExempted, domain.ScaFailed,
	},
	domain.ScaPsuAuthenticated: {
		domain.ScaMethodSelected, domain.ScaExempted, domain.ScaFailed,
	},
	domain.ScaMethodSelected: {
		domain.ScaUnconfirmed, domain.ScaFinalised, domain.ScaFailed,
	},
	domain.ScaUnconfirmed: {
		domain.ScaFinalised, domain.ScaFailed,
	},
}

// TransitionError reports a handler result outside the allowed edges.
type TransitionError struct {
	From, To domain.ScaStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("stage: illegal transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrDispatch }

// CheckTransition validates from -> to.
func CheckTransition(from, to domain.ScaStatus) error {
	if from.IsFinalised() || !to.Valid() {
		return &TransitionError{From: from, To: to}
	}
	if from == to {
		return nil
	}
	for _, s := range allowed[from] {
		if s == to {
			return nil
		}
	}
	return &TransitionError{From: from, To: to}
}
