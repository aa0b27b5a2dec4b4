package fulfillment

import "roadfix/internal/domain"

// event is something that moves a service request forward
type event string

const (
	evQuote    event = "quote"
	evAccept   event = "accept"
	evStart    event = "start"
	evComplete event = "complete"
	evCancel   event = "cancel"
)

// transitions is the whole state machine. Terminal states have no entry.
var transitions = map[domain.RequestStatus]map[event]domain.RequestStatus{
	domain.StatusPending: {
		evQuote:  domain.StatusQuoted,
		evAccept: domain.StatusAccepted,
		evCancel: domain.StatusCancelled,
	},
	domain.StatusQuoted: {
		evQuote:  domain.StatusQuoted,
		evAccept: domain.StatusAccepted,
		evCancel: domain.StatusCancelled,
	},
	domain.StatusAccepted: {
		evStart:  domain.StatusInProgress,
		evCancel: domain.StatusCancelled,
	},
	domain.StatusInProgress: {
		evComplete: domain.StatusCompleted,
		evCancel:   domain.StatusCancelled,
	},
}

// next returns the state reached from `from` on ev
func next(from domain.RequestStatus, ev event) (domain.RequestStatus, bool) {
	to, ok := transitions[from][ev]
	return to, ok
}

// actorEvents maps the statuses a caller may request through Transition to
// their events. QUOTED and ACCEPTED are only reached by submitting or
// accepting quotations and by direct workshop assignment.
var actorEvents = map[domain.RequestStatus]event{
	domain.StatusInProgress: evStart,
	domain.StatusCompleted:  evComplete,
	domain.StatusCancelled:  evCancel,
}

// CanTransition reports whether the table allows moving from one status to another
func CanTransition(from, to domain.RequestStatus) bool {
	for _, target := range transitions[from] {
		if target == to {
			return true
		}
	}
	return false
}
