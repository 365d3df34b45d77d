package subscription

import "fmt"

// Status is the lifecycle state of a subscription.
type Status string

const (
	// StatusNone stands for "no subscription row".
	StatusNone      Status = ""
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
)

// Event drives a subscription transition.
type Event string

const (
	EventCheckout Event = "checkout"
	EventFree     Event = "free"
	EventApprove  Event = "approve"
	EventRenew    Event = "renew"
	EventReject   Event = "reject"
	EventCancel   Event = "cancel"
)

var transitions = map[Event]map[Status]Status{
	EventCheckout: {StatusNone: StatusPending},
	EventFree:     {StatusNone: StatusActive},
	EventApprove:  {StatusPending: StatusActive},
	EventRenew:    {StatusActive: StatusActive},
	EventReject:   {StatusPending: StatusCancelled, StatusActive: StatusCancelled},
	EventCancel:   {StatusPending: StatusCancelled, StatusActive: StatusCancelled},
}

// Transition returns the target status for an event, or ErrInvalidTransition.
func Transition(from Status, event Event) (Status, error) {
	edges, ok := transitions[event]
	if ok {
		if to, allowed := edges[from]; allowed {
			return to, nil
		}
	}
	return from, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, from.label())
}

// ParseStatus validates a stored status value.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusPending, StatusActive, StatusCancelled:
		return Status(raw), nil
	default:
		return StatusNone, fmt.Errorf("unknown subscription status %q", raw)
	}
}

// IsTerminal reports whether no further transitions are defined.
func (status Status) IsTerminal() bool {
	return status == StatusCancelled
}

// String returns the status value.
func (status Status) String() string {
	return string(status)
}

func (status Status) label() string {
	if status == StatusNone {
		return "none"
	}
	return string(status)
}
