package timeclock

type Status string

const (
	StatusOut     Status = "OUT"
	StatusIn      Status = "IN"
	StatusOnBreak Status = "ON_BREAK"
)

type transitionKey struct {
	from  Status
	event EventType
}

var transitions = map[transitionKey]Status{
	{StatusOut, EventEntrada}:         StatusIn,
	{StatusIn, EventSalida}:           StatusOut,
	{StatusIn, EventInicioDescanso}:   StatusOnBreak,
	{StatusOnBreak, EventFinDescanso}: StatusIn,
}

// Transition returns the status reached by applying event to from.
func Transition(from Status, event EventType) (Status, error) {
	if !event.Valid() {
		return from, ErrInvalidEventType
	}
	to, ok := transitions[transitionKey{from, event}]
	if !ok {
		return from, &TransitionError{From: from, Event: event}
	}
	return to, nil
}

// StatusAfter projects the status implied by an employee's latest event.
func StatusAfter(latest ClockEvent, found bool) Status {
	if !found {
		return StatusOut
	}
	switch latest.EventType {
	case EventEntrada, EventFinDescanso:
		return StatusIn
	case EventInicioDescanso:
		return StatusOnBreak
	default:
		return StatusOut
	}
}
