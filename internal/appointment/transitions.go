package appointment

import "fmt"

// legalTransitions is the full status graph. pending -> completed records a
// walk-in after the fact.
var legalTransitions = map[AppointmentStatus][]AppointmentStatus{
	StatusPending:   {StatusConfirmed, StatusCancelled, StatusCompleted},
	StatusConfirmed: {StatusCompleted, StatusNoShow, StatusCancelled},
}

var allStatuses = []AppointmentStatus{
	StatusPending, StatusConfirmed, StatusCompleted, StatusNoShow, StatusCancelled,
}

// Statuses lists every appointment status.
func Statuses() []AppointmentStatus {
	out := make([]AppointmentStatus, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to AppointmentStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s AppointmentStatus) IsTerminal() bool {
	return s.Valid() && len(legalTransitions[s]) == 0
}

func (s AppointmentStatus) Valid() bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

func ParseStatus(raw string) (AppointmentStatus, error) {
	s := AppointmentStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
	return s, nil
}

var registrationOrder = map[RegistrationStatus]int{
	RegistrationUnregistered: 0,
	RegistrationPending:      1,
	RegistrationActive:       2,
}

// CanAdvanceRegistration reports whether a patient may move from -> to.
// Registration only ever moves forward.
func CanAdvanceRegistration(from, to RegistrationStatus) bool {
	f, okFrom := registrationOrder[from]
	t, okTo := registrationOrder[to]
	return okFrom && okTo && t > f
}

func ParseRegistrationStatus(raw string) (RegistrationStatus, error) {
	s := RegistrationStatus(raw)
	if _, ok := registrationOrder[s]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
	return s, nil
}
