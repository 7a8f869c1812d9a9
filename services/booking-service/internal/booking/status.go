package booking

import "github.com/clinicware/clinicbook/services/booking-service/internal/model"

// transitions is the single source of truth for the appointment lifecycle.
// Completed and Cancelled are terminal.
var transitions = map[model.Status][]model.Status{
	model.StatusPending:   {model.StatusConfirmed, model.StatusCancelled},
	model.StatusConfirmed: {model.StatusCompleted, model.StatusCancelled},
	model.StatusCompleted: nil,
	model.StatusCancelled: nil,
}

// CanTransition reports whether the lifecycle permits moving from one status
// to another.
func CanTransition(from, to model.Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
