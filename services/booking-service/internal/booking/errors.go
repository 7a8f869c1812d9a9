package booking

import "errors"

// ErrSlotNotFound is returned when a slot identifier does not resolve.
var ErrSlotNotFound = errors.New("slot not found")

// ErrSlotInPast is returned when a slot's time window has already elapsed.
var ErrSlotInPast = errors.New("slot window has elapsed")

// ErrSlotFull is returned when a slot has no remaining capacity.
var ErrSlotFull = errors.New("slot is fully booked")

// ErrInvalidTransition is returned for a status change the transition table
// does not allow.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrAlreadyTerminal is returned when cancelling an appointment that is
// already completed or cancelled. Retried cancels must see this rather than
// a silent success so clients can tell a replay from a first-time cancel.
var ErrAlreadyTerminal = errors.New("appointment already in a terminal status")

// ErrConcurrentModification is returned when another operation changed the
// same row between read and write and the retry budget ran out.
var ErrConcurrentModification = errors.New("concurrent modification")

// ErrAppointmentNotFound is returned when an appointment identifier does not
// resolve.
var ErrAppointmentNotFound = errors.New("appointment not found")

// ErrUnknownParticipant is returned when a booking references a patient,
// doctor or service the directory does not know.
var ErrUnknownParticipant = errors.New("unknown booking participant")
