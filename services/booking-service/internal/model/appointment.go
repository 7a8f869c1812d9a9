package model

import "time"

// Status is the closed set of appointment lifecycle states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func ParseStatus(raw string) (Status, bool) {
	switch Status(raw) {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled:
		return Status(raw), true
	}
	return "", false
}

// Role identifies the kind of caller acting on an appointment. Roles arrive
// already validated by the upstream identity layer and are trusted as given.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

func ParseRole(raw string) (Role, bool) {
	switch Role(raw) {
	case RolePatient, RoleDoctor, RoleAdmin:
		return Role(raw), true
	}
	return "", false
}

type Appointment struct {
	ID           string
	PatientID    string
	DoctorID     string
	ServiceID    string
	SlotID       string
	ScheduledAt  time.Time
	Sequence     int
	Status       Status
	Note         string
	CancelledAt  *time.Time
	CancelReason string
	CreatedAt    time.Time
}
