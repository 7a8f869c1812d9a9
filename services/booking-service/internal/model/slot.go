package model

import "time"

// Slot is one doctor's bookable capacity for a single time window.
//
// Committed counts currently reserved capacity and never exceeds Maximum.
// Issued counts every sequence number ever handed out for the slot; it only
// grows, so queue positions stay stable even after cancellations.
// Version guards optimistic concurrent updates to the counters.
type Slot struct {
	ID        string
	DoctorID  string
	StartsAt  time.Time
	EndsAt    time.Time
	Maximum   int
	Committed int
	Issued    int
	Version   int64
	CreatedAt time.Time
}

// DefaultSlotCapacity is applied when a slot is created without an explicit
// maximum.
const DefaultSlotCapacity = 20

func (s Slot) Remaining() int {
	if r := s.Maximum - s.Committed; r > 0 {
		return r
	}
	return 0
}
