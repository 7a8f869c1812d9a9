// Package booking is the single entry point for mutating slot capacity and
// appointment state. It enforces two invariants: a slot's committed count
// never exceeds its maximum no matter how many callers race on it, and an
// appointment's status only moves along the transition table in status.go.
//
// The package never logs and never swallows an error; every failure is one
// of the typed errors in errors.go so the API layer can map it to a
// user-facing response. Who is allowed to trigger a transition is the
// caller's problem; roles arrive here already validated.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clinicware/clinicbook/services/booking-service/internal/model"
	"github.com/google/uuid"
)

const (
	defaultMaxRetries   = 5
	defaultCancelCutoff = time.Hour
)

type Coordinator struct {
	slots     SlotStore
	appts     AppointmentStore
	payments  PaymentReader
	directory Directory
	now       Clock

	// maxRetries bounds the optimistic CAS loops so contention degrades
	// into a typed failure instead of a livelock.
	maxRetries int

	// cancelCutoff is how long before the scheduled time a confirmed
	// appointment can still be cancelled.
	cancelCutoff time.Duration
}

type Options struct {
	// Payments is optional; without it cancellations never flag a refund.
	Payments PaymentReader

	// Directory is optional; without it participant existence is assumed
	// to have been checked upstream.
	Directory Directory

	Clock        Clock
	MaxRetries   int
	CancelCutoff time.Duration
}

func NewCoordinator(slots SlotStore, appts AppointmentStore, opts Options) *Coordinator {
	c := &Coordinator{
		slots:        slots,
		appts:        appts,
		payments:     opts.Payments,
		directory:    opts.Directory,
		now:          opts.Clock,
		maxRetries:   opts.MaxRetries,
		cancelCutoff: opts.CancelCutoff,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.maxRetries <= 0 {
		c.maxRetries = defaultMaxRetries
	}
	if c.cancelCutoff < 0 {
		c.cancelCutoff = 0
	} else if c.cancelCutoff == 0 {
		c.cancelCutoff = defaultCancelCutoff
	}
	return c
}

// WithStores returns a copy of the coordinator bound to different stores.
// Callers that bracket an operation in a database transaction pass in
// tx-bound store instances so the whole operation commits atomically.
func (c *Coordinator) WithStores(slots SlotStore, appts AppointmentStore) *Coordinator {
	bound := *c
	bound.slots = slots
	bound.appts = appts
	return &bound
}

// Reservation is proof of one unit of reserved capacity. Sequence is the
// queue position within the slot, assigned once and never reused.
type Reservation struct {
	SlotID      string
	Sequence    int
	ScheduledAt time.Time
}

// Reserve atomically claims one unit of capacity on the slot. It fails with
// ErrSlotFull when committed has reached maximum, ErrSlotInPast when the
// slot window has elapsed, and ErrConcurrentModification when the retry
// budget runs out under contention.
func (c *Coordinator) Reserve(ctx context.Context, slotID string) (Reservation, error) {
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		slot, err := c.slots.Get(ctx, slotID)
		if err != nil {
			return Reservation{}, err
		}
		if !c.now().Before(slot.EndsAt) {
			return Reservation{}, fmt.Errorf("slot %s: %w", slotID, ErrSlotInPast)
		}
		if slot.Committed >= slot.Maximum {
			return Reservation{}, fmt.Errorf("slot %s: %w", slotID, ErrSlotFull)
		}

		slot.Committed++
		slot.Issued++
		ok, err := c.slots.CompareAndSwap(ctx, slot)
		if err != nil {
			return Reservation{}, err
		}
		if ok {
			return Reservation{
				SlotID:      slot.ID,
				Sequence:    slot.Issued,
				ScheduledAt: slot.StartsAt,
			}, nil
		}
	}
	return Reservation{}, fmt.Errorf("reserve slot %s: %w", slotID, ErrConcurrentModification)
}

// Release returns one unit of capacity to the slot, flooring at zero. The
// coordinator guarantees at most one release per successful reservation.
func (c *Coordinator) Release(ctx context.Context, slotID string) error {
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		slot, err := c.slots.Get(ctx, slotID)
		if err != nil {
			return err
		}
		if slot.Committed == 0 {
			return nil
		}

		slot.Committed--
		ok, err := c.slots.CompareAndSwap(ctx, slot)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("release slot %s: %w", slotID, ErrConcurrentModification)
}

// Availability is the read-only capacity view of a slot.
type Availability struct {
	SlotID    string
	Maximum   int
	Committed int
	Remaining int
}

func (c *Coordinator) SlotAvailability(ctx context.Context, slotID string) (Availability, error) {
	slot, err := c.slots.Get(ctx, slotID)
	if err != nil {
		return Availability{}, err
	}
	return Availability{
		SlotID:    slot.ID,
		Maximum:   slot.Maximum,
		Committed: slot.Committed,
		Remaining: slot.Remaining(),
	}, nil
}

type BookRequest struct {
	PatientID string
	DoctorID  string
	ServiceID string
	SlotID    string
	Note      string
}

// Book reserves capacity and creates the appointment in Pending as one
// logical unit. If persisting the appointment fails after the reservation
// succeeded, the reservation is released again before returning.
func (c *Coordinator) Book(ctx context.Context, req BookRequest) (model.Appointment, error) {
	if err := c.checkParticipants(ctx, req); err != nil {
		return model.Appointment{}, err
	}

	res, err := c.Reserve(ctx, req.SlotID)
	if err != nil {
		return model.Appointment{}, err
	}

	appt := model.Appointment{
		ID:          uuid.NewString(),
		PatientID:   req.PatientID,
		DoctorID:    req.DoctorID,
		ServiceID:   req.ServiceID,
		SlotID:      res.SlotID,
		ScheduledAt: res.ScheduledAt,
		Sequence:    res.Sequence,
		Status:      model.StatusPending,
		Note:        req.Note,
		CreatedAt:   c.now().UTC(),
	}
	if err := c.appts.Create(ctx, appt); err != nil {
		if relErr := c.Release(ctx, req.SlotID); relErr != nil {
			return model.Appointment{}, errors.Join(
				fmt.Errorf("create appointment: %w", err),
				fmt.Errorf("compensating release: %w", relErr),
			)
		}
		return model.Appointment{}, fmt.Errorf("create appointment: %w", err)
	}
	return appt, nil
}

// UpdateStatus applies one transition from the table in status.go. The write
// is conditional on the status read here; if another operation moved the
// appointment in between, the call fails with ErrConcurrentModification and
// the caller can refetch and retry.
func (c *Coordinator) UpdateStatus(ctx context.Context, appointmentID string, target model.Status, actor model.Role) (model.Appointment, error) {
	appt, err := c.appts.Get(ctx, appointmentID)
	if err != nil {
		return model.Appointment{}, err
	}
	if !CanTransition(appt.Status, target) {
		return model.Appointment{}, fmt.Errorf("%s -> %s: %w", appt.Status, target, ErrInvalidTransition)
	}

	reason := ""
	if target == model.StatusCancelled {
		reason = "cancelled by " + string(actor)
	}
	return c.transition(ctx, appt, target, reason)
}

// CancelResult carries the cancelled appointment plus whether an external
// refund process needs to pick it up.
type CancelResult struct {
	Appointment  model.Appointment
	RefundNeeded bool
}

// Cancel moves the appointment to Cancelled and releases its reserved
// capacity. Cancelling an appointment that is already completed or cancelled
// fails with ErrAlreadyTerminal so that a retried cancel is distinguishable
// from a first-time one. The payment record is only read, never written: a
// paid appointment comes back with RefundNeeded set for the payments module
// to act on.
func (c *Coordinator) Cancel(ctx context.Context, appointmentID string, actor model.Role, reason string) (CancelResult, error) {
	appt, err := c.appts.Get(ctx, appointmentID)
	if err != nil {
		return CancelResult{}, err
	}
	if appt.Status.Terminal() {
		return CancelResult{}, fmt.Errorf("appointment %s is %s: %w", appointmentID, appt.Status, ErrAlreadyTerminal)
	}

	refund := false
	if c.payments != nil {
		status, found, err := c.payments.Status(ctx, appointmentID)
		if err != nil {
			return CancelResult{}, fmt.Errorf("payment lookup: %w", err)
		}
		refund = found && status == model.PaymentPaid
	}

	if reason == "" {
		reason = "cancelled by " + string(actor)
	}
	updated, err := c.transition(ctx, appt, model.StatusCancelled, reason)
	if err != nil {
		return CancelResult{}, err
	}
	return CancelResult{Appointment: updated, RefundNeeded: refund}, nil
}

// transition performs the conditional status write plus its slot side
// effect. Cancellation releases capacity after the status write; if the
// release fails, the status write is rolled back so no half-applied state
// is left behind.
func (c *Coordinator) transition(ctx context.Context, appt model.Appointment, target model.Status, reason string) (model.Appointment, error) {
	now := c.now().UTC()

	switch target {
	case model.StatusCancelled:
		if appt.Status == model.StatusConfirmed && now.After(appt.ScheduledAt.Add(-c.cancelCutoff)) {
			return model.Appointment{}, fmt.Errorf("cancellation window closed: %w", ErrInvalidTransition)
		}
	case model.StatusCompleted:
		if now.Before(appt.ScheduledAt) {
			return model.Appointment{}, fmt.Errorf("appointment has not started yet: %w", ErrInvalidTransition)
		}
	}

	ok, err := c.appts.UpdateStatus(ctx, appt.ID, appt.Status, target, now, reason)
	if err != nil {
		return model.Appointment{}, err
	}
	if !ok {
		// The row is either gone or was moved by a concurrent operation.
		if _, getErr := c.appts.Get(ctx, appt.ID); getErr != nil {
			return model.Appointment{}, getErr
		}
		return model.Appointment{}, fmt.Errorf("appointment %s: %w", appt.ID, ErrConcurrentModification)
	}

	if target == model.StatusCancelled {
		if err := c.Release(ctx, appt.SlotID); err != nil {
			if _, revertErr := c.appts.UpdateStatus(ctx, appt.ID, target, appt.Status, now, ""); revertErr != nil {
				return model.Appointment{}, errors.Join(
					fmt.Errorf("release slot: %w", err),
					fmt.Errorf("revert status: %w", revertErr),
				)
			}
			return model.Appointment{}, fmt.Errorf("release slot: %w", err)
		}
		appt.CancelledAt = &now
		appt.CancelReason = reason
	}

	appt.Status = target
	return appt, nil
}

func (c *Coordinator) checkParticipants(ctx context.Context, req BookRequest) error {
	if c.directory == nil {
		return nil
	}
	checks := []struct {
		name string
		id   string
		fn   func(context.Context, string) (bool, error)
	}{
		{"patient", req.PatientID, c.directory.PatientExists},
		{"doctor", req.DoctorID, c.directory.DoctorExists},
		{"service", req.ServiceID, c.directory.ServiceExists},
	}
	for _, check := range checks {
		ok, err := check.fn(ctx, check.id)
		if err != nil {
			return fmt.Errorf("%s lookup: %w", check.name, err)
		}
		if !ok {
			return fmt.Errorf("unknown %s %q: %w", check.name, check.id, ErrUnknownParticipant)
		}
	}
	return nil
}
