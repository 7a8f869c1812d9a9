package booking

import (
	"context"
	"time"

	"github.com/clinicware/clinicbook/services/booking-service/internal/model"
)

// SlotStore persists schedule slots. Implementations must back
// CompareAndSwap with real shared storage (a version-guarded row), never an
// in-process counter, since coordinators run in multiple instances.
type SlotStore interface {
	// Get returns the slot or ErrSlotNotFound.
	Get(ctx context.Context, id string) (model.Slot, error)

	// CompareAndSwap writes the slot's counters only if the stored version
	// still equals slot.Version, bumping the version on success. It returns
	// false (and no error) when the version no longer matches.
	CompareAndSwap(ctx context.Context, slot model.Slot) (bool, error)
}

// AppointmentStore persists appointments.
type AppointmentStore interface {
	Create(ctx context.Context, appt model.Appointment) error

	// Get returns the appointment or ErrAppointmentNotFound.
	Get(ctx context.Context, id string) (model.Appointment, error)

	// UpdateStatus moves id from `from` to `to` only if the stored status
	// still equals `from`. It returns false when it no longer does, which
	// callers must distinguish from the row being gone entirely.
	UpdateStatus(ctx context.Context, id string, from, to model.Status, at time.Time, reason string) (bool, error)
}

// PaymentReader looks up the settlement state of an appointment's payment
// record. The second result is false when no payment record exists.
type PaymentReader interface {
	Status(ctx context.Context, appointmentID string) (model.PaymentStatus, bool, error)
}

// Directory validates that booking participants exist. The registry itself
// lives outside this service.
type Directory interface {
	PatientExists(ctx context.Context, id string) (bool, error)
	DoctorExists(ctx context.Context, id string) (bool, error)
	ServiceExists(ctx context.Context, id string) (bool, error)
}

// Clock supplies the current time for slot-window and scheduled-time checks.
type Clock func() time.Time
