package booking

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/clinicware/clinicbook/services/booking-service/internal/model"
)

// fakeSlotStore is an in-memory SlotStore with the same optimistic-version
// semantics as the real one: CompareAndSwap only applies when the caller
// read the latest version.
type fakeSlotStore struct {
	mu    sync.Mutex
	slots map[string]model.Slot
}

func newFakeSlotStore(slots ...model.Slot) *fakeSlotStore {
	s := &fakeSlotStore{slots: map[string]model.Slot{}}
	for _, slot := range slots {
		s.slots[slot.ID] = slot
	}
	return s
}

func (s *fakeSlotStore) Get(_ context.Context, id string) (model.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[id]
	if !ok {
		return model.Slot{}, ErrSlotNotFound
	}
	return slot, nil
}

func (s *fakeSlotStore) CompareAndSwap(_ context.Context, slot model.Slot) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.slots[slot.ID]
	if !ok {
		return false, ErrSlotNotFound
	}
	if current.Version != slot.Version {
		return false, nil
	}
	slot.Version++
	s.slots[slot.ID] = slot
	return true, nil
}

func (s *fakeSlotStore) committed(t *testing.T, id string) int {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[id]
	if !ok {
		t.Fatalf("slot %s missing", id)
	}
	return slot.Committed
}

type fakeAppointmentStore struct {
	mu         sync.Mutex
	appts      map[string]model.Appointment
	createErr  error
	statusBusy bool // force the conditional write to report a lost race once
}

func newFakeAppointmentStore() *fakeAppointmentStore {
	return &fakeAppointmentStore{appts: map[string]model.Appointment{}}
}

func (s *fakeAppointmentStore) Create(_ context.Context, appt model.Appointment) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appts[appt.ID] = appt
	return nil
}

func (s *fakeAppointmentStore) Get(_ context.Context, id string) (model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	appt, ok := s.appts[id]
	if !ok {
		return model.Appointment{}, ErrAppointmentNotFound
	}
	return appt, nil
}

func (s *fakeAppointmentStore) UpdateStatus(_ context.Context, id string, from, to model.Status, at time.Time, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusBusy {
		s.statusBusy = false
		return false, nil
	}
	appt, ok := s.appts[id]
	if !ok || appt.Status != from {
		return false, nil
	}
	appt.Status = to
	if to == model.StatusCancelled {
		cancelledAt := at
		appt.CancelledAt = &cancelledAt
		appt.CancelReason = reason
	} else {
		appt.CancelledAt = nil
		appt.CancelReason = ""
	}
	s.appts[id] = appt
	return true, nil
}

type fakePayments struct {
	statuses map[string]model.PaymentStatus
}

func (p *fakePayments) Status(_ context.Context, appointmentID string) (model.PaymentStatus, bool, error) {
	status, ok := p.statuses[appointmentID]
	return status, ok, nil
}

var testBase = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func testSlot(id string, max int) model.Slot {
	return model.Slot{
		ID:       id,
		DoctorID: "doc-1",
		StartsAt: testBase,
		EndsAt:   testBase.Add(time.Hour),
		Maximum:  max,
	}
}

func fixedClock(at time.Time) Clock {
	return func() time.Time { return at }
}

func TestReserve_FullSlot(t *testing.T) {
	slots := newFakeSlotStore(testSlot("s1", 1))
	c := NewCoordinator(slots, newFakeAppointmentStore(), Options{Clock: fixedClock(testBase.Add(-time.Hour))})

	if _, err := c.Reserve(context.Background(), "s1"); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	_, err := c.Reserve(context.Background(), "s1")
	if !errors.Is(err, ErrSlotFull) {
		t.Fatalf("expected ErrSlotFull, got %v", err)
	}
}

func TestReserve_SlotInPast(t *testing.T) {
	slots := newFakeSlotStore(testSlot("s1", 5))
	c := NewCoordinator(slots, newFakeAppointmentStore(), Options{Clock: fixedClock(testBase.Add(2 * time.Hour))})

	_, err := c.Reserve(context.Background(), "s1")
	if !errors.Is(err, ErrSlotInPast) {
		t.Fatalf("expected ErrSlotInPast, got %v", err)
	}
}

func TestReserve_SlotNotFound(t *testing.T) {
	c := NewCoordinator(newFakeSlotStore(), newFakeAppointmentStore(), Options{})
	_, err := c.Reserve(context.Background(), "missing")
	if !errors.Is(err, ErrSlotNotFound) {
		t.Fatalf("expected ErrSlotNotFound, got %v", err)
	}
}

func TestBook_AssignsSequenceAndCommits(t *testing.T) {
	slots := newFakeSlotStore(testSlot("s1", 3))
	appts := newFakeAppointmentStore()
	c := NewCoordinator(slots, appts, Options{Clock: fixedClock(testBase.Add(-time.Hour))})

	appt, err := c.Book(context.Background(), BookRequest{
		PatientID: "p1", DoctorID: "doc-1", ServiceID: "svc-1", SlotID: "s1", Note: "first visit",
	})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if appt.Status != model.StatusPending {
		t.Fatalf("expected pending, got %s", appt.Status)
	}
	if appt.Sequence != 1 {
		t.Fatalf("expected sequence 1, got %d", appt.Sequence)
	}
	if !appt.ScheduledAt.Equal(testBase) {
		t.Fatalf("expected scheduled at %s, got %s", testBase, appt.ScheduledAt)
	}
	if got := slots.committed(t, "s1"); got != 1 {
		t.Fatalf("expected committed 1, got %d", got)
	}
}

func TestBook_CompensatesWhenCreateFails(t *testing.T) {
	slots := newFakeSlotStore(testSlot("s1", 3))
	appts := newFakeAppointmentStore()
	appts.createErr = errors.New("insert failed")
	c := NewCoordinator(slots, appts, Options{Clock: fixedClock(testBase.Add(-time.Hour))})

	_, err := c.Book(context.Background(), BookRequest{PatientID: "p1", DoctorID: "doc-1", ServiceID: "svc-1", SlotID: "s1"})
	if err == nil {
		t.Fatal("expected book to fail")
	}
	if got := slots.committed(t, "s1"); got != 0 {
		t.Fatalf("reservation not rolled back, committed = %d", got)
	}
}

func TestConcurrentBooking_NeverOverbooks(t *testing.T) {
	const maxCapacity = 3
	const callers = 5

	slots := newFakeSlotStore(testSlot("s1", maxCapacity))
	appts := newFakeAppointmentStore()
	c := NewCoordinator(slots, appts, Options{
		Clock:      fixedClock(testBase.Add(-time.Hour)),
		MaxRetries: 100,
	})

	var wg sync.WaitGroup
	results := make([]error, callers)
	sequences := make([]int, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			appt, err := c.Book(context.Background(), BookRequest{
				PatientID: "p", DoctorID: "doc-1", ServiceID: "svc-1", SlotID: "s1",
			})
			results[i] = err
			sequences[i] = appt.Sequence
		}(i)
	}
	wg.Wait()

	var won []int
	var full int
	for i, err := range results {
		switch {
		case err == nil:
			won = append(won, sequences[i])
		case errors.Is(err, ErrSlotFull):
			full++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if len(won) != maxCapacity {
		t.Fatalf("expected %d successful bookings, got %d", maxCapacity, len(won))
	}
	if full != callers-maxCapacity {
		t.Fatalf("expected %d ErrSlotFull, got %d", callers-maxCapacity, full)
	}
	sort.Ints(won)
	for i, seq := range won {
		if seq != i+1 {
			t.Fatalf("expected sequence numbers {1,2,3}, got %v", won)
		}
	}
	if got := slots.committed(t, "s1"); got != maxCapacity {
		t.Fatalf("committed = %d, want %d", got, maxCapacity)
	}
}

func TestCancel_ReleasesAndFlagsRefund(t *testing.T) {
	slots := newFakeSlotStore(testSlot("s1", 1))
	appts := newFakeAppointmentStore()
	payments := &fakePayments{statuses: map[string]model.PaymentStatus{}}
	c := NewCoordinator(slots, appts, Options{
		Payments: payments,
		Clock:    fixedClock(testBase.Add(-3 * time.Hour)),
	})

	appt, err := c.Book(context.Background(), BookRequest{PatientID: "p1", DoctorID: "doc-1", ServiceID: "svc-1", SlotID: "s1"})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if _, err := c.UpdateStatus(context.Background(), appt.ID, model.StatusConfirmed, model.RoleDoctor); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	payments.statuses[appt.ID] = model.PaymentPaid

	result, err := c.Cancel(context.Background(), appt.ID, model.RolePatient, "")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !result.RefundNeeded {
		t.Fatal("expected refund flag for a paid appointment")
	}
	if result.Appointment.Status != model.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", result.Appointment.Status)
	}
	if got := slots.committed(t, "s1"); got != 0 {
		t.Fatalf("slot not released, committed = %d", got)
	}
}

func TestCancel_SecondCancelIsAlreadyTerminal(t *testing.T) {
	slots := newFakeSlotStore(testSlot("s1", 1))
	appts := newFakeAppointmentStore()
	c := NewCoordinator(slots, appts, Options{Clock: fixedClock(testBase.Add(-time.Hour))})

	appt, err := c.Book(context.Background(), BookRequest{PatientID: "p1", DoctorID: "doc-1", ServiceID: "svc-1", SlotID: "s1"})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if _, err := c.Cancel(context.Background(), appt.ID, model.RolePatient, ""); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	_, err = c.Cancel(context.Background(), appt.ID, model.RolePatient, "")
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
}

func TestCancel_FreesCapacityForRebooking(t *testing.T) {
	slots := newFakeSlotStore(testSlot("s1", 1))
	appts := newFakeAppointmentStore()
	c := NewCoordinator(slots, appts, Options{Clock: fixedClock(testBase.Add(-time.Hour))})
	ctx := context.Background()

	first, err := c.Book(ctx, BookRequest{PatientID: "p1", DoctorID: "doc-1", ServiceID: "svc-1", SlotID: "s1"})
	if err != nil {
		t.Fatalf("book p1: %v", err)
	}
	if _, err := c.Book(ctx, BookRequest{PatientID: "p2", DoctorID: "doc-1", ServiceID: "svc-1", SlotID: "s1"}); !errors.Is(err, ErrSlotFull) {
		t.Fatalf("expected ErrSlotFull for p2, got %v", err)
	}
	if _, err := c.Cancel(ctx, first.ID, model.RolePatient, ""); err != nil {
		t.Fatalf("cancel p1: %v", err)
	}

	second, err := c.Book(ctx, BookRequest{PatientID: "p2", DoctorID: "doc-1", ServiceID: "svc-1", SlotID: "s1"})
	if err != nil {
		t.Fatalf("book p2 after cancel: %v", err)
	}
	// Sequence numbers are never reused after a cancellation.
	if second.Sequence != 2 {
		t.Fatalf("expected sequence 2, got %d", second.Sequence)
	}
}

func TestUpdateStatus_InvalidTransitions(t *testing.T) {
	slots := newFakeSlotStore(testSlot("s1", 2))
	appts := newFakeAppointmentStore()
	clock := fixedClock(testBase.Add(-time.Hour))
	c := NewCoordinator(slots, appts, Options{Clock: clock})
	ctx := context.Background()

	appt, err := c.Book(ctx, BookRequest{PatientID: "p1", DoctorID: "doc-1", ServiceID: "svc-1", SlotID: "s1"})
	if err != nil {
		t.Fatalf("book: %v", err)
	}

	// Pending cannot jump straight to Completed.
	if _, err := c.UpdateStatus(ctx, appt.ID, model.StatusCompleted, model.RoleDoctor); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	if _, err := c.UpdateStatus(ctx, appt.ID, model.StatusConfirmed, model.RoleDoctor); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	// Complete after the scheduled time, then verify Completed is terminal.
	late := NewCoordinator(slots, appts, Options{Clock: fixedClock(testBase.Add(30 * time.Minute))})
	if _, err := late.UpdateStatus(ctx, appt.ID, model.StatusCompleted, model.RoleDoctor); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := late.UpdateStatus(ctx, appt.ID, model.StatusCancelled, model.RoleAdmin); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition from completed, got %v", err)
	}
}

func TestUpdateStatus_CompleteBeforeScheduledTime(t *testing.T) {
	slots := newFakeSlotStore(testSlot("s1", 1))
	appts := newFakeAppointmentStore()
	c := NewCoordinator(slots, appts, Options{Clock: fixedClock(testBase.Add(-time.Hour))})
	ctx := context.Background()

	appt, err := c.Book(ctx, BookRequest{PatientID: "p1", DoctorID: "doc-1", ServiceID: "svc-1", SlotID: "s1"})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if _, err := c.UpdateStatus(ctx, appt.ID, model.StatusConfirmed, model.RoleDoctor); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	_, err = c.UpdateStatus(ctx, appt.ID, model.StatusCompleted, model.RoleDoctor)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition before scheduled time, got %v", err)
	}
}

func TestCancel_ConfirmedPastCutoff(t *testing.T) {
	slots := newFakeSlotStore(testSlot("s1", 1))
	appts := newFakeAppointmentStore()
	c := NewCoordinator(slots, appts, Options{Clock: fixedClock(testBase.Add(-2 * time.Hour))})
	ctx := context.Background()

	appt, err := c.Book(ctx, BookRequest{PatientID: "p1", DoctorID: "doc-1", ServiceID: "svc-1", SlotID: "s1"})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if _, err := c.UpdateStatus(ctx, appt.ID, model.StatusConfirmed, model.RoleDoctor); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	// Inside the cut-off window (default one hour) a confirmed appointment
	// can no longer be cancelled.
	late := NewCoordinator(slots, appts, Options{Clock: fixedClock(testBase.Add(-30 * time.Minute))})
	_, err = late.Cancel(ctx, appt.ID, model.RolePatient, "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition inside cutoff, got %v", err)
	}
	if got := slots.committed(t, "s1"); got != 1 {
		t.Fatalf("capacity must stay reserved, committed = %d", got)
	}
}

func TestUpdateStatus_ConcurrentModification(t *testing.T) {
	slots := newFakeSlotStore(testSlot("s1", 1))
	appts := newFakeAppointmentStore()
	c := NewCoordinator(slots, appts, Options{Clock: fixedClock(testBase.Add(-time.Hour))})
	ctx := context.Background()

	appt, err := c.Book(ctx, BookRequest{PatientID: "p1", DoctorID: "doc-1", ServiceID: "svc-1", SlotID: "s1"})
	if err != nil {
		t.Fatalf("book: %v", err)
	}

	appts.statusBusy = true
	_, err = c.UpdateStatus(ctx, appt.ID, model.StatusConfirmed, model.RoleDoctor)
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}

	// The caller refetches and retries; the retry goes through.
	if _, err := c.UpdateStatus(ctx, appt.ID, model.StatusConfirmed, model.RoleDoctor); err != nil {
		t.Fatalf("retry after conflict: %v", err)
	}
}

func TestUpdateStatus_AppointmentNotFound(t *testing.T) {
	c := NewCoordinator(newFakeSlotStore(), newFakeAppointmentStore(), Options{})
	_, err := c.UpdateStatus(context.Background(), "missing", model.StatusConfirmed, model.RoleAdmin)
	if !errors.Is(err, ErrAppointmentNotFound) {
		t.Fatalf("expected ErrAppointmentNotFound, got %v", err)
	}
}

type fakeDirectory struct {
	unknownPatients map[string]bool
}

func (d *fakeDirectory) PatientExists(_ context.Context, id string) (bool, error) {
	return !d.unknownPatients[id], nil
}

func (d *fakeDirectory) DoctorExists(context.Context, string) (bool, error) { return true, nil }

func (d *fakeDirectory) ServiceExists(context.Context, string) (bool, error) { return true, nil }

func TestBook_RejectsUnknownParticipant(t *testing.T) {
	slots := newFakeSlotStore(testSlot("s1", 1))
	c := NewCoordinator(slots, newFakeAppointmentStore(), Options{
		Directory: &fakeDirectory{unknownPatients: map[string]bool{"ghost": true}},
		Clock:     fixedClock(testBase.Add(-time.Hour)),
	})

	_, err := c.Book(context.Background(), BookRequest{PatientID: "ghost", DoctorID: "doc-1", ServiceID: "svc-1", SlotID: "s1"})
	if !errors.Is(err, ErrUnknownParticipant) {
		t.Fatalf("expected ErrUnknownParticipant, got %v", err)
	}
	// The slot must be untouched: validation happens before any reservation.
	if got := slots.committed(t, "s1"); got != 0 {
		t.Fatalf("committed = %d, want 0", got)
	}
}

func TestRelease_FloorsAtZero(t *testing.T) {
	slots := newFakeSlotStore(testSlot("s1", 2))
	c := NewCoordinator(slots, newFakeAppointmentStore(), Options{Clock: fixedClock(testBase.Add(-time.Hour))})
	ctx := context.Background()

	if err := c.Release(ctx, "s1"); err != nil {
		t.Fatalf("release on empty slot: %v", err)
	}
	if got := slots.committed(t, "s1"); got != 0 {
		t.Fatalf("committed went below zero: %d", got)
	}
}

func TestSlotAvailability(t *testing.T) {
	slots := newFakeSlotStore(testSlot("s1", 3))
	c := NewCoordinator(slots, newFakeAppointmentStore(), Options{Clock: fixedClock(testBase.Add(-time.Hour))})
	ctx := context.Background()

	if _, err := c.Reserve(ctx, "s1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	avail, err := c.SlotAvailability(ctx, "s1")
	if err != nil {
		t.Fatalf("availability: %v", err)
	}
	if avail.Maximum != 3 || avail.Committed != 1 || avail.Remaining != 2 {
		t.Fatalf("unexpected availability: %+v", avail)
	}
}
