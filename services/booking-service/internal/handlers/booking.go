package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/clinicware/clinicbook/services/booking-service/internal/booking"
	"github.com/clinicware/clinicbook/services/booking-service/internal/model"
	"github.com/clinicware/clinicbook/services/booking-service/internal/outbox"
	"github.com/clinicware/clinicbook/services/booking-service/internal/storage"
	"github.com/jackc/pgx/v5"
)

// TxStores begins write transactions and rebinds the coordinator's stores to
// them. Every mutation runs on one of these transactions so the state
// change, its idempotency key and its outbox event commit atomically.
type TxStores interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Bind(tx pgx.Tx) (booking.SlotStore, booking.AppointmentStore)
}

// SlotAdmin is the slice of slot persistence the HTTP layer needs for
// schedule management.
type SlotAdmin interface {
	Create(ctx context.Context, slot model.Slot) (model.Slot, error)
	ListByDoctor(ctx context.Context, doctorID string, from, to time.Time) ([]model.Slot, error)
}

// AppointmentLister serves the read-only appointment listings.
type AppointmentLister interface {
	ListByPatient(ctx context.Context, patientID string, limit int) ([]model.Appointment, error)
	ListByDoctor(ctx context.Context, doctorID string, limit int) ([]model.Appointment, error)
}

// IdempotencyStore locks and finalizes booking idempotency keys on the
// caller's transaction.
type IdempotencyStore interface {
	Lock(ctx context.Context, tx pgx.Tx, patientID, key string) (storage.IdempotencyRecord, bool, error)
	Finalize(ctx context.Context, tx pgx.Tx, patientID, key, appointmentID string, statusCode int, response []byte) error
}

// EventRecorder appends a domain event on the caller's transaction for
// asynchronous publication.
type EventRecorder interface {
	Insert(ctx context.Context, tx pgx.Tx, evt outbox.Event) error
}

type BookingHandler struct {
	coord  *booking.Coordinator
	txs    TxStores
	slots  SlotAdmin
	appts  AppointmentLister
	idem   IdempotencyStore
	events EventRecorder
	logger *slog.Logger
}

// NewBookingHandler wires the HTTP surface. idem and events may be nil; the
// handler then skips idempotency replay and event recording respectively.
func NewBookingHandler(coord *booking.Coordinator, txs TxStores, slots SlotAdmin, appts AppointmentLister, idem IdempotencyStore, events EventRecorder, logger *slog.Logger) *BookingHandler {
	return &BookingHandler{
		coord:  coord,
		txs:    txs,
		slots:  slots,
		appts:  appts,
		idem:   idem,
		events: events,
		logger: logger,
	}
}

// txCoordinator binds the coordinator's stores to the transaction so the
// whole operation commits or rolls back as one.
func (h *BookingHandler) txCoordinator(tx pgx.Tx) *booking.Coordinator {
	slots, appts := h.txs.Bind(tx)
	return h.coord.WithStores(slots, appts)
}

type createSlotRequest struct {
	DoctorID string `json:"doctor_id"`
	StartsAt string `json:"starts_at"`
	EndsAt   string `json:"ends_at"`
	Maximum  int    `json:"maximum"`
}

type slotItem struct {
	SlotID    string `json:"slot_id"`
	DoctorID  string `json:"doctor_id"`
	StartsAt  string `json:"starts_at"`
	EndsAt    string `json:"ends_at"`
	Maximum   int    `json:"maximum"`
	Committed int    `json:"committed"`
	Remaining int    `json:"remaining"`
}

type bookRequest struct {
	PatientID string `json:"patient_id"`
	DoctorID  string `json:"doctor_id"`
	ServiceID string `json:"service_id"`
	SlotID    string `json:"slot_id"`
	Note      string `json:"note"`
}

type appointmentItem struct {
	AppointmentID string `json:"appointment_id"`
	PatientID     string `json:"patient_id"`
	DoctorID      string `json:"doctor_id"`
	ServiceID     string `json:"service_id"`
	SlotID        string `json:"slot_id"`
	ScheduledAt   string `json:"scheduled_at"`
	Sequence      int    `json:"sequence"`
	Status        string `json:"status"`
	Note          string `json:"note,omitempty"`
	CancelledAt   string `json:"cancelled_at,omitempty"`
	CancelReason  string `json:"cancel_reason,omitempty"`
	CreatedAt     string `json:"created_at"`
}

type cancelRequest struct {
	AppointmentID string `json:"appointment_id"`
	Reason        string `json:"reason"`
}

type cancelResponse struct {
	Appointment  appointmentItem `json:"appointment"`
	RefundNeeded bool            `json:"refund_needed"`
}

type updateStatusRequest struct {
	AppointmentID string `json:"appointment_id"`
	Status        string `json:"status"`
}

const roleHeader = "X-Role"

// actorRole trusts the role header as already validated by the gateway's
// identity layer.
func actorRole(r *http.Request) (model.Role, bool) {
	return model.ParseRole(strings.TrimSpace(r.Header.Get(roleHeader)))
}

func (h *BookingHandler) CreateSlot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	role, ok := actorRole(r)
	if !ok || role == model.RolePatient {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var req createSlotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.DoctorID = strings.TrimSpace(req.DoctorID)
	if req.DoctorID == "" {
		http.Error(w, "doctor_id required", http.StatusBadRequest)
		return
	}
	startsAt, err := time.Parse(time.RFC3339, req.StartsAt)
	if err != nil {
		http.Error(w, "invalid starts_at", http.StatusBadRequest)
		return
	}
	endsAt, err := time.Parse(time.RFC3339, req.EndsAt)
	if err != nil {
		http.Error(w, "invalid ends_at", http.StatusBadRequest)
		return
	}
	if !endsAt.After(startsAt) {
		http.Error(w, "ends_at must be after starts_at", http.StatusBadRequest)
		return
	}
	if req.Maximum < 0 {
		http.Error(w, "maximum must not be negative", http.StatusBadRequest)
		return
	}

	slot, err := h.slots.Create(r.Context(), model.Slot{
		DoctorID: req.DoctorID,
		StartsAt: startsAt.UTC(),
		EndsAt:   endsAt.UTC(),
		Maximum:  req.Maximum,
	})
	if err != nil {
		http.Error(w, "failed to create slot", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, toSlotItem(slot))
}

func (h *BookingHandler) ListSlots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	doctorID := strings.TrimSpace(r.URL.Query().Get("doctor_id"))
	dateStr := strings.TrimSpace(r.URL.Query().Get("date"))
	if doctorID == "" || dateStr == "" {
		http.Error(w, "doctor_id and date are required", http.StatusBadRequest)
		return
	}
	day, err := time.ParseInLocation("2006-01-02", dateStr, time.UTC)
	if err != nil {
		http.Error(w, "invalid date", http.StatusBadRequest)
		return
	}

	slots, err := h.slots.ListByDoctor(r.Context(), doctorID, day, day.AddDate(0, 0, 1))
	if err != nil {
		http.Error(w, "failed to list slots", http.StatusInternalServerError)
		return
	}
	items := make([]slotItem, 0, len(slots))
	for _, slot := range slots {
		items = append(items, toSlotItem(slot))
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *BookingHandler) SlotAvailability(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	slotID := strings.TrimSpace(r.URL.Query().Get("slot_id"))
	if slotID == "" {
		http.Error(w, "slot_id required", http.StatusBadRequest)
		return
	}
	avail, err := h.coord.SlotAvailability(r.Context(), slotID)
	if err != nil {
		h.writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"slot_id":   avail.SlotID,
		"maximum":   avail.Maximum,
		"committed": avail.Committed,
		"remaining": avail.Remaining,
	})
}

func (h *BookingHandler) Book(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	role, ok := actorRole(r)
	if !ok || role == model.RoleDoctor {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var req bookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.PatientID = strings.TrimSpace(req.PatientID)
	req.DoctorID = strings.TrimSpace(req.DoctorID)
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	req.SlotID = strings.TrimSpace(req.SlotID)
	if req.PatientID == "" || req.DoctorID == "" || req.ServiceID == "" || req.SlotID == "" {
		http.Error(w, "patient_id, doctor_id, service_id and slot_id are required", http.StatusBadRequest)
		return
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	useKey := key != "" && h.idem != nil

	ctx := r.Context()
	tx, err := h.txs.Begin(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if useKey {
		rec, _, err := h.idem.Lock(ctx, tx, req.PatientID, key)
		if err != nil {
			http.Error(w, "failed to lock idempotency key", http.StatusInternalServerError)
			return
		}
		// A finalized record replays regardless of which request inserted
		// the key: a concurrent request with the same key blocks on the row
		// lock and sees the winner's response here.
		if rec.StatusCode > 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(rec.StatusCode)
			_, _ = w.Write(rec.ResponsePayload)
			return
		}
	}

	appt, bookErr := h.txCoordinator(tx).Book(ctx, booking.BookRequest{
		PatientID: req.PatientID,
		DoctorID:  req.DoctorID,
		ServiceID: req.ServiceID,
		SlotID:    req.SlotID,
		Note:      strings.TrimSpace(req.Note),
	})
	if bookErr != nil {
		status, msg, expected := classifyBookingError(bookErr)
		if !expected {
			h.logger.Error("booking failed", "err", bookErr)
		}
		// Expected booking failures (full slot etc.) finalize the key so a
		// retry sees the same answer; infrastructure errors roll back and
		// leave the key open for a later retry.
		if useKey && expected {
			body, _ := json.Marshal(map[string]string{"error": msg})
			if err := h.idem.Finalize(ctx, tx, req.PatientID, key, "", status, body); err == nil {
				_ = tx.Commit(ctx)
			}
		}
		http.Error(w, msg, status)
		return
	}

	body, err := json.Marshal(toAppointmentItem(appt))
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	if useKey {
		if err := h.idem.Finalize(ctx, tx, req.PatientID, key, appt.ID, http.StatusCreated, body); err != nil {
			http.Error(w, "failed to finalize idempotency key", http.StatusInternalServerError)
			return
		}
	}
	if err := h.insertEvent(ctx, tx, outbox.EventAppointmentBooked, appt, nil); err != nil {
		http.Error(w, "failed to write outbox event", http.StatusInternalServerError)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		http.Error(w, "failed to commit", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
}

func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	role, ok := actorRole(r)
	if !ok {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.AppointmentID == "" {
		http.Error(w, "appointment_id required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tx, err := h.txs.Begin(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	result, err := h.txCoordinator(tx).Cancel(ctx, req.AppointmentID, role, strings.TrimSpace(req.Reason))
	if err != nil {
		h.writeBookingError(w, err)
		return
	}

	err = h.insertEvent(ctx, tx, outbox.EventAppointmentCancelled, result.Appointment, map[string]any{
		"refund_needed": result.RefundNeeded,
		"reason":        result.Appointment.CancelReason,
	})
	if err != nil {
		http.Error(w, "failed to write outbox event", http.StatusInternalServerError)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		http.Error(w, "failed to commit", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, cancelResponse{
		Appointment:  toAppointmentItem(result.Appointment),
		RefundNeeded: result.RefundNeeded,
	})
}

func (h *BookingHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	role, ok := actorRole(r)
	if !ok || role == model.RolePatient {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	target, ok := model.ParseStatus(strings.TrimSpace(req.Status))
	if req.AppointmentID == "" || !ok {
		http.Error(w, "appointment_id and a valid status are required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tx, err := h.txs.Begin(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	appt, err := h.txCoordinator(tx).UpdateStatus(ctx, req.AppointmentID, target, role)
	if err != nil {
		h.writeBookingError(w, err)
		return
	}

	var evtErr error
	switch target {
	case model.StatusConfirmed:
		evtErr = h.insertEvent(ctx, tx, outbox.EventAppointmentConfirmed, appt, nil)
	case model.StatusCompleted:
		evtErr = h.insertEvent(ctx, tx, outbox.EventAppointmentCompleted, appt, nil)
	case model.StatusCancelled:
		evtErr = h.insertEvent(ctx, tx, outbox.EventAppointmentCancelled, appt, map[string]any{
			"reason": appt.CancelReason,
		})
	}
	if evtErr != nil {
		http.Error(w, "failed to write outbox event", http.StatusInternalServerError)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		http.Error(w, "failed to commit", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentItem(appt))
}

func (h *BookingHandler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	patientID := strings.TrimSpace(r.URL.Query().Get("patient_id"))
	doctorID := strings.TrimSpace(r.URL.Query().Get("doctor_id"))
	if (patientID == "") == (doctorID == "") {
		http.Error(w, "exactly one of patient_id or doctor_id is required", http.StatusBadRequest)
		return
	}

	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	var appts []model.Appointment
	var err error
	if patientID != "" {
		appts, err = h.appts.ListByPatient(r.Context(), patientID, limit)
	} else {
		appts, err = h.appts.ListByDoctor(r.Context(), doctorID, limit)
	}
	if err != nil {
		http.Error(w, "failed to list appointments", http.StatusInternalServerError)
		return
	}

	items := make([]appointmentItem, 0, len(appts))
	for _, appt := range appts {
		items = append(items, toAppointmentItem(appt))
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *BookingHandler) insertEvent(ctx context.Context, tx pgx.Tx, eventType string, appt model.Appointment, extra map[string]any) error {
	if h.events == nil {
		return nil
	}
	payload := map[string]any{
		"appointment_id": appt.ID,
		"patient_id":     appt.PatientID,
		"doctor_id":      appt.DoctorID,
		"service_id":     appt.ServiceID,
		"slot_id":        appt.SlotID,
		"sequence":       appt.Sequence,
		"status":         string(appt.Status),
		"scheduled_at":   appt.ScheduledAt.UTC().Format(time.RFC3339),
	}
	for k, v := range extra {
		payload[k] = v
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return h.events.Insert(ctx, tx, outbox.Event{
		AggregateType: "appointment",
		AggregateID:   appt.ID,
		EventType:     eventType,
		Payload:       body,
	})
}

// classifyBookingError maps core failures to HTTP responses. Full slots and
// rejected transitions are expected outcomes, not server faults, and must
// stay distinguishable from missing resources.
func classifyBookingError(err error) (status int, msg string, expected bool) {
	switch {
	case errors.Is(err, booking.ErrSlotNotFound):
		return http.StatusNotFound, "slot not found", true
	case errors.Is(err, booking.ErrAppointmentNotFound):
		return http.StatusNotFound, "appointment not found", true
	case errors.Is(err, booking.ErrSlotFull):
		return http.StatusConflict, "slot is fully booked", true
	case errors.Is(err, booking.ErrSlotInPast):
		return http.StatusUnprocessableEntity, "slot window has elapsed", true
	case errors.Is(err, booking.ErrUnknownParticipant):
		return http.StatusUnprocessableEntity, "unknown booking participant", true
	case errors.Is(err, booking.ErrAlreadyTerminal):
		return http.StatusConflict, "appointment is already completed or cancelled", true
	case errors.Is(err, booking.ErrInvalidTransition):
		return http.StatusConflict, "status transition not allowed", true
	case errors.Is(err, booking.ErrConcurrentModification):
		return http.StatusConflict, "conflicting update, retry", true
	default:
		return http.StatusInternalServerError, "internal error", false
	}
}

func (h *BookingHandler) writeBookingError(w http.ResponseWriter, err error) {
	status, msg, expected := classifyBookingError(err)
	if !expected {
		h.logger.Error("booking operation failed", "err", err)
	}
	http.Error(w, msg, status)
}

func toSlotItem(slot model.Slot) slotItem {
	return slotItem{
		SlotID:    slot.ID,
		DoctorID:  slot.DoctorID,
		StartsAt:  slot.StartsAt.UTC().Format(time.RFC3339),
		EndsAt:    slot.EndsAt.UTC().Format(time.RFC3339),
		Maximum:   slot.Maximum,
		Committed: slot.Committed,
		Remaining: slot.Remaining(),
	}
}

func toAppointmentItem(appt model.Appointment) appointmentItem {
	item := appointmentItem{
		AppointmentID: appt.ID,
		PatientID:     appt.PatientID,
		DoctorID:      appt.DoctorID,
		ServiceID:     appt.ServiceID,
		SlotID:        appt.SlotID,
		ScheduledAt:   appt.ScheduledAt.UTC().Format(time.RFC3339),
		Sequence:      appt.Sequence,
		Status:        string(appt.Status),
		Note:          appt.Note,
		CancelReason:  appt.CancelReason,
		CreatedAt:     appt.CreatedAt.UTC().Format(time.RFC3339),
	}
	if appt.CancelledAt != nil {
		item.CancelledAt = appt.CancelledAt.UTC().Format(time.RFC3339)
	}
	return item
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
