package storage

import (
	"context"
	"errors"
	"time"

	"github.com/clinicware/clinicbook/libs/db"
	"github.com/clinicware/clinicbook/services/booking-service/internal/booking"
	"github.com/clinicware/clinicbook/services/booking-service/internal/model"
	"github.com/jackc/pgx/v5"
)

type AppointmentRepository struct {
	q querier
}

func NewAppointmentRepository(pool *db.Pool) *AppointmentRepository {
	return &AppointmentRepository{q: pool}
}

// WithTx returns a repository whose queries run on the given transaction.
func (r *AppointmentRepository) WithTx(tx pgx.Tx) *AppointmentRepository {
	return &AppointmentRepository{q: tx}
}

const appointmentColumns = `id, patient_id, doctor_id, service_id, slot_id, scheduled_at, sequence_no,
	status, COALESCE(note, ''), cancelled_at, COALESCE(cancellation_reason, ''), created_at`

func (r *AppointmentRepository) Create(ctx context.Context, appt model.Appointment) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO appointments
			(id, patient_id, doctor_id, service_id, slot_id, scheduled_at, sequence_no, status, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, appt.ID, appt.PatientID, appt.DoctorID, appt.ServiceID, appt.SlotID,
		appt.ScheduledAt, appt.Sequence, appt.Status, appt.Note, appt.CreatedAt)
	return err
}

func (r *AppointmentRepository) Get(ctx context.Context, id string) (model.Appointment, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Appointment{}, booking.ErrAppointmentNotFound
		}
		return model.Appointment{}, err
	}
	return appt, nil
}

// UpdateStatus is a conditional write: the row only changes when its status
// still equals `from`. Zero rows affected means the appointment is gone or
// was moved concurrently; the coordinator tells the two apart.
func (r *AppointmentRepository) UpdateStatus(ctx context.Context, id string, from, to model.Status, at time.Time, reason string) (bool, error) {
	var tagRows int64
	if to == model.StatusCancelled {
		tag, err := r.q.Exec(ctx, `
			UPDATE appointments
			SET status = $3,
				cancelled_at = $4,
				cancellation_reason = $5
			WHERE id = $1 AND status = $2
		`, id, from, to, at, reason)
		if err != nil {
			return false, err
		}
		tagRows = tag.RowsAffected()
	} else {
		tag, err := r.q.Exec(ctx, `
			UPDATE appointments
			SET status = $3,
				cancelled_at = NULL,
				cancellation_reason = NULL
			WHERE id = $1 AND status = $2
		`, id, from, to)
		if err != nil {
			return false, err
		}
		tagRows = tag.RowsAffected()
	}
	return tagRows == 1, nil
}

func (r *AppointmentRepository) ListByPatient(ctx context.Context, patientID string, limit int) ([]model.Appointment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY scheduled_at DESC
		LIMIT $2
	`, patientID, limit)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *AppointmentRepository) ListByDoctor(ctx context.Context, doctorID string, limit int) ([]model.Appointment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1
		ORDER BY scheduled_at DESC
		LIMIT $2
	`, doctorID, limit)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *AppointmentRepository) ListBySlot(ctx context.Context, slotID string) ([]model.Appointment, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE slot_id = $1
		ORDER BY sequence_no ASC
	`, slotID)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAppointment(row rowScanner) (model.Appointment, error) {
	var appt model.Appointment
	var cancelledAt *time.Time
	err := row.Scan(
		&appt.ID,
		&appt.PatientID,
		&appt.DoctorID,
		&appt.ServiceID,
		&appt.SlotID,
		&appt.ScheduledAt,
		&appt.Sequence,
		&appt.Status,
		&appt.Note,
		&cancelledAt,
		&appt.CancelReason,
		&appt.CreatedAt,
	)
	if err != nil {
		return model.Appointment{}, err
	}
	appt.CancelledAt = cancelledAt
	return appt, nil
}

func collectAppointments(rows pgx.Rows) ([]model.Appointment, error) {
	defer rows.Close()

	var appts []model.Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, appt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return appts, nil
}
