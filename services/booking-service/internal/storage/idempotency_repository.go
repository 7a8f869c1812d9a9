package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// IdempotencyRepository backs the Idempotency-Key header on the public
// booking endpoint: a retried request with the same key replays the stored
// response instead of reserving capacity twice. All methods run on the
// caller's transaction, the same one that carries the booking itself.
type IdempotencyRepository struct{}

type IdempotencyRecord struct {
	PatientID       string
	IdempotencyKey  string
	AppointmentID   string
	StatusCode      int
	ResponsePayload []byte
}

func NewIdempotencyRepository() *IdempotencyRepository {
	return &IdempotencyRepository{}
}

// Lock takes a row lock on the key, inserting it first if this is the first
// time it is seen. The second result reports whether the key already
// existed; callers deciding whether to replay must look at the record's
// StatusCode, not at that flag, because a concurrent insert of the same key
// blocks here and the re-read below then returns the winner's finalized row.
func (r *IdempotencyRepository) Lock(ctx context.Context, tx pgx.Tx, patientID, key string) (IdempotencyRecord, bool, error) {
	rec, err := r.selectForUpdate(ctx, tx, patientID, key)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return IdempotencyRecord{}, false, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO booking_idempotency_keys (patient_id, idempotency_key)
		VALUES ($1, $2)
		ON CONFLICT (patient_id, idempotency_key) DO NOTHING
	`, patientID, key)
	if err != nil {
		return IdempotencyRecord{}, false, err
	}

	rec, err = r.selectForUpdate(ctx, tx, patientID, key)
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	return rec, false, nil
}

func (r *IdempotencyRepository) Finalize(ctx context.Context, tx pgx.Tx, patientID, key, appointmentID string, statusCode int, response []byte) error {
	_, err := tx.Exec(ctx, `
		UPDATE booking_idempotency_keys
		SET appointment_id = $3,
			status_code = $4,
			response_payload = $5,
			updated_at = now()
		WHERE patient_id = $1 AND idempotency_key = $2
	`, patientID, key, appointmentID, statusCode, response)
	return err
}

func (r *IdempotencyRepository) selectForUpdate(ctx context.Context, tx pgx.Tx, patientID, key string) (IdempotencyRecord, error) {
	var rec IdempotencyRecord
	var responseText string
	err := tx.QueryRow(ctx, `
		SELECT patient_id,
			idempotency_key,
			COALESCE(appointment_id::text, ''),
			COALESCE(status_code, 0),
			COALESCE(response_payload::text, '')
		FROM booking_idempotency_keys
		WHERE patient_id = $1 AND idempotency_key = $2
		FOR UPDATE
	`, patientID, key).Scan(
		&rec.PatientID,
		&rec.IdempotencyKey,
		&rec.AppointmentID,
		&rec.StatusCode,
		&responseText,
	)
	if err != nil {
		return IdempotencyRecord{}, err
	}
	if responseText != "" {
		rec.ResponsePayload = []byte(responseText)
	}
	return rec, nil
}
