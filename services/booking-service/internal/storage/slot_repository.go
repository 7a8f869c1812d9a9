package storage

import (
	"context"
	"errors"
	"time"

	"github.com/clinicware/clinicbook/libs/db"
	"github.com/clinicware/clinicbook/services/booking-service/internal/booking"
	"github.com/clinicware/clinicbook/services/booking-service/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SlotRepository persists schedule slots. The committed/issued counters are
// guarded by a version column so concurrent writers detect each other
// instead of overwriting; see CompareAndSwap.
type SlotRepository struct {
	q querier
}

func NewSlotRepository(pool *db.Pool) *SlotRepository {
	return &SlotRepository{q: pool}
}

// WithTx returns a repository whose queries run on the given transaction.
func (r *SlotRepository) WithTx(tx pgx.Tx) *SlotRepository {
	return &SlotRepository{q: tx}
}

func (r *SlotRepository) Create(ctx context.Context, slot model.Slot) (model.Slot, error) {
	if slot.ID == "" {
		slot.ID = uuid.NewString()
	}
	if slot.Maximum <= 0 {
		slot.Maximum = model.DefaultSlotCapacity
	}
	err := r.q.QueryRow(ctx, `
		INSERT INTO slots (id, doctor_id, starts_at, ends_at, maximum, committed, issued, version)
		VALUES ($1, $2, $3, $4, $5, 0, 0, 0)
		RETURNING created_at
	`, slot.ID, slot.DoctorID, slot.StartsAt, slot.EndsAt, slot.Maximum).Scan(&slot.CreatedAt)
	if err != nil {
		return model.Slot{}, err
	}
	slot.Committed = 0
	slot.Issued = 0
	slot.Version = 0
	return slot, nil
}

func (r *SlotRepository) Get(ctx context.Context, id string) (model.Slot, error) {
	var slot model.Slot
	err := r.q.QueryRow(ctx, `
		SELECT id, doctor_id, starts_at, ends_at, maximum, committed, issued, version, created_at
		FROM slots
		WHERE id = $1
	`, id).Scan(
		&slot.ID,
		&slot.DoctorID,
		&slot.StartsAt,
		&slot.EndsAt,
		&slot.Maximum,
		&slot.Committed,
		&slot.Issued,
		&slot.Version,
		&slot.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Slot{}, booking.ErrSlotNotFound
		}
		return model.Slot{}, err
	}
	return slot, nil
}

// CompareAndSwap writes the counters only when the row still carries the
// version the caller read. Zero rows affected means another writer got
// there first and the caller should re-read and retry.
func (r *SlotRepository) CompareAndSwap(ctx context.Context, slot model.Slot) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		UPDATE slots
		SET committed = $2,
			issued = $3,
			version = version + 1
		WHERE id = $1 AND version = $4
	`, slot.ID, slot.Committed, slot.Issued, slot.Version)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *SlotRepository) ListByDoctor(ctx context.Context, doctorID string, from, to time.Time) ([]model.Slot, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, doctor_id, starts_at, ends_at, maximum, committed, issued, version, created_at
		FROM slots
		WHERE doctor_id = $1
			AND starts_at >= $2
			AND starts_at < $3
		ORDER BY starts_at ASC
	`, doctorID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []model.Slot
	for rows.Next() {
		var slot model.Slot
		if err := rows.Scan(
			&slot.ID,
			&slot.DoctorID,
			&slot.StartsAt,
			&slot.EndsAt,
			&slot.Maximum,
			&slot.Committed,
			&slot.Issued,
			&slot.Version,
			&slot.CreatedAt,
		); err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return slots, nil
}
