package storage

import (
	"context"
	"errors"

	"github.com/clinicware/clinicbook/libs/db"
	"github.com/clinicware/clinicbook/services/booking-service/internal/model"
	"github.com/jackc/pgx/v5"
)

// PaymentRepository reads the payment record attached to an appointment.
// The payments module owns these rows; this service never writes them.
type PaymentRepository struct {
	pool *db.Pool
}

func NewPaymentRepository(pool *db.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

func (r *PaymentRepository) Status(ctx context.Context, appointmentID string) (model.PaymentStatus, bool, error) {
	var status model.PaymentStatus
	err := r.pool.QueryRow(ctx, `
		SELECT status
		FROM payments
		WHERE appointment_id = $1
	`, appointmentID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return status, true, nil
}
