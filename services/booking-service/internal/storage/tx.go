package storage

import (
	"context"

	"github.com/clinicware/clinicbook/libs/db"
	"github.com/clinicware/clinicbook/services/booking-service/internal/booking"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is the query surface shared by the pool and a transaction, so
// repositories can run standalone or inside a caller's transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxStores hands out transactions and store instances bound to them. A state
// change, its idempotency key and its outbox event all commit atomically
// through one of these transactions.
type TxStores struct {
	pool  *db.Pool
	slots *SlotRepository
	appts *AppointmentRepository
}

func NewTxStores(pool *db.Pool, slots *SlotRepository, appts *AppointmentRepository) *TxStores {
	return &TxStores{pool: pool, slots: slots, appts: appts}
}

func (s *TxStores) Begin(ctx context.Context) (pgx.Tx, error) {
	return s.pool.Begin(ctx)
}

func (s *TxStores) Bind(tx pgx.Tx) (booking.SlotStore, booking.AppointmentStore) {
	return s.slots.WithTx(tx), s.appts.WithTx(tx)
}
