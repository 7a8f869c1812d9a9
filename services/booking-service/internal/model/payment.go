package model

// PaymentStatus mirrors the settlement state tracked by the payments module.
// This service only ever reads it; payment rows are owned elsewhere.
type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
)
