package outbox

// Event is the domain event envelope written to the outbox table. The Kafka
// topic name equals EventType.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// Event types emitted by this service.
const (
	EventAppointmentBooked    = "booking.appointment.booked.v1"
	EventAppointmentConfirmed = "booking.appointment.confirmed.v1"
	EventAppointmentCompleted = "booking.appointment.completed.v1"
	EventAppointmentCancelled = "booking.appointment.cancelled.v1"
)
