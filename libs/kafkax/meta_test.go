package kafkax

import (
	"context"
	"reflect"
	"testing"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func TestSplitBrokers(t *testing.T) {
	cases := []struct {
		raw  string
		want []string
	}{
		{"", nil},
		{"kafka:9092", []string{"kafka:9092"}},
		{"a:9092, b:9092 ,,c:9092", []string{"a:9092", "b:9092", "c:9092"}},
	}
	for _, tc := range cases {
		if got := SplitBrokers(tc.raw); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("SplitBrokers(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestExtractEventMeta(t *testing.T) {
	msg := kafka.Message{
		Topic: "booking.appointment.booked.v1",
		Key:   []byte("appt-1"),
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte("evt-1")},
			{Key: "event_type", Value: []byte("booking.appointment.booked.v1")},
		},
	}
	meta := ExtractEventMeta(msg)
	if meta.EventID != "evt-1" || meta.EventType != "booking.appointment.booked.v1" {
		t.Fatalf("unexpected meta: %+v", meta)
	}

	// Without headers the key and topic act as fallbacks.
	meta = ExtractEventMeta(kafka.Message{Topic: "t", Key: []byte("k")})
	if meta.EventID != "k" || meta.EventType != "t" {
		t.Fatalf("unexpected fallback meta: %+v", meta)
	}
}

func TestTraceHeaderRoundTrip(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	const traceparent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	ctx := otel.GetTextMapPropagator().Extract(context.Background(),
		propagation.MapCarrier{"traceparent": traceparent})

	headers := InjectTraceHeaders(ctx, nil)
	if got := HeaderValue(headers, "traceparent"); got != traceparent {
		t.Fatalf("injected traceparent = %q, want %q", got, traceparent)
	}

	extracted := ExtractTraceContext(context.Background(), kafka.Message{Headers: headers})
	reinjected := InjectTraceHeaders(extracted, nil)
	if got := HeaderValue(reinjected, "traceparent"); got != traceparent {
		t.Fatalf("round-tripped traceparent = %q, want %q", got, traceparent)
	}
}
