package receiver

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"hubrecv/internal/eventhub"
	"hubrecv/internal/eventhub/metrics"
	"hubrecv/internal/eventhub/tracing"
)

type stubReceiver struct {
	events  []*eventhub.Event
	err     error
	handler eventhub.Handler
	closed  int
}

func (s *stubReceiver) Receive(ctx context.Context, maxCount int, wait time.Duration) ([]*eventhub.Event, error) {
	return s.events, s.err
}

func (s *stubReceiver) SetHandler(h eventhub.Handler) {
	s.handler = h
}

func (s *stubReceiver) Close(ctx context.Context) error {
	s.closed++
	return nil
}

var testPartition = eventhub.Partition{EventHub: "orders", ConsumerGroup: "$Default", ID: "3"}

func scrape(t *testing.T, registry *metrics.Registry) string {
	t.Helper()

	rec := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("failed to read metrics: %v", err)
	}
	return string(body)
}

func TestMetricsReceiverRecordsReceives(t *testing.T) {
	registry := metrics.NewRegistry()
	inner := &stubReceiver{events: []*eventhub.Event{{}, {}}}
	r := NewMetricsReceiver(inner, registry, testPartition)

	if _, err := r.Receive(context.Background(), 10, time.Second); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	inner.events, inner.err = nil, eventhub.NewError("receive", eventhub.ErrTransientReceive, errors.New("reset"))
	if _, err := r.Receive(context.Background(), 10, time.Second); err == nil {
		t.Fatal("Receive() error = nil, want the inner error")
	}

	out := scrape(t, registry)
	for _, want := range []string{
		`hubrecv_receive_total{event_hub="orders",partition="3",status="success"} 1`,
		`hubrecv_receive_total{event_hub="orders",partition="3",status="error"} 1`,
		`hubrecv_events_received_total{event_hub="orders",partition="3"} 2`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output is missing %q", want)
		}
	}
}

func TestMetricsReceiverInstrumentsHandler(t *testing.T) {
	registry := metrics.NewRegistry()
	inner := &stubReceiver{}
	r := NewMetricsReceiver(inner, registry, testPartition)

	h := newRecordingHandler(5)
	r.SetHandler(h)
	if inner.handler == nil || inner.handler == eventhub.Handler(h) {
		t.Fatal("SetHandler() did not wrap the handler")
	}

	wrapped := inner.handler
	if got := wrapped.MaxBatchSize(); got != 5 {
		t.Errorf("MaxBatchSize() = %d, want 5", got)
	}
	_ = wrapped.OnBatch(context.Background(), []*eventhub.Event{{}})
	_ = wrapped.OnError(context.Background(), eventhub.NewError("set handler", eventhub.ErrHandlerSuperseded, nil))
	_ = wrapped.OnClose(context.Background())

	if len(h.Batches()) != 1 || len(h.Errors()) != 1 || h.Closes() != 1 {
		t.Errorf("wrapped handler did not forward every callback")
	}

	out := scrape(t, registry)
	for _, want := range []string{
		`hubrecv_handler_batch_total{event_hub="orders",partition="3",status="success"} 1`,
		`hubrecv_handler_error_total{event_hub="orders",kind="superseded",partition="3"} 1`,
		`hubrecv_pumps_running{event_hub="orders",partition="3"} 0`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output is missing %q", want)
		}
	}

	r.SetHandler(nil)
	if inner.handler != nil {
		t.Error("SetHandler(nil) should pass nil through")
	}
}

func TestTracedReceiverPassesThrough(t *testing.T) {
	inner := &stubReceiver{events: []*eventhub.Event{{Body: []byte("a")}}}
	r := NewTracedReceiver(inner, tracing.NewNoopTracer(), testPartition)

	events, err := r.Receive(context.Background(), 1, time.Second)
	if err != nil || len(events) != 1 {
		t.Fatalf("Receive() = %v, %v", events, err)
	}

	h := newRecordingHandler(1)
	r.SetHandler(h)
	if err := inner.handler.OnBatch(context.Background(), events); err != nil {
		t.Fatalf("OnBatch() error = %v", err)
	}
	if len(h.Batches()) != 1 {
		t.Error("traced handler did not forward the batch")
	}

	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if inner.closed != 1 {
		t.Errorf("inner receiver closed %d times, want 1", inner.closed)
	}
}
