package metrics

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"hubrecv/internal/eventhub"
)

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{eventhub.NewError("set handler", eventhub.ErrHandlerSuperseded, nil), "superseded"},
		{eventhub.NewError("process batch", eventhub.ErrHandlerCallback, errors.New("boom")), "handler_callback"},
		{eventhub.NewError("create link", eventhub.ErrLinkCreation, errors.New("refused")), "link_creation"},
		{fmt.Errorf("wrapped: %w", eventhub.NewError("receive", eventhub.ErrTimeout, nil)), "timeout"},
		{eventhub.NewError("receive", eventhub.ErrTransientReceive, errors.New("reset")), "transient"},
		{eventhub.NewError("receive pump", eventhub.ErrPumpDefect, errors.New("panic")), "pump_defect"},
		{errors.New("plain"), "other"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := ErrorKind(tt.err); got != tt.want {
				t.Errorf("ErrorKind(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestRegistryRecordsStorageAndCheckpoints(t *testing.T) {
	r := NewRegistry()
	p := eventhub.Partition{EventHub: "orders", ID: "0"}

	r.RecordCheckpoint(p, nil)
	r.RecordCheckpoint(p, errors.New("cas mismatch"))
	r.RecordStorageOperation("append", 3*time.Millisecond, nil)
	r.SetSystemInfo("dev", "now")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	out := rec.Body.String()

	for _, want := range []string{
		`hubrecv_checkpoint_total{event_hub="orders",partition="0",status="success"} 1`,
		`hubrecv_checkpoint_total{event_hub="orders",partition="0",status="error"} 1`,
		`hubrecv_storage_operation_total{operation="append",status="success"} 1`,
		`hubrecv_system_info{build_time="now",version="dev"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output is missing %q", want)
		}
	}
}

func TestServerProbes(t *testing.T) {
	var notReady error
	s := NewServer(ServerConfig{Port: 0, Timeout: time.Second}, NewRegistry(), func() error {
		return notReady
	}, zaptest.NewLogger(t))

	tests := []struct {
		name     string
		path     string
		notReady error
		code     int
		status   string
	}{
		{"health", "/health", nil, http.StatusOK, "healthy"},
		{"ready", "/ready", nil, http.StatusOK, "ready"},
		{"not ready", "/ready", errors.New("no receivers"), http.StatusServiceUnavailable, "not ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			notReady = tt.notReady

			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if rec.Code != tt.code {
				t.Errorf("status code = %d, want %d", rec.Code, tt.code)
			}

			var body status
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode body: %v", err)
			}
			if body.Status != tt.status {
				t.Errorf("status = %q, want %q", body.Status, tt.status)
			}
		})
	}
}
