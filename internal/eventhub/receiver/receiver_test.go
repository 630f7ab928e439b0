package receiver

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"hubrecv/internal/eventhub"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReceiveTimeout = 20 * time.Millisecond
	return cfg
}

func newTestReceiver(t *testing.T, creator LinkCreator, policy eventhub.RetryPolicy, clk *fakeClock, opts ...Option) *Receiver {
	t.Helper()

	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	opts = append([]Option{WithClock(clk), WithClientID("test-client")}, opts...)

	r, err := New(creator, policy, logger, testConfig(), opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return r
}

func closeReceiver(t *testing.T, r *Receiver) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func waitFor(t *testing.T, ch <-chan struct{}, n int, what string) {
	t.Helper()

	timeout := time.After(5 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-timeout:
			t.Fatalf("timed out waiting for %s (%d/%d)", what, i, n)
		}
	}
}

func TestNewValidatesDependencies(t *testing.T) {
	logger := zaptest.NewLogger(t)

	if _, err := New(nil, &scriptedPolicy{}, logger, DefaultConfig()); err == nil {
		t.Error("New() with nil creator should fail")
	}
	if _, err := New(&fakeCreator{}, nil, logger, DefaultConfig()); err == nil {
		t.Error("New() with nil policy should fail")
	}
}

func TestReceiveRejectsInvalidCount(t *testing.T) {
	r := newTestReceiver(t, &fakeCreator{links: []*fakeLink{{}}}, &scriptedPolicy{}, newFakeClock())
	defer closeReceiver(t, r)

	for _, n := range []int{0, -1} {
		if _, err := r.Receive(context.Background(), n, time.Second); !errors.Is(err, eventhub.ErrInvalidArgument) {
			t.Errorf("Receive(%d) error = %v, want %v", n, err, eventhub.ErrInvalidArgument)
		}
	}
}

func TestReceiveDecodesAndAccepts(t *testing.T) {
	clk := newFakeClock()
	l := &fakeLink{clock: clk, script: []step{{count: 3}}}
	policy := &scriptedPolicy{}
	r := newTestReceiver(t, &fakeCreator{links: []*fakeLink{l}}, policy, clk)
	defer closeReceiver(t, r)

	events, err := r.Receive(context.Background(), 10, time.Second)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Receive() returned %d events, want 3", len(events))
	}

	e := events[1]
	if e.System.Offset != "100" || e.System.SequenceNumber != 1 {
		t.Errorf("event system properties = %+v", e.System)
	}
	if want := time.UnixMilli(1704067200001).UTC(); !e.System.EnqueuedTime.Equal(want) {
		t.Errorf("EnqueuedTime = %v, want %v", e.System.EnqueuedTime, want)
	}
	if got := l.Accepted(); got != 3 {
		t.Errorf("accepted %d messages, want 3", got)
	}
	if got := policy.Successes(); got != 1 {
		t.Errorf("policy saw %d successes, want 1", got)
	}
}

func TestReceiveTimeoutFoldsToEmpty(t *testing.T) {
	clk := newFakeClock()
	l := &fakeLink{clock: clk, repeat: &step{err: context.DeadlineExceeded}}
	policy := &scriptedPolicy{intervals: []time.Duration{10 * time.Millisecond, 10 * time.Millisecond}}
	r := newTestReceiver(t, &fakeCreator{links: []*fakeLink{l}}, policy, clk)
	defer closeReceiver(t, r)

	events, err := r.Receive(context.Background(), 10, time.Second)
	if err != nil {
		t.Fatalf("Receive() error = %v, want nil", err)
	}
	if events != nil {
		t.Fatalf("Receive() = %v, want nil batch", events)
	}
	if got := l.Calls(); got != 3 {
		t.Errorf("link received %d times, want 3", got)
	}
	for _, err := range policy.seen {
		if !errors.Is(err, eventhub.ErrTimeout) {
			t.Errorf("policy saw %v, want a timeout", err)
		}
	}
}

func TestReceiveEmptyIsNotAFailure(t *testing.T) {
	clk := newFakeClock()
	l := &fakeLink{clock: clk, script: []step{{count: 0}}}
	policy := &scriptedPolicy{intervals: []time.Duration{time.Millisecond}}
	r := newTestReceiver(t, &fakeCreator{links: []*fakeLink{l}}, policy, clk)
	defer closeReceiver(t, r)

	events, err := r.Receive(context.Background(), 10, time.Second)
	if err != nil || events != nil {
		t.Fatalf("Receive() = %v, %v, want nil, nil", events, err)
	}
	if got := l.Calls(); got != 1 {
		t.Errorf("link received %d times, want 1", got)
	}
	if len(clk.Waits()) != 0 {
		t.Errorf("unexpected waits %v", clk.Waits())
	}
}

func TestReceiveRetriesLinkCreation(t *testing.T) {
	clk := newFakeClock()
	refused := eventhub.NewError("create link", eventhub.ErrLinkCreation, errors.New("connection refused"))
	creator := &fakeCreator{
		errs:  []error{refused, refused},
		links: []*fakeLink{{clock: clk, script: []step{{count: 5}}}},
	}
	policy := &scriptedPolicy{intervals: []time.Duration{50 * time.Millisecond, 100 * time.Millisecond}}
	r := newTestReceiver(t, creator, policy, clk)
	defer closeReceiver(t, r)

	events, err := r.Receive(context.Background(), 10, time.Second)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if len(events) != 5 {
		t.Errorf("Receive() returned %d events, want 5", len(events))
	}
	if got := creator.Calls(); got != 3 {
		t.Errorf("creator called %d times, want 3", got)
	}

	waits := clk.Waits()
	want := []time.Duration{50 * time.Millisecond, 100 * time.Millisecond}
	if len(waits) != len(want) {
		t.Fatalf("waits = %v, want %v", waits, want)
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Errorf("wait[%d] = %v, want %v", i, waits[i], want[i])
		}
	}
}

func TestReceivePropagatesWhenPolicyGivesUp(t *testing.T) {
	clk := newFakeClock()
	refused := eventhub.NewError("create link", eventhub.ErrLinkCreation, errors.New("unauthorized"))
	creator := &fakeCreator{errs: []error{refused}, links: []*fakeLink{{}}}
	r := newTestReceiver(t, creator, &scriptedPolicy{}, clk)
	defer closeReceiver(t, r)

	_, err := r.Receive(context.Background(), 10, time.Second)
	if !errors.Is(err, eventhub.ErrLinkCreation) {
		t.Fatalf("Receive() error = %v, want %v", err, eventhub.ErrLinkCreation)
	}
}

func TestReceiveRecreatesLinkAfterTerminalFault(t *testing.T) {
	clk := newFakeClock()
	detached := eventhub.NewError("receive", eventhub.ErrTerminalLinkFault, errors.New("link detached"))
	first := &fakeLink{clock: clk, script: []step{{err: detached}}}
	second := &fakeLink{clock: clk, script: []step{{count: 2}}}
	creator := &fakeCreator{links: []*fakeLink{first, second}}
	policy := &scriptedPolicy{intervals: []time.Duration{10 * time.Millisecond}}
	r := newTestReceiver(t, creator, policy, clk)
	defer closeReceiver(t, r)

	events, err := r.Receive(context.Background(), 10, time.Second)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if len(events) != 2 {
		t.Errorf("Receive() returned %d events, want 2", len(events))
	}
	if got := creator.Calls(); got != 2 {
		t.Errorf("creator called %d times, want 2", got)
	}
	if !first.Closed() {
		t.Error("faulted link was not closed")
	}
	if sessions := creator.Sessions(); !sessions[0].Closed() {
		t.Error("faulted link session was not closed")
	}
}

func TestReceiveResumesAfterLastDeliveredEvent(t *testing.T) {
	clk := newFakeClock()
	detached := eventhub.NewError("receive", eventhub.ErrTerminalLinkFault, errors.New("link detached"))
	first := &fakeLink{clock: clk, script: []step{{count: 5}, {err: detached}}}
	second := &fakeLink{clock: clk, script: []step{{count: 1}}}
	creator := &fakeCreator{links: []*fakeLink{first, second}}
	policy := &scriptedPolicy{intervals: []time.Duration{10 * time.Millisecond}}
	r := newTestReceiver(t, creator, policy, clk)
	defer closeReceiver(t, r)

	if _, err := r.Receive(context.Background(), 10, time.Second); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if got := creator.Resumed(); len(got) != 1 || got[0] != "400" {
		t.Fatalf("resumed at %v, want [400]", got)
	}

	if _, err := r.Receive(context.Background(), 10, time.Second); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if got := creator.Calls(); got != 2 {
		t.Errorf("creator called %d times, want 2", got)
	}
	if got := creator.Resumed(); len(got) != 2 {
		t.Errorf("resumed at %v, want a position per delivered batch", got)
	}
}

func TestReceiveRefreshesExpiringTokenInPlace(t *testing.T) {
	clk := newFakeClock()
	l := &fakeLink{clock: clk, repeat: &step{count: 5}}
	creator := &fakeCreator{
		links:     []*fakeLink{l},
		expiresAt: clk.Now().Add(10 * time.Minute),
		extend:    time.Hour,
	}
	r := newTestReceiver(t, creator, &scriptedPolicy{}, clk)
	defer closeReceiver(t, r)

	first, err := r.Receive(context.Background(), 5, time.Second)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if got := creator.Refreshes(); got != 0 {
		t.Fatalf("refreshed %d times before the margin, want 0", got)
	}

	clk.Advance(10 * time.Minute)

	second, err := r.Receive(context.Background(), 5, time.Second)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if _, err := r.Receive(context.Background(), 5, time.Second); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}

	if got := creator.Refreshes(); got != 1 {
		t.Errorf("refreshed %d times, want 1", got)
	}
	if got := creator.Calls(); got != 1 {
		t.Errorf("creator called %d times, want 1", got)
	}
	if l.Closed() {
		t.Error("link was closed on token expiry")
	}
	// the live link continues where the last batch ended
	if got, want := second[0].System.Offset, "500"; got != want {
		t.Errorf("first offset after expiry = %s, want %s (last before = %s)",
			got, want, first[len(first)-1].System.Offset)
	}
}

func TestReceiveRefreshFailureIsRetried(t *testing.T) {
	clk := newFakeClock()
	l := &fakeLink{clock: clk, repeat: &step{count: 1}}
	creator := &fakeCreator{
		links:      []*fakeLink{l},
		expiresAt:  clk.Now().Add(time.Minute),
		refreshErr: eventhub.NewError("refresh token", eventhub.ErrTransientReceive, errors.New("issuer unavailable")),
	}
	policy := &scriptedPolicy{}
	r := newTestReceiver(t, creator, policy, clk)
	defer closeReceiver(t, r)

	_, err := r.Receive(context.Background(), 1, time.Second)
	if !errors.Is(err, eventhub.ErrTransientReceive) {
		t.Fatalf("Receive() error = %v, want %v", err, eventhub.ErrTransientReceive)
	}
	if len(policy.seen) != 1 || !errors.Is(policy.seen[0], eventhub.ErrTransientReceive) {
		t.Errorf("policy saw %v, want one transient error", policy.seen)
	}
	if got := l.Calls(); got != 0 {
		t.Errorf("link received %d times with an unrefreshed token, want 0", got)
	}
}

func TestReceiveDecodeFailureRedeliversBatch(t *testing.T) {
	clk := newFakeClock()
	first := &fakeLink{clock: clk, script: []step{{count: 3}}}
	second := &fakeLink{clock: clk, script: []step{{count: 3}}}
	creator := &fakeCreator{links: []*fakeLink{first, second}}
	policy := &scriptedPolicy{intervals: []time.Duration{10 * time.Millisecond}}
	r := newTestReceiver(t, creator, policy, clk, WithCodec(&flakyCodec{}))
	defer closeReceiver(t, r)

	events, err := r.Receive(context.Background(), 10, time.Second)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}

	if len(policy.seen) != 1 || !errors.Is(policy.seen[0], eventhub.ErrTransientReceive) {
		t.Fatalf("policy saw %v, want one transient error", policy.seen)
	}
	if got := first.Accepted(); got != 0 {
		t.Errorf("accepted %d messages of the undecodable batch, want 0", got)
	}
	if !first.Closed() {
		t.Error("link of the undecodable batch was not closed")
	}
	if got := creator.Calls(); got != 2 {
		t.Errorf("creator called %d times, want 2", got)
	}

	want := []string{"0", "100", "200"}
	if len(events) != len(want) {
		t.Fatalf("Receive() returned %d events, want %d", len(events), len(want))
	}
	for i, e := range events {
		if e.System.Offset != want[i] {
			t.Errorf("event %d offset = %s, want %s", i, e.System.Offset, want[i])
		}
	}
	if got := creator.Resumed(); len(got) != 1 || got[0] != "200" {
		t.Errorf("resumed at %v, want [200]", got)
	}
}

func TestReceiveAfterClose(t *testing.T) {
	r := newTestReceiver(t, &fakeCreator{links: []*fakeLink{{}}}, &scriptedPolicy{}, newFakeClock())
	closeReceiver(t, r)

	if _, err := r.Receive(context.Background(), 1, time.Second); !errors.Is(err, eventhub.ErrClosed) {
		t.Fatalf("Receive() error = %v, want %v", err, eventhub.ErrClosed)
	}
}

func TestCloseReleasesHandlerAndLink(t *testing.T) {
	clk := newFakeClock()
	l := &fakeLink{clock: clk, script: []step{{count: 1}}}
	creator := &fakeCreator{links: []*fakeLink{l}}
	r := newTestReceiver(t, creator, &scriptedPolicy{}, clk)

	h := newRecordingHandler(10)
	r.SetHandler(h)
	waitFor(t, h.batched, 1, "first batch")

	closeReceiver(t, r)

	if got := h.Closes(); got != 1 {
		t.Errorf("handler closed %d times, want 1", got)
	}
	if !l.Closed() {
		t.Error("link was not closed")
	}
	for i, s := range creator.Sessions() {
		if !s.Closed() {
			t.Errorf("session %d was not closed", i)
		}
	}

	// closing again is a no-op
	closeReceiver(t, r)
	if got := h.Closes(); got != 1 {
		t.Errorf("handler closed %d times after second Close, want 1", got)
	}

	// installing on a closed receiver starts nothing
	r.SetHandler(newRecordingHandler(10))
	if handler, pump := r.running(); handler || pump {
		t.Errorf("running() = %v, %v after Close, want false, false", handler, pump)
	}
}
