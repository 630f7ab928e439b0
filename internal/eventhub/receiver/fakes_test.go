package receiver

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"hubrecv/internal/eventhub"
	"hubrecv/internal/eventhub/link"
)

// fakeClock advances only when waited on; every wait fires immediately.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.waits = append(c.waits, d)
	c.now = c.now.Add(d)

	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

// step is one scripted link receive result.
type step struct {
	count int
	err   error
}

// fakeLink replays its script, then either repeats a step or waits for the
// receive deadline and reports no messages.
type fakeLink struct {
	clock *fakeClock

	mu       sync.Mutex
	script   []step
	repeat   *step
	next     int
	calls    int
	maxes    []int
	stamps   []time.Time
	accepted int
	closed   bool
}

func (l *fakeLink) Receive(ctx context.Context, max int) ([]*eventhub.RawMessage, error) {
	l.mu.Lock()
	l.calls++
	l.maxes = append(l.maxes, max)
	if l.clock != nil {
		l.stamps = append(l.stamps, l.clock.Now())
	}
	if l.closed {
		l.mu.Unlock()
		return nil, eventhub.NewError("receive", eventhub.ErrTerminalLinkFault, errors.New("link detached"))
	}

	var s *step
	switch {
	case len(l.script) > 0:
		s = &l.script[0]
		l.script = l.script[1:]
	case l.repeat != nil:
		s = l.repeat
	}
	l.mu.Unlock()

	if s == nil {
		<-ctx.Done()
		return nil, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	return l.messages(s.count), nil
}

func (l *fakeLink) messages(n int) []*eventhub.RawMessage {
	l.mu.Lock()
	defer l.mu.Unlock()

	msgs := make([]*eventhub.RawMessage, 0, n)
	for i := 0; i < n; i++ {
		seq := int64(l.next)
		l.next++
		msgs = append(msgs, &eventhub.RawMessage{
			Body: []byte("event-" + strconv.FormatInt(seq, 10)),
			Annotations: map[string]any{
				eventhub.AnnotationOffset:         strconv.FormatInt(seq*100, 10),
				eventhub.AnnotationSequenceNumber: seq,
				eventhub.AnnotationEnqueuedTime:   int64(1704067200000) + seq,
			},
		})
	}
	return msgs
}

func (l *fakeLink) Accept(ctx context.Context, msg *eventhub.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accepted++
	return nil
}

func (l *fakeLink) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func (l *fakeLink) Accepted() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.accepted
}

func (l *fakeLink) Stamps() []time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]time.Time(nil), l.stamps...)
}

type fakeSession struct {
	mu     sync.Mutex
	closed bool
}

func (s *fakeSession) AttachReceiver(ctx context.Context, opts eventhub.LinkOptions) (eventhub.ReceiveLink, error) {
	return nil, errors.New("not used")
}

func (s *fakeSession) Abort() {}

func (s *fakeSession) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeCreator fails with its scripted errors first, then hands out links in
// order, reusing the last one. Links expire at expiresAt and every refresh
// extends them by extend.
type fakeCreator struct {
	mu         sync.Mutex
	errs       []error
	links      []*fakeLink
	expiresAt  time.Time
	extend     time.Duration
	refreshErr error
	sessions   []*fakeSession
	calls      int
	refreshes  int
	resumed    []string
}

func (c *fakeCreator) Create(ctx context.Context, timeout time.Duration) (*link.Active, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		return nil, err
	}

	l := c.links[0]
	if len(c.links) > 1 {
		c.links = c.links[1:]
	}
	s := &fakeSession{}
	c.sessions = append(c.sessions, s)

	return link.NewActive(l, s, nil, c.expiresAt), nil
}

func (c *fakeCreator) Refresh(ctx context.Context, a *link.Active) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.refreshes++
	if c.refreshErr != nil {
		return c.refreshErr
	}
	a.SetExpiresAt(a.ExpiresAt().Add(c.extend))
	return nil
}

func (c *fakeCreator) Resume(offset string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumed = append(c.resumed, offset)
}

func (c *fakeCreator) Refreshes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshes
}

func (c *fakeCreator) Resumed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.resumed...)
}

func (c *fakeCreator) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *fakeCreator) Sessions() []*fakeSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeSession(nil), c.sessions...)
}

// scriptedPolicy hands out its intervals in order and gives up afterwards.
type scriptedPolicy struct {
	mu        sync.Mutex
	intervals []time.Duration
	successes int
	failures  int
	seen      []error
}

func (p *scriptedPolicy) OnSuccess(clientID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.successes++
}

func (p *scriptedPolicy) OnFailure(clientID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures++
}

func (p *scriptedPolicy) NextInterval(clientID string, err error, remaining time.Duration) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seen = append(p.seen, err)
	if len(p.intervals) == 0 {
		return 0, false
	}
	d := p.intervals[0]
	p.intervals = p.intervals[1:]
	return d, true
}

func (p *scriptedPolicy) Successes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.successes
}

// recordingHandler records every callback and signals each one on a
// buffered channel without blocking the pump.
type recordingHandler struct {
	size    int
	batchFn func(call int) error

	mu      sync.Mutex
	batches [][]*eventhub.Event
	errs    []error
	closes  int

	batched chan struct{}
	errored chan struct{}
	closed  chan struct{}
}

func newRecordingHandler(size int) *recordingHandler {
	return &recordingHandler{
		size:    size,
		batched: make(chan struct{}, 1024),
		errored: make(chan struct{}, 1024),
		closed:  make(chan struct{}, 16),
	}
}

func (h *recordingHandler) MaxBatchSize() int {
	return h.size
}

func (h *recordingHandler) OnBatch(ctx context.Context, events []*eventhub.Event) error {
	h.mu.Lock()
	h.batches = append(h.batches, events)
	call := len(h.batches)
	h.mu.Unlock()

	signal(h.batched)

	if h.batchFn != nil {
		return h.batchFn(call)
	}
	return nil
}

func (h *recordingHandler) OnError(ctx context.Context, err error) error {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()

	signal(h.errored)
	return nil
}

func (h *recordingHandler) OnClose(ctx context.Context) error {
	h.mu.Lock()
	h.closes++
	h.mu.Unlock()

	signal(h.closed)
	return nil
}

func (h *recordingHandler) Batches() [][]*eventhub.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]*eventhub.Event(nil), h.batches...)
}

func (h *recordingHandler) Errors() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errs...)
}

func (h *recordingHandler) Closes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closes
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// flakyCodec fails to decode the first message it sees.
type flakyCodec struct {
	failed atomic.Bool
}

func (c *flakyCodec) Decode(msg *eventhub.RawMessage) (*eventhub.Event, error) {
	if c.failed.CompareAndSwap(false, true) {
		return nil, errors.New("malformed annotations")
	}
	return eventhub.AnnotationCodec{}.Decode(msg)
}

type panicCodec struct{}

func (panicCodec) Decode(msg *eventhub.RawMessage) (*eventhub.Event, error) {
	panic("codec exploded")
}

func (l *fakeLink) Maxes() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.maxes...)
}
