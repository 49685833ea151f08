// Package escalation fires expiry and reminder callbacks for pending
// approval requests at their scheduled times.
package escalation

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MEKXH/quorum/internal/approval"
)

const (
	idleWait        = time.Hour
	callbackTimeout = 30 * time.Second
)

// Handler receives fired entries. Implementations re-check request status,
// so a callback racing a resolution is harmless.
type Handler interface {
	Expire(ctx context.Context, requestID string) error
	Escalate(ctx context.Context, requestID string, tier int) error
}

// Scheduler keeps a min-heap of fire times served by a single goroutine.
type Scheduler struct {
	handler Handler
	now     func() time.Time

	mu        sync.Mutex
	queue     entryHeap
	byRequest map[string][]*entry
	seq       uint64

	wake     chan struct{}
	stopChan chan struct{}
	stopped  chan struct{}
	running  bool
}

// New creates a scheduler. The handler may be set later with SetHandler.
func New(handler Handler) *Scheduler {
	return &Scheduler{
		handler:   handler,
		now:       time.Now,
		byRequest: make(map[string][]*entry),
		wake:      make(chan struct{}, 1),
	}
}

// SetHandler replaces the callback target.
func (s *Scheduler) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Register arms the expiry entry and every escalation tier of req that is
// still ahead. Registering an id again replaces its entries.
func (s *Scheduler) Register(req *approval.Request) {
	if req == nil || req.Status != approval.StatusPending {
		return
	}

	s.mu.Lock()
	s.removeLocked(req.ID)
	now := s.now()
	for i, tier := range req.Escalation {
		fireAt := req.CreatedAt.Add(tier.After)
		if !fireAt.Before(req.ExpiresAt) || fireAt.Before(now) {
			continue
		}
		s.pushLocked(&entry{fireAt: fireAt, requestID: req.ID, kind: KindEscalate, tier: i})
	}
	s.pushLocked(&entry{fireAt: req.ExpiresAt, requestID: req.ID, kind: KindExpire})
	s.mu.Unlock()

	s.signal()
}

// Cancel drops every entry for requestID.
func (s *Scheduler) Cancel(requestID string) {
	s.mu.Lock()
	s.removeLocked(requestID)
	s.mu.Unlock()
}

// Pending returns the number of queued entries.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Tracked returns the number of requests with queued entries.
func (s *Scheduler) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byRequest)
}

// Start begins the firing loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("escalation scheduler already running")
	}
	s.stopChan = make(chan struct{})
	s.stopped = make(chan struct{})
	s.running = true
	pending := s.queue.Len()
	s.mu.Unlock()

	go s.loop()

	slog.Info("escalation scheduler started", "entries", pending)
	return nil
}

// Stop shuts down the loop and waits for an in-flight callback.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	<-s.stopped
	slog.Info("escalation scheduler stopped")
}

func (s *Scheduler) loop() {
	defer close(s.stopped)

	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		timer.Reset(s.nextWait())
		select {
		case <-s.stopChan:
			return
		case <-s.wake:
		case <-timer.C:
			s.fireDue()
		}
	}
}

func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.Len() == 0 {
		return idleWait
	}
	wait := s.queue[0].fireAt.Sub(s.now())
	if wait < 0 {
		return 0
	}
	return wait
}

// fireDue pops every entry due at the current time and runs its callback
// with the mutex released.
func (s *Scheduler) fireDue() {
	s.mu.Lock()
	now := s.now()
	var due []*entry
	for s.queue.Len() > 0 && !s.queue[0].fireAt.After(now) {
		e := heap.Pop(&s.queue).(*entry)
		s.forgetLocked(e)
		due = append(due, e)
	}
	handler := s.handler
	s.mu.Unlock()

	for _, e := range due {
		s.fire(handler, e)
	}
}

func (s *Scheduler) fire(handler Handler, e *entry) {
	if handler == nil {
		slog.Debug("escalation entry dropped without handler", "request_id", e.requestID, "kind", e.kind)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		if e.kind == KindExpire {
			return handler.Expire(ctx, e.requestID)
		}
		return handler.Escalate(ctx, e.requestID, e.tier)
	}()
	if err != nil {
		slog.Error("escalation callback failed", "request_id", e.requestID, "kind", e.kind, "tier", e.tier, "error", err)
	}
}

func (s *Scheduler) pushLocked(e *entry) {
	s.seq++
	e.seq = s.seq
	heap.Push(&s.queue, e)
	s.byRequest[e.requestID] = append(s.byRequest[e.requestID], e)
}

func (s *Scheduler) removeLocked(requestID string) {
	for _, e := range s.byRequest[requestID] {
		if e.index >= 0 {
			heap.Remove(&s.queue, e.index)
		}
	}
	delete(s.byRequest, requestID)
}

func (s *Scheduler) forgetLocked(e *entry) {
	list := s.byRequest[e.requestID]
	for i, other := range list {
		if other == e {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.byRequest, e.requestID)
		return
	}
	s.byRequest[e.requestID] = list
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
