package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MEKXH/quorum/internal/directory"
)

const (
	defaultDispatchConcurrency = 8
	defaultEffectTimeout       = 30 * time.Second
)

// Notifier receives side effects produced by lifecycle transitions. Calls
// happen after the request lock is released; errors are logged only.
type Notifier interface {
	NotifyCreated(ctx context.Context, req *Request, candidates []directory.Approver) error
	NotifyResolved(ctx context.Context, req *Request, decision *Decision) error
	NotifyEscalation(ctx context.Context, req *Request, notice EscalationNotice) error
	MirrorExternalState(ctx context.Context, req *Request) error
}

// EscalationNotice describes one fired escalation tier.
type EscalationNotice struct {
	Tier      int
	Elapsed   time.Duration
	Groups    []string
	Approvers []directory.Approver
}

// EffectKind names a side effect.
type EffectKind string

const (
	EffectCreated    EffectKind = "created"
	EffectResolved   EffectKind = "resolved"
	EffectEscalation EffectKind = "escalation"
	EffectMirror     EffectKind = "mirror"
)

// Effect is a side effect built under the request lock and run after it.
type Effect struct {
	Kind       EffectKind
	Request    *Request
	Decision   *Decision
	Candidates []directory.Approver
	Escalation *EscalationNotice
}

// Observer is told the outcome of each effect.
type Observer func(kind EffectKind, elapsed time.Duration, err error)

// Dispatcher runs effects asynchronously. Effects of one request run in the
// order they were dispatched, one batch after another; different requests run
// concurrently up to the configured limit.
type Dispatcher struct {
	notifier Notifier
	sem      chan struct{}
	timeout  time.Duration
	observer Observer
	wg       sync.WaitGroup

	mu    sync.Mutex
	lanes map[string][][]Effect
}

// NewDispatcher creates a dispatcher. A nil notifier makes Dispatch a no-op.
func NewDispatcher(notifier Notifier, maxConcurrent int) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultDispatchConcurrency
	}
	return &Dispatcher{
		notifier: notifier,
		sem:      make(chan struct{}, maxConcurrent),
		timeout:  defaultEffectTimeout,
		lanes:    make(map[string][][]Effect),
	}
}

// SetObserver installs a hook called after every effect.
func (d *Dispatcher) SetObserver(observer Observer) {
	if d == nil {
		return
	}
	d.observer = observer
}

// SetTimeout bounds each notifier call.
func (d *Dispatcher) SetTimeout(timeout time.Duration) {
	if d == nil || timeout <= 0 {
		return
	}
	d.timeout = timeout
}

// Dispatch queues one transition's effects and returns immediately without
// blocking, so the engine calls it while still holding the request lock:
// queue order is then commit order.
func (d *Dispatcher) Dispatch(effects ...Effect) {
	if d == nil || d.notifier == nil || len(effects) == 0 {
		return
	}
	key := laneKey(effects)
	batch := append([]Effect(nil), effects...)

	d.wg.Add(1)
	d.mu.Lock()
	queue, running := d.lanes[key]
	d.lanes[key] = append(queue, batch)
	d.mu.Unlock()
	if !running {
		go d.drain(key)
	}
}

// drain runs the batches queued for key until none are left.
func (d *Dispatcher) drain(key string) {
	for {
		d.mu.Lock()
		queue := d.lanes[key]
		if len(queue) == 0 {
			delete(d.lanes, key)
			d.mu.Unlock()
			return
		}
		batch := queue[0]
		d.lanes[key] = queue[1:]
		d.mu.Unlock()

		d.sem <- struct{}{}
		for _, effect := range batch {
			d.run(effect)
		}
		<-d.sem
		d.wg.Done()
	}
}

func laneKey(effects []Effect) string {
	for _, effect := range effects {
		if effect.Request != nil {
			return effect.Request.ID
		}
	}
	return ""
}

// Flush waits for every scheduled effect to finish.
func (d *Dispatcher) Flush() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

// FlushContext is Flush bounded by ctx. It returns ctx.Err() when effects
// are still running at the deadline.
func (d *Dispatcher) FlushContext(ctx context.Context) error {
	if d == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run(effect Effect) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	err := d.invoke(ctx, effect)
	if err != nil {
		id := ""
		if effect.Request != nil {
			id = effect.Request.ID
		}
		slog.Error("approval effect failed", "kind", effect.Kind, "request_id", id, "error", err)
	}
	if d.observer != nil {
		d.observer(effect.Kind, time.Since(start), err)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, effect Effect) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notifier panic: %v", r)
		}
	}()

	switch effect.Kind {
	case EffectCreated:
		return d.notifier.NotifyCreated(ctx, effect.Request, effect.Candidates)
	case EffectResolved:
		return d.notifier.NotifyResolved(ctx, effect.Request, effect.Decision)
	case EffectEscalation:
		if effect.Escalation == nil {
			return fmt.Errorf("escalation effect without notice")
		}
		return d.notifier.NotifyEscalation(ctx, effect.Request, *effect.Escalation)
	case EffectMirror:
		return d.notifier.MirrorExternalState(ctx, effect.Request)
	default:
		return fmt.Errorf("unknown effect kind %q", effect.Kind)
	}
}
