package channel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/MEKXH/quorum/internal/bus"
	"github.com/MEKXH/quorum/internal/metrics"
)

const defaultMaxConcurrentSends = 16

// DeliveryPolicy controls how outbound messages are sent.
type DeliveryPolicy struct {
	MaxConcurrentSends int
	RetryMaxAttempts   int
	RetryBaseBackoff   time.Duration
	RetryMaxBackoff    time.Duration
	// RateLimitPerSecond caps sends per channel; zero disables the limit.
	RateLimitPerSecond float64
	// DedupWindow suppresses repeats of the same request id to the same chat.
	DedupWindow time.Duration
}

// DefaultDeliveryPolicy returns the policy used by NewManager.
func DefaultDeliveryPolicy() DeliveryPolicy {
	return DeliveryPolicy{
		MaxConcurrentSends: defaultMaxConcurrentSends,
		RetryMaxAttempts:   3,
		RetryBaseBackoff:   200 * time.Millisecond,
		RetryMaxBackoff:    2 * time.Second,
		RateLimitPerSecond: 20,
		DedupWindow:        5 * time.Minute,
	}
}

func (p DeliveryPolicy) normalized() DeliveryPolicy {
	if p.MaxConcurrentSends <= 0 {
		p.MaxConcurrentSends = 1
	}
	if p.RetryMaxAttempts <= 0 {
		p.RetryMaxAttempts = 1
	}
	if p.RetryBaseBackoff <= 0 {
		p.RetryBaseBackoff = 100 * time.Millisecond
	}
	if p.RetryMaxBackoff < p.RetryBaseBackoff {
		p.RetryMaxBackoff = p.RetryBaseBackoff
	}
	return p
}

func (p DeliveryPolicy) backoff(attempt int) time.Duration {
	d := p.RetryBaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.RetryMaxBackoff {
			return p.RetryMaxBackoff
		}
	}
	return d
}

// Manager coordinates all channels
type Manager struct {
	channels      map[string]Channel
	limiters      map[string]*rate.Limiter
	bus           *bus.MessageBus
	policy        DeliveryPolicy
	sendSem       chan struct{}
	runtimeMetric *metrics.RuntimeMetrics
	mu            sync.RWMutex

	dedupMu sync.Mutex
	seen    map[string]time.Time
}

// NewManager creates a channel manager
func NewManager(msgBus *bus.MessageBus) *Manager {
	return NewManagerWithPolicy(msgBus, DefaultDeliveryPolicy())
}

// NewManagerWithLimit creates a channel manager with bounded outbound send concurrency.
func NewManagerWithLimit(msgBus *bus.MessageBus, maxConcurrentSends int) *Manager {
	policy := DefaultDeliveryPolicy()
	policy.MaxConcurrentSends = maxConcurrentSends
	return NewManagerWithPolicy(msgBus, policy)
}

// NewManagerWithPolicy creates a channel manager with an explicit delivery policy.
func NewManagerWithPolicy(msgBus *bus.MessageBus, policy DeliveryPolicy) *Manager {
	policy = policy.normalized()
	return &Manager{
		channels: make(map[string]Channel),
		limiters: make(map[string]*rate.Limiter),
		bus:      msgBus,
		policy:   policy,
		sendSem:  make(chan struct{}, policy.MaxConcurrentSends),
		seen:     make(map[string]time.Time),
	}
}

// Register adds a channel
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
	if m.policy.RateLimitPerSecond > 0 {
		m.limiters[ch.Name()] = rate.NewLimiter(rate.Limit(m.policy.RateLimitPerSecond), 1)
	}
}

// SetRuntimeMetrics attaches a recorder used for outbound send metrics.
func (m *Manager) SetRuntimeMetrics(recorder *metrics.RuntimeMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runtimeMetric = recorder
}

// Names returns registered channel names
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// Has reports whether a channel with name is registered.
func (m *Manager) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.channels[name]
	return ok
}

// StartAll starts all channels
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, ch := range m.channels {
		go func(n string, c Channel) {
			slog.Info("starting channel", "name", n)
			if err := c.Start(ctx); err != nil {
				slog.Error("channel error", "name", n, "error", err)
			}
		}(name, ch)
	}
}

// RouteOutbound sends outbound messages to appropriate channels
func (m *Manager) RouteOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-m.bus.Outbound():
			if !ok {
				return
			}
			if msg == nil {
				continue
			}
			m.mu.RLock()
			ch, found := m.channels[msg.Channel]
			limiter := m.limiters[msg.Channel]
			recorder := m.runtimeMetric
			m.mu.RUnlock()
			if !found {
				slog.Debug("outbound message for unknown channel", "channel", msg.Channel, "request_id", msg.RequestID)
				continue
			}

			select {
			case m.sendSem <- struct{}{}:
			case <-ctx.Done():
				return
			}

			key := dedupKey(msg)
			if !m.claim(key) {
				<-m.sendSem
				slog.Debug("duplicate outbound message suppressed", "channel", msg.Channel, "request_id", msg.RequestID)
				continue
			}
			go func(c Channel, outbound *bus.OutboundMessage) {
				defer func() { <-m.sendSem }()
				err := m.deliver(ctx, c, limiter, outbound)
				if err != nil {
					m.release(key)
				}
				m.record(recorder, outbound, err)
			}(ch, msg)
		}
	}
}

func (m *Manager) deliver(ctx context.Context, c Channel, limiter *rate.Limiter, msg *bus.OutboundMessage) error {
	var err error
	for attempt := 1; attempt <= m.policy.RetryMaxAttempts; attempt++ {
		if limiter != nil {
			if werr := limiter.Wait(ctx); werr != nil {
				return werr
			}
		}
		err = c.Send(ctx, msg)
		if err == nil {
			return nil
		}
		if attempt == m.policy.RetryMaxAttempts {
			break
		}
		slog.Debug("send outbound retry", "channel", msg.Channel, "attempt", attempt, "error", err)
		select {
		case <-time.After(m.policy.backoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (m *Manager) record(recorder *metrics.RuntimeMetrics, outbound *bus.OutboundMessage, err error) {
	if recorder != nil {
		snapshot, recordErr := recorder.RecordChannelSend(err == nil)
		if recordErr != nil {
			slog.Warn("record runtime metrics failed", "scope", "channel", "error", recordErr)
		} else if err != nil {
			slog.Error("send outbound failed",
				"request_id", outbound.RequestID,
				"approval_id", outbound.ApprovalID(),
				"channel", outbound.Channel,
				"chat_id", outbound.ChatID,
				"error", err,
				"channel_send_attempts", snapshot.Channel.SendAttempts,
				"channel_send_failure_ratio", snapshot.Channel.FailureRatio(),
			)
			return
		}
	}

	if err != nil {
		slog.Error("send outbound failed", "request_id", outbound.RequestID, "approval_id", outbound.ApprovalID(), "channel", outbound.Channel, "chat_id", outbound.ChatID, "error", err)
	}
}

func dedupKey(msg *bus.OutboundMessage) string {
	if msg.RequestID == "" {
		return ""
	}
	return msg.Channel + "|" + msg.ChatID + "|" + msg.RequestID
}

// claim marks key as sent; false means it was sent within the window.
func (m *Manager) claim(key string) bool {
	if key == "" || m.policy.DedupWindow <= 0 {
		return true
	}
	now := time.Now()
	m.dedupMu.Lock()
	defer m.dedupMu.Unlock()
	for k, at := range m.seen {
		if now.Sub(at) > m.policy.DedupWindow {
			delete(m.seen, k)
		}
	}
	if _, dup := m.seen[key]; dup {
		return false
	}
	m.seen[key] = now
	return true
}

func (m *Manager) release(key string) {
	if key == "" {
		return
	}
	m.dedupMu.Lock()
	delete(m.seen, key)
	m.dedupMu.Unlock()
}

// StopAll stops all channels
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ch := range m.channels {
		_ = ch.Stop(ctx)
	}
}
