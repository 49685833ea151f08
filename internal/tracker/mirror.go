// Package tracker mirrors approval request state into an external tracker
// over HTTP.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/felixgeelhaar/fortify/circuitbreaker"

	"github.com/MEKXH/quorum/internal/approval"
	"github.com/MEKXH/quorum/internal/config"
	"github.com/MEKXH/quorum/internal/directory"
)

const (
	defaultTimeout          = 10 * time.Second
	defaultFailureThreshold = 5
	defaultOpenTimeout      = 30 * time.Second
	userAgent               = "quorum-tracker/1.0"

	// terminalMemory bounds how many resolved ids are remembered.
	terminalMemory = 4096
)

// Annotator stores the tracker's link for a request.
type Annotator interface {
	AttachExternalRef(ctx context.Context, requestID, ref string) error
}

// Record is the JSON body sent for every transition.
type Record struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Environment string         `json:"environment"`
	Title       string         `json:"title"`
	Requester   string         `json:"requester"`
	Emergency   bool           `json:"emergency,omitempty"`
	Status      string         `json:"status"`
	Approvals   []string       `json:"approvals"`
	Rejections  []string       `json:"rejections"`
	Groups      []string       `json:"groups"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type response struct {
	URL string `json:"url"`
}

// Mirror upserts request state with PUT {base}/requests/{id}. Repeating a
// call for the same state is harmless, and once a terminal state was sent
// for an id a later non-terminal record for it is dropped. Consecutive
// failures open a circuit breaker so a dead tracker is not hit on every
// transition.
type Mirror struct {
	baseURL string
	token   string
	client  *http.Client
	breaker circuitbreaker.CircuitBreaker[string]

	mu        sync.RWMutex
	annotator Annotator

	resolvedMu    sync.Mutex
	resolved      map[string]struct{}
	resolvedOrder []string
}

// New creates a mirror from tracker settings.
func New(cfg config.TrackerConfig) *Mirror {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Mirror{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		token:   strings.TrimSpace(cfg.Token),
		client:  &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New[string](circuitbreaker.Config{
			MaxRequests: 1,
			Interval:    defaultOpenTimeout,
			Timeout:     defaultOpenTimeout,
			ReadyToTrip: func(counts circuitbreaker.Counts) bool {
				return counts.ConsecutiveFailures >= defaultFailureThreshold
			},
		}),
		resolved: make(map[string]struct{}),
	}
}

// SetAnnotator wires the engine that receives tracker links. The engine
// owns the dispatcher that calls the mirror, so this happens after both exist.
func (m *Mirror) SetAnnotator(a Annotator) {
	m.mu.Lock()
	m.annotator = a
	m.mu.Unlock()
}

// BreakerState reports the circuit breaker state.
func (m *Mirror) BreakerState() string {
	return m.breaker.State().String()
}

func (m *Mirror) NotifyCreated(context.Context, *approval.Request, []directory.Approver) error {
	return nil
}

func (m *Mirror) NotifyResolved(context.Context, *approval.Request, *approval.Decision) error {
	return nil
}

func (m *Mirror) NotifyEscalation(context.Context, *approval.Request, approval.EscalationNotice) error {
	return nil
}

// MirrorExternalState pushes the request's current state.
func (m *Mirror) MirrorExternalState(ctx context.Context, req *approval.Request) error {
	if m.baseURL == "" {
		return nil
	}
	if !m.admit(req) {
		slog.Debug("dropping stale tracker record", "request_id", req.ID, "status", req.Status)
		return nil
	}
	payload, err := json.Marshal(NewRecord(req))
	if err != nil {
		return fmt.Errorf("encode tracker record: %w", err)
	}

	link, err := m.breaker.Execute(ctx, func(ctx context.Context) (string, error) {
		return m.put(ctx, req.ID, payload)
	})
	if err != nil {
		return fmt.Errorf("mirror %s: %w", req.ID, err)
	}
	if link == "" {
		return nil
	}

	m.mu.RLock()
	annotator := m.annotator
	m.mu.RUnlock()
	if annotator == nil {
		return nil
	}
	return annotator.AttachExternalRef(ctx, req.ID, link)
}

// admit reports whether req may be sent, and remembers terminal ids.
func (m *Mirror) admit(req *approval.Request) bool {
	m.resolvedMu.Lock()
	defer m.resolvedMu.Unlock()
	_, done := m.resolved[req.ID]
	if !req.Status.Terminal() {
		return !done
	}
	if !done {
		m.resolved[req.ID] = struct{}{}
		m.resolvedOrder = append(m.resolvedOrder, req.ID)
		if len(m.resolvedOrder) > terminalMemory {
			delete(m.resolved, m.resolvedOrder[0])
			m.resolvedOrder = m.resolvedOrder[1:]
		}
	}
	return true
}

func (m *Mirror) put(ctx context.Context, id string, payload []byte) (string, error) {
	endpoint := m.baseURL + "/requests/" + url.PathEscape(id)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	if m.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+m.token)
	}

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("tracker returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out response
	if len(bytes.TrimSpace(body)) == 0 {
		return "", nil
	}
	if err := json.Unmarshal(body, &out); err != nil {
		// Non-JSON success bodies carry no link.
		return "", nil
	}
	return strings.TrimSpace(out.URL), nil
}

// NewRecord flattens a request into the tracker body.
func NewRecord(req *approval.Request) Record {
	rec := Record{
		ID:          req.ID,
		Type:        req.Type,
		Environment: req.Environment,
		Title:       req.Title,
		Requester:   req.Requester,
		Emergency:   req.Emergency,
		Status:      string(req.Status),
		Approvals:   make([]string, 0, len(req.Approvals)),
		Rejections:  make([]string, 0, len(req.Rejections)),
		Groups:      append([]string(nil), req.Required.Groups...),
		CreatedAt:   req.CreatedAt,
		ExpiresAt:   req.ExpiresAt,
		ResolvedAt:  req.ResolvedAt(),
		Metadata:    req.Metadata,
	}
	for _, d := range req.Approvals {
		rec.Approvals = append(rec.Approvals, d.ApproverID)
	}
	for _, d := range req.Rejections {
		rec.Rejections = append(rec.Rejections, d.ApproverID)
	}
	return rec
}
