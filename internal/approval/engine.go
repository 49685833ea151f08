package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MEKXH/quorum/internal/config"
	"github.com/MEKXH/quorum/internal/directory"
	"github.com/MEKXH/quorum/internal/policy"
)

const tracerName = "github.com/MEKXH/quorum/internal/approval"

// PolicyResolver computes required approvers for a new request.
type PolicyResolver interface {
	Resolve(environment, approvalType string, emergency bool) (policy.Resolution, error)
}

// ApproverDirectory is the read-only view of approvers the engine needs.
type ApproverDirectory interface {
	Lookup(id string) (directory.Approver, bool)
	Members(groupIDs ...string) []directory.Approver
	MinApprovals(groupID string) int
}

// Scheduler arms and disarms timed callbacks for pending requests.
type Scheduler interface {
	Register(req *Request)
	Cancel(requestID string)
}

// Options configures an Engine.
type Options struct {
	Resolver   PolicyResolver
	Directory  ApproverDirectory
	Store      Store
	Scheduler  Scheduler
	Dispatcher *Dispatcher
	Now        func() time.Time
	NewID      func(approvalType, environment string) string
	Tracer     trace.Tracer
}

// Engine owns the approval request lifecycle.
type Engine struct {
	resolver   PolicyResolver
	dir        ApproverDirectory
	store      Store
	dispatcher *Dispatcher
	now        func() time.Time
	newID      func(approvalType, environment string) string
	tracer     trace.Tracer
	locks      *keyedMutex

	schedMu   sync.RWMutex
	scheduler Scheduler
}

// NewEngine creates an engine. Resolver, Directory and Store are required.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Resolver == nil {
		return nil, fmt.Errorf("approval engine: resolver is required")
	}
	if opts.Directory == nil {
		return nil, fmt.Errorf("approval engine: directory is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("approval engine: store is required")
	}
	e := &Engine{
		resolver:   opts.Resolver,
		dir:        opts.Directory,
		store:      opts.Store,
		scheduler:  opts.Scheduler,
		dispatcher: opts.Dispatcher,
		now:        opts.Now,
		newID:      opts.NewID,
		tracer:     opts.Tracer,
		locks:      newKeyedMutex(),
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = NewRequestID
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	return e, nil
}

// SetScheduler attaches the escalation scheduler. The scheduler calls back
// into the engine, so it is wired after construction.
func (e *Engine) SetScheduler(s Scheduler) {
	e.schedMu.Lock()
	e.scheduler = s
	e.schedMu.Unlock()
}

// Dispatcher returns the effect dispatcher, possibly nil.
func (e *Engine) Dispatcher() *Dispatcher {
	return e.dispatcher
}

// NewRequestID returns "<type>-<env>-<uuid>".
func NewRequestID(approvalType, environment string) string {
	return fmt.Sprintf("%s-%s-%s", slug(approvalType), slug(environment), uuid.NewString())
}

func slug(s string) string {
	s = config.NormalizeName(s)
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
	if s == "" {
		return "x"
	}
	return s
}

// Create resolves policy for in and records a new request. Requests whose
// policy needs no approval come back already APPROVED and go straight to
// history.
func (e *Engine) Create(ctx context.Context, in CreateInput) (_ *Request, err error) {
	ctx, span := e.tracer.Start(ctx, "approval.Create", trace.WithAttributes(
		attribute.String("approval.type", in.Type),
		attribute.String("approval.environment", in.Environment),
		attribute.Bool("approval.emergency", in.Emergency),
	))
	defer func() { endSpan(span, err) }()

	if err := validateCreate(in); err != nil {
		return nil, err
	}
	res, err := e.resolver.Resolve(in.Environment, in.Type, in.Emergency)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	req := &Request{
		ID:          e.newID(in.Type, in.Environment),
		Type:        config.NormalizeName(in.Type),
		Environment: config.NormalizeName(in.Environment),
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		Requester:   strings.TrimSpace(in.Requester),
		Metadata:    copyMetadata(in.Metadata),
		Emergency:   in.Emergency,
		Approvals:   []Decision{},
		Rejections:  []Decision{},
		Status:      StatusPending,
		CreatedAt:   now,
	}
	span.SetAttributes(attribute.String("approval.id", req.ID))

	if res.AutoApproved {
		req.Status = StatusApproved
		req.ApprovedAt = &now
		req.ExpiresAt = now
		req.AutoApproved = true
		req.AutoApproveBasis = res.Reason
		if err := e.store.Archive(ctx, req); err != nil {
			return nil, fmt.Errorf("archive auto-approved request: %w", err)
		}
		slog.Info("approval auto-approved", "id", req.ID, "type", req.Type, "environment", req.Environment, "basis", res.Reason)
		snapshot := req.Clone()
		e.dispatch(
			Effect{Kind: EffectCreated, Request: snapshot},
			Effect{Kind: EffectResolved, Request: snapshot},
			Effect{Kind: EffectMirror, Request: snapshot},
		)
		return req.Clone(), nil
	}

	req.Required = res.Required.Clone()
	req.ExpiresAt = now.Add(res.Timeout)
	req.Escalation = res.Escalation

	unlock := e.locks.Lock(req.ID)
	sched := e.currentScheduler()
	if sched != nil {
		sched.Register(req.Clone())
	}
	if err := e.store.PutActive(ctx, req); err != nil {
		unlock()
		if sched != nil {
			sched.Cancel(req.ID)
		}
		return nil, fmt.Errorf("store request: %w", err)
	}
	snapshot := req.Clone()
	e.dispatch(
		Effect{Kind: EffectCreated, Request: snapshot, Candidates: e.dir.Members(req.Required.Groups...)},
		Effect{Kind: EffectMirror, Request: snapshot},
	)
	unlock()

	slog.Info("approval created",
		"id", req.ID,
		"type", req.Type,
		"environment", req.Environment,
		"mode", req.Required.Mode,
		"threshold", req.Required.Threshold,
		"groups", req.Required.Groups,
		"expires_at", req.ExpiresAt,
	)
	return req.Clone(), nil
}

// SubmitDecision records an approver's verdict and re-evaluates the request.
func (e *Engine) SubmitDecision(ctx context.Context, in DecisionInput) (_ *Request, err error) {
	ctx, span := e.tracer.Start(ctx, "approval.SubmitDecision", trace.WithAttributes(
		attribute.String("approval.id", in.RequestID),
		attribute.String("approval.approver", in.ApproverID),
		attribute.String("approval.verdict", string(in.Verdict)),
	))
	defer func() { endSpan(span, err) }()

	if in.Verdict != VerdictApprove && in.Verdict != VerdictReject {
		return nil, fmt.Errorf("%w: verdict must be %q or %q", ErrInvalidInput, VerdictApprove, VerdictReject)
	}

	unlock := e.locks.Lock(in.RequestID)
	req, err := e.activeOrTerminal(ctx, in.RequestID)
	if err != nil {
		unlock()
		return nil, err
	}

	now := e.now().UTC()
	approver, verr := e.checkApprover(req, in.ApproverID)

	next := req.Clone()
	status := StatusExpired
	var decision *Decision
	if verr == nil {
		decision = &Decision{
			ApproverID: approver.ID,
			Group:      approver.Group,
			Verdict:    in.Verdict,
			Comment:    strings.TrimSpace(in.Comment),
			DecidedAt:  now,
		}
		if in.Verdict == VerdictReject {
			next.Rejections = append(next.Rejections, *decision)
		} else {
			next.Approvals = append(next.Approvals, *decision)
		}
		status = Evaluate(next, now, e.dir)
	}

	// Past the deadline only a decision that resolves the request counts.
	if !now.Before(req.ExpiresAt) && (status == StatusExpired || status == StatusPending) {
		expired, xerr := e.expireLocked(ctx, req, now)
		unlock()
		if xerr != nil {
			return nil, xerr
		}
		e.afterTerminal(expired.ID)
		return nil, notPending(expired)
	}
	if verr != nil {
		unlock()
		return nil, verr
	}

	next.Status = status
	err = e.commitLocked(ctx, next, decision, now)
	unlock()
	if err != nil {
		return nil, err
	}
	if status.Terminal() {
		e.afterTerminal(next.ID)
	}
	slog.Info("approval decision recorded",
		"id", next.ID,
		"approver", decision.ApproverID,
		"verdict", decision.Verdict,
		"status", next.Status,
		"approvals", len(next.Approvals),
	)
	return next.Clone(), nil
}

// Approve is SubmitDecision with an approve verdict.
func (e *Engine) Approve(ctx context.Context, requestID, approverID, comment string) (*Request, error) {
	return e.SubmitDecision(ctx, DecisionInput{RequestID: requestID, ApproverID: approverID, Verdict: VerdictApprove, Comment: comment})
}

// Reject is SubmitDecision with a reject verdict.
func (e *Engine) Reject(ctx context.Context, requestID, approverID, comment string) (*Request, error) {
	return e.SubmitDecision(ctx, DecisionInput{RequestID: requestID, ApproverID: approverID, Verdict: VerdictReject, Comment: comment})
}

// Cancel withdraws a pending request.
func (e *Engine) Cancel(ctx context.Context, requestID, reason string) (_ *Request, err error) {
	ctx, span := e.tracer.Start(ctx, "approval.Cancel", trace.WithAttributes(attribute.String("approval.id", requestID)))
	defer func() { endSpan(span, err) }()

	unlock := e.locks.Lock(requestID)
	req, err := e.activeOrTerminal(ctx, requestID)
	if err != nil {
		unlock()
		return nil, err
	}
	now := e.now().UTC()
	if !now.Before(req.ExpiresAt) {
		expired, xerr := e.expireLocked(ctx, req, now)
		unlock()
		if xerr != nil {
			return nil, xerr
		}
		e.afterTerminal(expired.ID)
		return nil, notPending(expired)
	}

	req.Status = StatusCancelled
	req.CancelReason = strings.TrimSpace(reason)
	err = e.commitLocked(ctx, req, nil, now)
	unlock()
	if err != nil {
		return nil, err
	}
	e.afterTerminal(req.ID)
	slog.Info("approval cancelled", "id", req.ID, "reason", req.CancelReason)
	return req.Clone(), nil
}

// Get returns the request with id from the active set or history. A pending
// request past its deadline is expired before it is returned.
func (e *Engine) Get(ctx context.Context, requestID string) (_ *Request, err error) {
	ctx, span := e.tracer.Start(ctx, "approval.Get", trace.WithAttributes(attribute.String("approval.id", requestID)))
	defer func() { endSpan(span, err) }()

	unlock := e.locks.Lock(requestID)
	req, err := e.store.GetActive(ctx, requestID)
	if errors.Is(err, ErrNotFound) {
		req, err = e.store.GetHistory(ctx, requestID)
		unlock()
		if err != nil {
			return nil, err
		}
		return req, nil
	}
	if err != nil {
		unlock()
		return nil, err
	}

	now := e.now().UTC()
	if req.Status == StatusPending && !now.Before(req.ExpiresAt) {
		expired, xerr := e.expireLocked(ctx, req, now)
		unlock()
		if xerr != nil {
			return nil, xerr
		}
		e.afterTerminal(expired.ID)
		return expired.Clone(), nil
	}
	unlock()
	return req, nil
}

// ListActive returns pending requests, oldest first. Requests found past
// their deadline are expired and left out.
func (e *Engine) ListActive(ctx context.Context) (_ []*Request, err error) {
	ctx, span := e.tracer.Start(ctx, "approval.ListActive")
	defer func() { endSpan(span, err) }()

	reqs, err := e.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	out := make([]*Request, 0, len(reqs))
	for _, req := range reqs {
		if !now.Before(req.ExpiresAt) {
			if err := e.Expire(ctx, req.ID); err != nil {
				return nil, err
			}
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

// ListHistory returns up to limit terminal requests, newest first.
func (e *Engine) ListHistory(ctx context.Context, limit int) (_ []*Request, err error) {
	ctx, span := e.tracer.Start(ctx, "approval.ListHistory", trace.WithAttributes(attribute.Int("approval.limit", limit)))
	defer func() { endSpan(span, err) }()

	return e.store.ListHistory(ctx, limit)
}

// Expire force-expires a pending request. Unknown or already terminal
// requests are left alone.
func (e *Engine) Expire(ctx context.Context, requestID string) (err error) {
	ctx, span := e.tracer.Start(ctx, "approval.Expire", trace.WithAttributes(attribute.String("approval.id", requestID)))
	defer func() { endSpan(span, err) }()

	unlock := e.locks.Lock(requestID)
	req, err := e.store.GetActive(ctx, requestID)
	if errors.Is(err, ErrNotFound) {
		unlock()
		return nil
	}
	if err != nil {
		unlock()
		return err
	}
	if req.Status != StatusPending {
		unlock()
		return nil
	}
	expired, err := e.expireLocked(ctx, req, e.now().UTC())
	unlock()
	if err != nil {
		return err
	}
	e.afterTerminal(expired.ID)
	return nil
}

// Escalate emits a reminder for escalation tier of a pending request. It is
// a no-op once the request is terminal.
func (e *Engine) Escalate(ctx context.Context, requestID string, tier int) (err error) {
	ctx, span := e.tracer.Start(ctx, "approval.Escalate", trace.WithAttributes(
		attribute.String("approval.id", requestID),
		attribute.Int("approval.tier", tier),
	))
	defer func() { endSpan(span, err) }()

	unlock := e.locks.Lock(requestID)
	defer unlock()
	req, err := e.store.GetActive(ctx, requestID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	now := e.now().UTC()
	if req.Status != StatusPending {
		return nil
	}
	if !now.Before(req.ExpiresAt) {
		if _, err := e.expireLocked(ctx, req, now); err != nil {
			return err
		}
		e.afterTerminal(requestID)
		return nil
	}
	if tier < 0 || tier >= len(req.Escalation) {
		return fmt.Errorf("escalation tier %d out of range for %s", tier, requestID)
	}

	groups := req.Escalation[tier].Groups
	if len(groups) == 0 {
		groups = req.Required.Groups
	}
	var pending []directory.Approver
	for _, a := range e.dir.Members(groups...) {
		if !req.HasDecisionFrom(a.ID) {
			pending = append(pending, a)
		}
	}
	notice := &EscalationNotice{
		Tier:      tier + 1,
		Elapsed:   now.Sub(req.CreatedAt),
		Groups:    append([]string(nil), groups...),
		Approvers: pending,
	}
	slog.Info("approval escalated", "id", req.ID, "tier", notice.Tier, "groups", notice.Groups, "elapsed", notice.Elapsed)
	e.dispatch(Effect{Kind: EffectEscalation, Request: req.Clone(), Escalation: notice})
	return nil
}

// AttachExternalRef records an advisory link on the stored request, active
// or archived. Status, decisions and history order are untouched, and an
// already attached ref is ignored.
func (e *Engine) AttachExternalRef(ctx context.Context, requestID, ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return fmt.Errorf("%w: empty external ref", ErrInvalidInput)
	}
	unlock := e.locks.Lock(requestID)
	defer unlock()
	return e.store.AttachRef(ctx, requestID, ref)
}

// Recover re-arms timers for stored pending requests and expires those whose
// deadline passed while the process was down.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	reqs, err := e.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	now := e.now().UTC()
	sched := e.currentScheduler()
	rearmed := 0
	for _, req := range reqs {
		if !now.Before(req.ExpiresAt) {
			if err := e.Expire(ctx, req.ID); err != nil {
				return rearmed, err
			}
			continue
		}
		if sched != nil {
			sched.Register(req.Clone())
		}
		rearmed++
	}
	if rearmed > 0 {
		slog.Info("approval requests recovered", "count", rearmed)
	}
	return rearmed, nil
}

func (e *Engine) activeOrTerminal(ctx context.Context, id string) (*Request, error) {
	req, err := e.store.GetActive(ctx, id)
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	hist, herr := e.store.GetHistory(ctx, id)
	if herr != nil {
		return nil, herr
	}
	return nil, notPending(hist)
}

func (e *Engine) checkApprover(req *Request, approverID string) (directory.Approver, error) {
	approver, ok := e.dir.Lookup(strings.TrimSpace(approverID))
	if !ok {
		return directory.Approver{}, fmt.Errorf("%w: %q", ErrUnknownApprover, approverID)
	}
	allowed := false
	for _, g := range req.Required.Groups {
		if g == approver.Group {
			allowed = true
			break
		}
	}
	if !allowed {
		return directory.Approver{}, fmt.Errorf("%w: %s (group %s) for %s", ErrUnauthorized, approver.ID, approver.Group, req.ID)
	}
	if req.HasDecisionFrom(approver.ID) {
		return directory.Approver{}, fmt.Errorf("%w: %s on %s", ErrDuplicateDecision, approver.ID, req.ID)
	}
	return approver, nil
}

func (e *Engine) expireLocked(ctx context.Context, req *Request, now time.Time) (*Request, error) {
	next := req.Clone()
	next.Status = StatusExpired
	if err := e.commitLocked(ctx, next, nil, now); err != nil {
		return nil, err
	}
	slog.Info("approval expired", "id", next.ID, "approvals", len(next.Approvals), "threshold", next.Required.Threshold)
	return next, nil
}

// commitLocked stamps req for its status, persists it and queues its
// effects. The caller holds the request lock, so effects are queued in
// commit order.
func (e *Engine) commitLocked(ctx context.Context, req *Request, decision *Decision, now time.Time) error {
	if !req.Status.Terminal() {
		if err := e.store.PutActive(ctx, req); err != nil {
			return fmt.Errorf("store request: %w", err)
		}
		e.dispatch(Effect{Kind: EffectMirror, Request: req.Clone()})
		return nil
	}

	stamp := now
	switch req.Status {
	case StatusApproved:
		req.ApprovedAt = &stamp
	case StatusRejected:
		req.RejectedAt = &stamp
	case StatusExpired:
		req.ExpiredAt = &stamp
	case StatusCancelled:
		req.CancelledAt = &stamp
	}
	if err := e.store.Archive(ctx, req); err != nil {
		return fmt.Errorf("archive request: %w", err)
	}
	snapshot := req.Clone()
	var d *Decision
	if decision != nil {
		cp := *decision
		d = &cp
	}
	e.dispatch(
		Effect{Kind: EffectResolved, Request: snapshot, Decision: d},
		Effect{Kind: EffectMirror, Request: snapshot},
	)
	return nil
}

func (e *Engine) afterTerminal(id string) {
	if sched := e.currentScheduler(); sched != nil {
		sched.Cancel(id)
	}
}

func (e *Engine) currentScheduler() Scheduler {
	e.schedMu.RLock()
	defer e.schedMu.RUnlock()
	return e.scheduler
}

func (e *Engine) dispatch(effects ...Effect) {
	e.dispatcher.Dispatch(effects...)
}

func validateCreate(in CreateInput) error {
	switch {
	case strings.TrimSpace(in.Type) == "":
		return fmt.Errorf("%w: type is required", ErrInvalidInput)
	case strings.TrimSpace(in.Environment) == "":
		return fmt.Errorf("%w: environment is required", ErrInvalidInput)
	case strings.TrimSpace(in.Title) == "":
		return fmt.Errorf("%w: title is required", ErrInvalidInput)
	case strings.TrimSpace(in.Requester) == "":
		return fmt.Errorf("%w: requester is required", ErrInvalidInput)
	}
	return nil
}

func copyMetadata(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
