// Package gate implements the Decision Gate component (spec §4.4): the
// Mechanical/Recommended/Confirmed/Arbitrated approval state machine that
// sits between a ready task and its dispatch to an agent. Arbitrated
// approvals are JWTs verified with lestrrat-go/jwx; quorum is "all listed
// stakeholders, one vote each" exactly as spec'd.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/dagexec/internal/dag"
)

// Status is a DecisionRequest's position in its state machine.
type Status int

const (
	StatusPending Status = iota
	StatusApproved
	StatusRejected
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusApproved:
		return "approved"
	case StatusRejected:
		return "rejected"
	case StatusExpired:
		return "expired"
	default:
		return "pending"
	}
}

// Source tags who originated a DecisionRequest (supplemented feature,
// grounded on original_source's confirmation.rs with_source), carried
// through for audit/logging only.
type Source string

const (
	SourceCLI    Source = "cli"
	SourceAPI    Source = "api"
	SourceSystem Source = "system"
)

var (
	ErrNotFound         = errors.New("gate: decision request not found")
	ErrAlreadyVerified  = errors.New("gate: principal already voted")
	ErrUnknownPrincipal = errors.New("gate: principal is not a listed stakeholder")
)

// TokenVerifier verifies an Arbitrated approval token and returns the
// principal it was issued to. The concrete jwx-backed implementation is
// JWTVerifier (jwtverifier.go), which cmd/dagexecd builds from a JWKS URL.
type TokenVerifier interface {
	Verify(token string) (principal string, err error)
}

// Approval records one principal's vote on an Arbitrated request.
type Approval struct {
	Principal string
	At        time.Time
}

// DecisionRequest is spec §4.4's request object plus the Source tagging
// supplement.
type DecisionRequest struct {
	ID        string
	TaskID    string
	RunID     string
	Level     dag.DecisionLevel
	Source    Source
	Status    Status
	CreatedAt time.Time
	ExpiresAt time.Time
	Approvals map[string]Approval
	Decider   string // principal who approved/rejected (Confirmed), empty for Arbitrated/timeout
}

// Result is returned by Wait: the terminal status plus, for a timeout, the
// default action the caller must apply per spec §4.4.
type Result struct {
	Status        Status
	DefaultAction dag.DefaultAction
	TimedOut      bool
}

type waiter struct {
	ch chan Result
}

// Options configures gate-wide timeouts and retention (spec §6).
type Options struct {
	ConfirmedTimeout  time.Duration
	ArbitratedTimeout time.Duration
	RetentionWindow   time.Duration
}

func (o *Options) setDefaults() {
	if o.ConfirmedTimeout <= 0 {
		o.ConfirmedTimeout = 5 * time.Minute
	}
	if o.ArbitratedTimeout <= 0 {
		o.ArbitratedTimeout = 30 * time.Minute
	}
	if o.RetentionWindow <= 0 {
		o.RetentionWindow = 10 * time.Minute
	}
}

// Gate is the Decision Gate component.
type Gate struct {
	mu       sync.Mutex
	requests map[string]*DecisionRequest
	waiters  map[string][]waiter
	verifier TokenVerifier
	opts     Options
}

func New(verifier TokenVerifier, opts Options) *Gate {
	opts.setDefaults()
	return &Gate{
		requests: make(map[string]*DecisionRequest),
		waiters:  make(map[string][]waiter),
		verifier: verifier,
		opts:     opts,
	}
}

// Submit creates a new Pending DecisionRequest for a task and returns it.
// Mechanical-level tasks never go through the gate at all (the executor
// skips straight to dispatch), so Submit is only called for Recommended,
// Confirmed, and Arbitrated levels.
func (g *Gate) Submit(taskID, runID string, level dag.DecisionLevel, source Source) *DecisionRequest {
	now := time.Now()
	req := &DecisionRequest{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		RunID:     runID,
		Level:     level,
		Source:    source,
		Status:    StatusPending,
		CreatedAt: now,
		Approvals: make(map[string]Approval),
	}
	switch level.Kind {
	case dag.LevelRecommended:
		req.ExpiresAt = now.Add(time.Duration(level.TimeoutSecs) * time.Second)
	case dag.LevelConfirmed:
		req.ExpiresAt = now.Add(g.opts.ConfirmedTimeout)
	case dag.LevelArbitrated:
		req.ExpiresAt = now.Add(g.opts.ArbitratedTimeout)
	}

	g.mu.Lock()
	g.requests[req.ID] = req
	g.mu.Unlock()
	return req
}

// Approve records a single-human approval (Confirmed level) or one
// stakeholder's vote (Arbitrated level, after token verification). Returns
// false with no error if the request was not Pending (re-approval is a
// monotone no-op, per spec).
func (g *Gate) Approve(requestID, principal, token string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	req, ok := g.requests[requestID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	if req.Status != StatusPending {
		return false, nil
	}

	if req.Level.Kind == dag.LevelArbitrated {
		if g.verifier != nil {
			verifiedPrincipal, err := g.verifier.Verify(token)
			if err != nil {
				return false, fmt.Errorf("gate: verifying approval token: %w", err)
			}
			principal = verifiedPrincipal
		}
		if !stakeholderListed(req.Level.Stakeholders, principal) {
			return false, fmt.Errorf("%w: %s", ErrUnknownPrincipal, principal)
		}
		if _, voted := req.Approvals[principal]; voted {
			return false, fmt.Errorf("%w: %s", ErrAlreadyVerified, principal)
		}
		req.Approvals[principal] = Approval{Principal: principal, At: time.Now()}
		if quorumMet(req.Level.Stakeholders, req.Approvals) {
			req.Status = StatusApproved
			g.notify(req, Result{Status: StatusApproved})
		}
		return true, nil
	}

	req.Status = StatusApproved
	req.Decider = principal
	g.notify(req, Result{Status: StatusApproved})
	return true, nil
}

func stakeholderListed(stakeholders []string, principal string) bool {
	for _, s := range stakeholders {
		if s == principal {
			return true
		}
	}
	return false
}

func quorumMet(stakeholders []string, approvals map[string]Approval) bool {
	if len(stakeholders) == 0 {
		return false
	}
	for _, s := range stakeholders {
		if _, ok := approvals[s]; !ok {
			return false
		}
	}
	return true
}

// Reject terminates a Pending request as Rejected. Returns false if it was
// not Pending.
func (g *Gate) Reject(requestID, principal string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	req, ok := g.requests[requestID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	if req.Status != StatusPending {
		return false, nil
	}
	req.Status = StatusRejected
	req.Decider = principal
	g.notify(req, Result{Status: StatusRejected})
	return true, nil
}

// Wait suspends until requestID terminalizes (Approved/Rejected/Expired)
// or ctx is cancelled, whichever comes first. A ctx cancellation before
// terminalization returns ctx.Err(); the request itself is left Pending
// for the cleanup sweep to expire later.
func (g *Gate) Wait(ctx context.Context, requestID string) (Result, error) {
	g.mu.Lock()
	req, ok := g.requests[requestID]
	if !ok {
		g.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	if req.Status != StatusPending {
		res := Result{Status: req.Status}
		g.mu.Unlock()
		return res, nil
	}
	ch := make(chan Result, 1)
	g.waiters[requestID] = append(g.waiters[requestID], waiter{ch: ch})
	expiresAt := req.ExpiresAt
	g.mu.Unlock()

	timer := time.NewTimer(time.Until(expiresAt))
	defer timer.Stop()

	select {
	case res := <-ch:
		return res, nil
	case <-timer.C:
		return g.expire(requestID), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (g *Gate) expire(requestID string) Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.requests[requestID]
	if !ok || req.Status != StatusPending {
		if ok {
			return Result{Status: req.Status}
		}
		return Result{Status: StatusExpired, TimedOut: true}
	}
	req.Status = StatusExpired
	res := Result{Status: StatusExpired, TimedOut: true, DefaultAction: req.Level.DefaultAction}
	g.notifyLocked(req, res)
	return res
}

func (g *Gate) notify(req *DecisionRequest, res Result) {
	g.notifyLocked(req, res)
}

func (g *Gate) notifyLocked(req *DecisionRequest, res Result) {
	for _, w := range g.waiters[req.ID] {
		select {
		case w.ch <- res:
		default:
		}
	}
	delete(g.waiters, req.ID)
}

// Get returns a copy of a request's current state.
func (g *Gate) Get(requestID string) (DecisionRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.requests[requestID]
	if !ok {
		return DecisionRequest{}, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	return *req, nil
}

// PendingForRun returns every Pending request belonging to a run, sorted
// by id, for a status/report surface.
func (g *Gate) PendingForRun(runID string) []DecisionRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []DecisionRequest
	for _, req := range g.requests {
		if req.RunID == runID && req.Status == StatusPending {
			out = append(out, *req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Cleanup sweeps terminal requests older than RetentionWindow and expires
// any Pending request whose deadline has passed without a waiter around to
// observe it directly (spec §4.4 "periodic sweep").
func (g *Gate) Cleanup() {
	g.mu.Lock()
	now := time.Now()
	var toExpire []string
	for id, req := range g.requests {
		if req.Status == StatusPending && now.After(req.ExpiresAt) {
			toExpire = append(toExpire, id)
			continue
		}
		if req.Status != StatusPending && now.Sub(req.ExpiresAt) > g.opts.RetentionWindow {
			delete(g.requests, id)
		}
	}
	g.mu.Unlock()

	for _, id := range toExpire {
		g.expire(id)
	}
}

// StartCleanupSweep runs Cleanup on a fixed interval until ctx is done.
func (g *Gate) StartCleanupSweep(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.Cleanup()
			}
		}
	}()
}
