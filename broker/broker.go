// Package broker coordinates signing requests from client applications.
//
// A request is either decided by a remembered policy or parked in the pending
// table while a prompter is asked. The caller of SignEvent blocks until the
// prompter answers through Approve, the request deadline passes, the request
// is cancelled, or the caller's context ends.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/chebizarro/nostr-signer/accounts"
	"github.com/chebizarro/nostr-signer/crypto"
	"github.com/chebizarro/nostr-signer/executor"
	"github.com/chebizarro/nostr-signer/history"
)

// Broker errors. Signing failures are passed through from the Signer.
var (
	ErrDenied         = errors.New("request denied")
	ErrNoIdentity     = errors.New("no identity available")
	ErrTimeout        = errors.New("approval timed out")
	ErrAborted        = errors.New("request aborted")
	ErrInvalidRequest = errors.New("invalid request")
	ErrDuplicate      = errors.New("request already pending")
	ErrClosed         = errors.New("broker is closed")
)

// KindSignEvent is the request kind shown to prompters for event signing.
const KindSignEvent = "sign-event"

// previewLen bounds the content preview in runes.
const previewLen = 100

// Policy is the remembered-decision store.
type Policy interface {
	Get(appID, identity string) (allow, found bool)
	SetWithTTL(appID, identity string, allow bool, ttl time.Duration) error
	Save() error
}

// Signer signs event JSON for an identity.
type Signer interface {
	SignEvent(ctx context.Context, eventJSON, npub string) (string, error)
}

// Identities resolves the identity to use when the client gives none.
type Identities interface {
	Active() (string, bool)
	List() []accounts.Account
}

// Emitter publishes broker signals to prompters.
type Emitter interface {
	ApprovalRequested(req Request)
	ApprovalCompleted(requestID string, approved bool)
}

// Recorder stores an audit trail of requests.
type Recorder interface {
	Record(ctx context.Context, e history.Entry) (history.Entry, error)
}

// Request is a pending approval as shown to prompters.
type Request struct {
	ID        string
	AppID     string
	Identity  string
	Kind      string
	Preview   string
	Payload   string
	EventKind int
	Deadline  time.Time
}

// SignRequest is the input of SignEvent.
type SignRequest struct {
	EventJSON string
	// Identity may be empty to use the active identity.
	Identity string
	AppID    string
	// RequestID is generated when empty.
	RequestID string
}

type decision struct {
	approve bool
	err     error
}

type pending struct {
	req   Request
	reply chan decision
	timer *time.Timer
}

// Broker is safe for concurrent use.
type Broker struct {
	policy     Policy
	signer     Signer
	identities Identities
	emitter    Emitter
	recorder   Recorder
	metrics    *Metrics
	pool       *executor.Pool
	logger     *slog.Logger
	timeout    time.Duration
	now        func() time.Time

	mu      sync.Mutex
	pending map[string]*pending
	closed  bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithEmitter sets the signal sink.
func WithEmitter(e Emitter) Option { return func(b *Broker) { b.emitter = e } }

// WithRecorder enables request history.
func WithRecorder(r Recorder) Option { return func(b *Broker) { b.recorder = r } }

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option { return func(b *Broker) { b.metrics = m } }

// WithPool runs signing on p instead of the calling goroutine.
func WithPool(p *executor.Pool) Option { return func(b *Broker) { b.pool = p } }

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(b *Broker) { b.logger = l } }

// WithTimeout sets how long a prompted request waits. Zero waits forever.
func WithTimeout(d time.Duration) Option { return func(b *Broker) { b.timeout = d } }

// WithClock overrides time.Now for deadlines and history timestamps.
func WithClock(now func() time.Time) Option { return func(b *Broker) { b.now = now } }

// New creates a Broker.
func New(policy Policy, signer Signer, identities Identities, opts ...Option) *Broker {
	b := &Broker{
		policy:     policy,
		signer:     signer,
		identities: identities,
		logger:     slog.Default(),
		timeout:    5 * time.Minute,
		now:        time.Now,
		pending:    make(map[string]*pending),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetEmitter replaces the signal sink. The IPC service is built after the
// broker, so it attaches itself here.
func (b *Broker) SetEmitter(e Emitter) {
	b.mu.Lock()
	b.emitter = e
	b.mu.Unlock()
}

func (b *Broker) emitterLocked() Emitter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.emitter
}

func (b *Broker) resolveIdentity(hint string) (string, error) {
	if hint != "" {
		npub, err := crypto.NormalizePublicKey(hint)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return npub, nil
	}
	if id, ok := b.identities.Active(); ok {
		return id, nil
	}
	if list := b.identities.List(); len(list) > 0 {
		return list[0].ID, nil
	}
	return "", ErrNoIdentity
}

// Preview renders the prompter preview of an event: the start of its
// content, or its kind when the content is empty.
func Preview(ev *crypto.Event) string {
	if ev.Content == "" {
		return fmt.Sprintf("Event kind %d", ev.Kind)
	}
	if utf8.RuneCountInString(ev.Content) <= previewLen {
		return ev.Content
	}
	r := []rune(ev.Content)
	return string(r[:previewLen])
}

// SignEvent signs req.EventJSON once the request is approved by policy or
// by a prompter, and returns the signed event JSON.
func (b *Broker) SignEvent(ctx context.Context, sr SignRequest) (string, error) {
	ev, err := crypto.ParseEvent(sr.EventJSON)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	identity, err := b.resolveIdentity(sr.Identity)
	if err != nil {
		b.finish(ctx, Request{AppID: sr.AppID, EventKind: ev.Kind}, "", err)
		return "", err
	}

	req := Request{
		ID:        sr.RequestID,
		AppID:     sr.AppID,
		Identity:  identity,
		Kind:      KindSignEvent,
		Preview:   Preview(ev),
		Payload:   sr.EventJSON,
		EventKind: ev.Kind,
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	logger := b.logger.With("request_id", req.ID, "app_id", req.AppID, "identity", identity)

	if allow, found := b.policy.Get(sr.AppID, identity); found {
		logger.Debug("request decided by policy", "allow", allow)
		b.metrics.policyDecision(allow)
		if !allow {
			b.finish(ctx, req, "", ErrDenied)
			return "", ErrDenied
		}
		return b.sign(ctx, req)
	}

	p, err := b.park(req)
	if err != nil {
		return "", err
	}
	logger.Info("approval requested", "kind", req.Kind)
	if e := b.emitterLocked(); e != nil {
		e.ApprovalRequested(p.req)
	}

	start := b.now()
	var d decision
	select {
	case d = <-p.reply:
	case <-ctx.Done():
		if b.remove(req.ID) != nil {
			d = decision{err: fmt.Errorf("%w: %v", ErrAborted, ctx.Err())}
		} else {
			// Approve or the deadline won the race; take its decision.
			d = <-p.reply
		}
	}
	b.metrics.observeWait(b.now().Sub(start))

	if d.err != nil {
		logger.Info("request not completed", "error", d.err)
		b.finish(ctx, req, "", d.err)
		return "", d.err
	}
	if !d.approve {
		b.finish(ctx, req, "", ErrDenied)
		return "", ErrDenied
	}
	return b.sign(ctx, req)
}

func (b *Broker) park(req Request) (*pending, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if _, ok := b.pending[req.ID]; ok {
		b.logger.Debug("dropping duplicate request", "request_id", req.ID)
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, req.ID)
	}
	p := &pending{req: req, reply: make(chan decision, 1)}
	if b.timeout > 0 {
		p.req.Deadline = b.now().Add(b.timeout)
		id := req.ID
		p.timer = time.AfterFunc(b.timeout, func() { b.expire(id) })
	}
	b.pending[req.ID] = p
	b.metrics.setPending(len(b.pending))
	return p, nil
}

// remove takes the entry out of the table and stops its timer. It returns nil
// if the entry was already gone.
func (b *Broker) remove(id string) *pending {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[id]
	if !ok {
		return nil
	}
	delete(b.pending, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	b.metrics.setPending(len(b.pending))
	return p
}

func (b *Broker) expire(id string) {
	if p := b.remove(id); p != nil {
		b.logger.Info("approval timed out", "request_id", id)
		p.reply <- decision{err: ErrTimeout}
	}
}

func (b *Broker) sign(ctx context.Context, req Request) (string, error) {
	var (
		signed string
		err    error
	)
	if b.pool != nil {
		signed, err = executor.Run(ctx, b.pool, func(ctx context.Context) (string, error) {
			return b.signer.SignEvent(ctx, req.Payload, req.Identity)
		})
	} else {
		signed, err = b.signer.SignEvent(ctx, req.Payload, req.Identity)
	}
	if err != nil {
		b.logger.Error("signing failed", "request_id", req.ID, "identity", req.Identity, "error", err)
		b.finish(ctx, req, "", err)
		return "", err
	}
	eventID := ""
	if ev, perr := crypto.ParseEvent(signed); perr == nil {
		eventID = ev.ID
	}
	b.finish(ctx, req, eventID, nil)
	return signed, nil
}

// Approve answers a pending request. It reports false when requestID is not
// pending. When remember is set and the request has an identity, the decision
// is stored for ttl (zero means forever).
func (b *Broker) Approve(requestID string, approve, remember bool, ttl time.Duration) bool {
	p := b.remove(requestID)
	if p == nil {
		return false
	}

	if remember && p.req.Identity != "" {
		if err := b.policy.SetWithTTL(p.req.AppID, p.req.Identity, approve, ttl); err != nil {
			b.logger.Warn("failed to remember decision", "request_id", requestID, "error", err)
		} else if err := b.policy.Save(); err != nil {
			b.logger.Error("failed to save policy", "error", err)
		}
	}

	if e := b.emitterLocked(); e != nil {
		e.ApprovalCompleted(requestID, approve)
	}
	p.reply <- decision{approve: approve}
	return true
}

// Cancel aborts a pending request. It reports false when requestID is not pending.
func (b *Broker) Cancel(requestID string) bool {
	p := b.remove(requestID)
	if p == nil {
		return false
	}
	p.reply <- decision{err: ErrAborted}
	return true
}

// Pending returns a snapshot of the pending requests, oldest deadline first.
func (b *Broker) Pending() []Request {
	b.mu.Lock()
	out := make([]Request, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.req)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Deadline.Equal(out[j].Deadline) {
			return out[i].Deadline.Before(out[j].Deadline)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Close aborts every pending request and rejects new ones.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.Cancel(id)
	}
}

func resultOf(err error) history.Result {
	switch {
	case err == nil:
		return history.ResultSuccess
	case errors.Is(err, ErrDenied):
		return history.ResultDenied
	case errors.Is(err, ErrTimeout):
		return history.ResultTimeout
	case errors.Is(err, ErrAborted):
		return history.ResultAborted
	default:
		return history.ResultError
	}
}

func (b *Broker) finish(ctx context.Context, req Request, eventID string, err error) {
	result := resultOf(err)
	b.metrics.request(result)
	if b.recorder == nil {
		return
	}
	// the caller's context may already be done; the record should still land
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_, rerr := b.recorder.Record(rctx, history.Entry{
		Timestamp:      b.now(),
		EventID:        eventID,
		EventKind:      req.EventKind,
		ClientApp:      req.AppID,
		Identity:       req.Identity,
		Method:         "sign_event",
		Result:         result,
		ContentPreview: req.Preview,
	})
	if rerr != nil {
		b.logger.Warn("failed to record request history", "error", rerr)
	}
}
