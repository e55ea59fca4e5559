// Package rotation migrates an identity to a freshly generated key and
// produces the signed NIP-41 kind 1776 announcement.
//
// A rotation is driven one state at a time by Step; the driver in this file
// performs each step's effect (key generation, signing, storage, publishing)
// and checks for cancellation between steps.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chebizarro/nostr-signer/accounts"
	"github.com/chebizarro/nostr-signer/crypto"
)

// KindMigration is the NIP-41 key migration event kind.
const KindMigration = 1776

var (
	ErrNoSourceKey    = errors.New("no secret for the identity being rotated")
	ErrGenerateFailed = errors.New("failed to generate new key")
	ErrSignFailed     = errors.New("failed to sign migration event")
	ErrStoreFailed    = errors.New("failed to store new key")
	ErrPublishFailed  = errors.New("failed to publish migration event")
	ErrInvalidParams  = errors.New("invalid rotation parameters")
	ErrCancelled      = errors.New("rotation cancelled")
)

// Secrets is the signing side of the secret store.
type Secrets interface {
	Retrieve(npub string) (*crypto.Secret, error)
	SignEvent(ctx context.Context, eventJSON, npub string) (string, error)
}

// Accounts is the catalog a rotation updates.
type Accounts interface {
	Get(id string) (accounts.Account, bool)
	DisplayName(id string) string
	ImportSecret(sk *crypto.Secret, label string) (string, error)
	SetLabel(id, label string) error
	SetActive(id string) error
}

// Publisher forwards a signed event to relays.
type Publisher interface {
	Publish(ctx context.Context, eventJSON string) error
}

// Options control a rotation. Use DefaultOptions for the usual behavior.
type Options struct {
	// NewLabel names the new account; empty derives it from the old label.
	NewLabel string
	// Publish hands the migration event to the publisher.
	Publish bool
	// KeepOld relabels the old account as migrated.
	KeepOld bool
	// Progress is called on the rotation goroutine when a state is entered.
	Progress func(State)
}

// DefaultOptions publishes and keeps the old account.
func DefaultOptions() Options {
	return Options{Publish: true, KeepOld: true}
}

// Result is the outcome of a finished rotation. NewNPub and MigrationEvent
// are set once the corresponding step has run, even if a later one failed.
type Result struct {
	OldNPub        string
	NewNPub        string
	MigrationEvent string
	Err            error
}

// Engine starts rotations.
type Engine struct {
	secrets   Secrets
	accounts  Accounts
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithClock overrides time.Now for the event timestamp.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine creates an Engine. publisher may be nil, in which case the
// publishing step only logs the event.
func NewEngine(secrets Secrets, accts Accounts, publisher Publisher, opts ...Option) *Engine {
	e := &Engine{
		secrets:   secrets,
		accounts:  accts,
		publisher: publisher,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Rotation is one running rotation.
type Rotation struct {
	engine *Engine
	opts   Options
	logger *slog.Logger

	oldNPub string
	oldHex  string

	newSecret *crypto.Secret
	newPub    crypto.PublicKey
	unsigned  string

	cancelled atomic.Bool
	done      chan struct{}

	mu     sync.Mutex
	state  State
	result Result
}

// Start validates the parameters and runs the rotation of oldNPub on a new
// goroutine. Cancelling ctx has the same effect as Cancel.
func (e *Engine) Start(ctx context.Context, oldNPub string, opts Options) (*Rotation, error) {
	pk, err := crypto.ParsePublicKey(oldNPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	r := &Rotation{
		engine:  e,
		opts:    opts,
		oldNPub: pk.NPub(),
		oldHex:  pk.Hex(),
		done:    make(chan struct{}),
		state:   Idle,
	}
	r.logger = e.logger.With("old_npub", r.oldNPub)
	r.result.OldNPub = r.oldNPub
	go r.run(ctx)
	return r, nil
}

// Rotate runs a rotation to completion.
func (e *Engine) Rotate(ctx context.Context, oldNPub string, opts Options) (Result, error) {
	r, err := e.Start(ctx, oldNPub, opts)
	if err != nil {
		return Result{}, err
	}
	<-r.Done()
	res := r.Result()
	return res, res.Err
}

// Cancel asks the rotation to stop before its next step. Once the new key is
// stored the rotation is committed and runs to completion.
func (r *Rotation) Cancel() {
	r.cancelled.Store(true)
}

// Done is closed when the rotation reaches Complete or Error.
func (r *Rotation) Done() <-chan struct{} {
	return r.done
}

// State returns the current state.
func (r *Rotation) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Result returns the outcome. It is final once Done is closed.
func (r *Rotation) Result() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

func (r *Rotation) run(ctx context.Context) {
	defer close(r.done)
	defer func() {
		// the new key leaves memory whatever the outcome
		r.newSecret.Zero()
		r.newSecret = nil
	}()

	state := Idle
	var (
		out       Outcome
		committed bool
	)
	for {
		if out.Err == nil && !committed && (r.cancelled.Load() || ctx.Err() != nil) {
			out.Err = ErrCancelled
		}
		next, effect := Step(state, out, r.opts.Publish)
		state = next

		r.mu.Lock()
		r.state = state
		if state == Error {
			r.result.Err = out.Err
		}
		r.mu.Unlock()

		if r.opts.Progress != nil {
			r.opts.Progress(state)
		}
		if state.Terminal() {
			if state == Error {
				r.logger.Warn("rotation failed", "error", out.Err)
			} else {
				r.logger.Info("rotation complete", "new_npub", r.result.NewNPub)
			}
			return
		}
		out = Outcome{Err: r.perform(ctx, effect)}
		if effect == EffectStore && out.Err == nil {
			// the new identity is live; publishing no longer follows the caller
			committed = true
			ctx = context.WithoutCancel(ctx)
		}
	}
}

func (r *Rotation) perform(ctx context.Context, effect Effect) error {
	switch effect {
	case EffectGenerate:
		return r.generate()
	case EffectBuildEvent:
		return r.buildEvent()
	case EffectSignOld:
		return r.signOld(ctx)
	case EffectSignNew:
		// No attestation by the new key; the old key's signature is the proof.
		return nil
	case EffectStore:
		return r.store()
	case EffectPublish:
		return r.publish(ctx)
	}
	return nil
}

func (r *Rotation) generate() error {
	old, err := r.engine.secrets.Retrieve(r.oldNPub)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoSourceKey, err)
	}
	old.Zero()

	sk, err := crypto.GenerateSecret()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGenerateFailed, err)
	}
	pk, err := sk.PublicKey()
	if err != nil {
		sk.Zero()
		return fmt.Errorf("%w: %v", ErrGenerateFailed, err)
	}
	r.newSecret = sk
	r.newPub = pk

	r.mu.Lock()
	r.result.NewNPub = pk.NPub()
	r.mu.Unlock()
	return nil
}

// MigrationEvent returns the unsigned kind 1776 announcement from oldHex to newPub.
func MigrationEvent(oldHex string, newPub crypto.PublicKey, createdAt int64) *crypto.Event {
	return &crypto.Event{
		PubKey:    oldHex,
		CreatedAt: createdAt,
		Kind:      KindMigration,
		Tags: crypto.Tags{
			{"p", newPub.Hex(), "", "successor"},
			{"alt", "Key migration announcement"},
		},
		Content: "Migrating to new key: " + newPub.NPub(),
	}
}

func (r *Rotation) buildEvent() error {
	r.unsigned = MigrationEvent(r.oldHex, r.newPub, r.engine.now().Unix()).JSON()
	return nil
}

func (r *Rotation) signOld(ctx context.Context) error {
	signed, err := r.engine.secrets.SignEvent(ctx, r.unsigned, r.oldNPub)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSignFailed, err)
	}
	ev, err := crypto.ParseEvent(signed)
	if err != nil || ev.Sig == "" || ev.ID != ev.ComputeID() {
		return fmt.Errorf("%w: signer returned a malformed event", ErrSignFailed)
	}
	r.mu.Lock()
	r.result.MigrationEvent = signed
	r.mu.Unlock()
	return nil
}

func (r *Rotation) newLabel() string {
	if r.opts.NewLabel != "" {
		return r.opts.NewLabel
	}
	if a, ok := r.engine.accounts.Get(r.oldNPub); ok && a.Label != "" {
		return a.Label + " (rotated)"
	}
	return "Rotated Identity"
}

func (r *Rotation) store() error {
	acc := r.engine.accounts
	label := r.newLabel()

	newNPub, err := acc.ImportSecret(r.newSecret, label)
	// ImportSecret keeps the catalog entry when only the save fails.
	if err != nil && !errors.Is(err, accounts.ErrIO) {
		return fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}
	r.newSecret.Zero()
	r.newSecret = nil

	if r.opts.KeepOld {
		if err := acc.SetLabel(r.oldNPub, acc.DisplayName(r.oldNPub)+" (migrated)"); err != nil {
			r.logger.Warn("failed to relabel old account", "error", err)
		}
	}
	if err := acc.SetActive(newNPub); err != nil {
		r.logger.Warn("failed to activate new account", "new_npub", newNPub, "error", err)
	}
	return nil
}

func (r *Rotation) publish(ctx context.Context) error {
	event := r.Result().MigrationEvent
	if r.engine.publisher == nil {
		r.logger.Info("no publisher configured; migration event not sent", "event", event)
		return nil
	}
	if err := r.engine.publisher.Publish(ctx, event); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Migration is the content of a verified migration event.
type Migration struct {
	OldPubkey string
	NewPubkey string
}

// VerifyMigration checks the shape of a migration event: kind 1776, a p tag
// naming the successor and a signature. It does not verify the signature.
func VerifyMigration(eventJSON string) (Migration, bool) {
	ev, err := crypto.ParseEvent(eventJSON)
	if err != nil || ev.Kind != KindMigration || ev.PubKey == "" || ev.Sig == "" {
		return Migration{}, false
	}
	tag, ok := ev.Tags.Find("p")
	if !ok || len(tag) < 2 || tag[1] == "" {
		return Migration{}, false
	}
	return Migration{OldPubkey: ev.PubKey, NewPubkey: tag[1]}, true
}
