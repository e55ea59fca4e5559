// Package ipc exposes the signer on the D-Bus session bus and provides the
// client used by prompters and command line tools.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/chebizarro/nostr-signer/accounts"
	"github.com/chebizarro/nostr-signer/broker"
	"github.com/chebizarro/nostr-signer/relays"
)

// Bus coordinates of the signer.
const (
	BusName    = "org.nostr.Signer"
	ObjectPath = dbus.ObjectPath("/org/nostr/signer")
	Interface  = "org.nostr.Signer"
)

// Signal names.
const (
	SignalApprovalRequested = "ApprovalRequested"
	SignalApprovalCompleted = "ApprovalCompleted"
	SignalAccountsChanged   = "AccountsChanged"
	SignalRelaysChanged     = "RelaysChanged"
)

// maxTTL is the longest remembered decision accepted from ApproveRequest.
const maxTTL = time.Duration(1<<63 - 1)

// AccountInfo is one element of ListAccounts, marshalled as (ssbbs).
type AccountInfo struct {
	ID        string
	Label     string
	HasSecret bool
	WatchOnly bool
	KeyType   string
}

// Accounts is the part of the accounts store the service uses.
type Accounts interface {
	List() []accounts.Account
	Active() (string, bool)
	SetActive(id string) error
	ImportKey(secret, label string) (string, error)
	Remove(id string) error
	Subscribe(fn func(accounts.Change)) (cancel func())
}

// Secrets clears stored secrets.
type Secrets interface {
	Clear(npub string) error
}

// Broker is the approval broker.
type Broker interface {
	SignEvent(ctx context.Context, sr broker.SignRequest) (string, error)
	Approve(requestID string, approve, remember bool, ttl time.Duration) bool
	Pending() []broker.Request
	SetEmitter(e broker.Emitter)
}

// Relays serves relay lists as JSON.
type Relays interface {
	JSON(identity string) (string, error)
}

// Service owns the bus name and dispatches method calls.
type Service struct {
	broker    Broker
	accounts  Accounts
	secrets   Secrets
	relays    Relays
	mutations *Mutations
	metrics   *Metrics
	logger    *slog.Logger

	// emit sends a signal; replaced in tests.
	emit func(member string, args ...any) error

	mu       sync.Mutex
	inflight map[string]map[uint64]context.CancelFunc
	nextCall uint64
	base     context.Context
}

// Option configures a Service.
type Option func(*Service)

// WithRelays enables GetRelays.
func WithRelays(r Relays) Option { return func(s *Service) { s.relays = r } }

// WithMutations sets the StoreKey/ClearKey capability. Without it mutations
// are disabled.
func WithMutations(m *Mutations) Option { return func(s *Service) { s.mutations = m } }

// WithMetrics records call counters.
func WithMetrics(m *Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// NewService creates a Service. It registers itself as the broker's emitter.
func NewService(b Broker, accts Accounts, secrets Secrets, opts ...Option) *Service {
	s := &Service{
		broker:   b,
		accounts: accts,
		secrets:  secrets,
		logger:   slog.Default(),
		emit:     func(string, ...any) error { return nil },
		inflight: make(map[string]map[uint64]context.CancelFunc),
		base:     context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	b.SetEmitter(s)
	return s
}

// Serve exports the service on conn, claims BusName and runs until ctx is
// done. It returns ErrNameTaken when another process owns the name.
func (s *Service) Serve(ctx context.Context, conn *dbus.Conn) error {
	obj := &object{s: s}
	if err := conn.Export(obj, ObjectPath, Interface); err != nil {
		return fmt.Errorf("failed to export object: %w", err)
	}
	if err := conn.Export(introspect.NewIntrospectable(introspectNode()), ObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("failed to export introspection: %w", err)
	}
	defer conn.Export(nil, ObjectPath, Interface)

	reply, err := conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("failed to request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("%w: %s", ErrNameTaken, BusName)
	}
	defer conn.ReleaseName(BusName)

	// senders that drop off the bus abort their pending calls
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		return fmt.Errorf("failed to watch bus names: %w", err)
	}
	signals := make(chan *dbus.Signal, 32)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.base = ctx
	s.emit = func(member string, args ...any) error {
		return conn.Emit(ObjectPath, Interface+"."+member, args...)
	}
	s.mu.Unlock()

	unsubscribe := s.accounts.Subscribe(s.accountsChanged)
	defer unsubscribe()

	s.logger.Info("signer service ready", "bus_name", BusName, "path", string(ObjectPath))
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return errors.New("bus connection closed")
			}
			if sig.Name != "org.freedesktop.DBus.NameOwnerChanged" || len(sig.Body) != 3 {
				continue
			}
			name, _ := sig.Body[0].(string)
			newOwner, _ := sig.Body[2].(string)
			if newOwner == "" {
				s.senderGone(name)
			}
		}
	}
}

// ApprovalRequested implements broker.Emitter.
func (s *Service) ApprovalRequested(req broker.Request) {
	s.signal(SignalApprovalRequested, req.AppID, req.Identity, req.Kind, req.Preview, req.ID)
}

func promptRequest(r broker.Request) PromptRequest {
	return PromptRequest{AppID: r.AppID, Identity: r.Identity, Kind: r.Kind, Preview: r.Preview, RequestID: r.ID}
}

// ApprovalCompleted implements broker.Emitter.
func (s *Service) ApprovalCompleted(requestID string, approved bool) {
	s.signal(SignalApprovalCompleted, requestID, approved)
}

func (s *Service) accountsChanged(c accounts.Change) {
	s.signal(SignalAccountsChanged, c.Kind.String(), c.ID)
}

// RelaysChanged tells clients to refetch GetRelays. identity is the npub
// whose list changed, or "" for the global list.
func (s *Service) RelaysChanged(identity string) {
	s.signal(SignalRelaysChanged, identity)
}

func (s *Service) signal(member string, args ...any) {
	s.mu.Lock()
	emit := s.emit
	s.mu.Unlock()
	if err := emit(member, args...); err != nil {
		s.logger.Warn("failed to emit signal", "signal", member, "error", err)
		return
	}
	s.metrics.signal(member)
}

// callContext returns a context cancelled when sender leaves the bus or the
// service stops. release must be called when the call returns.
func (s *Service) callContext(sender string) (ctx context.Context, release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithCancel(s.base)
	id := s.nextCall
	s.nextCall++
	calls, ok := s.inflight[sender]
	if !ok {
		calls = make(map[uint64]context.CancelFunc)
		s.inflight[sender] = calls
	}
	calls[id] = cancel
	return ctx, func() {
		s.mu.Lock()
		delete(calls, id)
		if len(s.inflight[sender]) == 0 {
			delete(s.inflight, sender)
		}
		s.mu.Unlock()
		cancel()
	}
}

func (s *Service) senderGone(sender string) {
	s.mu.Lock()
	calls := s.inflight[sender]
	delete(s.inflight, sender)
	s.mu.Unlock()
	for _, cancel := range calls {
		cancel()
	}
	if len(calls) > 0 {
		s.logger.Info("caller left the bus", "sender", sender, "aborted", len(calls))
	}
	s.mutations.forget(sender)
}

// object carries the exported methods so that only they appear on the bus.
type object struct {
	s *Service
}

func (o *object) done(method string, err error) *dbus.Error {
	de := toDBusError(err)
	if de != nil {
		o.s.logger.Debug("call failed", "method", method, "error", err)
	}
	o.s.metrics.call(method, de)
	return de
}

func (o *object) SignEvent(sender dbus.Sender, eventJSON, identity, appID string) (string, *dbus.Error) {
	ctx, release := o.s.callContext(string(sender))
	defer release()
	if appID == "" {
		appID = string(sender)
	}
	signed, err := o.s.broker.SignEvent(ctx, broker.SignRequest{
		EventJSON: eventJSON,
		Identity:  identity,
		AppID:     appID,
	})
	return signed, o.done("SignEvent", err)
}

func (o *object) ApproveRequest(requestID string, decision, remember bool, ttlSeconds uint64) (bool, *dbus.Error) {
	if ttlSeconds > uint64(maxTTL/time.Second) {
		return false, o.done("ApproveRequest", fmt.Errorf("%w: ttl out of range", broker.ErrInvalidRequest))
	}
	ok := o.s.broker.Approve(requestID, decision, remember, time.Duration(ttlSeconds)*time.Second)
	return ok, o.done("ApproveRequest", nil)
}

func (o *object) ListPending() ([]PromptRequest, *dbus.Error) {
	reqs := o.s.broker.Pending()
	out := make([]PromptRequest, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, promptRequest(r))
	}
	return out, o.done("ListPending", nil)
}

func (o *object) StoreKey(sender dbus.Sender, secret, identity string) (bool, string, *dbus.Error) {
	if err := o.s.mutations.Check(string(sender)); err != nil {
		return false, "", o.done("StoreKey", err)
	}
	npub, err := o.s.accounts.ImportKey(secret, identity)
	if err != nil && npub == "" {
		return false, "", o.done("StoreKey", err)
	}
	if err != nil {
		// stored, but the account file could not be written
		o.s.logger.Warn("key stored without saving accounts", "npub", npub, "error", err)
	}
	return true, npub, o.done("StoreKey", nil)
}

func (o *object) ClearKey(sender dbus.Sender, identity string) (bool, *dbus.Error) {
	if err := o.s.mutations.Check(string(sender)); err != nil {
		return false, o.done("ClearKey", err)
	}
	if err := o.s.secrets.Clear(identity); err != nil {
		return false, o.done("ClearKey", err)
	}
	if err := o.s.accounts.Remove(identity); err != nil && !errors.Is(err, accounts.ErrNotFound) {
		o.s.logger.Warn("secret cleared but account not removed", "identity", identity, "error", err)
	}
	return true, o.done("ClearKey", nil)
}

func (o *object) ListAccounts() ([]AccountInfo, *dbus.Error) {
	list := o.s.accounts.List()
	out := make([]AccountInfo, 0, len(list))
	for _, a := range list {
		out = append(out, AccountInfo{
			ID:        a.ID,
			Label:     a.Label,
			HasSecret: a.HasSecret,
			WatchOnly: a.WatchOnly,
			KeyType:   string(a.KeyType),
		})
	}
	return out, o.done("ListAccounts", nil)
}

func (o *object) SetActive(id string) (bool, *dbus.Error) {
	if err := o.s.accounts.SetActive(id); err != nil {
		return false, o.done("SetActive", err)
	}
	return true, o.done("SetActive", nil)
}

func (o *object) GetPublicKey() (string, *dbus.Error) {
	npub, ok := o.s.accounts.Active()
	if !ok {
		return "", o.done("GetPublicKey", broker.ErrNoIdentity)
	}
	return npub, o.done("GetPublicKey", nil)
}

func (o *object) GetRelays() (string, *dbus.Error) {
	if o.s.relays == nil {
		return "[]", o.done("GetRelays", nil)
	}
	active, _ := o.s.accounts.Active()
	js, err := o.s.relays.JSON(active)
	if err != nil {
		return "", o.done("GetRelays", err)
	}
	return js, o.done("GetRelays", nil)
}

var _ Relays = (*relays.Store)(nil)
