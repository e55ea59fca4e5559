package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/chebizarro/nostr-signer/broker"
)

// PromptRequest is an ApprovalRequested signal as seen by a prompter,
// marshalled as (sssss) in ListPending.
type PromptRequest struct {
	AppID     string
	Identity  string
	Kind      string
	Preview   string
	RequestID string
}

// Decision is a prompter's answer.
type Decision struct {
	Approve  bool
	Remember bool
	// TTL bounds a remembered decision. Zero remembers forever.
	TTL time.Duration
}

// PromptFunc asks the user about req.
type PromptFunc func(ctx context.Context, req PromptRequest) (Decision, error)

// Client talks to the signer service.
type Client struct {
	conn   *dbus.Conn
	obj    dbus.BusObject
	dedup  *broker.Deduper
	logger *slog.Logger

	// approve sends ApproveRequest; replaced in tests.
	approve func(ctx context.Context, id string, d Decision) (bool, error)
}

// Dial connects to the session bus.
func Dial() (*Client, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an open connection.
func NewClient(conn *dbus.Conn) *Client {
	c := &Client{
		conn:   conn,
		dedup:  broker.NewDeduper(),
		logger: slog.Default(),
	}
	if conn != nil {
		c.obj = conn.Object(BusName, ObjectPath)
	}
	c.approve = c.ApproveRequest
	return c
}

// SetLogger replaces the logger.
func (c *Client) SetLogger(l *slog.Logger) { c.logger = l }

// Close closes the bus connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, out []any, args ...any) error {
	call := c.obj.CallWithContext(ctx, Interface+"."+method, 0, args...)
	if call.Err != nil {
		return fromDBusError(call.Err)
	}
	if len(out) == 0 {
		return nil
	}
	return call.Store(out...)
}

// SignEvent asks the signer to sign eventJSON. It blocks until the user or a
// remembered policy decides.
func (c *Client) SignEvent(ctx context.Context, eventJSON, identity, appID string) (string, error) {
	var signed string
	err := c.call(ctx, "SignEvent", []any{&signed}, eventJSON, identity, appID)
	return signed, err
}

// ApproveRequest answers a pending request.
func (c *Client) ApproveRequest(ctx context.Context, requestID string, d Decision) (bool, error) {
	if d.TTL < 0 {
		return false, fmt.Errorf("%w: negative ttl", broker.ErrInvalidRequest)
	}
	var ok bool
	err := c.call(ctx, "ApproveRequest", []any{&ok}, requestID, d.Approve, d.Remember, uint64(d.TTL/time.Second))
	return ok, err
}

// StoreKey imports a secret under label. Requires mutations to be enabled.
func (c *Client) StoreKey(ctx context.Context, secret, label string) (string, error) {
	var ok bool
	var npub string
	if err := c.call(ctx, "StoreKey", []any{&ok, &npub}, secret, label); err != nil {
		return "", err
	}
	if !ok {
		return "", errors.New("signer refused to store the key")
	}
	return npub, nil
}

// ClearKey removes the secret of identity. Requires mutations to be enabled.
func (c *Client) ClearKey(ctx context.Context, identity string) error {
	var ok bool
	if err := c.call(ctx, "ClearKey", []any{&ok}, identity); err != nil {
		return err
	}
	if !ok {
		return errors.New("signer refused to clear the key")
	}
	return nil
}

// ListAccounts returns the enrolled identities.
func (c *Client) ListAccounts(ctx context.Context) ([]AccountInfo, error) {
	var list []AccountInfo
	err := c.call(ctx, "ListAccounts", []any{&list})
	return list, err
}

// SetActive selects the identity used when callers give none.
func (c *Client) SetActive(ctx context.Context, id string) error {
	var ok bool
	return c.call(ctx, "SetActive", []any{&ok}, id)
}

// GetPublicKey returns the active npub.
func (c *Client) GetPublicKey(ctx context.Context) (string, error) {
	var npub string
	err := c.call(ctx, "GetPublicKey", []any{&npub})
	return npub, err
}

// GetRelays returns the active identity's relay list as JSON.
func (c *Client) GetRelays(ctx context.Context) (string, error) {
	var js string
	err := c.call(ctx, "GetRelays", []any{&js})
	return js, err
}

// ListPending returns the requests waiting for a decision.
func (c *Client) ListPending(ctx context.Context) ([]PromptRequest, error) {
	var list []PromptRequest
	err := c.call(ctx, "ListPending", []any{&list})
	return list, err
}

// Serve subscribes to approval signals and calls prompt once per request id
// until ctx is done. Requests already pending when Serve starts are prompted
// too. Repeated ApprovalRequested signals for a request that is already being
// handled are dropped.
func (c *Client) Serve(ctx context.Context, prompt PromptFunc) error {
	for _, member := range []string{SignalApprovalRequested, SignalApprovalCompleted} {
		if err := c.conn.AddMatchSignal(
			dbus.WithMatchObjectPath(ObjectPath),
			dbus.WithMatchInterface(Interface),
			dbus.WithMatchMember(member),
		); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", member, err)
		}
	}
	signals := make(chan *dbus.Signal, 32)
	c.conn.Signal(signals)
	defer c.conn.RemoveSignal(signals)

	pending, err := c.ListPending(ctx)
	if err != nil {
		c.logger.Warn("failed to list pending requests", "error", err)
	}
	for _, req := range pending {
		c.offer(ctx, req, prompt)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return errors.New("bus connection closed")
			}
			c.dispatch(ctx, sig, prompt)
		}
	}
}

func (c *Client) dispatch(ctx context.Context, sig *dbus.Signal, prompt PromptFunc) {
	switch sig.Name {
	case Interface + "." + SignalApprovalRequested:
		req, ok := parseApprovalRequested(sig.Body)
		if !ok {
			c.logger.Warn("malformed approval request signal", "body", len(sig.Body))
			return
		}
		c.offer(ctx, req, prompt)
	case Interface + "." + SignalApprovalCompleted:
		if len(sig.Body) == 2 {
			if id, ok := sig.Body[0].(string); ok {
				c.dedup.Done(id)
			}
		}
	}
}

// offer prompts for req unless it is already being handled.
func (c *Client) offer(ctx context.Context, req PromptRequest, prompt PromptFunc) {
	if !c.dedup.Add(req.RequestID) {
		c.logger.Debug("duplicate approval request dropped", "request_id", req.RequestID)
		return
	}
	go c.handle(ctx, req, prompt)
}

func (c *Client) handle(ctx context.Context, req PromptRequest, prompt PromptFunc) {
	d, err := prompt(ctx, req)
	if err != nil {
		c.logger.Warn("prompt failed", "request_id", req.RequestID, "error", err)
		c.dedup.Done(req.RequestID)
		return
	}
	ok, err := c.approve(ctx, req.RequestID, d)
	if err != nil {
		c.logger.Warn("failed to answer request", "request_id", req.RequestID, "error", err)
		c.dedup.Done(req.RequestID)
		return
	}
	if !ok {
		// expired or answered elsewhere; no completion signal will follow
		c.dedup.Done(req.RequestID)
	}
}

func parseApprovalRequested(body []any) (PromptRequest, bool) {
	if len(body) != 5 {
		return PromptRequest{}, false
	}
	var fields [5]string
	for i, v := range body {
		s, ok := v.(string)
		if !ok {
			return PromptRequest{}, false
		}
		fields[i] = s
	}
	return PromptRequest{
		AppID:     fields[0],
		Identity:  fields[1],
		Kind:      fields[2],
		Preview:   fields[3],
		RequestID: fields[4],
	}, true
}
