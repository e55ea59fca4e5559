package relays

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chebizarro/nostr-signer/crypto"
)

var (
	ErrNoRelays    = errors.New("no write relays configured")
	ErrNotAccepted = errors.New("no relay accepted the event")
)

// Publisher sends signed events to the write relays of their author.
type Publisher struct {
	store   *Store
	dialer  *websocket.Dialer
	timeout time.Duration
	logger  *slog.Logger
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithTimeout bounds each relay exchange. Defaults to 10s.
func WithTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.timeout = d }
}

// WithPublisherLogger sets the logger.
func WithPublisherLogger(l *slog.Logger) PublisherOption {
	return func(p *Publisher) { p.logger = l }
}

// NewPublisher creates a Publisher reading relay lists from store.
func NewPublisher(store *Store, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		store:   store,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		timeout: 10 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Result is the answer of one relay.
type Result struct {
	URL      string
	Accepted bool
	Message  string
	Err      error
}

// Publish sends eventJSON to every write relay of its author and succeeds if
// at least one relay accepts it.
func (p *Publisher) Publish(ctx context.Context, eventJSON string) error {
	results, err := p.PublishAll(ctx, eventJSON)
	if err != nil {
		return err
	}
	for _, r := range results {
		if r.Accepted {
			return nil
		}
	}
	return ErrNotAccepted
}

// PublishAll sends eventJSON to every write relay concurrently and returns one
// Result per relay.
func (p *Publisher) PublishAll(ctx context.Context, eventJSON string) ([]Result, error) {
	ev, err := crypto.ParseEvent(eventJSON)
	if err != nil {
		return nil, err
	}
	if ev.ID == "" || ev.Sig == "" {
		return nil, fmt.Errorf("%w: event is not signed", crypto.ErrInvalidEvent)
	}
	pk, err := crypto.ParsePublicKey(ev.PubKey)
	if err != nil {
		return nil, err
	}
	urls, err := p.store.WriteURLs(pk.NPub())
	if err != nil {
		return nil, err
	}
	if len(urls) == 0 {
		return nil, ErrNoRelays
	}

	msg, err := json.Marshal([]any{"EVENT", json.RawMessage(ev.JSON())})
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(urls))
	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			results[i] = p.send(ctx, u, ev.ID, msg)
			if results[i].Err != nil {
				p.logger.Warn("relay publish failed", "relay", u, "error", results[i].Err)
			}
		}(i, u)
	}
	wg.Wait()
	return results, nil
}

func (p *Publisher) send(ctx context.Context, url, eventID string, msg []byte) Result {
	res := Result{URL: url}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, _, err := p.dialer.DialContext(ctx, url, nil)
	if err != nil {
		res.Err = fmt.Errorf("failed to connect: %w", err)
		return res
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	conn.SetWriteDeadline(deadline)
	conn.SetReadDeadline(deadline)

	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		res.Err = fmt.Errorf("failed to send event: %w", err)
		return res
	}

	for {
		var frame []json.RawMessage
		if err := conn.ReadJSON(&frame); err != nil {
			res.Err = fmt.Errorf("failed to read reply: %w", err)
			return res
		}
		if len(frame) < 3 {
			continue
		}
		var label, id string
		if json.Unmarshal(frame[0], &label) != nil || label != "OK" {
			continue
		}
		if json.Unmarshal(frame[1], &id) != nil || id != eventID {
			continue
		}
		json.Unmarshal(frame[2], &res.Accepted)
		if len(frame) > 3 {
			json.Unmarshal(frame[3], &res.Message)
		}
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return res
	}
}
