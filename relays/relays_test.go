package relays

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/chebizarro/nostr-signer/crypto"
)

func TestRelayDefaults(t *testing.T) {
	var list []Relay
	require.NoError(t, json.Unmarshal([]byte(`[{"url":"wss://a"},{"url":"wss://b","write":false},{"url":"wss://c","read":false}]`), &list))
	require.Equal(t, []Relay{
		{URL: "wss://a", Read: true, Write: true},
		{URL: "wss://b", Read: true, Write: false},
		{URL: "wss://c", Read: false, Write: true},
	}, list)
}

func TestNormalizeURL(t *testing.T) {
	u, err := NormalizeURL(" wss://relay.example.com/ ")
	require.NoError(t, err)
	require.Equal(t, "wss://relay.example.com", u)

	for _, bad := range []string{"https://x", "relay", "wss://"} {
		_, err := NormalizeURL(bad)
		require.ErrorIs(t, err, ErrInvalidURL, bad)
	}
}

func TestStoreFallsBackToGlobal(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	npub := "npub180cvv07tjdrrgpa0j7j7tmnyl2yr6yr7l8j4s3evf6u64th6gkwsyjh6w6"

	list, err := s.Load(npub)
	require.NoError(t, err)
	require.Empty(t, list)

	require.NoError(t, s.Save("", []Relay{{URL: "wss://global", Read: true, Write: true}}))
	list, err = s.Load(npub)
	require.NoError(t, err)
	require.Equal(t, "wss://global", list[0].URL)

	require.NoError(t, s.Save(npub, []Relay{
		{URL: "wss://mine/", Read: true, Write: true},
		{URL: "wss://readonly", Read: true},
	}))
	urls, err := s.WriteURLs(npub)
	require.NoError(t, err)
	require.Equal(t, []string{"wss://mine"}, urls)

	js, err := s.JSON(npub)
	require.NoError(t, err)
	require.Contains(t, js, `"url":"wss://readonly"`)

	_, err = os.Stat(filepath.Join(dir, "relays", npub+".json"))
	require.NoError(t, err)

	require.ErrorIs(t, s.Save("", []Relay{{URL: "http://nope"}}), ErrInvalidURL)
}

func TestStoreMalformed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "relays.json"), []byte("{"), 0o600))
	_, err := NewStore(dir).Load("")
	require.ErrorIs(t, err, ErrParse)
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, npub := signedEvent(t)
	changed := make(chan string, 16)
	done := make(chan error, 1)
	go func() {
		done <- s.Watch(ctx, func(identity string) { changed <- identity })
	}()

	// the watcher registers asynchronously; keep saving until both lists report
	seen := map[string]bool{}
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for !seen[""] || !seen[npub] {
		select {
		case id := <-changed:
			seen[id] = true
		case <-tick.C:
			require.NoError(t, s.Save("", []Relay{{URL: "wss://a", Read: true, Write: true}}))
			require.NoError(t, s.Save(npub, []Relay{{URL: "wss://b", Read: true, Write: true}}))
		case <-deadline:
			t.Fatalf("missing change notifications, got %v", seen)
		}
	}
	cancel()
	require.NoError(t, <-done)
	for id := range seen {
		require.Contains(t, []string{"", npub}, id)
	}
}

func TestIdentityOf(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	id, ok := s.identityOf(filepath.Join(dir, "relays.json"))
	require.True(t, ok)
	require.Empty(t, id)

	id, ok = s.identityOf(filepath.Join(dir, "relays", "npub1abc.json"))
	require.True(t, ok)
	require.Equal(t, "npub1abc", id)

	_, ok = s.identityOf(filepath.Join(dir, "relays", ".npub1abc.json.tmp123"))
	require.False(t, ok)
	_, ok = s.identityOf(filepath.Join(dir, "config.yaml"))
	require.False(t, ok)
}

func signedEvent(t *testing.T) (string, string) {
	t.Helper()
	sk, err := crypto.GenerateSecret()
	require.NoError(t, err)
	defer sk.Zero()
	pk, err := sk.PublicKey()
	require.NoError(t, err)
	ev := &crypto.Event{Kind: 1, CreatedAt: 1, Content: "hello"}
	require.NoError(t, ev.Sign(sk))
	return ev.JSON(), pk.NPub()
}

// relayServer answers every EVENT with an OK carrying accept.
func relayServer(t *testing.T, accept bool, got chan<- string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var frame []json.RawMessage
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		var ev crypto.Event
		if len(frame) != 2 || json.Unmarshal(frame[1], &ev) != nil {
			return
		}
		if got != nil {
			got <- ev.ID
		}
		conn.WriteJSON([]any{"NOTICE", "hello"})
		conn.WriteJSON([]any{"OK", ev.ID, accept, "msg"})
		conn.ReadMessage()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestPublish(t *testing.T) {
	eventJSON, npub := signedEvent(t)
	got := make(chan string, 2)
	ok := relayServer(t, true, got)
	rejecting := relayServer(t, false, nil)

	s := NewStore(t.TempDir())
	require.NoError(t, s.Save(npub, []Relay{
		{URL: wsURL(ok), Read: true, Write: true},
		{URL: wsURL(rejecting), Read: true, Write: true},
		{URL: "ws://127.0.0.1:1", Read: true, Write: true},
	}))

	p := NewPublisher(s, WithTimeout(3*time.Second))
	results, err := p.PublishAll(context.Background(), eventJSON)
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.True(t, results[0].Accepted)
	require.Equal(t, "msg", results[0].Message)
	require.False(t, results[1].Accepted)
	require.NoError(t, results[1].Err)
	require.Error(t, results[2].Err)

	ev, err := crypto.ParseEvent(eventJSON)
	require.NoError(t, err)
	require.Equal(t, ev.ID, <-got)

	require.NoError(t, p.Publish(context.Background(), eventJSON))
}

func TestPublishNotAccepted(t *testing.T) {
	eventJSON, npub := signedEvent(t)
	rejecting := relayServer(t, false, nil)
	s := NewStore(t.TempDir())
	require.NoError(t, s.Save(npub, []Relay{{URL: wsURL(rejecting), Read: true, Write: true}}))

	require.ErrorIs(t, NewPublisher(s).Publish(context.Background(), eventJSON), ErrNotAccepted)
}

func TestPublishRequiresSignedEventAndRelays(t *testing.T) {
	s := NewStore(t.TempDir())
	p := NewPublisher(s)

	err := p.Publish(context.Background(), `{"kind":1,"pubkey":"","content":""}`)
	require.ErrorIs(t, err, crypto.ErrInvalidEvent)

	eventJSON, _ := signedEvent(t)
	require.ErrorIs(t, p.Publish(context.Background(), eventJSON), ErrNoRelays)
}
