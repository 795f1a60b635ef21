package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/goaltrack/internal/auth"
	"github.com/dukerupert/goaltrack/internal/model"
)

// mockClient creates a Client with a send channel but no real connection.
func mockClient(hub *Hub, userID string) *Client {
	return &Client{
		hub:    hub,
		userID: userID,
		send:   make(chan []byte, sendBufferSize),
	}
}

func receive(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case data := <-c.send:
		var got Message
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return got
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for message")
		return Message{}
	}
}

func TestRegisterUnregister(t *testing.T) {
	hub := NewHub(slog.Default())

	c1 := mockClient(hub, "alice")
	c2 := mockClient(hub, "bob")
	hub.Register(c1)
	hub.Register(c2)

	if got := hub.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}

	hub.Unregister(c1)
	if got := hub.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client after unregister, got %d", got)
	}

	hub.Unregister(c2)
	hub.Unregister(c2)
	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestBroadcastScopedToUser(t *testing.T) {
	hub := NewHub(slog.Default())

	alice1 := mockClient(hub, "alice")
	alice2 := mockClient(hub, "alice")
	bob := mockClient(hub, "bob")
	local := mockClient(hub, "")
	for _, c := range []*Client{alice1, alice2, bob, local} {
		hub.Register(c)
	}

	hub.Broadcast("alice", NewMessage(EntityGoal, "updated", "g1", map[string]any{"title": "Run"}))

	for _, c := range []*Client{alice1, alice2} {
		got := receive(t, c)
		if got.Type != "goal_updated" || got.ID != "g1" || got.Extra["title"] != "Run" {
			t.Errorf("got %+v", got)
		}
	}
	for _, c := range []*Client{bob, local} {
		select {
		case data := <-c.send:
			t.Errorf("user %q received %s", c.userID, data)
		default:
		}
	}
}

func TestBroadcastEmptyHub(t *testing.T) {
	hub := NewHub(slog.Default())
	hub.Broadcast("", NewMessage(EntityData, "cleared", "", nil))
}

func TestBroadcastFullBuffer(t *testing.T) {
	hub := NewHub(slog.Default())

	c := mockClient(hub, "")
	hub.Register(c)

	for i := 0; i < sendBufferSize; i++ {
		hub.Broadcast("", NewMessage(EntityGoal, "updated", "g", nil))
	}
	// Dropped, not blocked.
	hub.Broadcast("", NewMessage(EntityGoal, "deleted", "g", nil))

	if got := len(c.send); got != sendBufferSize {
		t.Errorf("expected %d buffered messages, got %d", sendBufferSize, got)
	}
	hub.Unregister(c)
}

func TestNewMessage(t *testing.T) {
	msg := NewMessage(EntityReview, "saved", "month-2024-03", nil)
	if msg.Type != "review_saved" {
		t.Errorf("Type = %q, want %q", msg.Type, "review_saved")
	}
	if msg.Entity != EntityReview || msg.Action != "saved" || msg.ID != "month-2024-03" {
		t.Errorf("msg = %+v", msg)
	}
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewHub(slog.Default())
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := mockClient(hub, "u")
			hub.Register(c)
			hub.Broadcast("u", NewMessage(EntityGoal, "created", "g", nil))
			hub.Unregister(c)
		}()
	}
	wg.Wait()

	if got := hub.ClientCount(); got != 0 {
		t.Errorf("expected 0 clients after concurrent test, got %d", got)
	}
}

func TestHandlerDeliversToConnectedUser(t *testing.T) {
	hub := NewHub(slog.Default())
	srv := httptest.NewServer(withUser("alice", Handler(hub, slog.Default(), nil)))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	read := func() Message {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var got Message
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return got
	}

	if got := read(); got.Type != "feed_ready" || got.ID != "alice" {
		t.Errorf("greeting = %+v", got)
	}

	hub.Broadcast("alice", NewMessage(EntityData, "imported", "", map[string]any{"count": float64(3)}))
	if got := read(); got.Type != "data_imported" || got.Extra["count"] != float64(3) {
		t.Errorf("got %+v", got)
	}
}

func TestBroadcastHonoursSubscription(t *testing.T) {
	hub := NewHub(slog.Default())

	goalsOnly := mockClient(hub, "alice")
	goalsOnly.subscribe([]string{EntityGoal})
	everything := mockClient(hub, "alice")
	hub.Register(goalsOnly)
	hub.Register(everything)

	hub.Broadcast("alice", NewMessage(EntitySettings, "updated", "", nil))
	hub.Broadcast("alice", NewMessage(EntityGoal, "created", "g1", nil))

	if got := receive(t, goalsOnly); got.Type != "goal_created" {
		t.Errorf("goals-only client got %q first", got.Type)
	}
	if got := receive(t, everything); got.Type != "settings_updated" {
		t.Errorf("unfiltered client got %q first", got.Type)
	}

	// An empty list resets to everything.
	goalsOnly.subscribe(nil)
	if !goalsOnly.Wants(EntityReview) {
		t.Error("empty subscription should accept every entity")
	}
}

func withUser(id string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := auth.WithUser(r.Context(), model.UserProfile{ID: id})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
