package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/gridtrade/escrow-engine/internal/auth"
)

type recordingSink struct {
	mu   sync.Mutex
	got  []Notification
	err  error
	seen chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{seen: make(chan struct{}, 64)}
}

func (*recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(_ context.Context, n Notification) error {
	s.mu.Lock()
	s.got = append(s.got, n)
	s.mu.Unlock()
	s.seen <- struct{}{}
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func waitFor(t *testing.T, ch <-chan struct{}, n int) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-timeout:
			t.Fatalf("timed out after %d of %d deliveries", i, n)
		}
	}
}

func TestDispatcher_DeliversToAllSinks(t *testing.T) {
	a, b := newRecordingSink(), newRecordingSink()
	b.err = errors.New("sink down")
	d := NewDispatcher(8, nil, a, b)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	d.Notify(ctx, Notification{RecipientID: "alice", EventType: EventTradeCreated, TradeID: "t1"})
	d.Notify(ctx, Notification{RecipientID: "bob", EventType: EventTradeCreated, TradeID: "t1"})

	waitFor(t, a.seen, 2)
	waitFor(t, b.seen, 2)
	cancel()
	d.Wait()

	if a.count() != 2 {
		t.Errorf("expected 2 deliveries to first sink, got %d", a.count())
	}
	if a.got[0].RecipientID != "alice" || a.got[1].RecipientID != "bob" {
		t.Errorf("unexpected delivery order: %+v", a.got)
	}
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	sink := newRecordingSink()
	d := NewDispatcher(2, nil, sink)

	// Not running: the queue only holds two.
	for i := 0; i < 5; i++ {
		d.Notify(context.Background(), Notification{TradeID: "t1"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx)

	if sink.count() != 2 {
		t.Errorf("expected 2 buffered deliveries after drain, got %d", sink.count())
	}
}

type stubPublisher struct {
	mu    sync.Mutex
	topic string
	key   string
	value any
	err   error
}

func (s *stubPublisher) PublishJSON(_ context.Context, topic, key string, value any) (int32, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topic, s.key, s.value = topic, key, value
	return 0, 0, s.err
}

func (s *stubPublisher) Close() error { return nil }

func TestKafkaSink_PublishesEnvelope(t *testing.T) {
	pub := &stubPublisher{}
	sink := NewKafkaSink(pub, "escrow.notifications")

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err := sink.Deliver(context.Background(), Notification{
		RecipientID: "alice",
		EventType:   EventDisputeRaised,
		TradeID:     "trade-9",
		Message:     "buyer disputed delivery",
		At:          at,
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if pub.topic != "escrow.notifications" || pub.key != "trade-9" {
		t.Errorf("unexpected topic/key: %s/%s", pub.topic, pub.key)
	}
	ev, ok := pub.value.(Event)
	if !ok {
		t.Fatalf("expected Event, got %T", pub.value)
	}
	if ev.EventID == "" || ev.EventVersion != 1 {
		t.Errorf("envelope not populated: %+v", ev)
	}
	if ev.EventType != EventDisputeRaised || ev.RecipientID != "alice" || !ev.Timestamp.Equal(at) {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestKafkaSink_PropagatesError(t *testing.T) {
	pub := &stubPublisher{err: errors.New("broker unavailable")}
	sink := NewKafkaSink(pub, "escrow.notifications")
	if err := sink.Deliver(context.Background(), Notification{TradeID: "t"}); err == nil {
		t.Fatal("expected publish error")
	}
}

func TestHub_RoutesToRecipient(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	r := chi.NewRouter()
	r.Use(auth.Middleware(nil))
	r.Get("/ws", hub.HandleWS)
	srv := httptest.NewServer(r)
	defer srv.Close()

	dial := func(user string) *websocket.Conn {
		header := http.Header{}
		header.Set(auth.HeaderUserID, user)
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
		conn, _, err := websocket.DefaultDialer.Dial(url, header)
		if err != nil {
			t.Fatalf("dial as %s: %v", user, err)
		}
		return conn
	}

	alice := dial("alice")
	defer alice.Close()
	bob := dial("bob")
	defer bob.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Connected("alice") == 0 || hub.Connected("bob") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("clients never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Deliver(ctx, Notification{RecipientID: "bob", EventType: EventReceiptConfirmed, TradeID: "t1"})

	bob.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := bob.ReadMessage()
	if err != nil {
		t.Fatalf("bob read: %v", err)
	}
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n.TradeID != "t1" || n.EventType != EventReceiptConfirmed {
		t.Errorf("unexpected notification: %+v", n)
	}

	alice.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := alice.ReadMessage(); err == nil {
		t.Error("alice should not receive bob's notification")
	}
}

func TestHub_RejectsAnonymous(t *testing.T) {
	hub := NewHub()
	w := httptest.NewRecorder()
	hub.HandleWS(w, httptest.NewRequest("GET", "/ws", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}
