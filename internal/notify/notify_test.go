package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"bithumb-trader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder is an in-memory sink for dispatcher tests.
type recorder struct {
	mu     sync.Mutex
	events []types.Event
}

func (r *recorder) Notify(_ context.Context, ev types.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) snapshot() []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Event, len(r.events))
	copy(out, r.events)
	return out
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	d := NewDispatcher(testLogger(), rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { d.Run(ctx); close(done) }()

	d.Publish(types.Event{Kind: types.EventBotStarted})
	d.Publish(types.Event{Kind: types.EventTradeOpened, Coin: "BTC"})
	d.Publish(types.Event{Kind: types.EventFullExit, Coin: "BTC"})

	waitFor(t, func() bool { return len(rec.snapshot()) == 3 })
	cancel()
	<-done

	got := rec.snapshot()
	if got[0].Kind != types.EventBotStarted || got[2].Kind != types.EventFullExit {
		t.Errorf("delivery order wrong: %+v", got)
	}
}

func TestQueueEvictsOldestNonCriticalFirst(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	d := NewDispatcher(testLogger(), rec)
	// No Run goroutine: the queue only fills.

	d.Publish(types.Event{Kind: types.EventTradeOpened, Message: "first"})
	for i := 1; i < queueCap; i++ {
		d.Publish(types.Event{Kind: types.EventFullExit})
	}
	if d.Pending() != queueCap {
		t.Fatalf("pending = %d, want %d", d.Pending(), queueCap)
	}

	// One more: the lone non-critical event must make room.
	d.Publish(types.Event{Kind: types.EventError, Message: "overflow"})
	if d.Pending() != queueCap {
		t.Fatalf("pending = %d after eviction, want %d", d.Pending(), queueCap)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ev := range d.queue {
		if ev.Message == "first" {
			t.Error("non-critical event survived a full queue")
		}
	}
	if d.queue[len(d.queue)-1].Message != "overflow" {
		t.Error("incoming critical event missing from queue")
	}
}

func TestFullCriticalQueueDropsIncomingNonCritical(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(testLogger())
	for i := 0; i < queueCap; i++ {
		d.Publish(types.Event{Kind: types.EventError})
	}

	d.Publish(types.Event{Kind: types.EventTradeOpened})
	if d.Pending() != queueCap {
		t.Errorf("pending = %d, want %d (non-critical dropped)", d.Pending(), queueCap)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ev := range d.queue {
		if !ev.Kind.Critical() {
			t.Error("non-critical event displaced a critical one")
		}
	}
}

func TestDispatcherFlushesOnShutdown(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	d := NewDispatcher(testLogger(), rec)
	d.Publish(types.Event{Kind: types.EventBotStopped})

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already cancelled: Run must still flush the queue once
	d.Run(ctx)

	if got := rec.snapshot(); len(got) != 1 || got[0].Kind != types.EventBotStopped {
		t.Errorf("shutdown flush delivered %+v", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// ————————————————————————————————————————————————————————————————————————
// Telegram sink
// ————————————————————————————————————————————————————————————————————————

func telegramTestServer(t *testing.T, sendMessage http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/bottest-token/getMe", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": map[string]any{"id": 1, "is_bot": true, "first_name": "bot", "username": "test_bot"},
		})
	})
	mux.HandleFunc("/bottest-token/sendMessage", sendMessage)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestTelegramSinkRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	calls := 0
	srv := telegramTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		failing := calls == 1
		mu.Unlock()
		if failing {
			json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": 500, "description": "boom"})
			return
		}
		if got := r.FormValue("chat_id"); got != "42" {
			t.Errorf("chat_id = %q, want 42", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]any{"message_id": 1}})
	})

	sink, err := newTelegramSinkWithEndpoint("test-token", srv.URL+"/bot%s/%s", 42, testLogger())
	if err != nil {
		t.Fatalf("newTelegramSinkWithEndpoint: %v", err)
	}

	if err := sink.Notify(context.Background(), types.Event{Kind: types.EventFullExit, Coin: "BTC"}); err != nil {
		t.Errorf("Notify = %v, want nil", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("sendMessage calls = %d, want 2 (one retry)", calls)
	}
}

func TestTelegramSinkNeverPropagatesFailure(t *testing.T) {
	t.Parallel()

	srv := telegramTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": 500, "description": "down"})
	})

	sink, err := newTelegramSinkWithEndpoint("test-token", srv.URL+"/bot%s/%s", 42, testLogger())
	if err != nil {
		t.Fatalf("newTelegramSinkWithEndpoint: %v", err)
	}
	if err := sink.Notify(context.Background(), types.Event{Kind: types.EventError, Message: "x"}); err != nil {
		t.Errorf("Notify = %v, want nil even when delivery fails", err)
	}
}

func TestFormatEventCoversKinds(t *testing.T) {
	t.Parallel()

	ev := types.Event{Kind: types.EventPartialExit, Coin: "ETH", Qty: 0.5, Price: 3000000, PnL: 15000, Reason: "tp1"}
	msg := FormatEvent(ev)
	for _, want := range []string{"ETH", "tp1", "+15000"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}

	if msg := FormatEvent(types.Event{Kind: types.EventError, Message: "auth failed"}); !strings.Contains(msg, "auth failed") {
		t.Errorf("error message = %q", msg)
	}
}
