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

	"github.com/shopspring/decimal"

	"position-core/internal/events"
	"position-core/pkg/i18n"
)

type fakeSender struct {
	mu       sync.Mutex
	failures int
	got      []string
}

func (f *fakeSender) Send(ctx context.Context, title, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("temporary")
	}
	f.got = append(f.got, title+"|"+message)
	return nil
}

func (f *fakeSender) Name() string { return "fake" }

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.got...)
}

func TestEmitPublishesAndDelivers(t *testing.T) {
	bus := events.NewBus()
	ch, unsub := bus.Subscribe(events.EventLifecycle, 4)
	defer unsub()

	sender := &fakeSender{failures: 1}
	disp := NewDispatcher(bus, []Sender{sender}, i18n.LangEN, Options{Retries: 2, Backoff: time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		disp.Run(ctx)
		close(done)
	}()

	disp.Emit(events.Lifecycle{
		PositionID: "p1", Symbol: "ETHUSDT", Direction: "SHORT",
		Payload: events.EscortRequest{Size: decimal.NewFromInt(2), EntryPrice: decimal.NewFromInt(3500),
			Actions: []string{events.ActionAccept, events.ActionDecline}},
	})

	select {
	case msg := <-ch:
		if l := msg.(events.Lifecycle); l.Kind() != events.KindEscortRequest {
			t.Errorf("bus kind = %s", l.Kind())
		}
	case <-time.After(time.Second):
		t.Fatal("event not published on bus")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(sender.messages()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	msgs := sender.messages()
	if len(msgs) != 1 {
		t.Fatalf("delivered %d messages, want 1", len(msgs))
	}
	if !strings.Contains(msgs[0], "ESCORT_REQUEST|") || !strings.Contains(msgs[0], "ETHUSDT") || !strings.Contains(msgs[0], "Escort | Ignore") {
		t.Errorf("message = %q", msgs[0])
	}
	if s := disp.Stats(); s.Sent != 1 || s.Failed != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestEmitNeverBlocks(t *testing.T) {
	disp := NewDispatcher(nil, []Sender{&fakeSender{}}, i18n.LangEN, Options{QueueSize: 1}, nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			disp.Emit(events.Lifecycle{Payload: events.EscortDeclined{}})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked with no consumer")
	}
	if s := disp.Stats(); s.Dropped != 9 {
		t.Errorf("dropped = %d, want 9", s.Dropped)
	}
}

func TestRenderLocalized(t *testing.T) {
	l := events.Lifecycle{Symbol: "BTCUSDT", Direction: "LONG", Payload: events.StopLossHit{
		Price: decimal.NewFromInt(95000), RealizedPnL: decimal.RequireFromString("-508.8"),
	}}
	title, body := Render(i18n.For(i18n.LangEN), l)
	if title != "SL_HIT" || !strings.Contains(body, "95000") || !strings.Contains(body, "-508.8") {
		t.Errorf("en = %q %q", title, body)
	}
	_, zh := Render(i18n.For(i18n.LangZH), l)
	if !strings.Contains(zh, "止損") {
		t.Errorf("zh = %q", zh)
	}
}

func TestTelegramSender(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/bottok/sendMessage") {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"ok":false,"description":"Unauthorized"}`))
			return
		}
		got = nil
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "42")
	s.api = srv.URL
	if err := s.Send(context.Background(), "TP_HIT", "1000_PEPE_USDT closed at 0.0123"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["chat_id"] != "42" || got["text"] != "TP_HIT\n1000_PEPE_USDT closed at 0.0123" {
		t.Errorf("payload = %+v", got)
	}
	if _, ok := got["parse_mode"]; ok {
		t.Errorf("parse_mode sent: %+v", got)
	}

	s.token = "other"
	err := s.Send(context.Background(), "x", "y")
	if err == nil || !strings.Contains(err.Error(), "Unauthorized") {
		t.Errorf("non-2xx status err = %v", err)
	}
}
