package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"optionwatch/internal/model"
	"optionwatch/internal/platform/httpclient"
)

var at = time.Date(2025, 10, 28, 9, 20, 0, 0, time.UTC)

func fastClient() *httpclient.Client {
	return httpclient.New(httpclient.Options{RequestsPerSec: 1000, Burst: 10, MaxRetries: 2, InitialInterval: time.Millisecond})
}

func TestFormatEvent_Breakdown(t *testing.T) {
	a := FormatEvent(&model.BreakdownEvent{
		Instrument:     "NIFTY 25 Oct 28 26200 CE",
		SupportPrice:   100,
		BreakdownPrice: 97.5,
		Volume:         1500,
		Time:           at,
	})
	if a.Kind != model.KindBreakdown || a.Title != "BREAKDOWN DETECTED" {
		t.Fatalf("unexpected alert %+v", a)
	}
	if !strings.Contains(a.Message, "Drop: -2.50%") {
		t.Errorf("missing drop pct in %q", a.Message)
	}
	if !strings.Contains(a.Message, "2025-10-28 09:20:00") {
		t.Errorf("missing time in %q", a.Message)
	}
	if a.Event == nil || a.Event.Kind != model.KindBreakdown {
		t.Errorf("envelope not attached")
	}
}

func TestFormatEvent_FailureSignal(t *testing.T) {
	tests := []struct {
		name  string
		ev    model.BreakoutFailureEvent
		want  string
		level AlertLevel
	}{
		{"up failure with swing low", model.BreakoutFailureEvent{Direction: model.DirectionUpFailure, SwingLowBroken: true}, "Signal: SELL", AlertCritical},
		{"down failure with swing high", model.BreakoutFailureEvent{Direction: model.DirectionDownFailure, SwingHighBroken: true}, "Signal: BUY", AlertCritical},
		{"plain up failure", model.BreakoutFailureEvent{Direction: model.DirectionUpFailure}, "Signal: WATCH", AlertWarning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := tt.ev
			ev.BreakoutPrice = 100
			ev.BreakdownPrice = 99
			a := FormatEvent(&ev)
			if !strings.Contains(a.Message, tt.want) {
				t.Errorf("message %q missing %q", a.Message, tt.want)
			}
			if a.Level != tt.level {
				t.Errorf("level = %s, want %s", a.Level, tt.level)
			}
		})
	}
}

func TestEscapeMarkdown(t *testing.T) {
	if got := escapeMarkdown("a.b-c!"); got != `a\.b\-c\!` {
		t.Errorf("escapeMarkdown = %q", got)
	}
}

func TestTelegramNotifier_Send(t *testing.T) {
	var got map[string]any
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("TOKEN", "42", fastClient(), zerolog.Nop()).WithBaseURL(srv.URL)
	if err := n.Send(context.Background(), Alert{Level: AlertCritical, Title: "T.1", Message: "m"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if path != "/botTOKEN/sendMessage" {
		t.Errorf("path = %s", path)
	}
	if got["chat_id"] != "42" || got["parse_mode"] != "MarkdownV2" {
		t.Errorf("unexpected body %v", got)
	}
	if !strings.Contains(got["text"].(string), `T\.1`) {
		t.Errorf("title not escaped: %v", got["text"])
	}
}

func TestWebhookNotifier_RetriesThenDelivers(t *testing.T) {
	var mu sync.Mutex
	var calls int
	var last []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		last, _ = io.ReadAll(r.Body)
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, fastClient(), zerolog.Nop())
	a := FormatEvent(&model.MomentumEntry{SourceInstrument: "X", PairedInstrument: "Y", EntryPrice: 51, Time: at})
	if err := n.Send(context.Background(), a); err != nil {
		t.Fatalf("send: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected a retry, got %d calls", calls)
	}
	var body struct {
		Kind  string         `json:"kind"`
		Event model.Envelope `json:"event"`
		TS    string         `json:"ts"`
	}
	if err := json.Unmarshal(last, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Kind != string(model.KindMomentumEntry) || body.TS == "" {
		t.Errorf("unexpected payload %s", last)
	}
	ev, err := body.Event.Decode()
	if err != nil || ev.(*model.MomentumEntry).EntryPrice != 51 {
		t.Errorf("envelope round trip failed: %v", err)
	}
}

type recordingNotifier struct {
	name string
	err  error
	got  []Alert
}

func (r *recordingNotifier) Name() string { return r.name }
func (r *recordingNotifier) Send(_ context.Context, a Alert) error {
	r.got = append(r.got, a)
	return r.err
}

func TestDispatcher_FailingNotifierDoesNotBlockOthers(t *testing.T) {
	bad := &recordingNotifier{name: "bad", err: errors.New("down")}
	good := &recordingNotifier{name: "good"}
	d := NewDispatcher(zerolog.Nop(), nil, bad, good)

	err := d.Send(context.Background(), &model.BreakdownEvent{Instrument: "X", SupportPrice: 100, BreakdownPrice: 99})
	if err == nil || !strings.Contains(err.Error(), "bad") {
		t.Fatalf("expected joined error naming bad, got %v", err)
	}
	if len(good.got) != 1 {
		t.Fatalf("good notifier got %d alerts", len(good.got))
	}
}

func TestDispatcher_RunDrainsChannel(t *testing.T) {
	rec := &recordingNotifier{name: "rec"}
	d := NewDispatcher(zerolog.Nop(), nil, rec)
	ch := make(chan model.Event, 2)
	ch <- &model.BreakdownEvent{Instrument: "A", SupportPrice: 1}
	ch <- &model.BreakdownEvent{Instrument: "B", SupportPrice: 1}
	close(ch)

	d.Run(context.Background(), ch)
	if len(rec.got) != 2 || rec.got[1].Instrument != "B" {
		t.Fatalf("unexpected alerts %+v", rec.got)
	}
}
