package marketdata

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"optionwatch/internal/markethours"
	"optionwatch/internal/model"
	"optionwatch/pkg/smartconnect"
)

type fakeBroker struct {
	mu       sync.Mutex
	loggedIn bool
	expireN  int // calls that fail with ErrSessionExpired
	candles  []smartconnect.Candle
	calls    int
}

func (b *fakeBroker) LoggedIn() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loggedIn
}

func (b *fakeBroker) GetCandleData(_ context.Context, _ smartconnect.CandleRequest) ([]smartconnect.Candle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.expireN > 0 {
		b.expireN--
		b.loggedIn = false
		return nil, smartconnect.ErrSessionExpired
	}
	return b.candles, nil
}

type sinkFunc func(ctx context.Context, c model.Candle) error

func (f sinkFunc) Enqueue(ctx context.Context, c model.Candle) error { return f(ctx, c) }

func collect() (*[]model.Candle, model.CandleSink) {
	var got []model.Candle
	return &got, sinkFunc(func(_ context.Context, c model.Candle) error {
		got = append(got, c)
		return nil
	})
}

var session = time.Date(2025, 10, 28, 9, 20, 30, 0, markethours.IST)

func minuteCandle(m int, close float64) smartconnect.Candle {
	return smartconnect.Candle{TS: time.Date(2025, 10, 28, 9, 15+m, 0, 0, markethours.IST), Open: close, High: close + 1, Low: close - 1, Close: close, Volume: 100}
}

func newTestPoller(b *fakeBroker, now *time.Time) *Poller {
	login := func(context.Context) error {
		b.mu.Lock()
		b.loggedIn = true
		b.mu.Unlock()
		return nil
	}
	return NewPoller(Config{}, b, login,
		[]Instrument{{Name: "NIFTY 25 Oct 28 26200 CE", Exchange: "NFO", Token: "43210"}},
		zerolog.Nop(), WithClock(func() time.Time { return *now }))
}

func TestPoller_DedupesAndSkipsFormingCandle(t *testing.T) {
	b := &fakeBroker{loggedIn: true}
	for m := 0; m <= 5; m++ {
		b.candles = append(b.candles, minuteCandle(m, float64(100+m)))
	}
	now := session
	p := newTestPoller(b, &now)
	got, sink := collect()

	if err := p.PollOnce(context.Background(), sink); err != nil {
		t.Fatalf("poll: %v", err)
	}
	// 09:20 candle is still forming at 09:20:30
	if len(*got) != 5 {
		t.Fatalf("expected 5 closed candles, got %d", len(*got))
	}
	if (*got)[0].Instrument != "NIFTY 25 Oct 28 26200 CE" || (*got)[4].Close != 104 {
		t.Errorf("unexpected candles %+v", *got)
	}

	now = session.Add(time.Minute)
	if err := p.PollOnce(context.Background(), sink); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(*got) != 6 || (*got)[5].Close != 105 {
		t.Fatalf("second poll should add only the newly closed candle, got %d", len(*got))
	}
}

func TestPoller_SkipsWhenMarketClosed(t *testing.T) {
	b := &fakeBroker{loggedIn: true, candles: []smartconnect.Candle{minuteCandle(0, 100)}}
	now := time.Date(2025, 10, 25, 11, 0, 0, 0, markethours.IST) // Saturday
	p := newTestPoller(b, &now)
	got, sink := collect()

	if err := p.PollOnce(context.Background(), sink); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if b.calls != 0 || len(*got) != 0 {
		t.Errorf("closed market must not poll: calls=%d candles=%d", b.calls, len(*got))
	}
}

func TestPoller_ReloginOnExpiredSession(t *testing.T) {
	b := &fakeBroker{loggedIn: false, expireN: 1, candles: []smartconnect.Candle{minuteCandle(0, 100)}}
	now := session
	p := newTestPoller(b, &now)
	got, sink := collect()

	if err := p.PollOnce(context.Background(), sink); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if b.calls != 2 || len(*got) != 1 {
		t.Errorf("expected retry after relogin: calls=%d candles=%d", b.calls, len(*got))
	}
	if !b.LoggedIn() {
		t.Error("expected session to be re-established")
	}
}
