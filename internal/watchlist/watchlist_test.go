package watchlist

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sample = `
holidays: ["2025-12-31"]
instruments:
  - instrument: "NIFTY 25 Oct 28 26200 CE"
    token: "43210"
    pair_token: "43211"
    breakout: true
    track_pair: true
    support_levels:
      - price: 100
      - price: 95
        tolerance_pct: 0
        consolidation_periods: 3
  - instrument: "BANKNIFTY 25 Oct 28 56000 PE"
    exchange: NFO
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchlist.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}
	w, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(w.Holidays) != 1 || len(w.Instruments) != 2 {
		t.Fatalf("unexpected watchlist %+v", w)
	}

	reqs := w.StartRequests()
	if !reqs[0].Breakout || !reqs[0].TrackPair || len(reqs[0].SupportLevels) != 2 {
		t.Fatalf("unexpected start request %+v", reqs[0])
	}
	if reqs[0].SupportLevels[0].TolerancePct != nil {
		t.Error("absent tolerance should stay nil for the default")
	}
	if tol := reqs[0].SupportLevels[1].TolerancePct; tol == nil || *tol != 0 {
		t.Error("explicit zero tolerance must be kept")
	}

	polls := w.PollInstruments()
	if len(polls) != 2 {
		t.Fatalf("expected entry and paired leg with tokens, got %+v", polls)
	}
	if polls[1].Name != "NIFTY 25 Oct 28 26200 PE" || polls[1].Token != "43211" || polls[1].Exchange != "NFO" {
		t.Errorf("unexpected paired poll instrument %+v", polls[1])
	}

	streams := w.CandleStreams(60)
	if streams["candle:60s:NFO:43210"] != "NIFTY 25 Oct 28 26200 CE" {
		t.Errorf("unexpected streams %v", streams)
	}
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte(`
instruments:
  - instrument: A
    support_levels: [{price: -1}]
  - instrument: A
  - breakout: true
`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"invalid support level", "listed twice", "instrument is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}
