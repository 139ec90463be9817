package janitor

import (
	"strings"
	"testing"
	"time"

	"gaswatch/internal/storage"
	"gaswatch/internal/token"
	logx "gaswatch/pkg/logx"
)

func TestSweepTokens(t *testing.T) {
	t.Parallel()

	tokens := token.NewStore(time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tokens.SetClock(func() time.Time { return now })
	tokens.Issue("rt-1", "U1")
	tokens.Issue("rt-2", "U2")

	svc := New(Config{}, tokens, nil, nil, logx.Nop())

	// nothing expired yet
	svc.sweepTokens()
	if tokens.Len() != 2 {
		t.Fatalf("len = %d, want 2", tokens.Len())
	}

	now = now.Add(2 * time.Minute)
	svc.sweepTokens()
	if tokens.Len() != 0 {
		t.Fatalf("len = %d, want 0", tokens.Len())
	}
}

func TestFormatSummary(t *testing.T) {
	t.Parallel()

	got := formatSummary(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), storage.Stats{
		Readings: 1440, Alarms: 3,
		GasMax: 1810, GasAvg: 920,
		TempMax: 33.4, TempAvg: 27.1,
		Recipients: 5,
	})
	for _, want := range []string{
		"Daily report 2026-03-01",
		"Readings: 1440",
		"Alarms: 3",
		"Gas max/avg: 1810 / 920",
		"Temp max/avg: 33.4C / 27.1C",
		"Recipients: 5",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("summary missing %q:\n%s", want, got)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	svc := New(Config{}, nil, nil, nil, logx.Nop())
	if svc.cfg.SweepInterval != time.Minute {
		t.Fatalf("sweep interval = %v", svc.cfg.SweepInterval)
	}
	if svc.cfg.Retention != 7*24*time.Hour {
		t.Fatalf("retention = %v", svc.cfg.Retention)
	}
	if svc.cfg.PruneSpec != "0 3 * * *" || svc.cfg.DailySummarySpec != "0 8 * * *" {
		t.Fatalf("specs = %q %q", svc.cfg.PruneSpec, svc.cfg.DailySummarySpec)
	}
}
