package ingest

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"gaswatch/internal/alert"
	logx "gaswatch/pkg/logx"
)

type captureSink struct {
	mu          sync.Mutex
	transitions []alert.State
}

func (c *captureSink) OnTransition(st alert.State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitions = append(c.transitions, st)
	return nil
}

func (c *captureSink) all() []alert.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]alert.State(nil), c.transitions...)
}

func newTestService(t *testing.T) (*Service, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	svc := New(Config{Enabled: true, Broker: "tcp://localhost:1883"},
		alert.NewStore(), sink, nil, logx.Nop())
	svc.UpdateThresholds(map[alert.Metric]alert.Threshold{
		alert.MetricGas:         {TriggerHigh: 1500, ClearLow: 1400},
		alert.MetricTemperature: {TriggerHigh: 35, ClearLow: 34},
	})
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return svc, sink
}

func TestProcessGasTriggersAndResolves(t *testing.T) {
	t.Parallel()

	svc, sink := newTestService(t)

	samples := []struct {
		raw  float64
		want int // cumulative transition count
	}{
		{1000, 0},
		{1600, 1}, // crosses trigger_high
		{1700, 1}, // still triggered, no repeat
		{1450, 1}, // inside hysteresis band
		{1300, 2}, // crosses clear_low
		{1350, 2},
	}
	base := 1750000000.0
	for i, s := range samples {
		payload := fmt.Sprintf(`{"raw": %v, "voltage": 1.8, "timestamp": %v}`, s.raw, base+float64(i))
		if err := svc.processGas([]byte(payload)); err != nil {
			t.Fatalf("processGas(%v): %v", s.raw, err)
		}
		if got := len(sink.all()); got != s.want {
			t.Fatalf("after raw=%v: transitions = %d, want %d", s.raw, got, s.want)
		}
	}

	tr := sink.all()
	if tr[0].Status != alert.StatusTriggered || tr[0].Metric != alert.MetricGas {
		t.Fatalf("first transition = %+v", tr[0])
	}
	if tr[1].Status != alert.StatusResolved {
		t.Fatalf("second transition = %+v", tr[1])
	}
}

func TestProcessGasRejectsBadPayloads(t *testing.T) {
	t.Parallel()

	svc, sink := newTestService(t)
	for _, payload := range []string{
		`not json`,
		`{"raw": -5}`,
	} {
		if err := svc.processGas([]byte(payload)); err == nil {
			t.Fatalf("processGas(%q): expected error", payload)
		}
	}
	if len(sink.all()) != 0 {
		t.Fatal("bad payloads must not produce transitions")
	}
}

func TestProcessClimateRejectsNonFiniteValues(t *testing.T) {
	t.Parallel()

	svc, sink := newTestService(t)
	for _, payload := range []string{
		`{"temperature": NaN, "humidity": 40, "valid": true}`,
		`{"temperature": 20, "humidity": NaN, "valid": true}`,
		`{"temperature": 20, "humidity": 1e999, "valid": true}`,
	} {
		if err := svc.processClimate([]byte(payload)); err == nil {
			t.Fatalf("processClimate(%q): expected error", payload)
		}
	}
	if len(sink.all()) != 0 {
		t.Fatal("non-finite values must not be evaluated")
	}
}

func TestProcessClimateSkipsInvalidReads(t *testing.T) {
	t.Parallel()

	svc, sink := newTestService(t)

	// flagged invalid by the sensor: silently dropped
	if err := svc.processClimate([]byte(`{"temperature": 99, "humidity": 10, "valid": false, "timestamp": 0}`)); err != nil {
		t.Fatalf("processClimate invalid: %v", err)
	}
	if len(sink.all()) != 0 {
		t.Fatal("invalid read must not be evaluated")
	}

	if err := svc.processClimate([]byte(`{"temperature": 36.2, "humidity": 40, "valid": true, "timestamp": 0}`)); err != nil {
		t.Fatalf("processClimate: %v", err)
	}
	tr := sink.all()
	if len(tr) != 1 || tr[0].Metric != alert.MetricTemperature || tr[0].Status != alert.StatusTriggered {
		t.Fatalf("transitions = %+v", tr)
	}
}

func TestMetricsWithoutThresholdAreIgnored(t *testing.T) {
	t.Parallel()

	svc, sink := newTestService(t)
	// humidity has no configured band in the test service
	if err := svc.processClimate([]byte(`{"temperature": 20, "humidity": 99.9, "valid": true}`)); err != nil {
		t.Fatalf("processClimate: %v", err)
	}
	if len(sink.all()) != 0 {
		t.Fatalf("transitions = %+v", sink.all())
	}
}

func TestPayloadTimeFallsBackToReceiveTime(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	if got := svc.payloadTime(0); !got.Equal(svc.now()) {
		t.Fatalf("payloadTime(0) = %v", got)
	}
	want := time.Unix(1750000000, 0)
	if got := svc.payloadTime(1750000000); !got.Equal(want) {
		t.Fatalf("payloadTime = %v, want %v", got, want)
	}
}
