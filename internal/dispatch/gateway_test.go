package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"gaswatch/internal/alert"
	"gaswatch/internal/eventbus"
	"gaswatch/internal/quota"
	"gaswatch/internal/token"
	logx "gaswatch/pkg/logx"
)

// fakeDeliverer records calls and fails targets listed in failTargets.
type fakeDeliverer struct {
	mu          sync.Mutex
	pushes      []string
	broadcasts  []string
	replies     []string
	failTargets map[string]int // target -> remaining failures
	failAll     bool
}

func (f *fakeDeliverer) Push(_ context.Context, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("transport down")
	}
	if n := f.failTargets[to]; n > 0 {
		f.failTargets[to] = n - 1
		return errors.New("push failed for " + to)
	}
	f.pushes = append(f.pushes, to+": "+text)
	return nil
}

func (f *fakeDeliverer) Broadcast(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("transport down")
	}
	f.broadcasts = append(f.broadcasts, text)
	return nil
}

func (f *fakeDeliverer) Reply(_ context.Context, replyToken, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("transport down")
	}
	f.replies = append(f.replies, replyToken+": "+text)
	return nil
}

func (f *fakeDeliverer) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

type testEnv struct {
	gw      *Gateway
	deliver *fakeDeliverer
	tokens  *token.Store
	quotas  *quota.Tracker
	states  *alert.Store
}

func newTestEnv(t *testing.T, cfg Config, limits map[string]quota.Limit) *testEnv {
	t.Helper()
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 1000 // keep tests fast
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = 2 * time.Millisecond
	}
	d := &fakeDeliverer{failTargets: map[string]int{}}
	env := &testEnv{
		deliver: d,
		tokens:  token.NewStore(time.Minute),
		quotas:  quota.NewTracker(limits),
		states:  alert.NewStore(),
	}
	env.gw = New(cfg, d, env.quotas, env.tokens, env.states, nil, logx.Nop(), eventbus.New())
	return env
}

func TestDispatchPush(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{}, nil)
	res := env.gw.Dispatch(context.Background(), Request{
		Channel: ChannelPush, Targets: []string{"U1"}, Message: "hi",
	})
	if !res.Accepted || res.ID == "" {
		t.Fatalf("result = %+v", res)
	}
	if env.deliver.pushCount() != 1 {
		t.Fatalf("pushes = %d", env.deliver.pushCount())
	}
}

func TestDispatchValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{MulticastMaxTargets: 3}, nil)
	cases := []struct {
		name string
		req  Request
	}{
		{"empty message", Request{Channel: ChannelPush, Targets: []string{"U1"}}},
		{"push no target", Request{Channel: ChannelPush, Message: "m"}},
		{"push two targets", Request{Channel: ChannelPush, Targets: []string{"U1", "U2"}, Message: "m"}},
		{"broadcast with targets", Request{Channel: ChannelBroadcast, Targets: []string{"U1"}, Message: "m"}},
		{"multicast empty", Request{Channel: ChannelMulticast, Message: "m"}},
		{"multicast over cap", Request{Channel: ChannelMulticast, Targets: []string{"a", "b", "c", "d"}, Message: "m"}},
		{"multicast blank target", Request{Channel: ChannelMulticast, Targets: []string{"a", ""}, Message: "m"}},
		{"reply no token", Request{Channel: ChannelReply, Message: "m"}},
		{"reply with targets", Request{Channel: ChannelReply, Token: "rt", Targets: []string{"U1"}, Message: "m"}},
		{"unknown channel", Request{Channel: Channel("carrier"), Message: "m"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := env.gw.Dispatch(context.Background(), tc.req)
			if res.Accepted || res.Reason != ReasonInvalidRequest {
				t.Fatalf("result = %+v", res)
			}
		})
	}
	if env.deliver.pushCount() != 0 {
		t.Fatal("invalid requests must not reach the deliverer")
	}
}

func TestDispatchQuotaExceeded(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{}, map[string]quota.Limit{
		"push": {Limit: 1, Period: time.Hour},
	})
	req := Request{Channel: ChannelPush, Targets: []string{"U1"}, Message: "hi"}

	if res := env.gw.Dispatch(context.Background(), req); !res.Accepted {
		t.Fatalf("first dispatch rejected: %+v", res)
	}
	res := env.gw.Dispatch(context.Background(), req)
	if res.Accepted || res.Reason != ReasonQuotaExceeded {
		t.Fatalf("second dispatch = %+v", res)
	}
	if env.deliver.pushCount() != 1 {
		t.Fatalf("pushes = %d, want 1", env.deliver.pushCount())
	}
}

func TestReplyConsumesTokenOnce(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{}, nil)
	env.tokens.Issue("rt-1", "U1")

	res := env.gw.Dispatch(context.Background(), Request{
		Channel: ChannelReply, Token: "rt-1", Message: "pong",
	})
	if !res.Accepted {
		t.Fatalf("reply rejected: %+v", res)
	}

	res = env.gw.Dispatch(context.Background(), Request{
		Channel: ChannelReply, Token: "rt-1", Message: "pong again",
	})
	if res.Accepted || res.Reason != ReasonInvalidToken {
		t.Fatalf("reused token = %+v", res)
	}
}

func TestReplyTokenStaysConsumedAfterDeliveryFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{RetryMax: 1}, nil)
	env.tokens.Issue("rt-1", "U1")
	env.deliver.failAll = true

	res := env.gw.Dispatch(context.Background(), Request{
		Channel: ChannelReply, Token: "rt-1", Message: "pong",
	})
	if res.Accepted || res.Reason != ReasonDeliveryFailed {
		t.Fatalf("result = %+v", res)
	}

	// token is burned even though delivery failed
	if _, err := env.tokens.Consume("rt-1"); !errors.Is(err, token.ErrAlreadyConsumed) {
		t.Fatalf("Consume = %v, want ErrAlreadyConsumed", err)
	}
}

func TestQuotaRejectedReplyKeepsToken(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{}, map[string]quota.Limit{
		"reply": {Limit: 1, Period: time.Hour},
	})
	env.tokens.Issue("rt-1", "U1")
	env.tokens.Issue("rt-2", "U2")

	if res := env.gw.Dispatch(context.Background(), Request{Channel: ChannelReply, Token: "rt-1", Message: "a"}); !res.Accepted {
		t.Fatalf("first reply rejected: %+v", res)
	}
	res := env.gw.Dispatch(context.Background(), Request{Channel: ChannelReply, Token: "rt-2", Message: "b"})
	if res.Accepted || res.Reason != ReasonQuotaExceeded {
		t.Fatalf("second reply = %+v", res)
	}
	// quota rejection happens before token consumption
	if _, err := env.tokens.Consume("rt-2"); err != nil {
		t.Fatalf("token rt-2 should be intact: %v", err)
	}
}

func TestMulticastPartialFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{RetryMax: 0}, nil)
	env.deliver.failTargets["U2"] = 99

	res := env.gw.Dispatch(context.Background(), Request{
		Channel: ChannelMulticast, Targets: []string{"U1", "U2", "U3"}, Message: "hi",
	})
	if !res.Accepted {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Detail, "1 of 3") {
		t.Fatalf("detail = %q", res.Detail)
	}
	if len(res.Targets) != 3 {
		t.Fatalf("targets = %+v", res.Targets)
	}
	byTarget := map[string]TargetResult{}
	for _, tr := range res.Targets {
		byTarget[tr.Target] = tr
	}
	if !byTarget["U1"].OK || byTarget["U2"].OK || !byTarget["U3"].OK {
		t.Fatalf("targets = %+v", res.Targets)
	}
	if byTarget["U2"].Error == "" {
		t.Fatal("failed target must carry an error")
	}
}

func TestMulticastAllTargetsFailed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{}, nil)
	env.deliver.failAll = true

	res := env.gw.Dispatch(context.Background(), Request{
		Channel: ChannelMulticast, Targets: []string{"U1", "U2"}, Message: "hi",
	})
	if res.Accepted || res.Reason != ReasonDeliveryFailed {
		t.Fatalf("result = %+v", res)
	}
}

func TestMulticastQuotaGranularity(t *testing.T) {
	t.Parallel()

	t.Run("per_call charges once", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, Config{MulticastGranularity: GranularityPerCall},
			map[string]quota.Limit{"multicast": {Limit: 1, Period: time.Hour}})
		res := env.gw.Dispatch(context.Background(), Request{
			Channel: ChannelMulticast, Targets: []string{"U1", "U2", "U3"}, Message: "hi",
		})
		if !res.Accepted {
			t.Fatalf("result = %+v", res)
		}
	})

	t.Run("per_target charges per recipient", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, Config{MulticastGranularity: GranularityPerTarget},
			map[string]quota.Limit{"multicast": {Limit: 2, Period: time.Hour}})
		res := env.gw.Dispatch(context.Background(), Request{
			Channel: ChannelMulticast, Targets: []string{"U1", "U2", "U3"}, Message: "hi",
		})
		if res.Accepted || res.Reason != ReasonQuotaExceeded {
			t.Fatalf("result = %+v", res)
		}
		if env.deliver.pushCount() != 0 {
			t.Fatal("rejected multicast must not deliver")
		}
	})
}

func TestPushRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{RetryMax: 2}, nil)
	env.deliver.failTargets["U1"] = 2 // first two attempts fail

	res := env.gw.Dispatch(context.Background(), Request{
		Channel: ChannelPush, Targets: []string{"U1"}, Message: "hi",
	})
	if !res.Accepted {
		t.Fatalf("result = %+v", res)
	}
	if env.deliver.pushCount() != 1 {
		t.Fatalf("pushes = %d, want 1", env.deliver.pushCount())
	}
}

func TestBroadcastIsNotRetried(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{RetryMax: 5}, nil)

	attempts := 0
	var mu sync.Mutex
	env.gw.deliver = deliverFunc{
		broadcast: func(context.Context, string) error {
			mu.Lock()
			attempts++
			mu.Unlock()
			return errors.New("flaky")
		},
	}

	res := env.gw.Dispatch(context.Background(), Request{
		Channel: ChannelBroadcast, Message: "hi",
	})
	if res.Accepted || res.Reason != ReasonDeliveryFailed {
		t.Fatalf("result = %+v", res)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

// deliverFunc adapts bare funcs to Deliverer for single-channel tests.
type deliverFunc struct {
	push      func(context.Context, string, string) error
	broadcast func(context.Context, string) error
	reply     func(context.Context, string, string) error
}

func (d deliverFunc) Push(ctx context.Context, to, text string) error {
	if d.push == nil {
		return nil
	}
	return d.push(ctx, to, text)
}

func (d deliverFunc) Broadcast(ctx context.Context, text string) error {
	if d.broadcast == nil {
		return nil
	}
	return d.broadcast(ctx, text)
}

func (d deliverFunc) Reply(ctx context.Context, replyToken, text string) error {
	if d.reply == nil {
		return nil
	}
	return d.reply(ctx, replyToken, text)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestOnTransitionDispatchesRouted(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{}, nil)
	env.gw.UpdateRoutes(map[alert.Metric]Route{
		alert.MetricGas: {
			Channel:     ChannelPush,
			Targets:     []string{"U1"},
			TriggerText: "gas alarm",
			ResolveText: "gas normal",
		},
	})
	env.gw.Start(context.Background())
	defer env.gw.Stop(context.Background())

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err := env.gw.OnTransition(alert.State{
		Metric: alert.MetricGas, Status: alert.StatusTriggered, Value: 1720, ObservedAt: at,
	})
	if err != nil {
		t.Fatalf("OnTransition: %v", err)
	}

	waitFor(t, time.Second, func() bool { return env.deliver.pushCount() == 1 })
	env.deliver.mu.Lock()
	msg := env.deliver.pushes[0]
	env.deliver.mu.Unlock()
	for _, want := range []string{"U1:", "gas alarm", "gas=1720.0", "2026-03-01T12:00:00Z"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}
	// delivery recorded on the state
	if st := env.states.Get(alert.MetricGas); st.LastNotifiedAt.IsZero() {
		t.Fatal("LastNotifiedAt not set")
	}
}

func TestOnTransitionWithoutRouteIsNoop(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{}, nil)
	env.gw.Start(context.Background())
	defer env.gw.Stop(context.Background())

	if err := env.gw.OnTransition(alert.State{Metric: alert.MetricHumidity, Status: alert.StatusTriggered}); err != nil {
		t.Fatalf("OnTransition: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if env.deliver.pushCount() != 0 {
		t.Fatal("unrouted transition delivered")
	}
}

func TestOnTransitionAfterStop(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{}, nil)
	env.gw.UpdateRoutes(map[alert.Metric]Route{
		alert.MetricGas: {Channel: ChannelBroadcast, TriggerText: "x"},
	})
	env.gw.Start(context.Background())
	env.gw.Stop(context.Background())

	err := env.gw.OnTransition(alert.State{Metric: alert.MetricGas, Status: alert.StatusTriggered})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("OnTransition = %v, want ErrStopped", err)
	}
}

func TestOnTransitionDuringStopDoesNotPanic(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{}, nil)
	env.gw.UpdateRoutes(map[alert.Metric]Route{
		alert.MetricGas: {Channel: ChannelPush, Targets: []string{"U1"}, TriggerText: "x"},
	})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				// Must never send on a closed queue, whatever Stop is doing.
				_ = env.gw.OnTransition(alert.State{
					Metric: alert.MetricGas, Status: alert.StatusTriggered, Value: 1700, ObservedAt: time.Now(),
				})
			}
		}()
	}
	for i := 0; i < 25; i++ {
		env.gw.Start(context.Background())
		env.gw.Stop(context.Background())
	}
	close(stop)
	wg.Wait()
}

func TestAlertRouteFallsBackToRecipients(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{}, nil)
	env.gw.UpdateRoutes(map[alert.Metric]Route{
		alert.MetricGas: {Channel: ChannelMulticast, TriggerText: "gas alarm"},
	})
	env.gw.SetRecipientSource(recipientsFunc(func(context.Context) ([]string, error) {
		return []string{"U8", "U9"}, nil
	}))
	env.gw.Start(context.Background())
	defer env.gw.Stop(context.Background())

	err := env.gw.OnTransition(alert.State{
		Metric: alert.MetricGas, Status: alert.StatusTriggered, Value: 1600, ObservedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("OnTransition: %v", err)
	}
	waitFor(t, time.Second, func() bool { return env.deliver.pushCount() == 2 })
}

type recipientsFunc func(ctx context.Context) ([]string, error)

func (f recipientsFunc) ActiveRecipients(ctx context.Context) ([]string, error) { return f(ctx) }

func TestResolvedTransitionUsesResolveText(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{}, nil)
	env.gw.UpdateRoutes(map[alert.Metric]Route{
		alert.MetricGas: {Channel: ChannelPush, Targets: []string{"U1"}, TriggerText: "up", ResolveText: "down"},
	})
	env.gw.Start(context.Background())
	defer env.gw.Stop(context.Background())

	err := env.gw.OnTransition(alert.State{
		Metric: alert.MetricGas, Status: alert.StatusResolved, Value: 1300, ObservedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("OnTransition: %v", err)
	}
	waitFor(t, time.Second, func() bool { return env.deliver.pushCount() == 1 })
	env.deliver.mu.Lock()
	msg := env.deliver.pushes[0]
	env.deliver.mu.Unlock()
	if !strings.Contains(msg, "down") {
		t.Fatalf("message = %q", msg)
	}
}

func TestAuditRecordsPerTarget(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{}, nil)
	env.deliver.failTargets["U2"] = 99

	var mu sync.Mutex
	var records []AuditRecord
	env.gw.SetAuditSink(auditFunc(func(_ context.Context, rec AuditRecord) error {
		mu.Lock()
		records = append(records, rec)
		mu.Unlock()
		return nil
	}))

	env.gw.Dispatch(context.Background(), Request{
		Channel: ChannelMulticast, Targets: []string{"U1", "U2"}, Message: "hi",
	})

	mu.Lock()
	defer mu.Unlock()
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	for _, rec := range records {
		if rec.Channel != "multicast" || rec.ID == "" {
			t.Fatalf("record = %+v", rec)
		}
		switch rec.Target {
		case "U1":
			if !rec.OK {
				t.Fatalf("U1 record = %+v", rec)
			}
		case "U2":
			if rec.OK || rec.Error == "" {
				t.Fatalf("U2 record = %+v", rec)
			}
		default:
			t.Fatalf("unexpected target %q", rec.Target)
		}
	}
}

type auditFunc func(ctx context.Context, rec AuditRecord) error

func (f auditFunc) RecordDispatch(ctx context.Context, rec AuditRecord) error { return f(ctx, rec) }

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		for i := 0; i < 50; i++ {
			d := retryDelay(cfg, attempt)
			if d < 0 || d > cfg.RetryMaxDelay {
				t.Fatalf("retryDelay(attempt=%d) = %v out of bounds", attempt, d)
			}
		}
	}
	// first retry: base with jitter 0.7..1.3
	for i := 0; i < 50; i++ {
		d := retryDelay(cfg, 1)
		if d < 70*time.Millisecond || d > 130*time.Millisecond {
			t.Fatalf("retryDelay(1) = %v outside jitter band", d)
		}
	}
}
