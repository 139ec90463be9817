package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"gaswatch/internal/alert"
	"gaswatch/internal/eventbus"
	"gaswatch/internal/quota"
	"gaswatch/internal/token"
	logx "gaswatch/pkg/logx"
)

// Gateway turns alert transitions and explicit API calls into validated,
// quota-checked, rate-limited outbound deliveries.
//
// API-driven dispatch is synchronous: Dispatch returns the structured result
// of the attempt. Alert-triggered dispatch goes through an internal queue and
// worker pool so sensor ingestion never blocks on delivery I/O.
//
// Gateway is safe for concurrent use.
type Gateway struct {
	mu sync.Mutex

	cfg     Config
	deliver Deliverer
	quotas  *quota.Tracker
	tokens  *token.Store
	states  *alert.Store
	routes  map[alert.Metric]Route

	recipients RecipientSource
	audit      AuditSink
	bus        eventbus.Bus
	log        logx.Logger

	limiter *rate.Limiter

	accepting bool
	queue     chan alertJob
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
	enqueueWG sync.WaitGroup

	now func() time.Time
}

func New(cfg Config, deliver Deliverer, quotas *quota.Tracker, tokens *token.Store, states *alert.Store, routes map[alert.Metric]Route, log logx.Logger, bus eventbus.Bus) *Gateway {
	g := &Gateway{
		deliver: deliver,
		quotas:  quotas,
		tokens:  tokens,
		states:  states,
		routes:  routes,
		log:     log,
		bus:     bus,
		now:     time.Now,
	}
	g.applyLocked(cfg)
	return g
}

// SetRecipientSource installs the audience lookup used by alert routes with no
// static targets. Optional.
func (g *Gateway) SetRecipientSource(src RecipientSource) {
	g.mu.Lock()
	g.recipients = src
	g.mu.Unlock()
}

// SetAuditSink installs the dispatch audit recorder. Optional.
func (g *Gateway) SetAuditSink(sink AuditSink) {
	g.mu.Lock()
	g.audit = sink
	g.mu.Unlock()
}

func (g *Gateway) Apply(cfg Config) {
	g.mu.Lock()
	g.applyLocked(cfg)
	g.mu.Unlock()
}

func (g *Gateway) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = 10 * time.Second
	}
	if cfg.MulticastMaxTargets <= 0 {
		cfg.MulticastMaxTargets = 500
	}
	if cfg.MulticastGranularity == "" {
		cfg.MulticastGranularity = GranularityPerCall
	}
	g.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// UpdateRoutes swaps the alert routing table (config hot reload).
func (g *Gateway) UpdateRoutes(routes map[alert.Metric]Route) {
	g.mu.Lock()
	g.routes = routes
	g.mu.Unlock()
}

// Start launches the alert dispatch workers.
func (g *Gateway) Start(ctx context.Context) {
	g.mu.Lock()
	if g.queue != nil {
		g.mu.Unlock()
		return
	}
	g.queue = make(chan alertJob, g.cfg.QueueSize)
	g.accepting = true
	g.runCtx, g.runCancel = context.WithCancel(ctx)
	workers := g.cfg.Workers
	g.mu.Unlock()

	for i := 0; i < workers; i++ {
		i := i
		g.workerWG.Add(1)
		go func() {
			defer g.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					g.log.Error("panic in dispatch worker",
						logx.Int("worker", i), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			g.workerLoop()
		}()
	}
	g.log.Info("dispatch gateway started", logx.Int("workers", workers), logx.Int("rps", g.cfg.RatePerSec))
}

// Stop blocks new alert jobs and drains the queue best-effort until ctx ends.
func (g *Gateway) Stop(ctx context.Context) {
	g.mu.Lock()
	q := g.queue
	cancel := g.runCancel
	if q == nil {
		g.mu.Unlock()
		return
	}
	g.accepting = false
	g.queue = nil
	g.runCancel = nil
	g.mu.Unlock()

	// Wait for in-flight enqueues before closing the queue so a sensor
	// sample arriving mid-shutdown cannot send on a closed channel. If ctx
	// runs out first the queue is left open (workers stop via cancel).
	enqueued := make(chan struct{})
	go func() {
		g.enqueueWG.Wait()
		close(enqueued)
	}()
	select {
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		return
	case <-enqueued:
	}
	func() {
		defer func() { _ = recover() }()
		close(q)
	}()

	done := make(chan struct{})
	go func() {
		g.workerWG.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}
	if cancel != nil {
		cancel()
	}
	g.log.Info("dispatch gateway stopped")
}

func (g *Gateway) workerLoop() {
	g.mu.Lock()
	q := g.queue
	runCtx := g.runCtx
	g.mu.Unlock()
	if q == nil {
		return
	}

	for j := range q {
		select {
		case <-runCtx.Done():
			return
		default:
		}
		g.dispatchAlert(runCtx, j)
	}
}

// ---- Alert-triggered path ----

// OnTransition enqueues a notification for a committed alert transition.
// Only transitioned states reach this point; the state store's hysteresis is
// what deduplicates, not this method.
func (g *Gateway) OnTransition(st alert.State) error {
	g.mu.Lock()
	route, ok := g.routes[st.Metric]
	if !ok {
		g.mu.Unlock()
		g.log.Debug("no route for metric, transition not dispatched", logx.String("metric", string(st.Metric)))
		return nil
	}
	if !g.accepting || g.queue == nil {
		g.mu.Unlock()
		return ErrStopped
	}
	q := g.queue
	// Taken under the lock with the accepting check so Stop can wait for
	// in-flight enqueues before closing the queue.
	g.enqueueWG.Add(1)
	g.mu.Unlock()
	defer g.enqueueWG.Done()

	evType := eventbus.TypeAlertTriggered
	if st.Status == alert.StatusResolved {
		evType = eventbus.TypeAlertResolved
	}
	if g.bus != nil {
		g.bus.Publish(eventbus.Event{Type: evType, Data: st})
	}

	select {
	case q <- alertJob{state: st, route: route}:
		return nil
	default:
		g.log.Warn("dispatch queue full, alert notification dropped",
			logx.String("metric", string(st.Metric)), logx.String("status", string(st.Status)))
		return ErrQueueFull
	}
}

func (g *Gateway) dispatchAlert(ctx context.Context, j alertJob) {
	text := j.route.TriggerText
	if j.state.Status == alert.StatusResolved {
		text = j.route.ResolveText
	}
	if text == "" {
		return
	}
	msg := fmt.Sprintf("%s (%s=%.1f at %s)", text, j.state.Metric, j.state.Value,
		j.state.ObservedAt.Format(time.RFC3339))

	targets := j.route.Targets
	if len(targets) == 0 && j.route.Channel != ChannelBroadcast {
		targets = g.lookupRecipients(ctx)
		if len(targets) == 0 {
			g.log.Warn("alert route has no targets and no known recipients",
				logx.String("metric", string(j.state.Metric)))
			return
		}
	}

	res := g.Dispatch(ctx, Request{Channel: j.route.Channel, Targets: targets, Message: msg})
	if res.Accepted {
		g.states.MarkNotified(j.state.Metric, g.now())
		return
	}
	g.log.Warn("alert notification rejected",
		logx.String("metric", string(j.state.Metric)),
		logx.String("reason", string(res.Reason)),
		logx.String("detail", res.Detail))
}

func (g *Gateway) lookupRecipients(ctx context.Context) []string {
	g.mu.Lock()
	src := g.recipients
	g.mu.Unlock()
	if src == nil {
		return nil
	}
	ids, err := src.ActiveRecipients(ctx)
	if err != nil {
		g.log.Warn("recipient lookup failed", logx.Err(err))
		return nil
	}
	return ids
}

// ---- Synchronous dispatch ----

// Dispatch validates req, reserves quota, consumes the reply token when
// applicable, and drives delivery. It never returns a Go error for expected
// rejections; the Result carries the reason.
//
// Reply tokens are consumed atomically with the decision to proceed: a
// delivery failure afterwards does NOT un-consume the token.
func (g *Gateway) Dispatch(ctx context.Context, req Request) Result {
	g.mu.Lock()
	cfg := g.cfg
	g.mu.Unlock()

	res := Result{ID: uuid.NewString()}

	if reason, detail := validate(req, cfg); reason != "" {
		return g.reject(res, reason, detail)
	}

	// Quota before token: a quota-rejected reply leaves its token intact.
	n := 1
	if req.Channel == ChannelMulticast && cfg.MulticastGranularity == GranularityPerTarget {
		n = len(req.Targets)
	}
	if err := g.quotas.ReserveN(string(req.Channel), n); err != nil {
		return g.reject(res, ReasonQuotaExceeded, fmt.Sprintf("%s channel budget spent", req.Channel))
	}

	if req.Channel == ChannelReply {
		if _, err := g.tokens.Consume(req.Token); err != nil {
			return g.reject(res, ReasonInvalidToken, err.Error())
		}
	}

	switch req.Channel {
	case ChannelPush:
		res = g.deliverOne(ctx, cfg, res, ChannelPush, req.Targets[0], func(c context.Context) error {
			return g.deliver.Push(c, req.Targets[0], req.Message)
		})
	case ChannelReply:
		res = g.deliverOne(ctx, cfg, res, ChannelReply, "", func(c context.Context) error {
			return g.deliver.Reply(c, req.Token, req.Message)
		})
	case ChannelBroadcast:
		res = g.deliverBroadcast(ctx, cfg, res, req.Message)
	case ChannelMulticast:
		res = g.deliverMulticast(ctx, cfg, res, req)
	}

	if g.bus != nil {
		evType := eventbus.TypeDispatchAccepted
		if !res.Accepted {
			evType = eventbus.TypeDispatchRejected
		}
		g.bus.Publish(eventbus.Event{Type: evType, Data: res})
	}
	return res
}

func validate(req Request, cfg Config) (Reason, string) {
	if req.Message == "" {
		return ReasonInvalidRequest, "message is required"
	}
	switch req.Channel {
	case ChannelPush:
		if len(req.Targets) != 1 || req.Targets[0] == "" {
			return ReasonInvalidRequest, "push requires exactly one target"
		}
	case ChannelBroadcast:
		if len(req.Targets) != 0 {
			return ReasonInvalidRequest, "broadcast takes no targets"
		}
	case ChannelMulticast:
		if len(req.Targets) == 0 {
			return ReasonInvalidRequest, "multicast requires at least one target"
		}
		if len(req.Targets) > cfg.MulticastMaxTargets {
			return ReasonInvalidRequest, fmt.Sprintf("multicast limited to %d targets", cfg.MulticastMaxTargets)
		}
		for _, t := range req.Targets {
			if t == "" {
				return ReasonInvalidRequest, "multicast target must not be empty"
			}
		}
	case ChannelReply:
		if req.Token == "" {
			return ReasonInvalidRequest, "reply requires a token"
		}
		if len(req.Targets) != 0 {
			return ReasonInvalidRequest, "reply takes no targets (the token addresses it)"
		}
	default:
		return ReasonInvalidRequest, fmt.Sprintf("unknown channel %q", req.Channel)
	}
	return "", ""
}

func (g *Gateway) reject(res Result, reason Reason, detail string) Result {
	res.Accepted = false
	res.Reason = reason
	res.Detail = detail
	g.log.Debug("dispatch rejected", logx.String("id", res.ID), logx.String("reason", string(reason)), logx.String("detail", detail))
	if g.bus != nil {
		g.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchRejected, Data: res})
	}
	return res
}

func (g *Gateway) deliverOne(ctx context.Context, cfg Config, res Result, channel Channel, target string, send func(context.Context) error) Result {
	start := g.now()
	err := g.sendWithRetry(ctx, cfg, send)
	g.record(ctx, res.ID, channel, target, start, err)
	if err != nil {
		res.Accepted = false
		res.Reason = ReasonDeliveryFailed
		res.Detail = err.Error()
		return res
	}
	res.Accepted = true
	return res
}

// deliverBroadcast is fire-and-forget: one attempt, no retry. The channel's
// own at-least-once guarantees (if any) are accepted as-is.
func (g *Gateway) deliverBroadcast(ctx context.Context, cfg Config, res Result, msg string) Result {
	start := g.now()
	err := g.sendOnce(ctx, cfg, func(c context.Context) error {
		return g.deliver.Broadcast(c, msg)
	})
	g.record(ctx, res.ID, ChannelBroadcast, "", start, err)
	if err != nil {
		g.log.Warn("broadcast delivery failed (not retried)", logx.String("id", res.ID), logx.Err(err))
		res.Accepted = false
		res.Reason = ReasonDeliveryFailed
		res.Detail = err.Error()
		return res
	}
	res.Accepted = true
	return res
}

// deliverMulticast sends to each target individually so the result can report
// per-target outcomes. Succeeded deliveries are never rolled back; if the
// caller disconnects mid-way the remaining targets are skipped but completed
// sends stand (at-least-once, not exactly-once).
func (g *Gateway) deliverMulticast(ctx context.Context, cfg Config, res Result, req Request) Result {
	res.Targets = make([]TargetResult, 0, len(req.Targets))
	failed := 0
	for _, t := range req.Targets {
		if ctx.Err() != nil {
			res.Targets = append(res.Targets, TargetResult{Target: t, OK: false, Error: ctx.Err().Error()})
			failed++
			continue
		}
		t := t
		start := g.now()
		err := g.sendWithRetry(ctx, cfg, func(c context.Context) error {
			return g.deliver.Push(c, t, req.Message)
		})
		g.record(ctx, res.ID, ChannelMulticast, t, start, err)
		tr := TargetResult{Target: t, OK: err == nil}
		if err != nil {
			tr.Error = err.Error()
			failed++
		}
		res.Targets = append(res.Targets, tr)
	}

	if failed == len(req.Targets) {
		res.Accepted = false
		res.Reason = ReasonDeliveryFailed
		res.Detail = "all targets failed"
		return res
	}
	res.Accepted = true
	if failed > 0 {
		res.Detail = fmt.Sprintf("%d of %d targets failed", failed, len(req.Targets))
	}
	return res
}

func (g *Gateway) record(ctx context.Context, id string, channel Channel, target string, start time.Time, sendErr error) {
	g.mu.Lock()
	sink := g.audit
	g.mu.Unlock()
	if sink == nil {
		return
	}
	rec := AuditRecord{
		ID:      id,
		Channel: string(channel),
		Target:  target,
		OK:      sendErr == nil,
		TookMS:  g.now().Sub(start).Milliseconds(),
		At:      start,
	}
	if sendErr != nil {
		rec.Error = sendErr.Error()
	}
	if err := sink.RecordDispatch(ctx, rec); err != nil {
		g.log.Debug("dispatch audit write failed", logx.Err(err))
	}
}

// ---- Delivery with retry ----

func (g *Gateway) sendOnce(ctx context.Context, cfg Config, send func(context.Context) error) error {
	g.mu.Lock()
	lim := g.limiter
	g.mu.Unlock()
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, cfg.DeliverTimeout)
	defer cancel()
	return send(callCtx)
}

// sendWithRetry drives bounded exponential backoff with jitter around
// sendOnce. A timeout counts as DeliveryFailed and is retried like any other
// transport error.
func (g *Gateway) sendWithRetry(ctx context.Context, cfg Config, send func(context.Context) error) error {
	maxAttempts := 1 + cfg.RetryMax

	var last error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := g.sendOnce(ctx, cfg, send)
		if err == nil {
			return nil
		}
		last = err
		if ctx.Err() != nil {
			return last
		}
		g.log.Debug("delivery attempt failed",
			logx.Int("attempt", attempt), logx.Int("max", maxAttempts), logx.Err(err))
		if attempt >= maxAttempts {
			break
		}

		delay := retryDelay(cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return last
		}
	}
	if g.bus != nil {
		g.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchFailed, Data: last.Error()})
	}
	return last
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	base := cfg.RetryBase
	maxD := cfg.RetryMaxDelay

	// Exponential backoff: base * 2^(attempt-1)
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
