// Package app wires the gateway components together: config, logging,
// storage, the alert pipeline, telemetry ingest, outbound dispatch, the HTTP
// API and background maintenance.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gaswatch/internal/alert"
	"gaswatch/internal/api"
	"gaswatch/internal/config"
	"gaswatch/internal/dispatch"
	"gaswatch/internal/eventbus"
	"gaswatch/internal/ingest"
	"gaswatch/internal/janitor"
	"gaswatch/internal/line"
	"gaswatch/internal/quota"
	"gaswatch/internal/recipient"
	"gaswatch/internal/storage"
	"gaswatch/internal/token"
	logx "gaswatch/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	cur  atomic.Pointer[config.Config]

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store      *storage.Store
	states     *alert.Store
	tokens     *token.Store
	quotas     *quota.Tracker
	recipients recipient.Registry

	client  *line.Client
	gateway *dispatch.Gateway
	ingest  *ingest.Service
	api     *api.Server
	janitor *janitor.Service

	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	a := &App{}

	a.cfgm = config.NewManager(cfgPath)
	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	a.cur.Store(cfg)

	a.logs, a.log = logx.New(mapLogging(cfg))
	a.log = a.log.With(logx.String("comp", "app"))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	a.bus = eventbus.New()

	// Storage (optional)
	stCfg, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(stCfg, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if a.store != nil {
		a.log.Info("storage enabled", logx.String("path", stCfg.Path))
		a.recipients = recipient.NewStoreBacked(a.store)
	} else {
		a.recipients = recipient.NewMemory()
	}

	a.states = alert.NewStore()

	validity, err := mapTokenValidity(cfg)
	if err != nil {
		return nil, err
	}
	a.tokens = token.NewStore(validity)

	limits, err := mapQuota(cfg)
	if err != nil {
		return nil, err
	}
	a.quotas = quota.NewTracker(limits)

	lineCfg, err := mapLine(cfg)
	if err != nil {
		return nil, err
	}
	a.client = line.New(lineCfg, a.log.With(logx.String("comp", "line")))

	dspCfg, err := mapDispatch(cfg)
	if err != nil {
		return nil, err
	}
	a.gateway = dispatch.New(dspCfg, a.client, a.quotas, a.tokens, a.states,
		mapRoutes(cfg), a.log.With(logx.String("comp", "dispatch")), a.bus)
	a.gateway.SetRecipientSource(a.recipients)
	if a.store != nil {
		a.gateway.SetAuditSink(&storeAudit{st: a.store})
	}

	a.ingest = ingest.New(mapIngest(cfg), a.states, a.gateway, a.store,
		a.log.With(logx.String("comp", "ingest")))
	a.ingest.UpdateThresholds(mapThresholds(cfg))

	apiCfg, err := mapAPI(cfg)
	if err != nil {
		return nil, err
	}
	apiCfg.Secret = func() string { return a.cur.Load().Line.ChannelSecret }
	apiCfg.AutoReply = func() (bool, string) {
		c := a.cur.Load()
		return c.Webhook.AutoReply.Enabled, c.Webhook.AutoReply.Prefix
	}
	apiCfg.Checks = func() map[string]bool {
		return map[string]bool{
			"mqtt":    a.ingest.Connected(),
			"storage": a.store != nil,
		}
	}
	a.api = api.New(apiCfg, a.gateway, a.tokens, a.states, a.store,
		a.recipients, a.bus, a.log.With(logx.String("comp", "api")))

	janCfg, err := mapJanitor(cfg, stCfg.Retention)
	if err != nil {
		return nil, err
	}
	a.janitor = janitor.New(janCfg, a.tokens, a.store, a.gateway,
		a.log.With(logx.String("comp", "janitor")))

	return a, nil
}

// storeAudit adapts the SQLite store to the dispatch audit sink.
type storeAudit struct {
	st *storage.Store
}

func (s *storeAudit) RecordDispatch(ctx context.Context, rec dispatch.AuditRecord) error {
	return s.st.RecordDispatch(ctx, storage.DispatchRecord{
		ID:      rec.ID,
		Channel: rec.Channel,
		Target:  rec.Target,
		OK:      rec.OK,
		Error:   rec.Error,
		TookMS:  rec.TookMS,
		At:      rec.At,
	})
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		// parse everything the reload loop will apply
		if _, err := mapDispatch(cfg); err != nil {
			return err
		}
		if _, err := mapQuota(cfg); err != nil {
			return err
		}
		if _, err := mapTokenValidity(cfg); err != nil {
			return err
		}
		return nil
	})

	a.gateway.Start(runCtx)

	if err := a.ingest.Start(runCtx); err != nil {
		if !errors.Is(err, ingest.ErrDisabled) {
			cancel()
			return fmt.Errorf("start ingest: %w", err)
		}
		a.log.Info("telemetry ingest disabled")
	}

	if err := a.api.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start http api: %w", err)
	}

	if err := a.janitor.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start janitor: %w", err)
	}

	// debug visibility into bus traffic
	events, unsub := a.bus.Subscribe(128)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsub()
		for {
			select {
			case <-runCtx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	}()

	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(runCtx, sub)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(runCtx)
	}()

	a.log.Info("gateway started")
	return nil
}

// reloadLoop applies validated config updates to running services. Line
// credentials, the MQTT connection, storage and the HTTP listener need a
// restart; everything else applies live.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts: keep only the latest config
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			a.cur.Store(newCfg)

			for _, s := range sections {
				switch s {
				case "line", "mqtt", "storage", "http", "tokens":
					a.log.Warn("section requires restart to take effect",
						logx.String("section", s))
				}
			}

			a.logs.Apply(mapLogging(newCfg))
			a.ingest.UpdateThresholds(mapThresholds(newCfg))
			a.gateway.UpdateRoutes(mapRoutes(newCfg))

			if dspCfg, err := mapDispatch(newCfg); err != nil {
				a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
			} else {
				a.gateway.Apply(dspCfg)
			}
			if limits, err := mapQuota(newCfg); err != nil {
				a.log.Warn("invalid quota config; keeping previous", logx.Err(err))
			} else {
				a.quotas.UpdateLimits(limits)
			}

			if len(sections) > 0 {
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			} else {
				a.log.Info("config reloaded (no changes)")
			}
		}
	}
}

// Stop shuts the services down in reverse dependency order. Each step is
// bounded by the caller's ctx.
func (a *App) Stop(ctx context.Context) error {
	var firstErr error
	record := func(name string, err error) {
		if err != nil {
			a.log.Warn("stop failed", logx.String("comp", name), logx.Err(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	record("api", a.api.Stop(ctx))
	record("ingest", a.ingest.Stop(ctx))
	record("janitor", a.janitor.Stop(ctx))
	a.gateway.Stop(ctx)

	if a.runCancel != nil {
		a.runCancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		record("background", ctx.Err())
	}

	if a.store != nil {
		record("storage", a.store.Close())
	}

	a.log.Info("gateway stopped")
	record("logging", a.logs.Close())
	return firstErr
}

// WaitStopBudget is the default shutdown budget used by the binary.
const WaitStopBudget = 10 * time.Second
