// Package janitor runs the gateway's background maintenance: expired reply
// token sweeps, history pruning, and the optional daily stats broadcast.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"gaswatch/internal/dispatch"
	"gaswatch/internal/storage"
	"gaswatch/internal/token"
	logx "gaswatch/pkg/logx"
)

// Dispatcher is the outbound side used for the daily summary.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) dispatch.Result
}

type Config struct {
	SweepInterval time.Duration // token sweep period, default 1m
	Retention     time.Duration // history kept by the prune job, default 168h
	PruneSpec     string        // cron spec, default "0 3 * * *"

	DailySummary     bool
	DailySummarySpec string // cron spec, default "0 8 * * *"
}

type Service struct {
	cfg        Config
	tokens     *token.Store
	store      *storage.Store
	dispatcher Dispatcher
	log        logx.Logger

	cron *cron.Cron
	now  func() time.Time
}

func New(cfg Config, tokens *token.Store, store *storage.Store, d Dispatcher, log logx.Logger) *Service {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.PruneSpec == "" {
		cfg.PruneSpec = "0 3 * * *"
	}
	if cfg.DailySummarySpec == "" {
		cfg.DailySummarySpec = "0 8 * * *"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:        cfg,
		tokens:     tokens,
		store:      store,
		dispatcher: d,
		log:        log,
		now:        time.Now,
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.cron = cron.New()

	if s.tokens != nil {
		spec := fmt.Sprintf("@every %s", s.cfg.SweepInterval)
		if _, err := s.cron.AddFunc(spec, s.sweepTokens); err != nil {
			return fmt.Errorf("schedule token sweep: %w", err)
		}
	}
	if s.store != nil {
		if _, err := s.cron.AddFunc(s.cfg.PruneSpec, s.pruneHistory); err != nil {
			return fmt.Errorf("schedule prune %q: %w", s.cfg.PruneSpec, err)
		}
	}
	if s.cfg.DailySummary && s.store != nil && s.dispatcher != nil {
		if _, err := s.cron.AddFunc(s.cfg.DailySummarySpec, s.broadcastSummary); err != nil {
			return fmt.Errorf("schedule daily summary %q: %w", s.cfg.DailySummarySpec, err)
		}
	}

	s.cron.Start()
	s.log.Info("janitor started",
		logx.Duration("sweep_interval", s.cfg.SweepInterval),
		logx.String("prune_spec", s.cfg.PruneSpec),
		logx.Bool("daily_summary", s.cfg.DailySummary))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *Service) sweepTokens() {
	if n := s.tokens.Sweep(); n > 0 {
		s.log.Debug("reply tokens swept", logx.Int("expired", n))
	}
}

func (s *Service) pruneHistory() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cutoff := s.now().Add(-s.cfg.Retention)
	n, err := s.store.PruneBefore(ctx, cutoff)
	if err != nil && !errors.Is(err, storage.ErrDisabled) {
		s.log.Warn("history prune failed", logx.Err(err))
		return
	}
	s.log.Info("history pruned",
		logx.Int64("rows", n),
		logx.Time("cutoff", cutoff))
}

func (s *Service) broadcastSummary() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stats, err := s.store.Stats(ctx)
	if err != nil {
		s.log.Warn("summary stats failed", logx.Err(err))
		return
	}
	res := s.dispatcher.Dispatch(ctx, dispatch.Request{
		Channel: dispatch.ChannelBroadcast,
		Message: formatSummary(s.now(), stats),
	})
	if !res.Accepted {
		s.log.Warn("summary broadcast rejected",
			logx.String("reason", string(res.Reason)),
			logx.String("detail", res.Detail))
		return
	}
	s.log.Info("summary broadcast sent", logx.String("id", res.ID))
}

func formatSummary(now time.Time, st storage.Stats) string {
	return fmt.Sprintf(
		"Daily report %s\nReadings: %d\nAlarms: %d\nGas max/avg: %.0f / %.0f\nTemp max/avg: %.1fC / %.1fC\nRecipients: %d",
		now.Format("2006-01-02"),
		st.Readings, st.Alarms,
		st.GasMax, st.GasAvg,
		st.TempMax, st.TempAvg,
		st.Recipients,
	)
}
