package app

import (
	"time"

	"gaswatch/internal/alert"
	"gaswatch/internal/api"
	"gaswatch/internal/config"
	"gaswatch/internal/dispatch"
	"gaswatch/internal/ingest"
	"gaswatch/internal/janitor"
	"gaswatch/internal/line"
	"gaswatch/internal/quota"
	"gaswatch/internal/storage"
	logx "gaswatch/pkg/logx"
)

// The map* helpers translate the file schema into component configs. They
// parse duration strings and are reused by the reload validator, so a bad
// value is caught before it reaches a running service.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapLine(cfg *config.Config) (line.Config, error) {
	timeout, err := config.ParseDurationOrDefault("line.timeout", cfg.Line.Timeout, 10*time.Second)
	if err != nil {
		return line.Config{}, err
	}
	return line.Config{
		BaseURL:       cfg.Line.APIBase,
		ChannelToken:  cfg.Line.ChannelToken,
		ChannelSecret: cfg.Line.ChannelSecret,
		Timeout:       timeout,
	}, nil
}

func mapDispatch(cfg *config.Config) (dispatch.Config, error) {
	retryBase, err := config.ParseDurationOrDefault("dispatch.retry_base", cfg.Dispatch.RetryBase, 500*time.Millisecond)
	if err != nil {
		return dispatch.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("dispatch.retry_max_delay", cfg.Dispatch.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	deliverTimeout, err := config.ParseDurationOrDefault("dispatch.deliver_timeout", cfg.Dispatch.DeliverTimeout, 10*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Workers:              cfg.Dispatch.Workers,
		QueueSize:            cfg.Dispatch.QueueSize,
		RatePerSec:           cfg.Dispatch.RatePerSec,
		RetryMax:             cfg.Dispatch.RetryMax,
		RetryBase:            retryBase,
		RetryMaxDelay:        retryMaxDelay,
		DeliverTimeout:       deliverTimeout,
		MulticastMaxTargets:  cfg.Dispatch.MulticastMaxTargets,
		MulticastGranularity: dispatch.Granularity(cfg.Quota.MulticastGranularity),
	}, nil
}

func mapQuota(cfg *config.Config) (map[string]quota.Limit, error) {
	out := make(map[string]quota.Limit, 3)
	for _, q := range []struct {
		channel string
		path    string
		cq      config.ChannelQuota
	}{
		{string(dispatch.ChannelPush), "quota.push.period", cfg.Quota.Push},
		{string(dispatch.ChannelBroadcast), "quota.broadcast.period", cfg.Quota.Broadcast},
		{string(dispatch.ChannelMulticast), "quota.multicast.period", cfg.Quota.Multicast},
	} {
		period, err := config.ParseDurationOrDefault(q.path, q.cq.Period, time.Hour)
		if err != nil {
			return nil, err
		}
		out[q.channel] = quota.Limit{Limit: q.cq.Limit, Period: period}
	}
	return out, nil
}

func mapThresholds(cfg *config.Config) map[alert.Metric]alert.Threshold {
	out := make(map[alert.Metric]alert.Threshold, len(cfg.Thresholds))
	for name, th := range cfg.Thresholds {
		out[alert.Metric(name)] = alert.Threshold{
			TriggerHigh: th.TriggerHigh,
			ClearLow:    th.ClearLow,
		}
	}
	return out
}

func mapRoutes(cfg *config.Config) map[alert.Metric]dispatch.Route {
	out := make(map[alert.Metric]dispatch.Route, len(cfg.Routing))
	for name, rt := range cfg.Routing {
		out[alert.Metric(name)] = dispatch.Route{
			Channel:     dispatch.Channel(rt.Channel),
			Targets:     append([]string(nil), rt.Targets...),
			TriggerText: rt.TriggerText,
			ResolveText: rt.ResolveText,
		}
	}
	return out
}

func mapIngest(cfg *config.Config) ingest.Config {
	return ingest.Config{
		Enabled:      cfg.MQTT.Enabled,
		Broker:       cfg.MQTT.Broker,
		ClientID:     cfg.MQTT.ClientID,
		Username:     cfg.MQTT.Username,
		Password:     cfg.MQTT.Password,
		QoS:          byte(cfg.MQTT.QoS),
		GasTopic:     cfg.MQTT.GasTopic,
		ClimateTopic: cfg.MQTT.ClimateTopic,
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	retention, err := config.ParseDurationOrDefault("storage.retention", cfg.Storage.Retention, 7*24*time.Hour)
	if err != nil {
		return storage.Config{}, err
	}
	path := cfg.Storage.Path
	if path == "" {
		path = "./gaswatch.db"
	}
	return storage.Config{
		Enabled:     cfg.Storage.Enabled,
		Path:        path,
		BusyTimeout: busy,
		Retention:   retention,
	}, nil
}

func mapJanitor(cfg *config.Config, retention time.Duration) (janitor.Config, error) {
	sweep, err := config.ParseDurationOrDefault("tokens.sweep_interval", cfg.Tokens.SweepInterval, time.Minute)
	if err != nil {
		return janitor.Config{}, err
	}
	return janitor.Config{
		SweepInterval:    sweep,
		Retention:        retention,
		PruneSpec:        cfg.Janitor.PruneSpec,
		DailySummary:     cfg.Janitor.DailySummary.Enabled,
		DailySummarySpec: cfg.Janitor.DailySummary.Spec,
	}, nil
}

func mapAPI(cfg *config.Config) (api.Config, error) {
	readTimeout, err := config.ParseDurationOrDefault("http.read_timeout", cfg.HTTP.ReadTimeout, 10*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	writeTimeout, err := config.ParseDurationOrDefault("http.write_timeout", cfg.HTTP.WriteTimeout, 15*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Addr:         cfg.HTTP.Addr,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}, nil
}

func mapTokenValidity(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("tokens.validity", cfg.Tokens.Validity, time.Minute)
}
