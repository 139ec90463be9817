package config

import (
	"fmt"
	"strings"
)

var knownMetrics = map[string]bool{
	"gas":         true,
	"temperature": true,
	"humidity":    true,
}

var knownChannels = map[string]bool{
	"push":      true,
	"broadcast": true,
	"multicast": true,
}

// Validate checks cross-field constraints that the strict decoder cannot
// express. It is also the validator hook for hot reloads, so a broken edit
// never reaches running services.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if strings.TrimSpace(cfg.Line.ChannelToken) == "" {
		return fmt.Errorf("line.channel_token: required")
	}

	for _, f := range []struct{ path, raw string }{
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"line.timeout", cfg.Line.Timeout},
		{"dispatch.retry_base", cfg.Dispatch.RetryBase},
		{"dispatch.retry_max_delay", cfg.Dispatch.RetryMaxDelay},
		{"dispatch.deliver_timeout", cfg.Dispatch.DeliverTimeout},
		{"quota.push.period", cfg.Quota.Push.Period},
		{"quota.broadcast.period", cfg.Quota.Broadcast.Period},
		{"quota.multicast.period", cfg.Quota.Multicast.Period},
		{"tokens.validity", cfg.Tokens.Validity},
		{"tokens.sweep_interval", cfg.Tokens.SweepInterval},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"storage.retention", cfg.Storage.Retention},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	for name, th := range cfg.Thresholds {
		if !knownMetrics[name] {
			return fmt.Errorf("thresholds.%s: unknown metric", name)
		}
		if th.ClearLow >= th.TriggerHigh {
			return fmt.Errorf("thresholds.%s: clear_low (%.2f) must be below trigger_high (%.2f)",
				name, th.ClearLow, th.TriggerHigh)
		}
	}

	for name, rt := range cfg.Routing {
		if !knownMetrics[name] {
			return fmt.Errorf("routing.%s: unknown metric", name)
		}
		ch := strings.TrimSpace(rt.Channel)
		if !knownChannels[ch] {
			return fmt.Errorf("routing.%s.channel: unknown channel %q", name, rt.Channel)
		}
		switch ch {
		case "push":
			if len(rt.Targets) != 1 {
				return fmt.Errorf("routing.%s: push requires exactly one target", name)
			}
		case "broadcast":
			if len(rt.Targets) != 0 {
				return fmt.Errorf("routing.%s: broadcast takes no targets", name)
			}
		}
		if strings.TrimSpace(rt.TriggerText) == "" {
			return fmt.Errorf("routing.%s.trigger_text: required", name)
		}
	}

	switch g := strings.TrimSpace(cfg.Quota.MulticastGranularity); g {
	case "", "per_call", "per_target":
	default:
		return fmt.Errorf("quota.multicast_granularity: must be per_call or per_target, got %q", g)
	}

	if cfg.MQTT.Enabled && strings.TrimSpace(cfg.MQTT.Broker) == "" {
		return fmt.Errorf("mqtt.broker: required when mqtt is enabled")
	}
	if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos: must be 0, 1 or 2")
	}

	return nil
}
