package config

import (
	"reflect"
	"sort"
	"strings"

	logx "gaswatch/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (channel token, channel secret, mqtt
// password) are never included; only their presence is.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs, logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)))
	}

	if oldCfg.Line != newCfg.Line {
		changed = append(changed, "line")
		attrs = append(attrs,
			logx.Bool("line.token_set", strings.TrimSpace(newCfg.Line.ChannelToken) != ""),
			logx.Bool("line.secret_set", strings.TrimSpace(newCfg.Line.ChannelSecret) != ""),
			logx.String("line.api_base", strings.TrimSpace(newCfg.Line.APIBase)),
		)
	}

	if oldCfg.MQTT != newCfg.MQTT {
		changed = append(changed, "mqtt")
		attrs = append(attrs,
			logx.Bool("mqtt.enabled", newCfg.MQTT.Enabled),
			logx.String("mqtt.broker", strings.TrimSpace(newCfg.MQTT.Broker)),
			logx.Bool("mqtt.password_set", newCfg.MQTT.Password != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Thresholds, newCfg.Thresholds) {
		changed = append(changed, "thresholds")
		attrs = append(attrs, logx.Int("thresholds.count", len(newCfg.Thresholds)))
	}

	if !reflect.DeepEqual(oldCfg.Routing, newCfg.Routing) {
		changed = append(changed, "routing")
		attrs = append(attrs, logx.Int("routing.count", len(newCfg.Routing)))
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.workers", newCfg.Dispatch.Workers),
			logx.Int("dispatch.queue_size", newCfg.Dispatch.QueueSize),
			logx.Int("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec),
			logx.Int("dispatch.retry_max", newCfg.Dispatch.RetryMax),
		)
	}

	if oldCfg.Quota != newCfg.Quota {
		changed = append(changed, "quota")
		attrs = append(attrs,
			logx.Int("quota.push_limit", newCfg.Quota.Push.Limit),
			logx.Int("quota.broadcast_limit", newCfg.Quota.Broadcast.Limit),
			logx.Int("quota.multicast_limit", newCfg.Quota.Multicast.Limit),
			logx.String("quota.multicast_granularity", strings.TrimSpace(newCfg.Quota.MulticastGranularity)),
		)
	}

	if oldCfg.Tokens != newCfg.Tokens {
		changed = append(changed, "tokens")
		attrs = append(attrs, logx.String("tokens.validity", strings.TrimSpace(newCfg.Tokens.Validity)))
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.enabled", newCfg.Storage.Enabled),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if oldCfg.Janitor != newCfg.Janitor {
		changed = append(changed, "janitor")
		attrs = append(attrs,
			logx.Bool("janitor.daily_summary", newCfg.Janitor.DailySummary.Enabled),
		)
	}

	if oldCfg.Webhook != newCfg.Webhook {
		changed = append(changed, "webhook")
		attrs = append(attrs,
			logx.Bool("webhook.auto_reply", newCfg.Webhook.AutoReply.Enabled),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
