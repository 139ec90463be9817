package config

// Config is the root process configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// The file may be YAML or JSON; both are decoded strictly, so unknown keys
// are rejected early instead of being silently ignored.
type Config struct {
	HTTP    HTTPConfig    `json:"http"`
	Line    LineConfig    `json:"line"`
	MQTT    MQTTConfig    `json:"mqtt"`
	Logging LoggingConfig `json:"logging"`

	// Thresholds maps metric name (gas, temperature, humidity) to its
	// hysteresis band. Metrics without an entry are not evaluated.
	Thresholds map[string]ThresholdConfig `json:"thresholds"`

	// Routing maps metric name to the alert notification route.
	Routing map[string]RouteConfig `json:"routing"`

	Dispatch DispatchConfig `json:"dispatch"`
	Quota    QuotaConfig    `json:"quota"`
	Tokens   TokenConfig    `json:"tokens"`
	Storage  StorageConfig  `json:"storage"`
	Janitor  JanitorConfig  `json:"janitor"`
	Webhook  WebhookConfig  `json:"webhook"`
}

type HTTPConfig struct {
	Addr string `json:"addr"` // default ":8080"

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

type LineConfig struct {
	ChannelToken  string `json:"channel_token"`
	ChannelSecret string `json:"channel_secret"`
	APIBase       string `json:"api_base,omitempty"` // default: the public endpoint
	Timeout       string `json:"timeout,omitempty"`  // per-request HTTP timeout
}

type MQTTConfig struct {
	Enabled  bool   `json:"enabled"`
	Broker   string `json:"broker"` // e.g. "tls://broker.example.com:8883"
	ClientID string `json:"client_id,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	QoS      int    `json:"qos,omitempty"`

	// Topics carrying sensor payloads. Gas and climate data arrive on
	// separate topics (composite payload per topic).
	GasTopic     string `json:"gas_topic"`     // default "sensor/gas/data"
	ClimateTopic string `json:"climate_topic"` // default "sensor/temp/data"
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ThresholdConfig is the hysteresis band for one metric. clear_low must be
// strictly below trigger_high.
type ThresholdConfig struct {
	TriggerHigh float64 `json:"trigger_high"`
	ClearLow    float64 `json:"clear_low"`
}

// RouteConfig describes where an alert notification for a metric goes.
// Targets may be empty for channel "multicast", in which case the recipient
// registry (followers) is used as the audience.
type RouteConfig struct {
	Channel     string   `json:"channel"` // push | broadcast | multicast
	Targets     []string `json:"targets,omitempty"`
	TriggerText string   `json:"trigger_text"`
	ResolveText string   `json:"resolve_text,omitempty"`
}

type DispatchConfig struct {
	Workers    int `json:"workers,omitempty"`
	QueueSize  int `json:"queue_size,omitempty"`
	RatePerSec int `json:"rate_per_sec,omitempty"`

	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	DeliverTimeout string `json:"deliver_timeout,omitempty"`

	MulticastMaxTargets int `json:"multicast_max_targets,omitempty"`
}

// QuotaConfig caps sends per channel per period. A limit of 0 means
// unlimited. MulticastGranularity decides whether one multicast call charges
// the quota once ("per_call") or once per target ("per_target"); it is an
// explicit choice here rather than a code default.
type QuotaConfig struct {
	Push      ChannelQuota `json:"push"`
	Broadcast ChannelQuota `json:"broadcast"`
	Multicast ChannelQuota `json:"multicast"`

	MulticastGranularity string `json:"multicast_granularity,omitempty"` // per_call | per_target
}

type ChannelQuota struct {
	Limit  int    `json:"limit"`
	Period string `json:"period,omitempty"` // default "1h"
}

type TokenConfig struct {
	// Validity is the reply token window, e.g. "60s".
	Validity string `json:"validity,omitempty"`
	// SweepInterval drives the periodic expired-token sweep.
	SweepInterval string `json:"sweep_interval,omitempty"`
}

type StorageConfig struct {
	Enabled     bool   `json:"enabled"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// Retention bounds reading/alarm history kept by the prune job.
	Retention string `json:"retention,omitempty"` // default "168h"
}

type JanitorConfig struct {
	// PruneSpec is a cron spec for the history prune job. Default "0 3 * * *".
	PruneSpec string `json:"prune_spec,omitempty"`

	DailySummary DailySummaryConfig `json:"daily_summary"`
}

// DailySummaryConfig schedules a stats digest broadcast over the channel.
type DailySummaryConfig struct {
	Enabled bool   `json:"enabled"`
	Spec    string `json:"spec,omitempty"` // cron spec, default "0 8 * * *"
}

type WebhookConfig struct {
	AutoReply AutoReplyConfig `json:"auto_reply"`
}

// AutoReplyConfig echoes inbound text messages back through the reply
// channel, consuming the issued token.
type AutoReplyConfig struct {
	Enabled bool   `json:"enabled"`
	Prefix  string `json:"prefix,omitempty"` // default "You said: "
}
