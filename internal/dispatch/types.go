package dispatch

import (
	"context"
	"errors"
	"time"

	"gaswatch/internal/alert"
)

var (
	ErrStopped   = errors.New("dispatch gateway stopped")
	ErrQueueFull = errors.New("dispatch queue full")
)

// Channel selects the delivery mode of a request.
type Channel string

const (
	ChannelPush      Channel = "push"
	ChannelBroadcast Channel = "broadcast"
	ChannelMulticast Channel = "multicast"
	ChannelReply     Channel = "reply"
)

// Request is a transient outbound message request. Targets is empty for
// broadcast; Token is set only for reply.
type Request struct {
	Channel Channel
	Targets []string
	Message string
	Token   string
}

// Reason classifies a rejected request.
type Reason string

const (
	ReasonQuotaExceeded  Reason = "QuotaExceeded"
	ReasonInvalidToken   Reason = "InvalidToken"
	ReasonInvalidRequest Reason = "InvalidRequest"
	ReasonDeliveryFailed Reason = "DeliveryFailed"
)

// TargetResult reports the outcome of one per-target delivery attempt.
type TargetResult struct {
	Target string `json:"target"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// Result is the structured accept/reject outcome of a dispatch. For multicast
// with partial failure, Accepted stays true and Targets carries the detail;
// succeeded deliveries are never rolled back.
type Result struct {
	ID       string         `json:"id"`
	Accepted bool           `json:"accepted"`
	Reason   Reason         `json:"reason,omitempty"`
	Detail   string         `json:"detail,omitempty"`
	Targets  []TargetResult `json:"targets,omitempty"`
}

// Deliverer is the outbound delivery collaborator (the messaging channel
// client). Calls must honor ctx; the gateway bounds every call with a timeout.
type Deliverer interface {
	Push(ctx context.Context, to, text string) error
	Broadcast(ctx context.Context, text string) error
	Reply(ctx context.Context, replyToken, text string) error
}

// RecipientSource supplies the known audience (from follow events) for alert
// routes that do not pin static targets.
type RecipientSource interface {
	ActiveRecipients(ctx context.Context) ([]string, error)
}

// AuditSink records dispatch outcomes for operator visibility.
type AuditSink interface {
	RecordDispatch(ctx context.Context, rec AuditRecord) error
}

type AuditRecord struct {
	ID      string
	Channel string
	Target  string
	OK      bool
	Error   string
	TookMS  int64
	At      time.Time
}

// Granularity selects how multicast charges quota: once per call, or once per
// target. This is an explicit configuration choice, not a code default.
type Granularity string

const (
	GranularityPerCall   Granularity = "per_call"
	GranularityPerTarget Granularity = "per_target"
)

// Config tunes the gateway pipeline.
//
// Retry applies to push, multicast (per target) and reply. Broadcast is
// fire-and-forget: a failure is logged and surfaced, never retried.
type Config struct {
	Workers    int
	QueueSize  int
	RatePerSec int

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	DeliverTimeout time.Duration

	MulticastMaxTargets  int
	MulticastGranularity Granularity
}

// Route is the static alert routing configuration for one metric.
type Route struct {
	Channel     Channel
	Targets     []string
	TriggerText string
	ResolveText string
}

type alertJob struct {
	state alert.State
	route Route
}
