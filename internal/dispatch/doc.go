// Package dispatch is the alert dispatch and notification gateway.
//
// It accepts two kinds of work: committed alert transitions from the state
// store, and explicit API requests (push, broadcast, multicast, reply). Every
// request is validated, charged against the per-channel quota tracker, and
// (for reply) checked against the reply token store before delivery.
//
// # Delivery semantics
//
// Push, multicast (per target) and reply retry failed sends with bounded
// exponential backoff. Broadcast is fire-and-forget: one attempt, failures
// logged and surfaced. Multicast reports per-target outcomes and never rolls
// back targets that already succeeded.
//
// # Quota granularity
//
// Whether a multicast charges its quota once per call or once per target is a
// configuration choice (quota.multicast_granularity); the gateway implements
// both and defaults to per call.
package dispatch
