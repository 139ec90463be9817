// Package alert classifies sensor readings against configured thresholds and
// tracks per-metric alert lifecycle.
//
// The threshold evaluator is a pure three-state machine (Normal, Triggered,
// Resolved) with a hysteresis band: a metric triggers at or above trigger_high
// and clears only at or below clear_low. The Store persists the state per
// metric and enforces that at most one alert is outstanding per metric at any
// time, which is what keeps a noisy reading from producing an alert storm.
package alert
