package alert

import (
	"errors"
	"fmt"
	"time"
)

// ErrConfig marks invalid threshold configuration. It is fatal at startup and
// rejected on hot reload; runtime logic never produces it.
var ErrConfig = errors.New("invalid threshold config")

// Metric identifies one monitored quantity from the sensor feed.
type Metric string

const (
	MetricGas         Metric = "gas"
	MetricTemperature Metric = "temperature"
	MetricHumidity    Metric = "humidity"
)

// Status is the alert lifecycle state of a single metric.
type Status string

const (
	StatusNormal    Status = "normal"
	StatusTriggered Status = "triggered"
	StatusResolved  Status = "resolved"
)

// Reading is one immutable sensor sample as produced by the sensor node.
// ObservedAt is the node-side observation time, not the arrival time.
type Reading struct {
	GasLevel    float64   `json:"gas_level"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	ObservedAt  time.Time `json:"observed_at"`
}

// Value returns the sample value for a metric.
func (r Reading) Value(m Metric) (float64, bool) {
	switch m {
	case MetricGas:
		return r.GasLevel, true
	case MetricTemperature:
		return r.Temperature, true
	case MetricHumidity:
		return r.Humidity, true
	default:
		return 0, false
	}
}

// Threshold holds the trigger/clear bounds for one metric.
//
// TriggerHigh and ClearLow must form a hysteresis band (ClearLow strictly
// below TriggerHigh); a single shared boundary would oscillate on noisy
// readings.
type Threshold struct {
	TriggerHigh float64
	ClearLow    float64
}

func (t Threshold) Validate(m Metric) error {
	if t.ClearLow >= t.TriggerHigh {
		return fmt.Errorf("%w: %s: clear_low %.3f must be below trigger_high %.3f",
			ErrConfig, m, t.ClearLow, t.TriggerHigh)
	}
	return nil
}

// State is the committed alert state of one metric. It is owned by the Store
// and mutated only through the evaluator's transition function.
type State struct {
	Metric         Metric
	Status         Status
	Value          float64
	TriggeredAt    time.Time
	LastNotifiedAt time.Time
	ObservedAt     time.Time
}
