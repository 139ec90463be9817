package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the SQLite store. If Enabled is false the gateway runs
// without history; webhook recipients then live only in memory.
type Config struct {
	Enabled     bool
	Path        string
	BusyTimeout time.Duration // 0 means driver default
	Retention   time.Duration // history kept by PruneBefore jobs
}

// Reading is one composite sensor sample.
type Reading struct {
	ID          int64
	GasLevel    float64
	Temperature float64
	Humidity    float64
	ObservedAt  time.Time
}

// Alarm records one alert state transition (triggered or resolved).
type Alarm struct {
	ID      string
	Metric  string
	Status  string
	Value   float64
	Message string
	At      time.Time
}

// Recipient is a channel follower known from webhook events.
type Recipient struct {
	UserID     string
	FollowedAt time.Time
	Active     bool
}

// DispatchRecord is one per-target delivery outcome.
type DispatchRecord struct {
	ID      string
	Channel string
	Target  string
	OK      bool
	Error   string
	TookMS  int64
	At      time.Time
}

// Stats summarizes stored history, used by the stats endpoint and the daily
// summary broadcast.
type Stats struct {
	Readings       int64
	Alarms         int64
	AlarmsByMetric map[string]int64
	Recipients     int64
	GasMax         float64
	GasAvg         float64
	TempMax        float64
	TempAvg        float64
	OldestReading  time.Time
	NewestReading  time.Time
}
