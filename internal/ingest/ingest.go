package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"gaswatch/internal/alert"
	"gaswatch/internal/storage"
	logx "gaswatch/pkg/logx"
)

var ErrDisabled = errors.New("ingest disabled")

// TransitionSink receives alert state transitions produced by incoming
// telemetry. The dispatch gateway is the production sink.
type TransitionSink interface {
	OnTransition(st alert.State) error
}

// Config configures the MQTT telemetry subscriber.
type Config struct {
	Enabled  bool
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte

	GasTopic     string // default "sensor/gas/data"
	ClimateTopic string // default "sensor/temp/data"

	ConnectTimeout time.Duration // default 10s
}

// gasPayload mirrors what the sensor firmware publishes on the gas topic.
// Unknown fields (alarm flags, buzzer state) are ignored; the gateway derives
// its own alert state from raw values.
type gasPayload struct {
	Raw       float64 `json:"raw"`
	Voltage   float64 `json:"voltage"`
	Timestamp float64 `json:"timestamp"`
}

type climatePayload struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Valid       *bool   `json:"valid"`
	Timestamp   float64 `json:"timestamp"`
}

// Service subscribes to the sensor topics, evaluates thresholds and feeds
// transitions to the dispatch gateway. Readings and alarm transitions are
// persisted when storage is enabled.
type Service struct {
	cfg    Config
	states *alert.Store
	sink   TransitionSink
	store  *storage.Store
	log    logx.Logger

	thMu       sync.RWMutex
	thresholds map[alert.Metric]alert.Threshold

	// lastMu guards the composite sample assembled from the two topics.
	lastMu sync.Mutex
	last   storage.Reading

	client mqtt.Client
	now    func() time.Time
}

func New(cfg Config, states *alert.Store, sink TransitionSink, store *storage.Store, log logx.Logger) *Service {
	if strings.TrimSpace(cfg.GasTopic) == "" {
		cfg.GasTopic = "sensor/gas/data"
	}
	if strings.TrimSpace(cfg.ClimateTopic) == "" {
		cfg.ClimateTopic = "sensor/temp/data"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:        cfg,
		states:     states,
		sink:       sink,
		store:      store,
		log:        log,
		thresholds: map[alert.Metric]alert.Threshold{},
		now:        time.Now,
	}
}

// UpdateThresholds swaps the evaluated bands. Metrics without an entry are
// recorded but not evaluated.
func (s *Service) UpdateThresholds(th map[alert.Metric]alert.Threshold) {
	cp := make(map[alert.Metric]alert.Threshold, len(th))
	for k, v := range th {
		cp[k] = v
	}
	s.thMu.Lock()
	s.thresholds = cp
	s.thMu.Unlock()
}

func (s *Service) threshold(m alert.Metric) (alert.Threshold, bool) {
	s.thMu.RLock()
	defer s.thMu.RUnlock()
	th, ok := s.thresholds[m]
	return th, ok
}

// Connected reports whether the MQTT session is currently open. Only valid
// after Start has returned; the client field is written once during Start.
func (s *Service) Connected() bool {
	if s == nil || s.client == nil {
		return false
	}
	return s.client.IsConnectionOpen()
}

func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return ErrDisabled
	}
	if strings.TrimSpace(s.cfg.Broker) == "" {
		return errors.New("mqtt broker is required")
	}

	opts := mqtt.NewClientOptions().AddBroker(s.cfg.Broker)
	if s.cfg.ClientID != "" {
		opts.SetClientID(s.cfg.ClientID)
	}
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOrderMatters(false)
	opts.SetConnectTimeout(s.cfg.ConnectTimeout)

	// Subscriptions are re-established from OnConnect so they survive broker
	// reconnects.
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		for topic, h := range map[string]mqtt.MessageHandler{
			s.cfg.GasTopic:     s.onGasMessage,
			s.cfg.ClimateTopic: s.onClimateMessage,
		} {
			tok := c.Subscribe(topic, s.cfg.QoS, h)
			tok.Wait()
			if err := tok.Error(); err != nil {
				s.log.Warn("mqtt subscribe failed",
					logx.String("topic", topic), logx.Err(err))
				continue
			}
			s.log.Debug("mqtt subscribed", logx.String("topic", topic))
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.log.Warn("mqtt connection lost", logx.Err(err))
	})

	s.client = mqtt.NewClient(opts)
	tok := s.client.Connect()
	if !tok.WaitTimeout(s.cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt connect to %s: timeout", s.cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", s.cfg.Broker, err)
	}
	s.log.Info("telemetry ingest started",
		logx.String("broker", s.cfg.Broker),
		logx.String("gas_topic", s.cfg.GasTopic),
		logx.String("climate_topic", s.cfg.ClimateTopic))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	return nil
}

func (s *Service) onGasMessage(_ mqtt.Client, msg mqtt.Message) {
	if err := s.processGas(msg.Payload()); err != nil {
		s.log.Warn("gas payload rejected",
			logx.String("topic", msg.Topic()), logx.Err(err))
	}
}

func (s *Service) onClimateMessage(_ mqtt.Client, msg mqtt.Message) {
	if err := s.processClimate(msg.Payload()); err != nil {
		s.log.Warn("climate payload rejected",
			logx.String("topic", msg.Topic()), logx.Err(err))
	}
}

func (s *Service) processGas(raw []byte) error {
	var p gasPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if math.IsNaN(p.Raw) || math.IsInf(p.Raw, 0) || p.Raw < 0 {
		return fmt.Errorf("gas raw value out of range: %v", p.Raw)
	}
	at := s.payloadTime(p.Timestamp)

	s.recordSample(func(r *storage.Reading) {
		r.GasLevel = p.Raw
		r.ObservedAt = at
	})
	s.evaluate(alert.MetricGas, p.Raw, at)
	return nil
}

func (s *Service) processClimate(raw []byte) error {
	var p climatePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	// The DHT sensor flags unreliable reads; skip them entirely.
	if p.Valid != nil && !*p.Valid {
		return nil
	}
	if math.IsNaN(p.Temperature) || math.IsInf(p.Temperature, 0) {
		return fmt.Errorf("temperature out of range: %v", p.Temperature)
	}
	if math.IsNaN(p.Humidity) || math.IsInf(p.Humidity, 0) {
		return fmt.Errorf("humidity out of range: %v", p.Humidity)
	}
	at := s.payloadTime(p.Timestamp)

	s.recordSample(func(r *storage.Reading) {
		r.Temperature = p.Temperature
		r.Humidity = p.Humidity
		r.ObservedAt = at
	})
	s.evaluate(alert.MetricTemperature, p.Temperature, at)
	s.evaluate(alert.MetricHumidity, p.Humidity, at)
	return nil
}

// recordSample merges the update into the composite sample and persists a
// row. Gas and climate arrive on separate topics, so each row carries the
// freshest known value of the other fields.
func (s *Service) recordSample(update func(*storage.Reading)) {
	s.lastMu.Lock()
	update(&s.last)
	r := s.last
	s.lastMu.Unlock()

	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.InsertReading(ctx, r); err != nil && !errors.Is(err, storage.ErrDisabled) {
		s.log.Warn("reading insert failed", logx.Err(err))
	}
}

func (s *Service) evaluate(m alert.Metric, value float64, at time.Time) {
	th, ok := s.threshold(m)
	if !ok {
		return
	}
	st, transitioned := s.states.Apply(m, value, at, th)
	if !transitioned {
		return
	}

	s.log.Info("alert transition",
		logx.String("metric", string(m)),
		logx.String("status", string(st.Status)),
		logx.Float64("value", value))

	if s.sink != nil {
		if err := s.sink.OnTransition(st); err != nil {
			s.log.Warn("transition not dispatched",
				logx.String("metric", string(m)), logx.Err(err))
		}
	}
	s.recordAlarm(st)
}

func (s *Service) recordAlarm(st alert.State) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.store.InsertAlarm(ctx, storage.Alarm{
		ID:      fmt.Sprintf("%s-%s-%d", st.Metric, st.Status, st.ObservedAt.UnixMilli()),
		Metric:  string(st.Metric),
		Status:  string(st.Status),
		Value:   st.Value,
		Message: fmt.Sprintf("%s %s (%.1f)", st.Metric, st.Status, st.Value),
		At:      st.ObservedAt,
	})
	if err != nil && !errors.Is(err, storage.ErrDisabled) {
		s.log.Warn("alarm insert failed", logx.Err(err))
	}
}

// payloadTime converts the firmware's unix-seconds timestamp. Devices with an
// unsynced clock send 0 or tiny values; fall back to receive time for those.
func (s *Service) payloadTime(ts float64) time.Time {
	if ts < 1e9 || math.IsNaN(ts) || math.IsInf(ts, 0) {
		return s.now()
	}
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}
