package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/clawdbot/kiki/internal/buildinfo"
	"github.com/clawdbot/kiki/internal/config"
	"github.com/clawdbot/kiki/internal/events"
	"github.com/clawdbot/kiki/internal/governor"
)

const (
	commandRateLimit    = 30
	commandRateInterval = time.Minute
	eventBuffer         = 64
)

// Status is the retained payload of the status topic.
type Status struct {
	Paused        bool      `json:"paused"`
	Count         int       `json:"count"`
	Limit         int       `json:"limit"`
	Remaining     int       `json:"remaining"`
	Date          string    `json:"date"`
	ActiveTurns   int       `json:"active_turns"`
	TokensIn      int64     `json:"tokens_in"`
	TokensOut     int64     `json:"tokens_out"`
	Version       string    `json:"version"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Timestamp     time.Time `json:"ts"`
}

// Publisher owns the broker connection. It publishes status on an
// interval and applies commands received on the command topic.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	gov        *governor.Governor
	events     *events.Bus
	tokens     *DailyTokens
	limiter    *messageRateLimiter
	logger     *slog.Logger
	now        func() time.Time
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to connect and begin publishing. bus may be nil.
func New(cfg config.MQTTConfig, instanceID string, gov *governor.Governor, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.ClientID),
		gov:        gov,
		events:     bus,
		tokens:     NewDailyTokens(nil),
		limiter:    newMessageRateLimiter(commandRateLimit, commandRateInterval, logger),
		logger:     logger,
		now:        time.Now,
	}
}

// Start connects to the broker and publishes status until ctx is
// cancelled. Connection failures after the first attempt are retried in
// the background by autopaho.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.subscribe(ctx, cm)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					if pr.Packet.Topic != p.commandTopic() {
						return false, nil
					}
					p.handleCommand(ctx, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go p.limiter.start(ctx)
	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds both steps.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

// Topics

func (p *Publisher) availabilityTopic() string { return p.cfg.TopicPrefix + "/availability" }
func (p *Publisher) statusTopic() string       { return p.cfg.TopicPrefix + "/status" }
func (p *Publisher) commandTopic() string      { return p.cfg.TopicPrefix + "/command" }

func (p *Publisher) discoveryTopic(entity string) string {
	return p.cfg.DiscoveryPrefix + "/sensor/" + p.cfg.ClientID + "/" + entity + "/config"
}

func (p *Publisher) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: p.commandTopic(), QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt subscribe failed", "topic", p.commandTopic(), "error", err)
		return
	}
	p.logger.Debug("mqtt subscribed", "topic", p.commandTopic())
}

// Discovery

type sensorDef struct {
	entity string
	config SensorConfig
}

func (p *Publisher) sensor(entity, name, field, icon string) SensorConfig {
	return SensorConfig{
		Name:              p.device.Name + " " + name,
		UniqueID:          p.instanceID + "_" + entity,
		StateTopic:        p.statusTopic(),
		AvailabilityTopic: p.availabilityTopic(),
		ValueTemplate:     "{{ value_json." + field + " }}",
		Device:            p.device,
		Icon:              icon,
	}
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	calls := p.sensor("calls_today", "Calls Today", "count", "mdi:counter")
	calls.StateClass = "total_increasing"
	calls.UnitOfMeasurement = "calls"

	remaining := p.sensor("calls_remaining", "Calls Remaining", "remaining", "mdi:gauge")
	remaining.StateClass = "measurement"
	remaining.UnitOfMeasurement = "calls"

	limit := p.sensor("daily_limit", "Daily Limit", "limit", "mdi:speedometer")
	limit.EntityCategory = "diagnostic"

	paused := p.sensor("paused", "Paused", "paused", "mdi:pause-circle")

	active := p.sensor("active_turns", "Active Turns", "active_turns", "mdi:chat-processing")
	active.StateClass = "measurement"

	tokens := p.sensor("tokens_today", "Tokens Today", "tokens_in + value_json.tokens_out", "mdi:counter")
	tokens.StateClass = "total_increasing"
	tokens.UnitOfMeasurement = "tokens"

	version := p.sensor("version", "Version", "version", "mdi:tag")
	version.EntityCategory = "diagnostic"

	return []sensorDef{
		{"calls_today", calls},
		{"calls_remaining", remaining},
		{"daily_limit", limit},
		{"paused", paused},
		{"active_turns", active},
		{"tokens_today", tokens},
		{"version", version},
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	if p.cfg.DiscoveryPrefix == "" {
		return
	}
	for _, s := range p.sensorDefinitions() {
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "entity", s.entity, "error", err)
			continue
		}
		topic := p.discoveryTopic(s.entity)
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", s.entity, "topic", topic, "error", err)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// Periodic status

func (p *Publisher) runLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PublishInterval)
	defer ticker.Stop()

	var sub <-chan events.Event
	if p.events != nil {
		sub = p.events.Subscribe(eventBuffer)
		defer p.events.Unsubscribe(sub)
	}

	p.publishStatus(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStatus(ctx)
		case e, ok := <-sub:
			if !ok {
				sub = nil
				continue
			}
			p.observe(ctx, e)
		}
	}
}

// observe tracks token usage and republishes immediately on governor
// changes made through other channels.
func (p *Publisher) observe(ctx context.Context, e events.Event) {
	p.tokens.Observe(e)
	if e.Source == events.SourceGovernor && e.Data["via"] != Platform {
		p.publishStatus(ctx)
	}
}

// Status returns the current status payload.
func (p *Publisher) Status() Status {
	u := p.gov.Usage()
	in, out := p.tokens.Snapshot()
	return Status{
		Paused:        u.Paused,
		Count:         u.Count,
		Limit:         u.Limit,
		Remaining:     u.Remaining(),
		Date:          u.Date,
		ActiveTurns:   p.gov.Active(),
		TokensIn:      in,
		TokensOut:     out,
		Version:       buildinfo.Version,
		UptimeSeconds: int64(buildinfo.Uptime().Seconds()),
		Timestamp:     p.now().UTC(),
	}
}

func (p *Publisher) publishStatus(ctx context.Context) {
	if p.cm == nil {
		return
	}
	payload, err := json.Marshal(p.Status())
	if err != nil {
		p.logger.Error("mqtt marshal status", "error", err)
		return
	}
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.statusTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt status publish failed", "error", err)
		return
	}
	p.logger.Debug("mqtt status published")
}
