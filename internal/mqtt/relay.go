package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/conduit/internal/config"
	"github.com/nugget/conduit/internal/events"
)

// DefaultUsageInterval is how often the usage summary is republished.
const DefaultUsageInterval = 60 * time.Second

// publisher is the slice of the connection manager the relay needs.
// *autopaho.ConnectionManager satisfies it.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Relay forwards bus events to the broker.
type Relay struct {
	cfg    config.MQTTConfig
	bus    *events.Bus
	usage  *DailyUsage
	logger *slog.Logger

	// UsageInterval overrides DefaultUsageInterval when positive.
	UsageInterval time.Duration

	cm *autopaho.ConnectionManager
}

// New creates a relay but does not connect. Call [Relay.Start] to begin.
func New(cfg config.MQTTConfig, bus *events.Bus, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		cfg:    cfg,
		bus:    bus,
		usage:  NewDailyUsage(nil),
		logger: logger.With("component", "mqtt"),
	}
}

// Usage returns the accumulator the relay feeds.
func (r *Relay) Usage() *DailyUsage {
	return r.usage
}

// Start connects to the broker and relays events until ctx is
// cancelled. Connection failures after startup are retried in the
// background by autopaho.
func (r *Relay) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(r.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	avail := r.availabilityTopic()
	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: r.cfg.Username,
		ConnectPassword: []byte(r.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   avail,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			r.logger.Info("mqtt connected to broker", "broker", r.cfg.Broker)
			r.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			r.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: r.cfg.ClientID,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	r.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = cm.AwaitConnection(connCtx)
	cancel()
	if err != nil {
		r.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	r.run(ctx, cm)
	return nil
}

// Stop publishes "offline" and disconnects.
func (r *Relay) Stop(ctx context.Context) error {
	if r.cm == nil {
		return nil
	}
	r.publishAvailability(ctx, r.cm, "offline")
	return r.cm.Disconnect(ctx)
}

// run drains the bus into pub until ctx ends.
func (r *Relay) run(ctx context.Context, pub publisher) {
	ch := r.bus.Subscribe(256)
	defer r.bus.Unsubscribe(ch)

	interval := r.UsageInterval
	if interval <= 0 {
		interval = DefaultUsageInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			r.usage.Observe(e)
			r.forward(ctx, pub, e)
		case <-ticker.C:
			r.publishUsage(ctx, pub)
		}
	}
}

func (r *Relay) forward(ctx context.Context, pub publisher, e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		r.logger.Debug("mqtt marshal event failed", "kind", e.Kind, "error", err)
		return
	}
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   r.eventTopic(e),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		r.logDropped(e, err)
	}
}

func (r *Relay) logDropped(e events.Event, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	r.logger.Debug("mqtt event publish failed", "source", e.Source, "kind", e.Kind, "error", err)
}

func (r *Relay) publishUsage(ctx context.Context, pub publisher) {
	payload, err := json.Marshal(r.usage.Snapshot())
	if err != nil {
		return
	}
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   r.usageTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		r.logger.Debug("mqtt usage publish failed", "error", err)
	}
}

func (r *Relay) publishAvailability(ctx context.Context, pub publisher, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   r.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		r.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	r.logger.Info("mqtt availability published", "status", status)
}

// --- Topic helpers ---

func (r *Relay) prefix() string {
	if r.cfg.TopicPrefix == "" {
		return "conduit"
	}
	return r.cfg.TopicPrefix
}

func (r *Relay) availabilityTopic() string {
	return r.prefix() + "/availability"
}

func (r *Relay) usageTopic() string {
	return r.prefix() + "/usage"
}

func (r *Relay) eventTopic(e events.Event) string {
	return r.prefix() + "/events/" + e.Source + "/" + e.Kind
}
