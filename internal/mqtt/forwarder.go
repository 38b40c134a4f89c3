package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/foreman/internal/config"
	"github.com/nugget/foreman/internal/events"
)

const (
	subscribeBuffer = 64
	publishTimeout  = 5 * time.Second
)

// publisher is the subset of [autopaho.ConnectionManager] the forward
// loop needs.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Forwarder relays bus events to an MQTT broker.
type Forwarder struct {
	cfg      config.MQTTConfig
	clientID string
	bus      *events.Bus
	logger   *slog.Logger
	cm       *autopaho.ConnectionManager

	published atomic.Int64
	failed    atomic.Int64
}

// New creates a Forwarder but does not connect. Call [Forwarder.Start]
// to connect and begin forwarding.
func New(cfg config.MQTTConfig, clientID string, bus *events.Bus, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		cfg:      cfg,
		clientID: clientID,
		bus:      bus,
		logger:   logger,
	}
}

// Start connects to the broker and forwards events until ctx is
// cancelled.
func (f *Forwarder) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(f.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	status := f.statusTopic()
	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: f.cfg.Username,
		ConnectPassword: []byte(f.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   status,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			f.logger.Info("mqtt connected to broker", "broker", f.cfg.Broker, "client_id", f.clientID)
			f.publishStatus(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			f.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: f.clientID,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	// Subscribe before connecting so events raised during the handshake
	// are queued rather than lost.
	ch := f.bus.Subscribe(subscribeBuffer)
	defer f.bus.Unsubscribe(ch)

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	f.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		f.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	f.forward(ctx, cm, ch)
	return nil
}

// Stop publishes "offline" to the status topic and disconnects.
func (f *Forwarder) Stop(ctx context.Context) error {
	if f.cm == nil {
		return nil
	}
	f.publishStatus(ctx, f.cm, "offline")
	return f.cm.Disconnect(ctx)
}

// Stats reports how many events were published and how many failed.
func (f *Forwarder) Stats() (published, failed int64) {
	return f.published.Load(), f.failed.Load()
}

func (f *Forwarder) forward(ctx context.Context, pub publisher, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			f.publishEvent(ctx, pub, e)
		}
	}
}

func (f *Forwarder) publishEvent(ctx context.Context, pub publisher, e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		f.failed.Add(1)
		f.logger.Error("mqtt marshal event", "source", e.Source, "kind", e.Kind, "error", err)
		return
	}

	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	topic := EventTopic(f.cfg.TopicPrefix, e)
	if _, err := pub.Publish(pctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		f.failed.Add(1)
		f.logger.Debug("mqtt event publish failed", "topic", topic, "error", err)
		return
	}
	f.published.Add(1)
}

func (f *Forwarder) publishStatus(ctx context.Context, pub publisher, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   f.statusTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		f.logger.Warn("mqtt status publish failed", "status", status, "error", err)
		return
	}
	f.logger.Info("mqtt status published", "status", status)
}

func (f *Forwarder) statusTopic() string {
	return strings.TrimSuffix(f.cfg.TopicPrefix, "/") + "/status"
}

// EventTopic returns the topic an event is published to.
func EventTopic(prefix string, e events.Event) string {
	return strings.TrimSuffix(prefix, "/") + "/events/" + topicLevel(e.Source) + "/" + topicLevel(e.Kind)
}

// topicLevel keeps a single topic level free of separators and
// wildcards.
func topicLevel(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}
