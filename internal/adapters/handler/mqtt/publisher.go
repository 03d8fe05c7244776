package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"c2panel.server/internal/core/domain"
	"c2panel.server/internal/core/ports"
)

// Publisher forwards domain events from the bus to an MQTT broker so
// dashboards can follow agents and tasks without polling.
type Publisher struct {
	client mqtt.Client
	bus    ports.EventBus
	prefix string
	logger *slog.Logger
}

// NewPublisher initializes the MQTT publisher
func NewPublisher(bus ports.EventBus, brokerURL, prefix string, logger *slog.Logger) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(fmt.Sprintf("c2panel-server-%d", time.Now().UnixNano()))
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", "error", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	logger.Info("Connected to MQTT broker", "broker", brokerURL)
	return &Publisher{
		client: client,
		bus:    bus,
		prefix: strings.TrimSuffix(prefix, "/"),
		logger: logger,
	}, nil
}

// Start subscribes to the bus and publishes until ctx is done.
func (p *Publisher) Start(ctx context.Context) error {
	events, err := p.bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to events: %w", err)
	}
	go p.consume(ctx, events)
	return nil
}

func (p *Publisher) consume(ctx context.Context, events <-chan domain.Event) {
	p.logger.Info("MQTT: Started event consumer")

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := encode(event)
			if err != nil {
				p.logger.Warn("MQTT: Failed to encode event", "type", event.Type, "error", err)
				continue
			}
			p.client.Publish(topicFor(p.prefix, event), 0, false, data)
		}
	}
}

func (p *Publisher) Close() {
	p.client.Disconnect(250)
}

// topicFor routes agent events to <prefix>/agents/<identifier> and task
// events to <prefix>/tasks/<identifier>. Anything else lands on
// <prefix>/events.
func topicFor(prefix string, event domain.Event) string {
	if event.AgentIdentifier == "" {
		return prefix + "/events"
	}
	switch {
	case strings.HasPrefix(string(event.Type), "agent."):
		return fmt.Sprintf("%s/agents/%s", prefix, event.AgentIdentifier)
	case strings.HasPrefix(string(event.Type), "task."):
		return fmt.Sprintf("%s/tasks/%s", prefix, event.AgentIdentifier)
	}
	return prefix + "/events"
}

// encode wraps the event in the envelope the dashboard hub also uses.
func encode(event domain.Event) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"type":    event.Type,
		"payload": event,
	})
}
