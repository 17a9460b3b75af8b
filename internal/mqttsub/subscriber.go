// Package mqttsub feeds readings published by field devices over MQTT into
// the ingest router. Devices publish one JSON payload per message on
// <prefix>/current or <prefix>/temperature.
package mqttsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/navid-fn/sensorhub/internal/ingest"
	"github.com/navid-fn/sensorhub/internal/model"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

const subscribeTimeout = 10 * time.Second

// Ingester is satisfied by *ingest.Router.
type Ingester interface {
	Ingest(stream model.StreamType, p model.DevicePayload) (ingest.Receipt, error)
}

type Subscriber struct {
	client mqtt.Client
	prefix string
	router Ingester
	logger logrus.FieldLogger
}

// NewClientOptions returns paho options that resubscribe after every reconnect.
func NewClientOptions(broker, clientID string, onConnect mqtt.OnConnectHandler) *mqtt.ClientOptions {
	return mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetConnectTimeout(10 * time.Second).
		SetOnConnectHandler(onConnect)
}

func New(client mqtt.Client, prefix string, router Ingester, logger logrus.FieldLogger) *Subscriber {
	return &Subscriber{
		client: client,
		prefix: strings.TrimSuffix(prefix, "/"),
		router: router,
		logger: logger,
	}
}

// Topic returns the topic a stream is published on.
func (s *Subscriber) Topic(stream model.StreamType) string {
	return s.prefix + "/" + string(stream)
}

// Subscribe registers the handler on both stream topics.
func (s *Subscriber) Subscribe() error {
	filters := make(map[string]byte, len(model.Streams))
	for _, stream := range model.Streams {
		filters[s.Topic(stream)] = 1
	}

	token := s.client.SubscribeMultiple(filters, s.Handle)
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("subscribe to %s timed out", s.prefix)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", s.prefix, err)
	}
	s.logger.WithField("prefix", s.prefix).Info("Subscribed to device topics")
	return nil
}

// Run blocks until ctx is done, then disconnects the client.
func (s *Subscriber) Run(ctx context.Context) {
	<-ctx.Done()
	s.client.Disconnect(250)
	s.logger.Info("MQTT subscriber stopped")
}

// Handle is the paho message handler. Invalid messages are logged and dropped.
func (s *Subscriber) Handle(_ mqtt.Client, msg mqtt.Message) {
	log := s.logger.WithField("topic", msg.Topic())

	stream, ok := s.streamOf(msg.Topic())
	if !ok {
		log.Warn("Message on unknown topic")
		return
	}

	var p model.DevicePayload
	if err := json.Unmarshal(msg.Payload(), &p); err != nil {
		log.WithError(err).Warn("Invalid device payload")
		return
	}

	if _, err := s.router.Ingest(stream, p); err != nil {
		log.WithError(err).Warn("Rejected device reading")
	}
}

func (s *Subscriber) streamOf(topic string) (model.StreamType, bool) {
	name, ok := strings.CutPrefix(topic, s.prefix+"/")
	if !ok {
		return "", false
	}
	stream := model.StreamType(name)
	return stream, stream.Valid()
}
