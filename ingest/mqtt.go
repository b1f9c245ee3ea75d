package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/spacemeshos/meterproof/logging"
)

var mqttMessagesMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "meterproof",
	Subsystem: "mqtt",
	Name:      "messages_total",
	Help:      "Number of MQTT messages received by result",
}, []string{"result"})

func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		Topic:          "meterproof/readings",
		ClientID:       "meterproof",
		QoS:            1,
		ConnectTimeout: 10 * time.Second,
	}
}

//nolint:lll
type MQTTConfig struct {
	Broker         string        `long:"mqtt-broker"          description:"The MQTT broker address, e.g. tcp://localhost:1883. Subscribing is disabled if empty"`
	Topic          string        `long:"mqtt-topic"           description:"The topic devices publish readings to"`
	ClientID       string        `long:"mqtt-client-id"       description:"The MQTT client id"`
	QoS            byte          `long:"mqtt-qos"             description:"The QoS of the subscription"`
	Username       string        `long:"mqtt-username"        description:"The MQTT username"`
	Password       string        `long:"mqtt-password"        description:"The MQTT password"`
	ConnectTimeout time.Duration `long:"mqtt-connect-timeout" description:"The timeout of connecting and subscribing to the broker"`
}

func (c MQTTConfig) Enabled() bool {
	return c.Broker != ""
}

// implement zap.ObjectMarshaler interface.
func (c MQTTConfig) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("broker", c.Broker)
	enc.AddString("topic", c.Topic)
	enc.AddString("client-id", c.ClientID)
	enc.AddUint8("qos", c.QoS)
	enc.AddDuration("connect-timeout", c.ConnectTimeout)
	return nil
}

// Subscriber feeds readings published by devices to an MQTT topic into the service.
type Subscriber struct {
	cfg     MQTTConfig
	service *Service
}

func NewSubscriber(cfg MQTTConfig, service *Service) *Subscriber {
	return &Subscriber{cfg: cfg, service: service}
}

// handle accepts a single message. Invalid messages are dropped.
func (s *Subscriber) handle(ctx context.Context, topic string, payload []byte) error {
	logger := logging.FromContext(ctx).With(zap.String("topic", topic))

	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	var reading map[string]any
	if err := decoder.Decode(&reading); err != nil {
		mqttMessagesMetric.WithLabelValues("malformed").Inc()
		logger.Warn("dropping malformed message", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrInvalidReading, err)
	}

	result, err := s.service.Accept(ctx, reading)
	switch {
	case errors.Is(err, ErrMissingFields), errors.Is(err, ErrInvalidReading):
		mqttMessagesMetric.WithLabelValues("invalid").Inc()
		logger.Warn("dropping invalid reading", zap.Error(err))
		return err
	case err != nil:
		mqttMessagesMetric.WithLabelValues("error").Inc()
		logger.Error("failed to ingest reading", zap.Error(err))
		return err
	}
	mqttMessagesMetric.WithLabelValues("accepted").Inc()
	logger.Debug("accepted reading",
		zap.String("device_id", result.Reading.DeviceID()),
		zap.Bool("batch_closed", result.BatchClosed),
	)
	return nil
}

func (s *Subscriber) wait(token mqtt.Token) error {
	if !token.WaitTimeout(s.cfg.ConnectTimeout) {
		return errors.New("timed out")
	}
	return token.Error()
}

// Run subscribes to the configured topic and blocks until ctx is done.
func (s *Subscriber) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("mqtt")
	ctx = logging.NewContext(ctx, logger)

	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(s.cfg.ClientID).
		SetUsername(s.cfg.Username).
		SetPassword(s.cfg.Password).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("lost connection to broker", zap.Error(err))
		})

	onMessage := func(_ mqtt.Client, msg mqtt.Message) {
		_ = s.handle(ctx, msg.Topic(), msg.Payload())
	}
	// resubscribe after every reconnect, the session is not persisted by the broker
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		if err := s.wait(c.Subscribe(s.cfg.Topic, s.cfg.QoS, onMessage)); err != nil {
			logger.Error("failed to subscribe", zap.String("topic", s.cfg.Topic), zap.Error(err))
			return
		}
		logger.Info("subscribed", zap.String("topic", s.cfg.Topic))
	})

	client := mqtt.NewClient(opts)
	if err := s.wait(client.Connect()); err != nil {
		return fmt.Errorf("connecting to MQTT broker %s: %w", s.cfg.Broker, err)
	}
	logger.Info("connected to broker", zap.Object("config", s.cfg))

	<-ctx.Done()
	client.Unsubscribe(s.cfg.Topic).WaitTimeout(time.Second)
	client.Disconnect(250)
	logger.Info("disconnected from broker")
	return nil
}
