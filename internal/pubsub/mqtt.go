package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/opennetcam/vchannel/internal/config"
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

const mqttTimeout = 5 * time.Second

var _ PubSub = (*MQTT)(nil)

// MQTT carries the same JSON messages as the redis adapter over a broker,
// optionally transcoded to msgpack on the wire.
type MQTT struct {
	config config.MQTT
	client mqtt.Client
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]mqtt.MessageHandler
}

func NewMQTT(cfg config.MQTT) (*MQTT, error) {
	switch cfg.Encoding {
	case "", "json", "msgpack":
	default:
		return nil, fmt.Errorf("unknown mqtt encoding %q", cfg.Encoding)
	}

	m := &MQTT{config: cfg, subs: make(map[string]mqtt.MessageHandler)}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = m.resubscribe
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		log.Warnf("mqtt: connection lost to %s: %v", cfg.Broker, err)
	}
	m.client = mqtt.NewClient(opts)

	token := m.client.Connect()
	if !token.WaitTimeout(mqttTimeout) {
		return nil, fmt.Errorf("mqtt: connection timeout to %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: %w", err)
	}
	return m, nil
}

// resubscribe restores the subscriptions after an automatic reconnect.
func (m *MQTT) resubscribe(c mqtt.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for topic, h := range m.subs {
		if t := c.Subscribe(topic, m.config.QoS, h); t.WaitTimeout(mqttTimeout) && t.Error() != nil {
			log.Errorf("mqtt: resubscribe %s: %v", topic, t.Error())
		}
	}
}

// Subscribe blocks until Close is called, like the redis adapter.
func (m *MQTT) Subscribe(channel string, handler PubSubHandler, onStart func() error) error {
	h := func(_ mqtt.Client, msg mqtt.Message) {
		payload, err := decodePayload(m.config.Encoding, msg.Payload())
		if err != nil {
			log.Warnf("mqtt: %s: %v", msg.Topic(), err)
			return
		}
		handler(m.ctx, payload)
	}

	token := m.client.Subscribe(channel, m.config.QoS, h)
	if !token.WaitTimeout(mqttTimeout) {
		return fmt.Errorf("mqtt: subscribe timeout on %s", channel)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: subscribe %s: %w", channel, err)
	}
	m.mu.Lock()
	m.subs[channel] = h
	m.mu.Unlock()

	if onStart != nil {
		if err := onStart(); err != nil {
			return err
		}
	}
	<-m.ctx.Done()
	return nil
}

func (m *MQTT) Publish(channel string, message []byte) error {
	payload, err := encodePayload(m.config.Encoding, message)
	if err != nil {
		return err
	}
	token := m.client.Publish(channel, m.config.QoS, false, payload)
	if !token.WaitTimeout(mqttTimeout) {
		return fmt.Errorf("mqtt: publish timeout on %s", channel)
	}
	return token.Error()
}

func (m *MQTT) Check() error {
	if !m.client.IsConnectionOpen() {
		return fmt.Errorf("mqtt: not connected to %s", m.config.Broker)
	}
	return nil
}

func (m *MQTT) Close() error {
	m.cancel()
	m.client.Disconnect(250)
	return nil
}

// encodePayload converts an outbound JSON message to the wire encoding.
func encodePayload(encoding string, message []byte) ([]byte, error) {
	if encoding != "msgpack" {
		return message, nil
	}
	var v interface{}
	if err := json.Unmarshal(message, &v); err != nil {
		return nil, fmt.Errorf("mqtt: %w", err)
	}
	return msgpack.Marshal(v)
}

// decodePayload converts an inbound wire message to JSON for the event
// decoder.
func decodePayload(encoding string, payload []byte) ([]byte, error) {
	if encoding != "msgpack" {
		return payload, nil
	}
	var v interface{}
	if err := msgpack.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
