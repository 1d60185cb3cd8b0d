package pubsub

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/opennetcam/vchannel/internal/config"
)

type PubSub interface {
	Subscribe(channel string, handler PubSubHandler, onStart func() error) error
	Publish(channel string, message []byte) error
	Check() error
	Close() error
}

type PubSubHandler func(ctx context.Context, message []byte)

// NewPubSub builds the adapter named by cfg.Adapter from its settings block.
func NewPubSub(cfg config.PubSub, clientID string) (PubSub, error) {
	raw, ok := cfg.Adapters[cfg.Adapter]
	if !ok {
		return nil, fmt.Errorf("unknown pubsub adapter '%s'", cfg.Adapter)
	}

	switch cfg.Adapter {
	case "redis":
		c := config.Redis{}
		if err := mapstructure.Decode(raw, &c); err != nil {
			return nil, fmt.Errorf("failed to decode %s pubsub configuration: %w", cfg.Adapter, err)
		}
		return NewRedis(c)
	case "mqtt":
		c := config.MQTT{}
		if err := mapstructure.Decode(raw, &c); err != nil {
			return nil, fmt.Errorf("failed to decode %s pubsub configuration: %w", cfg.Adapter, err)
		}
		if c.ClientID == "" {
			c.ClientID = clientID
		}
		return NewMQTT(c)
	default:
		return nil, fmt.Errorf("unknown pubsub adapter '%s'", cfg.Adapter)
	}
}
