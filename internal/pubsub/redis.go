package pubsub

import (
	"context"

	"github.com/opennetcam/vchannel/internal/config"
	"github.com/opennetcam/vchannel/internal/pubsub/redis"
	log "github.com/sirupsen/logrus"
)

var _ PubSub = (*Redis)(nil)

type Redis struct {
	config config.Redis
	pubsub *redis.PubSub
	ctx    context.Context
	cancel context.CancelFunc
}

// Subscribe blocks until the subscription ends or Close is called.
func (r *Redis) Subscribe(channel string, handler PubSubHandler, onStart func() error) error {
	return r.pubsub.ListenChannels(r.ctx, onStart,
		func(channel string, message []byte) error {
			log.Tracef("redis: %s: %s", channel, message)
			handler(r.ctx, message)
			return nil
		},
		channel)
}

func (r *Redis) Publish(channel string, message []byte) error {
	return r.pubsub.Publish(channel, message)
}

func (r *Redis) Check() error {
	return r.pubsub.Check()
}

func (r *Redis) Close() error {
	r.cancel()
	return r.pubsub.Close()
}

func NewRedis(cfg config.Redis) (*Redis, error) {
	p, err := redis.NewPubSub(cfg.Network, cfg.Address, cfg.Password)
	if err != nil {
		return nil, err
	}
	r := &Redis{config: cfg, pubsub: p}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r, nil
}
