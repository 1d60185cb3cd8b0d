package redis

import (
	"context"
	"time"

	"github.com/gomodule/redigo/redis"
)

// A ping is sent to the server with this period to test the health of
// the subscription connection.
const healthCheckPeriod = time.Minute

type PubSub struct {
	network  string
	address  string
	password string
	pool     *redis.Pool
}

// NewPubSub checks that the server answers before returning.
func NewPubSub(network, address, password string) (*PubSub, error) {
	p := &PubSub{
		network:  network,
		address:  address,
		password: password,
	}
	p.pool = &redis.Pool{
		MaxIdle:     2,
		IdleTimeout: 5 * time.Minute,
		Dial:        p.dial,
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
	if err := p.Check(); err != nil {
		p.pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *PubSub) dial() (redis.Conn, error) {
	return redis.Dial(p.network, p.address,
		// Read timeout on server should be greater than ping period.
		redis.DialReadTimeout(healthCheckPeriod+10*time.Second),
		redis.DialWriteTimeout(10*time.Second),
		redis.DialPassword(p.password))
}

// ListenChannels subscribes on a dedicated connection and calls onMessage
// for every message until ctx is done or the connection fails.
func (p *PubSub) ListenChannels(ctx context.Context,
	onStart func() error,
	onMessage func(channel string, data []byte) error,
	channels ...string) error {

	c, err := p.dial()
	if err != nil {
		return err
	}
	defer c.Close()

	psc := redis.PubSubConn{Conn: c}
	if err := psc.Subscribe(redis.Args{}.AddFlat(channels)...); err != nil {
		return err
	}

	done := make(chan error, 1)

	go func() {
		for {
			switch n := psc.Receive().(type) {
			case error:
				done <- n
				return
			case redis.Message:
				if err := onMessage(n.Channel, n.Data); err != nil {
					done <- err
					return
				}
			case redis.Subscription:
				switch n.Count {
				case len(channels):
					if onStart == nil {
						continue
					}
					if err := onStart(); err != nil {
						done <- err
						return
					}
				case 0:
					done <- nil
					return
				}
			}
		}
	}()

	ticker := time.NewTicker(healthCheckPeriod)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ticker.C:
			// a missing pong makes Receive time out and ends the goroutine
			if err = psc.Ping(""); err != nil {
				break loop
			}
		case <-ctx.Done():
			break loop
		case err := <-done:
			return err
		}
	}

	if err := psc.Unsubscribe(); err != nil {
		return err
	}
	return <-done
}

func (p *PubSub) Check() error {
	c := p.pool.Get()
	defer c.Close()
	_, err := c.Do("PING")
	return err
}

func (p *PubSub) Publish(channel string, message []byte) error {
	c := p.pool.Get()
	defer c.Close()
	_, err := c.Do("PUBLISH", channel, message)
	return err
}

func (p *PubSub) Close() error {
	return p.pool.Close()
}
