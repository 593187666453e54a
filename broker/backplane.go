package broker

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

type backplaneMessage struct {
	Origin string                 `json:"origin"`
	Owner  string                 `json:"owner"`
	Event  sonic.NoCopyRawMessage `json:"event"`
}

// RedisBackplane shares mutation events between broker instances over a
// Redis pub/sub channel. The publishing instance has already delivered the
// event to its own sessions, so messages carrying its own origin are skipped.
type RedisBackplane struct {
	origin     string
	client     *redis.Client
	channel    string
	logger     *log.Logger
	retryDelay time.Duration

	readyOnce sync.Once
	ready     chan struct{}
}

// NewRedisBackplane creates a backplane on channel.
func NewRedisBackplane(client *redis.Client, channel string, logger *log.Logger) *RedisBackplane {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RedisBackplane{
		origin:     uuid.NewString(),
		client:     client,
		channel:    channel,
		logger:     logger,
		retryDelay: time.Second,
		ready:      make(chan struct{}),
	}
}

// Ready is closed once the first subscription is confirmed.
func (p *RedisBackplane) Ready() <-chan struct{} {
	return p.ready
}

// Publish sends d to every other subscribed instance.
func (p *RedisBackplane) Publish(ctx context.Context, d Delivery) error {
	data, err := sonic.Marshal(backplaneMessage{Origin: p.origin, Owner: d.Owner, Event: d.Payload})
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, data).Err()
}

// Run subscribes to the channel and hands every message to deliver until ctx
// is done. A dropped subscription is re-established after a short delay.
func (p *RedisBackplane) Run(ctx context.Context, deliver func(Delivery)) error {
	for {
		if err := p.consume(ctx, deliver); err != nil {
			p.logger.WithError(err).WithField("channel", p.channel).Error("backplane subscription failed")
		}
		if ctx.Err() != nil {
			return nil
		}
		p.logger.WithField("channel", p.channel).Warn("backplane channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.retryDelay):
		}
	}
}

func (p *RedisBackplane) consume(ctx context.Context, deliver func(Delivery)) error {
	sub := p.client.Subscribe(ctx, p.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	p.readyOnce.Do(func() { close(p.ready) })

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m backplaneMessage
			if err := sonic.UnmarshalString(msg.Payload, &m); err != nil {
				p.logger.WithError(err).Error("unable to parse backplane message")
				continue
			}
			if m.Origin == p.origin {
				continue
			}
			deliver(Delivery{Owner: m.Owner, Payload: []byte(m.Event)})
		}
	}
}
