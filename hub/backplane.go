package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Envelope carries a push frame between hub instances.
type Envelope struct {
	Instance string          `json:"instance"`
	Origin   string          `json:"origin"`
	Frame    json.RawMessage `json:"frame"`
}

// Backplane shares relayed pushes between hub instances over Redis pub/sub.
type Backplane struct {
	rc         *redis.Client
	channel    string
	log        *log.Logger
	retryDelay time.Duration
}

func NewBackplane(rc *redis.Client, channel string, logger *log.Logger) *Backplane {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Backplane{rc: rc, channel: channel, log: logger, retryDelay: time.Second}
}

func (b *Backplane) Publish(ctx context.Context, env Envelope) error {
	data, err := sonic.Marshal(env)
	if err != nil {
		return err
	}
	return b.rc.Publish(ctx, b.channel, data).Err()
}

// Run subscribes to the channel and hands every envelope to deliver until
// ctx ends. A dropped subscription is re-established after a short pause.
func (b *Backplane) Run(ctx context.Context, deliver func(Envelope)) {
	for {
		sub := b.rc.Subscribe(ctx, b.channel)
		ch := sub.Channel()
	receive:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break receive
				}
				var env Envelope
				if err := sonic.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.log.WithError(err).Error("unable to parse backplane message")
					continue
				}
				deliver(env)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		b.log.Error("backplane channel closed, resubscribing")
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.retryDelay):
		}
	}
}
