package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"ofiz/api/internal/chat"
)

// DefaultChannel is the Redis pub/sub channel shared by every API instance.
const DefaultChannel = "ofiz:realtime"

// Broker fans chat events out to every instance's hub.
type Broker interface {
	Publish(ctx context.Context, event chat.Event) error
	// Run delivers events until ctx is done.
	Run(ctx context.Context, deliver func(chat.Event)) error
}

type RedisBroker struct {
	client  *redis.Client
	channel string
}

func NewRedisBroker(client *redis.Client, channel string) *RedisBroker {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBroker{client: client, channel: channel}
}

func (b *RedisBroker) Publish(ctx context.Context, event chat.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (b *RedisBroker) Run(ctx context.Context, deliver func(chat.Event)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	log.Info("realtime broker subscribed", "channel", b.channel)

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var event chat.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Warn("discarding malformed realtime event", "err", err)
				continue
			}
			deliver(event)
		}
	}
}

// LocalBroker delivers within the process; used when Redis is not configured.
type LocalBroker struct {
	events chan chat.Event
}

func NewLocalBroker(buffer int) *LocalBroker {
	if buffer <= 0 {
		buffer = 256
	}
	return &LocalBroker{events: make(chan chat.Event, buffer)}
}

func (b *LocalBroker) Publish(ctx context.Context, event chat.Event) error {
	select {
	case b.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *LocalBroker) Run(ctx context.Context, deliver func(chat.Event)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-b.events:
			deliver(event)
		}
	}
}
