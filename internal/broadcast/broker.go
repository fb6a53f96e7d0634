// Package broadcast fans device group events out to every subscriber of the
// group, across server instances, through redis pub/sub. Delivery is
// best-effort: a subscriber whose buffer is full misses the event.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/rdsconnect/screen-server/internal/metrics"
	redisclient "github.com/rdsconnect/screen-server/internal/redis"
)

const subscriberBuffer = 64

const (
	EventCodeUsed        = "code-used"
	EventPlaylistChanged = "playlist-changed"
	EventContentChanged  = "content-changed"
)

type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func NewEvent(eventType string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	return Event{Type: eventType, Data: raw}, nil
}

type Subscriber struct {
	DeviceID string
	Events   chan Event
	Done     chan struct{}
}

type group struct {
	subscribers map[*Subscriber]bool
	pubsub      *redis.PubSub
	cancel      context.CancelFunc
}

type Broker struct {
	redis   *redis.Client
	metrics *metrics.Metrics
	groups  map[string]*group // deviceID -> group
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewBroker(redisClient *redis.Client, m *metrics.Metrics) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:   redisClient,
		metrics: m,
		groups:  make(map[string]*group),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Subscribe joins the device's group. The redis subscription is confirmed
// before returning, so events published afterwards reach the subscriber.
func (b *Broker) Subscribe(ctx context.Context, deviceID string) (*Subscriber, error) {
	sub := &Subscriber{
		DeviceID: deviceID,
		Events:   make(chan Event, subscriberBuffer),
		Done:     make(chan struct{}),
	}

	if b.join(deviceID, sub) {
		return sub, nil
	}

	// the redis round trip runs unlocked so fan-out to other groups goes on
	channel := redisclient.DeviceChannel(deviceID)
	pubsub := b.redis.Subscribe(b.ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	b.mu.Lock()
	if g, ok := b.groups[deviceID]; ok {
		// another subscriber created the group meanwhile
		g.subscribers[sub] = true
		b.mu.Unlock()
		pubsub.Close()
		return sub, nil
	}
	if err := b.ctx.Err(); err != nil {
		b.mu.Unlock()
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	groupCtx, cancel := context.WithCancel(b.ctx)
	b.groups[deviceID] = &group{
		subscribers: map[*Subscriber]bool{sub: true},
		pubsub:      pubsub,
		cancel:      cancel,
	}
	go b.forward(groupCtx, deviceID, pubsub)
	b.mu.Unlock()

	log.Debug().
		Str("deviceId", deviceID).
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	return sub, nil
}

// join adds sub to an existing group. It reports false when the group has no
// redis subscription yet.
func (b *Broker) join(deviceID string, sub *Subscriber) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.groups[deviceID]
	if !ok {
		return false
	}
	g.subscribers[sub] = true

	log.Debug().
		Str("deviceId", deviceID).
		Int("subscriberCount", len(g.subscribers)).
		Msg("group subscriber joined")
	return true
}

func (b *Broker) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.groups[sub.DeviceID]
	if !ok || !g.subscribers[sub] {
		return
	}
	delete(g.subscribers, sub)
	close(sub.Done)

	if len(g.subscribers) == 0 {
		g.cancel()
		g.pubsub.Close()
		delete(b.groups, sub.DeviceID)
	}

	log.Debug().
		Str("deviceId", sub.DeviceID).
		Int("subscriberCount", len(g.subscribers)).
		Msg("group subscriber left")
}

func (b *Broker) Publish(ctx context.Context, deviceID string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	channel := redisclient.DeviceChannel(deviceID)
	if err := b.redis.Publish(ctx, channel, data).Err(); err != nil {
		b.metrics.BroadcastDropped("publish_failed")
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	b.metrics.BroadcastPublished(event.Type)
	return nil
}

func (b *Broker) forward(ctx context.Context, deviceID string, pubsub *redis.PubSub) {
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Str("deviceId", deviceID).Msg("failed to unmarshal group event")
				continue
			}

			b.deliver(deviceID, event)
		}
	}
}

func (b *Broker) deliver(deviceID string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	g, ok := b.groups[deviceID]
	if !ok {
		return
	}
	for sub := range g.subscribers {
		select {
		case sub.Events <- event:
		default:
			b.metrics.BroadcastDropped("buffer_full")
			log.Warn().
				Str("deviceId", deviceID).
				Str("event", event.Type).
				Msg("subscriber buffer full, dropping event")
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, g := range b.groups {
		g.pubsub.Close()
		for sub := range g.subscribers {
			close(sub.Done)
		}
	}
	b.groups = make(map[string]*group)
}

func (b *Broker) SubscriberCount(deviceID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if g, ok := b.groups[deviceID]; ok {
		return len(g.subscribers)
	}
	return 0
}

func (b *Broker) GroupCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.groups)
}
