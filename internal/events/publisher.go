// Package events publishes entitlement changes for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/rdsconnect/screen-server/internal/model"
)

const EventEntitlementUpdated = "entitlement.updated"

type Publisher interface {
	EntitlementUpdated(ctx context.Context, ent model.Entitlement) error
	Close() error
}

type EntitlementMessage struct {
	Type              string    `json:"type"`
	AccountID         string    `json:"accountId"`
	CurrentMaxScreens int       `json:"currentMaxScreens"`
	UsedScreens       int       `json:"usedScreens"`
	OccurredAt        time.Time `json:"occurredAt"`
}

// NewPublisher returns a kafka publisher, or a no-op when no brokers are
// configured.
func NewPublisher(brokers []string, topic string) Publisher {
	if len(brokers) == 0 {
		log.Info().Msg("kafka brokers not configured, entitlement events disabled")
		return NoopPublisher{}
	}
	return NewKafkaPublisher(brokers, topic)
}

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
	}

	log.Info().Strs("brokers", brokers).Str("topic", topic).Msg("kafka publisher initialized")
	return &KafkaPublisher{writer: writer}
}

func (p *KafkaPublisher) EntitlementUpdated(ctx context.Context, ent model.Entitlement) error {
	msg, err := entitlementMessage(ent, time.Now())
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write entitlement event: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// entitlementMessage keys by account so one account's updates stay ordered
// within a partition.
func entitlementMessage(ent model.Entitlement, at time.Time) (kafka.Message, error) {
	body, err := json.Marshal(EntitlementMessage{
		Type:              EventEntitlementUpdated,
		AccountID:         ent.AccountID,
		CurrentMaxScreens: ent.CurrentMaxScreens,
		UsedScreens:       ent.UsedScreens,
		OccurredAt:        at.UTC(),
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal entitlement event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(ent.AccountID),
		Value: body,
		Time:  at,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(EventEntitlementUpdated)},
		},
	}, nil
}

type NoopPublisher struct{}

func (NoopPublisher) EntitlementUpdated(context.Context, model.Entitlement) error { return nil }

func (NoopPublisher) Close() error { return nil }
