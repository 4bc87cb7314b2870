package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"livestage/internal/core/domain"
)

// EventType represents the type of event
type EventType string

const (
	// EventSignalForward carries a frame addressed to one party.
	EventSignalForward EventType = "signal.forward"
	// EventSignalBroadcast carries a frame for every member of a room.
	EventSignalBroadcast EventType = "signal.broadcast"
)

// Event is what relay instances exchange so that parties connected to
// different instances can reach each other.
type Event struct {
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	StreamID   domain.StreamID `json:"stream_id,omitempty"`
	From       domain.PartyID  `json:"from,omitempty"`
	To         domain.PartyID  `json:"to,omitempty"`
	Frame      json.RawMessage `json:"frame"`
}

// EventBus provides event publishing and subscription across relay instances
type EventBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	logger     *zap.SugaredLogger
	pubsub     *redis.PubSub
}

// NewEventBus creates a new event bus
func NewEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    "livestage:signal",
		logger:     logger,
	}
}

func (eb *EventBus) InstanceID() string {
	return eb.instanceID
}

// Publish publishes an event to the event bus
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"stream_id", event.StreamID,
		"to", event.To,
	)
	return nil
}

// Forward publishes a frame addressed to one party.
func (eb *EventBus) Forward(ctx context.Context, streamID domain.StreamID, to domain.PartyID, frame json.RawMessage) error {
	return eb.Publish(ctx, &Event{
		Type:     EventSignalForward,
		StreamID: streamID,
		To:       to,
		Frame:    frame,
	})
}

// Broadcast publishes a frame for every member of streamID except from.
func (eb *EventBus) Broadcast(ctx context.Context, streamID domain.StreamID, from domain.PartyID, frame json.RawMessage) error {
	return eb.Publish(ctx, &Event{
		Type:     EventSignalBroadcast,
		StreamID: streamID,
		From:     from,
		Frame:    frame,
	})
}

// Subscribe calls handler for every event published by other instances
// until ctx is done.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	if eb.pubsub != nil {
		return fmt.Errorf("already subscribed")
	}

	eb.pubsub = eb.client.Subscribe(ctx, eb.channel)
	defer eb.pubsub.Close()

	ch := eb.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}

			// Skip events from this instance
			if event.InstanceID == eb.instanceID {
				continue
			}

			if err := handler(&event); err != nil {
				eb.logger.Warnw("error handling event",
					"type", event.Type,
					"error", err,
				)
			}
		}
	}
}

// Close closes the event bus
func (eb *EventBus) Close() error {
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
