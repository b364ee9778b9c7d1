package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"roomlink/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType represents the type of a cross-instance coordination event.
type EventType string

const (
	EventParticipantJoined EventType = "participant.joined"
	EventParticipantLeft   EventType = "participant.left"
	EventSessionCreated    EventType = "session.created"
	EventSessionExpired    EventType = "session.expired"
	EventRecordingChanged  EventType = "recording.changed"
	EventSignalRelay       EventType = "signal.relay"
)

// Event is a coordination event shared between signaling instances. For
// EventSignalRelay the payload is a full signaling message envelope that the
// receiving instance delivers to its locally connected participants.
type Event struct {
	Type          EventType            `json:"type"`
	InstanceID    string               `json:"instance_id"`
	Timestamp     time.Time            `json:"timestamp"`
	RoomID        domain.RoomID        `json:"room_id,omitempty"`
	ParticipantID domain.ParticipantID `json:"participant_id,omitempty"`
	Payload       json.RawMessage      `json:"payload,omitempty"`
}

// EventBus fans coordination events out to every signaling instance over
// Redis pub/sub. Events published by an instance are ignored when received
// back by the same instance.
type EventBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
	pubsub     *redis.PubSub
	channel    string
}

func NewEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
		channel:    "roomlink:events",
	}
}

// Publish publishes an event to every subscribed instance.
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
		"room_id", event.RoomID,
		"participant_id", event.ParticipantID,
	)
	return nil
}

// Subscribe consumes events until ctx is cancelled, invoking handler for
// every event that originated on another instance. It blocks; run it in its
// own goroutine.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	if eb.pubsub != nil {
		return fmt.Errorf("already subscribed")
	}

	eb.pubsub = eb.client.Subscribe(ctx, eb.channel)
	defer func() {
		eb.pubsub.Close()
		eb.pubsub = nil
	}()

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
				eb.logger.Warnw("failed to unmarshal event", "error", err)
				continue
			}
			if event.InstanceID == eb.instanceID {
				continue
			}
			if err := handler(&event); err != nil {
				eb.logger.Warnw("event handler failed",
					"type", event.Type,
					"room_id", event.RoomID,
					"error", err,
				)
			}
		}
	}
}
