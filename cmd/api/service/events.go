package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/estatehub/portal/cmd/api/models"
	"github.com/estatehub/portal/common/logger"
	"github.com/estatehub/portal/common/metrics"
	"github.com/estatehub/portal/common/queue"
	rediscommon "github.com/estatehub/portal/common/redis"
	"github.com/google/uuid"
)

// EventsTopic is both the queue topic and the Redis channel change events go to
const EventsTopic = "changes.events"

// ChangeEvent describes one committed change record operation
type ChangeEvent struct {
	Event      string              `json:"event"`
	ChangeID   uuid.UUID           `json:"change_id"`
	Type       models.ResourceType `json:"type"`
	TargetID   *uuid.UUID          `json:"target_id,omitempty"`
	Status     models.ChangeStatus `json:"status"`
	From       models.ChangeStatus `json:"from,omitempty"`
	ProposerID string              `json:"proposer_id"`
	ActorID    string              `json:"actor_id"`
	OccurredAt time.Time           `json:"occurred_at"`
}

// VisibleTo reports whether a subscriber may receive the event: proposers
// see their own changes, reviewers every non-draft change
func (ev ChangeEvent) VisibleTo(actor models.Actor) bool {
	if actor.ID == ev.ProposerID {
		return true
	}
	return actor.CanReview() && ev.Status != models.StatusDraft
}

func newChangeEvent(op string, c *models.ChangeRecord, from models.ChangeStatus, actorID string, at time.Time) ChangeEvent {
	ev := ChangeEvent{
		Event:      "change." + op,
		ChangeID:   c.ID,
		Type:       c.Type,
		Status:     c.Status,
		From:       from,
		ProposerID: c.ProposerID,
		ActorID:    actorID,
		OccurredAt: at,
	}
	if c.TargetID != nil {
		id := *c.TargetID
		ev.TargetID = &id
	}
	return ev
}

// EventPublisher hands committed events to the in-process queue
type EventPublisher struct {
	queue queue.Queue
	log   *logger.Logger
}

// NewEventPublisher creates a publisher; a nil queue disables publishing
func NewEventPublisher(q queue.Queue, log *logger.Logger) *EventPublisher {
	return &EventPublisher{queue: q, log: log}
}

// Publish is best effort: the transition has already committed
func (p *EventPublisher) Publish(ctx context.Context, ev ChangeEvent) {
	if p == nil || p.queue == nil {
		return
	}

	body, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("failed to encode change event", "event", ev.Event, "error", err)
		return
	}

	if err := p.queue.Publish(ctx, EventsTopic, ev.ChangeID.String(), body); err != nil {
		p.log.Warn("failed to publish change event",
			"event", ev.Event,
			"change_id", ev.ChangeID,
			"error", err)
	}
}

// EventSink receives encoded change events for local delivery
type EventSink interface {
	Broadcast(payload []byte)
}

// EventRelay consumes change events, records them and fans them out on
// Redis, or straight to the local sink when Redis is not configured
type EventRelay struct {
	queue queue.Queue
	redis *rediscommon.Client
	sink  EventSink
	log   *logger.Logger
}

// NewEventRelay creates a relay; redis and sink may be nil
func NewEventRelay(q queue.Queue, redis *rediscommon.Client, sink EventSink, log *logger.Logger) *EventRelay {
	return &EventRelay{queue: q, redis: redis, sink: sink, log: log}
}

// Start subscribes to the events topic until ctx is cancelled or the queue closes
func (r *EventRelay) Start(ctx context.Context) error {
	if err := r.queue.Subscribe(ctx, EventsTopic, r.handle); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", EventsTopic, err)
	}
	return nil
}

func (r *EventRelay) handle(ctx context.Context, key string, value []byte) error {
	var ev ChangeEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		r.log.Error("dropping malformed change event", "key", key, "error", err)
		return err
	}

	r.log.Debug("change event",
		"event", ev.Event,
		"change_id", ev.ChangeID,
		"type", ev.Type,
		"status", ev.Status,
		"actor_id", ev.ActorID)

	var err error
	switch {
	case r.redis != nil:
		err = r.redis.PublishEvent(ctx, EventsTopic, string(value))
		if err != nil {
			r.log.Warn("failed to fan out change event", "change_id", ev.ChangeID, "error", err)
		}
	case r.sink != nil:
		r.sink.Broadcast(value)
	}
	metrics.Get().EventDelivered(ev.Event, err)
	return err
}
