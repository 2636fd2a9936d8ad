package websocket

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/Zeeeepa/gobby-sub002/internal/common/config"
	"github.com/Zeeeepa/gobby-sub002/internal/common/logger"
	"github.com/Zeeeepa/gobby-sub002/internal/events/bus"
)

// wireMessage is the JSON frame sent to connected clients.
type wireMessage struct {
	Type      string         `json:"type"`
	Event     string         `json:"event"`
	SessionID string         `json:"session_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventBroadcaster publishes hook events onto the bus and bridges the
// hooks.events.> subject into the hub. Publishing and bridging are split so
// a NATS-backed bus fans events out across daemon processes.
type EventBroadcaster struct {
	hub     *Hub
	bus     bus.EventBus
	allowed map[string]struct{}
	sub     bus.Subscription
	logger  *logger.Logger
}

// NewEventBroadcaster wires the bridge subscription. The allowed set comes
// from websocket.broadcast_events; an empty list broadcasts every event.
func NewEventBroadcaster(hub *Hub, eventBus bus.EventBus, cfg config.WebSocketConfig, log *logger.Logger) (*EventBroadcaster, error) {
	b := &EventBroadcaster{
		hub:    hub,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "broadcaster")),
	}
	if len(cfg.BroadcastEvents) > 0 {
		b.allowed = make(map[string]struct{}, len(cfg.BroadcastEvents))
		for _, e := range cfg.BroadcastEvents {
			b.allowed[e] = struct{}{}
		}
	}

	sub, err := eventBus.Subscribe(bus.SubjectHookEvents+".>", b.forward)
	if err != nil {
		return nil, err
	}
	b.sub = sub
	return b, nil
}

// BroadcastEvent publishes a hook event. Failures are logged and swallowed;
// broadcasting never affects the hook pipeline.
func (b *EventBroadcaster) BroadcastEvent(eventType, sessionID string, data map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("broadcast panicked", zap.Any("panic", r))
		}
	}()

	event := bus.NewEvent(eventType, "hook_pipeline", data)
	if sessionID != "" {
		if event.Data == nil {
			event.Data = map[string]any{}
		}
		event.Data["session_id"] = sessionID
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.bus.Publish(ctx, bus.HookSubject(eventType), event); err != nil {
		b.logger.Warn("event publish failed",
			zap.String("event_type", eventType), zap.Error(err))
	}
}

// forward fans one bus event out to the hub, applying the event filter.
func (b *EventBroadcaster) forward(_ context.Context, event *bus.Event) error {
	if b.allowed != nil {
		if _, ok := b.allowed[event.Type]; !ok {
			return nil
		}
	}

	sessionID, _ := event.Data["session_id"].(string)
	payload, err := json.Marshal(wireMessage{
		Type:      "event",
		Event:     event.Type,
		SessionID: sessionID,
		Timestamp: event.Timestamp,
		Data:      event.Data,
	})
	if err != nil {
		return err
	}
	b.hub.Broadcast(payload)
	return nil
}

// Close drops the bridge subscription.
func (b *EventBroadcaster) Close() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
}
