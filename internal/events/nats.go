package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-vod/internal/log"
)

// Envelope is the wire form on NATS. Payload holds the typed event encoded
// as-is, so subscribers can switch on EventType and decode.
type Envelope struct {
	EventID    uuid.UUID       `json:"event_id"`
	Source     string          `json:"source"`
	TenantID   string          `json:"tenant_id"`
	VideoID    string          `json:"video_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// NATSPublisher mirrors processing events onto a NATS subject so other
// services (and other instances' bridges) can consume them. Best-effort
// with a short linear backoff; failures are logged, never surfaced.
type NATSPublisher struct {
	conn       *nats.Conn
	subject    string
	maxRetries int
	logger     zerolog.Logger
}

func NewNATSPublisher(conn *nats.Conn, subject string, maxRetries int) *NATSPublisher {
	return &NATSPublisher{
		conn:       conn,
		subject:    subject,
		maxRetries: maxRetries,
		logger:     log.WithComponent("events"),
	}
}

func (p *NATSPublisher) PublishProgress(orgID string, ev Progress) {
	p.publish(orgID, ev.VideoID, TypeProgress, ev)
}

func (p *NATSPublisher) PublishCompleted(orgID string, ev Completed) {
	p.publish(orgID, ev.VideoID, TypeCompleted, ev)
}

func (p *NATSPublisher) PublishFailed(orgID string, ev Failed) {
	p.publish(orgID, ev.VideoID, TypeFailed, ev)
}

func (p *NATSPublisher) publish(orgID, videoID, eventType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error().Err(err).Str("event", eventType).Msg("marshal payload")
		return
	}
	data, err := json.Marshal(Envelope{
		EventID:    uuid.New(),
		Source:     "vod-worker",
		TenantID:   orgID,
		VideoID:    videoID,
		EventType:  eventType,
		OccurredAt: time.Now().UTC(),
		Payload:    raw,
	})
	if err != nil {
		p.logger.Error().Err(err).Str("event", eventType).Msg("marshal envelope")
		return
	}

	for i := 0; i <= p.maxRetries; i++ {
		err = p.conn.Publish(p.subject, data)
		if err == nil {
			return
		}
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}
	p.logger.Error().Err(err).
		Str("event", eventType).
		Str("video_id", videoID).
		Int("retries", p.maxRetries).
		Msg("nats publish failed")
}

// Bridge subscribes to the events subject and replays envelopes into the
// local hub. Instances that do not run the worker in-process use it to keep
// their connected clients informed.
type Bridge struct {
	conn    *nats.Conn
	subject string
	hub     Emitter
	logger  zerolog.Logger
	sub     *nats.Subscription
}

func NewBridge(conn *nats.Conn, subject string, hub Emitter) *Bridge {
	return &Bridge{
		conn:    conn,
		subject: subject,
		hub:     hub,
		logger:  log.WithComponent("events-bridge"),
	}
}

func (b *Bridge) Start() error {
	sub, err := b.conn.Subscribe(b.subject, b.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	b.sub = sub
	b.logger.Info().Str("subject", b.subject).Msg("event bridge started")
	return nil
}

func (b *Bridge) Stop() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
}

func (b *Bridge) handle(msg *nats.Msg) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		b.logger.Warn().Err(err).Msg("bad envelope")
		return
	}

	var payload any
	switch env.EventType {
	case TypeProgress:
		var ev Progress
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			b.logger.Warn().Err(err).Str("event", env.EventType).Msg("bad payload")
			return
		}
		payload = ev
	case TypeCompleted:
		var ev Completed
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			b.logger.Warn().Err(err).Str("event", env.EventType).Msg("bad payload")
			return
		}
		payload = ev
	case TypeFailed:
		var ev Failed
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			b.logger.Warn().Err(err).Str("event", env.EventType).Msg("bad payload")
			return
		}
		payload = ev
	default:
		return
	}

	b.hub.Emit(OrgRoom(env.TenantID), env.EventType, payload)
	b.hub.Emit(VideoRoom(env.VideoID), env.EventType, payload)
}
