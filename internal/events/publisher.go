// Package events publishes engine status over NATS: playback position,
// stream state transitions, and watchdog recovery actions. It implements
// timeline.EventPublisher.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/vistterstream/engine/internal/model"
)

// Publisher publishes engine events to NATS subjects rooted at a
// configured prefix, retrying each publish with a linearly increasing backoff.
type Publisher struct {
	conn       *nats.Conn
	prefix     string
	maxRetries int
	log        zerolog.Logger
}

func NewPublisher(conn *nats.Conn, subjectPrefix string, maxRetries int, log zerolog.Logger) *Publisher {
	if subjectPrefix == "" {
		subjectPrefix = "vistterstream"
	}
	return &Publisher{conn: conn, prefix: subjectPrefix, maxRetries: maxRetries, log: log}
}

// PublishPlaybackPosition implements timeline.EventPublisher. Position
// updates arrive at 2 Hz, so the retrying publish runs off the caller's
// goroutine to keep the position-updater ticker on schedule.
func (p *Publisher) PublishPlaybackPosition(pos model.PlaybackPosition) {
	go p.publish(p.prefix+".playback.position", pos)
}

// PublishStreamState implements timeline.EventPublisher.
func (p *Publisher) PublishStreamState(state model.StreamState) {
	go p.publish(p.prefix+".stream.state", state)
}

// PublishWatchdogRecovery announces a tiered recovery action taken
// against a destination.
func (p *Publisher) PublishWatchdogRecovery(destinationID, streamID string, tier int) {
	go p.publish(p.prefix+".watchdog.recovery", map[string]any{
		"destination_id": destinationID,
		"stream_id":       streamID,
		"tier":            tier,
		"at":              time.Now().UTC(),
	})
}

func (p *Publisher) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error().Err(err).Str("subject", subject).Msg("failed to marshal event payload")
		return
	}

	var lastErr error
	for i := 0; i <= p.maxRetries; i++ {
		if lastErr = p.conn.Publish(subject, data); lastErr == nil {
			return
		}
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}
	p.log.Warn().Err(fmt.Errorf("publish %s failed after %d retries: %w", subject, p.maxRetries, lastErr)).Msg("event dropped")
}
