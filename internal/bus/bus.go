// internal/bus/bus.go
package bus

import (
	"context"
	"encoding/json"
)

// Envelope carries one broadcast between processes. Receivers drop
// envelopes whose origin is their own instance.
type Envelope struct {
	OriginInstanceID   string          `json:"origin_instance_id"`
	GameID             string          `json:"game_id"`
	ExcludeParticipant string          `json:"exclude_participant,omitempty"`
	Payload            json.RawMessage `json:"payload"`
}

// Bus is a topic-based publish/subscribe bridge between processes.
type Bus interface {
	Publish(ctx context.Context, topic string, env Envelope) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

// Subscription yields envelopes until it is closed or its context ends.
type Subscription interface {
	Envelopes() <-chan Envelope
	Close() error
}
