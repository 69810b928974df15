// Package publisher mirrors poll results to MQTT: one topic per NUT variable
// and a combined JSON state document.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sweeney/ups-exporter/internal/nut"
)

// Message is a single MQTT publish request.
type Message struct {
	Topic    string
	Payload  string
	Retained bool
}

// Publisher is the minimal interface the rest of the codebase uses to send
// MQTT messages. The real MQTT client and FakePublisher both implement it.
// Publish gives up waiting for the broker once ctx is done.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// PublishConfig groups the MQTT routing parameters.
type PublishConfig struct {
	Prefix   string
	UPSName  string
	Retained bool
}

// StateMessage is the JSON payload of the state topic after a successful poll.
type StateMessage struct {
	Timestamp string            `json:"timestamp"`
	UPSName   string            `json:"ups_name"`
	Online    bool              `json:"online"`
	Variables map[string]string `json:"variables"`
}

// OnlineState is the payload of the state topic while upsd is unreachable,
// on shutdown, and as Last Will.
type OnlineState struct {
	Online    bool   `json:"online"`
	Timestamp string `json:"timestamp"`
}

// PublishAll publishes every variable as an individual topic, then the
// combined JSON state topic. It returns the first publish error encountered.
func PublishAll(ctx context.Context, vars []nut.Variable, cfg PublishConfig, pub Publisher) error {
	for _, v := range vars {
		msg := Message{Topic: VariableTopic(cfg.Prefix, cfg.UPSName, v.Name), Payload: v.Value, Retained: cfg.Retained}
		if err := pub.Publish(ctx, msg); err != nil {
			return fmt.Errorf("publishing %s: %w", msg.Topic, err)
		}
	}

	payload, err := json.Marshal(StateMessage{
		Timestamp: now(),
		UPSName:   cfg.UPSName,
		Online:    true,
		Variables: nut.VarsToMap(vars),
	})
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}
	return pub.Publish(ctx, Message{
		Topic:    StateTopic(cfg.Prefix, cfg.UPSName),
		Payload:  string(payload),
		Retained: cfg.Retained,
	})
}

// PublishOffline announces on the state topic that the UPS is unreachable.
func PublishOffline(ctx context.Context, cfg PublishConfig, pub Publisher) error {
	return pub.Publish(ctx, Message{
		Topic:    StateTopic(cfg.Prefix, cfg.UPSName),
		Payload:  FormatOffline(),
		Retained: true,
	})
}

// FormatOffline returns the JSON payload for the offline announcement.
func FormatOffline() string {
	payload, _ := json.Marshal(OnlineState{
		Online:    false,
		Timestamp: now(),
	})
	return string(payload)
}

// StateTopic returns the MQTT topic used for the combined state message.
func StateTopic(prefix, upsName string) string {
	return fmt.Sprintf("%s/%s/state", prefix, upsName)
}

// VariableTopic maps a NUT variable to its topic, dots becoming slashes.
func VariableTopic(prefix, upsName, variable string) string {
	return fmt.Sprintf("%s/%s/%s", prefix, upsName, strings.ReplaceAll(variable, ".", "/"))
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
