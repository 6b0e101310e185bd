// Package bus carries cross-component notifications such as settings changes
// and forwarded suggestion telemetry. The in-process MemoryBus is the default;
// NATSBus lets several scribe processes share one stream of notifications.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/odvcencio/scribe/pkg/config"
)

var (
	// ErrClosed is returned when operating on a closed bus or subscription.
	ErrClosed = errors.New("bus or subscription closed")
)

// Well-known subject suffixes. Use Subjects to add the configured prefix.
const (
	SettingsChanged = "settings.changed"
	DocumentSaved   = "document.saved"
	TelemetryPrefix = "telemetry"
)

// MessageBus is implemented by MemoryBus and NATSBus.
// Implementations must be safe for concurrent use.
type MessageBus interface {
	// Publish sends data to every subscriber of subject without waiting for delivery.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers handler for subject. "*" matches one token and
	// ">" matches the rest: "scribe.telemetry.>" sees every forwarded event.
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	Close() error
}

// MessageHandler processes incoming messages. Handlers for one
// subscription run one at a time.
type MessageHandler func(msg *Message)

// Message is one delivery.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	Subject() string
}

// Config holds configuration for creating a MessageBus.
type Config struct {
	// URL is the NATS server URL. Empty selects the in-process bus.
	URL string

	// Name is a client identifier for NATS monitoring.
	Name string

	Timeout time.Duration
}

// DefaultConfig returns a Config for the in-process bus.
func DefaultConfig() Config {
	return Config{
		Name:    "scribe",
		Timeout: 10 * time.Second,
	}
}

// Open returns a NATSBus when cfg.URL is set and a MemoryBus otherwise.
func Open(cfg Config) (MessageBus, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return NewMemoryBus(), nil
	}
	return NewNATSBus(cfg)
}

// FromConfig maps the bus section of the scribe config.
func FromConfig(cfg config.BusConfig) (Config, Subjects) {
	out := DefaultConfig()
	out.URL = cfg.NATSURL
	return out, Subjects{Prefix: cfg.SubjectPrefix}
}

// Subjects namespaces subjects so several deployments can share one server.
type Subjects struct {
	Prefix string
}

// Of joins the prefix and parts with dots.
func (s Subjects) Of(parts ...string) string {
	all := make([]string, 0, len(parts)+1)
	if p := strings.Trim(s.Prefix, "."); p != "" {
		all = append(all, p)
	}
	for _, part := range parts {
		if part = strings.Trim(part, "."); part != "" {
			all = append(all, part)
		}
	}
	return strings.Join(all, ".")
}

// PublishJSON marshals v and publishes it on subject.
func PublishJSON(ctx context.Context, b MessageBus, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Publish(ctx, subject, data)
}

// SubscribeJSON decodes each message into a fresh T before calling fn.
// Messages that fail to decode are passed to onErr when it is non-nil.
func SubscribeJSON[T any](ctx context.Context, b MessageBus, subject string, fn func(subject string, v T), onErr func(error)) (Subscription, error) {
	return b.Subscribe(ctx, subject, func(msg *Message) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			if onErr != nil {
				onErr(err)
			}
			return
		}
		fn(msg.Subject, v)
	})
}

// SettingsChange announces that stored settings were written.
type SettingsChange struct {
	Keys      []string  `json:"keys"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DocumentChange announces that a document was created, saved or deleted.
type DocumentChange struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}
