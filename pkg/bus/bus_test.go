package bus

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/scribe/pkg/config"
	"github.com/odvcencio/scribe/pkg/telemetry"
)

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ctx := context.Background()
	received := make(chan *Message, 1)

	sub, err := b.Subscribe(ctx, "scribe.settings.changed", func(msg *Message) {
		received <- msg
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.Publish(ctx, "scribe.settings.changed", []byte("hello")))

	select {
	case msg := <-received:
		assert.Equal(t, "hello", string(msg.Data))
		assert.Equal(t, "scribe.settings.changed", msg.Subject)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestMemoryBus_Wildcards(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ctx := context.Background()
	var single, tail atomic.Int32

	_, err := b.Subscribe(ctx, "scribe.telemetry.*", func(*Message) {
		single.Add(1)
	})
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "scribe.>", func(*Message) {
		tail.Add(1)
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "scribe.telemetry.ready", nil))
	require.NoError(t, b.Publish(ctx, "scribe.telemetry.suggest.ready", nil))
	require.NoError(t, b.Publish(ctx, "other.telemetry.ready", nil))

	require.Eventually(t, func() bool { return tail.Load() == 2 && single.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), single.Load())
}

func TestMemoryBus_DropsForSlowSubscriber(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ctx := context.Background()
	release := make(chan struct{})
	_, err := b.Subscribe(ctx, "scribe.telemetry.>", func(*Message) {
		<-release
	})
	require.NoError(t, err)

	// One message is held by the handler, the buffer absorbs the next batch.
	for i := 0; i < memorySubscriptionBuffer+10; i++ {
		require.NoError(t, b.Publish(ctx, "scribe.telemetry.suggest.ready", nil))
	}
	assert.GreaterOrEqual(t, b.Dropped(), uint64(9))
	close(release)
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.*.c", "a.b.c", true},
		{"a.*", "a.b.c", false},
		{"a.>", "a.b.c", true},
		{"a.>", "a", false},
		{"a.>.c", "a.b.c", false},
		{"a.b", "a.c", false},
		{"*", "a", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchSubject(tt.pattern, tt.subject), "%s ~ %s", tt.pattern, tt.subject)
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	var count atomic.Int32
	sub, err := b.Subscribe(ctx, "scribe.x", func(*Message) {
		count.Add(1)
	})
	require.NoError(t, err)
	assert.Equal(t, "scribe.x", sub.Subject())

	require.NoError(t, b.Publish(ctx, "scribe.x", nil))
	require.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, b.Publish(ctx, "scribe.x", nil))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load())
}

func TestMemoryBus_ClosedOperations(t *testing.T) {
	b := NewMemoryBus()
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Close(), ErrClosed)

	ctx := context.Background()
	assert.ErrorIs(t, b.Publish(ctx, "a", nil), ErrClosed)
	_, err := b.Subscribe(ctx, "a", func(*Message) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "scribe.settings.changed", Subjects{Prefix: "scribe"}.Of(SettingsChanged))
	assert.Equal(t, "settings.changed", Subjects{}.Of(SettingsChanged))
	assert.Equal(t, "team.telemetry.suggest.ready", Subjects{Prefix: "team."}.Of(TelemetryPrefix, "suggest.ready"))
}

func TestFromConfig(t *testing.T) {
	cfg, subjects := FromConfig(config.BusConfig{NATSURL: "nats://example:4222", SubjectPrefix: "scribe"})
	assert.Equal(t, "nats://example:4222", cfg.URL)
	assert.Equal(t, "scribe", subjects.Prefix)

	b, err := Open(Config{})
	require.NoError(t, err)
	defer b.Close()
	assert.IsType(t, &MemoryBus{}, b)
}

func TestJSONHelpers(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	got := make(chan SettingsChange, 1)
	var decodeErrs atomic.Int32
	_, err := SubscribeJSON(ctx, b, "scribe.settings.changed",
		func(_ string, v SettingsChange) { got <- v },
		func(error) { decodeErrs.Add(1) })
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "scribe.settings.changed", []byte("{not json")))
	require.NoError(t, PublishJSON(ctx, b, "scribe.settings.changed", SettingsChange{Keys: []string{"model.selected"}}))

	select {
	case v := <-got:
		assert.Equal(t, []string{"model.selected"}, v.Keys)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for settings change")
	}
	assert.Equal(t, int32(1), decodeErrs.Load())
}

func TestForwardTelemetry(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	hub := telemetry.NewHub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan telemetry.Event, 1)
	_, err := SubscribeJSON(ctx, b, "scribe.telemetry.>", func(subject string, ev telemetry.Event) {
		assert.Equal(t, "scribe.telemetry.suggest.ready", subject)
		got <- ev
	}, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		ForwardTelemetry(ctx, hub, b, Subjects{Prefix: "scribe"})
		close(done)
	}()
	require.Eventually(t, func() bool { return hub.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Publish(telemetry.Event{Type: telemetry.EventSuggestReady, SessionID: "s1", Generation: 3})
	select {
	case ev := <-got:
		assert.Equal(t, "s1", ev.SessionID)
		assert.Equal(t, uint64(3), ev.Generation)
		assert.NotEmpty(t, ev.ID)
	case <-time.After(time.Second):
		t.Fatal("event was not forwarded")
	}

	hub.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forwarder did not stop when the hub closed")
	}
}

func TestNATSBus_PublishSubscribe(t *testing.T) {
	url := os.Getenv("SCRIBE_TEST_NATS_URL")
	if url == "" {
		t.Skip("SCRIBE_TEST_NATS_URL not set")
	}
	b, err := NewNATSBus(Config{URL: url, Name: "scribe-test"})
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	got := make(chan string, 1)
	sub, err := b.Subscribe(ctx, "scribe.test.*", func(msg *Message) {
		got <- string(msg.Data)
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.Publish(ctx, "scribe.test.one", []byte("hi")))
	select {
	case v := <-got:
		assert.Equal(t, "hi", v)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for nats message")
	}
}
