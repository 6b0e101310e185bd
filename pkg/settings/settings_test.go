package settings

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/scribe/pkg/bus"
	"github.com/odvcencio/scribe/pkg/config"
	scribeerrors "github.com/odvcencio/scribe/pkg/errors"
	"github.com/odvcencio/scribe/pkg/model"
	"github.com/odvcencio/scribe/pkg/storage"
	"github.com/odvcencio/scribe/pkg/telemetry"
)

type silentProvider struct{ id string }

func (p silentProvider) ID() string { return p.id }

func (p silentProvider) ChatCompletionStream(ctx context.Context, _ model.ChatRequest) (<-chan model.StreamChunk, <-chan error) {
	out := make(chan model.StreamChunk)
	errs := make(chan error)
	close(out)
	close(errs)
	return out, errs
}

func testDescriptors() []model.Descriptor {
	build := func(id string) func(model.Credential, model.ProviderOptions) model.Provider {
		return func(model.Credential, model.ProviderOptions) model.Provider { return silentProvider{id: id} }
	}
	return []model.Descriptor{
		{
			ID: "openai", Name: "OpenAI", RequiresCredential: true, CredentialEnv: "OPENAI_API_KEY",
			Models: []model.ModelInfo{{ID: "gpt-4o-mini"}, {ID: "gpt-4o"}},
			New:    build("openai"),
		},
		{
			ID: "hackclub", Name: "Hack Club",
			Models: []model.ModelInfo{{ID: "default"}},
			New:    build("hackclub"),
		},
	}
}

type fixture struct {
	cfg     *config.Config
	store   *storage.Store
	gateway *model.Gateway
	bus     *bus.MemoryBus
	hub     *telemetry.Hub
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "scribe.db"))
	require.NoError(t, err)

	f := &fixture{
		cfg:     config.DefaultConfig(),
		store:   store,
		gateway: model.NewGateway(model.GatewayOptions{Descriptors: testDescriptors()}),
		bus:     bus.NewMemoryBus(),
		hub:     telemetry.NewHub(),
	}
	f.cfg.Providers.OpenAI.APIKey = "sk-config"
	f.manager = New(f.cfg, store, f.gateway, Options{
		Bus:      f.bus,
		Subjects: bus.Subjects{Prefix: "scribe"},
		Hub:      f.hub,
		Source:   "test",
	})
	require.NoError(t, f.manager.Start(context.Background()))

	t.Cleanup(func() {
		f.manager.Close()
		f.gateway.Close()
		_ = f.bus.Close()
		f.hub.Close()
		_ = store.Close()
	})
	return f
}

func TestSelection_ConfigDefaults(t *testing.T) {
	f := newFixture(t)

	sel, err := f.manager.Selection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "openai", sel.Provider)
	assert.Equal(t, "gpt-4o-mini", sel.Model)
	assert.Equal(t, "sk-config", sel.Credential.APIKey)
}

func TestSelection_StoredValuesWin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.SetSelection(ctx, "openai:gpt-4o"))
	require.NoError(t, f.manager.SetCredential(ctx, "openai", "sk-stored"))
	require.NoError(t, f.store.SetSetting(BaseURLKey("openai"), "http://proxy.local/v1"))

	sel, err := f.manager.Selection(ctx)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", sel.Model)
	assert.Equal(t, "sk-stored", sel.Credential.APIKey)
	assert.Equal(t, "http://proxy.local/v1", sel.Credential.BaseURL)

	require.NoError(t, f.manager.SetCredential(ctx, "openai", ""))
	sel, err = f.manager.Selection(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sk-config", sel.Credential.APIKey, "clearing the stored key falls back to config")
}

func TestSelection_DisabledProvider(t *testing.T) {
	f := newFixture(t)
	f.cfg.Providers.OpenAI.Enabled = false

	_, err := f.manager.Selection(context.Background())
	assert.True(t, scribeerrors.IsCode(err, scribeerrors.ErrCodeUnknownProvider))
	assert.Equal(t, "The selected provider is turned off.", scribeerrors.UserMessageOf(err))
}

func TestSetSelection_Validates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.manager.SetSelection(ctx, "nonsense")
	assert.True(t, scribeerrors.IsCode(err, scribeerrors.ErrCodeInvalidInput))

	err = f.manager.SetSelection(ctx, "mystery:model")
	assert.True(t, scribeerrors.IsCode(err, scribeerrors.ErrCodeUnknownProvider))

	err = f.manager.SetSelection(ctx, "openai:gpt-9")
	assert.True(t, scribeerrors.IsCode(err, scribeerrors.ErrCodeUnknownModel))

	err = f.manager.SetCredential(ctx, "mystery", "key")
	assert.True(t, scribeerrors.IsCode(err, scribeerrors.ErrCodeUnknownProvider))

	_, ok, err := f.store.GetSetting(KeySelectedModel)
	require.NoError(t, err)
	assert.False(t, ok, "rejected selections are not stored")
}

func TestStreamer_ResolvesThroughGateway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	streamer, err := f.manager.Streamer(ctx)
	require.NoError(t, err)
	assert.NotNil(t, streamer)
	assert.Equal(t, 1, f.gateway.CachedHandles())

	again, err := f.manager.Streamer(ctx)
	require.NoError(t, err)
	assert.Same(t, streamer, again, "handle is reused")

	f.cfg.Providers.OpenAI.APIKey = ""
	f.gateway.Invalidate("")
	_, err = f.manager.Streamer(ctx)
	assert.True(t, scribeerrors.IsCode(err, scribeerrors.ErrCodeMissingCredential))
}

func TestSetCredential_InvalidatesAndAnnounces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	changes := make(chan bus.SettingsChange, 4)
	_, err := bus.SubscribeJSON(ctx, f.bus, "scribe.settings.changed", func(_ string, c bus.SettingsChange) {
		changes <- c
	}, nil)
	require.NoError(t, err)
	events, unsubscribe := f.hub.Subscribe()
	defer unsubscribe()

	_, err = f.manager.Streamer(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, f.gateway.CachedHandles())

	require.NoError(t, f.manager.SetCredential(ctx, "openai", "sk-new"))
	assert.Zero(t, f.gateway.CachedHandles())

	select {
	case c := <-changes:
		assert.Equal(t, []string{"credential.openai"}, c.Keys)
		assert.Equal(t, "test", c.Source)
	case <-time.After(time.Second):
		t.Fatal("settings change not published")
	}
	select {
	case ev := <-events:
		assert.Equal(t, telemetry.EventSettingsChanged, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("settings change not sent to the hub")
	}
}

func TestRemoteChangeInvalidatesGateway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Streamer(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, f.gateway.CachedHandles())

	// Another process rotated the key.
	data, err := json.Marshal(bus.SettingsChange{Keys: []string{"credential.openai"}, Source: "other"})
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(ctx, "scribe.settings.changed", data))

	require.Eventually(t, func() bool { return f.gateway.CachedHandles() == 0 }, time.Second, 5*time.Millisecond)
}

func TestApplyConfig(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Streamer(ctx)
	require.NoError(t, err)

	next := config.DefaultConfig()
	next.Model.Selected = "hackclub:default"
	f.manager.ApplyConfig(ctx, next)
	assert.Zero(t, f.gateway.CachedHandles())

	sel, err := f.manager.Selection(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hackclub", sel.Provider)
	assert.Empty(t, sel.Credential.APIKey)
}

func TestView_NeverExposesKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.manager.SetCredential(ctx, "openai", "sk-secret"))

	view, err := f.manager.View(ctx)
	require.NoError(t, err)
	assert.Equal(t, "openai:gpt-4o-mini", view.Selected)
	require.Len(t, view.Providers, 2)

	hackclub, openai := view.Providers[0], view.Providers[1]
	assert.Equal(t, "hackclub", hackclub.ID)
	assert.False(t, hackclub.RequiresCredential)
	assert.Equal(t, "openai", openai.ID)
	assert.True(t, openai.HasCredential)
	assert.Equal(t, "stored", openai.CredentialSource)

	data, err := json.Marshal(view)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sk-secret")
	assert.NotContains(t, string(data), "sk-config")
}

func TestNilStore(t *testing.T) {
	m := New(nil, nil, nil, Options{})
	sel, err := m.Selection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, config.DefaultSelection, sel.String())

	err = m.SetSelection(context.Background(), "openai:gpt-4o")
	assert.True(t, scribeerrors.IsCode(err, scribeerrors.ErrCodeStorageWrite))

	_, err = m.Streamer(context.Background())
	assert.True(t, scribeerrors.IsCode(err, scribeerrors.ErrCodeInternal))
}

func TestPinned_ResolvesWithoutChangingSelection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	streamer, err := f.manager.Pinned("hackclub:default").Streamer(ctx)
	require.NoError(t, err)
	assert.NotNil(t, streamer)

	sel, err := f.manager.Selection(ctx)
	require.NoError(t, err)
	assert.Equal(t, "openai", sel.Provider, "stored selection untouched")

	_, err = f.manager.Pinned("openai:gpt-9").Streamer(ctx)
	assert.True(t, scribeerrors.IsCode(err, scribeerrors.ErrCodeUnknownModel))
}
