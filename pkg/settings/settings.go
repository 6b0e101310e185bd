// Package settings resolves the active model selection and provider
// credentials from stored user settings layered over config defaults.
package settings

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/odvcencio/scribe/pkg/bus"
	"github.com/odvcencio/scribe/pkg/config"
	scribeerrors "github.com/odvcencio/scribe/pkg/errors"
	"github.com/odvcencio/scribe/pkg/logging"
	"github.com/odvcencio/scribe/pkg/model"
	"github.com/odvcencio/scribe/pkg/suggest"
	"github.com/odvcencio/scribe/pkg/telemetry"
)

// Stored setting keys.
const (
	KeySelectedModel = "model.selected"
	credentialPrefix = "credential."
	baseURLPrefix    = "base_url."
)

// CredentialKey is the stored key holding providerID's API key.
func CredentialKey(providerID string) string { return credentialPrefix + providerID }

// BaseURLKey is the stored key overriding providerID's endpoint.
func BaseURLKey(providerID string) string { return baseURLPrefix + providerID }

// Store is the persistence the manager needs; *storage.Store satisfies it.
type Store interface {
	GetSettings(keys []string) (map[string]string, error)
	SetSetting(key, value string) error
	DeleteSetting(key string) error
}

// Options wires optional collaborators.
type Options struct {
	Bus      bus.MessageBus
	Subjects bus.Subjects
	Hub      *telemetry.Hub
	Logger   *logging.Logger
	// Source labels changes this process publishes.
	Source string
}

// Manager answers "which model, with which key" for suggestion sessions.
type Manager struct {
	store   Store
	gateway *model.Gateway
	opts    Options

	mu  sync.RWMutex
	cfg *config.Config
	sub bus.Subscription
}

var _ suggest.Source = (*Manager)(nil)

// New returns a manager over cfg and store. store may be nil, in which case
// only config values apply and writes fail.
func New(cfg *config.Config, store Store, gateway *model.Gateway, opts Options) *Manager {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if opts.Source == "" {
		opts.Source = "scribe"
	}
	return &Manager{store: store, gateway: gateway, opts: opts, cfg: cfg}
}

// Start listens for settings changes from any process on the bus.
func (m *Manager) Start(ctx context.Context) error {
	if m.opts.Bus == nil {
		return nil
	}
	sub, err := bus.SubscribeJSON(ctx, m.opts.Bus, m.opts.Subjects.Of(bus.SettingsChanged),
		func(_ string, change bus.SettingsChange) { m.invalidate(change.Keys) },
		func(err error) {
			_ = m.opts.Logger.Warn(logging.CategoryStorage, "settings.decode_failed", "ignoring malformed settings change", map[string]any{"error": err.Error()})
		})
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.sub = sub
	m.mu.Unlock()
	return nil
}

// Close stops listening.
func (m *Manager) Close() {
	m.mu.Lock()
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
}

// Config returns the current config snapshot.
func (m *Manager) Config() *config.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// ApplyConfig swaps in a reloaded config and drops every cached handle.
func (m *Manager) ApplyConfig(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	m.changed(ctx, "config", []string{KeySelectedModel})
	if m.gateway != nil {
		m.gateway.Invalidate("")
	}
}

// Selection resolves the active provider, model and credential. Stored
// values win over config.
func (m *Manager) Selection(ctx context.Context) (model.Selection, error) {
	selected := m.Config().Model.Selected
	stored, err := m.stored(KeySelectedModel)
	if err != nil {
		return model.Selection{}, err
	}
	if v := stored[KeySelectedModel]; v != "" {
		selected = v
	}
	return m.SelectionFor(ctx, selected)
}

// SelectionFor resolves the credential for an explicit provider:model pair,
// leaving the stored selection untouched.
func (m *Manager) SelectionFor(ctx context.Context, selected string) (model.Selection, error) {
	cfg := m.Config()
	providerID, modelID, err := config.SplitSelection(selected)
	if err != nil {
		return model.Selection{}, scribeerrors.Wrap(err, scribeerrors.ErrCodeUnknownModel, "invalid model selection").
			WithUserMessage("Pick a model in settings.")
	}
	providerCfg, known := cfg.Providers.Settings(providerID)
	if known && !providerCfg.Enabled {
		return model.Selection{}, scribeerrors.New(scribeerrors.ErrCodeUnknownProvider, fmt.Sprintf("provider %q is disabled", providerID)).
			WithContext("provider", providerID).
			WithUserMessage("The selected provider is turned off.").
			WithRemediation("Enable it under providers in ~/.scribe/config.yaml or pick another model.")
	}

	creds, err := m.stored(CredentialKey(providerID), BaseURLKey(providerID))
	if err != nil {
		return model.Selection{}, err
	}
	cred := model.Credential{APIKey: providerCfg.APIKey, BaseURL: providerCfg.BaseURL}
	if v := creds[CredentialKey(providerID)]; v != "" {
		cred.APIKey = v
	}
	if v := creds[BaseURLKey(providerID)]; v != "" {
		cred.BaseURL = v
	}
	return model.Selection{Provider: providerID, Model: modelID, Credential: cred}, nil
}

// Streamer resolves the current selection into a gateway handle.
func (m *Manager) Streamer(ctx context.Context) (suggest.Streamer, error) {
	return m.resolve(ctx, m.Selection)
}

// Pinned returns a source that always resolves selected, for one-off
// completions against a model other than the stored choice.
func (m *Manager) Pinned(selected string) suggest.Source {
	return suggest.SourceFunc(func(ctx context.Context) (suggest.Streamer, error) {
		return m.resolve(ctx, func(ctx context.Context) (model.Selection, error) {
			return m.SelectionFor(ctx, selected)
		})
	})
}

func (m *Manager) resolve(ctx context.Context, selection func(context.Context) (model.Selection, error)) (suggest.Streamer, error) {
	if m.gateway == nil {
		return nil, scribeerrors.New(scribeerrors.ErrCodeInternal, "no model gateway configured")
	}
	sel, err := selection(ctx)
	if err != nil {
		return nil, err
	}
	handle, err := m.gateway.Resolve(ctx, sel)
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// SetSelection stores a new provider:model selection after checking it
// against the registered providers.
func (m *Manager) SetSelection(ctx context.Context, selection string) error {
	providerID, modelID, err := config.SplitSelection(selection)
	if err != nil {
		return scribeerrors.Wrap(err, scribeerrors.ErrCodeInvalidInput, "invalid model selection")
	}
	if m.gateway != nil {
		desc, ok := m.gateway.Descriptor(providerID)
		if !ok {
			return scribeerrors.New(scribeerrors.ErrCodeUnknownProvider, fmt.Sprintf("provider %q is not configured", providerID)).
				WithContext("provider", providerID)
		}
		if !desc.HasModel(modelID) {
			return scribeerrors.New(scribeerrors.ErrCodeUnknownModel, fmt.Sprintf("model %q is not offered by %s", modelID, desc.Name)).
				WithContext("provider", providerID).
				WithContext("model", modelID)
		}
	}
	if err := m.write(KeySelectedModel, providerID+":"+modelID); err != nil {
		return err
	}
	m.changed(ctx, m.opts.Source, []string{KeySelectedModel})
	return nil
}

// SetCredential stores an API key for providerID. An empty key removes it.
func (m *Manager) SetCredential(ctx context.Context, providerID, apiKey string) error {
	providerID = strings.TrimSpace(providerID)
	if m.gateway != nil {
		if _, ok := m.gateway.Descriptor(providerID); !ok {
			return scribeerrors.New(scribeerrors.ErrCodeUnknownProvider, fmt.Sprintf("provider %q is not configured", providerID)).
				WithContext("provider", providerID)
		}
	}
	key := CredentialKey(providerID)
	if err := m.write(key, apiKey); err != nil {
		return err
	}
	m.changed(ctx, m.opts.Source, []string{key})
	if m.gateway != nil {
		m.gateway.Invalidate(providerID)
	}
	return nil
}

// ProviderStatus summarizes one provider for settings screens. It never
// carries the credential itself.
type ProviderStatus struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Enabled            bool   `json:"enabled"`
	RequiresCredential bool   `json:"requiresCredential"`
	HasCredential      bool   `json:"hasCredential"`
	CredentialSource   string `json:"credentialSource,omitempty"` // "stored" or "config"
	CredentialEnv      string `json:"credentialEnv,omitempty"`
}

// View is the redacted settings state.
type View struct {
	Selected  string           `json:"selected"`
	Providers []ProviderStatus `json:"providers"`
}

// View reports the effective selection and per-provider credential status.
func (m *Manager) View(ctx context.Context) (View, error) {
	cfg := m.Config()
	out := View{Selected: cfg.Model.Selected}

	var descriptors []model.Descriptor
	if m.gateway != nil {
		descriptors = m.gateway.Descriptors()
	} else {
		descriptors = model.Builtin()
	}

	keys := []string{KeySelectedModel}
	for _, d := range descriptors {
		keys = append(keys, CredentialKey(d.ID))
	}
	stored, err := m.stored(keys...)
	if err != nil {
		return View{}, err
	}
	if v := stored[KeySelectedModel]; v != "" {
		out.Selected = v
	}

	for _, d := range descriptors {
		providerCfg, known := cfg.Providers.Settings(d.ID)
		status := ProviderStatus{
			ID:                 d.ID,
			Name:               d.Name,
			Enabled:            !known || providerCfg.Enabled,
			RequiresCredential: d.RequiresCredential,
			CredentialEnv:      d.CredentialEnv,
		}
		switch {
		case stored[CredentialKey(d.ID)] != "":
			status.HasCredential, status.CredentialSource = true, "stored"
		case providerCfg.APIKey != "":
			status.HasCredential, status.CredentialSource = true, "config"
		}
		out.Providers = append(out.Providers, status)
	}
	sort.SliceStable(out.Providers, func(i, j int) bool { return out.Providers[i].ID < out.Providers[j].ID })
	return out, nil
}

func (m *Manager) stored(keys ...string) (map[string]string, error) {
	if m.store == nil {
		return map[string]string{}, nil
	}
	values, err := m.store.GetSettings(keys)
	if err != nil {
		return nil, scribeerrors.Wrap(err, scribeerrors.ErrCodeStorageRead, "read settings")
	}
	return values, nil
}

func (m *Manager) write(key, value string) error {
	if m.store == nil {
		return scribeerrors.New(scribeerrors.ErrCodeStorageWrite, "settings store is not available")
	}
	var err error
	if strings.TrimSpace(value) == "" {
		err = m.store.DeleteSetting(key)
	} else {
		err = m.store.SetSetting(key, value)
	}
	if err != nil {
		return scribeerrors.Wrap(err, scribeerrors.ErrCodeStorageWrite, "write setting").WithContext("key", key)
	}
	return nil
}

// changed announces keys on the bus and the local hub.
func (m *Manager) changed(ctx context.Context, source string, keys []string) {
	now := time.Now()
	m.opts.Hub.Publish(telemetry.Event{
		Type:      telemetry.EventSettingsChanged,
		Timestamp: now,
		Data:      map[string]any{"keys": keys, "source": source},
	})
	if m.opts.Bus == nil {
		return
	}
	change := bus.SettingsChange{Keys: keys, Source: source, Timestamp: now}
	if err := bus.PublishJSON(ctx, m.opts.Bus, m.opts.Subjects.Of(bus.SettingsChanged), change); err != nil {
		_ = m.opts.Logger.Warn(logging.CategoryStorage, "settings.publish_failed", "could not announce settings change", map[string]any{"error": err.Error()})
	}
}

// invalidate drops handles built from credentials named in keys.
func (m *Manager) invalidate(keys []string) {
	if m.gateway == nil {
		return
	}
	for _, key := range keys {
		switch {
		case strings.HasPrefix(key, credentialPrefix):
			m.gateway.Invalidate(strings.TrimPrefix(key, credentialPrefix))
		case strings.HasPrefix(key, baseURLPrefix):
			m.gateway.Invalidate(strings.TrimPrefix(key, baseURLPrefix))
		}
	}
}
