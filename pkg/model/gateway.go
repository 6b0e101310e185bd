package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	scribeerrors "github.com/odvcencio/scribe/pkg/errors"
	"github.com/odvcencio/scribe/pkg/logging"
)

const tracerName = "github.com/odvcencio/scribe/pkg/model"

// Selection names a provider, model and the credential to use with them.
type Selection struct {
	Provider   string
	Model      string
	Credential Credential
}

// String renders the selection as provider:model.
func (s Selection) String() string {
	return s.Provider + ":" + s.Model
}

// GatewayOptions configures a Gateway.
type GatewayOptions struct {
	// Descriptors defaults to Builtin().
	Descriptors []Descriptor
	// HandleTTL evicts handles not resolved for this long; each Resolve hit
	// extends it. Zero keeps them until invalidated.
	HandleTTL time.Duration
	// RequestsPerSecond limits stream starts per handle. Zero disables limiting.
	RequestsPerSecond float64
	Burst             int
	Breaker           CircuitBreakerConfig
	Provider          ProviderOptions
	Logger            *logging.Logger
	// Observe receives one call per finished stream.
	Observe func(StreamOutcome)
	// OnCircuitChange receives breaker transitions with the owning provider.
	OnCircuitChange func(provider string, from, to CircuitState)
}

// StreamOutcome summarizes a finished stream for metrics.
type StreamOutcome struct {
	Provider  string
	Model     string
	Code      scribeerrors.ErrorCode // empty on success
	Chunks    int
	Malformed int
	Duration  time.Duration
}

// Gateway resolves selections into cached, reusable Handles.
type Gateway struct {
	descriptors map[string]Descriptor
	order       []string
	cache       *ttlcache.Cache[string, *Handle]
	group       singleflight.Group
	opts        GatewayOptions
	mu          sync.Mutex
	stopOnce    sync.Once
}

// NewGateway creates a gateway and starts its eviction loop. Call Close to stop it.
func NewGateway(opts GatewayOptions) *Gateway {
	descriptors := opts.Descriptors
	if descriptors == nil {
		descriptors = Builtin()
	}
	if opts.Breaker.ResetTimeout == 0 {
		opts.Breaker = DefaultCircuitBreakerConfig()
	}

	var cacheOpts []ttlcache.Option[string, *Handle]
	if opts.HandleTTL > 0 {
		cacheOpts = append(cacheOpts, ttlcache.WithTTL[string, *Handle](opts.HandleTTL))
	}

	g := &Gateway{
		descriptors: make(map[string]Descriptor, len(descriptors)),
		cache:       ttlcache.New[string, *Handle](cacheOpts...),
		opts:        opts,
	}
	for _, d := range descriptors {
		g.descriptors[d.ID] = d
		g.order = append(g.order, d.ID)
	}
	go g.cache.Start()
	return g
}

// Close stops the eviction loop.
func (g *Gateway) Close() {
	g.stopOnce.Do(g.cache.Stop)
}

// Descriptors returns the registered providers in registration order.
func (g *Gateway) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.descriptors[id])
	}
	return out
}

// Descriptor looks up a provider by id.
func (g *Gateway) Descriptor(providerID string) (Descriptor, bool) {
	d, ok := g.descriptors[providerID]
	return d, ok
}

// Resolve returns the handle for sel, building it at most once per
// provider:model:credential triple. Concurrent callers share one build.
func (g *Gateway) Resolve(ctx context.Context, sel Selection) (*Handle, error) {
	desc, ok := g.descriptors[sel.Provider]
	if !ok {
		return nil, scribeerrors.New(scribeerrors.ErrCodeUnknownProvider, fmt.Sprintf("provider %q is not configured", sel.Provider)).
			WithContext("provider", sel.Provider)
	}
	if !desc.HasModel(sel.Model) {
		return nil, scribeerrors.New(scribeerrors.ErrCodeUnknownModel, fmt.Sprintf("model %q is not offered by %s", sel.Model, desc.Name)).
			WithContext("provider", sel.Provider).
			WithContext("model", sel.Model)
	}
	if desc.RequiresCredential && strings.TrimSpace(sel.Credential.APIKey) == "" {
		err := scribeerrors.New(scribeerrors.ErrCodeMissingCredential, fmt.Sprintf("no API key for %s", desc.Name)).
			WithContext("provider", sel.Provider).
			WithUserMessage(fmt.Sprintf("Add an API key for %s", desc.Name))
		if desc.CredentialEnv != "" {
			err = err.WithRemediation(fmt.Sprintf("export %s=...", desc.CredentialEnv))
		}
		return nil, err
	}

	fingerprint := credentialFingerprint(sel.Credential)
	key := cacheKey(sel, fingerprint)
	if item := g.cache.Get(key); item != nil {
		return item.Value(), nil
	}

	v, err, _ := g.group.Do(key, func() (any, error) {
		if item := g.cache.Get(key); item != nil {
			return item.Value(), nil
		}
		handle := g.build(desc, sel, fingerprint)

		g.mu.Lock()
		g.evictStaleLocked(sel, key)
		g.cache.Set(key, handle, ttlcache.DefaultTTL)
		g.mu.Unlock()

		_ = g.opts.Logger.Debug(logging.CategoryModel, "handle.built", "resolved model handle", map[string]any{
			"provider": sel.Provider,
			"model":    sel.Model,
		})
		return handle, nil
	})
	if err != nil {
		return nil, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, scribeerrors.Wrap(ctxErr, scribeerrors.ErrCodeCancelled, "resolve cancelled")
	}
	return v.(*Handle), nil
}

// Invalidate drops every cached handle for providerID, or all handles when
// providerID is empty.
func (g *Gateway) Invalidate(providerID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if providerID == "" {
		g.cache.DeleteAll()
		return
	}
	prefix := providerID + ":"
	for _, key := range g.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			g.cache.Delete(key)
		}
	}
}

// CachedHandles reports how many handles are cached.
func (g *Gateway) CachedHandles() int {
	return g.cache.Len()
}

// evictStaleLocked removes handles for the same provider:model built with an
// older credential.
func (g *Gateway) evictStaleLocked(sel Selection, keep string) {
	prefix := sel.Provider + ":" + sel.Model + "#"
	for _, key := range g.cache.Keys() {
		if key != keep && strings.HasPrefix(key, prefix) {
			g.cache.Delete(key)
		}
	}
}

func (g *Gateway) build(desc Descriptor, sel Selection, fingerprint string) *Handle {
	h := &Handle{
		ProviderID:  sel.Provider,
		ModelID:     sel.Model,
		upstream:    desc.upstreamModel(sel.Model),
		provider:    desc.New(sel.Credential, g.opts.Provider),
		fingerprint: fingerprint,
		logger:      g.opts.Logger,
		observe:     g.opts.Observe,
	}
	breakerCfg := g.opts.Breaker
	userHook := breakerCfg.OnStateChange
	breakerCfg.OnStateChange = func(from, to CircuitState) {
		_ = g.opts.Logger.Warn(logging.CategoryModel, "circuit."+to.String(), "provider circuit changed state", map[string]any{
			"provider": sel.Provider,
			"from":     from.String(),
		})
		if userHook != nil {
			userHook(from, to)
		}
		if g.opts.OnCircuitChange != nil {
			g.opts.OnCircuitChange(sel.Provider, from, to)
		}
	}
	h.breaker = NewCircuitBreaker(breakerCfg)
	if g.opts.RequestsPerSecond > 0 {
		burst := g.opts.Burst
		if burst <= 0 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(g.opts.RequestsPerSecond), burst)
	}
	return h
}

func cacheKey(sel Selection, fingerprint string) string {
	return sel.Provider + ":" + sel.Model + "#" + fingerprint
}

// credentialFingerprint hashes the credential so raw keys never sit in cache keys.
func credentialFingerprint(cred Credential) string {
	sum := sha256.Sum256([]byte(cred.APIKey + "\x00" + cred.BaseURL))
	return hex.EncodeToString(sum[:8])
}

// Handle is a resolved, reusable streaming completion function.
type Handle struct {
	ProviderID string
	ModelID    string

	upstream    string
	provider    Provider
	fingerprint string
	limiter     *rate.Limiter
	breaker     *CircuitBreaker
	logger      *logging.Logger
	observe     func(StreamOutcome)
}

// Stream starts a completion. Chunks arrive in order on the first channel;
// the error channel yields at most one classified error. Both close when the
// stream ends. Malformed chunks are forwarded with Malformed set.
func (h *Handle) Stream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, <-chan error) {
	req.Model = h.upstream
	req.Stream = true

	out := make(chan StreamChunk, 10)
	errChan := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errChan)

		ctx, span := otel.Tracer(tracerName).Start(ctx, "model.stream")
		span.SetAttributes(
			attribute.String("scribe.provider", h.ProviderID),
			attribute.String("scribe.model", h.ModelID),
		)
		defer span.End()

		start := time.Now()
		outcome := StreamOutcome{Provider: h.ProviderID, Model: h.ModelID}

		err := h.run(ctx, req, out, &outcome)
		outcome.Duration = time.Since(start)
		if err != nil {
			err = classifyStreamError(err, h.ProviderID, h.ModelID)
			outcome.Code = scribeerrors.Classify(err)
			if outcome.Code != scribeerrors.ErrCodeCancelled {
				span.RecordError(err)
				span.SetStatus(codes.Error, string(outcome.Code))
			}
			errChan <- err
		}
		span.SetAttributes(attribute.Int("scribe.chunks", outcome.Chunks), attribute.Int("scribe.malformed", outcome.Malformed))
		if h.observe != nil {
			h.observe(outcome)
		}
	}()

	return out, errChan
}

func (h *Handle) run(ctx context.Context, req ChatRequest, out chan<- StreamChunk, outcome *StreamOutcome) error {
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	return h.breaker.Call(func() error {
		chunks, errs := h.provider.ChatCompletionStream(ctx, req)
		for chunk := range chunks {
			if chunk.Malformed != nil {
				outcome.Malformed++
			} else {
				outcome.Chunks++
			}
			if err := emit(ctx, out, chunk); err != nil {
				// Drain so the provider goroutine can exit.
				for range chunks {
				}
				return err
			}
		}
		if err := <-errs; err != nil {
			return err
		}
		return ctx.Err()
	})
}

// classifyStreamError maps provider and transport errors onto the error taxonomy.
func classifyStreamError(err error, providerID, modelID string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return scribeerrors.Wrap(err, scribeerrors.ErrCodeCancelled, "stream cancelled")
	}
	if _, ok := scribeerrors.As(err); ok {
		return err
	}

	wrapped := scribeerrors.Wrap(err, scribeerrors.ErrCodeTransportFailure, "completion stream failed").
		WithContext("provider", providerID).
		WithContext("model", modelID)

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		wrapped = wrapped.WithContext("status", apiErr.StatusCode).WithRetryable(apiErr.Retryable)
		if apiErr.IsAuthError() {
			wrapped = wrapped.WithUserMessage("The API key was rejected by " + providerID)
		}
	}
	if errors.Is(err, ErrCircuitOpen) {
		wrapped = wrapped.WithUserMessage("Suggestion service paused after repeated failures")
	}
	return wrapped
}
