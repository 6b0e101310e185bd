package model

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	scribeerrors "github.com/odvcencio/scribe/pkg/errors"
)

func fakeDescriptor(p Provider, builds *int32) Descriptor {
	return Descriptor{
		ID:                 "fake",
		Name:               "Fake",
		RequiresCredential: true,
		CredentialEnv:      "FAKE_API_KEY",
		Models:             []ModelInfo{{ID: "m1"}, {ID: "m2"}},
		NormalizeModelID:   func(id string) string { return "up/" + id },
		New: func(Credential, ProviderOptions) Provider {
			atomic.AddInt32(builds, 1)
			return p
		},
	}
}

func newTestGateway(t *testing.T, descriptors ...Descriptor) *Gateway {
	t.Helper()
	g := NewGateway(GatewayOptions{Descriptors: descriptors})
	t.Cleanup(g.Close)
	return g
}

func streamOf(chunks []StreamChunk, err error) (<-chan StreamChunk, <-chan error) {
	out := make(chan StreamChunk, len(chunks))
	errs := make(chan error, 1)
	for _, c := range chunks {
		out <- c
	}
	close(out)
	if err != nil {
		errs <- err
	}
	close(errs)
	return out, errs
}

func drain(t *testing.T, chunks <-chan StreamChunk, errs <-chan error) ([]StreamChunk, error) {
	t.Helper()
	var got []StreamChunk
	timeout := time.After(2 * time.Second)
	for chunks != nil {
		select {
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			got = append(got, c)
		case <-timeout:
			t.Fatal("timed out draining stream")
		}
	}
	return got, <-errs
}

func TestResolve_Errors(t *testing.T) {
	var builds int32
	g := newTestGateway(t, fakeDescriptor(nil, &builds))

	tests := []struct {
		name string
		sel  Selection
		code scribeerrors.ErrorCode
	}{
		{"unknown provider", Selection{Provider: "nope", Model: "m1", Credential: Credential{APIKey: "k"}}, scribeerrors.ErrCodeUnknownProvider},
		{"unknown model", Selection{Provider: "fake", Model: "m9", Credential: Credential{APIKey: "k"}}, scribeerrors.ErrCodeUnknownModel},
		{"missing credential", Selection{Provider: "fake", Model: "m1"}, scribeerrors.ErrCodeMissingCredential},
		{"blank credential", Selection{Provider: "fake", Model: "m1", Credential: Credential{APIKey: "  "}}, scribeerrors.ErrCodeMissingCredential},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := g.Resolve(context.Background(), tt.sel)
			require.Error(t, err)
			assert.Nil(t, h)
			assert.Equal(t, tt.code, scribeerrors.GetCode(err))
		})
	}
	assert.Zero(t, atomic.LoadInt32(&builds))

	_, err := g.Resolve(context.Background(), Selection{Provider: "fake", Model: "m1"})
	se, ok := scribeerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, []string{"export FAKE_API_KEY=..."}, se.Remediation)
}

func TestResolve_CachesPerCredential(t *testing.T) {
	var builds int32
	g := newTestGateway(t, fakeDescriptor(nil, &builds))
	ctx := context.Background()

	sel := Selection{Provider: "fake", Model: "m1", Credential: Credential{APIKey: "one"}}
	h1, err := g.Resolve(ctx, sel)
	require.NoError(t, err)
	h2, err := g.Resolve(ctx, sel)
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	assert.EqualValues(t, 1, atomic.LoadInt32(&builds))

	sel.Credential.APIKey = "two"
	h3, err := g.Resolve(ctx, sel)
	require.NoError(t, err)
	assert.NotSame(t, h1, h3)
	assert.EqualValues(t, 2, atomic.LoadInt32(&builds))
	assert.Equal(t, 1, g.CachedHandles(), "stale credential handle evicted")

	other, err := g.Resolve(ctx, Selection{Provider: "fake", Model: "m2", Credential: Credential{APIKey: "two"}})
	require.NoError(t, err)
	assert.Equal(t, "m2", other.ModelID)
	assert.Equal(t, 2, g.CachedHandles())
}

func TestResolve_HandleTTLCountsFromLastUse(t *testing.T) {
	var builds int32
	g := NewGateway(GatewayOptions{
		Descriptors: []Descriptor{fakeDescriptor(nil, &builds)},
		HandleTTL:   200 * time.Millisecond,
	})
	t.Cleanup(g.Close)
	ctx := context.Background()
	sel := Selection{Provider: "fake", Model: "m1", Credential: Credential{APIKey: "k"}}

	first, err := g.Resolve(ctx, sel)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		time.Sleep(50 * time.Millisecond)
		h, err := g.Resolve(ctx, sel)
		require.NoError(t, err)
		require.Same(t, first, h, "handle in use was evicted after %d hits", i)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&builds))

	time.Sleep(400 * time.Millisecond)
	idle, err := g.Resolve(ctx, sel)
	require.NoError(t, err)
	assert.NotSame(t, first, idle)
	assert.EqualValues(t, 2, atomic.LoadInt32(&builds))
}

func TestResolve_ConcurrentCallersShareBuild(t *testing.T) {
	var builds int32
	g := newTestGateway(t, fakeDescriptor(nil, &builds))
	sel := Selection{Provider: "fake", Model: "m1", Credential: Credential{APIKey: "k"}}

	var wg sync.WaitGroup
	handles := make([]*Handle, 16)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := g.Resolve(context.Background(), sel)
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&builds))
	for _, h := range handles[1:] {
		assert.Same(t, handles[0], h)
	}
}

func TestInvalidate(t *testing.T) {
	var builds int32
	g := newTestGateway(t, fakeDescriptor(nil, &builds))
	sel := Selection{Provider: "fake", Model: "m1", Credential: Credential{APIKey: "k"}}

	_, err := g.Resolve(context.Background(), sel)
	require.NoError(t, err)
	g.Invalidate("other")
	assert.Equal(t, 1, g.CachedHandles())
	g.Invalidate("fake")
	assert.Zero(t, g.CachedHandles())

	_, err = g.Resolve(context.Background(), sel)
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&builds))
}

func TestResolve_OpenModelsWithoutCredential(t *testing.T) {
	g := newTestGateway(t, Builtin()...)
	h, err := g.Resolve(context.Background(), Selection{Provider: "ollama", Model: "qwen2.5:0.5b"})
	require.NoError(t, err)
	assert.Equal(t, "ollama", h.ProviderID)

	_, err = g.Resolve(context.Background(), Selection{Provider: "hackclub", Model: "default"})
	require.NoError(t, err)
}

func TestHandleStream_ForwardsChunks(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)

	bad := StreamChunk{Malformed: errors.New("bad json")}
	provider.EXPECT().ChatCompletionStream(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req ChatRequest) (<-chan StreamChunk, <-chan error) {
			assert.Equal(t, "up/m1", req.Model)
			assert.True(t, req.Stream)
			return streamOf([]StreamChunk{textChunk("1", "m1", "jumps "), bad, textChunk("1", "m1", "over")}, nil)
		})

	var outcome StreamOutcome
	var builds int32
	g := NewGateway(GatewayOptions{
		Descriptors: []Descriptor{fakeDescriptor(provider, &builds)},
		Observe:     func(o StreamOutcome) { outcome = o },
	})
	defer g.Close()

	h, err := g.Resolve(context.Background(), Selection{Provider: "fake", Model: "m1", Credential: Credential{APIKey: "k"}})
	require.NoError(t, err)

	chunks, errs := h.Stream(context.Background(), ChatRequest{MaxTokens: 50})
	got, err := drain(t, chunks, errs)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "jumps ", got[0].Text())
	assert.Error(t, got[1].Malformed)
	assert.Equal(t, "over", got[2].Text())

	assert.Equal(t, 2, outcome.Chunks)
	assert.Equal(t, 1, outcome.Malformed)
	assert.Empty(t, outcome.Code)
}

func TestHandleStream_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code scribeerrors.ErrorCode
	}{
		{"http failure", &APIError{Provider: "fake", StatusCode: 502, Message: "bad gateway", Retryable: true}, scribeerrors.ErrCodeTransportFailure},
		{"network", errors.New("connection refused"), scribeerrors.ErrCodeTransportFailure},
		{"cancel", context.Canceled, scribeerrors.ErrCodeCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			provider := NewMockProvider(ctrl)
			provider.EXPECT().ChatCompletionStream(gomock.Any(), gomock.Any()).Return(streamOf(nil, tt.err))

			var builds int32
			g := newTestGateway(t, fakeDescriptor(provider, &builds))
			h, err := g.Resolve(context.Background(), Selection{Provider: "fake", Model: "m1", Credential: Credential{APIKey: "k"}})
			require.NoError(t, err)

			chunks, errs := h.Stream(context.Background(), ChatRequest{})
			_, err = drain(t, chunks, errs)
			require.Error(t, err)
			assert.Equal(t, tt.code, scribeerrors.Classify(err))
		})
	}
}

func TestHandleStream_CancelMidStream(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)

	release := make(chan struct{})
	provider.EXPECT().ChatCompletionStream(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req ChatRequest) (<-chan StreamChunk, <-chan error) {
			out := make(chan StreamChunk)
			errs := make(chan error, 1)
			go func() {
				defer close(out)
				defer close(errs)
				<-release
				<-ctx.Done()
				errs <- ctx.Err()
			}()
			return out, errs
		})

	var builds int32
	g := newTestGateway(t, fakeDescriptor(provider, &builds))
	h, err := g.Resolve(context.Background(), Selection{Provider: "fake", Model: "m1", Credential: Credential{APIKey: "k"}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	chunks, errs := h.Stream(ctx, ChatRequest{})
	close(release)
	cancel()

	got, err := drain(t, chunks, errs)
	assert.Empty(t, got)
	assert.Equal(t, scribeerrors.ErrCodeCancelled, scribeerrors.Classify(err))
	assert.Equal(t, CircuitClosed, h.breaker.State(), "cancellation must not trip the breaker")
}
