// Package suggest runs the inline suggestion state machine for editing sessions.
package suggest

import (
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/scribe/pkg/config"
	"github.com/odvcencio/scribe/pkg/logging"
	"github.com/odvcencio/scribe/pkg/prompt"
	"github.com/odvcencio/scribe/pkg/telemetry"
)

const DefaultDebounce = 1500 * time.Millisecond

// Options configures a Controller. Zero values take the defaults.
type Options struct {
	Debounce     time.Duration
	ContextChars int
	// RequestTimeout bounds Requesting and Streaming. Zero means unbounded.
	RequestTimeout time.Duration
	AcceptKeys     []string
	DismissKeys    []string

	Builder *prompt.Builder
	Source  Source
	Hub     *telemetry.Hub
	Logger  *logging.Logger
}

// OptionsFromConfig maps the suggest section onto Options.
func OptionsFromConfig(cfg config.SuggestConfig, source Source) Options {
	return Options{
		Debounce:       cfg.Debounce,
		ContextChars:   cfg.ContextChars,
		RequestTimeout: cfg.RequestTimeout,
		AcceptKeys:     slices.Clone(cfg.AcceptKeys),
		DismissKeys:    slices.Clone(cfg.DismissKeys),
		Builder: prompt.NewBuilder(prompt.Options{
			ContextChars: cfg.ContextChars,
			MaxTokens:    cfg.MaxTokens,
			Temperature:  cfg.Temperature,
			Preamble:     prompt.ResolvePreamble(),
		}),
		Source: source,
	}
}

func (o Options) withDefaults() Options {
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.ContextChars <= 0 {
		o.ContextChars = prompt.DefaultContextChars
	}
	if o.Builder == nil {
		o.Builder = prompt.NewBuilder(prompt.Options{ContextChars: o.ContextChars})
	}
	if len(o.AcceptKeys) == 0 {
		o.AcceptKeys = []string{"Tab", "ArrowRight", "swipe-right"}
	}
	if len(o.DismissKeys) == 0 {
		o.DismissKeys = []string{"Escape"}
	}
	return o
}

// Controller mounts sessions that share one model source and configuration.
type Controller struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewController returns a controller using opts.
func NewController(opts Options) *Controller {
	return &Controller{
		opts:     opts.withDefaults(),
		sessions: make(map[string]*Session),
	}
}

// Mount starts a session over surface. onStatus, when non-nil, receives
// indicator changes outside the session lock.
func (c *Controller) Mount(surface Surface, renderer Renderer, onStatus func(Status)) *Session {
	s := newSession(ulid.Make().String(), surface, renderer, c.opts, onStatus)
	s.onUnmount = func() {
		c.mu.Lock()
		delete(c.sessions, s.id)
		c.mu.Unlock()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.Unmount()
		return s
	}
	c.sessions[s.id] = s
	c.mu.Unlock()
	return s
}

// Session returns a mounted session by id.
func (c *Controller) Session(id string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

// Len reports the number of mounted sessions.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Close unmounts every session.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.Unmount()
	}
}

// New mounts a standalone session without a controller.
func New(surface Surface, renderer Renderer, opts Options) *Session {
	return newSession(ulid.Make().String(), surface, renderer, opts.withDefaults(), nil)
}
