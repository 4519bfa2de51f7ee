// Package poller follows a checkout that completes in a detached browser window by asking
// the API for the session status until it settles.
package poller

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-token-checkout/internal/client"
	"github.com/imrishuroy/go-token-checkout/internal/sessions"
)

// State is a poller state.
type State string

// Poller states
const (
	StateIdle           State = "idle"
	StateAwaitingWindow State = "awaiting-window"
	StatePolling        State = "polling"
	StateSucceeded      State = "succeeded"
	StateFailed         State = "failed"
	StateBlocked        State = "blocked"
	StateTimedOut       State = "timed-out"
)

// Terminal reports whether no further transition happens from s.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateBlocked, StateTimedOut:
		return true
	}
	return false
}

// ErrWindowBlocked is passed to OnBlocked when the checkout page could not be opened.
var ErrWindowBlocked = errors.New("checkout window could not be opened")

// StatusSource looks up a session's status. *client.Client satisfies it.
type StatusSource interface {
	PaymentStatus(ctx context.Context, sessionID string) (sessions.Status, error)
}

// Opener shows the hosted checkout page to the buyer.
type Opener func(url string) error

// Hooks are called on transitions. Any of them may be nil.
type Hooks struct {
	OnStateChange func(State)
	OnSuccess     func(ctx context.Context)
	OnFailure     func(ctx context.Context)
	OnBlocked     func(err error)
	OnTimeout     func()
}

// Config controls the polling schedule.
type Config struct {
	InitialDelay time.Duration // before the first lookup
	Interval     time.Duration // first gap between lookups
	Multiplier   float64       // growth per gap; 1 keeps the interval fixed
	MaxInterval  time.Duration
	Deadline     time.Duration // from the first lookup; 0 polls until ctx ends
}

// DefaultConfig is a 3s start, 2s interval growing by 1.5 up to 10s, and a 10 minute deadline.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 3 * time.Second,
		Interval:     2 * time.Second,
		Multiplier:   1.5,
		MaxInterval:  10 * time.Second,
		Deadline:     10 * time.Minute,
	}
}

// Poller drives one polling chain per Run call.
type Poller struct {
	source StatusSource
	open   Opener
	cfg    Config
	hooks  Hooks
	log    zerolog.Logger

	after func(time.Duration) <-chan time.Time
	now   func() time.Time
}

// New returns a Poller.
func New(source StatusSource, open Opener, cfg Config, hooks Hooks, logger zerolog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if cfg.MaxInterval < cfg.Interval {
		cfg.MaxInterval = cfg.Interval
	}
	return &Poller{
		source: source,
		open:   open,
		cfg:    cfg,
		hooks:  hooks,
		log:    logger,
		after:  time.After,
		now:    time.Now,
	}
}

// Run opens the checkout and polls until a terminal state or ctx ends. On cancellation it
// returns the state it was in together with ctx.Err().
func (p *Poller) Run(ctx context.Context, co client.Checkout) (State, error) {
	logger := p.log.With().Str("session_id", co.SessionID).Logger()
	state := p.transition(StateAwaitingWindow)
	if err := p.open(co.URL); err != nil {
		logger.Warn().Err(err).Msg("could not open checkout window")
		state = p.transition(StateBlocked)
		if p.hooks.OnBlocked != nil {
			p.hooks.OnBlocked(errors.Join(ErrWindowBlocked, err))
		}
		return state, nil
	}

	if err := p.wait(ctx, p.cfg.InitialDelay); err != nil {
		return state, err
	}

	state = p.transition(StatePolling)
	b := p.schedule()

	for attempt := 1; ; attempt++ {
		status, err := p.source.PaymentStatus(ctx, co.SessionID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return state, ctx.Err()
			}
			logger.Debug().Err(err).Int("attempt", attempt).Msg("payment status lookup failed, retrying")
		case status == sessions.StatusCompleted:
			state = p.transition(StateSucceeded)
			if p.hooks.OnSuccess != nil {
				p.hooks.OnSuccess(ctx)
			}
			return state, nil
		case status == sessions.StatusFailed:
			state = p.transition(StateFailed)
			if p.hooks.OnFailure != nil {
				p.hooks.OnFailure(ctx)
			}
			return state, nil
		}

		sleep := b.NextBackOff()
		if sleep == backoff.Stop {
			// the next lookup would land past the deadline
			state = p.transition(StateTimedOut)
			if p.hooks.OnTimeout != nil {
				p.hooks.OnTimeout()
			}
			return state, nil
		}
		if err := p.wait(ctx, sleep); err != nil {
			return state, err
		}
	}
}

// schedule returns the lookup gaps for one chain. Elapsed time counts from this call.
func (p *Poller) schedule() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.cfg.Interval,
		RandomizationFactor: 0,
		Multiplier:          p.cfg.Multiplier,
		MaxInterval:         p.cfg.MaxInterval,
		MaxElapsedTime:      p.cfg.Deadline,
		Stop:                backoff.Stop,
		Clock:               clockFunc(p.now),
	}
	b.Reset()
	return b
}

func (p *Poller) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.after(d):
		return nil
	}
}

func (p *Poller) transition(s State) State {
	if p.hooks.OnStateChange != nil {
		p.hooks.OnStateChange(s)
	}
	return s
}

type clockFunc func() time.Time

func (f clockFunc) Now() time.Time { return f() }
