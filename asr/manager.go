package asr

import (
	"context"
	"fmt"
	"math"
	"time"
)

// AdapterFactory builds the Adapter for a given provider; callers register
// one per provider they're able to reach (API key configured, etc).
type AdapterFactory func(p Provider) (Adapter, bool)

// Manager walks a Router's provider chain, starting a Session against each
// candidate in turn until one establishes a connection; a session that
// fails with a retryable error moves on to the next provider in the chain,
// while a non-retryable (fatal) error ends the walk and is returned.
// Transient drops within an already-connected session are handled entirely
// inside Session's own reconnect-with-backoff loop and never reach here.
type Manager struct {
	router  *Router
	factory AdapterFactory
	apiBase string
	keys    map[Provider]string

	active *Session
}

// NewManager builds a Manager whose sessions authenticate with a per-
// provider API key (keys[p] == "" is valid for providers, like local,
// that need none).
func NewManager(router *Router, factory AdapterFactory, apiBase string, keys map[Provider]string) *Manager {
	return &Manager{router: router, factory: factory, apiBase: apiBase, keys: keys}
}

// Start tries each available provider able to serve languages, in the
// router's quality/priority order, advancing to the next candidate on a
// retryable connect failure and giving up immediately on a non-retryable
// one. The walk is bounded by the router's configured num_retries, with
// capped exponential backoff between attempts — the routing layer's own
// retry budget, distinct from a single already-connected Session's
// internal reconnect loop.
func (m *Manager) Start(ctx context.Context, languages []string, available map[Provider]bool, params map[string]string, channels int) (*Session, error) {
	chain := m.router.SelectProviderChain(languages, available)
	if len(chain) == 0 {
		return nil, fmt.Errorf("asr: no available provider supports languages %v", languages)
	}

	retry := m.router.RetryConfig()
	maxAttempts := retry.NumRetries + 1

	var lastErr error
	attempt := 0
	for _, p := range chain {
		if attempt >= maxAttempts {
			break
		}

		adapter, ok := m.factory(p)
		if !ok {
			continue
		}
		attempt++

		sess := NewSession(adapter, m.apiBase, m.keys[p], params, channels)
		if err := sess.Start(ctx); err != nil {
			lastErr = err
			if !IsRetryableError(err.Error()) {
				break
			}
			m.backoffBeforeNextAttempt(ctx, attempt, retry)
			continue
		}

		ok2, err := awaitConnectedOrClosed(ctx, sess)
		if !ok2 {
			lastErr = err
			if err != nil && !IsRetryableError(err.Error()) {
				break
			}
			m.backoffBeforeNextAttempt(ctx, attempt, retry)
			continue
		}

		m.active = sess
		return sess, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("asr: exhausted provider chain %v: %w", chain, lastErr)
	}
	return nil, fmt.Errorf("asr: exhausted provider chain %v", chain)
}

func (m *Manager) backoffBeforeNextAttempt(ctx context.Context, attempt int, retry RetryConfig) {
	delay := time.Duration(math.Min(
		float64(retry.MaxDelaySecs)*float64(time.Second),
		float64(500*time.Millisecond)*math.Pow(2, float64(attempt-1)),
	))
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}

// awaitConnectedOrClosed blocks on a fresh session's lifecycle channel
// until it either reaches Connected (success) or Closed (fatal, try the
// next provider in the chain).
func awaitConnectedOrClosed(ctx context.Context, sess *Session) (bool, error) {
	for {
		select {
		case ev := <-sess.Lifecycle:
			switch ev.State {
			case StateConnected:
				return true, nil
			case StateClosed:
				return false, ev.Err
			}
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// Active returns the currently running session, if any.
func (m *Manager) Active() *Session { return m.active }

// Stop finalizes the active session, if any.
func (m *Manager) Stop() {
	if m.active != nil {
		m.active.Stop()
	}
}
