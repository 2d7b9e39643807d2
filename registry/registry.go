// Package registry resolves specialist agent IDs to capability cards.
//
// Cards are fetched lazily from each agent's well-known endpoint, cached for a
// TTL and refreshed on demand. When a refresh fails the previously cached card
// is served and flagged stale. A per-agent circuit breaker marks agents
// unavailable after consecutive failures, and concurrent resolutions of the
// same agent share a single in-flight fetch.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/medmesh/core"
	"github.com/hupe1980/medmesh/logging"
	"github.com/hupe1980/medmesh/telemetry"
)

// CardPath is the well-known path agents serve their card on.
const CardPath = "/.well-known/agent.json"

// ErrClosed is returned by Resolve after Close.
var ErrClosed = errors.New("registry closed")

// Options configures a Registry.
type Options struct {
	// TTL after which a cached card is refreshed on next use.
	TTL time.Duration
	// FetchTimeout bounds a single card fetch.
	FetchTimeout time.Duration
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// Cooldown keeps an open circuit unavailable.
	Cooldown time.Duration

	HTTPClient *http.Client
	Logger     logging.Logger
	Metrics    *telemetry.Metrics
	// Now is the clock, replaceable in tests.
	Now func() time.Time
}

// Resolution is the outcome of resolving an agent.
type Resolution struct {
	Card      core.AgentCard
	Stale     bool
	FetchedAt time.Time
}

type entry struct {
	card      *core.AgentCard
	fetchedAt time.Time
	failures  int
	openUntil time.Time
}

// Registry maps agent IDs to capability cards. It is safe for concurrent use
// and should be injected into consumers rather than shared globally.
type Registry struct {
	opts      Options
	endpoints map[string]string

	mu      sync.RWMutex
	entries map[string]*entry

	flight singleflight.Group
	closed atomic.Bool
}

// New creates a registry for the given agentID -> base URL endpoints.
func New(endpoints map[string]string, optFns ...func(o *Options)) *Registry {
	opts := Options{
		TTL:              5 * time.Minute,
		FetchTimeout:     5 * time.Second,
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
		HTTPClient:       http.DefaultClient,
		Logger:           logging.NoOpLogger{},
		Now:              time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	eps := make(map[string]string, len(endpoints))
	entries := make(map[string]*entry, len(endpoints))
	for id, url := range endpoints {
		eps[id] = strings.TrimRight(url, "/")
		entries[id] = &entry{}
	}

	return &Registry{opts: opts, endpoints: eps, entries: entries}
}

// AgentIDs returns the configured agent IDs in sorted order.
func (r *Registry) AgentIDs() []string {
	ids := make([]string, 0, len(r.endpoints))
	for id := range r.endpoints {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Known reports whether agentID is statically configured.
func (r *Registry) Known(agentID string) bool {
	_, ok := r.endpoints[agentID]
	return ok
}

// Resolve returns the card for agentID, fetching or refreshing it as needed.
//
// Errors:
//   - core.ErrUnknownAgent if agentID is not configured
//   - core.ErrUnreachable if the circuit is open, or the fetch failed and no card is cached
//   - ErrClosed after Close
func (r *Registry) Resolve(ctx context.Context, agentID string) (Resolution, error) {
	if r.closed.Load() {
		return Resolution{}, ErrClosed
	}
	if _, ok := r.endpoints[agentID]; !ok {
		return Resolution{}, fmt.Errorf("%w: %s", core.ErrUnknownAgent, agentID)
	}

	now := r.opts.Now()

	r.mu.RLock()
	e := r.entries[agentID]
	open := now.Before(e.openUntil)
	cached, fetchedAt := e.card, e.fetchedAt
	r.mu.RUnlock()

	if open {
		r.opts.Metrics.ObserveCardFetch(agentID, "circuit_open")
		return Resolution{}, fmt.Errorf("%w: %s: circuit open", core.ErrUnreachable, agentID)
	}
	if cached != nil && now.Sub(fetchedAt) < r.opts.TTL {
		return Resolution{Card: cached.Clone(), FetchedAt: fetchedAt}, nil
	}

	ch := r.flight.DoChan(agentID, func() (any, error) {
		return r.refresh(context.WithoutCancel(ctx), agentID)
	})

	select {
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	case res := <-ch:
		if res.Err == nil {
			return res.Val.(Resolution), nil
		}
		return r.fallback(agentID, res.Err)
	}
}

// refresh fetches the card and stores it on success.
func (r *Registry) refresh(ctx context.Context, agentID string) (Resolution, error) {
	card, err := r.fetch(ctx, agentID)
	if err != nil {
		r.opts.Logger.Warn("registry.fetch.failed", "agent_id", agentID, "error", err.Error())
		r.ReportFailure(agentID)
		return Resolution{}, err
	}

	now := r.opts.Now()
	r.mu.Lock()
	e := r.entries[agentID]
	e.card = &card
	e.fetchedAt = now
	r.mu.Unlock()

	r.ReportSuccess(agentID)
	r.opts.Metrics.ObserveCardFetch(agentID, "ok")
	r.opts.Logger.Debug("registry.fetch.ok", "agent_id", agentID, "skills", card.SkillIDs())
	return Resolution{Card: card.Clone(), FetchedAt: now}, nil
}

// fallback serves the cached card flagged stale after a failed refresh.
func (r *Registry) fallback(agentID string, cause error) (Resolution, error) {
	r.mu.RLock()
	e := r.entries[agentID]
	cached, fetchedAt := e.card, e.fetchedAt
	r.mu.RUnlock()

	if cached == nil {
		r.opts.Metrics.ObserveCardFetch(agentID, "error")
		return Resolution{}, fmt.Errorf("%w: %s: %v", core.ErrUnreachable, agentID, cause)
	}
	r.opts.Metrics.ObserveCardFetch(agentID, "stale")
	return Resolution{Card: cached.Clone(), Stale: true, FetchedAt: fetchedAt}, nil
}

func (r *Registry) fetch(ctx context.Context, agentID string) (core.AgentCard, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.FetchTimeout)
	defer cancel()

	base := r.endpoints[agentID]
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+CardPath, nil)
	if err != nil {
		return core.AgentCard{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.opts.HTTPClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return core.AgentCard{}, fmt.Errorf("%w: card fetch after %s", core.ErrTimeout, r.opts.FetchTimeout)
		}
		return core.AgentCard{}, fmt.Errorf("card fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return core.AgentCard{}, fmt.Errorf("card fetch: unexpected status %d", resp.StatusCode)
	}

	var card core.AgentCard
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&card); err != nil {
		return core.AgentCard{}, fmt.Errorf("card decode: %w", err)
	}

	// The configured ID is authoritative; the card URL defaults to the endpoint.
	card.AgentID = agentID
	if card.URL == "" {
		card.URL = base
	}
	card.URL = strings.TrimRight(card.URL, "/")

	return card, nil
}

// ReportSuccess closes the agent's circuit and resets its failure count.
func (r *Registry) ReportSuccess(agentID string) {
	r.mu.Lock()
	e, ok := r.entries[agentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	wasOpen := !e.openUntil.IsZero()
	e.failures = 0
	e.openUntil = time.Time{}
	r.mu.Unlock()

	if wasOpen {
		r.opts.Metrics.SetCircuitOpen(agentID, false)
		r.opts.Logger.Info("registry.circuit.closed", "agent_id", agentID)
	}
}

// ReportFailure records a failed interaction with the agent. After
// FailureThreshold consecutive failures the circuit opens for Cooldown. A
// failure after the cooldown expired reopens it immediately.
func (r *Registry) ReportFailure(agentID string) {
	now := r.opts.Now()

	r.mu.Lock()
	e, ok := r.entries[agentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	halfOpen := !e.openUntil.IsZero() && !now.Before(e.openUntil)
	e.failures++
	opened := false
	if halfOpen || e.failures >= r.opts.FailureThreshold {
		e.openUntil = now.Add(r.opts.Cooldown)
		e.failures = 0
		opened = true
	}
	r.mu.Unlock()

	if opened {
		r.opts.Metrics.SetCircuitOpen(agentID, true)
		r.opts.Logger.Warn("registry.circuit.opened", "agent_id", agentID, "cooldown", r.opts.Cooldown)
	}
}

// Available reports whether the agent is configured and its circuit is not open.
func (r *Registry) Available(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[agentID]
	if !ok {
		return false
	}
	return !r.opts.Now().Before(e.openUntil)
}

// Invalidate drops the cached card so the next Resolve refetches it.
func (r *Registry) Invalidate(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[agentID]; ok {
		e.card = nil
		e.fetchedAt = time.Time{}
	}
}

// Cards resolves all available agents concurrently and returns the ones that
// could be resolved, sorted by agent ID. Failures are logged and skipped.
func (r *Registry) Cards(ctx context.Context) []Resolution {
	ids := r.AgentIDs()
	results := make([]*Resolution, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		if !r.Available(id) {
			continue
		}
		g.Go(func() error {
			res, err := r.Resolve(gctx, id)
			if err != nil {
				r.opts.Logger.Debug("registry.cards.skip", "agent_id", id, "error", err.Error())
				return nil
			}
			results[i] = &res
			return nil
		})
	}
	_ = g.Wait()

	out := make([]Resolution, 0, len(ids))
	for _, res := range results {
		if res != nil {
			out = append(out, *res)
		}
	}
	return out
}

// Warm prefetches every configured card. Failures are logged only.
func (r *Registry) Warm(ctx context.Context) {
	cards := r.Cards(ctx)
	r.opts.Logger.Info("registry.warm", "configured", len(r.endpoints), "resolved", len(cards))
}

// Close drops all cached cards. Resolve fails with ErrClosed afterwards.
func (r *Registry) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.entries {
		r.entries[id] = &entry{}
	}
	return nil
}
