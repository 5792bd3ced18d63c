package discovery

import (
	"context"
	"log"
	"time"

	"github.com/latticeos/lattice/pkg/cache"
)

// Request lifecycle states. Each request walks received -> dispatching ->
// awaiting_adapters -> fusing -> ranked -> returned; a deadline expiry in
// awaiting_adapters degrades to a flagged partial response, never an error.
const (
	StateReceived         = "received"
	StateDispatching      = "dispatching"
	StateAwaitingAdapters = "awaiting_adapters"
	StateFusing           = "fusing"
	StateRanked           = "ranked"
	StateReturned         = "returned"
)

// Engine orchestrates one discovery request: query processing, adapter
// fan-out, fusion, persona re-ranking, and the optional result cache.
type Engine struct {
	processor *QueryProcessor
	adapters  map[string]Adapter
	personas  map[string]PersonaProfile
	lookup    Lookup
	results   *cache.ResultCache

	deadline time.Duration
}

// EngineOptions configures the discovery engine.
type EngineOptions struct {
	// Personas maps persona tag to boost profile. Nil disables boosting.
	Personas map[string]PersonaProfile
	// Cache is the optional read-through result cache.
	Cache *cache.ResultCache
	// Deadline is the overall request budget. Zero means DefaultDeadline.
	Deadline time.Duration
}

// NewEngine wires a discovery engine over the given adapters.
func NewEngine(adapters []Adapter, lookup Lookup, opts EngineOptions) *Engine {
	byName := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		byName[a.Name()] = a
	}
	if opts.Deadline <= 0 {
		opts.Deadline = DefaultDeadline
	}
	return &Engine{
		processor: NewQueryProcessor(),
		adapters:  byName,
		personas:  opts.Personas,
		lookup:    lookup,
		results:   opts.Cache,
		deadline:  opts.Deadline,
	}
}

// adapterOutcome carries one backend's delivery through the fan-in channel.
type adapterOutcome struct {
	backend    string
	candidates []Candidate
	err        error
}

// Discover runs one request end to end.
//
// The request deadline bounds the whole call; adapters that miss it (or
// fail) are missing signals, and the response is flagged partial. Caller
// cancellation propagates to all in-flight adapter calls immediately.
func (e *Engine) Discover(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	state := StateReceived

	if err := req.Validate(); err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	deadline := req.Deadline
	if deadline <= 0 {
		deadline = e.deadline
	}

	var cacheKey uint64
	if e.results != nil {
		cacheKey = e.results.Key(req.TenantID, req.Fingerprint())
		if hit, ok := e.results.Get(cacheKey); ok {
			if resp, ok := hit.(*Response); ok {
				return resp, nil
			}
		}
	}

	state = StateDispatching
	subs := e.processor.Process(req)

	var dispatched []*SubQuery
	for _, sub := range subs {
		if _, ok := e.adapters[sub.Backend]; ok {
			dispatched = append(dispatched, sub)
		}
	}
	if len(dispatched) == 0 {
		return nil, ErrNoBackends
	}

	reqCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	outcomes := make(chan adapterOutcome, len(dispatched))
	for _, sub := range dispatched {
		adapter := e.adapters[sub.Backend]
		go func(a Adapter, q *SubQuery) {
			cands, err := a.Search(reqCtx, q)
			outcomes <- adapterOutcome{backend: a.Name(), candidates: cands, err: err}
		}(adapter, sub)
	}

	state = StateAwaitingAdapters
	var lists []BackendResults
	delivered := 0
collect:
	for i := 0; i < len(dispatched); i++ {
		select {
		case out := <-outcomes:
			if out.err != nil {
				// A broken backend is a missing signal, not a failure.
				log.Printf("[discovery] backend %s failed: %v", out.backend, out.err)
				continue
			}
			lists = append(lists, BackendResults{Backend: out.backend, Candidates: out.candidates})
			delivered++
		case <-reqCtx.Done():
			break collect
		}
	}

	if err := ctx.Err(); err != nil {
		// Caller cancellation beats partial delivery.
		return nil, err
	}

	partial := delivered < len(dispatched)
	if partial {
		log.Printf("[discovery] %s: %d/%d backends delivered before deadline",
			state, delivered, len(dispatched))
	}

	state = StateFusing
	fused := Fuse(lists, RRFK)

	if req.Persona != "" {
		if profile, ok := e.personas[req.Persona]; ok {
			fused = ApplyPersona(fused, &profile, e.kindOf)
		}
	}

	state = StateRanked
	if len(fused) > limit {
		fused = fused[:limit]
	}

	state = StateReturned
	resp := &Response{
		Results: fused,
		Partial: partial,
		State:   state,
		TookMS:  time.Since(start).Milliseconds(),
	}

	// Partial responses are never cached: the next attempt may do better.
	if e.results != nil && !partial {
		e.results.Put(cacheKey, req.TenantID, resp)
	}

	return resp, nil
}

// kindOf resolves an entity's kind for persona boosting. Lookups run on a
// short background budget: the request deadline may already be spent by the
// time personalization runs, and ranking is in-process metadata access.
func (e *Engine) kindOf(entityID string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	view, err := e.lookup.FindEntity(ctx, entityID)
	if err != nil {
		return "", false
	}
	return string(view.Kind), true
}
