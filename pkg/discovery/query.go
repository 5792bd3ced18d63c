package discovery

// QueryProcessor translates one discovery request into up to three
// backend-specific sub-queries plus the shared filter set.
//
// A backend with no input for the given request shape (no text, no vector,
// no seeds) is skipped, not an error; the engine dispatches whatever the
// processor produces.
type QueryProcessor struct {
	// OverfetchFactor widens per-backend limits so fusion has enough
	// candidates to reorder. Default 3.
	OverfetchFactor int
}

// NewQueryProcessor returns a processor with default over-fetching.
func NewQueryProcessor() *QueryProcessor {
	return &QueryProcessor{OverfetchFactor: 3}
}

// Process builds the sub-query set for a request.
func (p *QueryProcessor) Process(req *Request) []*SubQuery {
	factor := p.OverfetchFactor
	if factor <= 0 {
		factor = 3
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	backendLimit := limit * factor

	var subs []*SubQuery
	if req.QueryText != "" {
		subs = append(subs, &SubQuery{
			Backend:  BackendFulltext,
			TenantID: req.TenantID,
			Filters:  req.Filters,
			Limit:    backendLimit,
			Text:     req.QueryText,
		})
	}
	if len(req.QueryVector) > 0 {
		subs = append(subs, &SubQuery{
			Backend:  BackendVector,
			TenantID: req.TenantID,
			Filters:  req.Filters,
			Limit:    backendLimit,
			Vector:   req.QueryVector,
		})
	}
	if len(req.SeedEntityIDs) > 0 {
		subs = append(subs, &SubQuery{
			Backend:   BackendGraph,
			TenantID:  req.TenantID,
			Filters:   req.Filters,
			Limit:     backendLimit,
			Seeds:     req.SeedEntityIDs,
			EdgeTypes: req.EdgeTypes,
		})
	}
	return subs
}
