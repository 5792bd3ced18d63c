package discovery

import (
	"sort"
)

// RRFK is the reciprocal rank fusion constant. The standard value keeps any
// single backend's top rank from dominating the fused order.
const RRFK = 60

// BackendResults is one backend's ranked candidate list entering fusion.
type BackendResults struct {
	Backend    string
	Candidates []Candidate
}

// Fuse merges ranked backend lists with reciprocal rank fusion.
//
// Each entity at 1-indexed rank r in a list contributes 1/(k+r) to its
// fused score; entities absent from a backend receive no contribution from
// it. The output is ordered by fused score descending, tie-broken by the
// highest single raw score any backend gave the entity, then by entity ID
// ascending. The result is a pure function of the list contents: input
// arrival order never changes the output.
func Fuse(lists []BackendResults, k int) []Result {
	if k <= 0 {
		k = RRFK
	}

	type fusedEntry struct {
		score    float64
		bestRaw  float64
		backends []string
	}
	entries := make(map[string]*fusedEntry)

	// Sort lists by backend name so iteration order is deterministic even
	// though contributions are commutative.
	ordered := append([]BackendResults(nil), lists...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Backend < ordered[j].Backend })

	for _, list := range ordered {
		for i, c := range list.Candidates {
			rank := i + 1
			entry, ok := entries[c.EntityID]
			if !ok {
				entry = &fusedEntry{}
				entries[c.EntityID] = entry
			}
			entry.score += 1.0 / float64(k+rank)
			if c.RawScore > entry.bestRaw {
				entry.bestRaw = c.RawScore
			}
			entry.backends = append(entry.backends, list.Backend)
		}
	}

	results := make([]Result, 0, len(entries))
	for id, entry := range entries {
		sort.Strings(entry.backends)
		results = append(results, Result{
			EntityID:       id,
			Score:          entry.score,
			SourceBackends: entry.backends,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		ri := entries[results[i].EntityID].bestRaw
		rj := entries[results[j].EntityID].bestRaw
		if ri != rj {
			return ri > rj
		}
		return results[i].EntityID < results[j].EntityID
	})
	return results
}

// KindLookup resolves an entity ID to its kind for persona matching.
// Unresolvable entities get no boost.
type KindLookup func(entityID string) (string, bool)

// ApplyPersona multiplies the fused score of entities matching the profile's
// preferred kinds by the profile's boost factor, then re-sorts.
//
// Personalization runs strictly after fusion so that fusion itself stays
// persona-independent and testable in isolation.
func ApplyPersona(results []Result, profile *PersonaProfile, kindOf KindLookup) []Result {
	if profile == nil || profile.Boost == 1 || len(profile.PreferredKinds) == 0 {
		return results
	}

	preferred := make(map[string]struct{}, len(profile.PreferredKinds))
	for _, k := range profile.PreferredKinds {
		preferred[k] = struct{}{}
	}

	boosted := make([]Result, len(results))
	copy(boosted, results)
	for i := range boosted {
		kind, ok := kindOf(boosted[i].EntityID)
		if !ok {
			continue
		}
		if _, match := preferred[kind]; match {
			boosted[i].Score *= profile.Boost
		}
	}

	sort.Slice(boosted, func(i, j int) bool {
		if boosted[i].Score != boosted[j].Score {
			return boosted[i].Score > boosted[j].Score
		}
		return boosted[i].EntityID < boosted[j].EntityID
	})
	return boosted
}
