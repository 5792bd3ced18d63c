// Package search provides the ranked-retrieval indexes behind the discovery
// backends: a BM25 full-text index and a cosine-similarity vector index.
//
// Both indexes are in-memory and rebuilt from the Knowledge Store at startup.
// They hold entity IDs and derived search material only, never authoritative
// content.
package search

// Result is one ranked index hit.
type Result struct {
	ID    string
	Score float64
}
