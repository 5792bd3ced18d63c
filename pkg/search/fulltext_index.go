package search

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// BM25 parameters (standard values)
const (
	bm25K1 = 1.2  // Term frequency saturation
	bm25B  = 0.75 // Length normalization
)

// FulltextIndex provides BM25-based full-text search over entity fields.
//
// Each entity is indexed as a set of named text fields. Queries may use
// boolean operators (AND, OR, NOT), quoted phrases, and field scoping
// ("title:quebec"). Scores are BM25 over the combined field text.
type FulltextIndex struct {
	mu sync.RWMutex

	// Per-entity field text, kept for phrase matching and reindexing.
	fields map[string]map[string]string

	// Inverted index over combined text: term -> entityID -> term frequency
	invertedIndex map[string]map[string]int

	// Field-scoped term presence: field -> term -> entityID set
	fieldIndex map[string]map[string]map[string]struct{}

	// Combined document lengths: entityID -> token count
	docLengths map[string]int

	avgDocLength float64
	docCount     int
}

// NewFulltextIndex creates an empty full-text index.
func NewFulltextIndex() *FulltextIndex {
	return &FulltextIndex{
		fields:        make(map[string]map[string]string),
		invertedIndex: make(map[string]map[string]int),
		fieldIndex:    make(map[string]map[string]map[string]struct{}),
		docLengths:    make(map[string]int),
	}
}

// Index adds or replaces an entity's searchable fields.
// Entities whose fields tokenize to nothing are dropped from the index.
func (f *FulltextIndex) Index(id string, fields map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.removeLocked(id)

	var allTokens []string
	for _, text := range fields {
		allTokens = append(allTokens, tokenize(text)...)
	}
	if len(allTokens) == 0 {
		return
	}

	stored := make(map[string]string, len(fields))
	for name, text := range fields {
		stored[name] = text
	}
	f.fields[id] = stored
	f.docLengths[id] = len(allTokens)
	f.docCount++

	termFreq := make(map[string]int)
	for _, token := range allTokens {
		termFreq[token]++
	}
	for term, freq := range termFreq {
		if f.invertedIndex[term] == nil {
			f.invertedIndex[term] = make(map[string]int)
		}
		f.invertedIndex[term][id] = freq
	}

	for name, text := range fields {
		for _, token := range tokenize(text) {
			if f.fieldIndex[name] == nil {
				f.fieldIndex[name] = make(map[string]map[string]struct{})
			}
			if f.fieldIndex[name][token] == nil {
				f.fieldIndex[name][token] = make(map[string]struct{})
			}
			f.fieldIndex[name][token][id] = struct{}{}
		}
	}

	f.updateAvgDocLength()
}

// Remove removes an entity from the index.
func (f *FulltextIndex) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(id)
}

func (f *FulltextIndex) removeLocked(id string) {
	fields, exists := f.fields[id]
	if !exists {
		return
	}

	var allTokens []string
	for _, text := range fields {
		allTokens = append(allTokens, tokenize(text)...)
	}
	seen := make(map[string]struct{})
	for _, token := range allTokens {
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		if docs, ok := f.invertedIndex[token]; ok {
			delete(docs, id)
			if len(docs) == 0 {
				delete(f.invertedIndex, token)
			}
		}
	}

	for name, text := range fields {
		terms := f.fieldIndex[name]
		if terms == nil {
			continue
		}
		for _, token := range tokenize(text) {
			if docs, ok := terms[token]; ok {
				delete(docs, id)
				if len(docs) == 0 {
					delete(terms, token)
				}
			}
		}
		if len(terms) == 0 {
			delete(f.fieldIndex, name)
		}
	}

	delete(f.fields, id)
	delete(f.docLengths, id)
	f.docCount--
	f.updateAvgDocLength()
}

// Search evaluates a boolean query and returns BM25-ranked results.
//
// Query grammar, informally: whitespace-separated clauses, each optionally
// negated with a preceding NOT, optionally scoped to a field ("field:term"),
// optionally a quoted phrase. Clauses combine with OR by default; a single
// AND anywhere makes the whole query conjunctive. Results are ordered by
// score descending, tie-broken by entity ID ascending.
func (f *FulltextIndex) Search(query string, limit int) []Result {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.docCount == 0 {
		return nil
	}

	q := parseQuery(query)
	if len(q.clauses) == 0 {
		return nil
	}

	scores := make(map[string]float64)
	matchCounts := make(map[string]int)
	positive := 0

	for _, c := range q.clauses {
		if c.negated {
			continue
		}
		positive++
		for id, score := range f.matchClause(c) {
			scores[id] += score
			matchCounts[id]++
		}
	}
	if positive == 0 {
		return nil
	}

	// NOT clauses drop matching entities outright.
	for _, c := range q.clauses {
		if !c.negated {
			continue
		}
		for id := range f.matchClause(c) {
			delete(scores, id)
		}
	}

	results := make([]Result, 0, len(scores))
	for id, score := range scores {
		if q.conjunctive && matchCounts[id] < positive {
			continue
		}
		results = append(results, Result{ID: id, Score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// matchClause returns entityID -> score for one clause. Caller holds mu.
func (f *FulltextIndex) matchClause(c clause) map[string]float64 {
	if c.phrase {
		return f.matchPhrase(c)
	}

	matches := make(map[string]float64)
	for _, term := range tokenize(c.text) {
		docs, exists := f.invertedIndex[term]
		if !exists {
			continue
		}
		idf := f.idf(term)
		for id, termFreq := range docs {
			if c.field != "" && !f.fieldHasTerm(c.field, term, id) {
				continue
			}
			docLen := float64(f.docLengths[id])
			tf := float64(termFreq)
			numerator := tf * (bm25K1 + 1)
			denominator := tf + bm25K1*(1-bm25B+bm25B*(docLen/f.avgDocLength))
			matches[id] += idf * (numerator / denominator)
		}
	}
	return matches
}

// matchPhrase scores exact substring matches, earlier occurrences higher.
func (f *FulltextIndex) matchPhrase(c clause) map[string]float64 {
	phrase := strings.ToLower(c.text)
	matches := make(map[string]float64)
	for id, fields := range f.fields {
		for name, text := range fields {
			if c.field != "" && name != c.field {
				continue
			}
			idx := strings.Index(strings.ToLower(text), phrase)
			if idx < 0 {
				continue
			}
			score := 1.0 / (1.0 + float64(idx)/100.0)
			if score > matches[id] {
				matches[id] = score
			}
		}
	}
	return matches
}

func (f *FulltextIndex) fieldHasTerm(field, term, id string) bool {
	terms := f.fieldIndex[field]
	if terms == nil {
		return false
	}
	docs := terms[term]
	if docs == nil {
		return false
	}
	_, ok := docs[id]
	return ok
}

// idf uses the Lucene BM25 variant: log(1 + (N - df + 0.5) / (df + 0.5)),
// which never goes negative for common terms.
func (f *FulltextIndex) idf(term string) float64 {
	df := float64(len(f.invertedIndex[term]))
	n := float64(f.docCount)
	idf := math.Log(1 + (n-df+0.5)/(df+0.5))
	if idf < 0 {
		return 0
	}
	return idf
}

func (f *FulltextIndex) updateAvgDocLength() {
	if f.docCount == 0 {
		f.avgDocLength = 0
		return
	}
	var total int
	for _, length := range f.docLengths {
		total += length
	}
	f.avgDocLength = float64(total) / float64(f.docCount)
}

// Count returns the number of indexed entities.
func (f *FulltextIndex) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.docCount
}

// ============================================================================
// Query parsing
// ============================================================================

type clause struct {
	field   string
	text    string
	phrase  bool
	negated bool
}

type boolQuery struct {
	clauses     []clause
	conjunctive bool
}

// parseQuery splits a query string into clauses. Operators AND, OR and NOT
// are recognized uppercase only; anything else is a search term.
func parseQuery(query string) boolQuery {
	var q boolQuery
	negateNext := false

	for _, raw := range splitQuery(query) {
		switch raw {
		case "AND":
			q.conjunctive = true
			continue
		case "OR":
			continue
		case "NOT":
			negateNext = true
			continue
		}

		c := clause{negated: negateNext}
		negateNext = false

		// Field scoping: field:term or field:"a phrase"
		if i := strings.Index(raw, ":"); i > 0 && !strings.HasPrefix(raw, "\"") {
			c.field = raw[:i]
			raw = raw[i+1:]
		}
		if strings.HasPrefix(raw, "\"") && strings.HasSuffix(raw, "\"") && len(raw) >= 2 {
			c.phrase = true
			raw = raw[1 : len(raw)-1]
		}
		c.text = raw
		if strings.TrimSpace(c.text) == "" {
			continue
		}
		q.clauses = append(q.clauses, c)
	}
	return q
}

// splitQuery splits on whitespace, keeping quoted phrases together.
func splitQuery(query string) []string {
	var parts []string
	var cur strings.Builder
	inQuote := false

	for _, r := range query {
		switch {
		case r == '"':
			inQuote = !inQuote
			cur.WriteRune(r)
		case unicode.IsSpace(r) && !inQuote:
			if cur.Len() > 0 {
				parts = append(parts, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

// tokenize splits text into lowercase tokens, dropping punctuation, single
// characters, and a minimal stop-word list.
func tokenize(text string) []string {
	text = strings.ToLower(text)
	words := strings.FieldsFunc(text, func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c)
	})

	var tokens []string
	for _, word := range words {
		if len(word) < 2 {
			continue
		}
		if stopWords[word] {
			continue
		}
		tokens = append(tokens, word)
	}
	return tokens
}

// Minimal list focused on truly generic words. Domain terms are deliberately
// not filtered.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true,
	"at": true, "be": true, "by": true, "for": true, "from": true,
	"has": true, "have": true, "he": true, "in": true, "is": true,
	"it": true, "its": true, "of": true, "on": true, "or": true,
	"that": true, "the": true, "to": true, "was": true, "were": true,
	"with": true, "this": true, "but": true, "they": true,
	"we": true, "you": true, "your": true, "my": true, "their": true,
	"been": true, "do": true, "does": true, "did": true,
}
