package registry

import (
	"sort"
	"strings"

	"toolexec/tool"
)

// SearchResult pairs a tool's metadata with its relevance score.
type SearchResult struct {
	Metadata tool.Metadata `json:"metadata"`
	Score    float64       `json:"score"`
}

// SearchDeferredTools finds deferred tools whose name, search keywords, or
// description match the query, without loading any of them. Results are
// ranked by a simple keyword-and-substring score; tags, when given, are a
// hard filter.
func (r *Registry) SearchDeferredTools(query string, tags []string, limit int) []SearchResult {
	if limit <= 0 {
		limit = 10
	}
	terms := strings.Fields(strings.ToLower(query))

	r.mu.RLock()
	entries := make([]tool.Metadata, 0, len(r.deferred))
	for _, e := range r.deferred {
		entries = append(entries, e.meta)
	}
	r.mu.RUnlock()

	var results []SearchResult
	for _, meta := range entries {
		if !matchesTags(meta, tags) {
			continue
		}
		score := scoreMetadata(meta, terms)
		if score > 0 {
			results = append(results, SearchResult{Metadata: meta, Score: score})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Metadata.Name < results[j].Metadata.Name
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

func matchesTags(meta tool.Metadata, tags []string) bool {
	for _, want := range tags {
		found := false
		for k, v := range meta.Tags {
			if k == want || v == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// scoreMetadata weighs exact name hits highest, then keyword matches, then
// description substrings. A query with no terms matches everything at a
// flat score so "list all deferred" style browsing works.
func scoreMetadata(meta tool.Metadata, terms []string) float64 {
	if len(terms) == 0 {
		return 1
	}

	name := strings.ToLower(meta.Name)
	desc := strings.ToLower(meta.Description)
	keywords := make([]string, len(meta.SearchKeywords))
	for i, kw := range meta.SearchKeywords {
		keywords[i] = strings.ToLower(kw)
	}

	var score float64
	for _, term := range terms {
		switch {
		case name == term:
			score += 10
		case strings.Contains(name, term):
			score += 5
		}
		for _, kw := range keywords {
			if kw == term {
				score += 4
			} else if strings.Contains(kw, term) {
				score += 2
			}
		}
		if strings.Contains(desc, term) {
			score += 1
		}
	}
	return score
}
