// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"math"
	"regexp"
	"slices"
	"strings"
)

// Okapi BM25 parameters.
const (
	bm25K1 = 1.2
	bm25B  = 0.75

	// idfFloor is the least weight a matching term carries. The
	// Robertson IDF is zero or negative for terms in half the entries
	// or more.
	idfFloor = 0.25
)

// Field weights. A field's tokens are repeated weight times in the
// entry's token stream.
const (
	contentWeight  = 3
	kindWeight     = 1
	metadataWeight = 1
)

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// Hit is an entry ranked by [Rank].
type Hit struct {
	Entry Entry   `json:"entry"`
	Score float64 `json:"score"`
}

// Rank scores entries against a free-text query with BM25 and returns
// up to limit hits, best first. Entries sharing no term with the query
// are dropped. Ties keep the input order, so callers passing entries
// newest first get the newest of equally relevant entries first.
func Rank(entries []Entry, query string, limit int) []Hit {
	queryTerms := Tokenize(query)
	if len(queryTerms) == 0 || len(entries) == 0 {
		return nil
	}

	frequencies := make([]map[string]int, len(entries))
	lengths := make([]int, len(entries))
	containing := make(map[string]int)
	total := 0
	for i, entry := range entries {
		terms := entryTerms(entry)
		lengths[i] = len(terms)
		total += len(terms)
		counts := make(map[string]int)
		for _, term := range terms {
			if counts[term] == 0 {
				containing[term]++
			}
			counts[term]++
		}
		frequencies[i] = counts
	}
	averageLength := float64(total) / float64(len(entries))
	corpus := float64(len(entries))

	idf := make(map[string]float64, len(queryTerms))
	for _, term := range queryTerms {
		n := float64(containing[term])
		if n == 0 {
			continue
		}
		idf[term] = max(math.Log((corpus-n+0.5)/(n+0.5)), idfFloor)
	}

	var hits []Hit
	for i, entry := range entries {
		var score float64
		for _, term := range queryTerms {
			weight, ok := idf[term]
			if !ok {
				continue
			}
			tf := float64(frequencies[i][term])
			if tf == 0 {
				continue
			}
			norm := 1 - bm25B + bm25B*float64(lengths[i])/averageLength
			score += weight * tf * (bm25K1 + 1) / (tf + bm25K1*norm)
		}
		if score > 0 {
			hits = append(hits, Hit{Entry: entry, Score: score})
		}
	}

	slices.SortStableFunc(hits, func(a, b Hit) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// Tokenize lowercases text and splits it into letter and digit runs.
// Single-character runs are dropped.
func Tokenize(text string) []string {
	words := wordPattern.FindAllString(strings.ToLower(text), -1)
	terms := words[:0]
	for _, word := range words {
		if len([]rune(word)) > 1 {
			terms = append(terms, word)
		}
	}
	return terms
}

func entryTerms(entry Entry) []string {
	var terms []string
	appendWeighted := func(text string, weight int) {
		tokens := Tokenize(text)
		for range weight {
			terms = append(terms, tokens...)
		}
	}
	appendWeighted(entry.Content, contentWeight)
	appendWeighted(entry.Kind, kindWeight)
	keys := make([]string, 0, len(entry.Metadata))
	for key := range entry.Metadata {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		appendWeighted(entry.Metadata[key], metadataWeight)
	}
	return terms
}
