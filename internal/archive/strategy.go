package archive

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"archivestream/searchservice/internal/search"
)

const (
	mediaFilter  = `(mediatype:audio OR mediatype:etree)`
	formatFilter = `format:(mp3 OR flac OR "VBR MP3")`

	exactRows  = 60
	termRows   = 40
	minTermLen = 3
)

var stopWords = map[string]struct{}{
	"autor":       {},
	"desconocido": {},
	"sin":         {},
	"titulo":      {},
	"artist":      {},
	"unknown":     {},
	"track":       {},
	"audio":       {},
	"official":    {},
	"video":       {},
}

var fileLikeIdentifier = regexp.MustCompile(`(?i)\.(mp3|flac|wav|jpg|png|xml|txt)$`)

// strategy is one advancedsearch query issued for a user query.
type strategy struct {
	Name  string
	Query string
	Rows  int
}

// queryTerms returns the significant words of a normalized key.
func queryTerms(key string) []string {
	fields := strings.Fields(key)
	terms := make([]string, 0, len(fields))
	for _, field := range fields {
		if utf8.RuneCountInString(field) < minTermLen {
			continue
		}
		if _, stop := stopWords[field]; stop {
			continue
		}
		terms = append(terms, field)
	}
	return terms
}

// buildStrategies derives up to three queries from a normalized key: an
// exact phrase match, an AND of significant terms (only with two or more),
// and a fuzzy AND of significant terms.
func buildStrategies(key string) []strategy {
	if key == "" {
		return nil
	}
	terms := queryTerms(key)
	out := []strategy{{
		Name:  "exact",
		Query: fmt.Sprintf(`(title:"%s" OR creator:"%s") AND %s`, key, key, mediaFilter),
		Rows:  exactRows,
	}}
	if len(terms) > 1 {
		quoted := make([]string, len(terms))
		for i, term := range terms {
			quoted[i] = `"` + term + `"`
		}
		and := strings.Join(quoted, " AND ")
		out = append(out, strategy{
			Name:  "terms",
			Query: fmt.Sprintf(`(title:(%s) OR creator:(%s)) AND %s`, and, and, mediaFilter),
			Rows:  termRows,
		})
	}
	if len(terms) > 0 {
		fuzzy := make([]string, len(terms))
		for i, term := range terms {
			fuzzy[i] = term + "~1"
		}
		and := strings.Join(fuzzy, " AND ")
		out = append(out, strategy{
			Name:  "fuzzy",
			Query: fmt.Sprintf(`(title:(%s) OR creator:(%s)) AND %s`, and, and, mediaFilter),
			Rows:  termRows,
		})
	}
	for i := range out {
		out[i].Query += " AND " + formatFilter
	}
	return out
}

// uniqueDocs drops file-like or malformed identifiers and keeps the first
// occurrence of each identifier.
func uniqueDocs(docs []SearchDoc) []SearchDoc {
	seen := make(map[string]struct{}, len(docs))
	out := make([]SearchDoc, 0, len(docs))
	for _, doc := range docs {
		id := strings.TrimSpace(doc.Identifier)
		if id == "" || strings.Contains(id, " ") || fileLikeIdentifier.MatchString(id) {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		doc.Identifier = id
		out = append(out, doc)
	}
	return out
}

func relevanceScore(doc SearchDoc, words []string) int {
	text := search.NormalizeQuery(doc.Title.String() + " " + doc.Creator.String())
	score := 0
	for _, word := range words {
		if strings.Contains(text, word) {
			score += 3
		}
	}
	return score
}

// rankDocs orders docs by query-word relevance, falling back to download
// count when relevance differs by less than 2. Scores are multiples of 3, so
// this is relevance desc then downloads desc.
func rankDocs(docs []SearchDoc, key string) {
	words := make([]string, 0)
	for _, field := range strings.Fields(key) {
		if utf8.RuneCountInString(field) >= minTermLen {
			words = append(words, field)
		}
	}
	scores := make(map[string]int, len(docs))
	for _, doc := range docs {
		scores[doc.Identifier] = relevanceScore(doc, words)
	}
	sort.SliceStable(docs, func(i, j int) bool {
		si, sj := scores[docs[i].Identifier], scores[docs[j].Identifier]
		if diff := si - sj; diff >= 2 || diff <= -2 {
			return si > sj
		}
		return docs[i].Downloads > docs[j].Downloads
	})
}
