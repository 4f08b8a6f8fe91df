// Package enrich gathers optional context for answer generation: recent items
// from news feeds and facts from the knowledge graph.
package enrich

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "do": true, "does": true,
	"did": true, "will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "can": true, "shall": true, "to": true,
	"of": true, "in": true, "for": true, "on": true, "with": true,
	"at": true, "by": true, "from": true, "as": true, "into": true,
	"through": true, "during": true, "before": true, "after": true,
	"what": true, "where": true, "when": true, "how": true, "which": true,
	"who": true, "whom": true, "this": true, "that": true, "these": true,
	"those": true, "i": true, "me": true, "my": true, "it": true,
	"its": true, "and": true, "but": true, "or": true, "not": true,
	"about": true, "tell": true, "why": true, "there": true, "their": true,

	"ما": true, "ماذا": true, "من": true, "متى": true, "أين": true,
	"كيف": true, "لماذا": true, "هل": true, "هي": true, "هو": true,
	"في": true, "على": true, "إلى": true, "الى": true, "عن": true,
	"مع": true, "هذا": true, "هذه": true, "ذلك": true, "تلك": true,
	"التي": true, "الذي": true, "كان": true, "كانت": true, "أو": true,
	"و": true, "ثم": true, "قد": true, "لا": true, "لم": true,
}

// Keywords lower-cases the question, strips punctuation and drops stop words
// and words of two runes or fewer. Order of first appearance is kept.
func Keywords(question string) []string {
	seen := map[string]bool{}
	var out []string
	for _, w := range strings.Fields(strings.ToLower(question)) {
		w = strings.TrimFunc(w, func(r rune) bool { return unicode.IsPunct(r) || unicode.IsSymbol(r) })
		if utf8.RuneCountInString(w) <= 2 || stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}
