package core

import (
	"strings"

	"github.com/sahilm/fuzzy"
)

// maxSuggestions bounds the "did you mean" list.
const maxSuggestions = 3

// SuggestKeys returns catalogued key names in scope that fuzzy-match partial,
// best match first. An empty partial returns every key in scope.
func SuggestKeys(scope Scope, partial string) []string {
	names := KeyNames(scope)
	partial = strings.ToLower(strings.TrimSpace(partial))
	if partial == "" {
		return names
	}

	matches := fuzzy.Find(partial, names)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.Str)
	}
	return out
}

func didYouMean(name string) []string {
	s := SuggestKeys("", name)
	if len(s) > maxSuggestions {
		s = s[:maxSuggestions]
	}
	return s
}
