package main

import (
	"fmt"
	"slices"
	"strings"
)

// scopeRegistry is the static set of grantable scopes with the
// descriptions shown on the confirmation page.
var scopeRegistry = map[string]string{
	"identify": "Know what Scratch account you are",
}

// splitScopes parses a delimiter-tolerant scope list: commas, pluses, or
// spaces between tokens, in any mix ("a b", "a,b", "a+b", "a, b").
func splitScopes(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ',' || r == '+'
	})
}

// normalizeScopes validates every requested scope against the registry
// and returns the canonical form: de-duplicated and sorted. An empty
// request or an unknown scope rejects the whole list.
func normalizeScopes(raw []string) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no scopes requested", ErrValidation)
	}
	out := make([]string, 0, len(raw))
	for _, sc := range raw {
		if _, ok := scopeRegistry[sc]; !ok {
			return nil, fmt.Errorf("%w: unknown scope %q", ErrValidation, sc)
		}
		if !slices.Contains(out, sc) {
			out = append(out, sc)
		}
	}
	slices.Sort(out)
	return out, nil
}

// scopeSetsEqual compares two scope lists as sets.
func scopeSetsEqual(a, b []string) bool {
	as := slices.Clone(a)
	bs := slices.Clone(b)
	slices.Sort(as)
	slices.Sort(bs)
	as = slices.Compact(as)
	bs = slices.Compact(bs)
	return slices.Equal(as, bs)
}

// joinScopes and parseScopes are the storage encoding (space-joined).
func joinScopes(scopes []string) string { return strings.Join(scopes, " ") }

func parseScopes(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, " ")
}
