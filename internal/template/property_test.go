package template

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestRenderTextRoundTrip exercises the substitution round-trip: a complete
// variable set leaves no unresolved tokens, an incomplete one reports the
// absent names deterministically.
func TestRenderTextRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("complete variable sets resolve every placeholder", prop.ForAll(
		func(names []string, values []string) bool {
			vars := make(map[string]string)
			var text strings.Builder
			for i, name := range names {
				if name == "" {
					continue
				}
				value := "x"
				if i < len(values) {
					value = values[i]
				}
				vars[name] = value
				fmt.Fprintf(&text, "{{ %s }} / ", name)
			}

			out, err := RenderText(text.String(), vars)
			if err != nil {
				return false
			}
			return len(Placeholders(out)) == 0
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("missing variables are reported sorted and exact", prop.ForAll(
		func(names []string) bool {
			seen := make(map[string]struct{})
			unique := make([]string, 0, len(names))
			for _, n := range names {
				if n == "" {
					continue
				}
				if _, ok := seen[n]; ok {
					continue
				}
				seen[n] = struct{}{}
				unique = append(unique, n)
			}
			if len(unique) < 2 {
				return true // nothing to withhold
			}

			vars := make(map[string]string)
			var want []string
			var text strings.Builder
			for i, n := range unique {
				fmt.Fprintf(&text, "{{%s}} ", n)
				if i%2 == 0 {
					vars[n] = "set"
				} else {
					want = append(want, n)
				}
			}
			sort.Strings(want)

			_, err := RenderText(text.String(), vars)
			var missErr *MissingVariablesError
			if !errors.As(err, &missErr) {
				return false
			}
			if len(missErr.Missing) != len(want) {
				return false
			}
			for i := range want {
				if missErr.Missing[i] != want[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
