package graph

import (
	"sort"
	"strings"

	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/kobo-build/anvil/internal/ident"
)

// identityIndex answers Pass B's pattern search without an O(n) scan over
// every recipe in the graph. It's keyed on the *reversed* dotted identity
// path ("arm.gcc" -> "gcc.arm.") so the suffix-preserving prefix rule
// ("gcc@r2" matches "arm.gcc@r2") becomes an ordinary dot-boundary radix
// prefix search: the reversed form turns a dotted *suffix* match into a
// byte *prefix* match, which is what a radix tree is built for.
type identityIndex struct {
	tree *iradix.Tree // reversed-path-with-trailing-dot -> map[revision][]recipeKey
}

func newIdentityIndex() *identityIndex {
	return &identityIndex{tree: iradix.New()}
}

func reversedPathKey(path []string) string {
	return strings.Join(reverseSegments(path), ".") + "."
}

// Add registers recipeKey under id in the index.
func (idx *identityIndex) Add(id ident.Identity, recipeKey string) {
	k := []byte(reversedPathKey(id.Path))

	byRevision := map[string][]string{}
	if v, ok := idx.tree.Get(k); ok {
		byRevision = v.(map[string][]string)
	}
	byRevision[id.Revision] = append(byRevision[id.Revision], recipeKey)

	tree, _, _ := idx.tree.Insert(k, byRevision)
	idx.tree = tree
}

// Match returns the distinct recipe keys whose identity matches pattern,
// sorted lexicographically for deterministic ambiguity reporting.
func (idx *identityIndex) Match(pattern string) []string {
	patternID, err := ident.Parse(pattern)
	if err != nil {
		return nil
	}
	queryKey := []byte(reversedPathKey(patternID.Path))

	var keys []string
	idx.tree.Root().WalkPrefix(queryKey, func(k []byte, v interface{}) bool {
		byRevision := v.(map[string][]string)
		keys = append(keys, byRevision[patternID.Revision]...)
		return false
	})

	sort.Strings(keys)
	return dedupe(keys)
}

func reverseSegments(path []string) []string {
	reversed := make([]string, len(path))
	for i, seg := range path {
		reversed[len(path)-1-i] = seg
	}
	return reversed
}

func dedupe(keys []string) []string {
	if len(keys) == 0 {
		return keys
	}
	out := keys[:1]
	for _, k := range keys[1:] {
		if k != out[len(out)-1] {
			out = append(out, k)
		}
	}
	return out
}
