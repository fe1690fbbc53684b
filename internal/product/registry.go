// Package product implements the product registry: a map from
// product_name to the recipe key that provides it, populated statically
// at resolve time and, for programmatic providers, again when the
// provider's install phase completes.
package product

import "sync"

// Entry is one provider's registration for a product name.
type Entry struct {
	RecipeKey string
	// PathHint is the static relative_path for static products, used only
	// to detect two static providers exposing different asset paths;
	// empty for dynamic providers, whose final value isn't known until
	// install completes.
	PathHint string
}

// Registry is an exclusive-lock map: mutations are rare (one write per
// provider, at resolve time or at install-complete), reads happen
// throughout resolution and the phase engine.
type Registry struct {
	mu        sync.RWMutex
	providers map[string][]Entry // product_name -> providers (ambiguity tracked by len > 1)
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string][]Entry)}
}

// RegisterStatic records recipeKey as a static provider of name, with its
// declared relative path. Static entries are registered at resolve time.
func (r *Registry) RegisterStatic(name, recipeKey, relativePath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = appendUnique(r.providers[name], Entry{RecipeKey: recipeKey, PathHint: relativePath})
}

// RegisterDynamic records recipeKey as a programmatic provider of name.
// Dynamic entries become visible only once the provider's install phase
// completes.
func (r *Registry) RegisterDynamic(name, recipeKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = appendUnique(r.providers[name], Entry{RecipeKey: recipeKey})
}

func appendUnique(entries []Entry, e Entry) []Entry {
	for _, existing := range entries {
		if existing.RecipeKey == e.RecipeKey {
			return entries
		}
	}
	return append(entries, e)
}

// Providers returns the distinct recipe keys currently registered for
// name, in registration order.
func (r *Registry) Providers(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.providers[name]
	if len(entries) == 0 {
		return nil
	}
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.RecipeKey
	}
	return keys
}

// ResolvedPathHint returns the static path hint registered for
// (name, recipeKey), or "" if none (dynamic provider, or not found) —
// used only to compare whether two static providers expose different
// asset paths.
func (r *Registry) ResolvedPathHint(name, recipeKey string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.providers[name] {
		if e.RecipeKey == recipeKey {
			return e.PathHint
		}
	}
	return ""
}

// FindProvider returns the first registered provider's recipe key for
// name, or "" if none.
func (r *Registry) FindProvider(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.providers[name]
	if len(entries) == 0 {
		return "", false
	}
	return entries[0].RecipeKey, true
}

// ProductInfo describes one resolved product.
type ProductInfo struct {
	Name      string
	RecipeKey string
	Value     string // install_dir/relative_path, or the raw user-managed string
}

// CollectAll returns every (name, provider, resolved value) triple
// currently registered. value is supplied by the caller via resolve,
// since the registry itself doesn't know install directories (that's the
// graph.Recipe's job).
func (r *Registry) CollectAll(resolve func(name, recipeKey, pathHint string) string) []ProductInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ProductInfo
	for name, entries := range r.providers {
		for _, e := range entries {
			out = append(out, ProductInfo{
				Name:      name,
				RecipeKey: e.RecipeKey,
				Value:     resolve(name, e.RecipeKey, e.PathHint),
			})
		}
	}
	return out
}
