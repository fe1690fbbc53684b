package specpool

import "sync"

// Loader is the external manifest-language evaluator. The core never
// parses the manifest language itself; it only calls Load with a source
// description and gets back a RecipeSpec.
type Loader interface {
	// Load evaluates the manifest at source and returns the RecipeSpec it
	// declares for identity. LoaderError wraps any failure.
	Load(source FetchSource, identityHint string) (*RecipeSpec, error)
}

// Pool interns immutable RecipeSpec records by key for the lifetime of
// one engine run: pointer equality holds iff two lookups name the same
// interned spec. The pool owns every spec it hands out and never evicts —
// a spec pointer stays valid (and canonical) until the run ends.
type Pool struct {
	mu     sync.Mutex
	loader Loader
	specs  map[string]*RecipeSpec
}

// NewPool constructs a Pool backed by loader.
func NewPool(loader Loader) *Pool {
	return &Pool{loader: loader, specs: make(map[string]*RecipeSpec)}
}

// Get returns the interned spec for key if already loaded.
func (p *Pool) Get(key string) (*RecipeSpec, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	spec, ok := p.specs[key]
	return spec, ok
}

// Load loads source via the pool's Loader and interns the result.
// Returns the already-interned spec if one exists for the same key.
func (p *Pool) Load(source FetchSource, identityHint string) (*RecipeSpec, error) {
	spec, err := p.loader.Load(source, identityHint)
	if err != nil {
		return nil, &LoaderError{Identity: identityHint, Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.specs[spec.Key()]; ok {
		return existing, nil
	}
	p.specs[spec.Key()] = spec
	return spec, nil
}

// Intern registers a RecipeSpec built outside the Loader (e.g. a
// programmatically constructed weak-dependency fallback) under its own
// key, returning the canonical interned pointer.
func (p *Pool) Intern(spec *RecipeSpec) *RecipeSpec {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.specs[spec.Key()]; ok {
		return existing
	}
	p.specs[spec.Key()] = spec
	return spec
}

// Len reports the number of currently-interned specs.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.specs)
}
