// Package specpool implements the spec pool and recipe-spec loader:
// interned, immutable RecipeSpec records produced by an external
// manifest-language evaluator, held by stable reference so the graph
// resolver can index by pointer.
//
// DepSpec and FetchSource are closed sum types carried as a discriminant
// field plus per-variant fields, not an interface hierarchy.
package specpool

import (
	"fmt"

	"github.com/kobo-build/anvil/internal/ident"
)

// SourceKind tags which FetchSource variant is in play.
type SourceKind int

const (
	SourceLocalFile SourceKind = iota
	SourceRemoteURL
	SourceInline
)

// FetchSource is a closed sum type for where a recipe's body/source lives.
type FetchSource struct {
	Kind SourceKind

	// SourceLocalFile
	Path string

	// SourceRemoteURL
	URL    string
	Digest string // optional

	// SourceInline
	InlineBody []byte
}

// PhaseCallbacks holds opaque handles to the manifest language's callbacks
// for each phase, plus default_shell. The engine invokes them through
// internal/phase's CallbackInvoker interface; specpool never executes
// them itself.
type PhaseCallbacks struct {
	Fetch        CallbackHandle
	Check        CallbackHandle
	Stage        CallbackHandle
	Build        CallbackHandle
	Install      CallbackHandle
	DefaultShell CallbackHandle
}

// CallbackHandle is an opaque reference into the external manifest
// evaluator's callback table. nil means "no callback declared for this
// phase" (the phase engine treats that phase as a no-op Done transition).
type CallbackHandle interface {
	// Invoke the callback is implemented by the embedding engine package
	// (internal/phase); CallbackHandle itself carries no behavior here,
	// matching the "opaque handle" design.
	CallbackID() string
}

// Products is a closed sum type: either a static name->path table, or a
// programmatic callback evaluated after install.
type Products struct {
	Static  map[string]string // product_name -> relative_path
	Dynamic CallbackHandle    // non-nil iff programmatic
}

// IsDynamic reports whether this recipe's products are computed by a
// callback rather than declared statically.
func (p Products) IsDynamic() bool { return p.Dynamic != nil }

// RecipeSpec is the immutable, interned spec record for one recipe.
// Pointer identity is stable for the lifetime of the pool that produced it
// (Pool.Intern).
type RecipeSpec struct {
	Identity       ident.Identity
	Source         FetchSource
	Options        map[string]any
	Dependencies   []DepSpec
	Products       Products
	PhaseCallbacks PhaseCallbacks
	ManifestRoot   string

	serializedOptions string // computed once at construction
	key               string // format_key(identity, serializedOptions)
}

// NewRecipeSpec constructs a RecipeSpec, computing its canonical key
// eagerly so Key() is allocation-free afterward.
func NewRecipeSpec(identity ident.Identity, source FetchSource, options map[string]any, deps []DepSpec, products Products, callbacks PhaseCallbacks, manifestRoot string) (*RecipeSpec, error) {
	serialized, err := ident.SerializeOptions(options)
	if err != nil {
		return nil, err
	}

	for _, d := range deps {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}

	return &RecipeSpec{
		Identity:          identity,
		Source:            source,
		Options:           options,
		Dependencies:      deps,
		Products:          products,
		PhaseCallbacks:    callbacks,
		ManifestRoot:      manifestRoot,
		serializedOptions: serialized,
		key:               ident.FormatKey(identity, serialized),
	}, nil
}

// Key returns the canonical `identity[?serialized_options]` strong key.
func (s *RecipeSpec) Key() string { return s.key }

// SerializedOptions returns the canonical option-table byte string.
func (s *RecipeSpec) SerializedOptions() string { return s.serializedOptions }

// DepSpec is a closed sum type for the five dependency variants. Exactly
// one variant's fields are populated, selected by Kind.
type DepSpec struct {
	Kind DepKind

	// Common to all kinds except where noted.
	NeededByPhase Phase
	phaseIsSet    bool // true once NeededByPhase was explicitly set (vs defaulted)

	// DepStrong / the Strong half of DepWeak/DepProduct
	Identity ident.Identity
	Source   FetchSource
	Options  map[string]any

	// DepRefOnly / the pattern half of DepWeak's target / DepProduct's
	// RefOnly target
	IdentityPattern string

	// DepWeak
	TargetIdentityPattern string
	Fallback              *DepSpec // always Kind == DepStrong

	// DepProduct
	ProductName      string
	ProductTargetRef *DepSpec // Kind == DepStrong or DepRefOnly, optional
	ProductWeakFallback *DepSpec // Kind == DepStrong, optional

	// DepCustomFetch
	InlineDependencies []DepSpec
	FetchCallback      CallbackHandle
}

// SetNeededByPhase explicitly sets the phase, overriding the kind default.
func (d *DepSpec) SetNeededByPhase(p Phase) {
	d.NeededByPhase = p
	d.phaseIsSet = true
}

// EffectiveNeededByPhase returns the explicit phase if set, otherwise the
// default for this dep kind.
func (d DepSpec) EffectiveNeededByPhase() Phase {
	if d.phaseIsSet {
		return d.NeededByPhase
	}
	return DefaultNeededByPhase(d.Kind)
}

// Validate checks the structural invariants each dependency kind requires.
// A malformed dependency is rejected here, at parse time, never patched up
// later.
func (d DepSpec) Validate() error {
	switch d.Kind {
	case DepStrong:
		if len(d.Identity.Path) == 0 {
			return &ParseError{Reason: "strong dependency missing identity"}
		}
	case DepRefOnly:
		if d.IdentityPattern == "" {
			return &ParseError{Reason: "ref-only dependency missing identity_pattern"}
		}
	case DepWeak:
		if d.TargetIdentityPattern == "" {
			return &ParseError{Reason: "weak dependency missing target_identity_pattern"}
		}
		if d.Fallback == nil {
			return &ParseError{Reason: "weak dependency missing fallback"}
		}
		if d.Fallback.Kind != DepStrong {
			return &ParseError{Reason: "weak dependency fallback must be Strong"}
		}
	case DepProduct:
		if d.ProductName == "" {
			return &ParseError{Reason: "product dependency missing product_name"}
		}
		if d.ProductTargetRef != nil && d.ProductTargetRef.Kind != DepStrong && d.ProductTargetRef.Kind != DepRefOnly {
			return &ParseError{Reason: "product dependency target must be Strong or RefOnly"}
		}
		if d.ProductWeakFallback != nil && d.ProductWeakFallback.Kind != DepStrong {
			return &ParseError{Reason: "product dependency weak_fallback must be Strong"}
		}
	case DepCustomFetch:
		if len(d.Identity.Path) == 0 {
			return &ParseError{Reason: "custom-fetch dependency missing identity"}
		}
		if d.FetchCallback == nil {
			return &ParseError{Reason: "custom-fetch dependency missing fetch_callback"}
		}
		for _, inline := range d.InlineDependencies {
			if inline.Kind != DepStrong {
				return &ParseError{Reason: "custom-fetch inline dependencies must be Strong"}
			}
			if err := inline.Validate(); err != nil {
				return err
			}
		}
	default:
		return &ParseError{Reason: fmt.Sprintf("unknown dependency kind %d", d.Kind)}
	}
	return nil
}
