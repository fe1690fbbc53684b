package specpool

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/kobo-build/anvil/internal/ident"
)

// recipeDocument is the on-disk TOML shape of a recipe spec
// ("recipe.toml").
type recipeDocument struct {
	Identity string            `toml:"identity"`
	Source   recipeSourceDoc   `toml:"source"`
	Options  map[string]any    `toml:"options"`
	Deps     []depDocument     `toml:"deps"`
	Products map[string]string `toml:"products"`
}

type recipeSourceDoc struct {
	Path   string `toml:"path,omitempty"`
	URL    string `toml:"url,omitempty"`
	Digest string `toml:"digest,omitempty"`
}

type depDocument struct {
	Kind            string         `toml:"kind"` // "strong" | "ref_only" | "weak" | "product" | "custom_fetch"
	Identity        string         `toml:"identity,omitempty"`
	IdentityPattern string         `toml:"identity_pattern,omitempty"`
	Target          string         `toml:"target,omitempty"`
	ProductName     string         `toml:"product_name,omitempty"`
	NeededByPhase   string         `toml:"needed_by_phase,omitempty"`
	Options         map[string]any `toml:"options,omitempty"`
	Fallback        *depDocument   `toml:"fallback,omitempty"`
}

// TOMLFileLoader loads recipe specs from `recipe.toml` files on the local
// filesystem. It is the reference loader used by tests and the CLI when no
// richer manifest evaluator is wired in.
type TOMLFileLoader struct{}

// Load implements Loader by reading source.Path as a TOML recipe document.
// source must be SourceLocalFile; other source kinds require a richer
// external loader.
func (TOMLFileLoader) Load(source FetchSource, identityHint string) (*RecipeSpec, error) {
	if source.Kind != SourceLocalFile {
		return nil, fmt.Errorf("TOMLFileLoader only supports local file sources, got kind %d", source.Kind)
	}

	data, err := os.ReadFile(source.Path)
	if err != nil {
		return nil, &BadManifest{Path: source.Path, Err: err}
	}

	var doc recipeDocument
	if _, err := toml.Decode(string(data), &doc); err != nil {
		return nil, &ParseError{Path: source.Path, Reason: "invalid TOML", Err: err}
	}

	identity, err := ident.Parse(doc.Identity)
	if err != nil {
		return nil, &ParseError{Path: source.Path, Reason: "invalid identity", Err: err}
	}

	deps := make([]DepSpec, 0, len(doc.Deps))
	for i, dd := range doc.Deps {
		spec, err := decodeDep(dd)
		if err != nil {
			return nil, &ParseError{Path: source.Path, Reason: fmt.Sprintf("dependency %d: %v", i, err)}
		}
		deps = append(deps, spec)
	}

	var recipeSource FetchSource
	switch {
	case doc.Source.URL != "":
		recipeSource = FetchSource{Kind: SourceRemoteURL, URL: doc.Source.URL, Digest: doc.Source.Digest}
	case doc.Source.Path != "":
		recipeSource = FetchSource{Kind: SourceLocalFile, Path: doc.Source.Path}
	}

	products := Products{Static: doc.Products}

	return NewRecipeSpec(identity, recipeSource, doc.Options, deps, products, PhaseCallbacks{}, filepath.Dir(source.Path))
}

func decodeDep(dd depDocument) (DepSpec, error) {
	spec := DepSpec{Options: dd.Options}

	if dd.NeededByPhase != "" {
		p, err := ParsePhase(dd.NeededByPhase)
		if err != nil {
			return DepSpec{}, err
		}
		spec.SetNeededByPhase(p)
	}

	switch dd.Kind {
	case "strong":
		spec.Kind = DepStrong
		id, err := ident.Parse(dd.Identity)
		if err != nil {
			return DepSpec{}, err
		}
		spec.Identity = id

	case "ref_only":
		spec.Kind = DepRefOnly
		spec.IdentityPattern = dd.IdentityPattern

	case "weak":
		spec.Kind = DepWeak
		spec.TargetIdentityPattern = dd.Target
		if dd.Fallback == nil {
			return DepSpec{}, fmt.Errorf("weak dependency requires a fallback table")
		}
		fb, err := decodeDep(*dd.Fallback)
		if err != nil {
			return DepSpec{}, err
		}
		spec.Fallback = &fb

	case "product":
		spec.Kind = DepProduct
		spec.ProductName = dd.ProductName
		if dd.Target != "" {
			id, err := ident.Parse(dd.Target)
			if err == nil {
				target := DepSpec{Kind: DepStrong, Identity: id}
				spec.ProductTargetRef = &target
			} else {
				target := DepSpec{Kind: DepRefOnly, IdentityPattern: dd.Target}
				spec.ProductTargetRef = &target
			}
		}
		if dd.Fallback != nil {
			fb, err := decodeDep(*dd.Fallback)
			if err != nil {
				return DepSpec{}, err
			}
			spec.ProductWeakFallback = &fb
		}

	case "custom_fetch":
		// Custom-fetch deps carry a fetch_callback, which has no static
		// TOML representation. They are only ever produced
		// programmatically by a manifest evaluator, never authored by
		// hand in a recipe.toml.
		return DepSpec{}, fmt.Errorf("custom_fetch dependencies cannot be declared in a static recipe.toml")

	default:
		return DepSpec{}, fmt.Errorf("unknown dependency kind %q", dd.Kind)
	}

	if err := spec.Validate(); err != nil {
		return DepSpec{}, err
	}
	return spec, nil
}
