package specpool

import "fmt"

// Phase is one of the six totally-ordered recipe phases.
type Phase int

const (
	PhaseFetch Phase = iota
	PhaseCheck
	PhaseStage
	PhaseBuild
	PhaseInstall
	PhaseCompletion
)

// phaseNames is the single source table for legal needed_by_phase values.
// Anything else is rejected at parse time.
var phaseNames = [...]string{
	PhaseFetch:      "fetch",
	PhaseCheck:      "check",
	PhaseStage:      "stage",
	PhaseBuild:      "build",
	PhaseInstall:    "install",
	PhaseCompletion: "completion",
}

func (p Phase) String() string {
	if int(p) < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

// ParsePhase validates a phase name against the fixed table, returning a
// ParseError for anything else rather than guessing.
func ParsePhase(name string) (Phase, error) {
	for i, n := range phaseNames {
		if n == name {
			return Phase(i), nil
		}
	}
	return 0, &ParseError{Reason: fmt.Sprintf("unknown phase %q", name)}
}

// DepKind tags which DepSpec variant is in play.
type DepKind int

const (
	DepStrong DepKind = iota
	DepRefOnly
	DepWeak
	DepProduct
	DepCustomFetch
)

// DefaultNeededByPhase returns the default phase for a dep kind when the
// recipe author didn't specify one: check for ref-only/product, build for
// custom-fetch, completion otherwise.
func DefaultNeededByPhase(kind DepKind) Phase {
	switch kind {
	case DepRefOnly, DepProduct:
		return PhaseCheck
	case DepCustomFetch:
		return PhaseBuild
	default:
		return PhaseCompletion
	}
}
