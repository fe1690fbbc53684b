package specpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseOrderIsTotal(t *testing.T) {
	assert.True(t, PhaseFetch < PhaseCheck)
	assert.True(t, PhaseCheck < PhaseStage)
	assert.True(t, PhaseStage < PhaseBuild)
	assert.True(t, PhaseBuild < PhaseInstall)
	assert.True(t, PhaseInstall < PhaseCompletion)
}

func TestParsePhase(t *testing.T) {
	for _, name := range []string{"fetch", "check", "stage", "build", "install", "completion"} {
		p, err := ParsePhase(name)
		require.NoError(t, err)
		assert.Equal(t, name, p.String())
	}
}

func TestParsePhaseRejectsUnknown(t *testing.T) {
	for _, name := range []string{"", "Fetch", "configure", "post-install"} {
		_, err := ParsePhase(name)
		require.Error(t, err, name)
		var perr *ParseError
		assert.ErrorAs(t, err, &perr)
	}
}

func TestDefaultNeededByPhase(t *testing.T) {
	assert.Equal(t, PhaseCheck, DefaultNeededByPhase(DepRefOnly))
	assert.Equal(t, PhaseCheck, DefaultNeededByPhase(DepProduct))
	assert.Equal(t, PhaseBuild, DefaultNeededByPhase(DepCustomFetch))
	assert.Equal(t, PhaseCompletion, DefaultNeededByPhase(DepStrong))
	assert.Equal(t, PhaseCompletion, DefaultNeededByPhase(DepWeak))
}

func TestEffectiveNeededByPhaseHonorsExplicit(t *testing.T) {
	d := DepSpec{Kind: DepStrong}
	assert.Equal(t, PhaseCompletion, d.EffectiveNeededByPhase())

	d.SetNeededByPhase(PhaseBuild)
	assert.Equal(t, PhaseBuild, d.EffectiveNeededByPhase())
}
