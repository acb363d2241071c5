package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurttlocker/capmap/internal/model"
)

func TestComputeFlags_ICUWithoutSupport(t *testing.T) {
	p := Derive(model.RawRow{}, []model.ExtractedSignal{
		sig(model.KindCapability, "icu", model.StatusPresent),
		sig(model.KindEquipment, "monitors", model.StatusAbsent),
	})
	require.Len(t, p.Flags, 1)
	f := p.Flags[0]
	assert.Equal(t, FlagICUWithoutSupport, f.Type)
	assert.Equal(t, model.FlagCritical, f.Severity)
	assert.Equal(t, []string{"equipment.ventilator", "equipment.monitors"}, f.EvidencePaths)
}

func TestComputeFlags_ICUSupportedByEither(t *testing.T) {
	for _, device := range []string{"ventilator", "monitors"} {
		p := Derive(model.RawRow{}, []model.ExtractedSignal{
			sig(model.KindCapability, "icu", model.StatusPresent),
			sig(model.KindEquipment, device, model.StatusConditional),
		})
		assert.False(t, p.HasFlag(FlagICUWithoutSupport), device)
	}
}

func TestComputeFlags_CSection(t *testing.T) {
	p := Derive(model.RawRow{}, []model.ExtractedSignal{sig(model.KindCapability, "c_section", model.StatusConditional)})
	assert.True(t, p.HasFlag(FlagCSectionMissingAnesthesia))

	p = Derive(model.RawRow{}, []model.ExtractedSignal{
		sig(model.KindCapability, "c_section", model.StatusPresent),
		sig(model.KindEquipment, "anesthesia_machine", model.StatusPresent),
	})
	assert.False(t, p.HasFlag(FlagCSectionMissingAnesthesia))
}

func TestComputeFlags_CTNeverConfirmed(t *testing.T) {
	p := Derive(model.RawRow{}, []model.ExtractedSignal{sig(model.KindEquipment, "ct", model.StatusConditional)})
	require.True(t, p.HasFlag(FlagCTWithoutDevice))
	for _, f := range p.Flags {
		for _, path := range f.EvidencePaths {
			assert.NoError(t, model.ValidatePath(path))
		}
	}
}

func TestComputeFlags_AllRulesFire(t *testing.T) {
	p := model.Profile{Procedures: []string{"c_section", "icu", "ct"}}
	flags := ComputeFlags(p)
	var types []string
	for _, f := range flags {
		types = append(types, f.Type)
	}
	assert.Equal(t, FlagTypes(), types)
}

func TestComputeFlags_EvidencePathsAreCopies(t *testing.T) {
	flags := ComputeFlags(model.Profile{Procedures: []string{"ct"}})
	flags[0].EvidencePaths[0] = "mutated"
	again := ComputeFlags(model.Profile{Procedures: []string{"ct"}})
	assert.Equal(t, "procedures.ct", again[0].EvidencePaths[0])
}
