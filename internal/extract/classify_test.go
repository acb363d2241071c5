package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hurttlocker/capmap/internal/model"
)

func signalWith(status model.Status) model.ExtractedSignal {
	return model.ExtractedSignal{Kind: model.KindCapability, RawMention: "x", CanonicalName: "surgery", Status: status, Confidence: 0.8}
}

func TestDetectConstraints_Hedge(t *testing.T) {
	rc := DetectConstraints("Visiting obstetrician rotates weekly")
	sig := signalWith(model.StatusPresent)
	rc.Apply(&sig)

	assert.Equal(t, model.StatusConditional, sig.Status)
	assert.Equal(t, []string{model.ConstraintStaffingDependent}, sig.Constraints)
	assert.Equal(t, []string{"hedge"}, rc.Rules())
}

func TestDetectConstraints_ReferralOnlyFromPresent(t *testing.T) {
	rc := DetectConstraints("Complicated cases are referred to the regional hospital")

	present := signalWith(model.StatusPresent)
	rc.Apply(&present)
	assert.Equal(t, model.StatusClaimedUnverified, present.Status)
	assert.True(t, present.HasConstraint(model.ConstraintReferralOnly))

	conditional := signalWith(model.StatusConditional)
	rc.Apply(&conditional)
	assert.Equal(t, model.StatusConditional, conditional.Status, "referral never moves a signal back from conditional")
}

func TestDetectConstraints_AllMatchingRulesApply(t *testing.T) {
	rc := DetectConstraints("Temporary theatre, runs on generator power; refer complex cases")
	sig := signalWith(model.StatusPresent)
	rc.Apply(&sig)

	assert.Equal(t, model.StatusConditional, sig.Status, "most severe downgrade wins")
	assert.Equal(t, []string{
		model.ConstraintPowerDependent,
		model.ConstraintReferralOnly,
		model.ConstraintTemporary,
	}, sig.Constraints)
}

func TestDetectConstraints_MaintenanceAndCase(t *testing.T) {
	rc := DetectConstraints("CT SCANNER PENDING INSTALLATION")
	sig := signalWith(model.StatusPresent)
	rc.Apply(&sig)
	assert.Equal(t, model.StatusConditional, sig.Status)
	assert.Equal(t, []string{model.ConstraintMaintenanceDependent}, sig.Constraints)
}

func TestDetectConstraints_PowerDoesNotChangeStatus(t *testing.T) {
	rc := DetectConstraints("Backup generator available")
	sig := signalWith(model.StatusPresent)
	rc.Apply(&sig)
	assert.Equal(t, model.StatusPresent, sig.Status)
	assert.Equal(t, []string{model.ConstraintPowerDependent}, sig.Constraints)
}

func TestDetectConstraints_AbsentStaysAbsent(t *testing.T) {
	rc := DetectConstraints("visiting team, pending repairs")
	sig := signalWith(model.StatusAbsent)
	rc.Apply(&sig)
	assert.Equal(t, model.StatusAbsent, sig.Status)
	assert.Len(t, sig.Constraints, 2)
}

func TestDetectConstraints_PartnerContext(t *testing.T) {
	rc := DetectConstraints("ngo_notes: Supported by an NGO eye programme")
	assert.Equal(t, []string{model.ConstraintNGOPartner}, rc.Tags())

	none := DetectConstraints("ngo_notes: none")
	assert.Empty(t, none.Tags(), "the field label alone is not partner context")
}

func TestDetectConstraints_NoMatch(t *testing.T) {
	rc := DetectConstraints("Fully staffed surgical theatre")
	sig := signalWith(model.StatusPresent)
	rc.Apply(&sig)
	assert.Equal(t, model.StatusPresent, sig.Status)
	assert.Empty(t, sig.Constraints)
}
