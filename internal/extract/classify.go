package extract

import (
	"regexp"
	"strings"

	"github.com/hurttlocker/capmap/internal/model"
)

// constraintRule is one independent rule family of the constraint classifier.
type constraintRule struct {
	name string
	re   *regexp.Regexp
	tags []string
	// downgrade is applied through Status.Downgrade; empty means no change.
	downgrade model.Status
	// fromPresentOnly restricts the downgrade to signals still marked present.
	fromPresentOnly bool
}

func (r *constraintRule) apply(sig *model.ExtractedSignal) {
	sig.AddConstraints(r.tags...)
	if r.downgrade == "" {
		return
	}
	if r.fromPresentOnly && sig.Status != model.StatusPresent {
		return
	}
	sig.Status = sig.Status.Downgrade(r.downgrade)
}

// constraintRules are evaluated independently; every match applies.
var constraintRules = []*constraintRule{
	{
		name:      "hedge",
		re:        regexp.MustCompile(`\bsometimes\b|\bvisiting\b|\bon request\b|\brotat`),
		tags:      []string{model.ConstraintStaffingDependent},
		downgrade: model.StatusConditional,
	},
	{
		name:            "referral",
		re:              regexp.MustCompile(`\brefer|\breferral\b|\bsent to\b`),
		tags:            []string{model.ConstraintReferralOnly},
		downgrade:       model.StatusClaimedUnverified,
		fromPresentOnly: true,
	},
	{
		name:      "temporary",
		re:        regexp.MustCompile(`\btemporary\b|\bshort[- ]term\b`),
		tags:      []string{model.ConstraintTemporary},
		downgrade: model.StatusConditional,
	},
	{
		name:      "maintenance",
		re:        regexp.MustCompile(`\bdown\b|\bpending\b|\bnot operational\b`),
		tags:      []string{model.ConstraintMaintenanceDependent},
		downgrade: model.StatusConditional,
	},
	{
		name: "power",
		re:   regexp.MustCompile(`\bpower\b|\bgenerator\b`),
		tags: []string{model.ConstraintPowerDependent},
	},
	{
		name: "partner",
		re:   regexp.MustCompile(`\bngos?\b|\bnon-governmental\b|\bcharity\b|\bmission hospital\b|\bpartner organi[sz]ation\b`),
		tags: []string{model.ConstraintNGOPartner},
	},
}

// RowConstraints holds the rule families that matched one row's text.
// Detection is row-scoped: every signal of the row receives the same rules.
type RowConstraints struct {
	matched []*constraintRule
}

// DetectConstraints evaluates all rule families against text.
func DetectConstraints(text string) RowConstraints {
	lower := strings.ToLower(text)
	var rc RowConstraints
	for _, r := range constraintRules {
		if r.re.MatchString(lower) {
			rc.matched = append(rc.matched, r)
		}
	}
	return rc
}

// Apply adds the matched constraint tags to sig and moves its status to the
// most conservative state any matched rule demands. An absent signal stays
// absent.
func (rc RowConstraints) Apply(sig *model.ExtractedSignal) {
	for _, r := range rc.matched {
		r.apply(sig)
	}
}

// Rules returns the names of the matched rule families.
func (rc RowConstraints) Rules() []string {
	out := make([]string, 0, len(rc.matched))
	for _, r := range rc.matched {
		out = append(out, r.name)
	}
	return out
}

// Tags returns every constraint tag contributed by the matched rules.
func (rc RowConstraints) Tags() []string {
	var tags []string
	for _, r := range rc.matched {
		tags = append(tags, r.tags...)
	}
	return model.MergeSorted(nil, tags...)
}
