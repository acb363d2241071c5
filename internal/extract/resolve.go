package extract

import (
	"regexp"
	"strings"

	"github.com/hurttlocker/capmap/internal/model"
)

// synonymSpec declares one canonical identifier and the phrases that name it.
// Phrases are regex fragments matched as whole words, case-insensitively.
// mentionOnly phrases resolve a mention but are too ambiguous to scan prose
// for (e.g. "or").
type synonymSpec struct {
	canonical   string
	phrases     []string
	mentionOnly []string
}

// synonymEntry is a compiled synonymSpec.
type synonymEntry struct {
	canonical string
	mention   *regexp.Regexp // all phrases
	scan      *regexp.Regexp // phrases safe for free text; nil when none
}

// synonymTable is an ordered list of entries. Earlier entries win.
type synonymTable []synonymEntry

// Tables are built once at init and read-only afterwards.
var (
	capabilityTable = compileTable([]synonymSpec{
		{canonical: "emergency_care", phrases: []string{`emergency`, `casualty`}, mentionOnly: []string{`er`, `a&e`}},
		{canonical: "maternity", phrases: []string{`maternity`, `obstetric`, `obstetrics`, `labou?r ward`}},
		{canonical: "surgery", phrases: []string{`surgery`, `surgical`, `operating`}},
		{canonical: "lab", phrases: []string{`lab`, `laboratory`}},
		{canonical: "icu", phrases: []string{`icu`, `intensive care`}},
		{canonical: "c_section", phrases: []string{`c[- ]?section`, `ca?esarean`}},
		{canonical: "cardiology", phrases: []string{`cardiology`, `cardiac`}},
		{canonical: "dialysis", phrases: []string{`dialysis`, `ha?emodialysis`}},
		{canonical: "orthopedic_surgery", phrases: []string{`orthop(?:a)?edics?`}},
		{canonical: "cataract_surgery", phrases: []string{`cataracts?`}},
		{canonical: "appendectomy", phrases: []string{`appendectomy`, `appendicectomy`}},
		{canonical: "neonatal_care", phrases: []string{`neonatal`, `nicu`}},
		{canonical: "radiology", phrases: []string{`radiology`, `imaging`}},
		{canonical: "pediatrics", phrases: []string{`pa?ediatrics?`}},
	})

	equipmentTable = compileTable([]synonymSpec{
		{canonical: "oxygen", phrases: []string{`oxygen concentrators?`, `oxygen`}},
		{canonical: "ventilator", phrases: []string{`ventilators?`}},
		{canonical: "ultrasound", phrases: []string{`ultrasound`, `sonography`}},
		{canonical: "incubator", phrases: []string{`incubators?`}},
		{canonical: "operating_microscope", phrases: []string{`operating microscopes?`}},
		{canonical: "anesthesia_machine", phrases: []string{`ana?esthesia machines?`}},
		{canonical: "xray", phrases: []string{`x[- ]?rays?`}},
		{canonical: "ct", phrases: []string{`ct scanners?`, `ct scan`, `ct`}},
		{canonical: "monitors", phrases: []string{`monitors?`}},
		{canonical: "operating_room", phrases: []string{`operating rooms?`, `operating theatres?`}, mentionOnly: []string{`or`}},
		{canonical: "or_table", phrases: []string{`operating tables?`}, mentionOnly: []string{`or table`}},
	})

	staffingTable = compileTable([]synonymSpec{
		{canonical: "orthopedics", phrases: []string{`orthop(?:a)?edic surgeons?`, `orthop(?:a)?edists?`}},
		{canonical: "cardiology", phrases: []string{`cardiolog(?:y|ists?)`}},
		{canonical: "obstetrics", phrases: []string{`obstetrics`, `obstetricians?`, `gyna?ecolog(?:y|ists?)`, `ob[-/ ]?gyn`}},
		{canonical: "anesthesiology", phrases: []string{`ana?esthetists?`, `ana?esthesiolog(?:y|ists?)`}},
		{canonical: "pediatrics", phrases: []string{`pa?ediatricians?`, `pa?ediatrics`}},
		{canonical: "neonatology", phrases: []string{`neonatolog(?:y|ists?)`}},
		{canonical: "radiology", phrases: []string{`radiolog(?:y|ists?)`}},
		{canonical: "ophthalmology", phrases: []string{`ophthalmolog(?:y|ists?)`}},
		{canonical: "midwifery", phrases: []string{`midwi(?:fe|ves|fery)`}},
		{canonical: "general_surgery", phrases: []string{`general surgery`, `surgeons?`}},
	})
)

func compileTable(specs []synonymSpec) synonymTable {
	table := make(synonymTable, 0, len(specs))
	for _, spec := range specs {
		entry := synonymEntry{
			canonical: spec.canonical,
			mention:   wordRegexp(append(append([]string(nil), spec.phrases...), spec.mentionOnly...)),
		}
		if len(spec.phrases) > 0 {
			entry.scan = wordRegexp(spec.phrases)
		}
		table = append(table, entry)
	}
	return table
}

// wordRegexp builds a case-insensitive whole-word alternation.
func wordRegexp(phrases []string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(phrases, "|") + `)\b`)
}

func tableFor(kind model.Kind) synonymTable {
	switch kind {
	case model.KindEquipment:
		return equipmentTable
	case model.KindStaffing:
		return staffingTable
	default:
		return capabilityTable
	}
}

// resolve returns the first canonical whose phrases match text.
func (t synonymTable) resolve(text string) string {
	for _, e := range t {
		if e.mention.MatchString(text) {
			return e.canonical
		}
	}
	return ""
}

func (t synonymTable) has(name string) bool {
	for _, e := range t {
		if e.canonical == name {
			return true
		}
	}
	return false
}

func (t synonymTable) names() []string {
	out := make([]string, 0, len(t))
	for _, e := range t {
		out = append(out, e.canonical)
	}
	return out
}

// Canonicalize maps a raw mention onto a canonical identifier for kind using
// the fixed priority order of the synonym tables. Capability and
// infrastructure share the capability table. Returns "" when nothing matches.
func Canonicalize(text string, kind model.Kind) string {
	return tableFor(kind).resolve(text)
}

// Mentions lists every canonical of kind named in free text, in priority
// order. Mention-only phrases are ignored.
func Mentions(text string, kind model.Kind) []string {
	var out []string
	for _, e := range tableFor(kind) {
		if e.scan != nil && e.scan.MatchString(text) {
			out = append(out, e.canonical)
		}
	}
	return out
}

var staffingTokenRE = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidCanonical reports whether name is an acceptable canonical identifier
// for kind. Capability and equipment vocabularies are closed; specialist
// names are open-ended tokens.
func ValidCanonical(kind model.Kind, name string) bool {
	if name == "" {
		return false
	}
	if kind == model.KindStaffing {
		return staffingTokenRE.MatchString(name)
	}
	return tableFor(kind).has(name)
}

// CanonicalNames lists the closed vocabulary for kind in priority order.
func CanonicalNames(kind model.Kind) []string {
	return tableFor(kind).names()
}

// slugify turns free text into a lower-case identifier token.
func slugify(s string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}
