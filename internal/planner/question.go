package planner

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/hurttlocker/capmap/internal/extract"
	"github.com/hurttlocker/capmap/internal/model"
)

// Terms is the vocabulary a question mentions, each list in synonym-table
// priority order.
type Terms struct {
	Services    []string `json:"services,omitempty"`
	Procedures  []string `json:"procedures,omitempty"`
	Equipment   []string `json:"equipment,omitempty"`
	Specialists []string `json:"specialists,omitempty"`
	Facility    string   `json:"facility,omitempty"` // facility named in the question
	Km          *float64 `json:"km,omitempty"`       // "within 50 km"
	District    bool     `json:"district,omitempty"` // the question groups by district
}

// ParseQuestion pulls canonical terms out of a free-form question.
func ParseQuestion(question string) Terms {
	var t Terms
	for _, name := range extract.Mentions(question, model.KindCapability) {
		if model.IsService(name) {
			t.Services = append(t.Services, name)
		} else {
			t.Procedures = append(t.Procedures, name)
		}
	}
	t.Equipment = extract.Mentions(question, model.KindEquipment)
	t.Specialists = extract.Mentions(question, model.KindStaffing)
	t.Facility = facilityName(question)
	t.Km = kmOf(question)
	t.District = districtRE.MatchString(question)
	return t
}

// Capability is the most specific capability mentioned: a procedure before a
// service. Empty when the question names neither.
func (t Terms) Capability() string {
	if len(t.Procedures) > 0 {
		return t.Procedures[0]
	}
	if len(t.Services) > 0 {
		return t.Services[0]
	}
	return ""
}

// Capabilities lists every mentioned procedure and service.
func (t Terms) Capabilities() []string {
	out := append([]string{}, t.Procedures...)
	return append(out, t.Services...)
}

var (
	kmRE       = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(?:km|kilomet(?:er|re)s?)\b`)
	districtRE = regexp.MustCompile(`(?i)\bdistricts?\b`)
	quotedRE   = regexp.MustCompile(`["“]([^"”]+)["”]`)

	// "What services does North Valley Hospital offer?"
	doesOfferRE  = regexp.MustCompile(`(?i)\bdoes\s+(.+?)\s+(?:offer|have|provide|do)\b`)
	facilityIDRE = regexp.MustCompile(`(?i)\bfacility\s+#?(\d+)\b`)
)

func facilityName(q string) string {
	if m := quotedRE.FindStringSubmatch(q); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := facilityIDRE.FindStringSubmatch(q); m != nil {
		return m[1]
	}
	if m := doesOfferRE.FindStringSubmatch(q); m != nil {
		name := strings.TrimSpace(m[1])
		name = strings.TrimPrefix(strings.TrimPrefix(name, "the "), "The ")
		switch strings.ToLower(name) {
		case "it", "this facility", "that facility", "the facility":
			return ""
		}
		return name
	}
	return ""
}

func kmOf(q string) *float64 {
	m := kmRE.FindStringSubmatch(q)
	if m == nil {
		return nil
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	return &v
}
