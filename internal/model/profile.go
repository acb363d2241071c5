package model

import "strings"

// Named services carried as structured fields on a profile.
const (
	ServiceEmergencyCare = "emergency_care"
	ServiceMaternity     = "maternity"
	ServiceSurgery       = "surgery"
	ServiceLab           = "lab"
)

// ServiceNames lists the structured services in profile order.
var ServiceNames = []string{ServiceEmergencyCare, ServiceMaternity, ServiceSurgery, ServiceLab}

// IsService reports whether name is one of the structured services.
func IsService(name string) bool {
	switch name {
	case ServiceEmergencyCare, ServiceMaternity, ServiceSurgery, ServiceLab:
		return true
	}
	return false
}

// Service is the availability of one structured service.
type Service struct {
	Available bool    `json:"available"`
	Details   *string `json:"details"`
}

// Services holds the four structured services.
type Services struct {
	EmergencyCare Service `json:"emergency_care"`
	Maternity     Service `json:"maternity"`
	Surgery       Service `json:"surgery"`
	Lab           Service `json:"lab"`
}

// Slot returns a pointer to the named service, or nil when name is not a
// structured service.
func (s *Services) Slot(name string) *Service {
	switch name {
	case ServiceEmergencyCare:
		return &s.EmergencyCare
	case ServiceMaternity:
		return &s.Maternity
	case ServiceSurgery:
		return &s.Surgery
	case ServiceLab:
		return &s.Lab
	}
	return nil
}

// Get returns the named service and whether it exists.
func (s Services) Get(name string) (Service, bool) {
	slot := s.Slot(name)
	if slot == nil {
		return Service{}, false
	}
	return *slot, true
}

// Equipment flag names.
const (
	EquipOxygen              = "oxygen"
	EquipVentilator          = "ventilator"
	EquipUltrasound          = "ultrasound"
	EquipIncubator           = "incubator"
	EquipOperatingMicroscope = "operating_microscope"
	EquipAnesthesiaMachine   = "anesthesia_machine"
	EquipXRay                = "xray"
	EquipMonitors            = "monitors"
	EquipCT                  = "ct"
)

// EquipmentFlags lists the canonical equipment names that map to a flag.
var EquipmentFlags = []string{
	EquipOxygen,
	EquipVentilator,
	EquipUltrasound,
	EquipIncubator,
	EquipOperatingMicroscope,
	EquipAnesthesiaMachine,
	EquipXRay,
	EquipMonitors,
}

// Equipment is the fixed set of device flags.
type Equipment struct {
	Oxygen              bool `json:"oxygen"`
	Ventilator          bool `json:"ventilator"`
	Ultrasound          bool `json:"ultrasound"`
	Incubator           bool `json:"incubator"`
	OperatingMicroscope bool `json:"operating_microscope"`
	AnesthesiaMachine   bool `json:"anesthesia_machine"`
	XRay                bool `json:"xray"`
	Monitors            bool `json:"monitors"`
}

func (e *Equipment) flag(name string) *bool {
	switch name {
	case EquipOxygen:
		return &e.Oxygen
	case EquipVentilator:
		return &e.Ventilator
	case EquipUltrasound:
		return &e.Ultrasound
	case EquipIncubator:
		return &e.Incubator
	case EquipOperatingMicroscope:
		return &e.OperatingMicroscope
	case EquipAnesthesiaMachine:
		return &e.AnesthesiaMachine
	case EquipXRay:
		return &e.XRay
	case EquipMonitors:
		return &e.Monitors
	}
	return nil
}

// IsEquipmentFlag reports whether name maps onto an equipment flag.
func IsEquipmentFlag(name string) bool {
	var e Equipment
	return e.flag(name) != nil
}

// Set turns the named flag on. It returns false when name has no flag.
func (e *Equipment) Set(name string) bool {
	f := e.flag(name)
	if f == nil {
		return false
	}
	*f = true
	return true
}

// Has reports whether the named flag is set. Names without a flag are never set.
func (e Equipment) Has(name string) bool {
	f := e.flag(name)
	return f != nil && *f
}

// TrueCount is the number of flags set.
func (e Equipment) TrueCount() int {
	n := 0
	for _, name := range EquipmentFlags {
		if e.Has(name) {
			n++
		}
	}
	return n
}

// Staffing summarizes workforce facts.
type Staffing struct {
	Doctors     *int     `json:"doctors"`
	Nurses      *int     `json:"nurses"`
	Specialists []string `json:"specialists"`
}

// FlagSeverity grades a consistency flag.
type FlagSeverity string

const (
	FlagWarning  FlagSeverity = "warning"
	FlagCritical FlagSeverity = "critical"
)

// ConsistencyFlag is an advisory finding over a finalized profile.
type ConsistencyFlag struct {
	Type          string       `json:"type"`
	Severity      FlagSeverity `json:"severity"`
	Description   string       `json:"description"`
	EvidencePaths []string     `json:"evidence_paths"`
}

// Profile is the frozen capability profile of one facility.
type Profile struct {
	Services   Services          `json:"services"`
	Equipment  Equipment         `json:"equipment"`
	Staffing   Staffing          `json:"staffing"`
	Procedures []string          `json:"procedures"`
	Notes      []string          `json:"notes"`
	Flags      []ConsistencyFlag `json:"flags"`
}

// HasProcedure reports whether name is in the procedure set.
func (p Profile) HasProcedure(name string) bool {
	for _, proc := range p.Procedures {
		if proc == name {
			return true
		}
	}
	return false
}

// ServiceAvailable reports whether the named structured service is available.
func (p Profile) ServiceAvailable(name string) bool {
	svc, ok := p.Services.Get(name)
	return ok && svc.Available
}

// Offers reports whether the facility lists name as a procedure or has it as
// an available service.
func (p Profile) Offers(name string) bool {
	return p.HasProcedure(name) || p.ServiceAvailable(name)
}

// HasSpecialist reports a case-insensitive exact match in the specialist list.
func (p Profile) HasSpecialist(name string) bool {
	name = strings.TrimSpace(name)
	for _, s := range p.Staffing.Specialists {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}

// NotesContain reports whether any note contains keyword, ignoring case.
func (p Profile) NotesContain(keyword string) bool {
	keyword = strings.ToLower(keyword)
	for _, n := range p.Notes {
		if strings.Contains(strings.ToLower(n), keyword) {
			return true
		}
	}
	return false
}

// HasFlag reports whether a consistency flag of the given type fired.
func (p Profile) HasFlag(flagType string) bool {
	for _, f := range p.Flags {
		if f.Type == flagType {
			return true
		}
	}
	return false
}
