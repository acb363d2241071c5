package model

import (
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrInvalidPath is returned for a dotted evidence path the profile schema lacks.
var ErrInvalidPath = eris.New("invalid evidence path")

// Dotted path roots.
const (
	PathServices   = "services"
	PathEquipment  = "equipment"
	PathProcedures = "procedures"
	PathStaffing   = "staffing"
	PathNotes      = "notes"

	PathSpecialists = "staffing.specialists"
)

var identifierRE = regexp.MustCompile(`^[a-z0-9][a-z0-9_]*$`)

// SupportsPath returns the profile path a signal of this kind and canonical
// name will land on. Unresolved signals have no path.
func SupportsPath(kind Kind, canonical string) string {
	if canonical == "" {
		return ""
	}
	switch kind {
	case KindEquipment:
		if IsEquipmentFlag(canonical) {
			return PathEquipment + "." + canonical
		}
		return PathProcedures + "." + canonical
	case KindCapability, KindInfrastructure:
		if IsService(canonical) {
			return PathServices + "." + canonical
		}
		return PathProcedures + "." + canonical
	case KindStaffing:
		return PathSpecialists
	}
	return ""
}

// ValidatePath checks a dotted evidence path against the profile schema.
func ValidatePath(path string) error {
	root, leaf, _ := strings.Cut(path, ".")
	switch root {
	case PathServices:
		if IsService(leaf) {
			return nil
		}
	case PathEquipment:
		if IsEquipmentFlag(leaf) {
			return nil
		}
	case PathProcedures:
		if identifierRE.MatchString(leaf) {
			return nil
		}
	case PathStaffing:
		switch leaf {
		case "specialists", "doctors", "nurses":
			return nil
		}
	case PathNotes:
		if leaf == "" {
			return nil
		}
	}
	return eris.Wrapf(ErrInvalidPath, "path %q", path)
}
