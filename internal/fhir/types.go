package fhir

import (
	"fmt"
	"slices"
	"strings"
)

// Resource type names used across the export pipeline.
const (
	TypeAllergyIntolerance = "AllergyIntolerance"
	TypeBinary             = "Binary"
	TypeBundle             = "Bundle"
	TypeCondition          = "Condition"
	TypeDevice             = "Device"
	TypeDiagnosticReport   = "DiagnosticReport"
	TypeDocumentReference  = "DocumentReference"
	TypeEncounter          = "Encounter"
	TypeGroup              = "Group"
	TypeImmunization       = "Immunization"
	TypeLocation           = "Location"
	TypeMedication         = "Medication"
	TypeMedicationRequest  = "MedicationRequest"
	TypeObservation        = "Observation"
	TypeOperationOutcome   = "OperationOutcome"
	TypeOrganization       = "Organization"
	TypePatient            = "Patient"
	TypePractitioner       = "Practitioner"
	TypePractitionerRole   = "PractitionerRole"
	TypeProcedure          = "Procedure"
	TypeServiceRequest     = "ServiceRequest"
)

// PatientTypes lists the patient-compartment resource types chartpull
// exports, in crawl order. Patient comes first so the cohort is pinned
// before anything references it; Encounter second because several other
// types hang off encounters.
var PatientTypes = []string{
	TypePatient,
	TypeEncounter,
	TypeAllergyIntolerance,
	TypeCondition,
	TypeDevice,
	TypeDiagnosticReport,
	TypeDocumentReference,
	TypeImmunization,
	TypeMedicationRequest,
	TypeObservation,
	TypeProcedure,
	TypeServiceRequest,
}

// KnownType reports whether chartpull knows how to export the type.
func KnownType(resourceType string) bool {
	return slices.Contains(PatientTypes, resourceType)
}

// ExpandTypes normalises a requested type list: entries are split on
// commas, de-duplicated and put into crawl order. An empty request
// means every known type. Unknown types are an error.
func ExpandTypes(requested []string) ([]string, error) {
	if len(requested) == 0 {
		return slices.Clone(PatientTypes), nil
	}
	seen := make(map[string]bool)
	for _, entry := range requested {
		for _, name := range strings.Split(entry, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if !KnownType(name) {
				return nil, fmt.Errorf("unsupported resource type %q", name)
			}
			seen[name] = true
		}
	}
	var out []string
	for _, name := range PatientTypes {
		if seen[name] {
			out = append(out, name)
		}
	}
	return out, nil
}
