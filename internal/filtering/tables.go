package filtering

import (
	"strings"

	"github.com/custodia-labs/chartpull-cli/internal/fhir"
)

// CreatedSearchParams maps each resource type to the search parameter
// that best approximates "when was this record created". Types without
// an entry have no usable administrative date and are fetched without a
// since filter under created mode.
var CreatedSearchParams = map[string]string{
	fhir.TypeAllergyIntolerance: "date",
	fhir.TypeCondition:          "recorded-date",
	fhir.TypeDiagnosticReport:   "issued",
	fhir.TypeDocumentReference:  "date",
	fhir.TypeEncounter:          "date",
	fhir.TypeImmunization:       "date",
	fhir.TypeMedicationRequest:  "authoredon",
	fhir.TypeObservation:        "date",
	fhir.TypeProcedure:          "date",
	fhir.TypeServiceRequest:     "authored",
}

// UpdatedSearchParam filters on the server's record update time and
// applies to every type under updated mode.
const UpdatedSearchParam = "_lastUpdated"

// ObservationCategories are the nine standard US Core categories used
// as the default Observation filter. Unfiltered Observation volume
// overwhelms most exports.
var ObservationCategories = []string{
	"social-history",
	"vital-signs",
	"imaging",
	"laboratory",
	"survey",
	"exam",
	"procedure",
	"therapy",
	"activity",
}

// DefaultObservationFilter returns the category query applied to
// Observation searches when the user provides no filter of their own.
// Comma-joined values carry FHIR OR semantics.
func DefaultObservationFilter() string {
	return "category=" + strings.Join(ObservationCategories, ",")
}

// CreatedDate reads the resource field behind each type's created
// search parameter, for recording transaction times under created
// mode.
func CreatedDate(resource fhir.Resource) string {
	switch resource.Type() {
	case fhir.TypeAllergyIntolerance, fhir.TypeCondition:
		if v, ok := resource["recordedDate"].(string); ok {
			return v
		}
	case fhir.TypeDiagnosticReport, fhir.TypeObservation:
		if v, ok := resource["issued"].(string); ok {
			return v
		}
	case fhir.TypeDocumentReference:
		if v, ok := resource["date"].(string); ok {
			return v
		}
	case fhir.TypeImmunization:
		if v, ok := resource["recorded"].(string); ok {
			return v
		}
	case fhir.TypeMedicationRequest, fhir.TypeServiceRequest:
		if v, ok := resource["authoredOn"].(string); ok {
			return v
		}
	}
	return ""
}
