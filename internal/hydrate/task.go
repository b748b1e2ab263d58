package hydrate

import (
	"fmt"
	"strings"

	"github.com/custodia-labs/chartpull-cli/internal/fhir"
)

// Task names accepted by --tasks.
const (
	TaskInline        = "inline"
	TaskMedications   = "medications"
	TaskObservations  = "observations"
	TaskPractitioners = "practitioners"
	TaskLocations     = "locations"
	TaskOrganizations = "organizations"
)

// A Step reads resources of one type and fills one kind of gap they
// carry. Most steps walk reference paths and download what they point
// at; Search steps instead run a reverse search keyed on the input
// resource's id, for links the data never states directly.
type Step struct {
	Input  string   // resource type read
	Output string   // resource type written
	Refs   []string // reference paths, arrays fanned through implicitly
	Search string   // reverse-search query prefix completed with the input id
}

// A Task is a named group of steps selected and checkpointed as one
// unit. Inline tasks rewrite their input pages in place instead of
// appending pages of the output type.
type Task struct {
	Name   string
	Inline bool
	Steps  []Step
}

// Registry lists every hydration task in dependency order:
// practitioners feed locations (PractitionerRole pages), and locations
// feed organizations (managingOrganization links). The engine still
// loops until no step produces a new type, so chains that cross this
// order resolve too.
var Registry = []Task{
	{
		Name:   TaskInline,
		Inline: true,
		Steps: []Step{
			{Input: fhir.TypeDocumentReference},
			{Input: fhir.TypeDiagnosticReport},
		},
	},
	{
		Name: TaskMedications,
		Steps: []Step{
			{Input: fhir.TypeMedicationRequest, Output: fhir.TypeMedication, Refs: []string{"medicationReference"}},
		},
	},
	{
		Name: TaskObservations,
		Steps: []Step{
			{Input: fhir.TypeDiagnosticReport, Output: fhir.TypeObservation, Refs: []string{"result"}},
			{Input: fhir.TypeObservation, Output: fhir.TypeObservation, Refs: []string{"hasMember"}},
		},
	},
	{
		Name: TaskPractitioners,
		Steps: []Step{
			{Input: fhir.TypeAllergyIntolerance, Output: fhir.TypePractitioner, Refs: []string{"recorder", "asserter"}},
			{Input: fhir.TypeAllergyIntolerance, Output: fhir.TypePractitionerRole, Refs: []string{"recorder", "asserter"}},
			{Input: fhir.TypeCondition, Output: fhir.TypePractitioner, Refs: []string{"recorder", "asserter"}},
			{Input: fhir.TypeCondition, Output: fhir.TypePractitionerRole, Refs: []string{"recorder", "asserter"}},
			{Input: fhir.TypeDiagnosticReport, Output: fhir.TypePractitioner, Refs: []string{"performer", "resultsInterpreter"}},
			{Input: fhir.TypeDiagnosticReport, Output: fhir.TypePractitionerRole, Refs: []string{"performer", "resultsInterpreter"}},
			{Input: fhir.TypeDocumentReference, Output: fhir.TypePractitioner, Refs: []string{"subject", "author", "authenticator"}},
			{Input: fhir.TypeDocumentReference, Output: fhir.TypePractitionerRole, Refs: []string{"subject", "author", "authenticator"}},
			{Input: fhir.TypeEncounter, Output: fhir.TypePractitioner, Refs: []string{"participant.individual"}},
			{Input: fhir.TypeEncounter, Output: fhir.TypePractitionerRole, Refs: []string{"participant.individual"}},
			{Input: fhir.TypeImmunization, Output: fhir.TypePractitioner, Refs: []string{"performer.actor"}},
			{Input: fhir.TypeImmunization, Output: fhir.TypePractitionerRole, Refs: []string{"performer.actor"}},
			{Input: fhir.TypeMedicationRequest, Output: fhir.TypePractitioner, Refs: []string{"reportedReference", "requester", "performer", "recorder"}},
			{Input: fhir.TypeMedicationRequest, Output: fhir.TypePractitionerRole, Refs: []string{"reportedReference", "requester", "performer", "recorder"}},
			{Input: fhir.TypeObservation, Output: fhir.TypePractitioner, Refs: []string{"performer"}},
			{Input: fhir.TypeObservation, Output: fhir.TypePractitionerRole, Refs: []string{"performer"}},
			{Input: fhir.TypePatient, Output: fhir.TypePractitioner, Refs: []string{"generalPractitioner"}},
			{Input: fhir.TypePatient, Output: fhir.TypePractitionerRole, Refs: []string{"generalPractitioner"}},
			{Input: fhir.TypeProcedure, Output: fhir.TypePractitioner, Refs: []string{"recorder", "asserter", "performer.actor"}},
			{Input: fhir.TypeProcedure, Output: fhir.TypePractitionerRole, Refs: []string{"recorder", "asserter", "performer.actor"}},
			{Input: fhir.TypeServiceRequest, Output: fhir.TypePractitioner, Refs: []string{"requester", "performer"}},
			{Input: fhir.TypeServiceRequest, Output: fhir.TypePractitionerRole, Refs: []string{"requester", "performer"}},
			// Nothing may link to PractitionerRoles directly (Epic),
			// so search them out for every known Practitioner.
			{Input: fhir.TypePractitioner, Output: fhir.TypePractitionerRole, Search: fhir.TypePractitionerRole + "?practitioner="},
			{Input: fhir.TypePractitionerRole, Output: fhir.TypePractitioner, Refs: []string{"practitioner"}},
		},
	},
	{
		Name: TaskLocations,
		Steps: []Step{
			{Input: fhir.TypeDevice, Output: fhir.TypeLocation, Refs: []string{"location"}},
			{Input: fhir.TypeDiagnosticReport, Output: fhir.TypeLocation, Refs: []string{"subject"}},
			{Input: fhir.TypeEncounter, Output: fhir.TypeLocation, Refs: []string{"hospitalization.origin", "hospitalization.destination", "location.location"}},
			{Input: fhir.TypeImmunization, Output: fhir.TypeLocation, Refs: []string{"location"}},
			{Input: fhir.TypeObservation, Output: fhir.TypeLocation, Refs: []string{"subject"}},
			{Input: fhir.TypePractitionerRole, Output: fhir.TypeLocation, Refs: []string{"location"}},
			{Input: fhir.TypeProcedure, Output: fhir.TypeLocation, Refs: []string{"location"}},
			{Input: fhir.TypeServiceRequest, Output: fhir.TypeLocation, Refs: []string{"subject", "locationReference"}},
			{Input: fhir.TypeLocation, Output: fhir.TypeLocation, Refs: []string{"partOf"}},
		},
	},
	{
		Name: TaskOrganizations,
		Steps: []Step{
			{Input: fhir.TypeDevice, Output: fhir.TypeOrganization, Refs: []string{"owner"}},
			{Input: fhir.TypeDiagnosticReport, Output: fhir.TypeOrganization, Refs: []string{"performer", "resultsInterpreter"}},
			{Input: fhir.TypeDocumentReference, Output: fhir.TypeOrganization, Refs: []string{"author", "authenticator", "custodian"}},
			{Input: fhir.TypeEncounter, Output: fhir.TypeOrganization, Refs: []string{"hospitalization.origin", "hospitalization.destination", "serviceProvider"}},
			{Input: fhir.TypeImmunization, Output: fhir.TypeOrganization, Refs: []string{"manufacturer", "performer.actor", "protocolApplied.authority"}},
			{Input: fhir.TypeLocation, Output: fhir.TypeOrganization, Refs: []string{"managingOrganization"}},
			{Input: fhir.TypeMedicationRequest, Output: fhir.TypeOrganization, Refs: []string{"reportedReference", "requester", "performer", "dispenseRequest.performer"}},
			{Input: fhir.TypeObservation, Output: fhir.TypeOrganization, Refs: []string{"performer"}},
			{Input: fhir.TypePatient, Output: fhir.TypeOrganization, Refs: []string{"contact.organization", "generalPractitioner", "managingOrganization"}},
			{Input: fhir.TypePractitioner, Output: fhir.TypeOrganization, Refs: []string{"qualification.issuer"}},
			{Input: fhir.TypePractitionerRole, Output: fhir.TypeOrganization, Refs: []string{"organization"}},
			{Input: fhir.TypeProcedure, Output: fhir.TypeOrganization, Refs: []string{"performer.actor", "performer.onBehalfOf"}},
			{Input: fhir.TypeServiceRequest, Output: fhir.TypeOrganization, Refs: []string{"requester", "performer"}},
			{Input: fhir.TypeOrganization, Output: fhir.TypeOrganization, Refs: []string{"partOf"}},
		},
	},
}

// Select resolves --tasks values to registry tasks, preserving
// registry order. Empty input and "all" select everything.
func Select(names []string) ([]Task, error) {
	if len(names) == 0 {
		return Registry, nil
	}
	requested := make(map[string]bool)
	for _, entry := range names {
		for _, name := range strings.Split(entry, ",") {
			name = strings.TrimSpace(strings.ToLower(name))
			if name == "" {
				continue
			}
			if name == "all" {
				return Registry, nil
			}
			if !knownTask(name) {
				return nil, fmt.Errorf("unknown hydration task %q (have %s)", name, strings.Join(TaskNames(), ", "))
			}
			requested[name] = true
		}
	}
	var out []Task
	for _, task := range Registry {
		if requested[task.Name] {
			out = append(out, task)
		}
	}
	return out, nil
}

// TaskNames returns the registry's task names in order.
func TaskNames() []string {
	names := make([]string, len(Registry))
	for i, task := range Registry {
		names[i] = task.Name
	}
	return names
}

func knownTask(name string) bool {
	for _, task := range Registry {
		if task.Name == name {
			return true
		}
	}
	return false
}

