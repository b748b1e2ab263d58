package fhir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBundle_NextURL(t *testing.T) {
	var bundle Bundle
	err := json.Unmarshal([]byte(`{
		"resourceType": "Bundle",
		"type": "searchset",
		"link": [
			{"relation": "self", "url": "https://fhir.example.com/Patient"},
			{"relation": "next", "url": "https://fhir.example.com/Patient?page=2"}
		],
		"entry": [
			{"resource": {"resourceType": "Patient", "id": "p1"}},
			{"fullUrl": "urn:empty"}
		]
	}`), &bundle)
	require.NoError(t, err)

	assert.Equal(t, "https://fhir.example.com/Patient?page=2", bundle.NextURL())

	resources := bundle.Resources()
	require.Len(t, resources, 1)
	assert.Equal(t, "Patient/p1", resources[0].Key())
}

func TestBundle_NextURL_LastPage(t *testing.T) {
	bundle := Bundle{Link: []BundleLink{{Relation: "self", URL: "x"}}}
	assert.Equal(t, "", bundle.NextURL())
}

func TestOperationOutcome_Summary(t *testing.T) {
	var outcome OperationOutcome
	err := json.Unmarshal([]byte(`{
		"resourceType": "OperationOutcome",
		"issue": [
			{"severity": "error", "code": "processing", "diagnostics": "server fell over"},
			{"severity": "warning", "code": "too-costly"}
		]
	}`), &outcome)
	require.NoError(t, err)

	assert.Equal(t, "server fell over; too-costly", outcome.Summary())
}

func TestCapabilityStatement_Queries(t *testing.T) {
	var caps CapabilityStatement
	err := json.Unmarshal([]byte(`{
		"resourceType": "CapabilityStatement",
		"fhirVersion": "4.0.1",
		"rest": [{
			"mode": "server",
			"resource": [
				{
					"type": "Patient",
					"searchParam": [{"name": "_lastUpdated", "type": "date"}]
				},
				{"type": "Observation"}
			],
			"operation": [{"name": "export"}]
		}]
	}`), &caps)
	require.NoError(t, err)

	assert.True(t, caps.SupportsResource("Patient"))
	assert.False(t, caps.SupportsResource("Device"))

	assert.True(t, caps.SupportsSearchParam("Patient", "_lastUpdated"))
	assert.False(t, caps.SupportsSearchParam("Observation", "_lastUpdated"))

	// $ prefix is optional when matching operations
	assert.True(t, caps.SupportsOperation("export"))
	assert.True(t, caps.SupportsOperation("$export"))
	assert.False(t, caps.SupportsOperation("everything"))
}

func TestExpandTypes(t *testing.T) {
	// Empty request means every known type
	all, err := ExpandTypes(nil)
	require.NoError(t, err)
	assert.Equal(t, PatientTypes, all)

	// Comma-separated and repeated flags collapse, crawl order wins
	got, err := ExpandTypes([]string{"Observation,Condition", "Patient", "Condition"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Patient", "Condition", "Observation"}, got)

	_, err = ExpandTypes([]string{"Specimen"})
	assert.Error(t, err)
}
