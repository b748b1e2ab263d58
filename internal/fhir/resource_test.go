package fhir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeResource(t *testing.T, raw string) Resource {
	t.Helper()
	var r Resource
	require.NoError(t, json.Unmarshal([]byte(raw), &r))
	return r
}

func TestResource_TypeIDKey(t *testing.T) {
	r := decodeResource(t, `{"resourceType":"Patient","id":"abc"}`)

	assert.Equal(t, "Patient", r.Type())
	assert.Equal(t, "abc", r.ID())
	assert.Equal(t, "Patient/abc", r.Key())
}

func TestResource_LastUpdated(t *testing.T) {
	r := decodeResource(t, `{"resourceType":"Patient","id":"abc",
		"meta":{"lastUpdated":"2024-06-01T10:30:00Z"}}`)

	got, ok := r.LastUpdated()
	require.True(t, ok)
	assert.Equal(t, "2024-06-01T10:30:00Z", FormatInstant(got))

	// Absent meta
	_, ok = decodeResource(t, `{"resourceType":"Patient"}`).LastUpdated()
	assert.False(t, ok)
}

func TestResource_Tags(t *testing.T) {
	r := decodeResource(t, `{"resourceType":"DocumentReference","id":"d1"}`)

	assert.False(t, r.HasTag(TagSystem, TagHydrated))

	r.AddTag(TagSystem, TagHydrated)
	assert.True(t, r.HasTag(TagSystem, TagHydrated))

	// Adding twice keeps a single tag
	r.AddTag(TagSystem, TagHydrated)
	meta := r["meta"].(map[string]any)
	assert.Len(t, meta["tag"], 1)
}

func TestResource_AddTagKeepsExistingTags(t *testing.T) {
	r := decodeResource(t, `{"resourceType":"Observation","id":"o1",
		"meta":{"tag":[{"system":"urn:other","code":"x"}]}}`)

	r.AddTag(TagSystem, TagHydrated)

	meta := r["meta"].(map[string]any)
	assert.Len(t, meta["tag"], 2)
	assert.True(t, r.HasTag("urn:other", "x"))
	assert.True(t, r.HasTag(TagSystem, TagHydrated))
}

func TestParseReference(t *testing.T) {
	ref, ok := ParseReference("Patient/123")
	require.True(t, ok)
	assert.Equal(t, Reference{Type: "Patient", ID: "123"}, ref)

	// Absolute URL form
	ref, ok = ParseReference("https://fhir.example.com/r4/Observation/o-9")
	require.True(t, ok)
	assert.Equal(t, "Observation/o-9", ref.String())

	// Versioned reference collapses to Type/ID
	ref, ok = ParseReference("Patient/123/_history/4")
	require.True(t, ok)
	assert.Equal(t, "Patient/123", ref.String())

	// Contained and malformed references are rejected
	_, ok = ParseReference("#p1")
	assert.False(t, ok)
	_, ok = ParseReference("just-an-id")
	assert.False(t, ok)
	_, ok = ParseReference("")
	assert.False(t, ok)
}

func TestWalkReferences(t *testing.T) {
	r := decodeResource(t, `{
		"resourceType": "DiagnosticReport",
		"id": "r1",
		"result": [
			{"reference": "Observation/a"},
			{"reference": "Observation/b"},
			{"display": "no literal reference"}
		]
	}`)

	refs := WalkReferences(r, "result")
	require.Len(t, refs, 2)
	assert.Equal(t, "Observation/a", refs[0].String())
	assert.Equal(t, "Observation/b", refs[1].String())
}

func TestWalkReferences_NestedPath(t *testing.T) {
	r := decodeResource(t, `{
		"resourceType": "Encounter",
		"id": "e1",
		"participant": [
			{"individual": {"reference": "Practitioner/p1"}},
			{"individual": {"reference": "Practitioner/p2"}}
		]
	}`)

	refs := WalkReferences(r, "participant.individual")
	require.Len(t, refs, 2)
	assert.Equal(t, "Practitioner/p1", refs[0].String())
}

func TestDeletionBundle_RoundTrip(t *testing.T) {
	bundle := DeletionBundle("Patient", "gone-1")

	targets := DeletionTargets(bundle)
	require.Len(t, targets, 1)
	assert.Equal(t, "Patient/gone-1", targets[0].String())
}

func TestDeletionTargets_IgnoresOtherMethods(t *testing.T) {
	bundle := decodeResource(t, `{
		"resourceType": "Bundle",
		"type": "history",
		"entry": [
			{"request": {"method": "DELETE", "url": "Condition/c1"}},
			{"request": {"method": "PUT", "url": "Condition/c2"}},
			{"request": {"method": "delete", "url": "Condition/c3"}}
		]
	}`)

	targets := DeletionTargets(bundle)
	require.Len(t, targets, 2)
	assert.Equal(t, "Condition/c1", targets[0].String())
	assert.Equal(t, "Condition/c3", targets[1].String())
}
