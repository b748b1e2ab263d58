package filtering

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/chartpull-cli/internal/fhir"
	"github.com/custodia-labs/chartpull-cli/internal/workspace"
)

func TestNew_ParsesTypeFilters(t *testing.T) {
	f, err := New(
		[]string{"Patient", "Condition", "Observation"},
		[]string{"Condition?clinical-status=active", "Observation?code=1234-5"},
		true,
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"Condition?clinical-status=active", "Observation?code=1234-5"}, f.Manual())
}

func TestNew_RejectsMalformedFilter(t *testing.T) {
	_, err := New([]string{"Condition"}, []string{"Condition"}, false)
	assert.ErrorContains(t, err, "Resource?params")

	_, err = New([]string{"Condition"}, []string{"Condition?"}, false)
	assert.ErrorContains(t, err, "Resource?params")
}

func TestNew_RejectsFilterForUnexportedType(t *testing.T) {
	_, err := New([]string{"Patient"}, []string{"Condition?clinical-status=active"}, false)
	assert.ErrorContains(t, err, "not exported")
}

func TestSearchQueries_UpdatedMode(t *testing.T) {
	f, err := New([]string{"Condition"}, nil, false)
	require.NoError(t, err)

	queries := f.SearchQueries("Condition", "2024-01-01T00:00:00Z", workspace.SinceUpdated)
	assert.Equal(t, []string{"_lastUpdated=ge2024-01-01T00:00:00Z"}, queries)

	// No since date means no filter at all
	assert.Equal(t, []string{""}, f.SearchQueries("Condition", "", workspace.SinceUpdated))
}

func TestSearchQueries_CreatedMode(t *testing.T) {
	f, err := New([]string{"Patient", "Condition", "MedicationRequest"}, nil, false)
	require.NoError(t, err)

	since := "2024-01-01T00:00:00Z"
	assert.Equal(t, []string{"recorded-date=ge" + since},
		f.SearchQueries("Condition", since, workspace.SinceCreated))
	assert.Equal(t, []string{"authoredon=ge" + since},
		f.SearchQueries("MedicationRequest", since, workspace.SinceCreated))

	// Patient has no usable creation date and is fetched in full
	assert.Equal(t, []string{""}, f.SearchQueries("Patient", since, workspace.SinceCreated))
}

func TestSearchQueries_DefaultObservationCategories(t *testing.T) {
	f, err := New([]string{"Observation"}, nil, true)
	require.NoError(t, err)

	queries := f.SearchQueries("Observation", "", workspace.SinceUpdated)
	require.Len(t, queries, 1)
	assert.Contains(t, queries[0], "category=social-history,vital-signs,")
	assert.Contains(t, queries[0], "laboratory")

	withSince := f.SearchQueries("Observation", "2024-01-01T00:00:00Z", workspace.SinceUpdated)
	require.Len(t, withSince, 1)
	assert.Contains(t, withSince[0], "category=")
	assert.Contains(t, withSince[0], "&_lastUpdated=ge2024-01-01T00:00:00Z")
}

func TestSearchQueries_ManualObservationFilterReplacesDefault(t *testing.T) {
	f, err := New([]string{"Observation"}, []string{"Observation?category=laboratory"}, true)
	require.NoError(t, err)

	queries := f.SearchQueries("Observation", "", workspace.SinceUpdated)
	assert.Equal(t, []string{"category=laboratory"}, queries)
}

func TestSearchQueries_MultipleFiltersFanOut(t *testing.T) {
	f, err := New(
		[]string{"Condition"},
		[]string{"Condition?clinical-status=active", "Condition?verification-status=confirmed"},
		false,
	)
	require.NoError(t, err)

	queries := f.SearchQueries("Condition", "2024-01-01T00:00:00Z", workspace.SinceUpdated)
	assert.Equal(t, []string{
		"clinical-status=active&_lastUpdated=ge2024-01-01T00:00:00Z",
		"verification-status=confirmed&_lastUpdated=ge2024-01-01T00:00:00Z",
	}, queries)
}

func TestTypeFilters_UpdatedModeLeavesSinceToKickoff(t *testing.T) {
	f, err := New(
		[]string{"Patient", "Condition", "Observation"},
		[]string{"Condition?clinical-status=active"},
		true,
	)
	require.NoError(t, err)

	since := map[string]string{"Condition": "2024-01-01T00:00:00Z"}
	values := f.TypeFilters(since, workspace.SinceUpdated)
	require.Len(t, values, 2)
	assert.Equal(t, "Condition?clinical-status=active", values[0])
	assert.Contains(t, values[1], "Observation?category=")
	for _, v := range values {
		assert.NotContains(t, v, "_lastUpdated")
	}
}

func TestTypeFilters_CreatedModeFoldsSinceIn(t *testing.T) {
	f, err := New([]string{"Patient", "Condition"}, nil, false)
	require.NoError(t, err)

	since := map[string]string{
		"Condition": "2024-01-01T00:00:00Z",
		"Patient":   "2024-01-01T00:00:00Z",
	}
	values := f.TypeFilters(since, workspace.SinceCreated)
	// Patient cannot be date-filtered; only Condition contributes
	assert.Equal(t, []string{"Condition?recorded-date=ge2024-01-01T00:00:00Z"}, values)
}

func TestCreatedDate_ReadsPerTypeFields(t *testing.T) {
	cases := []struct {
		resource fhir.Resource
		want     string
	}{
		{fhir.Resource{"resourceType": "Condition", "recordedDate": "2023-01-02"}, "2023-01-02"},
		{fhir.Resource{"resourceType": "DiagnosticReport", "issued": "2023-02-03T00:00:00Z"}, "2023-02-03T00:00:00Z"},
		{fhir.Resource{"resourceType": "MedicationRequest", "authoredOn": "2023-03-04"}, "2023-03-04"},
		{fhir.Resource{"resourceType": "Immunization", "recorded": "2023-04-05"}, "2023-04-05"},
		{fhir.Resource{"resourceType": "Patient", "birthDate": "1980-01-01"}, ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CreatedDate(tc.resource), "type %s", tc.resource.Type())
	}
}

func TestObservationCategories_CoversNineStandard(t *testing.T) {
	assert.Len(t, ObservationCategories, 9)
	assert.Contains(t, DefaultObservationFilter(), "vital-signs")
}
