package cli

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// singleTestServer serves one Patient and one Binary resource.
func singleTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/Patient/123", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+json")
		_, _ = w.Write([]byte(`{"resourceType": "Patient", "id": "123"}`))
	})
	mux.HandleFunc("/Binary/b1", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+json")
		_, _ = w.Write([]byte(`{"resourceType": "Binary", "id": "b1", "data": "aGVsbG8gd29ybGQ="}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func stashSingleFlags(t *testing.T) {
	t.Helper()
	savedBinary, savedCompact := singleBinary, singleCompact
	t.Cleanup(func() {
		singleBinary, singleCompact = savedBinary, savedCompact
	})
}

func TestSingleCmd_Use(t *testing.T) {
	assert.Equal(t, "single [Type/id]", singleCmd.Use)
	assert.Equal(t, "Fetch one resource and print it", singleCmd.Short)
}

func TestSingleCmd_PrintsIndentedJSON(t *testing.T) {
	stashAuthFlags(t)
	stashSingleFlags(t)
	srv := singleTestServer(t)

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetArgs([]string{"single", "Patient/123", "--fhir-url", srv.URL})
	defer rootCmd.SetArgs(nil)

	err := rootCmd.Execute()

	require.NoError(t, err)
	assert.Contains(t, buf.String(), "\"resourceType\": \"Patient\"")
	assert.Contains(t, buf.String(), "\"id\": \"123\"")
}

func TestSingleCmd_CompactPrintsOneLine(t *testing.T) {
	stashAuthFlags(t)
	stashSingleFlags(t)
	srv := singleTestServer(t)

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetArgs([]string{"single", "Patient/123", "--fhir-url", srv.URL, "--compact"})
	defer rootCmd.SetArgs(nil)

	err := rootCmd.Execute()

	require.NoError(t, err)
	assert.Contains(t, buf.String(), `{"id":"123","resourceType":"Patient"}`)
}

func TestSingleCmd_BinaryDecodesData(t *testing.T) {
	stashAuthFlags(t)
	stashSingleFlags(t)
	srv := singleTestServer(t)

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetArgs([]string{"single", "Binary/b1", "--fhir-url", srv.URL, "--binary"})
	defer rootCmd.SetArgs(nil)

	err := rootCmd.Execute()

	require.NoError(t, err)
	assert.Equal(t, "hello world", buf.String())
}

func TestSingleCmd_BinaryNeedsDataField(t *testing.T) {
	stashAuthFlags(t)
	stashSingleFlags(t)
	srv := singleTestServer(t)

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs([]string{"single", "Patient/123", "--fhir-url", srv.URL, "--binary"})
	defer func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetErr(nil)
	}()

	err := rootCmd.Execute()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no data field")
}
