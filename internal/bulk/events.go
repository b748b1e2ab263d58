package bulk

import (
	"net/http"

	"github.com/custodia-labs/chartpull-cli/internal/client"
	"github.com/custodia-labs/chartpull-cli/internal/fhir"
)

// Event detail payloads for the sub-export log, following the SMART
// bulk-export client log vocabulary. Absent values are explicit nulls
// rather than omitted keys, so downstream tooling sees a stable shape.

type KickoffDetail struct {
	ExportURL         string            `json:"exportUrl"`
	SoftwareName      *string           `json:"softwareName"`
	SoftwareVersion   *string           `json:"softwareVersion"`
	SoftwareRelease   *string           `json:"softwareReleaseDate"`
	FHIRVersion       *string           `json:"fhirVersion"`
	RequestParameters map[string]string `json:"requestParameters"`
	ErrorCode         *int              `json:"errorCode"`
	ErrorBody         *string           `json:"errorBody"`
	ResponseHeaders   map[string]string `json:"responseHeaders"`
	Client            string            `json:"_client"`
	ClientVersion     string            `json:"_clientVersion"`
}

type StatusCompleteDetail struct {
	TransactionTime string `json:"transactionTime"`
}

type manifestDetail struct {
	TransactionTime  string `json:"transactionTime"`
	OutputFileCount  int    `json:"outputFileCount"`
	DeletedFileCount int    `json:"deletedFileCount"`
	ErrorFileCount   int    `json:"errorFileCount"`
}

type manifestCompleteDetail struct {
	TransactionTime       string `json:"transactionTime"`
	TotalOutputFileCount  int    `json:"totalOutputFileCount"`
	TotalDeletedFileCount int    `json:"totalDeletedFileCount"`
	TotalErrorFileCount   int    `json:"totalErrorFileCount"`
	TotalManifests        int    `json:"totalManifests"`
}

type statusErrorDetail struct {
	Body            *string           `json:"body"`
	Code            *int              `json:"code"`
	Message         string            `json:"message"`
	ResponseHeaders map[string]string `json:"responseHeaders"`
}

type downloadRequestDetail struct {
	FileURL      string `json:"fileUrl"`
	ItemType     string `json:"itemType"` // output, deleted or error
	ResourceType string `json:"resourceType"`
}

type downloadCompleteDetail struct {
	FileURL       string `json:"fileUrl"`
	ResourceCount int64  `json:"resourceCount"`
	FileSize      int64  `json:"fileSize"` // uncompressed NDJSON bytes
}

type downloadErrorDetail struct {
	FileURL string  `json:"fileUrl"`
	Body    *string `json:"body"`
	Code    *int    `json:"code"`
	Message string  `json:"message"`
}

type exportWarningDetail struct {
	FileURL  string `json:"fileUrl"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

type ExportCompleteDetail struct {
	Files       int64 `json:"files"`
	Resources   int64 `json:"resources"`
	Bytes       int64 `json:"bytes"`
	Attachments any   `json:"attachments"` // always null; hydration counts separately
	Duration    int64 `json:"duration"`    // milliseconds
}

func NewKickoffDetail(exportURL string, caps *fhir.CapabilityStatement, clientName, clientVersion string) KickoffDetail {
	detail := KickoffDetail{
		ExportURL:         exportURL,
		RequestParameters: queryParameters(exportURL),
		ResponseHeaders:   map[string]string{},
		Client:            clientName,
		ClientVersion:     clientVersion,
	}
	if caps != nil {
		detail.SoftwareName = optional(caps.Software.Name)
		detail.SoftwareVersion = optional(caps.Software.Version)
		detail.SoftwareRelease = optional(caps.Software.ReleaseDate)
		detail.FHIRVersion = optional(caps.FhirVersion)
	}
	return detail
}

// errorDetails extracts the status code and diagnostics carried by a
// request error, for the errorCode/errorBody pair of log events.
func errorDetails(err error) (code *int, body *string) {
	if status := client.StatusOf(err); status != 0 {
		code = &status
	}
	if err != nil {
		message := err.Error()
		body = &message
	}
	return code, body
}

func headerMap(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key := range h {
		out[key] = h.Get(key)
	}
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
