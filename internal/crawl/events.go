package crawl

import (
	"github.com/custodia-labs/chartpull-cli/internal/client"
)

// Crawl-specific log event payloads. The bulk-compatible rows
// (kickoff, status_complete, export_complete) reuse the bulk package's
// detail types.

type patientCompleteDetail struct {
	PatientID string `json:"patientId"`
	Resources int64  `json:"resources"`
}

type queryErrorDetail struct {
	ResourceType string  `json:"resourceType"`
	PatientID    string  `json:"patientId"`
	Query        string  `json:"query"`
	Code         *int    `json:"code"`
	Body         *string `json:"body"`
}

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
