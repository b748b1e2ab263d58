package hydrate

import (
	"github.com/custodia-labs/chartpull-cli/internal/client"
)

// Hydration log event payloads.

type taskCompleteDetail struct {
	Task     string `json:"task"`
	Count    int    `json:"count"`
	Failures int    `json:"failures"`
}

type errorDetail struct {
	Task string  `json:"task"`
	URL  string  `json:"url"`
	Code *int    `json:"code"`
	Body *string `json:"body"`
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
