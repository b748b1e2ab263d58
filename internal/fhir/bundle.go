package fhir

import "strings"

// Bundle is the typed view of a search result page. Entry resources
// stay as Resource maps so they can be written out unaltered.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleLink is a paging link.
type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// BundleEntry is one search match.
type BundleEntry struct {
	FullURL  string   `json:"fullUrl,omitempty"`
	Resource Resource `json:"resource,omitempty"`
}

// NextURL returns the link with relation "next", or "" on the last
// page.
func (b *Bundle) NextURL() string {
	for _, link := range b.Link {
		if link.Relation == "next" {
			return link.URL
		}
	}
	return ""
}

// Resources returns the entry resources, skipping empty entries.
func (b *Bundle) Resources() []Resource {
	var out []Resource
	for _, entry := range b.Entry {
		if len(entry.Resource) > 0 {
			out = append(out, entry.Resource)
		}
	}
	return out
}

// OperationOutcome is the FHIR error payload.
type OperationOutcome struct {
	ResourceType string         `json:"resourceType"`
	Issue        []OutcomeIssue `json:"issue,omitempty"`
}

// OutcomeIssue is a single reported problem.
type OutcomeIssue struct {
	Severity    string `json:"severity,omitempty"`
	Code        string `json:"code,omitempty"`
	Diagnostics string `json:"diagnostics,omitempty"`
	Details     struct {
		Text string `json:"text,omitempty"`
	} `json:"details,omitempty"`
}

// Summary flattens the outcome's issues into one diagnostic line.
func (o *OperationOutcome) Summary() string {
	var parts []string
	for _, issue := range o.Issue {
		text := issue.Diagnostics
		if text == "" {
			text = issue.Details.Text
		}
		if text == "" {
			text = issue.Code
		}
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "; ")
}

// CapabilityStatement is the typed view of GET [base]/metadata, reduced
// to the features chartpull steers by.
type CapabilityStatement struct {
	ResourceType string `json:"resourceType"`
	FhirVersion  string `json:"fhirVersion,omitempty"`
	Software     struct {
		Name        string `json:"name,omitempty"`
		Version     string `json:"version,omitempty"`
		ReleaseDate string `json:"releaseDate,omitempty"`
	} `json:"software,omitempty"`
	Rest []CapabilityRest `json:"rest,omitempty"`
}

// CapabilityRest is one rest mode block of a capability statement.
type CapabilityRest struct {
	Mode      string                `json:"mode,omitempty"`
	Resource  []CapabilityResource  `json:"resource,omitempty"`
	Operation []CapabilityOperation `json:"operation,omitempty"`
}

// CapabilityResource describes server support for one resource type.
type CapabilityResource struct {
	Type        string                  `json:"type"`
	SearchParam []CapabilitySearchParam `json:"searchParam,omitempty"`
	Operation   []CapabilityOperation   `json:"operation,omitempty"`
}

// CapabilitySearchParam names one supported search parameter.
type CapabilitySearchParam struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// CapabilityOperation names one supported operation.
type CapabilityOperation struct {
	Name       string `json:"name"`
	Definition string `json:"definition,omitempty"`
}

// SupportsResource reports whether any server rest block lists the
// resource type.
func (c *CapabilityStatement) SupportsResource(resourceType string) bool {
	for _, rest := range c.serverRests() {
		for _, res := range rest.Resource {
			if res.Type == resourceType {
				return true
			}
		}
	}
	return false
}

// SupportsSearchParam reports whether the resource type advertises the
// named search parameter.
func (c *CapabilityStatement) SupportsSearchParam(resourceType, param string) bool {
	for _, rest := range c.serverRests() {
		for _, res := range rest.Resource {
			if res.Type != resourceType {
				continue
			}
			for _, sp := range res.SearchParam {
				if sp.Name == param {
					return true
				}
			}
		}
	}
	return false
}

// SupportsOperation reports whether the named operation appears at the
// system level or on any resource. Names match with or without a $
// prefix.
func (c *CapabilityStatement) SupportsOperation(name string) bool {
	name = strings.TrimPrefix(name, "$")
	match := func(ops []CapabilityOperation) bool {
		for _, op := range ops {
			if strings.TrimPrefix(op.Name, "$") == name {
				return true
			}
		}
		return false
	}
	for _, rest := range c.serverRests() {
		if match(rest.Operation) {
			return true
		}
		for _, res := range rest.Resource {
			if match(res.Operation) {
				return true
			}
		}
	}
	return false
}

func (c *CapabilityStatement) serverRests() []CapabilityRest {
	var rests []CapabilityRest
	for _, rest := range c.Rest {
		if rest.Mode == "" || rest.Mode == "server" {
			rests = append(rests, rest)
		}
	}
	return rests
}

// ExportManifest is the completion document of a bulk export.
type ExportManifest struct {
	TransactionTime     string       `json:"transactionTime"`
	Request             string       `json:"request,omitempty"`
	RequiresAccessToken bool         `json:"requiresAccessToken,omitempty"`
	Output              []ExportFile `json:"output,omitempty"`
	Deleted             []ExportFile `json:"deleted,omitempty"`
	Error               []ExportFile `json:"error,omitempty"`
}

// ExportFile is one downloadable NDJSON named by a manifest.
type ExportFile struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Count int    `json:"count,omitempty"`
}
