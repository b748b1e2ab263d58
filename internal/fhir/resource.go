package fhir

import (
	"strings"
	"time"
)

// TagSystem is the coding system chartpull uses for its own meta.tag
// markers on resources it has modified.
const TagSystem = "https://custodia-labs.com/chartpull/tags"

// TagHydrated marks a resource whose attachments have been inlined.
const TagHydrated = "hydrated"

// Resource is a FHIR resource as decoded from one NDJSON line.
//
// It stays a plain map so that fields the tool does not understand
// survive the trip back to disk byte-for-byte in meaning. Accessors
// below cover the handful of fields chartpull navigates by.
type Resource map[string]any

// Type returns the resourceType field, or "" when absent.
func (r Resource) Type() string {
	return stringField(r, "resourceType")
}

// ID returns the logical id, or "" when absent.
func (r Resource) ID() string {
	return stringField(r, "id")
}

// Key returns the "Type/id" pair used for de-duplication.
func (r Resource) Key() string {
	return r.Type() + "/" + r.ID()
}

// LastUpdated parses meta.lastUpdated. The second return is false when
// the field is absent or unparseable.
func (r Resource) LastUpdated() (time.Time, bool) {
	meta, ok := r["meta"].(map[string]any)
	if !ok {
		return time.Time{}, false
	}
	raw := stringField(Resource(meta), "lastUpdated")
	if raw == "" {
		return time.Time{}, false
	}
	t, err := ParseDateTime(raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// HasTag reports whether meta.tag carries the given system/code pair.
func (r Resource) HasTag(system, code string) bool {
	for _, tag := range metaTags(r) {
		if stringField(tag, "system") == system && stringField(tag, "code") == code {
			return true
		}
	}
	return false
}

// AddTag appends a system/code pair to meta.tag, creating meta as
// needed. Adding an already-present tag is a no-op.
func (r Resource) AddTag(system, code string) {
	if r.HasTag(system, code) {
		return
	}
	meta, ok := r["meta"].(map[string]any)
	if !ok {
		meta = map[string]any{}
		r["meta"] = meta
	}
	tags, _ := meta["tag"].([]any)
	meta["tag"] = append(tags, map[string]any{"system": system, "code": code})
}

func metaTags(r Resource) []Resource {
	meta, ok := r["meta"].(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := meta["tag"].([]any)
	if !ok {
		return nil
	}
	var tags []Resource
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			tags = append(tags, Resource(m))
		}
	}
	return tags
}

func stringField(r Resource, key string) string {
	s, _ := r[key].(string)
	return s
}

// Reference is the parsed form of a FHIR literal reference.
type Reference struct {
	Type string
	ID   string
}

func (ref Reference) String() string {
	return ref.Type + "/" + ref.ID
}

// ParseReference extracts the Type/ID pair from a literal reference
// value. Relative references ("Patient/123") and absolute URLs whose
// final two segments form such a pair are accepted; contained
// references ("#p1") and logical identifiers are not.
func ParseReference(raw string) (Reference, bool) {
	if raw == "" || strings.HasPrefix(raw, "#") {
		return Reference{}, false
	}
	raw = strings.TrimSuffix(raw, "/")
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	parts := strings.Split(raw, "/")
	if len(parts) < 2 {
		return Reference{}, false
	}
	// _history suffixes point at a version; step back to Type/ID.
	if len(parts) >= 4 && parts[len(parts)-2] == "_history" {
		parts = parts[:len(parts)-2]
	}
	typ, id := parts[len(parts)-2], parts[len(parts)-1]
	if typ == "" || id == "" || !isResourceTypeName(typ) {
		return Reference{}, false
	}
	return Reference{Type: typ, ID: id}, true
}

func isResourceTypeName(s string) bool {
	if s[0] < 'A' || s[0] > 'Z' {
		return false
	}
	for _, c := range s {
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
			return false
		}
	}
	return true
}

// Walk returns every value reached by following the dot-separated path
// from the given node, fanning out through arrays at each step. Missing
// segments simply contribute nothing.
func Walk(node any, path string) []any {
	nodes := []any{node}
	for _, segment := range strings.Split(path, ".") {
		var next []any
		for _, n := range nodes {
			switch v := n.(type) {
			case map[string]any:
				if child, ok := v[segment]; ok {
					next = append(next, child)
				}
			case Resource:
				if child, ok := v[segment]; ok {
					next = append(next, child)
				}
			case []any:
				for _, item := range v {
					if m, ok := item.(map[string]any); ok {
						if child, ok := m[segment]; ok {
							next = append(next, child)
						}
					}
				}
			}
		}
		nodes = next
	}
	// Flatten trailing arrays so callers always see leaf values.
	var leaves []any
	for _, n := range nodes {
		if arr, ok := n.([]any); ok {
			leaves = append(leaves, arr...)
			continue
		}
		leaves = append(leaves, n)
	}
	return leaves
}

// WalkReferences resolves the path to Reference values. The path should
// land on reference elements (maps with a "reference" field) or on raw
// reference strings.
func WalkReferences(node any, path string) []Reference {
	var refs []Reference
	for _, leaf := range Walk(node, path) {
		var raw string
		switch v := leaf.(type) {
		case string:
			raw = v
		case map[string]any:
			raw, _ = v["reference"].(string)
		}
		if ref, ok := ParseReference(raw); ok {
			refs = append(refs, ref)
		}
	}
	return refs
}

// DeletionBundle builds a single-entry transaction Bundle recording
// that the identified resource was deleted on the server. These are the
// lines written under deleted/ in a sub-export.
func DeletionBundle(resourceType, id string) Resource {
	return Resource{
		"resourceType": "Bundle",
		"type":         "transaction",
		"entry": []any{
			map[string]any{
				"request": map[string]any{
					"method": "DELETE",
					"url":    resourceType + "/" + id,
				},
			},
		},
	}
}

// DeletionTargets extracts the Type/ID pairs named by DELETE request
// entries of a history or transaction Bundle. Entries with other
// methods are ignored.
func DeletionTargets(bundle Resource) []Reference {
	if bundle.Type() != "Bundle" {
		return nil
	}
	entries, _ := bundle["entry"].([]any)
	var refs []Reference
	for _, raw := range entries {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		request, ok := entry["request"].(map[string]any)
		if !ok {
			continue
		}
		method, _ := request["method"].(string)
		if !strings.EqualFold(method, "DELETE") {
			continue
		}
		target, _ := request["url"].(string)
		if ref, ok := ParseReference(target); ok {
			refs = append(refs, ref)
		}
	}
	return refs
}
