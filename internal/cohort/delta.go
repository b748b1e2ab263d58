package cohort

import (
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/custodia-labs/chartpull-cli/internal/fhir"
	"github.com/custodia-labs/chartpull-cli/internal/logger"
	"github.com/custodia-labs/chartpull-cli/internal/ndjson"
	"github.com/custodia-labs/chartpull-cli/internal/workspace"
)

// reconcile compares the cohort against the previous patient export in
// the workspace, filling New and Removed and recording removals under
// deleted/. A workspace whose history cannot be read only loses the
// comparison, not the export.
func (r *Resolver) reconcile(cohort *Cohort, links map[string][]string) error {
	prevIDs, prevLinks, found, err := r.previousPatients()
	if err != nil {
		logger.Warn("Skipping cohort comparison: %s", err)
		return nil
	}
	if !found {
		return nil
	}

	prev := make(map[string]bool, len(prevIDs))
	for _, id := range prevIDs {
		prev[id] = true
	}
	current := make(map[string]bool, len(cohort.IDs))
	for _, id := range cohort.IDs {
		current[id] = true
		if !prev[id] {
			cohort.New[id] = true
		}
	}
	for _, id := range prevIDs {
		if !current[id] {
			cohort.Removed = append(cohort.Removed, id)
		}
	}
	slices.Sort(cohort.Removed)

	// A patient that absorbed another record since last time counts as
	// new, so the crawl refreshes resources that may have been
	// repointed at the surviving id.
	for id, replaced := range links {
		if !current[id] {
			continue
		}
		old := prevLinks[id]
		for _, rep := range replaced {
			if !slices.Contains(old, rep) {
				cohort.New[id] = true
				break
			}
		}
	}

	if len(cohort.New) > 0 {
		logger.Info("New patients since the last export: %d", len(cohort.New))
	}
	if len(cohort.Removed) > 0 {
		logger.Info("Patients removed since the last export: %d", len(cohort.Removed))
		if err := r.recordRemoved(cohort.Removed); err != nil {
			return err
		}
	}
	return nil
}

// previousPatients finds the most recent prior sub-export that
// exported patients and returns its ids and replaces-links. found is
// false when no prior sub-export recorded a Patient transaction time.
func (r *Resolver) previousPatients() (ids []string, links map[string][]string, found bool, err error) {
	subs, err := r.ws.SubExports()
	if err != nil {
		return nil, nil, false, err
	}
	for i := len(subs) - 1; i >= 0; i-- {
		prior := subs[i]
		if prior.Seq() >= r.sub.Seq() {
			continue
		}
		meta := prior.Metadata()
		if meta == nil || meta.TransactionTimes[patientType] == "" {
			continue
		}
		pages, err := prior.Pages(patientType)
		if err != nil {
			return nil, nil, false, err
		}
		ids, links, err = readPatientPages(pages)
		if err != nil {
			return nil, nil, false, err
		}
		return ids, links, true, nil
	}
	return nil, nil, false, nil
}

// recordRemoved writes deletion bundles for removed patients, keeping
// any patient deletions already recorded this run. Group resolution
// may have filed server-side deletions from the bulk manifest first.
func (r *Resolver) recordRemoved(removed []string) error {
	ids := make(map[string]bool, len(removed))
	for _, id := range removed {
		ids[id] = true
	}

	path := r.sub.DeletedPath(patientType)
	if _, err := os.Stat(path); err == nil {
		err := ndjson.ScanFile(path, func(line ndjson.Line) error {
			for _, ref := range fhir.DeletionTargets(line.Resource) {
				if ref.Type == patientType {
					ids[ref.ID] = true
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	bundles := make([]any, 0, len(ids))
	for _, id := range sortedKeys(ids) {
		bundles = append(bundles, fhir.DeletionBundle(patientType, id))
	}
	return r.sub.WriteDeleted(patientType, bundles)
}

// NewPatientsFor returns the patients a crawl of one resource type
// should treat as new: those flagged on the current sub-export plus
// any flagged on sub-exports since the type was last exported. A
// patient that appeared two runs ago is still new for a type those
// runs never fetched.
func NewPatientsFor(ws *workspace.Workspace, sub *workspace.SubExport, resourceType string) (map[string]bool, error) {
	out := make(map[string]bool)
	if meta := sub.Metadata(); meta != nil {
		for _, id := range meta.NewPatients {
			out[id] = true
		}
	}

	subs, err := ws.SubExports()
	if err != nil {
		return nil, err
	}
	for i := len(subs) - 1; i >= 0; i-- {
		prior := subs[i]
		if prior.Seq() >= sub.Seq() {
			continue
		}
		meta := prior.Metadata()
		if meta == nil {
			continue
		}
		if meta.TransactionTimes[resourceType] != "" {
			break
		}
		for _, id := range meta.NewPatients {
			out[id] = true
		}
	}
	return out, nil
}

// readPatientPages collects patient ids and their replaces-links from
// NDJSON pages.
func readPatientPages(pages []string) ([]string, map[string][]string, error) {
	seen := make(map[string]bool)
	links := make(map[string][]string)
	err := ndjson.ScanFiles(pages, func(line ndjson.Line) error {
		res := line.Resource
		if res.Type() != patientType || res.ID() == "" {
			return nil
		}
		seen[res.ID()] = true
		if replaced := replacedLinks(res); len(replaced) > 0 {
			links[res.ID()] = append(links[res.ID()], replaced...)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return sortedKeys(seen), links, nil
}

// replacedLinks returns the ids of patient records this one replaces,
// read from link entries of type "replaces".
func replacedLinks(res fhir.Resource) []string {
	raw, _ := res["link"].([]any)
	var out []string
	for _, item := range raw {
		link, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if t, _ := link["type"].(string); t != "replaces" {
			continue
		}
		other, _ := link["other"].(map[string]any)
		target, _ := other["reference"].(string)
		if ref, ok := fhir.ParseReference(target); ok && ref.Type == patientType {
			out = append(out, ref.ID)
		}
	}
	return out
}

// readWorkspacePatients loads patient ids from another workspace. The
// directory may hold Patient pages directly or be a workspace root, in
// which case the newest sub-export with Patient pages is used.
func readWorkspacePatients(dir string) ([]string, map[string][]string, error) {
	pages, err := ndjson.Pages(dir, patientType)
	if err != nil {
		return nil, nil, err
	}
	if len(pages) > 0 {
		return readPatientPages(pages)
	}

	subs, err := workspace.ListSubExports(dir)
	if err != nil {
		return nil, nil, err
	}
	for i := len(subs) - 1; i >= 0; i-- {
		pages, err := subs[i].Pages(patientType)
		if err != nil {
			return nil, nil, err
		}
		if len(pages) > 0 {
			return readPatientPages(pages)
		}
	}
	return nil, nil, fmt.Errorf("no %s pages found under %s", patientType, dir)
}

func sortedKeys(set map[string]bool) []string {
	return slices.Sorted(maps.Keys(set))
}
