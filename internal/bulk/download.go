package bulk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/custodia-labs/chartpull-cli/internal/client"
	"github.com/custodia-labs/chartpull-cli/internal/eventlog"
	"github.com/custodia-labs/chartpull-cli/internal/fhir"
	"github.com/custodia-labs/chartpull-cli/internal/logger"
	"github.com/custodia-labs/chartpull-cli/internal/ndjson"
)

// Manifest item categories, as logged in download events.
const (
	itemOutput  = "output"
	itemDeleted = "deleted"
	itemError   = "error"
)

type fileJob struct {
	file  fhir.ExportFile
	state *FileState
}

// download collects every file the manifest names. Output files of
// different types download in parallel up to the concurrency budget;
// files of the same type run in manifest order so their pages stay
// contiguous. Deleted and error files are small and are swept
// sequentially afterwards.
func (e *Exporter) download(ctx context.Context, state *State, manifest *fhir.ExportManifest) error {
	writer := e.sub.Writer(e.opts.RollSize)
	defer writer.Close()

	// Materialise state entries for every manifest file first; taking
	// pointers while appending would leave some pointing at stale
	// backing arrays.
	for _, file := range manifest.Output {
		state.fileFor(file)
	}
	byType := map[string][]*fileJob{}
	var order []string
	for _, file := range manifest.Output {
		if _, ok := byType[file.Type]; !ok {
			order = append(order, file.Type)
		}
		byType[file.Type] = append(byType[file.Type], &fileJob{file: file, state: state.fileFor(file)})
	}
	e.filesTotal.Store(int64(len(manifest.Output)))

	var mu sync.Mutex // guards state mutation and metadata writes

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for _, resourceType := range order {
		jobs := byType[resourceType]
		g.Go(func() error {
			e.pruneStrayPages(resourceType, jobs)
			for _, job := range jobs {
				if err := e.downloadFile(gctx, writer, job, state, &mu); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	if err := e.processDeleted(ctx, state, manifest); err != nil {
		return err
	}
	e.reportErrorFiles(ctx, manifest)
	return nil
}

// pruneStrayPages removes pages of a type that no state entry accounts
// for. These are survivors of a run that crashed after finalising a
// page but before recording it; left in place they would duplicate the
// rows of the file about to be re-downloaded.
func (e *Exporter) pruneStrayPages(resourceType string, jobs []*fileJob) {
	recorded := map[string]bool{}
	for _, job := range jobs {
		for _, page := range job.state.Pages {
			recorded[page.Name] = true
		}
	}
	pages, err := e.sub.Pages(resourceType)
	if err != nil {
		return
	}
	for _, path := range pages {
		if !recorded[filepath.Base(path)] {
			logger.Debug("Removing unrecorded page %s from interrupted run", filepath.Base(path))
			_ = os.Remove(path)
		}
	}
}

func (e *Exporter) downloadFile(ctx context.Context, writer *ndjson.Writer, job *fileJob, state *State, mu *sync.Mutex) error {
	resourceType := job.file.Type
	fs := job.state

	if fs.intact(e.sub.Dir()) {
		logger.Debug("Skipping %s, already on disk", job.file.URL)
		e.filesDone.Add(1)
		e.liveResources.Add(fs.Lines)
		e.liveBytes.Add(fs.Bytes)
		return nil
	}

	// Partial earlier attempt: drop its recorded pages and restart the
	// file from the top.
	mu.Lock()
	for _, page := range fs.Pages {
		_ = os.Remove(filepath.Join(e.sub.Dir(), page.Name))
	}
	fs.Done, fs.Lines, fs.Bytes, fs.Pages = false, 0, 0, nil
	mu.Unlock()

	e.log.Event(eventlog.EventDownloadRequest, downloadRequestDetail{
		FileURL:      job.file.URL,
		ItemType:     itemOutput,
		ResourceType: resourceType,
	})

	before := len(typePages(writer.Finalised(), resourceType))

	resp, err := e.client.Fetch(ctx, job.file.URL, client.AcceptNDJSON)
	if err != nil {
		return e.downloadFailed(writer, resourceType, job.file.URL, err)
	}
	lines, size, err := copyLines(resp.Body, func(line []byte) error {
		e.liveResources.Add(1)
		e.liveBytes.Add(int64(len(line)) + 1)
		return writer.WriteRaw(resourceType, line)
	})
	resp.Body.Close()
	if err != nil {
		return e.downloadFailed(writer, resourceType, job.file.URL, err)
	}
	if err := writer.Cut(resourceType); err != nil {
		return e.downloadFailed(writer, resourceType, job.file.URL, err)
	}

	finalised := typePages(writer.Finalised(), resourceType)
	var pages []PageInfo
	for _, path := range finalised[before:] {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat finalised page: %w", err)
		}
		pages = append(pages, PageInfo{Name: filepath.Base(path), Size: info.Size()})
	}

	mu.Lock()
	fs.Done, fs.Lines, fs.Bytes, fs.Pages = true, lines, size, pages
	err = saveState(e.sub, state)
	mu.Unlock()
	if err != nil {
		return err
	}

	e.filesDone.Add(1)
	e.log.Event(eventlog.EventDownloadComplete, downloadCompleteDetail{
		FileURL:       job.file.URL,
		ResourceCount: lines,
		FileSize:      size,
	})
	logger.Info("Downloaded %s file with %d resources", resourceType, lines)
	return nil
}

func (e *Exporter) downloadFailed(writer *ndjson.Writer, resourceType, fileURL string, err error) error {
	if writer != nil {
		_ = writer.Discard(resourceType)
	}
	code, body := errorDetails(err)
	e.log.Event(eventlog.EventDownloadError, downloadErrorDetail{
		FileURL: fileURL,
		Body:    body,
		Code:    code,
		Message: err.Error(),
	})
	return fmt.Errorf("download %s: %w", fileURL, err)
}

// processDeleted turns the manifest's deleted entries, history Bundles
// naming resources removed on the server, into per-type deletion files
// under deleted/. The whole sweep re-runs from scratch on resume; the
// files are tiny and the rewrite is atomic.
func (e *Exporter) processDeleted(ctx context.Context, state *State, manifest *fhir.ExportManifest) error {
	if len(manifest.Deleted) == 0 || state.DeletedDone {
		return nil
	}

	targets := map[string][]string{}
	seen := map[string]bool{}
	for _, file := range manifest.Deleted {
		e.log.Event(eventlog.EventDownloadRequest, downloadRequestDetail{
			FileURL:      file.URL,
			ItemType:     itemDeleted,
			ResourceType: file.Type,
		})
		resp, err := e.client.Fetch(ctx, file.URL, client.AcceptNDJSON)
		if err != nil {
			return e.downloadFailed(nil, file.Type, file.URL, err)
		}
		lines, size, err := copyLines(resp.Body, func(line []byte) error {
			var bundle fhir.Resource
			if json.Unmarshal(line, &bundle) != nil {
				logger.Warn("Skipping malformed deletion bundle from %s", file.URL)
				return nil
			}
			for _, ref := range fhir.DeletionTargets(bundle) {
				if key := ref.String(); !seen[key] {
					seen[key] = true
					targets[ref.Type] = append(targets[ref.Type], ref.ID)
				}
			}
			return nil
		})
		resp.Body.Close()
		if err != nil {
			return e.downloadFailed(nil, file.Type, file.URL, err)
		}
		e.extraFiles++
		e.deletedLines += lines
		e.log.Event(eventlog.EventDownloadComplete, downloadCompleteDetail{
			FileURL:       file.URL,
			ResourceCount: lines,
			FileSize:      size,
		})
	}

	for _, resourceType := range slices.Sorted(maps.Keys(targets)) {
		bundles := make([]any, 0, len(targets[resourceType]))
		for _, id := range targets[resourceType] {
			bundles = append(bundles, fhir.DeletionBundle(resourceType, id))
		}
		if err := e.sub.WriteDeleted(resourceType, bundles); err != nil {
			return err
		}
		logger.Info("Recorded %d deleted %s resources", len(bundles), resourceType)
	}

	state.DeletedDone = true
	return saveState(e.sub, state)
}

// reportErrorFiles fetches the manifest's error entries, OperationOutcome
// NDJSON describing problems the server hit while exporting, and
// surfaces each issue as a warning. Errors here never fail the run;
// the clinical data already downloaded is still good.
func (e *Exporter) reportErrorFiles(ctx context.Context, manifest *fhir.ExportManifest) {
	for _, file := range manifest.Error {
		e.log.Event(eventlog.EventDownloadRequest, downloadRequestDetail{
			FileURL:      file.URL,
			ItemType:     itemError,
			ResourceType: file.Type,
		})
		resp, err := e.client.Fetch(ctx, file.URL, client.AcceptNDJSON)
		if err != nil {
			code, body := errorDetails(err)
			e.log.Event(eventlog.EventDownloadError, downloadErrorDetail{
				FileURL: file.URL,
				Body:    body,
				Code:    code,
				Message: err.Error(),
			})
			logger.Warn("Could not fetch export error file %s: %v", file.URL, err)
			continue
		}
		lines, size, err := copyLines(resp.Body, func(line []byte) error {
			e.reportOutcome(file.URL, line)
			return nil
		})
		resp.Body.Close()
		if err != nil {
			logger.Warn("Could not read export error file %s: %v", file.URL, err)
			continue
		}
		e.extraFiles++
		e.errorLines += lines
		e.log.Event(eventlog.EventDownloadComplete, downloadCompleteDetail{
			FileURL:       file.URL,
			ResourceCount: lines,
			FileSize:      size,
		})
	}
}

func (e *Exporter) reportOutcome(fileURL string, line []byte) {
	var outcome fhir.OperationOutcome
	if json.Unmarshal(line, &outcome) != nil || outcome.ResourceType != "OperationOutcome" {
		return
	}
	for _, issue := range outcome.Issue {
		text := issue.Diagnostics
		if text == "" {
			text = issue.Details.Text
		}
		if text == "" {
			text = issue.Code
		}
		logger.Error("Server reported %s during export: %s", issue.Severity, text)
		e.log.Event(eventlog.EventExportWarning, exportWarningDetail{
			FileURL:  fileURL,
			Severity: issue.Severity,
			Message:  text,
		})
	}
}

// typePages filters a finalised-pages list down to one resource type,
// preserving order.
func typePages(paths []string, resourceType string) []string {
	var out []string
	for _, path := range paths {
		if typ, _, ok := ndjson.ParsePageName(filepath.Base(path)); ok && typ == resourceType {
			out = append(out, path)
		}
	}
	return out
}

// copyLines feeds each non-blank NDJSON line of r to write, returning
// the line count and uncompressed byte size.
func copyLines(r io.Reader, write func(line []byte) error) (lines, size int64, err error) {
	// Lines hold whole resources and can be large, so read unbounded
	// rather than with a token-capped scanner.
	buf := bufio.NewReaderSize(r, 1<<20)
	for {
		raw, readErr := buf.ReadBytes('\n')
		line := bytes.TrimSpace(raw)
		if len(line) > 0 {
			if err := write(line); err != nil {
				return lines, size, err
			}
			lines++
			size += int64(len(line)) + 1
		}
		if readErr == io.EOF {
			return lines, size, nil
		}
		if readErr != nil {
			return lines, size, readErr
		}
	}
}
