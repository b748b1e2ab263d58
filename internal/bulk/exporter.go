package bulk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/custodia-labs/chartpull-cli/internal/client"
	"github.com/custodia-labs/chartpull-cli/internal/eventlog"
	"github.com/custodia-labs/chartpull-cli/internal/fhir"
	"github.com/custodia-labs/chartpull-cli/internal/logger"
	"github.com/custodia-labs/chartpull-cli/internal/workspace"
)

const (
	// DefaultConcurrency is the number of manifest files downloaded at
	// once.
	DefaultConcurrency = 5

	// pollFloor and pollCeiling bound a server-sent Retry-After during
	// polling. Anything outside the window is clamped rather than
	// trusted.
	pollFloor   = time.Second
	pollCeiling = 5 * time.Minute

	// pollBackoffCap bounds the doubling delay used when the server
	// sends no Retry-After at all.
	pollBackoffCap = 60 * time.Second

	// maxPollTime is how long an export may sit in the polling state
	// before the run gives up on it.
	maxPollTime = 30 * 24 * time.Hour
)

// Exporter errors.
var (
	// ErrExportExpired indicates the server discarded the export before
	// its files were collected (HTTP 410 on the status or file URLs).
	ErrExportExpired = errors.New("bulk: export expired on the server")

	// ErrNoKickoffLocation indicates a kickoff response without a
	// Content-Location header to poll.
	ErrNoKickoffLocation = errors.New("bulk: kickoff response carried no Content-Location header")

	// ErrNothingToCancel indicates a cancel request on a sub-export
	// with no recorded in-flight export.
	ErrNothingToCancel = errors.New("bulk: no in-flight export to cancel")
)

// Options configures one bulk export run.
type Options struct {
	Group       string   // optional Group ID scoping the export
	Types       []string // resource types to request
	TypeFilters []string // "Type?query" filter values
	Since       string   // _since instant, already canonicalised
	Concurrency int      // parallel downloads, default DefaultConcurrency
	RollSize    int64    // page roll threshold, default ndjson.DefaultRollSize

	// ClientName and ClientVersion identify this tool in the kickoff
	// log event.
	ClientName    string
	ClientVersion string
}

// Exporter runs the bulk export state machine against one sub-export.
type Exporter struct {
	client *client.Client
	sub    *workspace.SubExport
	log    *eventlog.Log
	opts   Options
	now    func() time.Time

	// counters feeding the export_complete event
	deletedLines int64
	errorLines   int64
	extraFiles   int64

	// live counters polled by the status display
	filesDone     atomic.Int64
	filesTotal    atomic.Int64
	liveResources atomic.Int64
	liveBytes     atomic.Int64
}

// New creates an exporter writing into the given sub-export.
func New(c *client.Client, sub *workspace.SubExport, log *eventlog.Log, opts Options) *Exporter {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Exporter{
		client: c,
		sub:    sub,
		log:    log,
		opts:   opts,
		now:    time.Now,
	}
}

// Progress reports live download counters. A zero filesTotal means the
// manifest has not arrived yet and the export is still kicking off or
// polling.
func (e *Exporter) Progress() (filesDone, filesTotal, resources, bytes int64) {
	return e.filesDone.Load(), e.filesTotal.Load(), e.liveResources.Load(), e.liveBytes.Load()
}

// Run drives the export to completion: kickoff (or resume), polling,
// downloads, and cleanup. On success the sub-export holds every
// manifest file as finalised pages, the deletion files are written,
// and the metadata records the server's transaction time for every
// requested type.
func (e *Exporter) Run(ctx context.Context) error {
	started := e.now()

	state, err := LoadState(e.sub.Metadata())
	if err != nil {
		return err
	}

	switch {
	case state.Downloaded:
		// A previous run finished every download and died during
		// finalisation. The status URL may already be deleted, so skip
		// straight past polling.
		logger.Info("All export files already on disk, finishing up")
		e.log.SetExportID(state.StatusURL)

	case state.StatusURL != "":
		logger.Info("Resuming bulk export at %s", state.StatusURL)
		e.log.SetExportID(state.StatusURL)

	default:
		if err := e.kickoff(ctx, state); err != nil {
			return err
		}
	}

	if !state.Downloaded {
		manifest, err := e.poll(ctx, state.StatusURL)
		if err != nil {
			return err
		}

		state.TransactionTime = e.transactionTime(manifest)
		if err := saveState(e.sub, state); err != nil {
			return err
		}

		if err := e.download(ctx, state, manifest); err != nil {
			return err
		}
		state.Downloaded = true
		if err := saveState(e.sub, state); err != nil {
			return err
		}
	}

	e.deleteExport(ctx, state.StatusURL)

	e.sub.Metadata().SetTransactionTimes(e.opts.Types, state.TransactionTime)
	if err := saveState(e.sub, state); err != nil {
		return err
	}

	var resources, bytes int64
	for _, file := range state.Output {
		resources += file.Lines
		bytes += file.Bytes
	}
	e.log.Event(eventlog.EventExportComplete, ExportCompleteDetail{
		Files:       int64(len(state.Output)) + e.extraFiles,
		Resources:   resources + e.deletedLines + e.errorLines,
		Bytes:       bytes,
		Attachments: nil,
		Duration:    e.now().Sub(started).Milliseconds(),
	})
	return nil
}

// kickoff starts a fresh export and stores the status URL to poll.
func (e *Exporter) kickoff(ctx context.Context, state *State) error {
	exportURL, err := KickoffURL(e.client.BaseURL(), e.opts.Group, e.opts.Types, e.opts.TypeFilters, e.opts.Since)
	if err != nil {
		return err
	}

	// The server description is log dressing; a failed metadata fetch
	// must not stop the export.
	caps, _ := e.client.Capability(ctx)
	detail := NewKickoffDetail(exportURL, caps, e.opts.ClientName, e.opts.ClientVersion)

	logger.Info("Kicking off bulk export: %s", exportURL)
	resp, err := e.client.Do(ctx, client.Request{
		Method: http.MethodPost,
		URL:    exportURL,
		Headers: map[string]string{
			"Prefer": "respond-async",
		},
	})
	if err != nil {
		detail.ErrorCode, detail.ErrorBody = errorDetails(err)
		e.log.Event(eventlog.EventKickoff, detail)
		return fmt.Errorf("bulk kickoff: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	location := resp.Header.Get("Content-Location")
	detail.ResponseHeaders = headerMap(resp.Header)
	if location == "" {
		message := ErrNoKickoffLocation.Error()
		detail.ErrorBody = &message
		e.log.Event(eventlog.EventKickoff, detail)
		return ErrNoKickoffLocation
	}
	statusURL := e.client.Resolve(location)

	e.log.Event(eventlog.EventKickoff, detail)
	e.log.SetExportID(statusURL)

	state.StatusURL = statusURL
	return saveState(e.sub, state)
}

// poll waits on the status URL until the server produces a manifest.
func (e *Exporter) poll(ctx context.Context, statusURL string) (*fhir.ExportManifest, error) {
	deadline := e.now().Add(maxPollTime)
	backoff := pollFloor

	for {
		resp, err := e.client.Do(ctx, client.Request{
			Method: http.MethodGet,
			URL:    statusURL,
			Accept: "application/json",
		})
		if err != nil {
			e.logStatusError(err)
			if client.IsGone(err) {
				return nil, fmt.Errorf("%w: %w", ErrExportExpired, err)
			}
			return nil, fmt.Errorf("bulk status poll: %w", err)
		}

		if resp.StatusCode == http.StatusAccepted {
			progress := resp.Header.Get("X-Progress")
			wait := client.ParseRetryAfter(resp, 0)
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if wait > 0 {
				wait = clamp(wait, pollFloor, pollCeiling)
			} else {
				wait = backoff
				backoff = min(backoff*2, pollBackoffCap)
			}
			if progress != "" {
				logger.Info("Export in progress (%s), next check in %s", progress, wait)
			} else {
				logger.Info("Export in progress, next check in %s", wait)
			}

			if e.now().Add(wait).After(deadline) {
				return nil, fmt.Errorf("bulk export still not ready after %s", maxPollTime)
			}
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		var manifest fhir.ExportManifest
		err = json.NewDecoder(resp.Body).Decode(&manifest)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decode export manifest: %w", err)
		}

		e.log.Event(eventlog.EventStatusComplete, StatusCompleteDetail{
			TransactionTime: manifest.TransactionTime,
		})
		e.log.Event(eventlog.EventStatusPageComplete, manifestDetail{
			TransactionTime:  manifest.TransactionTime,
			OutputFileCount:  len(manifest.Output),
			DeletedFileCount: len(manifest.Deleted),
			ErrorFileCount:   len(manifest.Error),
		})
		e.log.Event(eventlog.EventManifestComplete, manifestCompleteDetail{
			TransactionTime:       manifest.TransactionTime,
			TotalOutputFileCount:  len(manifest.Output),
			TotalDeletedFileCount: len(manifest.Deleted),
			TotalErrorFileCount:   len(manifest.Error),
			TotalManifests:        1,
		})
		return &manifest, nil
	}
}

func (e *Exporter) logStatusError(err error) {
	code, body := errorDetails(err)
	e.log.Event(eventlog.EventStatusError, statusErrorDetail{
		Body:            body,
		Code:            code,
		Message:         err.Error(),
		ResponseHeaders: map[string]string{},
	})
}

// transactionTime canonicalises the manifest's transaction time. A
// missing or malformed value falls back to the current instant, which
// over-fetches on the next incremental run rather than missing data.
func (e *Exporter) transactionTime(manifest *fhir.ExportManifest) string {
	if manifest.TransactionTime != "" {
		if t, err := fhir.ParseDateTime(manifest.TransactionTime); err == nil {
			return fhir.FormatInstant(t)
		}
		logger.Error("Server sent unparseable transactionTime %q, using current time", manifest.TransactionTime)
	}
	return fhir.FormatInstant(e.now())
}

// deleteExport tells the server the export's files are no longer
// needed. Failure is recorded but never fails the run.
func (e *Exporter) deleteExport(ctx context.Context, statusURL string) {
	resp, err := e.client.Do(ctx, client.Request{
		Method: http.MethodDelete,
		URL:    statusURL,
	})
	if err != nil {
		logger.Warn("Could not clean up export on the server: %v", err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// Cancel aborts the in-flight export recorded in a sub-export's bulk
// state, releasing the server-side job.
func Cancel(ctx context.Context, c *client.Client, sub *workspace.SubExport) error {
	state, err := LoadState(sub.Metadata())
	if err != nil {
		return err
	}
	if state.StatusURL == "" {
		return ErrNothingToCancel
	}

	resp, err := c.Do(ctx, client.Request{Method: http.MethodDelete, URL: state.StatusURL})
	if err != nil {
		return fmt.Errorf("cancel bulk export: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	return saveState(sub, &State{})
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
