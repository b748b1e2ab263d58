package eventlog

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event identifiers shared by the pipeline phases. Bulk events follow
// the SMART bulk-export client log vocabulary so the files can be fed
// to the same tooling; crawl and hydrate add their own identifiers in
// the same shape.
const (
	EventKickoff            = "kickoff"
	EventStatusComplete     = "status_complete"
	EventStatusPageComplete = "status_page_complete"
	EventManifestComplete   = "manifest_complete"
	EventStatusError        = "status_error"
	EventDownloadRequest    = "download_request"
	EventDownloadComplete   = "download_complete"
	EventDownloadError      = "download_error"
	EventExportWarning      = "export_warning"
	EventExportComplete     = "export_complete"

	EventCrawlPatientComplete = "crawl_patient_complete"
	EventCrawlQueryError      = "crawl_query_error"
	EventHydrateTaskComplete  = "hydrate_task_complete"
	EventHydrateError         = "hydrate_error"
)

// Log appends structured events to a sub-export's log.ndjson file.
// Every line is a single JSON object with four keys: exportId,
// timestamp, eventId, and eventDetail.
//
// Writes are best-effort. A run must not fail because its log file
// ran out of disk, so write errors are only surfaced on Close.
type Log struct {
	file   *os.File
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	exportID string
}

// Open appends to the log file at path, creating it if needed. The
// export identifier starts as a random UUID and is replaced with the
// server's poll URL once a bulk kickoff succeeds.
func Open(path string) (*Log, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	return &Log{
		file:     file,
		logger:   zerolog.New(file),
		now:      time.Now,
		exportID: uuid.NewString(),
	}, nil
}

// ExportID returns the current export identifier.
func (l *Log) ExportID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exportID
}

// SetExportID replaces the export identifier used on subsequent events.
func (l *Log) SetExportID(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exportID = id
}

// Event appends one event line. The detail value is marshalled as the
// eventDetail object; nil detail produces an explicit null.
func (l *Log) Event(eventID string, detail any) {
	l.logger.Log().
		Str("exportId", l.ExportID()).
		Str("timestamp", l.now().UTC().Format(time.RFC3339Nano)).
		Str("eventId", eventID).
		Interface("eventDetail", detail).
		Send()
}

// Close flushes the log file to disk.
func (l *Log) Close() error {
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return fmt.Errorf("syncing event log: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("closing event log: %w", err)
	}
	return nil
}
