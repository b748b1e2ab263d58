package ndjson

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"
)

// FileWriter writes one NDJSON file at a fixed path, outside the page
// numbering scheme. Deletion files and other single-file outputs use
// it. Like a page, the file lives at path.tmp until Close renames it.
type FileWriter struct {
	tmpPath   string
	finalPath string
	file      *os.File
	gz        *gzip.Writer
	lines     int64
	closed    bool
}

// NewFileWriter creates the file. Compression follows the path: a .gz
// suffix selects gzip.
func NewFileWriter(path string) (*FileWriter, error) {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", tmpPath, err)
	}
	w := &FileWriter{
		tmpPath:   tmpPath,
		finalPath: path,
		file:      file,
	}
	if strings.HasSuffix(path, ".gz") {
		w.gz = gzip.NewWriter(file)
	}
	return w, nil
}

// Write marshals the value and appends it as one line.
func (w *FileWriter) Write(v any) error {
	line, err := MarshalLine(v)
	if err != nil {
		return err
	}
	return w.WriteRaw(line)
}

// WriteRaw appends one already-encoded JSON line. A missing trailing
// newline is added.
func (w *FileWriter) WriteRaw(line []byte) error {
	if w.closed {
		return ErrWriterClosed
	}
	if !bytes.HasSuffix(line, []byte("\n")) {
		line = append(bytes.Clone(line), '\n')
	}
	if _, err := w.dest().Write(line); err != nil {
		return fmt.Errorf("write %s: %w", w.tmpPath, err)
	}
	w.lines++
	return nil
}

// Count returns the number of lines written.
func (w *FileWriter) Count() int64 {
	return w.lines
}

// Close flushes, fsyncs, and renames the file into place. An empty
// file is discarded instead.
func (w *FileWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if w.lines == 0 {
		if w.gz != nil {
			_ = w.gz.Close()
		}
		_ = w.file.Close()
		_ = os.Remove(w.tmpPath)
		return nil
	}
	if w.gz != nil {
		if err := w.gz.Close(); err != nil {
			return fmt.Errorf("flush %s: %w", w.tmpPath, err)
		}
	}
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return fmt.Errorf("sync %s: %w", w.tmpPath, err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", w.tmpPath, err)
	}
	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		return fmt.Errorf("finalise %s: %w", w.finalPath, err)
	}
	return nil
}

// Abort discards the file without renaming it into place.
func (w *FileWriter) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	if w.gz != nil {
		_ = w.gz.Close()
	}
	_ = w.file.Close()
	_ = os.Remove(w.tmpPath)
}

func (w *FileWriter) dest() io.Writer {
	if w.gz != nil {
		return w.gz
	}
	return w.file
}

// WriteFile writes every value as one line of a new NDJSON file. No
// file is created when values is empty.
func WriteFile(path string, values []any) error {
	w, err := NewFileWriter(path)
	if err != nil {
		return err
	}
	for _, v := range values {
		if err := w.Write(v); err != nil {
			w.Abort()
			return err
		}
	}
	return w.Close()
}
