package ndjson

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// DefaultRollSize is the uncompressed page size at which the writer
// rolls to a fresh page file.
const DefaultRollSize int64 = 1 << 30 // 1 GiB

// ErrWriterClosed indicates a write after Close.
var ErrWriterClosed = errors.New("ndjson: writer is closed")

// Writer writes resources into size-bounded NDJSON pages, one rolling
// file per resource type, inside a single directory.
//
// A page lives at Type.NNN.ndjson[.gz].tmp while open and is renamed
// to its final name only after a flush and fsync, so readers of the
// directory only ever see complete pages. Page numbering continues
// after any pages already present, which is what lets resumed and
// hydrated runs append without clobbering earlier output.
type Writer struct {
	dir      string
	compress bool
	rollSize int64

	mu        sync.Mutex
	streams   map[string]*stream
	finalised []string
	counts    map[string]int64
	closed    bool
}

type stream struct {
	resourceType string
	tmpPath      string
	finalPath    string
	file         *os.File
	gz           *gzip.Writer
	written      int64 // uncompressed bytes in the open page
	lines        int64
}

// NewWriter creates a writer rooted at dir. A rollSize of zero or
// below selects DefaultRollSize.
func NewWriter(dir string, compress bool, rollSize int64) *Writer {
	if rollSize <= 0 {
		rollSize = DefaultRollSize
	}
	return &Writer{
		dir:      dir,
		compress: compress,
		rollSize: rollSize,
		streams:  make(map[string]*stream),
		counts:   make(map[string]int64),
	}
}

// Dir returns the directory the writer fills.
func (w *Writer) Dir() string {
	return w.dir
}

// Write marshals the resource and appends it to the page for the given
// resource type.
func (w *Writer) Write(resourceType string, resource any) error {
	line, err := MarshalLine(resource)
	if err != nil {
		return fmt.Errorf("marshal %s line: %w", resourceType, err)
	}
	return w.WriteRaw(resourceType, line)
}

// WriteRaw appends one already-encoded JSON line, preserving the bytes
// exactly as received. A missing trailing newline is added.
func (w *Writer) WriteRaw(resourceType string, line []byte) error {
	if !bytes.HasSuffix(line, []byte("\n")) {
		line = append(bytes.Clone(line), '\n')
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}

	s, ok := w.streams[resourceType]
	if !ok {
		var err error
		if s, err = w.open(resourceType); err != nil {
			return err
		}
		w.streams[resourceType] = s
	}

	// Roll before the write that would cross the threshold. A single
	// oversized line still lands whole in its own page.
	if s.written > 0 && s.written+int64(len(line)) > w.rollSize {
		rolled, err := w.roll(s)
		if err != nil {
			return err
		}
		s = rolled
	}

	if _, err := s.dest().Write(line); err != nil {
		return fmt.Errorf("write %s page: %w", resourceType, err)
	}
	s.written += int64(len(line))
	s.lines++
	w.counts[resourceType]++
	return nil
}

// Counts returns the number of lines written per resource type across
// all pages of this writer.
func (w *Writer) Counts() map[string]int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]int64, len(w.counts))
	for k, v := range w.counts {
		out[k] = v
	}
	return out
}

// Finalised returns the page paths renamed into place so far, in
// completion order.
func (w *Writer) Finalised() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.finalised...)
}

// Cut finalises the open page for one resource type, so the next write
// for that type starts a fresh page. Cutting a type with no open page
// is a no-op. Bulk downloads cut between server files so that every
// finished file is fully on disk before the next one starts.
func (w *Writer) Cut(resourceType string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	s, ok := w.streams[resourceType]
	if !ok {
		return nil
	}
	delete(w.streams, resourceType)
	return w.finalise(s)
}

// Discard abandons the open page for one resource type, removing its
// temporary file without finalising it. Pages already rolled to their
// final names are kept. Callers discard when a download dies partway
// so the fragment cannot be mistaken for a complete page.
func (w *Writer) Discard(resourceType string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.streams[resourceType]
	if !ok {
		return nil
	}
	delete(w.streams, resourceType)
	if s.gz != nil {
		_ = s.gz.Close()
	}
	_ = s.file.Close()
	return os.Remove(s.tmpPath)
}

// Close finalises every open page. Empty pages are discarded rather
// than renamed. Close keeps going through errors and returns the first
// one it met.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var firstErr error
	for _, s := range w.streams {
		if err := w.finalise(s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.streams = nil
	return firstErr
}

func (w *Writer) open(resourceType string) (*stream, error) {
	index, err := nextPageIndex(w.dir, resourceType)
	if err != nil {
		return nil, err
	}
	return w.openAt(resourceType, index)
}

func (w *Writer) openAt(resourceType string, index int) (*stream, error) {
	name := fmt.Sprintf("%s.%03d.ndjson", resourceType, index)
	if w.compress {
		name += ".gz"
	}
	finalPath := filepath.Join(w.dir, name)
	tmpPath := finalPath + ".tmp"

	file, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("create page %s: %w", tmpPath, err)
	}
	s := &stream{
		resourceType: resourceType,
		tmpPath:      tmpPath,
		finalPath:    finalPath,
		file:         file,
	}
	if w.compress {
		s.gz = gzip.NewWriter(file)
	}
	return s, nil
}

func (w *Writer) roll(s *stream) (*stream, error) {
	if err := w.finalise(s); err != nil {
		return nil, err
	}
	_, index, _ := ParsePageName(filepath.Base(s.finalPath))
	next, err := w.openAt(s.resourceType, index+1)
	if err != nil {
		return nil, err
	}
	w.streams[s.resourceType] = next
	return next, nil
}

func (w *Writer) finalise(s *stream) error {
	if s.lines == 0 {
		if s.gz != nil {
			_ = s.gz.Close()
		}
		_ = s.file.Close()
		_ = os.Remove(s.tmpPath)
		return nil
	}
	if s.gz != nil {
		if err := s.gz.Close(); err != nil {
			return fmt.Errorf("flush page %s: %w", s.tmpPath, err)
		}
	}
	if err := s.file.Sync(); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("sync page %s: %w", s.tmpPath, err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close page %s: %w", s.tmpPath, err)
	}
	if err := os.Rename(s.tmpPath, s.finalPath); err != nil {
		return fmt.Errorf("finalise page %s: %w", s.finalPath, err)
	}
	w.finalised = append(w.finalised, s.finalPath)
	return nil
}

func (s *stream) dest() io.Writer {
	if s.gz != nil {
		return s.gz
	}
	return s.file
}

// Page indices are 1-based: the first page of a type is Type.001.
func nextPageIndex(dir, resourceType string) (int, error) {
	pages, err := Pages(dir, resourceType)
	if err != nil {
		return 0, err
	}
	if len(pages) == 0 {
		return 1, nil
	}
	_, last, _ := ParsePageName(filepath.Base(pages[len(pages)-1]))
	return last + 1, nil
}

// MarshalLine encodes v as one NDJSON line with a trailing newline.
// HTML characters are left unescaped so narrative content survives
// byte-comparison with what servers send.
func MarshalLine(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Rewrite atomically replaces one page file, passing each parseable
// resource through fn. The transformed page is written beside the
// original and swapped in with a rename after fsync. Lines that do not
// parse are copied through untouched.
func Rewrite(path string, fn func(resource map[string]any) (map[string]any, error)) error {
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer in.Close()

	compressed := filepath.Ext(path) == ".gz"
	var reader io.Reader = in
	if compressed {
		gzr, err := gzip.NewReader(in)
		if err != nil {
			return fmt.Errorf("open gzip %s: %w", path, err)
		}
		defer gzr.Close()
		reader = gzr
	}

	tmpPath := path + ".tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmpPath, err)
	}
	defer func() {
		if out != nil {
			_ = out.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	var dest io.Writer = out
	var gzw *gzip.Writer
	if compressed {
		gzw = gzip.NewWriter(out)
		dest = gzw
	}

	if err := rewriteLines(reader, dest, fn); err != nil {
		return fmt.Errorf("rewrite %s: %w", path, err)
	}

	if gzw != nil {
		if err := gzw.Close(); err != nil {
			return fmt.Errorf("flush %s: %w", tmpPath, err)
		}
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", tmpPath, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpPath, err)
	}
	out = nil
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("swap %s: %w", path, err)
	}
	return nil
}

func rewriteLines(r io.Reader, dest io.Writer, fn func(map[string]any) (map[string]any, error)) error {
	buf := bytes.Buffer{}
	reader := newLineReader(r)
	for {
		raw, last, err := reader.next()
		if err != nil {
			return err
		}
		line := bytes.TrimSpace(raw)
		if len(line) > 0 {
			var resource map[string]any
			if json.Unmarshal(line, &resource) != nil {
				buf.Write(line)
				buf.WriteByte('\n')
			} else {
				replaced, err := fn(resource)
				if err != nil {
					return err
				}
				if replaced == nil {
					replaced = resource
				}
				encoded, err := MarshalLine(replaced)
				if err != nil {
					return err
				}
				buf.Write(encoded)
			}
			if _, err := dest.Write(buf.Bytes()); err != nil {
				return err
			}
			buf.Reset()
		}
		if last {
			return nil
		}
	}
}

type lineReader struct {
	buf *bufio.Reader
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{buf: bufio.NewReaderSize(r, 1<<20)}
}

// next returns the next raw line. last is true once the underlying
// reader is exhausted.
func (lr *lineReader) next() (line []byte, last bool, err error) {
	line, err = lr.buf.ReadBytes('\n')
	if err == io.EOF {
		return line, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return line, false, nil
}
