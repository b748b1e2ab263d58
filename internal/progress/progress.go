// Package progress renders live run status on stderr. On an
// interactive terminal it drives a single-line bubbletea display with
// a spinner and a completion bar; anywhere else (pipes, CI, verbose
// runs) it falls back to printing a plain status line whenever the
// numbers change. The pipeline stays unaware of rendering: commands
// hand New a Source closure polling whichever stage is running, and
// the display samples it on a timer.
//
// # Import Rules
//
// progress imports no pipeline packages. Commands bridge the two by
// wrapping a stage's Progress accessor in a Source.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"
)

// Poll cadences. The screen refreshes fast enough for the spinner to
// feel alive; the plain printer stays quiet enough for a log file.
const (
	screenInterval = 200 * time.Millisecond
	plainInterval  = 5 * time.Second
)

// Snapshot is one observation of a running stage.
type Snapshot struct {
	Phase     string // verb for the line, e.g. "Downloading export files"
	Detail    string // current unit of work, e.g. the running hydration task
	Unit      string // what Done and Total count, e.g. "files" or "patients"
	Done      int64
	Total     int64 // 0 while the total is still unknown
	Resources int64 // resources written so far
	Bytes     int64 // NDJSON bytes written so far, 0 where untracked
}

// Source reports the current state of whatever stage is running. It is
// polled from the display goroutine and must be safe to call
// concurrently with the stage itself.
type Source func() Snapshot

// Display is a running status renderer.
type Display interface {
	// Start begins rendering in the background.
	Start()
	// Stop renders one final update and releases the output.
	Stop()
}

// Options selects and tunes the display.
type Options struct {
	Out      io.Writer     // defaults to os.Stderr
	Interval time.Duration // poll cadence, 0 for the mode's default
	Plain    bool          // force line output even on a terminal
	Silent   bool          // render nothing at all
}

// New picks a display for the source: nothing when silenced, the
// bubbletea screen when the output is an interactive terminal, and the
// plain printer everywhere else.
func New(source Source, opts Options) Display {
	if opts.Silent || source == nil {
		return muted{}
	}
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	interval := opts.Interval
	if opts.Plain || !isTerminal(out) {
		if interval <= 0 {
			interval = plainInterval
		}
		return &printer{source: source, out: out, interval: interval}
	}
	if interval <= 0 {
		interval = screenInterval
	}
	return newScreen(source, out, interval)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// muted renders nothing.
type muted struct{}

func (muted) Start() {}
func (muted) Stop()  {}

// printer writes one unstyled line per poll, skipping polls where
// nothing changed.
type printer struct {
	source   Source
	out      io.Writer
	interval time.Duration

	stop chan struct{}
	done chan struct{}
	last string
}

func (p *printer) Start() {
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.print()
			case <-p.stop:
				p.print()
				return
			}
		}
	}()
}

func (p *printer) Stop() {
	if p.stop == nil {
		return
	}
	close(p.stop)
	<-p.done
	p.stop = nil
}

func (p *printer) print() {
	line := formatSnapshot(p.source())
	if line == "" || line == p.last {
		return
	}
	p.last = line
	fmt.Fprintln(p.out, line)
}

// formatSnapshot renders a snapshot as one unstyled line, like
// "Downloading export files 3/17 files, 12,345 resources, 45 MB".
func formatSnapshot(s Snapshot) string {
	var b strings.Builder
	b.WriteString(s.Phase)
	if s.Detail != "" {
		fmt.Fprintf(&b, " (%s)", s.Detail)
	}
	if s.Total > 0 {
		fmt.Fprintf(&b, " %d/%d", s.Done, s.Total)
		if s.Unit != "" {
			b.WriteString(" " + s.Unit)
		}
	}
	if s.Resources > 0 {
		fmt.Fprintf(&b, ", %s resources", humanize.Comma(s.Resources))
	}
	if s.Bytes > 0 {
		fmt.Fprintf(&b, ", %s", humanize.Bytes(uint64(s.Bytes)))
	}
	return b.String()
}
