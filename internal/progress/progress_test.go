package progress

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticSource(s Snapshot) Source {
	return func() Snapshot { return s }
}

func TestNew_SilentRendersNothing(t *testing.T) {
	var buf bytes.Buffer
	d := New(staticSource(Snapshot{Phase: "Exporting"}), Options{Out: &buf, Silent: true})

	require.IsType(t, muted{}, d)
	d.Start()
	d.Stop()
	assert.Empty(t, buf.String())
}

func TestNew_NilSourceRendersNothing(t *testing.T) {
	d := New(nil, Options{})

	assert.IsType(t, muted{}, d)
}

func TestNew_PlainForNonTerminalOutput(t *testing.T) {
	d := New(staticSource(Snapshot{}), Options{Out: &bytes.Buffer{}})

	assert.IsType(t, &printer{}, d)
}

func TestNew_PlainForced(t *testing.T) {
	d := New(staticSource(Snapshot{}), Options{Out: &bytes.Buffer{}, Plain: true})

	assert.IsType(t, &printer{}, d)
}

func TestFormatSnapshot(t *testing.T) {
	tests := []struct {
		name string
		snap Snapshot
		want string
	}{
		{
			name: "phase only",
			snap: Snapshot{Phase: "Waiting for the server"},
			want: "Waiting for the server",
		},
		{
			name: "counts and sizes",
			snap: Snapshot{
				Phase:     "Downloading export files",
				Unit:      "files",
				Done:      3,
				Total:     17,
				Resources: 12345,
				Bytes:     1500000,
			},
			want: "Downloading export files 3/17 files, 12,345 resources, 1.5 MB",
		},
		{
			name: "detail without totals",
			snap: Snapshot{Phase: "Hydrating", Detail: "medications", Resources: 42},
			want: "Hydrating (medications), 42 resources",
		},
		{
			name: "total without unit",
			snap: Snapshot{Phase: "Crawling", Done: 1, Total: 2},
			want: "Crawling 1/2",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatSnapshot(tt.snap))
		})
	}
}

func TestPrinter_SkipsUnchangedLines(t *testing.T) {
	var buf bytes.Buffer
	resources := int64(1)
	p := &printer{
		source: func() Snapshot { return Snapshot{Phase: "Crawling", Resources: resources} },
		out:    &buf,
	}

	p.print()
	p.print()
	resources = 2
	p.print()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "Crawling, 1 resources", lines[0])
	assert.Equal(t, "Crawling, 2 resources", lines[1])
}

func TestPrinter_StopPrintsFinalLine(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{
		source:   staticSource(Snapshot{Phase: "Crawling", Resources: 7}),
		out:      &buf,
		interval: time.Hour,
	}

	p.Start()
	p.Stop()

	assert.Equal(t, "Crawling, 7 resources\n", buf.String())

	// A second Stop is a no-op.
	p.Stop()
	assert.Equal(t, "Crawling, 7 resources\n", buf.String())
}
