package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/custodia-labs/chartpull-cli/internal/fhir"
)

// LockFile guards a workspace against concurrent runs.
const LockFile = ".lock"

var (
	// ErrLocked indicates another run holds the workspace lock.
	ErrLocked = errors.New("workspace is in use by another run")
	// ErrParamsMismatch indicates an in-progress sub-export whose
	// recorded parameters differ from the current invocation.
	ErrParamsMismatch = errors.New("in-progress sub-export was started with different parameters")
	// ErrNoMetadata indicates a numbered directory without a readable
	// metadata.json, usually the debris of an interrupted first write.
	ErrNoMetadata = errors.New("sub-export has no metadata.json")
)

// Workspace is an open, locked export directory. Exactly one process
// may hold a workspace at a time; the advisory lock is released on
// Close and by the OS if the process dies.
type Workspace struct {
	root string
	lock *os.File
	now  func() time.Time
}

// Open creates the workspace directory if needed and takes its lock.
// It fails with ErrLocked when another process holds the directory.
func Open(root string) (*Workspace, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", root, err)
	}

	lock, err := os.OpenFile(filepath.Join(root, LockFile), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open workspace lock: %w", err)
	}
	if err := lockFile(lock); err != nil {
		lock.Close()
		if errors.Is(err, ErrLocked) {
			return nil, fmt.Errorf("workspace %s: %w", root, err)
		}
		return nil, fmt.Errorf("lock workspace %s: %w", root, err)
	}

	return &Workspace{root: root, lock: lock, now: time.Now}, nil
}

// Close releases the workspace lock.
func (w *Workspace) Close() error {
	if w.lock == nil {
		return nil
	}
	err := unlockFile(w.lock)
	if cerr := w.lock.Close(); err == nil {
		err = cerr
	}
	w.lock = nil
	return err
}

// Root returns the workspace directory path.
func (w *Workspace) Root() string { return w.root }

// SubExports lists the workspace's sub-exports in sequence order.
func (w *Workspace) SubExports() ([]*SubExport, error) {
	return ListSubExports(w.root)
}

// InProgress returns the sub-export still marked incomplete, or nil.
// A directory with no metadata at all counts as in-progress since its
// state is unknown. More than one incomplete sub-export means the
// directory was tampered with and is reported as an error.
func (w *Workspace) InProgress() (*SubExport, error) {
	subs, err := w.SubExports()
	if err != nil {
		return nil, err
	}
	var open *SubExport
	for _, sub := range subs {
		if sub.Complete() {
			continue
		}
		if open != nil {
			return nil, fmt.Errorf("multiple in-progress sub-exports: %s and %s", open.Name(), sub.Name())
		}
		open = sub
	}
	return open, nil
}

// LatestComplete returns the highest-numbered completed sub-export, or
// nil when none has completed. Incremental runs read their since dates
// from it.
func (w *Workspace) LatestComplete() (*SubExport, error) {
	subs, err := w.SubExports()
	if err != nil {
		return nil, err
	}
	for i := len(subs) - 1; i >= 0; i-- {
		if subs[i].Complete() {
			return subs[i], nil
		}
	}
	return nil, nil
}

// Ensure returns the sub-export the current invocation should write
// into. An in-progress sub-export with structurally equal parameters is
// resumed; one with different parameters is an error so a typo cannot
// silently mix two exports. Otherwise a fresh directory is created at
// the next sequence number.
func (w *Workspace) Ensure(params Params) (sub *SubExport, resumed bool, err error) {
	open, err := w.InProgress()
	if err != nil {
		return nil, false, err
	}
	if open != nil {
		if open.Metadata() == nil {
			return nil, false, fmt.Errorf("%s: %w; delete the directory to start over", open.Name(), ErrNoMetadata)
		}
		if !open.Metadata().Params.Equal(params) {
			return nil, false, fmt.Errorf("%s: %w; finish or delete it first", open.Name(), ErrParamsMismatch)
		}
		return open, true, nil
	}

	sub, err = w.create(params)
	if err != nil {
		return nil, false, err
	}
	return sub, false, nil
}

// Resume returns the named in-progress sub-export regardless of the
// current flags, taking its recorded parameters as authoritative.
func (w *Workspace) Resume(name string) (*SubExport, error) {
	subs, err := w.SubExports()
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		if sub.Name() != name {
			continue
		}
		if sub.Metadata() == nil {
			return nil, fmt.Errorf("%s: %w", name, ErrNoMetadata)
		}
		if sub.Complete() {
			return nil, fmt.Errorf("sub-export %s already completed", name)
		}
		return sub, nil
	}
	return nil, fmt.Errorf("no sub-export named %s", name)
}

func (w *Workspace) create(params Params) (*SubExport, error) {
	label, err := w.newLabel(params.Nickname)
	if err != nil {
		return nil, err
	}

	subs, err := w.SubExports()
	if err != nil {
		return nil, err
	}
	seq := 1
	if len(subs) > 0 {
		seq = subs[len(subs)-1].Seq() + 1
	}

	sub := &SubExport{root: w.root, seq: seq, label: label}
	if err := os.Mkdir(sub.Dir(), 0o755); err != nil {
		return nil, fmt.Errorf("create sub-export %s: %w", sub.Name(), err)
	}

	sub.meta = &Metadata{
		Params:  params.Normalised(),
		Started: fhir.FormatInstant(w.now()),
	}
	if err := sub.Save(); err != nil {
		return nil, err
	}
	return sub, nil
}

// newLabel derives the directory label: the nickname when given, the
// UTC date otherwise.
func (w *Workspace) newLabel(nickname string) (string, error) {
	if nickname == "" {
		return w.now().UTC().Format("2006-01-02"), nil
	}
	if strings.ContainsAny(nickname, `/\`) || nickname == "." || nickname == ".." {
		return "", fmt.Errorf("nickname %q is not usable as a directory name", nickname)
	}
	return nickname, nil
}
