package hydrate

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/custodia-labs/chartpull-cli/internal/client"
	"github.com/custodia-labs/chartpull-cli/internal/eventlog"
	"github.com/custodia-labs/chartpull-cli/internal/fhir"
	"github.com/custodia-labs/chartpull-cli/internal/logger"
	"github.com/custodia-labs/chartpull-cli/internal/ndjson"
	"github.com/custodia-labs/chartpull-cli/internal/workspace"
)

const (
	// DefaultWorkers is the number of reference downloads in flight per
	// step.
	DefaultWorkers = 8

	// DefaultAttachmentWorkers is the number of parallel attachment
	// fetches. Attachment bodies come off note servers that tolerate
	// less load than the FHIR endpoint.
	DefaultAttachmentWorkers = 4
)

// errStorage marks local write failures, which abort the run instead
// of being absorbed as per-fetch failures.
var errStorage = errors.New("hydrate: storage error")

// Options configures one hydration run.
type Options struct {
	Tasks     []string // task names, empty or "all" for every task
	Mimetypes []string // attachment types to inline, default text/plain and text/html
	Force     bool     // rerun tasks already marked complete

	Workers           int   // default DefaultWorkers
	AttachmentWorkers int   // default DefaultAttachmentWorkers
	RollSize          int64 // page roll threshold, default ndjson.DefaultRollSize
}

// Runner executes hydration tasks against one sub-export.
type Runner struct {
	client *client.Client
	sub    *workspace.SubExport
	log    *eventlog.Log
	opts   Options
	now    func() time.Time

	mimetypes map[string]bool
	writer    *ndjson.Writer
	pools     *refPool

	currentTask atomic.Value // string
	items       atomic.Int64
}

// New creates a runner operating on the given sub-export.
func New(c *client.Client, sub *workspace.SubExport, log *eventlog.Log, opts Options) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.AttachmentWorkers <= 0 {
		opts.AttachmentWorkers = DefaultAttachmentWorkers
	}
	allowed := opts.Mimetypes
	if len(allowed) == 0 {
		allowed = []string{"text/plain", "text/html"}
	}
	mimetypes := make(map[string]bool, len(allowed))
	for _, entry := range allowed {
		for _, name := range strings.Split(entry, ",") {
			name = strings.TrimSpace(strings.ToLower(name))
			if name != "" {
				mimetypes[name] = true
			}
		}
	}
	return &Runner{
		client:    c,
		sub:       sub,
		log:       log,
		opts:      opts,
		now:       time.Now,
		mimetypes: mimetypes,
	}
}

// taskRun is one task's accounting for the duration of a run.
type taskRun struct {
	Task
	count    atomic.Int64 // newly downloaded resources or inlined attachments
	failures atomic.Int64
	started  string
}

// Progress reports the task currently running and the number of items
// hydrated so far.
func (r *Runner) Progress() (task string, items int64) {
	name, _ := r.currentTask.Load().(string)
	return name, r.items.Load()
}

// Run executes the selected tasks. Steps are iterated until no step
// produces a resource type the run has not processed yet, so resources
// downloaded by one task get hydrated by the others. Fetch failures
// are absorbed and leave their task unmarked so a rerun retries it;
// only cancellation and storage errors propagate.
func (r *Runner) Run(ctx context.Context) error {
	tasks, err := Select(r.opts.Tasks)
	if err != nil {
		return err
	}

	meta := r.sub.Metadata()
	if meta == nil {
		return fmt.Errorf("hydrate: %s has no metadata", r.sub.Name())
	}
	var runs []*taskRun
	for _, task := range tasks {
		if !r.opts.Force && meta.HydrationState(task.Name).Complete {
			logger.Info("Skipping %s hydration, already complete", task.Name)
			continue
		}
		runs = append(runs, &taskRun{Task: task})
	}
	if len(runs) == 0 {
		logger.Info("Every hydration task is already complete")
		return nil
	}

	r.writer = r.sub.Writer(r.opts.RollSize)
	r.pools = newRefPool(r.sub)

	loop, err := r.presentTypes()
	if err != nil {
		return err
	}
	done := make(map[string]bool)
	for len(loop) > 0 {
		for name := range loop {
			done[name] = true
		}
		next := make(map[string]bool)
		for _, run := range runs {
			r.currentTask.Store(run.Name)
			for _, step := range run.Steps {
				if !loop[step.Input] {
					continue
				}
				if run.started == "" {
					run.started = fhir.FormatInstant(r.now())
				}
				produced, err := r.runStep(ctx, run, step)
				if err != nil {
					r.writer.Close()
					return err
				}
				if produced > 0 && !done[step.Output] {
					next[step.Output] = true
				}
			}
		}
		loop = next
	}

	if err := r.writer.Close(); err != nil {
		return fmt.Errorf("%w: %v", errStorage, err)
	}
	return r.checkpoint(runs)
}

// checkpoint records every task's outcome in the metadata. A task is
// only marked complete when none of its fetches finally failed.
func (r *Runner) checkpoint(runs []*taskRun) error {
	finished := fhir.FormatInstant(r.now())
	meta := r.sub.Metadata()
	for _, run := range runs {
		started := run.started
		if started == "" {
			started = finished
		}
		failures := int(run.failures.Load())
		count := int(run.count.Load())
		meta.SetHydrationState(run.Name, workspace.TaskState{
			Complete: failures == 0,
			Count:    count,
			Started:  started,
			Finished: finished,
		})
		r.log.Event(eventlog.EventHydrateTaskComplete, taskCompleteDetail{
			Task:     run.Name,
			Count:    count,
			Failures: failures,
		})
		if failures > 0 {
			logger.Error("Hydration task %s had %d failed fetches; rerun to retry", run.Name, failures)
		} else {
			logger.Info("Hydration task %s done, %d items", run.Name, count)
		}
	}
	return r.sub.Save()
}

// presentTypes returns the resource types with pages on disk, which
// seeds the first loop iteration.
func (r *Runner) presentTypes() (map[string]bool, error) {
	pages, err := r.sub.AllPages()
	if err != nil {
		return nil, err
	}
	types := make(map[string]bool)
	for _, page := range pages {
		if resourceType, _, ok := ndjson.ParsePageName(filepath.Base(page)); ok {
			types[resourceType] = true
		}
	}
	return types, nil
}

func (r *Runner) runStep(ctx context.Context, run *taskRun, step Step) (int64, error) {
	if run.Inline {
		return r.runInlineStep(ctx, run, step)
	}
	return r.runDownloadStep(ctx, run, step)
}

// runDownloadStep walks one step's input pages and downloads the
// missing resources they reference, a bounded number at a time.
func (r *Runner) runDownloadStep(ctx context.Context, run *taskRun, step Step) (int64, error) {
	inputs, err := r.sub.Pages(step.Input)
	if err != nil {
		return 0, err
	}
	if len(inputs) == 0 {
		return 0, nil
	}
	if err := r.pools.load(step.Output); err != nil {
		return 0, err
	}
	logger.Debug("Hydrating %s references found in %s pages", step.Output, step.Input)

	var produced atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)

	scanErr := ndjson.ScanFiles(inputs, func(line ndjson.Line) error {
		if gctx.Err() != nil {
			return gctx.Err()
		}
		res := line.Resource
		if step.Search != "" {
			id := res.ID()
			if id == "" {
				return nil
			}
			g.Go(func() error {
				return r.searchLinked(gctx, run, step, id, &produced)
			})
			return nil
		}
		for _, ref := range stepRefs(res, step) {
			if !r.pools.claim(ref) {
				continue
			}
			g.Go(func() error {
				return r.fetchChain(gctx, run, step, ref, &produced)
			})
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if scanErr != nil {
		return 0, scanErr
	}

	// Later steps scan this type's pages, so finalise the open one.
	if produced.Load() > 0 {
		if err := r.writer.Cut(step.Output); err != nil {
			return 0, fmt.Errorf("%w: %v", errStorage, err)
		}
	}
	return produced.Load(), nil
}

// fetchChain downloads one claimed reference and, for self-referential
// steps, everything it links onward to. The pool claim per reference
// keeps chains loop-free.
func (r *Runner) fetchChain(ctx context.Context, run *taskRun, step Step, first fhir.Reference, produced *atomic.Int64) error {
	queue := []fhir.Reference{first}
	for len(queue) > 0 {
		ref := queue[0]
		queue = queue[1:]

		res, err := r.client.GetResource(ctx, ref.String())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.recordFetchError(run, ref.String(), err)
			continue
		}
		if res.Type() != step.Output {
			r.recordFetchError(run, ref.String(), fmt.Errorf("expected a %s but the server sent a %s", step.Output, res.Type()))
			continue
		}
		if err := r.write(run, step.Output, res, produced); err != nil {
			return err
		}
		if step.Input == step.Output {
			for _, next := range stepRefs(res, step) {
				if r.pools.claim(next) {
					queue = append(queue, next)
				}
			}
		}
	}
	return nil
}

// searchLinked runs the step's reverse search for one input resource
// and writes every result not already on disk.
func (r *Runner) searchLinked(ctx context.Context, run *taskRun, step Step, id string, produced *atomic.Int64) error {
	query := step.Search + url.QueryEscape(id)
	err := r.client.Search(ctx, query, func(bundle *fhir.Bundle) error {
		for _, res := range bundle.Resources() {
			if res.Type() != step.Output || res.ID() == "" {
				continue
			}
			if !r.pools.claim(fhir.Reference{Type: step.Output, ID: res.ID()}) {
				continue
			}
			if err := r.write(run, step.Output, res, produced); err != nil {
				return err
			}
		}
		return nil
	})
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, errStorage):
		return err
	default:
		r.recordFetchError(run, query, err)
	}
	return nil
}

func (r *Runner) write(run *taskRun, resourceType string, res fhir.Resource, produced *atomic.Int64) error {
	if err := r.writer.Write(resourceType, res); err != nil {
		return fmt.Errorf("%w: %v", errStorage, err)
	}
	run.count.Add(1)
	r.items.Add(1)
	produced.Add(1)
	return nil
}

// recordFetchError logs one failed download. References that are
// simply gone from the server are omitted without counting against
// the task; anything else leaves the task incomplete.
func (r *Runner) recordFetchError(run *taskRun, target string, err error) {
	code, body := errorDetails(err)
	r.log.Event(eventlog.EventHydrateError, errorDetail{
		Task: run.Name,
		URL:  target,
		Code: code,
		Body: body,
	})
	if client.IsNotFound(err) || client.IsGone(err) {
		logger.Warn("Skipping missing reference %s", target)
		return
	}
	logger.Error("Hydration fetch failed for %s: %v", target, err)
	run.failures.Add(1)
}

// stepRefs extracts the step's references of the output type from one
// input resource.
func stepRefs(res fhir.Resource, step Step) []fhir.Reference {
	var out []fhir.Reference
	for _, path := range step.Refs {
		for _, ref := range fhir.WalkReferences(res, path) {
			if ref.Type == step.Output {
				out = append(out, ref)
			}
		}
	}
	return out
}

// refPool tracks which resources of each type are already on disk or
// claimed by an in-flight download. Claims are made before fetching so
// two workers never download the same resource.
type refPool struct {
	sub *workspace.SubExport

	mu     sync.Mutex
	byType map[string]map[string]bool
}

func newRefPool(sub *workspace.SubExport) *refPool {
	return &refPool{sub: sub, byType: make(map[string]map[string]bool)}
}

// load seeds the pool for one type from its finalised pages. Loading
// an already-loaded type is a no-op, so claims survive across steps.
func (p *refPool) load(resourceType string) error {
	p.mu.Lock()
	loaded := p.byType[resourceType] != nil
	p.mu.Unlock()
	if loaded {
		return nil
	}

	ids := make(map[string]bool)
	pages, err := p.sub.Pages(resourceType)
	if err != nil {
		return err
	}
	if err := ndjson.ScanFiles(pages, func(line ndjson.Line) error {
		if id := line.Resource.ID(); id != "" {
			ids[id] = true
		}
		return nil
	}); err != nil {
		return err
	}

	p.mu.Lock()
	p.byType[resourceType] = ids
	p.mu.Unlock()
	return nil
}

// claim reserves one reference, reporting whether it was free. The
// type must have been loaded first.
func (p *refPool) claim(ref fhir.Reference) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := p.byType[ref.Type]
	if ids == nil {
		ids = make(map[string]bool)
		p.byType[ref.Type] = ids
	}
	if ids[ref.ID] {
		return false
	}
	ids[ref.ID] = true
	return true
}
