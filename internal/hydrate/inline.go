package hydrate

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/custodia-labs/chartpull-cli/internal/fhir"
	"github.com/custodia-labs/chartpull-cli/internal/logger"
	"github.com/custodia-labs/chartpull-cli/internal/ndjson"
)

// attachmentState classifies one attachment for the inline task.
type attachmentState int

const (
	attachmentSkip      attachmentState = iota // nothing to fetch
	attachmentOtherType                        // type outside the allow list
	attachmentDone                             // data already present
	attachmentFetch                            // eligible for download
)

// inlineJob identifies one attachment to download, by its owning
// resource and its position in that resource's attachment list.
type inlineJob struct {
	key    string
	index  int
	url    string
	accept string
}

type inlineResult struct {
	data        string
	contentType string
	size        int
	hash        string
}

// runInlineStep inlines eligible attachments for one resource type,
// page by page. Each page is scanned for work, the attachments are
// fetched, and the page is swapped for a copy carrying the content.
// Pages with nothing to fetch are left byte-identical.
func (r *Runner) runInlineStep(ctx context.Context, run *taskRun, step Step) (int64, error) {
	pages, err := r.sub.Pages(step.Input)
	if err != nil {
		return 0, err
	}
	for _, page := range pages {
		if err := r.inlinePage(ctx, run, page); err != nil {
			return 0, err
		}
	}
	// Rewriting in place adds no resources for later steps to scan.
	return 0, nil
}

func (r *Runner) inlinePage(ctx context.Context, run *taskRun, page string) error {
	var jobs []inlineJob
	err := ndjson.ScanFile(page, func(line ndjson.Line) error {
		res := line.Resource
		if res.HasTag(fhir.TagSystem, fhir.TagHydrated) {
			return nil
		}
		for i, att := range attachmentsOf(res) {
			switch accept, state := classifyAttachment(att, r.mimetypes); state {
			case attachmentFetch:
				target, _ := att["url"].(string)
				jobs = append(jobs, inlineJob{key: res.Key(), index: i, url: target, accept: accept})
			case attachmentOtherType:
				logger.Debug("Not inlining %s attachment of %s", accept, res.Key())
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}
	logger.Debug("Inlining %d attachments from %s", len(jobs), page)

	results := make(map[string]map[int]inlineResult)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.AttachmentWorkers)
	for _, job := range jobs {
		g.Go(func() error {
			content, err := r.fetchAttachment(gctx, job)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				r.recordFetchError(run, job.url, err)
				return nil
			}
			mu.Lock()
			if results[job.key] == nil {
				results[job.key] = make(map[int]inlineResult)
			}
			results[job.key][job.index] = content
			mu.Unlock()
			run.count.Add(1)
			r.items.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if len(results) == 0 {
		return nil
	}

	err = ndjson.Rewrite(page, func(value map[string]any) (map[string]any, error) {
		res := fhir.Resource(value)
		fetched := results[res.Key()]
		if len(fetched) == 0 {
			return value, nil
		}
		atts := attachmentsOf(res)
		for index, content := range fetched {
			if index >= len(atts) {
				continue
			}
			att := atts[index]
			att["data"] = content.data
			att["contentType"] = content.contentType
			att["size"] = content.size
			att["hash"] = content.hash
		}
		// Tag the resource once no fetchable attachments remain, so
		// reruns skip it without re-examining each attachment.
		remaining := false
		for _, att := range atts {
			if _, state := classifyAttachment(att, r.mimetypes); state == attachmentFetch {
				remaining = true
				break
			}
		}
		if !remaining {
			res.AddTag(fhir.TagSystem, fhir.TagHydrated)
		}
		return value, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errStorage, err)
	}
	return nil
}

// fetchAttachment downloads one attachment body. The Accept header
// carries the attachment's own media type so servers return raw
// content rather than a Binary resource.
func (r *Runner) fetchAttachment(ctx context.Context, job inlineJob) (inlineResult, error) {
	resp, err := r.client.Fetch(ctx, job.url, job.accept)
	if err != nil {
		return inlineResult{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return inlineResult{}, err
	}
	// Attachment.hash is defined as the SHA-1 of the data.
	digest := sha1.Sum(body)
	return inlineResult{
		data:        base64.StdEncoding.EncodeToString(body),
		contentType: job.accept + "; charset=" + responseCharset(resp),
		size:        len(body),
		hash:        base64.StdEncoding.EncodeToString(digest[:]),
	}, nil
}

// responseCharset reports the charset the server declared for a
// response body, defaulting to utf-8.
func responseCharset(resp *http.Response) string {
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err == nil {
		if cs := params["charset"]; cs != "" {
			return strings.ToLower(cs)
		}
	}
	return "utf-8"
}

// attachmentsOf returns the mutable attachment nodes of a resource, in
// a stable order shared by the scan and rewrite passes.
func attachmentsOf(res fhir.Resource) []map[string]any {
	var out []map[string]any
	switch res.Type() {
	case fhir.TypeDocumentReference:
		content, _ := res["content"].([]any)
		for _, entry := range content {
			node, _ := entry.(map[string]any)
			if node == nil {
				continue
			}
			if att, _ := node["attachment"].(map[string]any); att != nil {
				out = append(out, att)
			}
		}
	case fhir.TypeDiagnosticReport:
		forms, _ := res["presentedForm"].([]any)
		for _, entry := range forms {
			if att, _ := entry.(map[string]any); att != nil {
				out = append(out, att)
			}
		}
	}
	return out
}

// classifyAttachment decides what the inline task should do with one
// attachment, returning the media type to request when fetchable.
func classifyAttachment(att map[string]any, allowed map[string]bool) (string, attachmentState) {
	contentType, _ := att["contentType"].(string)
	if contentType == "" {
		return "", attachmentSkip
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", attachmentSkip
	}
	mediaType = strings.ToLower(mediaType)
	if !allowed[mediaType] {
		return mediaType, attachmentOtherType
	}
	if _, ok := att["data"]; ok {
		return "", attachmentDone
	}
	if target, _ := att["url"].(string); target == "" {
		return "", attachmentSkip
	}
	return mediaType, attachmentFetch
}
