// Package organize materializes the target folder tree: one folder per
// canonical case ID, copies of source items under normalized names, and a
// complete canonical metadata write on every copy.
package organize

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"slidewrangler/internal/archive"
	"slidewrangler/internal/extract"
	"slidewrangler/internal/reconcile"
)

// Status is the terminal disposition of one pipeline run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Options configure one run.
type Options struct {
	// TargetParentID is the folder or collection receiving the case folders.
	TargetParentID string
	ParentType     archive.ParentType
	// Template names the copies; see extract.Expand for the placeholder set.
	Template string
	// SyncAll copies every item instead of only modified ones. Forced on when
	// every target folder is empty (first run).
	SyncAll bool
}

// ItemError records a per-item failure; the run continues past it.
type ItemError struct {
	ItemID string `json:"itemId"`
	Name   string `json:"name,omitempty"`
	Error  string `json:"error"`
}

// Progress is emitted per item with the canonical-case:name label.
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Label   string `json:"label"`
}

// Result is the structured terminal record of a run.
type Result struct {
	Status            Status      `json:"status"`
	Processed         int         `json:"processed"`
	Success           int         `json:"success"`
	Errors            []ItemError `json:"errors,omitempty"`
	SkippedDuplicates []string    `json:"skippedDuplicates,omitempty"`
	CreatedFolders    []string    `json:"createdFolders,omitempty"`
	Warnings          []string    `json:"warnings,omitempty"`
	Err               error       `json:"-"`
}

// Pipeline runs organize passes against a store and archive client.
type Pipeline struct {
	store     *reconcile.Store
	client    archive.Client
	metrics   reconcile.MetricsRecorder
	now       func() time.Time
	cancelled atomic.Bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetricsRecorder attaches a metrics sink for run observations.
func WithMetricsRecorder(m reconcile.MetricsRecorder) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithClock overrides the time source used for metadata timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// New builds a pipeline.
func New(store *reconcile.Store, client archive.Client, opts ...Option) *Pipeline {
	p := &Pipeline{store: store, client: client, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Cancel requests a cooperative stop; the in-flight item completes.
func (p *Pipeline) Cancel() {
	p.cancelled.Store(true)
}

// Run executes one organize pass and blocks until the terminal result.
func (p *Pipeline) Run(ctx context.Context, opts Options) (Result, error) {
	p.cancelled.Store(false)
	if opts.ParentType == "" {
		opts.ParentType = archive.ParentFolder
	}
	started := p.now()
	result := p.run(ctx, opts)
	if p.metrics != nil {
		p.metrics.Observe(ctx, "organize.run", result.Status == StatusCompleted, p.now().Sub(started))
	}
	return result, result.Err
}

func (p *Pipeline) run(ctx context.Context, opts Options) Result {
	result := Result{Status: StatusCompleted}
	items := p.store.Items()

	// Distinct canonical case IDs in insertion order; empty and the literal
	// unknown never get folders.
	var caseIDs []string
	seen := make(map[string]bool)
	for _, it := range items {
		c := it.Canon.CanonicalCaseID
		if c == "" || c == "unknown" || seen[c] {
			continue
		}
		seen[c] = true
		caseIDs = append(caseIDs, c)
	}

	// Folder phase completes before any copy.
	preExisting := make(map[string]bool)
	existing, err := p.client.ListFolders(ctx, opts.TargetParentID, opts.ParentType)
	if err != nil {
		return failed(result, fmt.Errorf("list target folders: %w", err))
	}
	for _, f := range existing {
		preExisting[f.Name] = true
	}
	folders, err := p.client.EnsureFolders(ctx, opts.TargetParentID, caseIDs, opts.ParentType)
	if err != nil {
		return failed(result, fmt.Errorf("ensure case folders: %w", err))
	}
	for _, name := range caseIDs {
		if !preExisting[name] {
			result.CreatedFolders = append(result.CreatedFolders, name)
		}
	}

	// First-run detection: nothing organized yet means everything syncs.
	syncAll := opts.SyncAll
	if !syncAll {
		firstRun := true
		for _, name := range caseIDs {
			contents, err := p.client.ListItems(ctx, folders[name].ID, archive.ParentFolder)
			if err != nil {
				return failed(result, fmt.Errorf("inspect folder %s: %w", name, err))
			}
			if len(contents) > 0 {
				firstRun = false
				break
			}
		}
		if firstRun {
			syncAll = true
		}
	}

	// Work set, preserving insertion order.
	modified := make(map[string]bool)
	for _, id := range p.store.ListModified() {
		modified[id] = true
	}
	var work []reconcile.Item
	for _, it := range items {
		if syncAll || modified[it.ID] {
			work = append(work, it)
		}
	}

	p.store.EmitSync("organize.started", nil, Progress{Total: len(work)})
	progress := Progress{Total: len(work)}

	for _, it := range work {
		if p.cancelled.Load() || ctx.Err() != nil {
			result.Status = StatusCancelled
			break
		}
		progress.Current++

		caseID := it.Canon.CanonicalCaseID
		folder, ok := folders[caseID]
		if !ok || caseID == "" || caseID == "unknown" {
			// Hard skip: copies without a canonical folder would break the
			// canonical-name guarantee.
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("%s (%s): no canonical case folder, skipped", it.ID, it.Name))
			continue
		}

		newName := extract.Expand(opts.Template, templateValues(it))
		label := caseID + ":" + newName

		contents, err := p.client.ListItems(ctx, folder.ID, archive.ParentFolder)
		if err != nil {
			result.Errors = append(result.Errors, ItemError{ItemID: it.ID, Name: it.Name, Error: err.Error()})
			p.store.EmitSync("organize.progress", []string{it.ID}, progressWithLabel(progress, label))
			continue
		}
		duplicate := false
		for _, existing := range contents {
			if existing.Name == newName {
				duplicate = true
				break
			}
		}
		if duplicate {
			result.SkippedDuplicates = append(result.SkippedDuplicates, label)
			p.store.EmitSync("organize.progress", []string{it.ID}, progressWithLabel(progress, label))
			continue
		}

		result.Processed++
		copied, err := p.client.CopyItem(ctx, it.ID, folder.ID, newName)
		if err != nil {
			if archive.IsAuth(err) {
				return failed(result, fmt.Errorf("copy %s: %w", it.ID, err))
			}
			result.Errors = append(result.Errors, ItemError{ItemID: it.ID, Name: it.Name, Error: err.Error()})
			p.store.EmitSync("organize.progress", []string{it.ID}, progressWithLabel(progress, label))
			continue
		}

		// The copy's metadata write completes before the next item begins.
		patch := reconcile.CanonicalMeta(it, p.now())
		if _, err := p.client.UpdateItemMetadata(ctx, copied.ID, patch); err != nil {
			if archive.IsAuth(err) {
				return failed(result, fmt.Errorf("metadata on copy of %s: %w", it.ID, err))
			}
			result.Errors = append(result.Errors, ItemError{ItemID: it.ID, Name: it.Name, Error: err.Error()})
			p.store.EmitSync("organize.progress", []string{it.ID}, progressWithLabel(progress, label))
			continue
		}
		result.Success++
		p.store.EmitSync("organize.progress", []string{it.ID}, progressWithLabel(progress, label))
	}

	switch result.Status {
	case StatusCompleted:
		p.store.EmitSync("organize.completed", nil, result)
	case StatusCancelled:
		p.store.EmitSync("organize.cancelled", nil, result)
	}
	return result
}

func failed(result Result, err error) Result {
	result.Status = StatusFailed
	result.Err = err
	return result
}

func progressWithLabel(p Progress, label string) Progress {
	p.Label = label
	return p
}

// templateValues maps the item's canon onto the template placeholders. The
// protocol placeholders take the first element of the assignment lists.
func templateValues(it reconcile.Item) extract.TemplateValues {
	values := extract.TemplateValues{
		CanonicalCaseID: it.Canon.CanonicalCaseID,
		Region:          it.Canon.LocalRegionID,
		Stain:           it.Canon.LocalStainID,
		OriginalName:    it.Name,
	}
	if len(it.Canon.StainProtocolRefs) > 0 {
		values.StainProtocol = it.Canon.StainProtocolRefs[0]
	}
	if len(it.Canon.RegionProtocolRefs) > 0 {
		values.RegionProtocol = it.Canon.RegionProtocolRefs[0]
	}
	return values
}
