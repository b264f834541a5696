// Package export renders the reconciled item table to downloadable
// artifacts. Requests queue onto a single background worker; each job writes
// one artifact per requested format into blob storage and leaves a status
// record plus an audit trail.
package export

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"slidewrangler/internal/blob"
	"slidewrangler/internal/reconcile"
)

// Status describes the lifecycle stage of an export request.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Format selects an artifact encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// Artifact captures one stored table rendering.
type Artifact struct {
	Key         string    `json:"key"`
	Format      Format    `json:"format"`
	ContentType string    `json:"contentType"`
	SizeBytes   int64     `json:"sizeBytes"`
	Rows        int       `json:"rows"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Record tracks one export request and its resulting artifacts.
type Record struct {
	ID          string     `json:"id"`
	Formats     []Format   `json:"formats"`
	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	Artifacts   []Artifact `json:"artifacts,omitempty"`
	RequestedBy string     `json:"requestedBy,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Input is an enqueue request.
type Input struct {
	Formats     []Format
	RequestedBy string
	Reason      string
}

// AuditEntry is one line of the export audit trail.
type AuditEntry struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	Actor      string         `json:"actor,omitempty"`
	ExportID   string         `json:"exportId"`
	Status     Status         `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// AuditLogger records export audit entries.
type AuditLogger interface {
	Record(ctx context.Context, entry AuditEntry)
}

// Worker executes table exports asynchronously.
type Worker struct {
	table *reconcile.Store
	blobs blob.Store
	audit AuditLogger
	now   func() time.Time

	queue chan string
	mu    sync.RWMutex
	jobs  map[string]*Record

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker constructs an export worker over the item table and a blob store.
func NewWorker(table *reconcile.Store, blobs blob.Store, audit AuditLogger) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		table:  table,
		blobs:  blobs,
		audit:  audit,
		now:    time.Now,
		queue:  make(chan string, 32),
		jobs:   make(map[string]*Record),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins processing queued exports.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop signals the worker to halt and waits for the in-flight job.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case id := <-w.queue:
			w.process(id)
		}
	}
}

// Enqueue schedules an export and returns the queued record snapshot.
func (w *Worker) Enqueue(ctx context.Context, input Input) (Record, error) {
	formats := input.Formats
	if len(formats) == 0 {
		formats = []Format{FormatCSV, FormatJSON}
	}
	uniq := make([]Format, 0, len(formats))
	seen := make(map[Format]bool)
	for _, f := range formats {
		if seen[f] {
			continue
		}
		if f != FormatCSV && f != FormatJSON {
			return Record{}, fmt.Errorf("unsupported export format %s", f)
		}
		uniq = append(uniq, f)
		seen[f] = true
	}

	now := w.now().UTC()
	record := Record{
		ID:          newID(),
		Formats:     uniq,
		Status:      StatusQueued,
		RequestedBy: input.RequestedBy,
		Reason:      input.Reason,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	w.mu.Lock()
	w.jobs[record.ID] = &record
	snapshot := record.clone()
	w.mu.Unlock()

	w.record(ctx, record.ID, StatusQueued, nil)

	select {
	case w.queue <- record.ID:
	default:
		w.fail(record.ID, "export queue full")
		return Record{}, fmt.Errorf("export queue full")
	}
	return snapshot, nil
}

// Get returns a snapshot of the export record.
func (w *Worker) Get(id string) (Record, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	record, ok := w.jobs[id]
	if !ok {
		return Record{}, false
	}
	return record.clone(), true
}

// List returns snapshots of every known record, newest first.
func (w *Worker) List() []Record {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Record, 0, len(w.jobs))
	for _, record := range w.jobs {
		out = append(out, record.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (w *Worker) process(id string) {
	w.mu.RLock()
	record, ok := w.jobs[id]
	var formats []Format
	if ok {
		formats = append([]Format(nil), record.Formats...)
	}
	w.mu.RUnlock()
	if !ok {
		return
	}

	w.setStatus(id, StatusRunning, "")
	w.record(w.ctx, id, StatusRunning, nil)

	table := buildTable(w.table.Items())
	artifacts := make([]Artifact, 0, len(formats))
	for _, format := range formats {
		payload, contentType, err := render(format, table)
		if err != nil {
			w.fail(id, err.Error())
			return
		}
		key := fmt.Sprintf("exports/%s/table.%s", id, format)
		info, err := w.blobs.Put(w.ctx, key, bytes.NewReader(payload), blob.PutOptions{
			ContentType: contentType,
			Metadata:    map[string]string{"export": id},
		})
		if err != nil {
			w.fail(id, fmt.Sprintf("store artifact: %v", err))
			return
		}
		artifacts = append(artifacts, Artifact{
			Key:         info.Key,
			Format:      format,
			ContentType: contentType,
			SizeBytes:   info.Size,
			Rows:        len(table.rows),
			CreatedAt:   info.LastModified,
		})
	}
	w.complete(id, artifacts)
}

func (w *Worker) setStatus(id string, status Status, message string) {
	now := w.now().UTC()
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		record.Status = status
		record.Error = message
		record.UpdatedAt = now
	}
	w.mu.Unlock()
}

func (w *Worker) complete(id string, artifacts []Artifact) {
	now := w.now().UTC()
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		record.Status = StatusSucceeded
		record.Error = ""
		record.Artifacts = artifacts
		record.UpdatedAt = now
		record.CompletedAt = &now
	}
	w.mu.Unlock()
	w.record(w.ctx, id, StatusSucceeded, map[string]any{"artifacts": len(artifacts)})
}

func (w *Worker) fail(id, reason string) {
	now := w.now().UTC()
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		record.Status = StatusFailed
		record.Error = reason
		record.UpdatedAt = now
		record.CompletedAt = &now
	}
	w.mu.Unlock()
	w.record(w.ctx, id, StatusFailed, map[string]any{"error": reason})
}

func (w *Worker) record(ctx context.Context, id string, status Status, metadata map[string]any) {
	if w.audit == nil {
		return
	}
	w.mu.RLock()
	var actor, reason string
	if record, ok := w.jobs[id]; ok {
		actor = record.RequestedBy
		reason = record.Reason
	}
	w.mu.RUnlock()
	w.audit.Record(ctx, AuditEntry{
		ID:         newID(),
		Action:     "table_export",
		Actor:      actor,
		ExportID:   id,
		Status:     status,
		Reason:     reason,
		Metadata:   metadata,
		OccurredAt: w.now().UTC(),
	})
}

// table is the flattened rendering of the item list: fixed canonical columns
// followed by the sorted union of raw attribute keys.
type table struct {
	columns []string
	rows    [][]string
}

var canonColumns = []string{
	"itemId", "name",
	reconcile.FieldLocalCaseID, reconcile.FieldLocalStainID,
	reconcile.FieldLocalRegionID, reconcile.FieldCanonicalCaseID,
	"stainProtocols", "regionProtocols", "lastModified",
}

func buildTable(items []reconcile.Item) table {
	rawKeys := make(map[string]bool)
	for _, it := range items {
		for k := range it.Raw {
			rawKeys[k] = true
		}
	}
	sortedRaw := make([]string, 0, len(rawKeys))
	for k := range rawKeys {
		sortedRaw = append(sortedRaw, k)
	}
	sort.Strings(sortedRaw)

	columns := append(append([]string(nil), canonColumns...), prefixed(sortedRaw)...)
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		row := make([]string, 0, len(columns))
		lastModified := ""
		if !it.Canon.LastModified.IsZero() {
			lastModified = it.Canon.LastModified.UTC().Format(time.RFC3339)
		}
		row = append(row,
			it.ID, it.Name,
			it.Canon.LocalCaseID, it.Canon.LocalStainID,
			it.Canon.LocalRegionID, it.Canon.CanonicalCaseID,
			strings.Join(it.Canon.StainProtocolRefs, ";"),
			strings.Join(it.Canon.RegionProtocolRefs, ";"),
			lastModified,
		)
		for _, k := range sortedRaw {
			row = append(row, formatValue(it.Raw[k]))
		}
		rows = append(rows, row)
	}
	return table{columns: columns, rows: rows}
}

func prefixed(rawKeys []string) []string {
	out := make([]string, len(rawKeys))
	for i, k := range rawKeys {
		out[i] = "raw." + k
	}
	return out
}

func render(format Format, t table) ([]byte, string, error) {
	switch format {
	case FormatCSV:
		buf := &bytes.Buffer{}
		writer := csv.NewWriter(buf)
		if err := writer.Write(t.columns); err != nil {
			return nil, "", err
		}
		for _, row := range t.rows {
			if err := writer.Write(row); err != nil {
				return nil, "", err
			}
		}
		writer.Flush()
		if err := writer.Error(); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "text/csv", nil
	case FormatJSON:
		records := make([]map[string]string, 0, len(t.rows))
		for _, row := range t.rows {
			record := make(map[string]string, len(t.columns))
			for i, column := range t.columns {
				record[column] = row[i]
			}
			records = append(records, record)
		}
		payload, err := json.Marshal(records)
		if err != nil {
			return nil, "", fmt.Errorf("marshal json: %w", err)
		}
		return payload, "application/json", nil
	default:
		return nil, "", fmt.Errorf("unsupported export format %s", format)
	}
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func (r Record) clone() Record {
	dup := r
	dup.Formats = append([]Format(nil), r.Formats...)
	if len(r.Artifacts) > 0 {
		dup.Artifacts = append([]Artifact(nil), r.Artifacts...)
	}
	return dup
}

func newID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return fmt.Sprintf("%x", b[:])
}

// MemoryAuditLog captures audit entries for test assertions.
type MemoryAuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
}

// Record appends an entry.
func (l *MemoryAuditLog) Record(ctx context.Context, entry AuditEntry) {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

// Entries returns a copy of the recorded entries.
func (l *MemoryAuditLog) Entries() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AuditEntry, len(l.entries))
	copy(out, l.entries)
	return out
}
