package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"slidewrangler/internal/blob"
	"slidewrangler/internal/reconcile"
	"slidewrangler/internal/state"
)

func newTable(t *testing.T) *reconcile.Store {
	t.Helper()
	ctx := context.Background()
	store, err := reconcile.NewStore(ctx, state.NewMemory())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	csvData := "name,block\nslide-a.czi,B1\nslide-b.czi,B2\n"
	if _, err := store.LoadCSV(ctx, []byte(csvData), "slides.csv"); err != nil {
		t.Fatalf("load csv: %v", err)
	}
	items := store.Items()
	if err := store.EditField(ctx, items[0].ID, reconcile.FieldLocalStainID, "AT8"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	return store
}

func waitSucceeded(t *testing.T, w *Worker, id string) Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		record, ok := w.Get(id)
		if ok && (record.Status == StatusSucceeded || record.Status == StatusFailed) {
			return record
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("export %s did not finish", id)
	return Record{}
}

func TestExportRendersCSVAndJSON(t *testing.T) {
	ctx := context.Background()
	store := newTable(t)
	blobs := blob.NewMemory()
	audit := &MemoryAuditLog{}

	worker := NewWorker(store, blobs, audit)
	worker.Start()
	defer func() { _ = worker.Stop(ctx) }()

	queued, err := worker.Enqueue(ctx, Input{RequestedBy: "tech", Reason: "weekly dump"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if queued.Status != StatusQueued || len(queued.Formats) != 2 {
		t.Fatalf("queued record: %+v", queued)
	}

	record := waitSucceeded(t, worker, queued.ID)
	if record.Status != StatusSucceeded || len(record.Artifacts) != 2 || record.CompletedAt == nil {
		t.Fatalf("record: %+v", record)
	}

	_, body, err := blobs.Get(ctx, "exports/"+queued.ID+"/table.csv")
	if err != nil {
		t.Fatalf("csv artifact: %v", err)
	}
	rows, err := csv.NewReader(body).ReadAll()
	_ = body.Close()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("csv rows: %d", len(rows))
	}
	header := strings.Join(rows[0], ",")
	if !strings.Contains(header, "canonicalCaseId") || !strings.Contains(header, "raw.block") {
		t.Fatalf("csv header: %s", header)
	}
	table := strings.Join(rows[1], ",") + "\n" + strings.Join(rows[2], ",")
	if !strings.Contains(table, "AT8") || !strings.Contains(table, "B2") {
		t.Fatalf("csv body: %s", table)
	}

	_, body, err = blobs.Get(ctx, "exports/"+queued.ID+"/table.json")
	if err != nil {
		t.Fatalf("json artifact: %v", err)
	}
	payload, _ := io.ReadAll(body)
	_ = body.Close()
	var records []map[string]string
	if err := json.Unmarshal(payload, &records); err != nil {
		t.Fatalf("parse json: %v", err)
	}
	if len(records) != 2 || records[0]["name"] != "slide-a.czi" || records[0]["raw.block"] != "B1" {
		t.Fatalf("json records: %+v", records)
	}
}

func TestExportAuditTrail(t *testing.T) {
	ctx := context.Background()
	store := newTable(t)
	audit := &MemoryAuditLog{}
	worker := NewWorker(store, blob.NewMemory(), audit)
	worker.Start()
	defer func() { _ = worker.Stop(ctx) }()

	queued, err := worker.Enqueue(ctx, Input{RequestedBy: "tech"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitSucceeded(t, worker, queued.ID)

	entries := audit.Entries()
	if len(entries) != 3 {
		t.Fatalf("audit entries: %+v", entries)
	}
	want := []Status{StatusQueued, StatusRunning, StatusSucceeded}
	for i, entry := range entries {
		if entry.Status != want[i] || entry.ExportID != queued.ID || entry.Action != "table_export" {
			t.Fatalf("entry %d: %+v", i, entry)
		}
	}
	if entries[0].Actor != "tech" {
		t.Fatalf("actor lost: %+v", entries[0])
	}
}

type failingBlobs struct {
	blob.Store
}

func (f failingBlobs) Put(ctx context.Context, key string, r io.Reader, opts blob.PutOptions) (blob.Info, error) {
	return blob.Info{}, errors.New("disk full")
}

func TestExportFailureRecordsReason(t *testing.T) {
	ctx := context.Background()
	store := newTable(t)
	worker := NewWorker(store, failingBlobs{Store: blob.NewMemory()}, nil)
	worker.Start()
	defer func() { _ = worker.Stop(ctx) }()

	queued, err := worker.Enqueue(ctx, Input{Formats: []Format{FormatCSV}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	record := waitSucceeded(t, worker, queued.ID)
	if record.Status != StatusFailed || !strings.Contains(record.Error, "disk full") {
		t.Fatalf("failure not recorded: %+v", record)
	}
}

func TestEnqueueRejectsUnknownFormat(t *testing.T) {
	worker := NewWorker(newTable(t), blob.NewMemory(), nil)
	if _, err := worker.Enqueue(context.Background(), Input{Formats: []Format{"parquet"}}); err == nil {
		t.Fatalf("unknown format accepted")
	}
}

func TestDuplicateFormatsCollapse(t *testing.T) {
	ctx := context.Background()
	worker := NewWorker(newTable(t), blob.NewMemory(), nil)
	worker.Start()
	defer func() { _ = worker.Stop(ctx) }()

	queued, err := worker.Enqueue(ctx, Input{Formats: []Format{FormatCSV, FormatCSV, FormatJSON}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(queued.Formats) != 2 {
		t.Fatalf("formats not deduplicated: %+v", queued.Formats)
	}
	record := waitSucceeded(t, worker, queued.ID)
	if len(record.Artifacts) != 2 {
		t.Fatalf("artifacts: %+v", record.Artifacts)
	}
}
