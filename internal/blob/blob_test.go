package blob

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("filesystem: %v", err)
	}
	return map[string]Store{"memory": NewMemory(), "fs": fs}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			info, err := store.Put(ctx, "exports/exp-1/table.csv",
				strings.NewReader("id,name\n1,slide\n"),
				PutOptions{ContentType: "text/csv", Metadata: map[string]string{"export": "exp-1"}})
			if err != nil {
				t.Fatalf("put: %v", err)
			}
			if info.Key != "exports/exp-1/table.csv" || info.Size != 16 || info.ContentType != "text/csv" {
				t.Fatalf("put info: %+v", info)
			}

			// Create-only.
			if _, err := store.Put(ctx, "exports/exp-1/table.csv", strings.NewReader("x"), PutOptions{}); !errors.Is(err, ErrExists) {
				t.Fatalf("duplicate put: %v", err)
			}

			got, body, err := store.Get(ctx, "exports/exp-1/table.csv")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			payload, err := io.ReadAll(body)
			_ = body.Close()
			if err != nil || string(payload) != "id,name\n1,slide\n" {
				t.Fatalf("payload: %q err=%v", payload, err)
			}
			if got.Metadata["export"] != "exp-1" {
				t.Fatalf("metadata lost: %+v", got)
			}

			head, err := store.Head(ctx, "exports/exp-1/table.csv")
			if err != nil || head.Size != info.Size {
				t.Fatalf("head: %+v err=%v", head, err)
			}
			if _, err := store.Head(ctx, "exports/none"); !errors.Is(err, os.ErrNotExist) {
				t.Fatalf("missing head: %v", err)
			}

			if _, err := store.Put(ctx, "exports/exp-1/table.json", strings.NewReader("[]"), PutOptions{}); err != nil {
				t.Fatalf("second put: %v", err)
			}
			if _, err := store.Put(ctx, "backups/protocols.json", strings.NewReader("{}"), PutOptions{}); err != nil {
				t.Fatalf("third put: %v", err)
			}

			listed, err := store.List(ctx, "exports/")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(listed) != 2 || listed[0].Key != "exports/exp-1/table.csv" || listed[1].Key != "exports/exp-1/table.json" {
				t.Fatalf("list order: %+v", listed)
			}
			all, err := store.List(ctx, "")
			if err != nil || len(all) != 3 {
				t.Fatalf("list all: %d err=%v", len(all), err)
			}

			if _, err := store.PresignURL(ctx, "exports/exp-1/table.csv", SignedURLOptions{}); !errors.Is(err, ErrUnsupported) {
				t.Fatalf("presign on %s: %v", store.Driver(), err)
			}

			deleted, err := store.Delete(ctx, "backups/protocols.json")
			if err != nil || !deleted {
				t.Fatalf("delete: %v %v", deleted, err)
			}
			deleted, err = store.Delete(ctx, "backups/protocols.json")
			if err != nil || deleted {
				t.Fatalf("repeat delete: %v %v", deleted, err)
			}
			if _, _, err := store.Get(ctx, "backups/protocols.json"); !errors.Is(err, os.ErrNotExist) {
				t.Fatalf("get after delete: %v", err)
			}
		})
	}
}

func TestFilesystemRejectsEscapingKeys(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("filesystem: %v", err)
	}
	for _, key := range []string{"../outside", "/abs/path", "."} {
		if _, err := fs.Put(ctx, key, strings.NewReader("x"), PutOptions{}); err == nil {
			t.Fatalf("key %q accepted", key)
		}
	}
}

func TestFilesystemPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	first, err := NewFilesystem(root)
	if err != nil {
		t.Fatalf("filesystem: %v", err)
	}
	if _, err := first.Put(ctx, "exports/a.csv", strings.NewReader("data"), PutOptions{ContentType: "text/csv"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	second, err := NewFilesystem(root)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	info, err := second.Head(ctx, "exports/a.csv")
	if err != nil || info.ContentType != "text/csv" || info.Size != 4 {
		t.Fatalf("head after reopen: %+v err=%v", info, err)
	}
}

func TestOpenSelectsDriverFromEnv(t *testing.T) {
	ctx := context.Background()
	t.Setenv("SLIDEWRANGLER_BLOB_DRIVER", "memory")
	store, err := Open(ctx)
	if err != nil || store.Driver() != DriverMemory {
		t.Fatalf("memory driver: %v %v", store, err)
	}

	root := filepath.Join(t.TempDir(), "artifacts")
	t.Setenv("SLIDEWRANGLER_BLOB_DRIVER", "fs")
	t.Setenv("SLIDEWRANGLER_BLOB_FS_ROOT", root)
	store, err = Open(ctx)
	if err != nil || store.Driver() != DriverFilesystem {
		t.Fatalf("fs driver: %v %v", store, err)
	}
	if _, err := os.Stat(root); err != nil {
		t.Fatalf("root not created: %v", err)
	}

	t.Setenv("SLIDEWRANGLER_BLOB_DRIVER", "s3")
	t.Setenv("SLIDEWRANGLER_BLOB_S3_BUCKET", "")
	if _, err := Open(ctx); err == nil {
		t.Fatalf("s3 without bucket accepted")
	}

	t.Setenv("SLIDEWRANGLER_BLOB_DRIVER", "tape")
	if _, err := Open(ctx); err == nil {
		t.Fatalf("unknown driver accepted")
	}
}
