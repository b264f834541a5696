package state

import (
	"context"
	"path/filepath"
	"testing"
)

func kvContract(t *testing.T, kv KV) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := kv.Get(ctx, KeyDataStore); err != nil || ok {
		t.Fatalf("empty store get: ok=%v err=%v", ok, err)
	}
	if err := kv.Put(ctx, KeyDataStore, []byte(`{"items":[]}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := kv.Put(ctx, KeyProtocolStain, []byte(`[]`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := kv.Put(ctx, KeyProtocolRegion, []byte(`[]`)); err != nil {
		t.Fatalf("put: %v", err)
	}

	value, ok, err := kv.Get(ctx, KeyDataStore)
	if err != nil || !ok || string(value) != `{"items":[]}` {
		t.Fatalf("get after put: %q ok=%v err=%v", value, ok, err)
	}

	// Overwrite replaces the whole value.
	if err := kv.Put(ctx, KeyDataStore, []byte(`{"items":["a"]}`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	value, _, _ = kv.Get(ctx, KeyDataStore)
	if string(value) != `{"items":["a"]}` {
		t.Fatalf("overwrite not visible: %q", value)
	}

	keys, err := kv.Keys(ctx, "protocol-store/")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != KeyProtocolRegion || keys[1] != KeyProtocolStain {
		t.Fatalf("unexpected keys %v", keys)
	}

	if err := kv.Delete(ctx, KeyProtocolStain); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := kv.Get(ctx, KeyProtocolStain); ok {
		t.Fatalf("deleted key still present")
	}
	// Deleting an absent key is a no-op.
	if err := kv.Delete(ctx, KeyProtocolStain); err != nil {
		t.Fatalf("double delete: %v", err)
	}
}

func TestMemoryKV(t *testing.T) {
	kvContract(t, NewMemory())
}

func TestSQLiteKV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wrangler.db")
	kv, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer func() { _ = kv.Close() }()
	kvContract(t, kv)
}

func TestSQLiteKV_ReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "wrangler.db")
	kv, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := kv.Put(ctx, KeyAuth, []byte(`{"token":"tok"}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := kv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()
	value, ok, err := reopened.Get(ctx, KeyAuth)
	if err != nil || !ok || string(value) != `{"token":"tok"}` {
		t.Fatalf("state lost across reopen: %q ok=%v err=%v", value, ok, err)
	}
}
