package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"slidewrangler/internal/archive"
	"slidewrangler/internal/auth"
	"slidewrangler/internal/blob"
	"slidewrangler/internal/extract"
	"slidewrangler/internal/reconcile"
	"slidewrangler/internal/state"
)

func newEngine(t *testing.T, kv state.KV, remote archive.Client) *Engine {
	t.Helper()
	ctx := context.Background()
	e, err := New(ctx, Config{KV: kv, Archive: remote, Blobs: blob.NewMemory()})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close(ctx) })
	return e
}

func TestEngineRestoresPersistedState(t *testing.T) {
	ctx := context.Background()
	kv := state.NewMemory()

	// A previous process wrote items and a session.
	seed, err := reconcile.NewStore(ctx, kv)
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}
	if _, err := seed.LoadCSV(ctx, []byte("name\nslide-a.czi\n"), "slides.csv"); err != nil {
		t.Fatalf("seed csv: %v", err)
	}
	remote := archive.NewMemory()
	remote.AddUser("tech", "hunter2")
	sessions, err := auth.NewStore(ctx, kv)
	if err != nil {
		t.Fatalf("seed auth: %v", err)
	}
	if _, err := sessions.Login(ctx, remote, "https://bdsa.example.org", "tech", "hunter2"); err != nil {
		t.Fatalf("seed login: %v", err)
	}

	e := newEngine(t, kv, remote)
	if e.Data().Len() != 1 {
		t.Fatalf("items not restored: %d", e.Data().Len())
	}
	session, ok := e.Auth().Session()
	if !ok || session.User.Login != "tech" {
		t.Fatalf("session not restored: %+v", session)
	}
	if _, err := e.ValidateSession(ctx); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if e.Protocols() == nil || e.Sync() == nil || e.Organize() == nil || e.Exports() == nil {
		t.Fatalf("engine wiring incomplete")
	}
}

func TestValidateSessionWithoutLogin(t *testing.T) {
	e := newEngine(t, state.NewMemory(), archive.NewMemory())
	if _, err := e.ValidateSession(context.Background()); !errors.Is(err, auth.ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestValidateSessionClearsInvalidToken(t *testing.T) {
	ctx := context.Background()
	remote := archive.NewMemory()
	remote.AddUser("tech", "hunter2")
	e := newEngine(t, state.NewMemory(), remote)
	if _, err := e.Auth().Login(ctx, remote, "", "tech", "hunter2"); err != nil {
		t.Fatalf("login: %v", err)
	}

	if err := remote.Logout(ctx); err != nil {
		t.Fatalf("remote logout: %v", err)
	}
	if _, err := e.ValidateSession(ctx); !archive.IsAuth(err) {
		t.Fatalf("validate: %v", err)
	}
	if _, ok := e.Auth().Session(); ok {
		t.Fatalf("invalid session kept")
	}
}

func TestPushViewerConfig(t *testing.T) {
	ctx := context.Background()
	remote := archive.NewMemory()
	col := remote.AddCollection("bdsa")
	folder := remote.AddFolder(col.ID, "config", archive.ParentCollection)
	e := newEngine(t, state.NewMemory(), remote)

	item, err := e.PushViewerConfig(ctx, folder.ID, "viewer.json", map[string]any{
		"defaultZoom": 2,
		"palette":     "viridis",
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	payload, err := remote.DownloadItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["palette"] != "viridis" {
		t.Fatalf("config content: %v", decoded)
	}
}

func TestRegexRulesPersistence(t *testing.T) {
	ctx := context.Background()
	kv := state.NewMemory()
	e := newEngine(t, kv, archive.NewMemory())

	rules := extract.RuleSet{
		{Field: reconcile.FieldLocalCaseID, Pattern: `^(\d+-\d+)`},
		{Field: reconcile.FieldLocalStainID, Pattern: `_(\w+)\.`},
	}
	if err := e.SaveRegexRules(ctx, rules); err != nil {
		t.Fatalf("save: %v", err)
	}

	// A second engine over the same KV sees them.
	other := newEngine(t, kv, archive.NewMemory())
	loaded, err := other.RegexRules(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 || loaded[0].Pattern != rules[0].Pattern {
		t.Fatalf("rules round trip: %+v", loaded)
	}

	bad := extract.RuleSet{{Field: reconcile.FieldLocalCaseID, Pattern: `([`}}
	if err := e.SaveRegexRules(ctx, bad); err == nil {
		t.Fatalf("invalid pattern accepted")
	}
}

func TestColumnMappingPersistence(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, state.NewMemory(), archive.NewMemory())

	if loaded, err := e.ColumnMapping(ctx); err != nil || loaded != nil {
		t.Fatalf("empty mapping: %v %v", loaded, err)
	}
	mapping := extract.ColumnMapping{reconcile.FieldLocalCaseID: "npSchema.caseId"}
	if err := e.SaveColumnMapping(ctx, mapping); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := e.ColumnMapping(ctx)
	if err != nil || loaded[reconcile.FieldLocalCaseID] != "npSchema.caseId" {
		t.Fatalf("mapping round trip: %v %v", loaded, err)
	}
}

func TestEngineRequiresArchive(t *testing.T) {
	if _, err := New(context.Background(), Config{KV: state.NewMemory()}); err == nil {
		t.Fatalf("nil archive accepted")
	}
}
