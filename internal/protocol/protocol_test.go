package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"slidewrangler/internal/archive"
	"slidewrangler/internal/state"
)

func newTestStore(t *testing.T) (*Store, state.KV) {
	t.Helper()
	kv := state.NewMemory()
	s, err := NewStore(context.Background(), kv)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s, kv
}

func TestDefaultsSeededOnFirstRun(t *testing.T) {
	s, _ := newTestStore(t)

	stains := s.List(KindStain)
	if len(stains) != 8 {
		t.Fatalf("expected 8 default stains, got %d", len(stains))
	}
	if stains[0].ID != IgnoreStainID {
		t.Fatalf("ignore stain not first: %s", stains[0].ID)
	}
	regions := s.List(KindRegion)
	if len(regions) != 11 {
		t.Fatalf("expected 11 default regions, got %d", len(regions))
	}
	if _, ok := s.Get("REGION_vfrsko"); !ok {
		t.Fatalf("default region missing")
	}
	if s.Dirty() {
		t.Fatalf("fresh defaults should not be dirty")
	}
}

func TestAddUpdateDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	p, err := s.AddStain(ctx, "p62", StainBody{StainType: "immunohistochemical", Antibody: "p62"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !strings.HasPrefix(p.ID, "STAIN_") || len(p.ID) != len("STAIN_")+6 {
		t.Fatalf("unexpected id %s", p.ID)
	}
	if !p.LocalModified || !s.Dirty() {
		t.Fatalf("new protocol should be dirty")
	}

	if _, err := s.AddStain(ctx, "P62", StainBody{StainType: "x"}); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("duplicate name accepted: %v", err)
	}

	if err := s.UpdateStain(ctx, p.ID, "p62", StainBody{StainType: "immunohistochemical", Antibody: "p62", Dilution: "1:500"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := s.Get(p.ID)
	if got.Stain.Dilution != "1:500" {
		t.Fatalf("update not applied: %+v", got.Stain)
	}

	if err := s.Delete(ctx, p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := s.Get(p.ID); ok {
		t.Fatalf("deleted protocol still present")
	}
	if err := s.Delete(ctx, p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delete: %v", err)
	}
}

func TestIgnoreProtocolsImmutable(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	if err := s.Delete(ctx, IgnoreStainID); !errors.Is(err, ErrImmutable) {
		t.Fatalf("ignore stain deleted: %v", err)
	}
	if err := s.Delete(ctx, IgnoreRegionID); !errors.Is(err, ErrImmutable) {
		t.Fatalf("ignore region deleted: %v", err)
	}
	if err := s.UpdateStain(ctx, IgnoreStainID, "renamed", StainBody{StainType: "x"}); !errors.Is(err, ErrImmutable) {
		t.Fatalf("ignore stain updated: %v", err)
	}
}

func TestBodyValidationReportsFields(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.AddStain(ctx, "bad", StainBody{})
	sve, ok := IsSchemaValidation(err)
	if !ok {
		t.Fatalf("expected schema validation error, got %v", err)
	}
	if sve.Kind != KindStain || len(sve.Fields) == 0 {
		t.Fatalf("no field detail: %+v", sve)
	}

	_, err = s.AddRegion(ctx, "bad", RegionBody{RegionType: "cortical", Hemisphere: "upper"})
	sve, ok = IsSchemaValidation(err)
	if !ok {
		t.Fatalf("expected schema validation error, got %v", err)
	}
	if _, reported := sve.Fields["hemisphere"]; !reported {
		t.Fatalf("hemisphere enum violation not reported: %+v", sve.Fields)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, kv := newTestStore(t)

	p, err := s.AddRegion(ctx, "Hippocampus", RegionBody{RegionType: "subcortical"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	reloaded, err := NewStore(ctx, kv)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, ok := reloaded.Get(p.ID)
	if !ok || got.Name != "Hippocampus" || !got.LocalModified {
		t.Fatalf("protocol lost across reload: %+v ok=%v", got, ok)
	}
	if len(reloaded.List(KindRegion)) != 12 {
		t.Fatalf("catalog size after reload: %d", len(reloaded.List(KindRegion)))
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	if _, err := s.AddStain(ctx, "p62", StainBody{StainType: "immunohistochemical"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	doc, err := s.ExportAll()
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	other, _ := newTestStore(t)
	if err := other.ImportAll(ctx, doc); err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(other.List(KindStain)) != 9 {
		t.Fatalf("imported stain count: %d", len(other.List(KindStain)))
	}

	// An imported catalog is unsynced local state: every non-ignore protocol
	// comes out flagged for push, whatever the document carried.
	for _, kind := range []Kind{KindStain, KindRegion} {
		for _, p := range other.List(kind) {
			if p.isIgnore() {
				continue
			}
			if !p.LocalModified {
				t.Fatalf("imported protocol %s not flagged as locally modified", p.ID)
			}
		}
	}
	if !other.Dirty() {
		t.Fatalf("store not dirty after import")
	}

	// A single invalid record rejects the whole import.
	var env exportEnvelope
	if err := json.Unmarshal(doc, &env); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	env.Stains[1].Stain.StainType = ""
	bad, _ := json.Marshal(env)
	if err := other.ImportAll(ctx, bad); err == nil {
		t.Fatalf("invalid import accepted")
	}
}

func TestImportRestoresIgnoreProtocols(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	doc := []byte(`{"stains":[{"id":"STAIN_aaaaaa","name":"H&E","kind":"stain","stain":{"stainType":"histochemical"}}],"regions":[]}`)
	if err := s.ImportAll(ctx, doc); err != nil {
		t.Fatalf("import: %v", err)
	}
	if _, ok := s.Get(IgnoreStainID); !ok {
		t.Fatalf("ignore stain dropped by import")
	}
	if _, ok := s.Get(IgnoreRegionID); !ok {
		t.Fatalf("ignore region dropped by import")
	}
}

func TestPushClearsDirtyAndStampsRemote(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	remote := archive.NewMemory()
	folder := remote.AddFolder(remote.AddCollection("bdsa").ID, "protocols", archive.ParentCollection)

	if _, err := s.AddStain(ctx, "p62", StainBody{StainType: "immunohistochemical"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.PushTo(ctx, remote, folder.ID); err != nil {
		t.Fatalf("push: %v", err)
	}
	if s.Dirty() {
		t.Fatalf("push should clear dirty flags")
	}
	if _, ok := s.LastSync(); !ok {
		t.Fatalf("push should stamp last sync")
	}

	items, err := remote.ListItems(ctx, folder.ID, archive.ParentFolder)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	names := make(map[string]bool)
	for _, item := range items {
		names[item.Name] = true
	}
	if !names[StainFileName] || !names[RegionFileName] {
		t.Fatalf("catalog files not uploaded: %v", names)
	}
}

func TestPullReplacesLocalAndLogsConflicts(t *testing.T) {
	ctx := context.Background()
	remote := archive.NewMemory()
	folder := remote.AddFolder(remote.AddCollection("bdsa").ID, "protocols", archive.ParentCollection)

	// Publisher pushes a catalog containing a Tau variant.
	publisher, _ := newTestStore(t)
	if err := publisher.UpdateStain(ctx, "STAIN_qfddqt", "Tau", StainBody{StainType: "immunohistochemical", Antibody: "PHF-1"}); err != nil {
		t.Fatalf("publisher update: %v", err)
	}
	if err := publisher.PushTo(ctx, remote, folder.ID); err != nil {
		t.Fatalf("publisher push: %v", err)
	}

	// A second workstation edits the same protocol locally, then pulls.
	s, _ := newTestStore(t)
	if err := s.UpdateStain(ctx, "STAIN_qfddqt", "Tau", StainBody{StainType: "immunohistochemical", Antibody: "AT100"}); err != nil {
		t.Fatalf("local update: %v", err)
	}
	if err := s.PullFrom(ctx, remote, folder.ID); err != nil {
		t.Fatalf("pull: %v", err)
	}

	got, _ := s.Get("STAIN_qfddqt")
	if got.Stain.Antibody != "PHF-1" {
		t.Fatalf("remote copy should win: %+v", got.Stain)
	}
	if got.LocalModified {
		t.Fatalf("pulled protocol should not be dirty")
	}

	conflicts := s.UnresolvedConflicts()
	if len(conflicts) != 1 || conflicts[0].ProtocolID != "STAIN_qfddqt" {
		t.Fatalf("expected one conflict for STAIN_qfddqt, got %+v", conflicts)
	}
	if conflicts[0].LocalBody.Stain.Antibody != "AT100" || conflicts[0].RemoteBody.Stain.Antibody != "PHF-1" {
		t.Fatalf("conflict bodies wrong: %+v", conflicts[0])
	}

	if err := s.ResolveConflict(ctx, "STAIN_qfddqt"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(s.UnresolvedConflicts()) != 0 {
		t.Fatalf("conflict still unresolved")
	}
}

func TestPullMissingCatalogFileFails(t *testing.T) {
	ctx := context.Background()
	remote := archive.NewMemory()
	folder := remote.AddFolder(remote.AddCollection("bdsa").ID, "protocols", archive.ParentCollection)

	s, _ := newTestStore(t)
	if err := s.PullFrom(ctx, remote, folder.ID); err == nil {
		t.Fatalf("pull from empty folder should fail")
	}
	// Local catalogs are untouched on a failed pull.
	if len(s.List(KindStain)) != 8 {
		t.Fatalf("local catalog mutated by failed pull")
	}
}

func TestResetToDefaultsKeepsConflictLog(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	s.conflicts = append(s.conflicts, Conflict{ProtocolID: "STAIN_qfddqt", Kind: KindStain})

	if _, err := s.AddStain(ctx, "p62", StainBody{StainType: "x"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.ResetToDefaults(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(s.List(KindStain)) != 8 {
		t.Fatalf("reset did not restore defaults")
	}
	if len(s.UnresolvedConflicts()) != 1 {
		t.Fatalf("reset dropped conflict log")
	}
}
