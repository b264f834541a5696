package reconcile

import (
	"context"
	"testing"
)

const siteSchemaDoc = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"localStainId": {"enum": ["", "AT8", "H&E", "aBeta", "Tau"]},
		"localRegionId": {"enum": ["", "Temporal", "Frontal", "Amygdala"]},
		"canonicalCaseId": {"pattern": "^$|^BDSA-\\d{3}-\\d{4}$"}
	}
}`

func TestStatsCountsCoverage(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	snap := Snapshot{Items: []Item{
		{ID: "a", Name: "a.czi", Canon: Canon{LocalCaseID: "05-662", LocalStainID: "AT8", LocalRegionID: "Temporal", CanonicalCaseID: "BDSA-001-0001"}},
		{ID: "b", Name: "b.czi", Canon: Canon{LocalCaseID: "05-663", LocalStainID: "AT8"}},
		{ID: "c", Name: "c.czi"},
	}}
	if err := s.Restore(ctx, snap); err != nil {
		t.Fatalf("restore: %v", err)
	}

	report, err := s.Stats(nil)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if report.TotalItems != 3 || report.WithLocalCaseID != 2 || report.WithLocalStainID != 2 ||
		report.WithLocalRegionID != 1 || report.WithCanonicalCaseID != 1 {
		t.Fatalf("coverage wrong: %+v", report)
	}
	if len(report.DistinctStains) != 1 || report.DistinctStains[0] != "AT8" {
		t.Fatalf("distinct stains wrong: %v", report.DistinctStains)
	}
}

func TestStatsValidatesAgainstSiteSchema(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	snap := Snapshot{Items: []Item{
		{ID: "ok", Name: "ok.czi", Canon: Canon{LocalStainID: "AT8", LocalRegionID: "Temporal"}},
		{ID: "badstain", Name: "bad.czi", Canon: Canon{LocalStainID: "mystery-stain"}},
		{ID: "badid", Name: "badid.czi", Canon: Canon{LocalCaseID: "05-1", CanonicalCaseID: "not-canonical"}},
	}}
	if err := s.Restore(ctx, snap); err != nil {
		t.Fatalf("restore: %v", err)
	}

	site, err := CompileSiteSchema([]byte(siteSchemaDoc))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	report, err := s.Stats(site)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if report.SchemaValid != 1 || report.SchemaInvalid != 2 {
		t.Fatalf("schema tallies wrong: %+v", report)
	}
	if report.FieldErrors["localStainId"] != 1 || report.FieldErrors["canonicalCaseId"] != 1 {
		t.Fatalf("field errors wrong: %v", report.FieldErrors)
	}
}

func TestCompileSiteSchemaRejectsGarbage(t *testing.T) {
	if _, err := CompileSiteSchema([]byte("{")); err == nil {
		t.Fatalf("garbage schema accepted")
	}
}
