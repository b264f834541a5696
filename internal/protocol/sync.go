package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"slidewrangler/internal/archive"
)

// Catalog file names inside the shared protocol folder on the archive.
const (
	StainFileName  = "stain-protocols.json"
	RegionFileName = "region-protocols.json"
)

// PushTo uploads both catalogs to the archive folder as JSON documents.
// On success every protocol's dirty flag clears and RemoteVersion is stamped.
func (s *Store) PushTo(ctx context.Context, client archive.Client, folderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, file := range []struct {
		name    string
		catalog []Protocol
	}{
		{StainFileName, s.stains},
		{RegionFileName, s.regions},
	} {
		payload, err := json.MarshalIndent(file.catalog, "", "  ")
		if err != nil {
			return fmt.Errorf("encode %s: %w", file.name, err)
		}
		if _, err := client.UploadFile(ctx, folderID, file.name, payload, "application/json"); err != nil {
			return fmt.Errorf("upload %s: %w", file.name, err)
		}
	}

	now := s.now().UTC()
	for _, catalog := range []*[]Protocol{&s.stains, &s.regions} {
		for i := range *catalog {
			(*catalog)[i].LocalModified = false
			ts := now
			(*catalog)[i].RemoteVersion = &ts
		}
	}
	s.lastSync = &now
	return s.persist(ctx)
}

// PullFrom downloads both catalogs from the archive folder and replaces the
// local catalogs with the remote copies. When a locally modified protocol
// differs from its remote counterpart the divergence is appended to the
// conflict log before the remote version wins; nothing is auto-merged.
func (s *Store) PullFrom(ctx context.Context, client archive.Client, folderID string) error {
	items, err := client.ListItems(ctx, folderID, archive.ParentFolder)
	if err != nil {
		return fmt.Errorf("list protocol folder: %w", err)
	}
	byName := make(map[string]archive.Item, len(items))
	for _, item := range items {
		byName[item.Name] = item
	}

	fetch := func(name string) ([]Protocol, error) {
		item, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%s missing from protocol folder", name)
		}
		raw, err := client.DownloadItem(ctx, item.ID)
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", name, err)
		}
		var catalog []Protocol
		if err := json.Unmarshal(raw, &catalog); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		return catalog, nil
	}

	remoteStains, err := fetch(StainFileName)
	if err != nil {
		return err
	}
	remoteRegions, err := fetch(RegionFileName)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	s.recordConflicts(s.stains, remoteStains, now)
	s.recordConflicts(s.regions, remoteRegions, now)
	s.stains = ensureIgnore(KindStain, normalizePulled(remoteStains, now))
	s.regions = ensureIgnore(KindRegion, normalizePulled(remoteRegions, now))
	s.lastSync = &now
	return s.persist(ctx)
}

func (s *Store) recordConflicts(local, remote []Protocol, now time.Time) {
	remoteByID := make(map[string]Protocol, len(remote))
	for _, p := range remote {
		remoteByID[p.ID] = p
	}
	for _, lp := range local {
		if !lp.LocalModified {
			continue
		}
		rp, ok := remoteByID[lp.ID]
		if ok && bodiesEqual(lp, rp) {
			continue
		}
		s.conflicts = append(s.conflicts, Conflict{
			ProtocolID: lp.ID,
			Kind:       lp.Kind,
			LocalBody:  lp.clone(),
			RemoteBody: rp.clone(),
			Timestamp:  now,
			Resolved:   false,
		})
	}
}

func normalizePulled(catalog []Protocol, now time.Time) []Protocol {
	out := cloneCatalog(catalog)
	for i := range out {
		out[i].LocalModified = false
		ts := now
		out[i].RemoteVersion = &ts
	}
	return out
}
