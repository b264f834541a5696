package archive

import "context"

// ensureFolders lists the parent first so pre-existing folders win, then
// creates what is missing. A CodeNameConflict from a concurrent create is
// resolved by re-listing: the folder that exists is the folder returned.
func ensureFolders(ctx context.Context, c Client, parentID string, names []string, parentType ParentType) (map[string]Folder, error) {
	existing, err := c.ListFolders(ctx, parentID, parentType)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]Folder, len(existing))
	for _, f := range existing {
		byName[f.Name] = f
	}

	out := make(map[string]Folder, len(names))
	for _, name := range names {
		if f, ok := byName[name]; ok {
			out[name] = f
			continue
		}
		created, err := c.CreateFolder(ctx, parentID, name, parentType)
		if err == nil {
			out[name] = created
			byName[name] = created
			continue
		}
		if !IsNameConflict(err) {
			return out, err
		}
		// Lost the race: someone created it between the listing and us.
		refreshed, listErr := c.ListFolders(ctx, parentID, parentType)
		if listErr != nil {
			return out, listErr
		}
		found := false
		for _, f := range refreshed {
			if f.Name == name {
				out[name] = f
				byName[name] = f
				found = true
				break
			}
		}
		if !found {
			return out, err
		}
	}
	return out, nil
}
