package archive

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process archive with the same observable semantics as the
// REST server: folder names unique per parent, unbounded item listings, and
// replace-per-top-level-key metadata writes. Tests and offline runs use it in
// place of HTTPClient; failure hooks allow injecting per-item errors.
type Memory struct {
	mu          sync.Mutex
	collections map[string]Collection
	folders     map[string]Folder
	items       map[string]*memoryItem
	version     Version

	users map[string]string // login -> password
	token string

	// UpdateMetadataHook, when set, runs before each metadata write and may
	// return an error to simulate a per-item failure.
	UpdateMetadataHook func(itemID string) error
	// CopyHook, when set, runs before each copy.
	CopyHook func(sourceID string) error
}

type memoryItem struct {
	item    Item
	content []byte
	seq     int // insertion order inside folder
}

var _ Client = (*Memory)(nil)

// NewMemory constructs an empty in-memory archive.
func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string]Collection),
		folders:     make(map[string]Folder),
		items:       make(map[string]*memoryItem),
		users:       make(map[string]string),
		version:     Version{APIVersion: "3.1", Release: "memory"},
	}
}

func memoryID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

// AddUser registers credentials accepted by Authenticate.
func (m *Memory) AddUser(login, password string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[login] = password
}

// AddCollection creates a collection and returns it.
func (m *Memory) AddCollection(name string) Collection {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := Collection{ID: memoryID(), Name: name}
	m.collections[c.ID] = c
	return c
}

// AddFolder creates a folder without name checks (seed helper).
func (m *Memory) AddFolder(parentID, name string, parentType ParentType) Folder {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := Folder{ID: memoryID(), Name: name, ParentID: parentID, ParentType: string(parentType)}
	m.folders[f.ID] = f
	return f
}

// AddItem seeds an item into a folder and returns it.
func (m *Memory) AddItem(folderID, name string, meta map[string]any) Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := Item{ID: memoryID(), Name: name, FolderID: folderID, Meta: cloneMeta(meta)}
	m.items[it.ID] = &memoryItem{item: it, seq: len(m.items)}
	return it
}

// ItemByID returns the stored item for assertions.
func (m *Memory) ItemByID(id string) (Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mi, ok := m.items[id]
	if !ok {
		return Item{}, false
	}
	return cloneItem(mi.item), true
}

func (m *Memory) TestConnection(ctx context.Context) (Version, error) {
	return m.version, nil
}

func (m *Memory) Authenticate(ctx context.Context, username, password string) (AuthResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.users[username]
	if !ok || stored != password {
		return AuthResult{}, newError(CodeAuth, 401, "bad credentials")
	}
	m.token = memoryID()
	return AuthResult{Token: m.token, User: User{ID: memoryID(), Login: username}}, nil
}

func (m *Memory) CurrentUser(ctx context.Context) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == "" {
		return User{}, newError(CodeAuth, 401, "token is not valid")
	}
	return User{ID: "memory-user", Login: "memory"}, nil
}

func (m *Memory) Logout(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	return nil
}

func (m *Memory) ListCollections(ctx context.Context) ([]Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Collection, 0, len(m.collections))
	for _, c := range m.collections {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) ListFolders(ctx context.Context, parentID string, parentType ParentType) ([]Folder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.parentExists(parentID, parentType) {
		return nil, newError(CodeNotFound, 404, "parent %s not found", parentID)
	}
	var out []Folder
	for _, f := range m.folders {
		if f.ParentID == parentID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) ListItems(ctx context.Context, parentID string, parentType ParentType) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.parentExists(parentID, parentType) {
		return nil, newError(CodeNotFound, 404, "resource %s not found", parentID)
	}
	folderIDs := map[string]bool{}
	if parentType == ParentFolder {
		folderIDs[parentID] = true
	}
	// Recursive descent, matching the server's resource listing.
	changed := true
	for changed {
		changed = false
		for _, f := range m.folders {
			if folderIDs[f.ID] {
				continue
			}
			if f.ParentID == parentID || folderIDs[f.ParentID] {
				folderIDs[f.ID] = true
				changed = true
			}
		}
	}
	var stored []*memoryItem
	for _, mi := range m.items {
		if folderIDs[mi.item.FolderID] {
			stored = append(stored, mi)
		}
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].seq < stored[j].seq })
	out := make([]Item, 0, len(stored))
	for _, mi := range stored {
		out = append(out, cloneItem(mi.item))
	}
	return out, nil
}

func (m *Memory) CreateFolder(ctx context.Context, parentID, name string, parentType ParentType) (Folder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.parentExists(parentID, parentType) {
		return Folder{}, newError(CodeNotFound, 404, "parent %s not found", parentID)
	}
	for _, f := range m.folders {
		if f.ParentID == parentID && f.Name == name {
			return Folder{}, newError(CodeNameConflict, 400, "folder %q already exists here", name)
		}
	}
	f := Folder{ID: memoryID(), Name: name, ParentID: parentID, ParentType: string(parentType)}
	m.folders[f.ID] = f
	return f, nil
}

func (m *Memory) EnsureFolders(ctx context.Context, parentID string, names []string, parentType ParentType) (map[string]Folder, error) {
	return ensureFolders(ctx, m, parentID, names, parentType)
}

func (m *Memory) CopyItem(ctx context.Context, sourceID, targetFolderID, newName string) (Item, error) {
	if m.CopyHook != nil {
		if err := m.CopyHook(sourceID); err != nil {
			return Item{}, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.items[sourceID]
	if !ok {
		return Item{}, newError(CodeNotFound, 404, "item %s not found", sourceID)
	}
	if _, ok := m.folders[targetFolderID]; !ok {
		return Item{}, newError(CodeNotFound, 404, "folder %s not found", targetFolderID)
	}
	for _, mi := range m.items {
		if mi.item.FolderID == targetFolderID && mi.item.Name == newName {
			return Item{}, newError(CodeNameConflict, 400, "item %q already exists here", newName)
		}
	}
	cp := cloneItem(src.item)
	cp.ID = memoryID()
	cp.Name = newName
	cp.FolderID = targetFolderID
	m.items[cp.ID] = &memoryItem{item: cp, content: append([]byte(nil), src.content...), seq: len(m.items)}
	return cloneItem(cp), nil
}

func (m *Memory) UpdateItemMetadata(ctx context.Context, itemID string, patch map[string]any) (Item, error) {
	if m.UpdateMetadataHook != nil {
		if err := m.UpdateMetadataHook(itemID); err != nil {
			return Item{}, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	mi, ok := m.items[itemID]
	if !ok {
		return Item{}, newError(CodeNotFound, 404, "item %s not found", itemID)
	}
	if mi.item.Meta == nil {
		mi.item.Meta = map[string]any{}
	}
	// Replace each top-level key present in the patch; nil deletes.
	for key, value := range patch {
		if value == nil {
			delete(mi.item.Meta, key)
			continue
		}
		mi.item.Meta[key] = value
	}
	return cloneItem(mi.item), nil
}

func (m *Memory) UploadFile(ctx context.Context, parentID, name string, payload []byte, contentType string) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.folders[parentID]; !ok {
		return Item{}, newError(CodeNotFound, 404, "folder %s not found", parentID)
	}
	// Re-upload under an existing name replaces the payload, like the server.
	for _, mi := range m.items {
		if mi.item.FolderID == parentID && mi.item.Name == name {
			mi.content = append([]byte(nil), payload...)
			mi.item.Size = int64(len(payload))
			return cloneItem(mi.item), nil
		}
	}
	it := Item{ID: memoryID(), Name: name, FolderID: parentID, Size: int64(len(payload))}
	m.items[it.ID] = &memoryItem{item: it, content: append([]byte(nil), payload...), seq: len(m.items)}
	return cloneItem(it), nil
}

func (m *Memory) DownloadItem(ctx context.Context, itemID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mi, ok := m.items[itemID]
	if !ok {
		return nil, newError(CodeNotFound, 404, "item %s not found", itemID)
	}
	return append([]byte(nil), mi.content...), nil
}

func (m *Memory) parentExists(parentID string, parentType ParentType) bool {
	switch parentType {
	case ParentCollection:
		_, ok := m.collections[parentID]
		return ok
	case ParentFolder:
		_, ok := m.folders[parentID]
		return ok
	default:
		return false
	}
}

func cloneItem(it Item) Item {
	cp := it
	cp.Meta = cloneMeta(it.Meta)
	return cp
}

func cloneMeta(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return cloneMeta(tv)
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), tv...)
	default:
		return v
	}
}

// String implements fmt.Stringer for debugging output in tests.
func (m *Memory) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("memory archive: %d collections, %d folders, %d items", len(m.collections), len(m.folders), len(m.items))
}
