// Package archive defines the contract with the remote slide archive: a
// Girder-style REST server holding items (slide records) inside folders and
// collections. The engine consumes this surface for listing, folder
// materialization, item copies, and metadata writes; everything else about
// the server is out of scope.
package archive

import "context"

// ParentType selects the container flavor for listing and folder creation.
type ParentType string

const (
	ParentFolder     ParentType = "folder"
	ParentCollection ParentType = "collection"
)

// Version reports server build information from the connection test.
type Version struct {
	APIVersion string `json:"apiVersion"`
	Release    string `json:"release,omitempty"`
}

// User is the archive's account record returned on authentication.
type User struct {
	ID        string `json:"_id"`
	Login     string `json:"login"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Admin     bool   `json:"admin,omitempty"`
}

// AuthResult carries the opaque session token plus the authenticated user.
type AuthResult struct {
	Token string
	User  User
}

// Collection describes a top-level container.
type Collection struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
}

// Folder describes a folder within a collection or another folder.
type Folder struct {
	ID         string `json:"_id"`
	Name       string `json:"name"`
	ParentID   string `json:"parentId"`
	ParentType string `json:"parentCollection,omitempty"`
}

// Item is one slide record: externally assigned ID, display name, and the
// free-form server-side metadata bag.
type Item struct {
	ID       string         `json:"_id"`
	Name     string         `json:"name"`
	FolderID string         `json:"folderId"`
	Size     int64          `json:"size,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// Client is the capability set the reconciliation engine needs from the
// archive. Implementations surface failures as *Error values; the caller
// decides retry policy.
type Client interface {
	// TestConnection verifies the server is reachable and returns its version.
	TestConnection(ctx context.Context) (Version, error)
	// Authenticate trades credentials for a session token.
	Authenticate(ctx context.Context, username, password string) (AuthResult, error)
	// CurrentUser validates the active token and returns its account.
	CurrentUser(ctx context.Context) (User, error)
	// Logout invalidates the active token.
	Logout(ctx context.Context) error

	ListCollections(ctx context.Context) ([]Collection, error)
	ListFolders(ctx context.Context, parentID string, parentType ParentType) ([]Folder, error)
	// ListItems returns every item under the parent, recursively. The server
	// is asked for an unbounded listing; callers never paginate.
	ListItems(ctx context.Context, parentID string, parentType ParentType) ([]Item, error)

	// CreateFolder creates a child folder. A pre-existing sibling with the
	// same name yields a CodeNameConflict error.
	CreateFolder(ctx context.Context, parentID, name string, parentType ParentType) (Folder, error)
	// EnsureFolders returns a folder for every requested name, creating the
	// missing ones. Idempotent at the (parent, name) level: pre-existing
	// folders win over concurrent creates.
	EnsureFolders(ctx context.Context, parentID string, names []string, parentType ParentType) (map[string]Folder, error)

	// CopyItem copies the source item into the target folder under a new name.
	CopyItem(ctx context.Context, sourceID, targetFolderID, newName string) (Item, error)
	// UpdateItemMetadata writes a metadata patch. The server replaces each
	// top-level key present in the patch wholesale and leaves other keys
	// untouched, so callers must send complete subtrees.
	UpdateItemMetadata(ctx context.Context, itemID string, patch map[string]any) (Item, error)

	// UploadFile stores a small configuration artifact as a new item.
	UploadFile(ctx context.Context, parentID, name string, payload []byte, contentType string) (Item, error)
	// DownloadItem fetches the item's file content.
	DownloadItem(ctx context.Context, itemID string) ([]byte, error)
}
