package archive

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) (*HTTPClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewHTTPClient(HTTPOptions{
		BaseURL:   srv.URL,
		Token:     "tok",
		BaseDelay: time.Millisecond,
		MaxDelay:  2 * time.Millisecond,
	})
	return client, srv
}

func TestHTTPClient_TestConnection(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/system/version" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(Version{APIVersion: "3.1.24"})
	}))
	v, err := client.TestConnection(context.Background())
	if err != nil {
		t.Fatalf("test connection: %v", err)
	}
	if v.APIVersion != "3.1.24" {
		t.Fatalf("unexpected version %+v", v)
	}
}

func TestHTTPClient_AuthenticateStoresToken(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/user/authentication" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var creds map[string]string
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds["username"] != "tech" || creds["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "Login failed."})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"authToken": map[string]any{"token": "session-token"},
			"user":      map[string]any{"_id": "u1", "login": "tech"},
		})
	}))

	if _, err := client.Authenticate(context.Background(), "tech", "nope"); !IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	res, err := client.Authenticate(context.Background(), "tech", "secret")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if res.Token != "session-token" || res.User.Login != "tech" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestHTTPClient_TokenHeaderSent(t *testing.T) {
	var got atomic.Value
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("Girder-Token"))
		_ = json.NewEncoder(w).Encode([]Collection{})
	}))
	if _, err := client.ListCollections(context.Background()); err != nil {
		t.Fatalf("list collections: %v", err)
	}
	if got.Load() != "tok" {
		t.Fatalf("token header not sent, got %q", got.Load())
	}
}

func TestHTTPClient_RetriesOn500(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode([]Item{{ID: "i1", Name: "a.czi"}})
	}))
	items, err := client.ListItems(context.Background(), "f1", ParentFolder)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(items) != 1 || atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected success after 3 calls, got %d items after %d calls", len(items), calls)
	}
}

func TestHTTPClient_CreateFolderConflictMapped(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "A folder with that name already exists here."})
	}))
	_, err := client.CreateFolder(context.Background(), "p1", "BDSA-001-0001", ParentFolder)
	if !IsNameConflict(err) {
		t.Fatalf("expected name conflict, got %v", err)
	}
}

func TestHTTPClient_ErrorCodes(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/item/missing/download":
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "Invalid resource id."})
		default:
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "You must be logged in."})
		}
	}))
	_, err := client.DownloadItem(context.Background(), "missing")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err = client.ListCollections(context.Background())
	if !IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestHTTPClient_UpdateItemMetadataSendsWholePatch(t *testing.T) {
	var body map[string]any
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/item/i1/metadata" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(Item{ID: "i1"})
	}))
	patch := map[string]any{"canonical": map[string]any{"local": map[string]any{"localCaseId": "05-662"}}}
	if _, err := client.UpdateItemMetadata(context.Background(), "i1", patch); err != nil {
		t.Fatalf("update metadata: %v", err)
	}
	canonical, ok := body["canonical"].(map[string]any)
	if !ok {
		t.Fatalf("patch body missing canonical key: %+v", body)
	}
	if _, ok := canonical["local"]; !ok {
		t.Fatalf("patch body missing local subtree: %+v", canonical)
	}
}

func TestHTTPClient_UploadFileTwoPhase(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/file":
			if r.URL.Query().Get("size") != "4" {
				t.Errorf("size query wrong: %s", r.URL.RawQuery)
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"_id": "upload1"})
		case "/file/chunk":
			if r.URL.Query().Get("uploadId") != "upload1" {
				t.Errorf("uploadId wrong: %s", r.URL.RawQuery)
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"_id": "file1", "itemId": "item1"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	item, err := client.UploadFile(context.Background(), "f1", "dsa.json", []byte("{}  "), "application/json")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if item.ID != "item1" || item.Name != "dsa.json" {
		t.Fatalf("unexpected item %+v", item)
	}
}
