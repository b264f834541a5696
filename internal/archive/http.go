package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// TokenProvider supplies the current session token for a request, or "" when
// the client is unauthenticated.
type TokenProvider func(ctx context.Context) (string, error)

// HTTPOptions configures the REST client.
type HTTPOptions struct {
	BaseURL     string
	TokenHeader string // header carrying the token, default "Girder-Token"
	Token       string // static token; ignored when TokenProvider is set
	Tokens      TokenProvider
	HTTPClient  *http.Client
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// HTTPClient talks JSON over HTTP to a Girder-style archive. Transient
// failures (transport errors, 429, 5xx) are retried with exponential backoff;
// everything else maps to a typed *Error.
type HTTPClient struct {
	baseURL     string
	tokenHeader string
	token       string
	tokens      TokenProvider
	httpClient  *http.Client
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient constructs a REST client for the archive at opts.BaseURL.
func NewHTTPClient(opts HTTPOptions) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	header := strings.TrimSpace(opts.TokenHeader)
	if header == "" {
		header = "Girder-Token"
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPClient{
		baseURL:     baseURL,
		tokenHeader: header,
		token:       strings.TrimSpace(opts.Token),
		tokens:      opts.Tokens,
		httpClient:  httpClient,
		maxRetries:  maxRetries,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// SetToken replaces the static session token.
func (c *HTTPClient) SetToken(token string) {
	c.token = strings.TrimSpace(token)
}

func (c *HTTPClient) TestConnection(ctx context.Context) (Version, error) {
	var out Version
	err := c.doJSON(ctx, http.MethodGet, "/system/version", nil, &out)
	return out, err
}

func (c *HTTPClient) Authenticate(ctx context.Context, username, password string) (AuthResult, error) {
	body := map[string]string{"username": username, "password": password}
	var out struct {
		AuthToken struct {
			Token string `json:"token"`
		} `json:"authToken"`
		User User `json:"user"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/user/authentication", body, &out); err != nil {
		var ae *Error
		if asArchiveError(err, &ae) && ae.Status == http.StatusUnauthorized {
			return AuthResult{}, newError(CodeAuth, ae.Status, "bad credentials")
		}
		return AuthResult{}, err
	}
	c.token = out.AuthToken.Token
	return AuthResult{Token: out.AuthToken.Token, User: out.User}, nil
}

func (c *HTTPClient) CurrentUser(ctx context.Context) (User, error) {
	var out User
	err := c.doJSON(ctx, http.MethodGet, "/user/me", nil, &out)
	if err == nil && out.ID == "" {
		// Girder answers 200 with a null body for anonymous sessions.
		return User{}, newError(CodeAuth, 0, "token is not valid")
	}
	return out, err
}

func (c *HTTPClient) Logout(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodDelete, "/user/authentication", nil, nil)
}

func (c *HTTPClient) ListCollections(ctx context.Context) ([]Collection, error) {
	var out []Collection
	err := c.doJSON(ctx, http.MethodGet, "/collection?limit=0", nil, &out)
	return out, err
}

func (c *HTTPClient) ListFolders(ctx context.Context, parentID string, parentType ParentType) ([]Folder, error) {
	q := url.Values{}
	q.Set("parentId", parentID)
	q.Set("parentType", string(parentType))
	q.Set("limit", "0")
	var out []Folder
	err := c.doJSON(ctx, http.MethodGet, "/folder?"+q.Encode(), nil, &out)
	return out, err
}

func (c *HTTPClient) ListItems(ctx context.Context, parentID string, parentType ParentType) ([]Item, error) {
	q := url.Values{}
	q.Set("type", string(parentType))
	q.Set("limit", "0")
	var out []Item
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/resource/%s/items?%s", url.PathEscape(parentID), q.Encode()), nil, &out)
	return out, err
}

func (c *HTTPClient) CreateFolder(ctx context.Context, parentID, name string, parentType ParentType) (Folder, error) {
	q := url.Values{}
	q.Set("parentId", parentID)
	q.Set("parentType", string(parentType))
	q.Set("name", name)
	var out Folder
	err := c.doJSON(ctx, http.MethodPost, "/folder?"+q.Encode(), nil, &out)
	if err != nil {
		var ae *Error
		if asArchiveError(err, &ae) && ae.Status == http.StatusBadRequest && strings.Contains(strings.ToLower(ae.Message), "already exists") {
			return Folder{}, newError(CodeNameConflict, ae.Status, "folder %q already exists under %s", name, parentID)
		}
		return Folder{}, err
	}
	return out, nil
}

func (c *HTTPClient) EnsureFolders(ctx context.Context, parentID string, names []string, parentType ParentType) (map[string]Folder, error) {
	return ensureFolders(ctx, c, parentID, names, parentType)
}

func (c *HTTPClient) CopyItem(ctx context.Context, sourceID, targetFolderID, newName string) (Item, error) {
	q := url.Values{}
	q.Set("folderId", targetFolderID)
	q.Set("name", newName)
	var out Item
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/item/%s/copy?%s", url.PathEscape(sourceID), q.Encode()), nil, &out)
	return out, err
}

func (c *HTTPClient) UpdateItemMetadata(ctx context.Context, itemID string, patch map[string]any) (Item, error) {
	var out Item
	err := c.doJSON(ctx, http.MethodPut, fmt.Sprintf("/item/%s/metadata", url.PathEscape(itemID)), patch, &out)
	return out, err
}

// UploadFile performs the two-phase upload: create the upload handle, then
// send the payload as a single chunk. Payloads here are small configuration
// artifacts, so chunking is never needed.
func (c *HTTPClient) UploadFile(ctx context.Context, parentID, name string, payload []byte, contentType string) (Item, error) {
	q := url.Values{}
	q.Set("parentType", "folder")
	q.Set("parentId", parentID)
	q.Set("name", name)
	q.Set("size", strconv.Itoa(len(payload)))
	if contentType != "" {
		q.Set("mimeType", contentType)
	}
	var upload struct {
		ID string `json:"_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/file?"+q.Encode(), nil, &upload); err != nil {
		return Item{}, err
	}
	cq := url.Values{}
	cq.Set("uploadId", upload.ID)
	cq.Set("offset", "0")
	var file struct {
		ID     string `json:"_id"`
		ItemID string `json:"itemId"`
		Name   string `json:"name"`
	}
	if err := c.doRaw(ctx, http.MethodPost, "/file/chunk?"+cq.Encode(), payload, "application/octet-stream", &file); err != nil {
		return Item{}, err
	}
	return Item{ID: file.ItemID, Name: name, FolderID: parentID}, nil
}

func (c *HTTPClient) DownloadItem(ctx context.Context, itemID string) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.doDownload(ctx, fmt.Sprintf("/item/%s/download", url.PathEscape(itemID)), &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var payload []byte
	contentType := ""
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
		contentType = "application/json"
	}
	return c.doRaw(ctx, method, requestPath, payload, contentType, out)
}

func (c *HTTPClient) doRaw(ctx context.Context, method, requestPath string, payload []byte, contentType string, out any) error {
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return newError(CodeNetwork, 0, "build request: %v", err)
		}
		if err := c.applyToken(ctx, req); err != nil {
			return err
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
					return newError(CodeNetwork, 0, "%v", waitErr)
				}
				continue
			}
			return newError(CodeNetwork, 0, "%v", err)
		}
		respBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return newError(CodeNetwork, 0, "read response: %v", readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(respBytes) == 0 || string(respBytes) == "null" {
				return nil
			}
			if err := json.Unmarshal(respBytes, out); err != nil {
				return newError(CodeNetwork, resp.StatusCode, "decode response: %v", err)
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
				return newError(CodeNetwork, 0, "%v", waitErr)
			}
			continue
		}
		return c.errorFromResponse(resp.StatusCode, respBytes)
	}
}

func (c *HTTPClient) doDownload(ctx context.Context, requestPath string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+requestPath, nil)
	if err != nil {
		return newError(CodeNetwork, 0, "build request: %v", err)
	}
	if err := c.applyToken(ctx, req); err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return newError(CodeNetwork, 0, "%v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBytes, _ := io.ReadAll(resp.Body)
		return c.errorFromResponse(resp.StatusCode, respBytes)
	}
	_, err = io.Copy(w, resp.Body)
	if err != nil {
		return newError(CodeNetwork, 0, "read payload: %v", err)
	}
	return nil
}

func (c *HTTPClient) applyToken(ctx context.Context, req *http.Request) error {
	token := c.token
	if c.tokens != nil {
		var err error
		token, err = c.tokens(ctx)
		if err != nil {
			return newError(CodeAuth, 0, "resolve token: %v", err)
		}
	}
	if token != "" {
		req.Header.Set(c.tokenHeader, token)
	}
	return nil
}

func (c *HTTPClient) errorFromResponse(status int, body []byte) error {
	var errPayload struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	}
	_ = json.Unmarshal(body, &errPayload)
	message := errPayload.Message
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return newError(CodeAuth, status, "%s", message)
	case status == http.StatusNotFound:
		return newError(CodeNotFound, status, "%s", message)
	case status == http.StatusRequestEntityTooLarge:
		return newError(CodeQuota, status, "%s", message)
	case status >= 500 || status == http.StatusTooManyRequests:
		return newError(CodeNetwork, status, "%s", message)
	default:
		return newError(CodeBadRequest, status, "%s", message)
	}
}

func (c *HTTPClient) retryDelay(attempt int) time.Duration {
	delay := c.baseDelay << (attempt - 1)
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	return delay
}

func waitWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func asArchiveError(err error, target **Error) bool {
	ae, ok := err.(*Error)
	if ok {
		*target = ae
	}
	return ok
}
