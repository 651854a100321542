// Package msgraph is a minimal Microsoft Graph drive client covering the
// four operations the delivery protocol needs: children listing filtered by
// exact name, single-shot content writes, upload-session creation with
// conflict-replace behavior, and ranged chunk writes against a session URL.
package msgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const defaultBaseURL = "https://graph.microsoft.com/v1.0"

// tokenEarlyExpiry forces a refresh when the bearer token is within this
// window of expiring, so no call starts with a token about to die mid-flight.
const tokenEarlyExpiry = 5 * time.Minute

// ErrAuth marks a failed bearer-token acquisition. It is never retried at
// this layer; retry policy belongs to the token endpoint itself.
var ErrAuth = errors.New("graph token acquisition failed")

// Config carries the app-registration credentials for client-credentials
// authentication against a tenant.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

// Client calls the Graph drive API with a cached client-credentials token.
type Client struct {
	httpClient *http.Client
	tokens     oauth2.TokenSource
	baseURL    string

	// Site and drive lookups are stable for a deployment; cache them so a
	// batch of uploads resolves them once.
	lookups *cache.Cache
}

// NewClient builds a drive client for the tenant in cfg. The token source
// refreshes automatically once a token is inside the early-expiry window.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.TenantID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("msgraph: tenant, client id and client secret must all be set")
	}
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID),
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	return &Client{
		httpClient: &http.Client{Timeout: 90 * time.Second},
		tokens:     oauth2.ReuseTokenSourceWithExpiry(nil, cc.TokenSource(ctx), tokenEarlyExpiry),
		baseURL:    defaultBaseURL,
		lookups:    cache.New(time.Hour, 2*time.Hour),
	}, nil
}

// NewClientForTesting wires a client against an arbitrary endpoint and token
// source.
func NewClientForTesting(baseURL string, tokens oauth2.TokenSource, httpClient *http.Client) *Client {
	return &Client{
		httpClient: httpClient,
		tokens:     tokens,
		baseURL:    baseURL,
		lookups:    cache.New(time.Hour, 2*time.Hour),
	}
}

// ResolveDrive maps a group to its default document drive: group root site,
// then the site's first drive. The result is cached.
func (c *Client) ResolveDrive(ctx context.Context, groupID string) (string, error) {
	if id, ok := c.lookups.Get("drive:" + groupID); ok {
		return id.(string), nil
	}

	var site struct {
		ID string `json:"id"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/groups/%s/sites/root", groupID), &site); err != nil {
		return "", fmt.Errorf("failed to get team site: %w", err)
	}
	if site.ID == "" {
		return "", fmt.Errorf("could not determine SharePoint site for group %s", groupID)
	}

	var drives struct {
		Value []struct {
			ID string `json:"id"`
		} `json:"value"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/sites/%s/drives", site.ID), &drives); err != nil {
		return "", fmt.Errorf("failed to get site drives: %w", err)
	}
	if len(drives.Value) == 0 {
		return "", fmt.Errorf("no drives found in site %s", site.ID)
	}

	driveID := drives.Value[0].ID
	c.lookups.Set("drive:"+groupID, driveID, cache.DefaultExpiration)
	return driveID, nil
}

// FindChildByName probes a folder for an item with the exact given name and
// returns its item id when present.
func (c *Client) FindChildByName(ctx context.Context, driveID, folderID, name string) (string, bool, error) {
	filter := url.QueryEscape(fmt.Sprintf("name eq '%s'", strings.ReplaceAll(name, "'", "''")))
	path := fmt.Sprintf("/drives/%s/items/%s/children?$filter=%s", driveID, folderID, filter)

	var children struct {
		Value []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"value"`
	}
	if err := c.getJSON(ctx, path, &children); err != nil {
		return "", false, fmt.Errorf("existence probe for %q failed: %w", name, err)
	}
	for _, item := range children.Value {
		if item.Name == name {
			return item.ID, true, nil
		}
	}
	return "", false, nil
}

// PutContentByID replaces the content of an existing item in one request.
func (c *Client) PutContentByID(ctx context.Context, driveID, itemID string, data []byte) error {
	path := fmt.Sprintf("/drives/%s/items/%s/content", driveID, itemID)
	return c.putContent(ctx, path, data)
}

// PutContentByPath creates an item under a folder by name, carrying the
// whole payload in one request.
func (c *Client) PutContentByPath(ctx context.Context, driveID, folderID, name string, data []byte) error {
	path := fmt.Sprintf("/drives/%s/items/%s:/%s:/content", driveID, folderID, url.PathEscape(name))
	return c.putContent(ctx, path, data)
}

// CreateSessionByID opens an upload session against an existing item,
// declaring conflict behavior "replace".
func (c *Client) CreateSessionByID(ctx context.Context, driveID, itemID string) (string, error) {
	path := fmt.Sprintf("/drives/%s/items/%s/createUploadSession", driveID, itemID)
	return c.createSession(ctx, path)
}

// CreateSessionByPath opens an upload session for a new item under a folder.
func (c *Client) CreateSessionByPath(ctx context.Context, driveID, folderID, name string) (string, error) {
	path := fmt.Sprintf("/drives/%s/items/%s:/%s:/createUploadSession", driveID, folderID, url.PathEscape(name))
	return c.createSession(ctx, path)
}

// UploadChunk writes one byte range to a session URL. Session URLs are
// pre-authorized, so no bearer header is attached. A 200/201 means the final
// chunk landed and the item is complete; 202 means the session expects more.
func (c *Client) UploadChunk(ctx context.Context, uploadURL string, start, total int64, chunk []byte) (done bool, err error) {
	end := start + int64(len(chunk)) - 1
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(chunk))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return true, nil
	case http.StatusAccepted:
		return false, nil
	default:
		return false, fmt.Errorf("chunk %d-%d rejected: %s", start, end, readAPIError(resp))
	}
}

func (c *Client) createSession(ctx context.Context, path string) (string, error) {
	body := map[string]any{
		"item": map[string]any{
			"@microsoft.graph.conflictBehavior": "replace",
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("failed to create upload session: %s", readAPIError(resp))
	}

	var session struct {
		UploadURL string `json:"uploadUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", fmt.Errorf("failed to decode upload session response: %w", err)
	}
	if session.UploadURL == "" {
		return "", fmt.Errorf("no upload URL returned in session response")
	}
	return session.UploadURL, nil
}

func (c *Client) putContent(ctx context.Context, path string, data []byte) error {
	req, err := c.newRequest(ctx, http.MethodPut, path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("content upload failed: %s", readAPIError(resp))
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("graph GET %s: %s", path, readAPIError(resp))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	tok, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	return req, nil
}

// readAPIError renders a non-success response for error messages, body
// included when it is small enough to be useful.
func readAPIError(resp *http.Response) string {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	if len(detail) == 0 {
		return resp.Status
	}
	return fmt.Sprintf("%s - %s", resp.Status, strings.TrimSpace(string(detail)))
}
