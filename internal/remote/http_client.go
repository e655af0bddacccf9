package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	cerrors "github.com/cloudmount/cloudmount/internal/errors"
	"github.com/rs/zerolog/log"
)

// BaseURL is the API root.
const BaseURL = "https://graph.microsoft.com/v1.0"

// fieldProjection is the explicit field set requested on the initial delta
// URL.
const fieldProjection = "id,name,eTag,lastModifiedDateTime,size,folder,file,downloadUrl,deleted,parentReference"

const deltaPageSize = 5000

const defaultRequestTimeout = 60 * time.Second

// HTTPClient is the default Client implementation, a thin REST facade over
// the cloud API. Token refresh/auth flows are out of scope; it only reads
// auth.AccessToken on each call, so callers are responsible for keeping it
// current.
type HTTPClient struct {
	HTTP    *http.Client
	Auth    *Auth
	DriveID string
}

// NewHTTPClient constructs a client with sane request timeouts.
func NewHTTPClient(auth *Auth, driveID string) *HTTPClient {
	return &HTTPClient{
		HTTP:    &http.Client{Timeout: defaultRequestTimeout},
		Auth:    auth,
		DriveID: driveID,
	}
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *HTTPClient) do(ctx context.Context, method, resource string, body io.Reader, timeout time.Duration) ([]byte, *http.Response, error) {
	var full string
	if strings.HasPrefix(resource, "http") {
		full = resource
	} else {
		full = BaseURL + resource
	}

	reqCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, method, full, body)
	if err != nil {
		return nil, nil, cerrors.Wrap(err, "failed to build request")
	}
	if c.Auth != nil && c.Auth.AccessToken != "" {
		req.Header.Set("Authorization", "bearer "+c.Auth.AccessToken)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if reqCtx.Err() != nil {
			return nil, nil, reqCtx.Err()
		}
		return nil, nil, cerrors.NewNetworkError("request to "+resource+" failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp, cerrors.Wrap(err, "failed to read response body")
	}

	if resp.StatusCode >= 400 {
		var ae apiError
		_ = json.Unmarshal(data, &ae)
		msg := fmt.Sprintf("%s: %s", ae.Error.Code, ae.Error.Message)
		kind := cerrors.StatusCodeToType(resp.StatusCode)
		log.Warn().Int("status", resp.StatusCode).Str("kind", kind.String()).Str("resource", resource).Msg("remote API error")
		return data, resp, typedFromKind(kind, msg, resp.StatusCode)
	}
	return data, resp, nil
}

func typedFromKind(kind cerrors.Type, msg string, status int) error {
	switch kind {
	case cerrors.TypeNotFound:
		return cerrors.NewNotFoundError(msg, nil)
	case cerrors.TypeAuth:
		return cerrors.NewAuthError(msg, nil)
	case cerrors.TypeConflict:
		return cerrors.NewConflictError(msg, nil)
	case cerrors.TypeValidation:
		return cerrors.NewValidationError(msg, nil)
	case cerrors.TypeRateLimit:
		return cerrors.NewRateLimitError(msg, nil)
	case cerrors.TypeServer:
		return cerrors.NewServerError(msg, nil)
	default:
		return fmt.Errorf("remote API %d: %s", status, msg)
	}
}

func (c *HTTPClient) rootResource(suffix string) string {
	if c.DriveID != "" {
		return fmt.Sprintf("/drives/%s/root%s", c.DriveID, suffix)
	}
	return "/me/drive/root" + suffix
}

// GetDelta implements Client.GetDelta.
func (c *HTTPClient) GetDelta(ctx context.Context, cursor string) (*DeltaPage, bool, error) {
	resource := cursor
	if resource == "" {
		resource = c.rootResource(fmt.Sprintf("/delta?$select=%s&top=%d", url.QueryEscape(fieldProjection), deltaPageSize))
	}
	data, _, err := c.do(ctx, http.MethodGet, resource, nil, 30*time.Second)
	if err != nil {
		return nil, false, err
	}
	var page DeltaPage
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, false, cerrors.Wrap(err, "failed to decode delta page")
	}
	if page.NextLink != "" {
		return &page, true, nil
	}
	return &page, false, nil
}

// GetItemByID implements Client.GetItemByID.
func (c *HTTPClient) GetItemByID(ctx context.Context, id string) (*Item, error) {
	data, _, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/me/drive/items/%s", url.PathEscape(id)), nil, 30*time.Second)
	if err != nil {
		return nil, err
	}
	item := &Item{}
	if err := json.Unmarshal(data, item); err != nil {
		return nil, cerrors.Wrap(err, "failed to decode item")
	}
	return item, nil
}

// Download implements Client.Download.
func (c *HTTPClient) Download(ctx context.Context, downloadURL string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return cerrors.Wrap(err, "failed to build download request")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return cerrors.NewNetworkError("download failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return typedFromKind(cerrors.StatusCodeToType(resp.StatusCode), "download failed", resp.StatusCode)
	}
	_, err = io.Copy(w, resp.Body)
	if err != nil {
		return cerrors.NewNetworkError("download stream interrupted", err)
	}
	return nil
}

// Upload implements Client.Upload. Files beyond a simple single-shot
// threshold would need a resumable upload session; chunked upload sessions
// are not implemented, matching the decision to skip partial-range transfer
// of very large objects.
func (c *HTTPClient) Upload(ctx context.Context, parentID, name string, content io.Reader, size int64) (*Item, error) {
	buf, err := io.ReadAll(content)
	if err != nil {
		return nil, cerrors.NewIOError("failed to read staged content for upload", err)
	}
	resource := fmt.Sprintf("/me/drive/items/%s:/%s:/content", url.PathEscape(parentID), url.PathEscape(name))
	data, _, err := c.do(ctx, http.MethodPut, resource, bytes.NewReader(buf), time.Duration(size/1024/1024+1)*time.Minute)
	if err != nil {
		return nil, err
	}
	item := &Item{}
	if err := json.Unmarshal(data, item); err != nil {
		return nil, cerrors.Wrap(err, "failed to decode uploaded item")
	}
	return item, nil
}

// CreateFolder implements Client.CreateFolder.
func (c *HTTPClient) CreateFolder(ctx context.Context, parentID, name string) (*Item, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"name":                              name,
		"folder":                            map[string]interface{}{},
		"@microsoft.graph.conflictBehavior": "rename",
	})
	resource := fmt.Sprintf("/me/drive/items/%s/children", url.PathEscape(parentID))
	data, _, err := c.do(ctx, http.MethodPost, resource, bytes.NewReader(body), 30*time.Second)
	if err != nil {
		return nil, err
	}
	item := &Item{}
	if err := json.Unmarshal(data, item); err != nil {
		return nil, cerrors.Wrap(err, "failed to decode created folder")
	}
	return item, nil
}

// Delete implements Client.Delete.
func (c *HTTPClient) Delete(ctx context.Context, id string) error {
	_, _, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/me/drive/items/%s", url.PathEscape(id)), nil, 30*time.Second)
	return err
}

// Rename implements Client.Rename.
func (c *HTTPClient) Rename(ctx context.Context, id, newName, newParentID string) error {
	body, _ := json.Marshal(map[string]interface{}{
		"name":            newName,
		"parentReference": map[string]interface{}{"id": newParentID},
	})
	_, _, err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/me/drive/items/%s", url.PathEscape(id)), bytes.NewReader(body), 30*time.Second)
	return err
}

var _ Client = (*HTTPClient)(nil)
