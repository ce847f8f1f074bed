package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/TheMichaelB/davsync/internal/events"
	"github.com/TheMichaelB/davsync/internal/models"
)

const e2ePrefix = "/ocs/v2.php/apps/end_to_end_encryption/api/"

// Capabilities is the subset of server capabilities the engine consumes.
type Capabilities struct {
	E2EEnabled bool
	E2EVersion models.E2EVersion
}

type ocsEnvelope struct {
	OCS struct {
		Meta struct {
			Status     string `json:"status"`
			StatusCode int    `json:"statuscode"`
			Message    string `json:"message"`
		} `json:"meta"`
		Data json.RawMessage `json:"data"`
	} `json:"ocs"`
}

// OCSClient talks to the OCS endpoints for capabilities and end-to-end
// encryption.
type OCSClient struct {
	t      Transport
	logger *events.Logger
}

// NewOCSClient wraps a transport.
func NewOCSClient(t Transport, logger *events.Logger) *OCSClient {
	return &OCSClient{
		t:      t,
		logger: logger.WithField("component", "ocs_client"),
	}
}

func (c *OCSClient) e2eURL(v models.E2EVersion, parts string) string {
	return c.t.BaseURL() + e2ePrefix + v.APIPath() + "/" + parts + "?format=json"
}

func (c *OCSClient) call(ctx context.Context, req *Request, out interface{}) (*Response, error) {
	resp, err := c.t.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return resp, ocsError(req, resp)
	}
	if out == nil {
		return resp, nil
	}

	var env ocsEnvelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return resp, fmt.Errorf("parse ocs response: %w", err)
	}
	if err := json.Unmarshal(env.OCS.Data, out); err != nil {
		return resp, fmt.Errorf("parse ocs data: %w", err)
	}
	return resp, nil
}

func ocsError(req *Request, resp *Response) error {
	msg := ""
	var env ocsEnvelope
	if err := json.Unmarshal(resp.Body, &env); err == nil {
		msg = env.OCS.Meta.Message
	}
	return &models.RemoteError{
		Method:     req.Method,
		Path:       req.URL,
		StatusCode: resp.StatusCode,
		Message:    msg,
	}
}

// Capabilities fetches the server capabilities.
func (c *OCSClient) Capabilities(ctx context.Context) (*Capabilities, error) {
	req := NewRequest(http.MethodGet, c.t.BaseURL()+"/ocs/v1.php/cloud/capabilities?format=json", nil)

	var data struct {
		Capabilities struct {
			E2E struct {
				Enabled    bool   `json:"enabled"`
				APIVersion string `json:"api-version"`
			} `json:"end-to-end-encryption"`
		} `json:"capabilities"`
	}
	if _, err := c.call(ctx, req, &data); err != nil {
		return nil, fmt.Errorf("fetch capabilities: %w", err)
	}

	caps := &Capabilities{E2EEnabled: data.Capabilities.E2E.Enabled}
	if caps.E2EEnabled {
		v, err := models.ParseE2EVersion(data.Capabilities.E2E.APIVersion)
		if err != nil {
			return nil, err
		}
		caps.E2EVersion = v
	}
	return caps, nil
}

// Lock acquires the folder lock. For v2 the counter must exceed the last
// counter the server accepted for this folder.
func (c *OCSClient) Lock(ctx context.Context, v models.E2EVersion, path string, fileID, counter int64) (string, error) {
	req := NewRequest(http.MethodPost, c.e2eURL(v, "lock/"+strconv.FormatInt(fileID, 10)), nil)
	if v.IsV2() {
		req.Header.Set("X-NC-E2EE-COUNTER", strconv.FormatInt(counter, 10))
	}

	var data struct {
		Token string `json:"e2e-token"`
	}
	resp, err := c.call(ctx, req, &data)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusConflict, http.StatusPreconditionFailed:
				return "", &models.LockError{Op: "lock", Path: path, Err: fmt.Errorf("%w: %v", models.ErrCounterMismatch, err)}
			}
		}
		return "", &models.LockError{Op: "lock", Path: path, Err: err}
	}
	if data.Token == "" {
		return "", &models.LockError{Op: "lock", Path: path, Err: fmt.Errorf("empty token")}
	}
	return data.Token, nil
}

// Unlock releases the folder lock.
func (c *OCSClient) Unlock(ctx context.Context, v models.E2EVersion, path string, fileID int64, token string) error {
	req := NewRequest(http.MethodDelete, c.e2eURL(v, "lock/"+strconv.FormatInt(fileID, 10)), nil)
	req.Header.Set("e2e-token", token)

	if _, err := c.call(ctx, req, nil); err != nil {
		return &models.LockError{Op: "unlock", Path: path, Err: err}
	}
	return nil
}

// GetMetadata downloads the raw metadata document of a folder. A folder
// without metadata yields an error matching models.ErrNotFound.
func (c *OCSClient) GetMetadata(ctx context.Context, v models.E2EVersion, fileID int64) (string, error) {
	req := NewRequest(http.MethodGet, c.e2eURL(v, "meta-data/"+strconv.FormatInt(fileID, 10)), nil)

	var data struct {
		Metadata string `json:"meta-data"`
	}
	if _, err := c.call(ctx, req, &data); err != nil {
		return "", fmt.Errorf("get metadata: %w", err)
	}
	return data.Metadata, nil
}

// StoreMetadata creates the metadata document of a folder.
func (c *OCSClient) StoreMetadata(ctx context.Context, v models.E2EVersion, fileID int64, token, metadata string) error {
	return c.sendMetadata(ctx, http.MethodPost, v, fileID, token, metadata)
}

// UpdateMetadata overwrites the metadata document of a folder.
func (c *OCSClient) UpdateMetadata(ctx context.Context, v models.E2EVersion, fileID int64, token, metadata string) error {
	return c.sendMetadata(ctx, http.MethodPut, v, fileID, token, metadata)
}

func (c *OCSClient) sendMetadata(ctx context.Context, method string, v models.E2EVersion, fileID int64, token, metadata string) error {
	form := url.Values{}
	form.Set("metaData", metadata)
	if method == http.MethodPut {
		form.Set("e2e-token", token)
	}

	req := NewRequest(method, c.e2eURL(v, "meta-data/"+strconv.FormatInt(fileID, 10)), []byte(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("e2e-token", token)

	if _, err := c.call(ctx, req, nil); err != nil {
		return fmt.Errorf("upload metadata: %w", err)
	}
	return nil
}

// MarkEncrypted flags an empty folder as end-to-end encrypted.
func (c *OCSClient) MarkEncrypted(ctx context.Context, fileID int64) error {
	req := NewRequest(http.MethodPut, c.t.BaseURL()+e2ePrefix+"v1/encrypted/"+strconv.FormatInt(fileID, 10)+"?format=json", nil)
	if _, err := c.call(ctx, req, nil); err != nil {
		return fmt.Errorf("mark encrypted: %w", err)
	}
	return nil
}

// GetPrivateKey fetches the mnemonic protected private key of the user.
func (c *OCSClient) GetPrivateKey(ctx context.Context) (string, error) {
	req := NewRequest(http.MethodGet, c.t.BaseURL()+e2ePrefix+"v1/private-key?format=json", nil)

	var data struct {
		PrivateKey string `json:"private-key"`
	}
	if _, err := c.call(ctx, req, &data); err != nil {
		return "", fmt.Errorf("get private key: %w", err)
	}
	return data.PrivateKey, nil
}

// GetPublicKey fetches the certificate of a user.
func (c *OCSClient) GetPublicKey(ctx context.Context, user string) (string, error) {
	users, _ := json.Marshal([]string{user})
	req := NewRequest(http.MethodGet, c.t.BaseURL()+e2ePrefix+"v1/public-key?format=json&users="+url.QueryEscape(string(users)), nil)

	var data struct {
		PublicKeys map[string]string `json:"public-keys"`
	}
	if _, err := c.call(ctx, req, &data); err != nil {
		return "", fmt.Errorf("get public key: %w", err)
	}
	key, ok := data.PublicKeys[user]
	if !ok {
		return "", fmt.Errorf("get public key for %s: %w", user, models.ErrNotFound)
	}
	return key, nil
}
