// Package editor talks to the collaborative editing service that hosts the live
// documents of document sessions. Every call is idempotent: creating an existing
// document, or revoking access that was never granted, succeeds.
package editor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/materials-commons/filegate/pkg/config"
	"github.com/materials-commons/filegate/pkg/gwerr"
)

type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
)

type Adapter interface {
	CreateDocument(ctx context.Context, id, owner string) error
	DeleteDocument(ctx context.Context, id string) error
	GrantAccess(ctx context.Context, id, identity string, perm Permission) error
	RevokeAccess(ctx context.Context, id, identity string) error
}

// New returns the HTTP adapter for cfg, or a NopAdapter when no editing service is
// configured.
func New(cfg config.EditorConfig) Adapter {
	if cfg.URL == "" {
		return NopAdapter{}
	}

	return NewHTTPAdapter(cfg)
}

// NopAdapter accepts every call. It is used when no editing service is configured.
type NopAdapter struct{}

func (NopAdapter) CreateDocument(context.Context, string, string) error { return nil }

func (NopAdapter) DeleteDocument(context.Context, string) error { return nil }

func (NopAdapter) GrantAccess(context.Context, string, string, Permission) error { return nil }

func (NopAdapter) RevokeAccess(context.Context, string, string) error { return nil }

const defaultTimeout = 30 * time.Second

type HTTPAdapter struct {
	client *resty.Client
}

func NewHTTPAdapter(cfg config.EditorConfig) *HTTPAdapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := resty.New().
		SetBaseURL(cfg.URL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	return &HTTPAdapter{client: client}
}

type createDocumentRequest struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`
}

type grantRequest struct {
	Permission Permission `json:"permission"`
}

// ErrorResponse is the JSON body the editing service sends with a failed call.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (a *HTTPAdapter) CreateDocument(ctx context.Context, id, owner string) error {
	resp, err := a.client.R().SetContext(ctx).
		SetBody(createDocumentRequest{ID: id, Owner: owner}).
		Post("/documents")

	return checkResponse(resp, err, "create document "+id, http.StatusConflict)
}

func (a *HTTPAdapter) DeleteDocument(ctx context.Context, id string) error {
	resp, err := a.client.R().SetContext(ctx).
		Delete("/documents/" + url.PathEscape(id))

	return checkResponse(resp, err, "delete document "+id, http.StatusNotFound)
}

func (a *HTTPAdapter) GrantAccess(ctx context.Context, id, identity string, perm Permission) error {
	resp, err := a.client.R().SetContext(ctx).
		SetBody(grantRequest{Permission: perm}).
		Put(accessPath(id, identity))

	return checkResponse(resp, err, fmt.Sprintf("grant %s access on %s to %s", perm, id, identity))
}

func (a *HTTPAdapter) RevokeAccess(ctx context.Context, id, identity string) error {
	resp, err := a.client.R().SetContext(ctx).
		Delete(accessPath(id, identity))

	return checkResponse(resp, err, fmt.Sprintf("revoke access on %s from %s", id, identity), http.StatusNotFound)
}

func accessPath(id, identity string) string {
	return "/documents/" + url.PathEscape(id) + "/access/" + url.PathEscape(identity)
}

// checkResponse turns a failed call into a BackendFailure. Statuses in alsoOK count as
// success.
func checkResponse(resp *resty.Response, err error, what string, alsoOK ...int) error {
	if err != nil {
		return gwerr.Wrapf(gwerr.BackendFailure, err, "editor: %s", what)
	}

	if resp.IsSuccess() {
		return nil
	}

	for _, status := range alsoOK {
		if resp.StatusCode() == status {
			return nil
		}
	}

	var errResp ErrorResponse
	if jsonErr := json.Unmarshal(resp.Body(), &errResp); jsonErr != nil || (errResp.Message == "" && errResp.Error == "") {
		return gwerr.E(gwerr.BackendFailure, "editor: %s (HTTP Status: %d)", what, resp.StatusCode())
	}

	return gwerr.E(gwerr.BackendFailure, "editor: %s (HTTP Status: %d)- %s: %s", what, resp.StatusCode(), errResp.Error, errResp.Message)
}
