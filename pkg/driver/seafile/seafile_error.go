package seafile

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
	"github.com/materials-commons/filegate/pkg/gwerr"
)

// ErrorResponse is the JSON seafile answers with when an api2 call fails. Some endpoints
// use "error_msg", older ones "detail".
type ErrorResponse struct {
	ErrorMsg string `json:"error_msg"`
	Detail   string `json:"detail"`
}

func (e ErrorResponse) message() string {
	if e.ErrorMsg != "" {
		return e.ErrorMsg
	}

	return e.Detail
}

// toErrorFromResponse turns a failed response into a kinded error. It returns nil for
// successful responses.
func toErrorFromResponse(resp *resty.Response, what string) error {
	if !resp.IsError() {
		return nil
	}

	var errorResponse ErrorResponse
	msg := string(resp.Body())
	if err := json.Unmarshal(resp.Body(), &errorResponse); err == nil && errorResponse.message() != "" {
		msg = errorResponse.message()
	}

	err := fmt.Errorf("(HTTP Status: %d) %s", resp.StatusCode(), msg)

	switch resp.StatusCode() {
	case http.StatusNotFound:
		return gwerr.Wrapf(gwerr.NotFound, err, "%s not found", what)
	case http.StatusUnauthorized:
		return gwerr.Wrapf(gwerr.NeedsAuthentication, err, "%s", what)
	case http.StatusForbidden:
		return gwerr.Wrapf(gwerr.PermissionDenied, err, "%s", what)
	case http.StatusConflict:
		return gwerr.Wrapf(gwerr.AlreadyExists, err, "%s already exists", what)
	case http.StatusBadRequest:
		return gwerr.Wrapf(gwerr.InvalidRequest, err, "%s", what)
	case 440, http.StatusRequestEntityTooLarge:
		return gwerr.Wrapf(gwerr.InvalidRequest, err, "%s is too large", what)
	case 443:
		return gwerr.Wrapf(gwerr.PermissionDenied, err, "quota exceeded writing %s", what)
	default:
		return gwerr.Wrapf(gwerr.BackendFailure, err, "%s", what)
	}
}
