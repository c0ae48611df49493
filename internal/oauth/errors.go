package oauth

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error independently of its wire representation.
type Kind int

const (
	KindValidation Kind = iota
	KindAuthentication
	KindAuthorization
	KindTokenState
	KindConflict
	KindStoreFailure
	KindCryptoFailure
	KindConfiguration
)

// Wire-level error codes per RFC 6749 §5.2 / RFC 6750 §3.1.
const (
	CodeInvalidRequest          = "invalid_request"
	CodeInvalidClient           = "invalid_client"
	CodeInvalidGrant            = "invalid_grant"
	CodeUnauthorizedClient      = "unauthorized_client"
	CodeUnsupportedGrantType    = "unsupported_grant_type"
	CodeInvalidScope            = "invalid_scope"
	CodeAccessDenied            = "access_denied"
	CodeUnsupportedResponseType = "unsupported_response_type"
	CodeServerError             = "server_error"
	CodeTemporarilyUnavailable  = "temporarily_unavailable"
	CodeInvalidToken            = "invalid_token"
	CodeInsufficientScope       = "insufficient_scope"
)

// Error is the typed error that travels through the core. Only the HTTP
// adapter translates it to the wire form; internal detail (wrapped cause,
// row ids) is logged, never returned to the client.
type Error struct {
	Kind        Kind
	Code        string
	Description string
	err         error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error { return e.err }

// E constructs a core error.
func E(kind Kind, code, description string) *Error {
	return &Error{Kind: kind, Code: code, Description: description}
}

// Wrap constructs a core error carrying an internal cause.
func Wrap(kind Kind, code, description string, err error) *Error {
	return &Error{Kind: kind, Code: code, Description: description, err: err}
}

// Convenience constructors for the common taxonomy entries.

func InvalidRequest(description string) *Error {
	return E(KindValidation, CodeInvalidRequest, description)
}

func InvalidClient(description string) *Error {
	return E(KindAuthentication, CodeInvalidClient, description)
}

func InvalidGrant(description string) *Error {
	return E(KindAuthentication, CodeInvalidGrant, description)
}

func InvalidScope(description string) *Error {
	return E(KindValidation, CodeInvalidScope, description)
}

func UnauthorizedClient(description string) *Error {
	return E(KindAuthorization, CodeUnauthorizedClient, description)
}

func AccessDenied(description string) *Error {
	return E(KindAuthorization, CodeAccessDenied, description)
}

func InvalidToken(description string) *Error {
	return E(KindTokenState, CodeInvalidToken, description)
}

func ServerError(err error) *Error {
	return Wrap(KindStoreFailure, CodeServerError, "internal error", err)
}

// AsError extracts a core *Error from an error chain. Anything that is not
// a core error maps to server_error so internal failures never leak detail.
func AsError(err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return ServerError(err)
}

// ErrorResponse is the JSON error object of RFC 6749 §5.2.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorURI         string `json:"error_uri,omitempty"`
}

// Response converts a core error to its wire form. The description of
// server_error is normalized so internals never leak.
func (e *Error) Response() ErrorResponse {
	desc := e.Description
	if e.Code == CodeServerError {
		desc = "internal server error"
	}
	return ErrorResponse{Error: e.Code, ErrorDescription: desc}
}

// HTTPStatus maps a wire error code to an HTTP status per RFC 6749 / 6750.
func HTTPStatus(code string) int {
	switch code {
	case CodeInvalidClient, CodeInvalidToken, CodeInsufficientScope:
		return http.StatusUnauthorized
	case CodeServerError:
		return http.StatusInternalServerError
	case CodeTemporarilyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}
