package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the pipeline.
var (
	// ErrNoKeys indicates no decryption key could be obtained for a DRM item.
	ErrNoKeys = errors.New("no decryption keys available")

	// ErrAuthFatal indicates both token refresh and re-login failed.
	ErrAuthFatal = errors.New("authentication failed and cannot be recovered")

	// ErrToolMissing indicates a required external binary was not found.
	ErrToolMissing = errors.New("required external tool not found")

	// ErrNoManifest indicates a playback context carries no stream URL.
	ErrNoManifest = errors.New("playback context has no manifest URL")

	// ErrTrackOmitted indicates the user chose "none" for a track.
	ErrTrackOmitted = errors.New("track omitted by user choice")

	// ErrAlreadyDownloaded indicates the dedup ledger already holds the item.
	ErrAlreadyDownloaded = errors.New("already exists, skip download")
)

// Well-known platform error codes.
const (
	// CodeOK is the success code carried by every API envelope.
	CodeOK = "0000"
	// CodeRefreshTokenInvalid means the refresh token is no longer usable.
	CodeRefreshTokenInvalid = "FS_AU4021"
	// CodeAccountSuspended means the account requires the unban flow.
	CodeAccountSuspended = "FS_AU4030"
	// CodeFanclubOnly means the content needs a fanclub subscription.
	CodeFanclubOnly = "FS_MD9000"
)

// apiErrorMessages maps platform error codes to human-readable messages.
var apiErrorMessages = map[string]string{
	CodeRefreshTokenInvalid: "Refresh token invalid, re-login required",
	CodeAccountSuspended:    "Account suspended",
	CodeFanclubOnly:         "Fanclub-only content",
	"FS_AU4010":             "Invalid credentials",
	"FS_AU4003":             "Session expired",
	"FS_MD4004":             "Media not found",
	"FS_CM4004":             "Community not found",
	"FS_ERR4003":            "Access denied",
}

// APIError is a domain error carried as data: a non-"0000" code returned by
// the platform. It never aborts sibling jobs.
type APIError struct {
	Code    string
	Message string
}

// NewAPIError builds an APIError, filling in the dictionary message when the
// server supplied none.
func NewAPIError(code, message string) *APIError {
	if message == "" {
		if known, ok := apiErrorMessages[code]; ok {
			message = known
		} else {
			message = "server error"
		}
	}
	return &APIError{Code: code, Message: message}
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports code equality so callers can match with errors.Is.
func (e *APIError) Is(target error) bool {
	var other *APIError
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// IsCode reports whether err is an APIError carrying the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
