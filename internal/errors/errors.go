package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Config errors

type ErrConfigNotFound struct {
	Path string
}

func (e *ErrConfigNotFound) Error() string {
	return fmt.Sprintf("config file not found: %s", e.Path)
}

type ErrConfigParse struct {
	Err error
}

func (e *ErrConfigParse) Error() string {
	return fmt.Sprintf("failed to parse YAML: %v", e.Err)
}

func (e *ErrConfigParse) Unwrap() error {
	return e.Err
}

type ErrConfigValidation struct {
	Err error
}

func (e *ErrConfigValidation) Error() string {
	return fmt.Sprintf("config validation failed: %v", e.Err)
}

func (e *ErrConfigValidation) Unwrap() error {
	return e.Err
}

// Database errors

type ErrDatabaseOpen struct {
	Path string
	Err  error
}

func (e *ErrDatabaseOpen) Error() string {
	return fmt.Sprintf("failed to open database %s: %v", e.Path, e.Err)
}

func (e *ErrDatabaseOpen) Unwrap() error {
	return e.Err
}

type ErrDatabaseMigration struct {
	Version int
	Err     error
}

func (e *ErrDatabaseMigration) Error() string {
	return fmt.Sprintf("database migration %d failed: %v", e.Version, e.Err)
}

func (e *ErrDatabaseMigration) Unwrap() error {
	return e.Err
}

type ErrDatabaseQuery struct {
	Operation string
	Err       error
}

func (e *ErrDatabaseQuery) Error() string {
	return fmt.Sprintf("database query failed for operation %s: %v", e.Operation, e.Err)
}

func (e *ErrDatabaseQuery) Unwrap() error {
	return e.Err
}

// Filesystem errors

type ErrDirectoryCreate struct {
	Path string
	Err  error
}

func (e *ErrDirectoryCreate) Error() string {
	return fmt.Sprintf("failed to create directory %s: %v", e.Path, e.Err)
}

func (e *ErrDirectoryCreate) Unwrap() error {
	return e.Err
}

type ErrFileRead struct {
	Path string
	Err  error
}

func (e *ErrFileRead) Error() string {
	return fmt.Sprintf("failed to read file %s: %v", e.Path, e.Err)
}

func (e *ErrFileRead) Unwrap() error {
	return e.Err
}

type ErrFileWrite struct {
	Path string
	Err  error
}

func (e *ErrFileWrite) Error() string {
	return fmt.Sprintf("failed to write file %s: %v", e.Path, e.Err)
}

func (e *ErrFileWrite) Unwrap() error {
	return e.Err
}

// Authentication errors

// ErrInvalidCredentials is returned when the identity provider rejects the
// username/password pair.
type ErrInvalidCredentials struct {
	Reason string
}

func (e *ErrInvalidCredentials) Error() string {
	if e.Reason == "" {
		return "invalid credentials"
	}
	return fmt.Sprintf("invalid credentials: %s", e.Reason)
}

// ErrInvalidChallengeResponse is returned when a second factor code or a
// replacement password is rejected by the provider.
type ErrInvalidChallengeResponse struct {
	Reason string
}

func (e *ErrInvalidChallengeResponse) Error() string {
	if e.Reason == "" {
		return "invalid challenge response"
	}
	return fmt.Sprintf("invalid challenge response: %s", e.Reason)
}

// ErrValidation is a local input check that failed before any network call.
type ErrValidation struct {
	Field  string
	Reason string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

// ErrBusy rejects a call while another call for the same stage is in flight.
type ErrBusy struct {
	Stage string
}

func (e *ErrBusy) Error() string {
	return fmt.Sprintf("%s already in progress", e.Stage)
}

// ErrInvalidState is returned when an operation is not allowed in the
// current state of a state machine.
type ErrInvalidState struct {
	State     string
	Operation string
}

func (e *ErrInvalidState) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Operation, e.State)
}

// ErrStale marks a provider result that arrived after the caller moved on.
var ErrStale = stderrors.New("result discarded: state changed while call was in flight")

// Credential errors

// ErrCredentialExchangeFailed wraps a transient failure while exchanging an
// identity for storage credentials. It is safe to retry.
type ErrCredentialExchangeFailed struct {
	Stage string
	Err   error
}

func (e *ErrCredentialExchangeFailed) Error() string {
	return fmt.Sprintf("credential exchange failed at %s: %v", e.Stage, e.Err)
}

func (e *ErrCredentialExchangeFailed) Unwrap() error {
	return e.Err
}

// ErrCredentialOrphaned means the backend already issued a credential for the
// subject but no local copy exists. An administrator has to re-issue it.
type ErrCredentialOrphaned struct {
	SubjectID string
	Message   string
}

func (e *ErrCredentialOrphaned) Error() string {
	msg := fmt.Sprintf("service credential for %s already exists but is not cached locally; contact your administrator", e.SubjectID)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// ErrUnattendedUnavailable is reported when no issuance endpoint is configured.
var ErrUnattendedUnavailable = stderrors.New("unattended operation unavailable: credential issuance endpoint not configured")

// Backup errors

// ErrConfirmationRequired gates a destructive sync until the operator confirms.
type ErrConfirmationRequired struct {
	ProfileID string
	Deletes   int
}

func (e *ErrConfirmationRequired) Error() string {
	return fmt.Sprintf("confirmation required: sync for profile %s would delete %d remote file(s)", e.ProfileID, e.Deletes)
}

type ErrScheduleSyncFailed struct {
	ProfileID string
	Err       error
}

func (e *ErrScheduleSyncFailed) Error() string {
	return fmt.Sprintf("failed to sync schedule for profile %s: %v", e.ProfileID, e.Err)
}

func (e *ErrScheduleSyncFailed) Unwrap() error {
	return e.Err
}

// ErrToolExecutionFailed carries the raw stderr of the external sync tool.
type ErrToolExecutionFailed struct {
	Command string
	Stderr  string
	Err     error
}

func (e *ErrToolExecutionFailed) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	switch {
	case stderr != "" && e.Err != nil:
		return fmt.Sprintf("%s failed: %v: %s", e.Command, e.Err, stderr)
	case stderr != "":
		return fmt.Sprintf("%s failed: %s", e.Command, stderr)
	default:
		return fmt.Sprintf("%s failed: %v", e.Command, e.Err)
	}
}

func (e *ErrToolExecutionFailed) Unwrap() error {
	return e.Err
}

type ErrNotFound struct {
	Kind string
	ID   string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// Server errors

type ErrServerStart struct {
	Addr string
	Err  error
}

func (e *ErrServerStart) Error() string {
	return fmt.Sprintf("failed to start server on %s: %v", e.Addr, e.Err)
}

func (e *ErrServerStart) Unwrap() error {
	return e.Err
}

type ErrServerShutdown struct {
	Err error
}

func (e *ErrServerShutdown) Error() string {
	return fmt.Sprintf("server shutdown failed: %v", e.Err)
}

func (e *ErrServerShutdown) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the caller may retry the failed call as-is.
func IsRetryable(err error) bool {
	var exchange *ErrCredentialExchangeFailed
	return stderrors.As(err, &exchange)
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return stderrors.As(err, &nf)
}

// IsConfirmationRequired reports whether err is the confirmation gate signal.
func IsConfirmationRequired(err error) bool {
	var cr *ErrConfirmationRequired
	return stderrors.As(err, &cr)
}

// IsUserFacing reports whether err should be shown to the operator inline
// rather than treated as an internal failure.
func IsUserFacing(err error) bool {
	var (
		invalidCreds *ErrInvalidCredentials
		challenge    *ErrInvalidChallengeResponse
		validation   *ErrValidation
		orphaned     *ErrCredentialOrphaned
		confirm      *ErrConfirmationRequired
		busy         *ErrBusy
	)
	return stderrors.As(err, &invalidCreds) ||
		stderrors.As(err, &challenge) ||
		stderrors.As(err, &validation) ||
		stderrors.As(err, &orphaned) ||
		stderrors.As(err, &confirm) ||
		stderrors.As(err, &busy)
}
