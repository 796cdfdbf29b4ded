// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package errors defines the typed failure kinds surfaced at component
// boundaries throughout the runner: configuration, webhook admission,
// storage, and process supervision all construct these instead of bare
// fmt.Errorf, so the HTTP layer and the CLI can map a failure to the
// right status code or exit code without string matching.
package errors

import (
	"fmt"
)

// Kind identifies which boundary an error crossed.
type Kind string

const (
	KindConfig       Kind = "config"
	KindSignature    Kind = "signature"
	KindPayload      Kind = "payload"
	KindNotConfig    Kind = "not_configured"
	KindRateLimited  Kind = "rate_limited"
	KindStorage      Kind = "storage"
	KindSpawn        Kind = "spawn"
	KindStepFailure  Kind = "step_failure"
	KindTruncated    Kind = "truncated"
	KindShuttingDown Kind = "shutting_down"
	KindInternal     Kind = "internal"
	KindPermission   Kind = "permission"
)

// Error is the runner's single error type. Title is a short human summary,
// Detail explains what happened, Suggestion (optional) tells the operator
// what to do about it, and Cause (optional) is the wrapped underlying error.
type Error struct {
	Kind       Kind
	Title      string
	Detail     string
	Suggestion string
	Cause      error

	// RetryAfter is populated only for KindRateLimited.
	RetryAfter int
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Title
	}
	return fmt.Sprintf("%s: %s", e.Title, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(kind Kind, title, detail, suggestion string, cause error) *Error {
	return &Error{Kind: kind, Title: title, Detail: detail, Suggestion: suggestion, Cause: cause}
}

func NewConfigError(title, detail, suggestion string, cause error) *Error {
	return newError(KindConfig, title, detail, suggestion, cause)
}

func NewSignatureError(title, detail string) *Error {
	return newError(KindSignature, title, detail, "", nil)
}

func NewPayloadError(title, detail string) *Error {
	return newError(KindPayload, title, detail, "", nil)
}

func NewNotConfiguredError(title, detail string) *Error {
	return newError(KindNotConfig, title, detail, "", nil)
}

// NewRateLimitedError records how many seconds until the caller may retry.
func NewRateLimitedError(retryAfterSeconds int) *Error {
	e := newError(KindRateLimited, "rate limited", "project exceeded its configured request rate", "", nil)
	e.RetryAfter = retryAfterSeconds
	return e
}

func NewStorageError(title, detail string, cause error) *Error {
	return newError(KindStorage, title, detail, "", cause)
}

func NewSpawnError(title, detail string, cause error) *Error {
	return newError(KindSpawn, title, detail, "", cause)
}

func NewStepFailureError(title, detail string) *Error {
	return newError(KindStepFailure, title, detail, "", nil)
}

func NewTruncatedError(title string) *Error {
	return newError(KindTruncated, title, "output capture reached its configured cap", "", nil)
}

func NewShuttingDownError() *Error {
	return newError(KindShuttingDown, "shutting down", "the server is draining in-flight work and refuses new jobs", "", nil)
}

func NewInternalError(title, detail, suggestion string, cause error) *Error {
	return newError(KindInternal, title, detail, suggestion, cause)
}

func NewPermissionError(title, detail, suggestion string, cause error) *Error {
	return newError(KindPermission, title, detail, suggestion, cause)
}

// As extracts an *Error from err, mirroring errors.As without forcing
// every caller to import the standard package alongside this one.
func As(err error) (*Error, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// HTTPStatus maps a Kind to the status code the HTTP layer should return.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindSignature:
		return 401
	case KindPayload:
		return 400
	case KindNotConfig:
		return 404
	case KindRateLimited:
		return 429
	case KindShuttingDown:
		return 503
	case KindConfig, KindStorage, KindInternal, KindSpawn, KindStepFailure:
		return 500
	case KindPermission:
		return 403
	default:
		return 500
	}
}

// FatalError prints a formatted report of err to stderr and exits the
// process with status 1. Used only from cmd/cicd-runner at startup, never
// from request-serving or pipeline code.
func FatalError(err error) {
	fatalError(err)
}
