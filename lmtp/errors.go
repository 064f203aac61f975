// Copyright The LMTP Authors.
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

package lmtp

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the scheduling core. Callers should compare against these with
// errors.Is rather than matching on message text.
var (
	// ErrCannotLoadByPolicy is returned by a SchedulerRegistry when a static session requests a
	// model that is not already loaded.
	ErrCannotLoadByPolicy = errors.New("lmtp: the requested model is not loaded and the session is not configured to load it on demand")

	// ErrCancelled is surfaced to a call's output sink when every row of its batch was cancelled
	// and the backend honored the stop signal.
	ErrCancelled = errors.New("lmtp.cancelled")

	// ErrMixedScoreBatch is a programming error: a batch was assembled from calls that disagree
	// on whether they are scoring calls. The compatibility key is supposed to make this
	// unreachable from client input.
	ErrMixedScoreBatch = errors.New("lmtp: cannot mix score and non-score calls in one batch")

	// ErrEmptyBatch is returned by GenerateBatch construction when given zero calls.
	ErrEmptyBatch = errors.New("lmtp: cannot build a batch from zero calls")

	// ErrSessionClosed is returned when a command is handled on a session that has already
	// closed.
	ErrSessionClosed = errors.New("lmtp: session is closed")

	// ErrUnknownCommand is returned by TokenSession.Handle for any command it does not
	// recognize.
	ErrUnknownCommand = errors.New("lmtp: unknown command")
)

// BackendError wraps a failure returned by a ModelBackend's Generate or Score method. It is
// surfaced to every call in the offending batch as a TOKEN payload with this error's message.
type BackendError struct {
	Reason string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("failed to generate tokens '%s'", e.Reason)
}

// NewBackendError wraps err's message as a BackendError.
func NewBackendError(err error) *BackendError {
	return &BackendError{Reason: err.Error()}
}

// UnknownCommandError names the offending command string so logs retain it without relying on
// string matching against ErrUnknownCommand.
type UnknownCommandError struct {
	Command string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("%s: %q", ErrUnknownCommand.Error(), e.Command)
}

func (e *UnknownCommandError) Unwrap() error {
	return ErrUnknownCommand
}
