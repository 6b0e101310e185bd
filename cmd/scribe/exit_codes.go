package main

import (
	"errors"

	scribeerrors "github.com/odvcencio/scribe/pkg/errors"
)

// Exit codes. Scripts piping text through `scribe complete` rely on these.
const (
	exitFailure    = 1
	exitUsage      = 2
	exitConfig     = 3
	exitCredential = 4
	exitProvider   = 5
)

type exitCoder interface {
	ExitCode() int
}

type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e exitError) Unwrap() error {
	return e.err
}

func (e exitError) ExitCode() int {
	if e.code == 0 {
		return exitFailure
	}
	return e.code
}

func withExitCode(err error, code int) error {
	if err == nil {
		return nil
	}
	return exitError{code: code, err: err}
}

// exitCodeForError prefers an explicit code, then maps structured error codes.
func exitCodeForError(err error) int {
	if err == nil {
		return 0
	}
	var coded exitCoder
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	switch scribeerrors.GetCode(err) {
	case scribeerrors.ErrCodeConfigLoad, scribeerrors.ErrCodeConfigParse, scribeerrors.ErrCodeConfigInvalid:
		return exitConfig
	case scribeerrors.ErrCodeMissingCredential:
		return exitCredential
	case scribeerrors.ErrCodeUnknownProvider, scribeerrors.ErrCodeUnknownModel, scribeerrors.ErrCodeInvalidInput:
		return exitUsage
	case scribeerrors.ErrCodeTransportFailure, scribeerrors.ErrCodeMalformedResponse:
		return exitProvider
	}
	return exitFailure
}
