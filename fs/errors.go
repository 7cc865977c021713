package fs

import (
	"errors"
	"io/fs"
	"os"
)

// Error kinds surfaced by replica operations. Callers classify with
// errors.Is; the reconciler swallows ErrNotFound and ErrExists at debug
// level, stops on ErrTransport, and drops the event on anything else.
var (
	ErrNotFound   = errors.New("not found")
	ErrExists     = errors.New("already exists")
	ErrPermission = errors.New("permission denied")
	ErrTransport  = errors.New("transport failure")
	ErrCancelled  = errors.New("cancelled")
)

// classify maps an operating system error onto a replica error kind,
// keeping the original error in the chain.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return &kindError{kind: ErrNotFound, err: err}
	case errors.Is(err, fs.ErrExist):
		return &kindError{kind: ErrExists, err: err}
	case errors.Is(err, fs.ErrPermission):
		return &kindError{kind: ErrPermission, err: err}
	case errors.Is(err, os.ErrClosed):
		return &kindError{kind: ErrCancelled, err: err}
	default:
		return err
	}
}

type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }

func (e *kindError) Is(target error) bool { return target == e.kind }

func (e *kindError) Unwrap() error { return e.err }

// wrap attaches a kind to err so that errors.Is(err, kind) holds.
func wrap(kind, err error) error {
	if err == nil {
		return kind
	}
	return &kindError{kind: kind, err: err}
}
