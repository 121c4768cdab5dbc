package sift

import (
	"errors"
	"fmt"
)

var (
	// ErrNilTransform is returned by New when no transform is given.
	// The engine is meaningful only when specialized with one.
	ErrNilTransform = errors.New("sift: a transform is required")

	// ErrMissingBaseDir is returned by New when persistence is
	// requested but the transform does not report a base directory.
	ErrMissingBaseDir = errors.New("sift: persist requires the transform to implement BaseDirer")

	// ErrNotImplemented is returned by Input.Declare when the Filter
	// was built without DependencyInvalidation, so no declaration hook
	// is wired up.
	ErrNotImplemented = errors.New("sift: transform hook not implemented")
)

// InvariantError reports a file the transform claimed to process that
// resolved to no destination path.
type InvariantError struct {
	RelPath string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("sift: %s is processable but has no destination path", e.RelPath)
}

// TransformError wraps a failure raised from ProcessString or
// PostProcess, annotated with the file and input tree it came from.
type TransformError struct {
	File    string
	TreeDir string
	Err     error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("sift: transform %s in %s: %v", e.File, e.TreeDir, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}
