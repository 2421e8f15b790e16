package core

import "errors"

var (
	// ErrInvalidState is returned by a resource when an operation is not
	// allowed in its current state (closed, no remote description, ...).
	ErrInvalidState = errors.New("resource in invalid state")
	// ErrInvalidCandidate marks a malformed or duplicate remote candidate.
	ErrInvalidCandidate = errors.New("invalid ice candidate")
	ErrNoMedia          = errors.New("no usable media")
	ErrAttachFailed     = errors.New("no track could be attached")
)
