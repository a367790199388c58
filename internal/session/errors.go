package session

import "errors"

var (
	ErrValidation   = errors.New("validation error")
	ErrNotFound     = errors.New("session not found")
	ErrInvalidState = errors.New("invalid session state")
	ErrUpstream     = errors.New("upstream error")
)
