package types

import "errors"

// Result taxonomy shared by all timing components. Callers match with
// errors.Is; details are attached with fmt.Errorf("%w: ...").
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInvalidState      = errors.New("invalid state")
	ErrResourceInUse     = errors.New("resource in use")
	ErrNotFound          = errors.New("not found")
	ErrUnexpected        = errors.New("unexpected")
	ErrFailed            = errors.New("failed")
	ErrCancelled         = errors.New("cancelled")
	ErrTimeout           = errors.New("timeout")
	ErrOutOfSync         = errors.New("out of sync")
	ErrAlreadyRegistered = errors.New("already registered")
)
