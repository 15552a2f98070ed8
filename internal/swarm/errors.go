package swarm

import "errors"

// Errors that are fatal to the caller of a swarm operation.
var (
	ErrUnknownAgent       = errors.New("unknown agent")
	ErrTargetNotRunning   = errors.New("target agent is not running")
	ErrOwnershipViolation = errors.New("ownership violation")
	ErrInvalidInput       = errors.New("invalid input")
)
