package session

import "errors"

var (
	ErrSelfTarget   = errors.New("session: cannot request a session with yourself")
	ErrRateLimited  = errors.New("session: too many requests")
	ErrNotFound     = errors.New("session: not found")
	ErrInvalidState = errors.New("session: invalid state for this action")
	ErrForbidden    = errors.New("session: peer is not allowed to perform this action")
)
