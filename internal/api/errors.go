package api

import "errors"

var (
	ErrNotFound     = errors.New("resource not found")
	ErrRateLimited  = errors.New("rate limited by API")
	ErrUnauthorized = errors.New("authentication failed")
	ErrForbidden    = errors.New("not a participant of this room")
)
