package domain

import "errors"

var (
	ErrPermissionDenied  = errors.New("permission denied")
	ErrSubscriptionLimit = errors.New("subscription limit reached")
	ErrInvalidEvent      = errors.New("invalid event")
	ErrUnknownEvent      = errors.New("unknown event type")
	ErrInvalidToken      = errors.New("invalid token")
	ErrSessionClosed     = errors.New("session closed")
	ErrSlowConsumer      = errors.New("outbound buffer full")
)
