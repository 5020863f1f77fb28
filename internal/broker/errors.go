package broker

import "errors"

// Broker error types.
var (
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrObjectNotFound     = errors.New("object not found")
	ErrThumbnailNotFound  = errors.New("thumbnail not found")
	ErrShareNotFound      = errors.New("share not found")
	ErrForbidden          = errors.New("forbidden")
	ErrLimitExceeded      = errors.New("download limit exceeded")
	ErrCorruptObject      = errors.New("corrupt object")
	ErrBackendUnavailable = errors.New("backing store unavailable")
)
