package worker

import "errors"

var (
	// ErrCallbackRejected is returned when the API service answers a callback with a 4xx
	ErrCallbackRejected = errors.New("callback rejected")

	// ErrInvalidMessage is returned for dispatch messages the worker cannot run
	ErrInvalidMessage = errors.New("invalid dispatch message")
)
