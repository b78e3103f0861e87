package tasks

import "errors"

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotInitialized  = errors.New("background manager not initialized")
	ErrTaskNotFound    = errors.New("task not found")
	ErrInvalidState    = errors.New("invalid task state")
	ErrAgentFailure    = errors.New("agent call failed")
	ErrDeliveryFailed  = errors.New("notification delivery failed")
)
