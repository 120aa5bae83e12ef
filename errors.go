package pulse

import "errors"

var (
	// Not found errors.
	ErrRunNotFound      = errors.New("pulse: run not found")
	ErrWorkflowNotFound = errors.New("pulse: workflow not found")

	// Conflict errors.
	ErrRunAlreadyExists = errors.New("pulse: run already exists")

	// Token errors.
	ErrTokenExpired = errors.New("pulse: subscription token expired")
	ErrUnauthorized = errors.New("pulse: unauthorized")

	// Subscription errors.
	ErrSubscriptionClosed = errors.New("pulse: subscription closed")
	ErrChannelMismatch    = errors.New("pulse: token not valid for channel")
)
