package command

import "errors"

var (
	// ErrSessionNotFound indicates a ping or route for an unknown session.
	ErrSessionNotFound = errors.New("command session not found")

	// ErrRouteNotFound indicates no live instance accepts the command.
	ErrRouteNotFound = errors.New("command route not found")

	// ErrDeliveryFailed indicates the owning instance did not accept the
	// forwarded command. Never retried here.
	ErrDeliveryFailed = errors.New("command delivery failed")
)
