package nats

import "errors"

// Sentinel errors for NATS operations.
var (
	// ErrDisabled indicates NATS integration is disabled in config.
	ErrDisabled = errors.New("nats: disabled in configuration")

	// ErrConnectionFailed indicates the initial connection attempt failed.
	ErrConnectionFailed = errors.New("nats: connection failed")

	// ErrNotConnected indicates the connection is closed or not yet established.
	ErrNotConnected = errors.New("nats: not connected")

	// ErrPublishFailed indicates a message could not be published.
	ErrPublishFailed = errors.New("nats: publish failed")
)
