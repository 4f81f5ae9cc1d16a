package logdevice

import "errors"

var (
	// The node directory has no entry for a server name.
	ErrUnknownNode = errors.New("unknown node")

	// The Sender has begun shutting down and takes no new work.
	ErrShuttingDown = errors.New("sender is shutting down")
)
