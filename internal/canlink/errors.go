package canlink

import "errors"

// Domain errors for CAN link management.
var (
	// ErrInterfaceDown is returned by HealthCheck when the link is not up.
	ErrInterfaceDown = errors.New("canlink: interface is down")

	// ErrUnknownMode indicates a link mode other than ip or slcand.
	ErrUnknownMode = errors.New("canlink: unknown link mode")

	// ErrUnsupportedBitrate indicates a bit-rate slcand has no speed code for.
	ErrUnsupportedBitrate = errors.New("canlink: unsupported bitrate")

	// ErrSlcandExited indicates slcand died before the interface appeared.
	ErrSlcandExited = errors.New("canlink: slcand exited")
)
