package canbus

import "errors"

// Domain errors for the CAN bridge package.
var (
	// ErrNotConnected is returned when a bus operation needs a live
	// SocketCAN connection and there is none.
	ErrNotConnected = errors.New("canbus: not connected to CAN interface")

	// ErrConnectionFailed is returned when dialling the CAN interface fails.
	ErrConnectionFailed = errors.New("canbus: connection to CAN interface failed")

	// ErrSendFailed is returned when a frame could not be written to the bus.
	ErrSendFailed = errors.New("canbus: frame send failed")

	// ErrReceiveTimeout is returned by ReceiveNext when no frame arrived
	// within the poll interval. It is not a fault.
	ErrReceiveTimeout = errors.New("canbus: receive timed out")

	// ErrStreamClosed is returned once the frame stream has ended for good.
	ErrStreamClosed = errors.New("canbus: frame stream closed")

	// ErrInvalidState is returned for a lifecycle call that is not valid in
	// the bridge's current state.
	ErrInvalidState = errors.New("canbus: invalid bridge state")

	// ErrInvalidFrame is returned when a frame cannot be put on the wire.
	ErrInvalidFrame = errors.New("canbus: invalid frame")

	// ErrInvalidDeviceTable is returned when the device table fails validation.
	ErrInvalidDeviceTable = errors.New("canbus: invalid device table")

	// ErrUnknownDevice is returned when a unique id is not in the table.
	ErrUnknownDevice = errors.New("canbus: unknown device")
)
