package ble

import (
	"errors"
	"fmt"
)

var (
	ErrConnectTimeout    = errors.New("no connection within timeout")
	ErrUnsupportedDevice = errors.New("UART service not discovered")
	ErrUnacknowledged    = errors.New("write not acknowledged")
	ErrBusy              = errors.New("another send is in progress")
	ErrNotReady          = errors.New("session not ready")
	ErrSessionClosed     = errors.New("session closed")
	ErrInvalidDevice     = errors.New("device has no name or address")
)

// OpError records a failed session operation and the device involved.
type OpError struct {
	Op     string // "connect", "send"
	Device Device
	Err    error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("ble: %s %s: %v", e.Op, e.Device, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func opError(op string, d Device, err error) *OpError {
	return &OpError{Op: op, Device: d, Err: err}
}
