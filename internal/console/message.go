// Package console is the terminal front end: it turns session outcomes
// into user-facing messages and drives the select/connect/send flow.
package console

import (
	"context"
	"errors"
	"fmt"

	"github.com/chaz8081/locker-controller/internal/ble"
	"github.com/chaz8081/locker-controller/internal/directory"
)

// Kind selects how a message is rendered.
type Kind int

const (
	KindError Kind = iota
	KindInfo
)

// Message is a titled notice shown to the user.
type Message struct {
	Kind  Kind
	Title string
	Body  string
}

// Describe maps err to a distinct message naming the device and, for
// send failures, the payload.
func Describe(err error, device, payload string) Message {
	errMsg := func(title, format string, args ...any) Message {
		return Message{Kind: KindError, Title: title, Body: fmt.Sprintf(format, args...)}
	}

	switch {
	case errors.Is(err, directory.ErrBlankName):
		return errMsg("Bluetooth ID Entry Error", "ID input is blank, please input a name.")
	case errors.Is(err, directory.ErrDeviceNotFound):
		return errMsg("Bluetooth ID Entry Error",
			"Bluetooth device with ID %q is not paired with this computer.", device)
	case errors.Is(err, ble.ErrConnectTimeout):
		return errMsg("No Connection Made",
			"A connection with %s could not be made. Make sure you are close enough and it is powered on.", device)
	case errors.Is(err, ble.ErrUnsupportedDevice):
		return errMsg("No UART Ability",
			"A connection with %s was made but the device does not appear to support Adafruit UART communications.", device)
	case errors.Is(err, ble.ErrUnacknowledged):
		return errMsg("Failed To Communicate With Device",
			"Tried sending %q to %s but failed.", payload, device)
	case errors.Is(err, ble.ErrBusy):
		return errMsg("Device Busy",
			"%s is still handling the previous command. Try again.", device)
	case errors.Is(err, ble.ErrNotReady), errors.Is(err, ble.ErrSessionClosed):
		return errMsg("Not Connected",
			"%s is not connected. Select the device again.", deviceOr(device))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errMsg("Cancelled", "The operation with %s was cancelled.", deviceOr(device))
	}

	op := "Operation"
	var opErr *ble.OpError
	if errors.As(err, &opErr) {
		op = opErr.Op
	}
	return errMsg("Unexpected Error", "%s with %s failed: %v", op, deviceOr(device), err)
}

func deviceOr(device string) string {
	if device == "" {
		return "the device"
	}
	return device
}

var noPairedDevices = Message{
	Kind:  KindError,
	Title: "No Paired Devices",
	Body:  "Pair a locker with this computer in the system Bluetooth settings, then try again.",
}
