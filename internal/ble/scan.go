package ble

import (
	"context"
	"fmt"
	"time"
)

// ScanForDevices lists nearby peripherals advertising the UART service.
// Pairing itself is left to the operating system.
func ScanForDevices(scanner Scanner, timeout time.Duration) ([]Device, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	devices, err := scanner.Scan(ctx, UARTServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}
