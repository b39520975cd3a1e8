// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package scd30

import "fmt"

// BusError reports a failed I2C transaction: device absent, NACK, or a bus
// timeout. The wrapped error is the one returned by the bus implementation
// and can be retrieved with errors.Unwrap. A bus error usually indicates a
// transient wiring or power issue; callers should retry the whole read
// sequence after a delay.
type BusError struct {
	// Cmd is the 16-bit command word that was being performed.
	Cmd uint16
	Err error
}

func (e *BusError) Error() string {
	return fmt.Sprintf("scd30: cmd 0x%04x: bus error: %v", e.Cmd, e.Err)
}

func (e *BusError) Unwrap() error {
	return e.Err
}

// ChecksumError reports a received word whose trailing CRC-8 did not match
// the data bytes, indicating the transmission was corrupted. The reading it
// belongs to is discarded as a whole; callers should retry rather than
// carry forward a partial value.
type ChecksumError struct {
	// Cmd is the 16-bit command word whose response failed validation.
	Cmd uint16
	// Received is the CRC byte sent by the sensor.
	Received byte
	// Computed is the CRC calculated over the received data bytes.
	Computed byte
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("scd30: cmd 0x%04x: invalid crc: received 0x%02x computed 0x%02x", e.Cmd, e.Received, e.Computed)
}
