// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package common contains functions used across multiple packages. For
// example, the CRC8 calculation and word framing used by Sensirion and TI
// sensors.
package common

// CRC8 calculates the 8-bit CRC of the byte slice parameter and returns the
// calculated value. Polynomial 0x31, initial value 0xff, no reflection, no
// final xor.
func CRC8(bytes []byte) byte {
	var crc byte = 0xff
	for _, val := range bytes {
		crc ^= val
		for i := 0; i < 8; i++ {
			if (crc & 0x80) == 0 {
				crc <<= 1
			} else {
				crc = (byte)((crc << 1) ^ 0x31)
			}
		}
	}
	return crc
}

// PutWord appends the big-endian encoding of word followed by its CRC8 to
// dst and returns the extended slice. This is the 3-byte framing Sensirion
// sensors use for command arguments.
func PutWord(dst []byte, word uint16) []byte {
	dst = append(dst, byte(word>>8), byte(word))
	return append(dst, CRC8(dst[len(dst)-2:]))
}

// Word decodes a 3-byte frame consisting of a big-endian 16-bit word and a
// trailing CRC8. ok reports whether the checksum matched; on a mismatch the
// returned word is 0.
func Word(frame []byte) (word uint16, ok bool) {
	if len(frame) != 3 || CRC8(frame[:2]) != frame[2] {
		return 0, false
	}
	return uint16(frame[0])<<8 | uint16(frame[1]), true
}
