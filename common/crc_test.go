// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package common

import (
	"bytes"
	"testing"
)

func TestCRC8(t *testing.T) {
	var tests = []struct {
		bytes  []byte
		result byte
	}{
		{bytes: []byte{0xbe, 0xef}, result: 0x92},
		{bytes: []byte{0x01, 0xa4}, result: 0x4d},
		{bytes: []byte{0xab, 0xcd}, result: 0x6f},
	}
	for _, test := range tests {
		res := CRC8(test.bytes)
		if res != test.result {
			t.Errorf("CRC8(%#v)!=0x%x received 0x%x", test.bytes, test.result, res)
		}
	}
}

func TestPutWord(t *testing.T) {
	var tests = []struct {
		word   uint16
		result []byte
	}{
		{word: 0x0001, result: []byte{0x00, 0x01, 0xb0}},
		{word: 0x03f5, result: []byte{0x03, 0xf5, 0xdb}},
		{word: 0xbeef, result: []byte{0xbe, 0xef, 0x92}},
	}
	for _, test := range tests {
		res := PutWord(nil, test.word)
		if !bytes.Equal(res, test.result) {
			t.Errorf("PutWord(nil, 0x%04x)!=%#v received %#v", test.word, test.result, res)
		}
	}
}

func TestWord(t *testing.T) {
	word, ok := Word([]byte{0xbe, 0xef, 0x92})
	if !ok || word != 0xbeef {
		t.Errorf("Word() returned 0x%04x, %t expected 0xbeef, true", word, ok)
	}
	// Any checksum mismatch must be rejected.
	if word, ok = Word([]byte{0xbe, 0xef, 0x93}); ok || word != 0 {
		t.Errorf("Word() accepted a frame with a bad checksum: 0x%04x, %t", word, ok)
	}
	if _, ok = Word([]byte{0xbe, 0xef}); ok {
		t.Error("Word() accepted a short frame")
	}
}
