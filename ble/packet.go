// Package ble provides BLE Central functionality for the F503i keypad.
package ble

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
)

// KeyPacketSize is the number of meaningful bytes in a keypad notification.
const KeyPacketSize = 2

// keyWidth is the number of keys encoded in a keypad notification.
const keyWidth = 12

// Key is the label of a keypad key.
type Key string

// Key labels indexed by the decoded bit position.
const (
	Key0    Key = "0"
	Key1    Key = "1"
	Key2    Key = "2"
	Key3    Key = "3"
	Key4    Key = "4"
	Key5    Key = "5"
	Key6    Key = "6"
	Key7    Key = "7"
	Key8    Key = "8"
	Key9    Key = "9"
	KeyStar Key = "*"
	KeyHash Key = "#"
	// KeyNone is reported when every key line reads high (no key held).
	KeyNone Key = "--"
)

var keyLabels = [...]Key{
	Key0, Key1, Key2, Key3, Key4, Key5, Key6, Key7, Key8, Key9, KeyStar, KeyHash, KeyNone,
}

// Keys returns every key label in decode order.
func Keys() []Key {
	keys := make([]Key, len(keyLabels))
	copy(keys, keyLabels[:])
	return keys
}

// LED and buzzer command values.
const (
	LEDOn      byte = 1
	LEDOff     byte = 2
	BuzzerStop byte = 0
	BuzzerMax  byte = 0xff
)

var (
	// ErrShortKeyPacket is returned when a keypad notification has fewer than 2 bytes.
	ErrShortKeyPacket = errors.New("invalid key packet size: expected 2 bytes")
	// ErrUnknownKeyCode is returned when the key value does not map to a label.
	ErrUnknownKeyCode = errors.New("unknown key code")
	// ErrShortBrightnessPacket is returned when a brightness read has fewer than 2 bytes.
	ErrShortBrightnessPacket = errors.New("invalid brightness packet size: expected 2 bytes")
)

// DecodeKey converts a keypad notification into a key label.
//
// The 16-bit little-endian value is active-low: the most significant zero bit,
// counted within a field of at least 12 bits, selects the key. A value without
// any zero bit decodes to KeyNone.
func DecodeKey(data []byte) (Key, error) {
	if len(data) < KeyPacketSize {
		return "", fmt.Errorf("%w, got %d", ErrShortKeyPacket, len(data))
	}

	n := binary.LittleEndian.Uint16(data[0:2])

	width := max(keyWidth, bits.Len16(n))
	pos := keyWidth
	for b := width - 1; b >= 0; b-- {
		if n&(1<<b) == 0 {
			pos = b - (width - keyWidth)
			break
		}
	}

	if pos < 0 || pos >= len(keyLabels) {
		return "", fmt.Errorf("%w: 0x%04x", ErrUnknownKeyCode, n)
	}
	return keyLabels[pos], nil
}

// DecodeBrightness converts a brightness read into the sensor value.
func DecodeBrightness(data []byte) (int, error) {
	if len(data) < 2 {
		return 0, fmt.Errorf("%w, got %d", ErrShortBrightnessPacket, len(data))
	}
	return int(binary.LittleEndian.Uint16(data[0:2])), nil
}
