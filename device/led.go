package device

import (
	"errors"
	"fmt"
	"strings"

	"f503i-bridge/ble"
)

// ErrUnknownLED is returned for a colour that is not one of the three LEDs.
var ErrUnknownLED = errors.New("unknown LED colour")

// LED selects one of the three LEDs on the device.
type LED int

const (
	LEDGreen LED = iota
	LEDYellow
	LEDRed
)

// LEDs lists every LED in menu order.
var LEDs = [...]LED{LEDGreen, LEDYellow, LEDRed}

var ledNames = [...]string{"green", "yellow", "red"}

// menuLabels are the labels shown by the ledList block menu.
var menuLabels = [...]string{"緑", "黄", "赤"}

func (l LED) String() string {
	if l < 0 || int(l) >= len(ledNames) {
		return fmt.Sprintf("led(%d)", int(l))
	}
	return ledNames[l]
}

// MenuLabel returns the block menu label for the LED.
func (l LED) MenuLabel() string {
	if l < 0 || int(l) >= len(menuLabels) {
		return ""
	}
	return menuLabels[l]
}

func (l LED) channel() ble.Channel {
	switch l {
	case LEDYellow:
		return ble.ChannelLEDYellow
	case LEDRed:
		return ble.ChannelLEDRed
	default:
		return ble.ChannelLEDGreen
	}
}

// ParseLED accepts an English colour name (any case) or a menu label.
func ParseLED(name string) (LED, error) {
	name = strings.TrimSpace(name)
	for i := range ledNames {
		if strings.EqualFold(name, ledNames[i]) || name == menuLabels[i] {
			return LED(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownLED, name)
}

// MenuItems returns the ledList menu labels.
func MenuItems() []string {
	return append([]string(nil), menuLabels[:]...)
}
