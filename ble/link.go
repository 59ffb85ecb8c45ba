package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/muka/go-bluetooth/bluez"
	"github.com/muka/go-bluetooth/bluez/profile/gatt"
	"github.com/sony/gobreaker/v2"
	"tinygo.org/x/bluetooth"
)

// charIO performs raw characteristic I/O.
type charIO interface {
	write(ctx context.Context, ch Channel, p []byte) error
	read(ctx context.Context, ch Channel) ([]byte, error)
}

// busIO talks to BlueZ GattCharacteristic1 objects over D-Bus.
type busIO struct {
	conn  *dbus.Conn
	paths map[Channel]dbus.ObjectPath
}

func (b *busIO) object(ch Channel) (dbus.BusObject, error) {
	path, ok := b.paths[ch]
	if !ok {
		return nil, fmt.Errorf("no characteristic for %s", ch)
	}
	return b.conn.Object(bluezBus, path), nil
}

func (b *busIO) write(ctx context.Context, ch Channel, p []byte) error {
	obj, err := b.object(ch)
	if err != nil {
		return err
	}
	// "command" is a write without response.
	call := obj.CallWithContext(ctx, bluezGattChar+".WriteValue", 0, p, map[string]dbus.Variant{
		"type": dbus.MakeVariant("command"),
	})
	return call.Err
}

func (b *busIO) read(ctx context.Context, ch Channel) ([]byte, error) {
	obj, err := b.object(ch)
	if err != nil {
		return nil, err
	}
	call := obj.CallWithContext(ctx, bluezGattChar+".ReadValue", 0, map[string]dbus.Variant{})
	if call.Err != nil {
		return nil, call.Err
	}
	var data []byte
	if err := call.Store(&data); err != nil {
		return nil, fmt.Errorf("failed to decode read result: %w", err)
	}
	return data, nil
}

// Link is an established connection to an F503i.
type Link struct {
	name    string
	address string
	devPath dbus.ObjectPath

	device *bluetooth.Device
	conn   *dbus.Conn
	io     charIO

	keys   *gatt.GattCharacteristic1
	propCh chan *bluez.PropertyChanged

	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  *slog.Logger

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

func newWriteBreaker(name string, cfg Config, logger *slog.Logger) *gobreaker.CircuitBreaker[struct{}] {
	maxFailures := cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = DefaultConfig().BreakerMaxFailures
	}
	timeout := cfg.BreakerTimeout
	if timeout == 0 {
		timeout = DefaultConfig().BreakerTimeout
	}
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "ble-write:" + name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("write breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}

// Name returns the advertised name of the device.
func (l *Link) Name() string { return l.name }

// Address returns the device address.
func (l *Link) Address() string { return l.address }

// Done is closed once the link is closed.
func (l *Link) Done() <-chan struct{} { return l.done }

func (l *Link) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Write sends a single byte without response to an LED or buzzer characteristic.
func (l *Link) Write(ctx context.Context, ch Channel, value byte) error {
	if l.closed() {
		return ErrLinkClosed
	}
	_, err := l.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, l.io.write(ctx, ch, []byte{value})
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("write %s: circuit open: %w", ch, err)
		}
		return fmt.Errorf("write %s: %w", ch, err)
	}
	l.logger.Debug("wrote characteristic", "channel", ch.String(), "value", value)
	return nil
}

// Read returns the current value of a characteristic.
func (l *Link) Read(ctx context.Context, ch Channel) ([]byte, error) {
	if l.closed() {
		return nil, ErrLinkClosed
	}
	data, err := l.io.read(ctx, ch)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ch, err)
	}
	return data, nil
}

// watchConnected calls lost once when BlueZ reports the device as disconnected.
func (l *Link) watchConnected(lost func(*Link)) error {
	if err := l.conn.AddMatchSignal(
		dbus.WithMatchInterface(dbusProperties),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchObjectPath(l.devPath),
	); err != nil {
		return fmt.Errorf("dbus match: %w", err)
	}

	ch := make(chan *dbus.Signal, 16)
	l.conn.Signal(ch)

	go func() {
		defer l.conn.RemoveSignal(ch)
		for {
			select {
			case sig, ok := <-ch:
				if !ok {
					return
				}
				if connected, ok := deviceProperty(sig, "Connected"); ok && !connected {
					lost(l)
					return
				}
			case <-l.done:
				return
			}
		}
	}()
	return nil
}

// Close stops key notifications and disconnects the device.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)

		var errs []error
		if l.keys != nil {
			if err := l.keys.StopNotify(); err != nil {
				l.logger.Debug("StopNotify failed", "error", err)
			}
			if l.propCh != nil {
				_ = l.keys.UnwatchProperties(l.propCh)
			}
		}
		if l.device != nil {
			if err := l.device.Disconnect(); err != nil {
				errs = append(errs, fmt.Errorf("failed to disconnect %s: %w", l.name, err))
			}
		}
		if l.conn != nil {
			if err := l.conn.Close(); err != nil {
				errs = append(errs, fmt.Errorf("dbus close: %w", err))
			}
		}
		l.closeErr = errors.Join(errs...)
		l.logger.Info("link closed")
	})
	return l.closeErr
}
