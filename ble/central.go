// Package ble provides BLE Central functionality for the F503i keypad.
package ble

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/muka/go-bluetooth/bluez/profile/gatt"
	"tinygo.org/x/bluetooth"
)

// Standard big-endian UUID strings as BlueZ returns them in GetManagedObjects.
const (
	serviceUUIDStr    = "f7fce510-7a0b-4b89-a675-a79137223e2c"
	keysCharUUIDStr   = "f7fce531-7a0b-4b89-a675-a79137223e2c"
	ledGreenUUIDStr   = "f7fce515-7a0b-4b89-a675-a79137223e2c"
	ledYellowUUIDStr  = "f7fce516-7a0b-4b89-a675-a79137223e2c"
	ledRedUUIDStr     = "f7fce51a-7a0b-4b89-a675-a79137223e2c"
	buzzerUUIDStr     = "f7fce521-7a0b-4b89-a675-a79137223e2c"
	brightnessUUIDStr = "f7fce532-7a0b-4b89-a675-a79137223e2c"
)

// DefaultNamePrefix is the advertised local name prefix of F503i devices.
const DefaultNamePrefix = "F503i_"

const (
	bluezBus         = "org.bluez"
	bluezDevice1     = "org.bluez.Device1"
	bluezGattService = "org.bluez.GattService1"
	bluezGattChar    = "org.bluez.GattCharacteristic1"
	dbusProperties   = "org.freedesktop.DBus.Properties"
)

// Channel identifies one of the F503i characteristics.
type Channel int

const (
	ChannelKeys Channel = iota
	ChannelLEDGreen
	ChannelLEDYellow
	ChannelLEDRed
	ChannelBuzzer
	ChannelBrightness
)

var channelUUIDs = map[Channel]string{
	ChannelKeys:       keysCharUUIDStr,
	ChannelLEDGreen:   ledGreenUUIDStr,
	ChannelLEDYellow:  ledYellowUUIDStr,
	ChannelLEDRed:     ledRedUUIDStr,
	ChannelBuzzer:     buzzerUUIDStr,
	ChannelBrightness: brightnessUUIDStr,
}

func (c Channel) String() string {
	switch c {
	case ChannelKeys:
		return "keys"
	case ChannelLEDGreen:
		return "led-green"
	case ChannelLEDYellow:
		return "led-yellow"
	case ChannelLEDRed:
		return "led-red"
	case ChannelBuzzer:
		return "buzzer"
	case ChannelBrightness:
		return "brightness"
	}
	return fmt.Sprintf("channel(%d)", int(c))
}

// UUID returns the characteristic UUID string for the channel.
func (c Channel) UUID() string {
	return channelUUIDs[c]
}

var (
	// ErrDeviceNotFound is returned when no matching device advertises before the deadline.
	ErrDeviceNotFound = errors.New("f503i device not found")
	// ErrLinkClosed is returned for I/O on a closed link.
	ErrLinkClosed = errors.New("link closed")
)

// Advertisement describes a discovered F503i device.
type Advertisement struct {
	Name    string
	Address bluetooth.Address
	RSSI    int16
}

// KeyHandler is called for every keypad notification. err is non-nil when the
// notification could not be decoded.
type KeyHandler func(key Key, err error)

// DisconnectHandler is called once when an established link is lost.
type DisconnectHandler func(name string)

// Config holds Central settings.
type Config struct {
	// Adapter is the BlueZ adapter name used to build D-Bus object paths.
	Adapter string
	// NamePrefix filters advertisements by local name.
	NamePrefix string
	// Address, when set, restricts connections to a single device.
	Address string
	// ServicesResolvedTimeout bounds the wait for BlueZ GATT discovery.
	ServicesResolvedTimeout time.Duration
	// BreakerMaxFailures is the number of consecutive write failures that open the breaker.
	BreakerMaxFailures uint32
	// BreakerTimeout is how long the breaker stays open.
	BreakerTimeout time.Duration
}

// DefaultConfig returns sensible defaults for a Central.
func DefaultConfig() Config {
	return Config{
		Adapter:                 "hci0",
		NamePrefix:              DefaultNamePrefix,
		ServicesResolvedTimeout: 15 * time.Second,
		BreakerMaxFailures:      3,
		BreakerTimeout:          5 * time.Second,
	}
}

// Central manages the BLE connection to an F503i.
type Central struct {
	adapter *bluetooth.Adapter
	cfg     Config
	logger  *slog.Logger

	mu           sync.RWMutex
	link         *Link
	onKey        KeyHandler
	onDisconnect DisconnectHandler
}

// NewCentral creates a new BLE Central manager.
func NewCentral(cfg Config, logger *slog.Logger) *Central {
	if cfg.Adapter == "" {
		cfg.Adapter = "hci0"
	}
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = DefaultNamePrefix
	}
	return &Central{
		adapter: bluetooth.DefaultAdapter,
		cfg:     cfg,
		logger:  logger.With("component", "ble"),
	}
}

// SetKeyHandler sets the callback for decoded keypad notifications.
func (c *Central) SetKeyHandler(handler KeyHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onKey = handler
}

// SetDisconnectHandler sets the callback for link loss.
func (c *Central) SetDisconnectHandler(handler DisconnectHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = handler
}

// Enable initializes the BLE adapter.
func (c *Central) Enable() error {
	c.logger.Info("enabling adapter")
	if err := c.adapter.Enable(); err != nil {
		return fmt.Errorf("failed to enable BLE adapter: %w", err)
	}
	c.logger.Info("adapter enabled")
	return nil
}

// Link returns the current link, or nil when not connected.
func (c *Central) Link() *Link {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.link
}

func (c *Central) matches(result *bluetooth.ScanResult) bool {
	if !strings.HasPrefix(result.LocalName(), c.cfg.NamePrefix) {
		return false
	}
	if c.cfg.Address != "" && !strings.EqualFold(result.Address.String(), c.cfg.Address) {
		return false
	}
	return true
}

// Scan yields matching devices until ctx is done or the consumer stops.
// Each address is reported once.
func (c *Central) Scan(ctx context.Context) iter.Seq2[Advertisement, error] {
	return func(yield func(Advertisement, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(Advertisement{}, err)
			return
		}

		seen := make(map[string]bool)

		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				c.adapter.StopScan()
			case <-stop:
			}
		}()

		var stopped bool
		err := c.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if stopped || !c.matches(&result) || seen[result.Address.String()] {
				return
			}
			seen[result.Address.String()] = true

			c.logger.Debug("found device", "name", result.LocalName(), "address", result.Address.String())
			adv := Advertisement{
				Name:    result.LocalName(),
				Address: result.Address,
				RSSI:    result.RSSI,
			}
			if !yield(adv, nil) {
				stopped = true
				adapter.StopScan()
			}
		})
		if err != nil && !stopped {
			yield(Advertisement{}, fmt.Errorf("scan: %w", err))
			return
		}
		if ctx.Err() != nil && !stopped {
			yield(Advertisement{}, ctx.Err())
		}
	}
}

// Find returns the first matching device.
func (c *Central) Find(ctx context.Context) (Advertisement, error) {
	for adv, err := range c.Scan(ctx) {
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return Advertisement{}, fmt.Errorf("%w: %w", ErrDeviceNotFound, err)
			}
			return Advertisement{}, err
		}
		return adv, nil
	}
	return Advertisement{}, ErrDeviceNotFound
}

// Dial finds the first matching device and connects to it.
func (c *Central) Dial(ctx context.Context) (*Link, error) {
	c.logger.Info("scanning for device", "prefix", c.cfg.NamePrefix, "address", c.cfg.Address)
	adv, err := c.Find(ctx)
	if err != nil {
		return nil, err
	}
	return c.Connect(ctx, adv)
}

// Connect establishes a link to a discovered device.
func (c *Central) Connect(ctx context.Context, adv Advertisement) (*Link, error) {
	c.logger.Info("connecting", "name", adv.Name, "address", adv.Address.String())

	device, err := c.adapter.Connect(adv.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c.logger.Info("connected, waiting for GATT profile", "name", adv.Name)

	devPath := devicePath(c.cfg.Adapter, adv.Address.String())

	// BlueZ resolves GATT asynchronously after the ACL link is up.
	if err := waitForServicesResolved(ctx, devPath, c.cfg.ServicesResolvedTimeout); err != nil {
		device.Disconnect()
		return nil, fmt.Errorf("GATT not resolved on %s: %w", adv.Name, err)
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		device.Disconnect()
		return nil, fmt.Errorf("dbus connect: %w", err)
	}

	paths, err := discoverGATT(conn, devPath, c.logger)
	if err != nil {
		conn.Close()
		device.Disconnect()
		return nil, fmt.Errorf("GATT discovery failed on %s: %w", adv.Name, err)
	}

	keys, err := gatt.NewGattCharacteristic1(paths[ChannelKeys])
	if err != nil {
		conn.Close()
		device.Disconnect()
		return nil, fmt.Errorf("NewGattCharacteristic1(%s): %w", paths[ChannelKeys], err)
	}

	// Subscribe before StartNotify so the first key is not lost.
	propCh, err := keys.WatchProperties()
	if err != nil {
		conn.Close()
		device.Disconnect()
		return nil, fmt.Errorf("WatchProperties failed: %w", err)
	}
	if err := keys.StartNotify(); err != nil {
		_ = keys.UnwatchProperties(propCh)
		conn.Close()
		device.Disconnect()
		return nil, fmt.Errorf("StartNotify failed: %w", err)
	}

	link := &Link{
		name:    adv.Name,
		address: adv.Address.String(),
		devPath: devPath,
		device:  device,
		conn:    conn,
		io:      &busIO{conn: conn, paths: paths},
		keys:    keys,
		propCh:  propCh,
		breaker: newWriteBreaker(adv.Name, c.cfg, c.logger),
		logger:  c.logger.With("device", adv.Name),
		done:    make(chan struct{}),
	}

	if err := link.watchConnected(c.handleLinkLost); err != nil {
		link.Close()
		return nil, err
	}

	c.mu.Lock()
	old := c.link
	c.link = link
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	notify := c.handleNotification()
	go func() {
		for update := range propCh {
			if update == nil {
				continue
			}
			if update.Interface == bluezGattChar && update.Name == "Value" {
				if data, ok := update.Value.([]byte); ok {
					notify(data)
				}
			}
		}
	}()

	c.logger.Info("device connected and streaming keys", "name", adv.Name)
	return link, nil
}

// handleNotification decodes keypad notifications.
func (c *Central) handleNotification() func([]byte) {
	return func(data []byte) {
		key, err := DecodeKey(data)
		if err != nil {
			c.logger.Warn("failed to decode key packet", "data", fmt.Sprintf("%x", data), "error", err)
		}

		c.mu.RLock()
		handler := c.onKey
		c.mu.RUnlock()

		if handler != nil {
			handler(key, err)
		}
	}
}

func (c *Central) handleLinkLost(link *Link) {
	c.mu.Lock()
	current := c.link == link
	if current {
		c.link = nil
	}
	handler := c.onDisconnect
	c.mu.Unlock()

	link.Close()
	if !current {
		return
	}

	c.logger.Warn("device disconnected", "name", link.name)
	if handler != nil {
		handler(link.name)
	}
}

// Disconnect closes the current link without reporting link loss.
func (c *Central) Disconnect() error {
	c.mu.Lock()
	link := c.link
	c.link = nil
	c.mu.Unlock()

	if link == nil {
		return nil
	}
	return link.Close()
}

// devicePath derives the BlueZ D-Bus object path from the MAC address.
// e.g. "D4:E9:F4:E2:B5:8A" → "/org/bluez/hci0/dev_D4_E9_F4_E2_B5_8A"
func devicePath(adapter, addr string) dbus.ObjectPath {
	mac := strings.ToUpper(addr)
	devID := strings.ReplaceAll(mac, ":", "_")
	return dbus.ObjectPath("/org/bluez/" + adapter + "/dev_" + devID)
}

// waitForServicesResolved blocks until BlueZ reports ServicesResolved = true
// for the device, the timeout expires or ctx is done.
func waitForServicesResolved(ctx context.Context, devPath dbus.ObjectPath, timeout time.Duration) error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("dbus: %w", err)
	}
	defer conn.Close()

	obj := conn.Object(bluezBus, devPath)

	// Fast path: already resolved (e.g. reconnect after prior session).
	v, err := obj.GetProperty(bluezDevice1 + ".ServicesResolved")
	if err == nil {
		if resolved, ok := v.Value().(bool); ok && resolved {
			return nil
		}
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(dbusProperties),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchObjectPath(devPath),
	); err != nil {
		return fmt.Errorf("dbus match: %w", err)
	}

	ch := make(chan *dbus.Signal, 16)
	conn.Signal(ch)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case sig, ok := <-ch:
			if !ok {
				return fmt.Errorf("dbus signal channel closed")
			}
			if resolved, ok := deviceProperty(sig, "ServicesResolved"); ok && resolved {
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("timeout waiting for ServicesResolved")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// deviceProperty extracts a boolean org.bluez.Device1 property from a
// PropertiesChanged signal.
func deviceProperty(sig *dbus.Signal, name string) (value bool, ok bool) {
	if sig == nil || len(sig.Body) < 2 {
		return false, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != bluezDevice1 {
		return false, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return false, false
	}
	v, ok := changed[name]
	if !ok {
		return false, false
	}
	value, ok = v.Value().(bool)
	return value, ok
}

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// discoverGATT calls GetManagedObjects directly on org.bluez, bypassing the
// go-bluetooth singleton ObjectManager which can return a stale view of the
// GATT object tree, and returns the object path of every F503i characteristic.
func discoverGATT(conn *dbus.Conn, devPath dbus.ObjectPath, logger *slog.Logger) (map[Channel]dbus.ObjectPath, error) {
	obj := conn.Object(bluezBus, "/")
	var managed managedObjects
	if err := obj.Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&managed); err != nil {
		return nil, fmt.Errorf("GetManagedObjects: %w", err)
	}

	logger.Debug("GetManagedObjects returned", "objects", len(managed))
	return resolveChannels(managed, devPath)
}

// resolveChannels finds the F503i service under devPath and maps every
// characteristic UUID to its object path.
func resolveChannels(managed managedObjects, devPath dbus.ObjectPath) (map[Channel]dbus.ObjectPath, error) {
	servicePath, ok := findChild(managed, string(devPath)+"/service", bluezGattService, serviceUUIDStr)
	if !ok {
		return nil, fmt.Errorf("service %s not found on %s", serviceUUIDStr, devPath)
	}

	paths := make(map[Channel]dbus.ObjectPath, len(channelUUIDs))
	for ch, uuid := range channelUUIDs {
		charPath, ok := findChild(managed, servicePath+"/char", bluezGattChar, uuid)
		if !ok {
			return nil, fmt.Errorf("characteristic %s (%s) not found under %s", uuid, ch, servicePath)
		}
		paths[ch] = dbus.ObjectPath(charPath)
	}
	return paths, nil
}

// findChild returns the object exactly one level below prefix that exposes
// iface with the given UUID.
func findChild(managed managedObjects, prefix, iface, uuid string) (string, bool) {
	parent := prefix[:strings.LastIndex(prefix, "/")]
	for path, ifaces := range managed {
		pathStr := string(path)
		if !strings.HasPrefix(pathStr, prefix) {
			continue
		}
		if strings.Contains(pathStr[len(parent)+1:], "/") {
			continue
		}
		props, ok := ifaces[iface]
		if !ok {
			continue
		}
		v, ok := props["UUID"]
		if !ok {
			continue
		}
		s, ok := v.Value().(string)
		if !ok {
			continue
		}
		if strings.EqualFold(s, uuid) {
			return pathStr, true
		}
	}
	return "", false
}
