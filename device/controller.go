// Package device holds the connection state of a single F503i and turns block
// calls into characteristic reads and writes.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"f503i-bridge/ble"
	"f503i-bridge/eventbus"
)

// ErrNotConnected is returned by commands issued while no device is connected.
var ErrNotConnected = errors.New("device not connected")

// DefaultDialTimeout bounds a single connection attempt.
const DefaultDialTimeout = 10 * time.Second

// State is the connection state reported to blocks.
type State int

const (
	StateIdle State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Link is an open connection to the device.
type Link interface {
	Write(ctx context.Context, ch ble.Channel, value byte) error
	Read(ctx context.Context, ch ble.Channel) ([]byte, error)
	Close() error
}

// Connector opens a Link to the first matching device.
type Connector interface {
	Dial(ctx context.Context) (Link, error)
}

// ConnectorFunc adapts a function to a Connector.
type ConnectorFunc func(ctx context.Context) (Link, error)

func (f ConnectorFunc) Dial(ctx context.Context) (Link, error) { return f(ctx) }

// Publisher receives controller events.
type Publisher interface {
	Publish(ctx context.Context, event eventbus.Event)
}

// ConnectedPayload is the payload of device.connected.
type ConnectedPayload struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address,omitempty"`
}

// DisconnectedPayload is the payload of device.disconnected.
type DisconnectedPayload struct {
	Name string `json:"name,omitempty"`
}

// KeyPushedPayload is the payload of device.key_pushed.
type KeyPushedPayload struct {
	Key string `json:"key"`
}

type named interface {
	Name() string
	Address() string
}

// Controller owns the link to one device and the state the blocks observe.
type Controller struct {
	connector   Connector
	events      Publisher
	logger      *slog.Logger
	dialTimeout time.Duration

	dialMu  sync.Mutex // serialises connection attempts
	transMu sync.Mutex // orders connected and disconnected events

	mu           sync.Mutex
	state        State
	link         Link
	name         string
	leds         [len(LEDs)]bool
	lastReceived string
	pendingKey   string

	// lost is set between a link loss and its deferred disconnected event.
	lost bool

	wg sync.WaitGroup
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithDialTimeout bounds each connection attempt. Non-positive values keep
// DefaultDialTimeout.
func WithDialTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// NewController creates a controller in the idle state.
func NewController(connector Connector, events Publisher, logger *slog.Logger, opts ...ControllerOption) *Controller {
	c := &Controller{
		connector:   connector,
		events:      events,
		logger:      logger.With("component", "device"),
		dialTimeout: DefaultDialTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// later runs fn on its own goroutine, after the caller returns.
func (c *Controller) later(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func (c *Controller) publish(ctx context.Context, t eventbus.EventType, payload any) {
	if c.events == nil {
		return
	}
	ev, err := eventbus.NewEvent(t, payload)
	if err != nil {
		c.logger.Error("failed to build event", "type", string(t), "error", err)
		return
	}
	c.events.Publish(ctx, ev)
}

// Connect opens a link. It is a no-op while a live link exists, and on
// failure the state is left unchanged.
func (c *Controller) Connect(ctx context.Context) error {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	c.mu.Lock()
	live := c.state == StateConnected && c.link != nil
	c.mu.Unlock()
	if live {
		return nil
	}

	dctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	link, err := c.connector.Dial(dctx)
	if err != nil {
		c.logger.Error("connection failed", "error", err)
		return fmt.Errorf("connect: %w", err)
	}

	var payload ConnectedPayload
	if n, ok := link.(named); ok {
		payload = ConnectedPayload{Name: n.Name(), Address: n.Address()}
	}

	c.transMu.Lock()
	defer c.transMu.Unlock()

	// A loss whose event is still pending is reported before the new link.
	c.mu.Lock()
	lostName := c.name
	wasLost := c.lost
	c.lost = false
	c.mu.Unlock()
	if wasLost {
		c.publish(ctx, eventbus.EventDisconnected, DisconnectedPayload{Name: lostName})
	}

	c.mu.Lock()
	old := c.link
	c.link = link
	c.name = payload.Name
	c.state = StateConnected
	c.leds = [len(LEDs)]bool{}
	c.mu.Unlock()

	if old != nil && old != link {
		if err := old.Close(); err != nil {
			c.logger.Debug("closing previous link failed", "error", err)
		}
	}

	c.logger.Info("connected", "name", payload.Name, "address", payload.Address)
	c.publish(ctx, eventbus.EventConnected, payload)
	return nil
}

// State returns the current connection state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether a device is connected.
func (c *Controller) Connected() bool {
	return c.State() == StateConnected
}

// Disconnected is the hat predicate for a lost connection.
func (c *Controller) Disconnected() bool {
	return c.State() == StateDisconnected
}

// HandleDisconnect records the loss of the link. Commands fail at once; the
// disconnected event is published before the state changes, and neither
// happens inline. A Connect that completes first reports the loss itself.
func (c *Controller) HandleDisconnect(name string) {
	c.mu.Lock()
	if c.state != StateConnected || c.lost {
		c.mu.Unlock()
		return
	}
	if name == "" {
		name = c.name
	}
	c.name = name
	c.link = nil
	c.lost = true
	c.mu.Unlock()

	c.logger.Info("disconnected", "name", name)
	c.later(func() {
		c.transMu.Lock()
		defer c.transMu.Unlock()

		c.mu.Lock()
		pending := c.lost
		c.mu.Unlock()
		if !pending {
			return
		}

		c.publish(context.Background(), eventbus.EventDisconnected, DisconnectedPayload{Name: name})

		c.mu.Lock()
		c.state = StateDisconnected
		c.lost = false
		c.mu.Unlock()
	})
}

// HandleKey records a key notification. A key different from the pending one
// fires device.key_pushed on a later goroutine, which then clears it.
func (c *Controller) HandleKey(key ble.Key, err error) {
	if err != nil {
		c.logger.Warn("undecodable key notification", "error", err)
		key = ""
	}

	c.mu.Lock()
	c.lastReceived = string(key)
	if key == "" || string(key) == c.pendingKey {
		c.mu.Unlock()
		return
	}
	c.pendingKey = string(key)
	c.mu.Unlock()

	c.later(func() {
		c.publish(context.Background(), eventbus.EventKeyPushed, KeyPushedPayload{Key: string(key)})

		c.mu.Lock()
		c.pendingKey = ""
		c.mu.Unlock()
	})
}

// KeyPushed is the hat predicate for a key press awaiting delivery.
func (c *Controller) KeyPushed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingKey != ""
}

// LastKey returns the most recently received key label.
func (c *Controller) LastKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReceived
}

// LEDOn reports the recorded state of an LED.
func (c *Controller) LEDOn(led LED) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leds[led]
}

func (c *Controller) connectedLink() (Link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.link == nil {
		return nil, ErrNotConnected
	}
	return c.link, nil
}

// ToggleLED flips an LED. The recorded state flips even if the write fails.
func (c *Controller) ToggleLED(ctx context.Context, led LED) error {
	if led < 0 || int(led) >= len(LEDs) {
		return fmt.Errorf("%w: %s", ErrUnknownLED, led)
	}

	c.mu.Lock()
	if c.state != StateConnected || c.link == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	link := c.link
	wasOn := c.leds[led]
	c.leds[led] = !wasOn
	c.mu.Unlock()

	value := ble.LEDOn
	if wasOn {
		value = ble.LEDOff
	}
	return link.Write(ctx, led.channel(), value)
}

// TurnOffLEDs switches every LED off.
func (c *Controller) TurnOffLEDs(ctx context.Context) error {
	link, err := c.connectedLink()
	if err != nil {
		return err
	}
	for _, led := range LEDs {
		if err := link.Write(ctx, led.channel(), ble.LEDOff); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.leds = [len(LEDs)]bool{}
	c.mu.Unlock()
	return nil
}

// BuzzerValue converts a block scale into the byte written to the buzzer.
func BuzzerValue(scale float64) byte {
	if math.IsNaN(scale) {
		return 0
	}
	v := math.Max(math.Floor(scale), 0)
	if v > float64(ble.BuzzerMax) {
		return ble.BuzzerMax
	}
	return byte(v)
}

// PlayBuzzer stops any tone and then plays scale.
func (c *Controller) PlayBuzzer(ctx context.Context, scale float64) error {
	link, err := c.connectedLink()
	if err != nil {
		return err
	}
	if err := link.Write(ctx, ble.ChannelBuzzer, ble.BuzzerStop); err != nil {
		return err
	}
	return link.Write(ctx, ble.ChannelBuzzer, BuzzerValue(scale))
}

// StopBuzzer silences the buzzer.
func (c *Controller) StopBuzzer(ctx context.Context) error {
	link, err := c.connectedLink()
	if err != nil {
		return err
	}
	return link.Write(ctx, ble.ChannelBuzzer, ble.BuzzerStop)
}

// Brightness reads the light sensor. It returns -1 when not connected or on
// any read or decode error.
func (c *Controller) Brightness(ctx context.Context) int {
	link, err := c.connectedLink()
	if err != nil {
		return -1
	}
	data, err := link.Read(ctx, ble.ChannelBrightness)
	if err != nil {
		c.logger.Debug("brightness read failed", "error", err)
		return -1
	}
	v, err := ble.DecodeBrightness(data)
	if err != nil {
		c.logger.Debug("brightness decode failed", "error", err)
		return -1
	}
	return v
}

// Wait blocks until every deferred event has been published.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Close drops the link and waits for deferred events.
func (c *Controller) Close() error {
	c.mu.Lock()
	link := c.link
	c.link = nil
	if c.state == StateConnected {
		c.state = StateIdle
	}
	c.mu.Unlock()

	c.wg.Wait()
	if link != nil {
		return link.Close()
	}
	return nil
}
