// Package analytics keeps session statistics over keypad and brightness activity.
package analytics

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"f503i-bridge/ble"
	"f503i-bridge/device"
	"f503i-bridge/eventbus"
)

const (
	defaultRecentKeys = 50
	brightnessBufSize = 150 // 5 minutes at the default 2s sampling
)

// KeyPress is one recorded key press.
type KeyPress struct {
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Count int       `json:"count"` // press number in session
}

// BrightnessStats summarises the rolling brightness buffer.
type BrightnessStats struct {
	Current int     `json:"current"`
	Min     int     `json:"min"`
	Max     int     `json:"max"`
	Avg     float64 `json:"avg"`
	Samples int     `json:"samples"`
	History []int   `json:"history"`
}

// SessionState is the snapshot published to clients.
type SessionState struct {
	Active        bool            `json:"active"`
	Connected     bool            `json:"connected"`
	ElapsedSec    float64         `json:"elapsed_sec"`
	TotalPresses  int             `json:"total_presses"`
	KeyCounts     map[string]int  `json:"key_counts"`
	PressesPerMin float64         `json:"ppm"`
	RecentKeys    []KeyPress      `json:"recent_keys"`
	Brightness    BrightnessStats `json:"brightness"`
}

// StateHandler is called when session state changes.
type StateHandler func(state *SessionState)

// Analyzer accumulates key presses and brightness samples for a session.
type Analyzer struct {
	mu         sync.RWMutex
	active     bool
	connected  bool
	startedAt  time.Time
	counts     map[string]int
	total      int
	recent     []KeyPress
	maxRecent  int
	brightness *RollingBuffer
	current    int
	onState    StateHandler
	now        func() time.Time
}

// NewAnalyzer creates an Analyzer keeping the last recentKeys presses.
func NewAnalyzer(recentKeys int) *Analyzer {
	if recentKeys <= 0 {
		recentKeys = defaultRecentKeys
	}
	a := &Analyzer{maxRecent: recentKeys, now: time.Now}
	a.clearLocked()
	return a
}

func (a *Analyzer) clearLocked() {
	a.counts = make(map[string]int)
	a.total = 0
	a.recent = make([]KeyPress, 0, a.maxRecent)
	a.brightness = NewRollingBuffer(brightnessBufSize)
	a.current = 0
}

// SetStateHandler sets the callback for state changes.
func (a *Analyzer) SetStateHandler(handler StateHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onState = handler
}

// StartSession begins a new session.
func (a *Analyzer) StartSession() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.clearLocked()
	a.active = true
	a.startedAt = a.now()

	a.broadcastLocked()
}

// ResetSession clears all stats and stops the session.
func (a *Analyzer) ResetSession() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.clearLocked()
	a.active = false

	a.broadcastLocked()
}

// IsActive returns whether a session is running.
func (a *Analyzer) IsActive() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.active
}

// SetConnected records the device connection state.
func (a *Analyzer) SetConnected(connected bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.connected == connected {
		return
	}
	a.connected = connected
	a.broadcastLocked()
}

// RecordKey counts a key press. The release marker and presses outside a
// session are ignored.
func (a *Analyzer) RecordKey(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active || key == "" || key == string(ble.KeyNone) {
		return
	}

	a.total++
	a.counts[key]++
	a.recent = append(a.recent, KeyPress{Key: key, At: a.now(), Count: a.total})
	if len(a.recent) > a.maxRecent {
		a.recent = a.recent[1:]
	}

	a.broadcastLocked()
}

// RecordBrightness adds a brightness sample. Negative values mean the
// reading failed and are ignored.
func (a *Analyzer) RecordBrightness(v int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active || v < 0 {
		return
	}
	a.current = v
	a.brightness.Push(v)
	a.broadcastLocked()
}

// BroadcastTick sends a periodic update so clients see elapsed time advance.
func (a *Analyzer) BroadcastTick() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active {
		a.broadcastLocked()
	}
}

// GetState returns the current session state.
func (a *Analyzer) GetState() *SessionState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.buildStateLocked()
}

// Must be called with a.mu held.
func (a *Analyzer) buildStateLocked() *SessionState {
	var elapsed float64
	if a.active {
		elapsed = a.now().Sub(a.startedAt).Seconds()
	}

	counts := make(map[string]int, len(a.counts))
	for k, v := range a.counts {
		counts[k] = v
	}
	recent := make([]KeyPress, len(a.recent))
	copy(recent, a.recent)

	state := &SessionState{
		Active:       a.active,
		Connected:    a.connected,
		ElapsedSec:   elapsed,
		TotalPresses: a.total,
		KeyCounts:    counts,
		RecentKeys:   recent,
		Brightness: BrightnessStats{
			Current: a.current,
			Samples: a.brightness.Len(),
			History: a.brightness.Values(),
		},
	}
	if elapsed > 0 {
		state.PressesPerMin = math.Round(float64(a.total)/(elapsed/60)*100) / 100
	}
	if lo, hi, mean, ok := a.brightness.Stats(); ok {
		state.Brightness.Min = lo
		state.Brightness.Max = hi
		state.Brightness.Avg = math.Round(mean*100) / 100
	}
	return state
}

// Must be called with a.mu held.
func (a *Analyzer) broadcastLocked() {
	if a.onState != nil {
		state := a.buildStateLocked()
		go a.onState(state)
	}
}

// Subscribe feeds device events from bus into the analyzer and returns a
// function removing the subscriptions.
func (a *Analyzer) Subscribe(bus *eventbus.Bus, logger *slog.Logger) func() {
	unsubs := []func(){
		bus.Subscribe(eventbus.EventConnected, func(context.Context, eventbus.Event) {
			a.SetConnected(true)
		}),
		bus.Subscribe(eventbus.EventDisconnected, func(context.Context, eventbus.Event) {
			a.SetConnected(false)
		}),
		bus.Subscribe(eventbus.EventKeyPushed, func(_ context.Context, ev eventbus.Event) {
			var p device.KeyPushedPayload
			if err := ev.Decode(&p); err != nil {
				logger.Warn("bad key event", "id", ev.ID, "error", err)
				return
			}
			a.RecordKey(p.Key)
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
