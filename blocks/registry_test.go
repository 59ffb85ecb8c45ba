package blocks

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"f503i-bridge/ble"
	"f503i-bridge/device"
)

type call struct {
	op  string
	arg any
}

type fakeDevice struct {
	calls      []call
	err        error
	connected  bool
	lost       bool
	pushed     bool
	lastKey    string
	brightness int
}

func (f *fakeDevice) record(op string, arg any) error {
	f.calls = append(f.calls, call{op, arg})
	return f.err
}

func (f *fakeDevice) Connect(context.Context) error { return f.record("connect", nil) }
func (f *fakeDevice) Connected() bool               { return f.connected }
func (f *fakeDevice) Disconnected() bool            { return f.lost }
func (f *fakeDevice) KeyPushed() bool               { return f.pushed }
func (f *fakeDevice) LastKey() string               { return f.lastKey }
func (f *fakeDevice) ToggleLED(_ context.Context, led device.LED) error {
	return f.record("toggle", led)
}
func (f *fakeDevice) TurnOffLEDs(context.Context) error { return f.record("off", nil) }
func (f *fakeDevice) PlayBuzzer(_ context.Context, scale float64) error {
	return f.record("play", scale)
}
func (f *fakeDevice) StopBuzzer(context.Context) error { return f.record("stop", nil) }
func (f *fakeDevice) Brightness(context.Context) int   { return f.brightness }

func TestExtensionMetadata(t *testing.T) {
	info := Extension()
	assert.Equal(t, "f503iExtension", info.ID)
	require.Len(t, info.Blocks, 10)

	want := []string{
		"connectBLE", "BLEStates", "ble_DisconnecedAction", "ble_PushKeyAction", "getLastKey",
		"ledSwitch", "turnOffLED", "playBuzzer", "stopBuzzer", "getBrightness",
	}
	for i, b := range info.Blocks {
		assert.Equal(t, want[i], b.Opcode)
	}

	play, ok := info.Lookup(OpPlayBuzzer)
	require.True(t, ok)
	assert.Equal(t, DefaultScale, play.Arguments["SCALE"].DefaultValue)

	led, ok := info.Lookup(OpLEDSwitch)
	require.True(t, ok)
	assert.Equal(t, LEDMenu, led.Arguments["MODE"].Menu)
	assert.Equal(t, []string{"緑", "黄", "赤"}, info.Menus[LEDMenu].Items)

	hat, _ := info.Lookup(OpPushKey)
	assert.Equal(t, BlockHat, hat.BlockType)

	_, ok = info.Lookup("nope")
	assert.False(t, ok)
}

func TestExtensionJSON(t *testing.T) {
	data, err := json.Marshal(Extension())
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "f503iExtension", decoded["id"])
	blocks := decoded["blocks"].([]any)
	first := blocks[0].(map[string]any)
	assert.Equal(t, "command", first["blockType"])
	assert.NotContains(t, first, "arguments")
}

func TestRegistryCoversEveryBlock(t *testing.T) {
	r := NewRegistry(&fakeDevice{}, slog.Default())
	assert.Len(t, r.Opcodes(), len(Extension().Blocks))
}

func TestExecuteReporters(t *testing.T) {
	dev := &fakeDevice{connected: true, lost: false, pushed: true, lastKey: "#", brightness: 512}
	r := NewRegistry(dev, slog.Default())
	ctx := context.Background()

	tests := []struct {
		op   string
		want any
	}{
		{OpStates, true},
		{OpDisconnected, false},
		{OpPushKey, true},
		{OpGetLastKey, "#"},
		{OpGetBrightness, 512},
	}
	for _, tt := range tests {
		got, err := r.Execute(ctx, tt.op, nil)
		require.NoError(t, err, tt.op)
		assert.Equal(t, tt.want, got, tt.op)
	}
}

func TestExecuteCommands(t *testing.T) {
	dev := &fakeDevice{}
	r := NewRegistry(dev, slog.Default())
	ctx := context.Background()

	for _, step := range []struct {
		op   string
		args Args
	}{
		{OpConnect, nil},
		{OpLEDSwitch, Args{"MODE": "黄"}},
		{OpLEDSwitch, Args{"MODE": "red"}},
		{OpTurnOffLED, nil},
		{OpPlayBuzzer, Args{"SCALE": 72.5}},
		{OpPlayBuzzer, Args{"SCALE": "40"}},
		{OpPlayBuzzer, nil},
		{OpStopBuzzer, nil},
	} {
		res, err := r.Execute(ctx, step.op, step.args)
		require.NoError(t, err, step.op)
		assert.Nil(t, res)
	}

	assert.Equal(t, []call{
		{"connect", nil},
		{"toggle", device.LEDYellow},
		{"toggle", device.LEDRed},
		{"off", nil},
		{"play", 72.5},
		{"play", 40.0},
		{"play", float64(DefaultScale)},
		{"stop", nil},
	}, dev.calls)
}

type nopLink struct{}

func (nopLink) Write(context.Context, ble.Channel, byte) error    { return nil }
func (nopLink) Read(context.Context, ble.Channel) ([]byte, error) { return nil, nil }
func (nopLink) Close() error                                      { return nil }

func TestExecuteConnectBoundsDial(t *testing.T) {
	var dials int
	var hasDeadline bool
	ctrl := device.NewController(device.ConnectorFunc(func(ctx context.Context) (device.Link, error) {
		dials++
		_, hasDeadline = ctx.Deadline()
		return nopLink{}, nil
	}), nil, slog.Default(), device.WithDialTimeout(time.Second))
	r := NewRegistry(ctrl, slog.Default())

	_, err := r.Execute(context.Background(), OpConnect, nil)
	require.NoError(t, err)
	assert.True(t, hasDeadline)

	// A program that starts with connectBLE while already connected does not rescan.
	_, err = r.Execute(context.Background(), OpConnect, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, dials)
}

func TestExecuteErrors(t *testing.T) {
	dev := &fakeDevice{}
	r := NewRegistry(dev, slog.Default())
	ctx := context.Background()

	_, err := r.Execute(ctx, "explode", nil)
	assert.ErrorIs(t, err, ErrUnknownOpcode)

	_, err = r.Execute(ctx, OpLEDSwitch, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = r.Execute(ctx, OpLEDSwitch, Args{"MODE": "青"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.ErrorIs(t, err, device.ErrUnknownLED)

	_, err = r.Execute(ctx, OpPlayBuzzer, Args{"SCALE": "loud"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = r.Execute(ctx, OpPlayBuzzer, Args{"SCALE": true})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	assert.Empty(t, dev.calls)

	dev.err = device.ErrNotConnected
	_, err = r.Execute(ctx, OpStopBuzzer, nil)
	assert.ErrorIs(t, err, device.ErrNotConnected)
}

func TestArgs(t *testing.T) {
	a := Args{"n": json.Number("12"), "f": 3.0, "s": " 7 ", "bad": json.Number("x"), "nan": "NaN"}

	s, err := a.String("f")
	require.NoError(t, err)
	assert.Equal(t, "3", s)

	s, err = a.String("n")
	require.NoError(t, err)
	assert.Equal(t, "12", s)

	_, err = a.String("missing")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	n, err := a.NumberOr("n", 0)
	require.NoError(t, err)
	assert.Equal(t, 12.0, n)

	n, err = a.NumberOr("s", 0)
	require.NoError(t, err)
	assert.Equal(t, 7.0, n)

	n, err = a.NumberOr("missing", 61)
	require.NoError(t, err)
	assert.Equal(t, 61.0, n)

	n, err = a.NumberOr("nan", 0)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(n))

	_, err = a.NumberOr("bad", 0)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}
