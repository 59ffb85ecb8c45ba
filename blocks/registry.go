package blocks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"f503i-bridge/device"
	"f503i-bridge/tracer"
)

var (
	// ErrUnknownOpcode is returned for an opcode the extension does not define.
	ErrUnknownOpcode = errors.New("unknown opcode")
	// ErrInvalidArgument is returned for a missing or malformed block argument.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Device is the controller surface the blocks drive.
type Device interface {
	Connect(ctx context.Context) error
	Connected() bool
	Disconnected() bool
	KeyPushed() bool
	LastKey() string
	ToggleLED(ctx context.Context, led device.LED) error
	TurnOffLEDs(ctx context.Context) error
	PlayBuzzer(ctx context.Context, scale float64) error
	StopBuzzer(ctx context.Context) error
	Brightness(ctx context.Context) int
}

// Args holds block arguments keyed by argument name.
type Args map[string]any

type handler func(ctx context.Context, args Args) (any, error)

// Registry dispatches opcodes to a Device.
type Registry struct {
	dev      Device
	logger   *slog.Logger
	handlers map[string]handler
}

// NewRegistry binds every opcode of the extension to dev.
func NewRegistry(dev Device, logger *slog.Logger) *Registry {
	r := &Registry{dev: dev, logger: logger.With("component", "blocks")}
	r.handlers = map[string]handler{
		OpConnect: func(ctx context.Context, _ Args) (any, error) {
			return nil, r.dev.Connect(ctx)
		},
		OpStates: func(context.Context, Args) (any, error) {
			return r.dev.Connected(), nil
		},
		OpDisconnected: func(context.Context, Args) (any, error) {
			return r.dev.Disconnected(), nil
		},
		OpPushKey: func(context.Context, Args) (any, error) {
			return r.dev.KeyPushed(), nil
		},
		OpGetLastKey: func(context.Context, Args) (any, error) {
			return r.dev.LastKey(), nil
		},
		OpLEDSwitch: func(ctx context.Context, args Args) (any, error) {
			mode, err := args.String(argMode)
			if err != nil {
				return nil, err
			}
			led, err := device.ParseLED(mode)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
			}
			return nil, r.dev.ToggleLED(ctx, led)
		},
		OpTurnOffLED: func(ctx context.Context, _ Args) (any, error) {
			return nil, r.dev.TurnOffLEDs(ctx)
		},
		OpPlayBuzzer: func(ctx context.Context, args Args) (any, error) {
			scale, err := args.NumberOr(argScale, DefaultScale)
			if err != nil {
				return nil, err
			}
			return nil, r.dev.PlayBuzzer(ctx, scale)
		},
		OpStopBuzzer: func(ctx context.Context, _ Args) (any, error) {
			return nil, r.dev.StopBuzzer(ctx)
		},
		OpGetBrightness: func(ctx context.Context, _ Args) (any, error) {
			return r.dev.Brightness(ctx), nil
		},
	}
	return r
}

// Opcodes lists the opcodes the registry accepts.
func (r *Registry) Opcodes() []string {
	info := Extension()
	ops := make([]string, 0, len(info.Blocks))
	for _, b := range info.Blocks {
		if _, ok := r.handlers[b.Opcode]; ok {
			ops = append(ops, b.Opcode)
		}
	}
	return ops
}

// Execute runs opcode with args. Commands return a nil result, reporters and
// hats return their value.
func (r *Registry) Execute(ctx context.Context, opcode string, args Args) (any, error) {
	ctx, span := tracer.StartSpan(ctx, "blocks.execute")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("block.opcode", opcode))

	h, ok := r.handlers[opcode]
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownOpcode, opcode)
		tracer.RecordError(span, err)
		return nil, err
	}

	result, err := h(ctx, args)
	if err != nil {
		tracer.RecordError(span, err)
		r.logger.Warn("block failed", "opcode", opcode, "error", err)
		return nil, fmt.Errorf("%s: %w", opcode, err)
	}
	tracer.SetOK(span)
	r.logger.Debug("block executed", "opcode", opcode, "result", result)
	return result, nil
}

// String returns a string argument. Numbers are formatted without a
// trailing fraction.
func (a Args) String(name string) (string, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidArgument, name)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case json.Number:
		return x.String(), nil
	default:
		return "", fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidArgument, name, v)
	}
}

// NumberOr returns a numeric argument, or def when it is absent. Numeric
// strings are accepted since editors often send inputs as text.
func (a Args) NumberOr(name string, def float64) (float64, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return def, nil
	}
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case int:
		f = float64(x)
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %w", ErrInvalidArgument, name, err)
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s=%q is not a number", ErrInvalidArgument, name, x)
		}
		f = n
	default:
		return 0, fmt.Errorf("%w: %s must be a number, got %T", ErrInvalidArgument, name, v)
	}
	return f, nil
}
