// f503i-bridge exposes an F503i BLE keypad as executable blocks.
//
// Responsibilities:
//   - BLE central: scan, connect, keypad notifications, LED/buzzer writes, brightness reads
//   - Device controller: connection state, hat triggers, LED toggling
//   - HTTP :8080 → block metadata, block execution, analytics session API
//   - WebSocket :8080/ws → device and analytics events, block.execute RPC
//   - Optional mDNS advertisement of the gateway
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"f503i-bridge/analytics"
	"f503i-bridge/ble"
	"f503i-bridge/blocks"
	"f503i-bridge/config"
	"f503i-bridge/device"
	"f503i-bridge/discovery"
	"f503i-bridge/eventbus"
	"f503i-bridge/gateway"
	"f503i-bridge/logger"
	"f503i-bridge/tracer"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "f503i-bridge:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	opts, err := parseFlags(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
	}()

	if opts.browse {
		return browseBridges(ctx, discovery.New(log), cfg.BLE.ScanTimeout, stdout)
	}

	central := ble.NewCentral(centralConfig(cfg.BLE), log)
	if err := central.Enable(); err != nil {
		return err
	}

	if opts.scanOnly {
		return scanDevices(ctx, central, cfg.BLE.ScanTimeout, stdout)
	}

	return serve(ctx, cfg, central, log)
}

func centralConfig(c config.BLEConfig) ble.Config {
	return ble.Config{
		Adapter:                 c.Adapter,
		NamePrefix:              c.NamePrefix,
		Address:                 c.Address,
		ServicesResolvedTimeout: c.ServicesResolvedTimeout,
		BreakerMaxFailures:      c.Breaker.MaxFailures,
		BreakerTimeout:          c.Breaker.Timeout,
	}
}

// keepAlive lets the scanner reconnect through the controller while judging
// the link by the central, which drops it synchronously on loss.
type keepAlive struct {
	central *ble.Central
	ctrl    *device.Controller
}

func (k keepAlive) Connected() bool                   { return k.central.Link() != nil }
func (k keepAlive) Connect(ctx context.Context) error { return k.ctrl.Connect(ctx) }

func serve(ctx context.Context, cfg *config.Config, central *ble.Central, log *slog.Logger) error {
	bus := eventbus.New(log)
	defer bus.Close()

	ctrl := device.NewController(device.ConnectorFunc(func(ctx context.Context) (device.Link, error) {
		link, err := central.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return link, nil
	}), bus, log, device.WithDialTimeout(cfg.BLE.ScanTimeout))

	scanner := ble.NewScanner(keepAlive{central: central, ctrl: ctrl}, ble.ScanConfig{
		ScanTimeout:   cfg.BLE.ScanTimeout,
		ScanInterval:  cfg.BLE.ScanInterval,
		AutoReconnect: cfg.BLE.AutoReconnect,
	}, log)

	central.SetKeyHandler(ctrl.HandleKey)
	central.SetDisconnectHandler(func(name string) {
		ctrl.HandleDisconnect(name)
		scanner.OnDisconnect()
	})

	analyzer := analytics.NewAnalyzer(cfg.Analytics.RecentKeys)
	analyzer.SetStateHandler(func(state *analytics.SessionState) {
		ev, err := eventbus.NewEvent(eventbus.EventAnalyticsState, state)
		if err != nil {
			log.Error("analytics event", "error", err)
			return
		}
		bus.Publish(context.Background(), ev)
	})
	unsubAnalytics := analyzer.Subscribe(bus, log)
	defer unsubAnalytics()

	sampler, err := analytics.NewSampler(analyzer, ctrl, cfg.Analytics.BrightnessSchedule, log)
	if err != nil {
		return err
	}
	sampler.Start()
	defer sampler.Stop()

	registry := blocks.NewRegistry(ctrl, log)
	srv := gateway.NewServer(registry, analyzer, bus, gateway.Options{
		Addr:           cfg.Gateway.Addr,
		RequestsPerMin: cfg.Gateway.RequestsPerMin,
		Burst:          cfg.Gateway.Burst,
		Origins:        cfg.Gateway.Origins,
	}, log)

	// connectBLE opens the first connection; the scanner only restores lost ones.
	if cfg.BLE.AutoReconnect {
		scanner.Start()
	}
	defer scanner.Stop()

	var wg sync.WaitGroup
	if cfg.Discovery.MDNS {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-srv.Ready():
			case <-ctx.Done():
				return
			}
			meta := map[string]string{
				"extension": blocks.ExtensionID,
				"path":      "/api/extension",
				"ws":        "/ws",
			}
			if err := discovery.New(log).Advertise(ctx, cfg.Discovery.Instance, srv.Port(), meta); err != nil {
				log.Warn("mdns advertise failed", "error", err)
			}
		}()
	}

	err = srv.Start(ctx)
	wg.Wait()

	if cerr := ctrl.Close(); cerr != nil {
		log.Debug("closing link", "error", cerr)
	}
	if cerr := central.Disconnect(); cerr != nil {
		log.Debug("central disconnect", "error", cerr)
	}
	log.Info("bridge stopped")
	return err
}

func scanDevices(ctx context.Context, central *ble.Central, timeout time.Duration, w io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	found := 0
	for adv, err := range central.Scan(ctx) {
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				break
			}
			return err
		}
		found++
		fmt.Fprintf(w, "%s\t%s\t%d dBm\n", adv.Address.String(), adv.Name, adv.RSSI)
	}
	if found == 0 {
		fmt.Fprintln(w, "no devices found")
	}
	return nil
}

func browseBridges(ctx context.Context, m *discovery.MDNS, timeout time.Duration, w io.Writer) error {
	services, err := m.Browse(ctx, timeout)
	if err != nil {
		return err
	}
	if len(services) == 0 {
		fmt.Fprintln(w, "no bridges found")
		return nil
	}
	for _, s := range services {
		fmt.Fprintf(w, "%s\t%s\n", s.Instance, s.Address)
	}
	return nil
}
