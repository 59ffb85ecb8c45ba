package ble

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ScanConfig holds configuration for the reconnect loop.
type ScanConfig struct {
	// ScanTimeout is how long a single connection attempt may scan.
	ScanTimeout time.Duration
	// ScanInterval is how often to check for a lost device.
	ScanInterval time.Duration
	// AutoReconnect starts an attempt immediately after a disconnect instead
	// of waiting for the next interval.
	AutoReconnect bool
}

// DefaultScanConfig returns sensible defaults for scanning.
func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		ScanTimeout:   10 * time.Second,
		ScanInterval:  5 * time.Second,
		AutoReconnect: true,
	}
}

// Target is the connection owner kept alive by a Scanner.
type Target interface {
	Connected() bool
	Connect(ctx context.Context) error
}

// Scanner restores a Target's connection once it has been lost. It never
// makes the first connection.
type Scanner struct {
	target Target
	config ScanConfig
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup

	busy  atomic.Bool
	armed atomic.Bool
}

// NewScanner creates a new Scanner with the given Target and config.
func NewScanner(target Target, config ScanConfig, logger *slog.Logger) *Scanner {
	if config.ScanInterval <= 0 {
		config.ScanInterval = DefaultScanConfig().ScanInterval
	}
	if config.ScanTimeout <= 0 {
		config.ScanTimeout = DefaultScanConfig().ScanTimeout
	}
	return &Scanner{
		target: target,
		config: config,
		logger: logger.With("component", "scanner"),
	}
}

// Start begins the scanning loop.
func (s *Scanner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})

	s.wg.Add(1)
	go s.scanLoop(s.stop)
}

// Stop halts the scanning loop and waits for an in-flight attempt.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
}

// OnDisconnect arms the scanner and triggers an immediate reconnection
// attempt when AutoReconnect is enabled.
func (s *Scanner) OnDisconnect() {
	if !s.config.AutoReconnect {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.armed.Store(true)
	s.logger.Info("device disconnected, initiating reconnection scan")

	stop := s.stop
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.checkAndScan(stop)
	}()
}

func (s *Scanner) scanLoop(stop chan struct{}) {
	defer s.wg.Done()
	s.logger.Info("starting scan loop", "interval", s.config.ScanInterval)

	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	s.checkAndScan(stop)

	for {
		select {
		case <-stop:
			s.logger.Info("scan loop stopped")
			return
		case <-ticker.C:
			s.checkAndScan(stop)
		}
	}
}

// checkAndScan reconnects the target after a loss. Attempts never overlap.
func (s *Scanner) checkAndScan(stop chan struct{}) {
	if !s.armed.Load() || s.target.Connected() {
		return
	}
	if !s.busy.CompareAndSwap(false, true) {
		return
	}
	defer s.busy.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ScanTimeout)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := s.target.Connect(ctx); err != nil {
		s.logger.Debug("connection attempt failed", "error", err)
	}
}

// WaitConnected blocks until the target is connected, the timeout expires or
// ctx is done. A zero timeout waits forever.
func (s *Scanner) WaitConnected(ctx context.Context, timeout time.Duration) bool {
	start := time.Now()
	for {
		if s.target.Connected() {
			return true
		}
		if timeout > 0 && time.Since(start) > timeout {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}
