package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultBrightnessSchedule samples brightness every two seconds.
const DefaultBrightnessSchedule = "@every 2s"

// BrightnessSource reads the light sensor, returning -1 when unavailable.
type BrightnessSource interface {
	Connected() bool
	Brightness(ctx context.Context) int
}

// Sampler drives periodic brightness reads and elapsed-time ticks.
type Sampler struct {
	analyzer *Analyzer
	source   BrightnessSource
	cron     *cron.Cron
	timeout  time.Duration
	logger   *slog.Logger
}

// NewSampler schedules brightness sampling on schedule (standard cron or
// @every syntax) and a one second tick.
func NewSampler(analyzer *Analyzer, source BrightnessSource, schedule string, logger *slog.Logger) (*Sampler, error) {
	if schedule == "" {
		schedule = DefaultBrightnessSchedule
	}
	s := &Sampler{
		analyzer: analyzer,
		source:   source,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		timeout:  time.Second,
		logger:   logger.With("component", "sampler"),
	}
	if _, err := s.cron.AddFunc(schedule, s.Sample); err != nil {
		return nil, fmt.Errorf("brightness schedule %q: %w", schedule, err)
	}
	if _, err := s.cron.AddFunc("@every 1s", analyzer.BroadcastTick); err != nil {
		return nil, fmt.Errorf("tick schedule: %w", err)
	}
	return s, nil
}

// Sample reads brightness once and records it when a session is running.
func (s *Sampler) Sample() {
	if !s.analyzer.IsActive() || !s.source.Connected() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	v := s.source.Brightness(ctx)
	if v < 0 {
		s.logger.Debug("brightness unavailable")
		return
	}
	s.analyzer.RecordBrightness(v)
}

// Start runs the schedule in the background.
func (s *Sampler) Start() { s.cron.Start() }

// Stop halts the schedule and waits for a running sample to finish.
func (s *Sampler) Stop() {
	<-s.cron.Stop().Done()
}
