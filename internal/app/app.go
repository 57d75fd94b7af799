// Package app wires the pipeline, clock and event bus shared by every
// binary.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/patient-risk-monitor/internal/clock"
	"github.com/patient-risk-monitor/internal/domain"
	"github.com/patient-risk-monitor/internal/events"
	"github.com/patient-risk-monitor/internal/scoring"
	"github.com/patient-risk-monitor/internal/service"
	"github.com/patient-risk-monitor/internal/validation"
)

// Options configure an App. Cache, Sinks, Scheduler and RealNow are
// optional.
type Options struct {
	Repository domain.Repository
	Policy     domain.PolicyConfig
	Scoring    domain.ScoringConfig
	Simulation domain.SimulationConfig
	Cache      service.StatusCache
	Sinks      []events.Sink
	Scheduler  clock.Scheduler
	RealNow    func() time.Time
	Logger     *logrus.Logger
}

// App is the assembled core.
type App struct {
	Repository domain.Repository
	Pipeline   *service.Pipeline
	Clock      *clock.SimulatedClock
	Bus        *events.Bus
	Scorer     *scoring.Adapter

	autoStart bool
	log       *logrus.Logger
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New assembles the core from opts.
func New(opts Options) (*App, error) {
	if opts.Repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	adapter, err := scoring.NewAdapterFromConfig(opts.Scoring, opts.Policy, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create scoring adapter: %w", err)
	}

	sinks := append([]events.Sink(nil), opts.Sinks...)
	bus := events.NewBus(logger, sinks...)

	sim := opts.Simulation
	clk := clock.New(clock.Options{
		Scale:     sim.Scale,
		Interval:  sim.TickInterval,
		Scheduler: opts.Scheduler,
		RealNow:   opts.RealNow,
		Anchor:    opts.Repository.LatestCaptureTime,
		Events:    bus,
		Logger:    logger,
	})

	deps := service.Deps{
		Repository: opts.Repository,
		Validator:  validation.New(opts.Policy),
		Scorer:     adapter,
		Clock:      clk,
		Events:     bus,
		Cache:      opts.Cache,
		Logger:     logger,
	}
	if sim.GenerateReadings {
		deps.Generator = service.NewGenerator(sim.Seed)
	}
	pipeline, err := service.NewPipeline(deps)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	clk.SetPass(pipeline.RecomputeAll)

	logger.WithFields(logrus.Fields{
		"scoring_mode":  opts.Scoring.Mode,
		"sinks":         len(sinks),
		"scale":         sim.Scale,
		"tick_interval": sim.TickInterval.String(),
		"generate":      sim.GenerateReadings,
	}).Info("Core assembled")

	return &App{
		Repository: opts.Repository,
		Pipeline:   pipeline,
		Clock:      clk,
		Bus:        bus,
		Scorer:     adapter,
		autoStart:  sim.AutoStart,
		log:        logger,
	}, nil
}

// Start begins event delivery and, when configured, the simulated clock.
func (a *App) Start(ctx context.Context) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Bus.Run(context.WithoutCancel(ctx))
	}()

	if a.autoStart {
		anchor, err := a.Clock.Start(ctx, time.Time{})
		if err != nil {
			return fmt.Errorf("failed to start simulated clock: %w", err)
		}
		a.log.WithField("anchor", anchor.Format(time.RFC3339)).Info("Simulation started automatically")
	}
	return nil
}

// Close stops the clock, waits for ticks in flight, drains pending events
// and closes storage.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.Clock.Stop()
		// Issued ticks still run against storage; let them finish first.
		a.Clock.Wait()
		a.Bus.Close()
		a.wg.Wait()
		if cerr := a.Repository.Close(); cerr != nil {
			err = fmt.Errorf("failed to close repository: %w", cerr)
		}
	})
	return err
}
