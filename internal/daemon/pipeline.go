package daemon

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/wardenhq/warden/internal/aggregate"
	"github.com/wardenhq/warden/internal/catalog"
	"github.com/wardenhq/warden/internal/events"
	"github.com/wardenhq/warden/internal/health"
	"github.com/wardenhq/warden/internal/model"
	"github.com/wardenhq/warden/internal/outbox"
	"github.com/wardenhq/warden/internal/publish"
	"github.com/wardenhq/warden/internal/registry"
)

// ErrCycleInFlight marks a tick that found a cycle already running. The
// tick is skipped, never queued.
var ErrCycleInFlight = fmt.Errorf("cycle already in flight")

// CycleReport summarizes one full pipeline pass.
type CycleReport struct {
	Aggregate *aggregate.Report
	Health    *health.CycleResult
	Publish   *publish.Result
	TaskCount int
	Duration  time.Duration
}

// Pipeline runs the full aggregate → health → publish pass. At most one
// cycle runs at a time; overlapping triggers are dropped.
type Pipeline struct {
	cfg        model.Config
	outbox     *outbox.Queue
	aggregator *aggregate.Aggregator
	store      *registry.Store
	engine     *health.Engine
	publisher  *publish.Publisher
	skillsDir  string
	agentsDir  string
	bus        *events.Bus
	logger     *log.Logger
	logLevel   LogLevel

	inFlight atomic.Bool
}

func NewPipeline(cfg model.Config, q *outbox.Queue, agg *aggregate.Aggregator, store *registry.Store, engine *health.Engine, pub *publish.Publisher, skillsDir, agentsDir string, bus *events.Bus, logger *log.Logger, level LogLevel) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		outbox:     q,
		aggregator: agg,
		store:      store,
		engine:     engine,
		publisher:  pub,
		skillsDir:  skillsDir,
		agentsDir:  agentsDir,
		bus:        bus,
		logger:     logger,
		logLevel:   level,
	}
}

// Run executes one cycle. Returns ErrCycleInFlight when another cycle holds
// the slot.
func (p *Pipeline) Run(ctx context.Context) (*CycleReport, error) {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.log(LogLevelDebug, "cycle skipped, another in flight")
		return nil, ErrCycleInFlight
	}
	defer p.inFlight.Store(false)

	start := time.Now()
	report := &CycleReport{}

	reg, err := p.aggregateStep(report)
	if err != nil {
		return report, err
	}

	if p.cfg.Health.Enabled && p.engine != nil {
		res, err := p.engine.RunCycle(ctx)
		if err != nil {
			return report, fmt.Errorf("health cycle: %w", err)
		}
		report.Health = res
		// The engine persisted status changes; re-read for publishing.
		reg, err = p.store.Load()
		if err != nil {
			return report, fmt.Errorf("reload registry: %w", err)
		}
		reg.Statistics = model.ComputeStatistics(reg.Tasks)
		if err := p.store.Save(reg); err != nil {
			return report, fmt.Errorf("save registry: %w", err)
		}
	}
	report.TaskCount = len(reg.Tasks)

	p.publishStep(reg, report)

	report.Duration = time.Since(start)
	p.log(LogLevelInfo, "cycle_done tasks=%d duration=%s", report.TaskCount, report.Duration.Round(time.Millisecond))
	return report, nil
}

// aggregateStep drains the outbox, merges all sources over the previous
// registry, and persists the result. The outbox is truncated only after the
// registry write succeeded; a crash in between re-merges the same drafts
// idempotently on the next cycle.
func (p *Pipeline) aggregateStep(report *CycleReport) (*model.Registry, error) {
	var drafts []model.Draft
	commit := func() error { return nil }
	if p.outbox != nil {
		var err error
		drafts, commit, err = p.outbox.Drain()
		if err != nil {
			p.log(LogLevelError, "outbox_drain error=%v", err)
			drafts, commit = nil, func() error { return nil }
		}
	}

	prev, err := p.store.Load()
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}

	reg, aggReport := p.aggregator.Aggregate(prev, drafts)
	report.Aggregate = aggReport
	for _, srcErr := range aggReport.SourceErrors {
		p.log(LogLevelWarn, "aggregate_source_error error=%v", srcErr)
	}
	for _, c := range aggReport.Collisions {
		p.log(LogLevelError, "aggregate_collision %v", c)
	}
	for _, dup := range aggReport.DuplicateDrafts {
		p.log(LogLevelWarn, "aggregate_duplicate_draft %s", dup)
	}

	if err := p.store.Save(reg); err != nil {
		return nil, fmt.Errorf("save registry: %w", err)
	}
	if err := commit(); err != nil {
		p.log(LogLevelError, "outbox_commit error=%v", err)
	}
	return reg, nil
}

// publishStep writes the published dir. Failure is non-fatal: local state
// is already durable, the next cycle retries.
func (p *Pipeline) publishStep(reg *model.Registry, report *CycleReport) {
	if !p.cfg.Publish.Enabled || p.publisher == nil {
		return
	}

	cats, catErrs := catalog.Load(p.skillsDir, p.agentsDir)
	for _, err := range catErrs {
		p.log(LogLevelWarn, "catalog_error error=%v", err)
	}

	res, err := p.publisher.Publish(reg, cats)
	if err != nil {
		p.log(LogLevelError, "publish_error error=%v", err)
		if p.bus != nil {
			p.bus.Publish(events.EventPublishFailed, map[string]interface{}{"error": err.Error()})
		}
		return
	}
	report.Publish = res
}

func (p *Pipeline) log(level LogLevel, format string, args ...any) {
	if level < p.logLevel || p.logger == nil {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	p.logger.Printf("%s %s pipeline: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
