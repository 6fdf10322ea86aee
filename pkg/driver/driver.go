// Package driver runs the per-resource extraction state machine.
//
// For one resource a run moves through
//
//	INIT -> WINDOWING -> PAGINATING -> COMMITTING -> (WINDOWING | DONE)
//
// and ends in FAILED when a page fetch, an emission or a commit fails. The
// watermark is written only in COMMITTING, after every record of the window
// has been emitted, so an interrupted run re-reads the whole in-flight window
// on the next start.
package driver

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tapstripe/pkg/catalog"
	"github.com/ajitpratap0/tapstripe/pkg/emit"
	"github.com/ajitpratap0/tapstripe/pkg/errors"
	"github.com/ajitpratap0/tapstripe/pkg/filter"
	"github.com/ajitpratap0/tapstripe/pkg/logger"
	"github.com/ajitpratap0/tapstripe/pkg/metrics"
	"github.com/ajitpratap0/tapstripe/pkg/observability"
	"github.com/ajitpratap0/tapstripe/pkg/paginator"
	"github.com/ajitpratap0/tapstripe/pkg/retry"
	"github.com/ajitpratap0/tapstripe/pkg/state"
	"github.com/ajitpratap0/tapstripe/pkg/window"
)

// State is a step of the per-resource state machine.
type State string

const (
	StateInit       State = "INIT"
	StateWindowing  State = "WINDOWING"
	StatePaginating State = "PAGINATING"
	StateCommitting State = "COMMITTING"
	StateDone       State = "DONE"
	StateFailed     State = "FAILED"
)

// EventHorizon is implemented by listers whose change feed has limited
// retention. EarliestEvent returns the oldest instant still readable.
type EventHorizon interface {
	EarliestEvent(ctx context.Context) (int64, error)
}

// Config is what the driver consumes from configuration.
type Config struct {
	// StartDate is the initial watermark, in epoch seconds, for resources
	// that have none persisted.
	StartDate int64
	PageSize  int
	// Mode applies to resources without an entry in Modes. Empty means
	// each descriptor's DefaultMode.
	Mode      catalog.Mode
	Modes     map[string]catalog.Mode
	Overrides map[string]catalog.Override
	Retry     retry.Policy
}

// RunReport summarises one resource run.
type RunReport struct {
	Resource string
	Mode     catalog.Mode
	State    State
	// Persisted is the watermark read at INIT, if any.
	Persisted          *int64
	EffectiveWatermark int64
	// Watermark is the last committed value when the run ended.
	Watermark int64
	Windows   int64
	Records   int64
	Duration  time.Duration
}

// Driver replicates resources from a Lister into an Emitter.
type Driver struct {
	catalog *catalog.Catalog
	lister  paginator.Lister
	store   state.Store
	emitter emit.Emitter
	config  Config
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

// WithClock sets the source of "now" used to bound the last window.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) { d.now = now }
}

// New creates a Driver.
func New(cat *catalog.Catalog, lister paginator.Lister, store state.Store, emitter emit.Emitter, config Config, opts ...Option) *Driver {
	d := &Driver{
		catalog: cat,
		lister:  lister,
		store:   store,
		emitter: emitter,
		config:  config,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(zap.String("component", "driver"))
	return d
}

// plan is the outcome of INIT for one resource.
type plan struct {
	desc      catalog.Descriptor
	mode      catalog.Mode
	persisted *int64
	effective int64
}

// prepare resolves the descriptor and mode and validates them. It does no I/O.
func (d *Driver) prepare(name string) (catalog.Descriptor, catalog.Mode, error) {
	desc, err := d.catalog.Describe(name)
	if err != nil {
		return catalog.Descriptor{}, "", err
	}
	if o, ok := d.config.Overrides[name]; ok {
		if desc, err = desc.WithOverrides(o); err != nil {
			return catalog.Descriptor{}, "", err
		}
	}

	mode, ok := d.config.Modes[name]
	if !ok {
		mode = d.config.Mode
	}
	if mode == "" {
		mode = desc.DefaultMode()
	}

	// Building a filter for a sample window validates mode, page size and
	// the descriptor before the store or provider is touched.
	if _, err := filter.Build(desc, mode, window.Window{Start: 0, End: 1}, d.config.PageSize); err != nil {
		return catalog.Descriptor{}, "", err
	}
	if _, err := window.Plan(0, 0, desc.WindowSize); err != nil {
		return catalog.Descriptor{}, "", err
	}
	return desc, mode, nil
}

// initial reads the persisted watermark, or derives the starting point
// when none exists.
func (d *Driver) initial(ctx context.Context, desc catalog.Descriptor, mode catalog.Mode) (plan, error) {
	p := plan{desc: desc, mode: mode}

	raw, ok, err := d.store.Get(ctx, desc.Name)
	if err != nil {
		return p, errors.Wrap(err, errors.ErrorTypeState, "read watermark")
	}
	if ok {
		persisted, err := state.ParseWatermark(raw)
		if err != nil {
			return p, err
		}
		p.persisted = &persisted
		p.effective = desc.EffectiveWatermark(persisted)
		return p, nil
	}

	p.effective = d.config.StartDate
	if mode == catalog.ModeIncremental && !desc.Immutable {
		if h, ok := d.lister.(EventHorizon); ok {
			earliest, err := h.EarliestEvent(ctx)
			if err != nil {
				return p, errors.Wrap(err, errors.ErrorTypeFatalFetch, "read event horizon")
			}
			p.effective = max(p.effective, earliest)
		}
	}
	return p, nil
}

// Run replicates one resource until it is caught up with now or fails.
func (d *Driver) Run(ctx context.Context, name string) (report RunReport, err error) {
	report = RunReport{Resource: name, State: StateInit}
	started := time.Now()
	ctx = logger.ContextWithResource(ctx, name)
	log := d.logger.With(logger.Fields(ctx)...)

	ctx, span := observability.StartSpan(ctx, "resource.run", attribute.String("resource", name))
	defer func() {
		report.Duration = time.Since(started)
		if err != nil {
			report.State = StateFailed
		}
		metrics.ResourceRuns.WithLabelValues(name, string(report.State)).Inc()
		metrics.RunDuration.WithLabelValues(name).Observe(report.Duration.Seconds())
		span.SetAttributes(
			attribute.String("state", string(report.State)),
			attribute.Int64("windows", report.Windows),
			attribute.Int64("records", report.Records),
		)
		observability.EndSpan(span, err)
	}()

	desc, mode, err := d.prepare(name)
	if err != nil {
		return report, d.fail(ctx, err, name, nil)
	}
	report.Mode = mode
	log = log.With(zap.String("mode", string(mode)))

	p, err := d.initial(ctx, desc, mode)
	if err != nil {
		return report, d.fail(ctx, err, name, nil)
	}
	report.Persisted = p.persisted
	report.EffectiveWatermark = p.effective
	committed := p.effective
	if p.persisted != nil {
		committed = *p.persisted
	}
	report.Watermark = committed

	now := d.now().Unix()
	windows, err := window.Plan(p.effective, now, desc.WindowSize)
	if err != nil {
		return report, d.fail(ctx, err, name, nil)
	}
	log.Info("starting resource",
		zap.Int64("effective_watermark", p.effective),
		zap.Int64("now", now),
		zap.Int64("window_size", desc.WindowSize),
		zap.Int64("windows", window.Count(p.effective, now, desc.WindowSize)))

	for w := range windows {
		report.State = StateWindowing
		// Stopping here is safe: every earlier window is committed.
		if cerr := ctx.Err(); cerr != nil {
			return report, d.fail(ctx, errors.Wrap(cerr, errors.ErrorTypeInternal, "run cancelled"), name, &w)
		}

		report.State = StatePaginating
		n, err := d.drain(ctx, p, w)
		report.Records += n
		if err != nil {
			return report, d.fail(ctx, err, name, &w)
		}

		report.State = StateCommitting
		if err := d.commit(ctx, name, w, &committed); err != nil {
			return report, d.fail(ctx, err, name, &w)
		}
		report.Watermark = committed
		report.Windows++
		log.Debug("window committed",
			zap.Int64("window_start", w.Start),
			zap.Int64("window_end", w.End),
			zap.Int64("records", n))
	}

	report.State = StateDone
	log.Info("resource done",
		zap.Int64("windows", report.Windows),
		zap.Int64("records", report.Records),
		zap.Int64("watermark", report.Watermark))
	return report, nil
}

// drain emits every record of window w.
func (d *Driver) drain(ctx context.Context, p plan, w window.Window) (int64, error) {
	ctx, span := observability.StartSpan(ctx, "window.drain",
		attribute.String("resource", p.desc.Name),
		attribute.Int64("window_start", w.Start),
		attribute.Int64("window_end", w.End))

	var n int64
	err := func() error {
		f, err := filter.Build(p.desc, p.mode, w, d.config.PageSize)
		if err != nil {
			return err
		}
		span.SetAttributes(attribute.String("entity", string(f.Entity)))

		pages := paginator.Pages(ctx, d.lister, f,
			paginator.WithRetryPolicy(d.config.Retry),
			paginator.WithLogger(d.logger.With(logger.Fields(ctx)...)))
		emitted := metrics.RecordsEmitted.WithLabelValues(p.desc.Name, string(p.mode))
		for rec, err := range pages {
			if err != nil {
				return err
			}
			if err := d.emitter.Emit(ctx, p.desc.Name, rec); err != nil {
				return errors.Wrap(err, errors.ErrorTypeEmit, "emit record").WithDetail("record_id", rec.ID())
			}
			n++
			emitted.Inc()
		}
		return nil
	}()

	span.SetAttributes(attribute.Int64("records", n))
	observability.EndSpan(span, err)
	return n, err
}

// commit flushes the emitter and persists w.End. A watermark never moves backwards, so windows
// replayed by a lookback that end at or before the persisted value are not
// written again.
func (d *Driver) commit(ctx context.Context, name string, w window.Window, committed *int64) error {
	// Records of w must be written out before its end is persisted.
	if f, ok := d.emitter.(emit.Flusher); ok {
		if err := f.Flush(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeEmit, "flush records")
		}
	}
	if w.End <= *committed {
		return nil
	}
	if err := d.store.Set(ctx, name, w.End); err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "write watermark")
	}
	*committed = w.End
	metrics.WindowsCommitted.WithLabelValues(name).Inc()
	metrics.Watermark.WithLabelValues(name).Set(float64(w.End))

	if se, ok := d.emitter.(emit.StateEmitter); ok {
		if err := se.EmitState(ctx, name, w.End); err != nil {
			return errors.Wrap(err, errors.ErrorTypeEmit, "emit state")
		}
	}
	return nil
}

// fail attaches the resource and, when known, the window bounds to err
// while keeping its error type.
func (d *Driver) fail(ctx context.Context, err error, name string, w *window.Window) error {
	errType := errors.ErrorTypeInternal
	var e *errors.Error
	if errors.As(err, &e) {
		errType = e.Type
	}

	msg := fmt.Sprintf("resource %s failed", name)
	if w != nil {
		msg = fmt.Sprintf("resource %s failed in window %s", name, w)
	}
	out := errors.Wrap(err, errType, msg).WithDetail("resource", name)
	if w != nil {
		out = out.WithDetail("window_start", w.Start).WithDetail("window_end", w.End)
	}

	fields := append(logger.Fields(ctx), zap.Error(err))
	if w != nil {
		fields = append(fields, zap.Int64("window_start", w.Start), zap.Int64("window_end", w.End))
	}
	d.logger.Error("resource failed", fields...)
	return out
}

// RunAll replicates resources one after another. A failed resource does not
// stop the rest; all failures are combined in the returned error. An empty
// list runs the whole catalog.
func (d *Driver) RunAll(ctx context.Context, names []string) ([]RunReport, error) {
	if len(names) == 0 {
		names = d.catalog.Names()
	}

	var errs error
	reports := make([]RunReport, 0, len(names))
	for _, name := range names {
		report, err := d.Run(ctx, name)
		reports = append(reports, report)
		errs = multierr.Append(errs, err)
	}
	return reports, errs
}
