// Package tap assembles a runnable extraction from a configuration: the
// Stripe client, the watermark store, the output emitter, the driver and the
// optional tracing and metrics endpoints.
package tap

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	apphttp "github.com/ajitpratap0/tapstripe/internal/http"
	"github.com/ajitpratap0/tapstripe/pkg/catalog"
	"github.com/ajitpratap0/tapstripe/pkg/clients/stripe"
	"github.com/ajitpratap0/tapstripe/pkg/config"
	"github.com/ajitpratap0/tapstripe/pkg/driver"
	"github.com/ajitpratap0/tapstripe/pkg/emit"
	"github.com/ajitpratap0/tapstripe/pkg/errors"
	"github.com/ajitpratap0/tapstripe/pkg/logger"
	"github.com/ajitpratap0/tapstripe/pkg/observability"
	"github.com/ajitpratap0/tapstripe/pkg/paginator"
	"github.com/ajitpratap0/tapstripe/pkg/state"

	// Register the watermark store backends.
	_ "github.com/ajitpratap0/tapstripe/pkg/state/file"
	_ "github.com/ajitpratap0/tapstripe/pkg/state/gcs"
	_ "github.com/ajitpratap0/tapstripe/pkg/state/mongodb"
	_ "github.com/ajitpratap0/tapstripe/pkg/state/postgres"
	_ "github.com/ajitpratap0/tapstripe/pkg/state/s3"
	_ "github.com/ajitpratap0/tapstripe/pkg/state/sqlite"
)

// Options configures New.
type Options struct {
	Config *config.Config
	// Output receives RECORD and STATE lines. Defaults to stdout.
	Output  io.Writer
	Version string
	Logger  *zap.Logger
	// Lister replaces the Stripe client, mainly in tests.
	Lister paginator.Lister
	// Store replaces the configured backend.
	Store state.Store
	Now   func() time.Time
}

// Tap is one configured extraction.
type Tap struct {
	config  *config.Config
	logger  *zap.Logger
	catalog *catalog.Catalog
	lister  paginator.Lister
	store   state.Store
	singer  *emit.Singer
	driver  *driver.Driver
	server  *apphttp.Server

	shutdownTracing observability.ShutdownFunc
}

// New validates the configuration and builds every component. The caller
// must Close the result.
func New(ctx context.Context, opts Options) (*Tap, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logger.Get()
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	startDate, err := cfg.StartTime()
	if err != nil {
		return nil, err
	}
	mode, err := cfg.Mode()
	if err != nil {
		return nil, err
	}
	modes, err := cfg.Modes()
	if err != nil {
		return nil, err
	}

	t := &Tap{
		config:  cfg,
		logger:  log.With(zap.String("component", "tap")),
		catalog: catalog.Stripe(),
		lister:  opts.Lister,
		store:   opts.Store,
		singer:  emit.NewSinger(out),
	}

	if cfg.Observability.EnableTracing {
		shutdown, err := observability.InitTracing(observability.TracingConfig{
			ServiceName:    "tapstripe",
			ServiceVersion: opts.Version,
			SamplingRate:   cfg.Observability.TracingSampleRate,
		})
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "initialize tracing")
		}
		t.shutdownTracing = shutdown
	}

	if t.lister == nil {
		client, err := stripe.NewClient(stripe.Config{
			APIKey:         cfg.APIKey,
			AccountID:      cfg.AccountID,
			BaseURL:        cfg.BaseURL,
			UserAgent:      userAgent(cfg.UserAgent, opts.Version),
			RequestTimeout: cfg.Timeouts.Request,
			DialTimeout:    cfg.Timeouts.Connection,
			RateLimit:      cfg.Reliability.RateLimitPerSec,
			RateBurst:      cfg.Reliability.RateBurst,
			EnableHTTP2:    true,
		}, log)
		if err != nil {
			return nil, t.closeAfter(ctx, err)
		}
		t.lister = client
	}

	if t.store == nil {
		store, err := state.Open(ctx, cfg.State)
		if err != nil {
			return nil, t.closeAfter(ctx, err)
		}
		t.store = store
	}

	if err := t.seedBookmarks(ctx); err != nil {
		return nil, t.closeAfter(ctx, err)
	}

	driverOpts := []driver.Option{driver.WithLogger(log)}
	if opts.Now != nil {
		driverOpts = append(driverOpts, driver.WithClock(opts.Now))
	}
	t.driver = driver.New(t.catalog, t.lister, t.store, t.singer, driver.Config{
		StartDate: startDate,
		PageSize:  cfg.PageSize,
		Mode:      mode,
		Modes:     modes,
		Overrides: cfg.Overrides(),
		Retry:     cfg.Reliability.RetryPolicy(),
	}, driverOpts...)

	if cfg.Observability.EnableMetrics {
		t.server = apphttp.NewServer(cfg.Observability.MetricsAddr, nil, t, log)
		if err := t.server.Start(); err != nil {
			return nil, t.closeAfter(ctx, errors.Wrap(err, errors.ErrorTypeConfig, "start metrics server").
				WithDetail("addr", cfg.Observability.MetricsAddr))
		}
	}
	return t, nil
}

func userAgent(base, version string) string {
	if base == "" {
		base = "tapstripe"
	}
	if version == "" {
		return base
	}
	return base + "/" + version
}

// Run replicates names, or the configured selection when names is empty,
// or else the whole catalog.
func (t *Tap) Run(ctx context.Context, names []string) ([]driver.RunReport, error) {
	if len(names) == 0 {
		names = t.config.Select
	}
	runID := uuid.NewString()
	ctx = logger.ContextWithRunID(ctx, runID)
	log := t.logger.With(zap.String("run_id", runID))
	log.Info("run starting", zap.Strings("resources", names), zap.String("state_backend", t.config.State.Backend))

	reports, err := t.driver.RunAll(ctx, names)
	if ferr := t.singer.Flush(); ferr != nil {
		err = multierr.Append(err, ferr)
	}

	var records int64
	for _, r := range reports {
		records += r.Records
		log.Info("resource report",
			zap.String("resource", r.Resource),
			zap.String("mode", string(r.Mode)),
			zap.String("state", string(r.State)),
			zap.Int64("windows", r.Windows),
			zap.Int64("records", r.Records),
			zap.Int64("watermark", r.Watermark),
			zap.Duration("duration", r.Duration))
	}
	log.Info("run finished",
		zap.Int("resources", len(reports)),
		zap.Int64("records", records),
		zap.Int("failures", len(multierr.Errors(err))))
	return reports, err
}

// Watermarks returns the persisted watermark of every catalog resource
// that has one.
func (t *Tap) Watermarks(ctx context.Context) (map[string]string, error) {
	return ReadWatermarks(ctx, t.store, t.catalog.Names())
}

// ReadWatermarks reads names from store, skipping absent entries.
func ReadWatermarks(ctx context.Context, store state.Store, names []string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		v, ok, err := store.Get(ctx, name)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeState, "read watermark").WithDetail("resource", name)
		}
		if ok {
			out[name] = v
		}
	}
	return out, nil
}

// seedBookmarks loads persisted watermarks into the Singer so every STATE
// message reports all known resources, not only those advanced by this run.
func (t *Tap) seedBookmarks(ctx context.Context) error {
	marks, err := t.Watermarks(ctx)
	if err != nil {
		return err
	}
	seeded := make(map[string]int64, len(marks))
	for name, raw := range marks {
		wm, err := state.ParseWatermark(raw)
		if err != nil {
			t.logger.Warn("skipping unparseable watermark", zap.String("resource", name), zap.String("value", raw))
			continue
		}
		seeded[name] = wm
	}
	t.singer.SeedBookmarks(seeded)
	return nil
}

// Close stops the metrics server, flushes output and spans, and closes the
// store.
func (t *Tap) Close(ctx context.Context) error {
	var err error
	if t.server != nil {
		err = multierr.Append(err, t.server.Shutdown(ctx))
	}
	if t.singer != nil {
		err = multierr.Append(err, t.singer.Flush())
	}
	if t.store != nil {
		err = multierr.Append(err, t.store.Close())
	}
	if t.shutdownTracing != nil {
		err = multierr.Append(err, t.shutdownTracing(ctx))
	}
	return err
}

func (t *Tap) closeAfter(ctx context.Context, cause error) error {
	if err := t.Close(ctx); err != nil {
		t.logger.Warn("cleanup after failed setup", zap.Error(err))
	}
	return cause
}
