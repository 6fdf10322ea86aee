package driver

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ajitpratap0/tapstripe/pkg/catalog"
	"github.com/ajitpratap0/tapstripe/pkg/emit"
	"github.com/ajitpratap0/tapstripe/pkg/errors"
	"github.com/ajitpratap0/tapstripe/pkg/filter"
	"github.com/ajitpratap0/tapstripe/pkg/logger"
	"github.com/ajitpratap0/tapstripe/pkg/models"
	"github.com/ajitpratap0/tapstripe/pkg/paginator"
	"github.com/ajitpratap0/tapstripe/pkg/retry"
	"github.com/ajitpratap0/tapstripe/pkg/state"
	"github.com/ajitpratap0/tapstripe/pkg/window"
)

var fastRetry = retry.Policy{Attempts: 2, Delay: time.Millisecond, MaxDelay: time.Millisecond}

// fakeProvider serves records by entity, filtered to the requested
// creation range and paged by id.
type fakeProvider struct {
	mu       sync.Mutex
	records  map[catalog.Entity][]models.Record
	filters  []filter.Filter
	failFrom int64 // windows starting at or after this fail, when > 0
}

func (p *fakeProvider) List(_ context.Context, f filter.Filter, cursor string) (*paginator.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cursor == "" {
		p.filters = append(p.filters, f)
	}
	if p.failFrom > 0 && f.TimeRange.Start >= p.failFrom {
		return nil, errors.New(errors.ErrorTypeFatalFetch, "HTTP 400: bad request")
	}

	var in []models.Record
	for _, rec := range p.records[f.Entity] {
		c, _ := rec.Int64("created")
		if c >= f.TimeRange.Start && c < f.TimeRange.End {
			in = append(in, rec)
		}
	}
	start := 0
	if cursor != "" {
		for i, rec := range in {
			if rec.ID() == cursor {
				start = i + 1
			}
		}
	}
	end := min(start+f.PageSize, len(in))
	return &paginator.Page{Records: in[start:end], HasMore: end < len(in)}, nil
}

func (p *fakeProvider) windows() []window.Window {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]window.Window, 0, len(p.filters))
	for _, f := range p.filters {
		out = append(out, f.TimeRange)
	}
	return out
}

// horizonProvider adds the event retention capability.
type horizonProvider struct {
	*fakeProvider
	earliest int64
}

func (h horizonProvider) EarliestEvent(context.Context) (int64, error) { return h.earliest, nil }

func records(prefix string, from, to, step int64) []models.Record {
	var out []models.Record
	for c := from; c < to; c += step {
		out = append(out, models.Record{"id": fmt.Sprintf("%s_%d", prefix, c), "created": c})
	}
	return out
}

// collector records emitted ids and can fail on a given emission.
type collector struct {
	mu     sync.Mutex
	ids    []string
	states []int64
	failAt int // 1-based emission count that fails, 0 never
	seen   int
	onEmit func()
}

func (c *collector) Emit(_ context.Context, _ string, rec models.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen++
	if c.failAt > 0 && c.seen == c.failAt {
		return fmt.Errorf("broken pipe")
	}
	c.ids = append(c.ids, rec.ID())
	if c.onEmit != nil {
		c.onEmit()
	}
	return nil
}

func (c *collector) EmitState(_ context.Context, _ string, w int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, w)
	return nil
}

// countingStore wraps a Memory store, counting calls and optionally
// failing the n-th Set.
type countingStore struct {
	*state.Memory
	gets, sets int
	failSet    int
}

func (s *countingStore) Get(ctx context.Context, resource string) (string, bool, error) {
	s.gets++
	return s.Memory.Get(ctx, resource)
}

func (s *countingStore) Set(ctx context.Context, resource string, end int64) error {
	s.sets++
	if s.failSet > 0 && s.sets == s.failSet {
		return fmt.Errorf("disk full")
	}
	return s.Memory.Set(ctx, resource, end)
}

func widgetCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New(catalog.Descriptor{
		Name:           "widgets",
		SnapshotEntity: "widgets",
		EventPatterns:  []string{"widget.*"},
		WindowSize:     100,
	})
	require.NoError(t, err)
	return c
}

func clock(unix int64) Option {
	return WithClock(func() time.Time { return time.Unix(unix, 0) })
}

func TestRunCoversRangeExactlyOnce(t *testing.T) {
	p := &fakeProvider{records: map[catalog.Entity][]models.Record{"widgets": records("w", 0, 250, 10)}}
	store := state.NewMemory(nil)
	out := &collector{}

	d := New(widgetCatalog(t), p, store, out, Config{PageSize: 3, Retry: fastRetry}, clock(250))
	report, err := d.Run(context.Background(), "widgets")
	require.NoError(t, err)

	assert.Equal(t, StateDone, report.State)
	assert.Equal(t, catalog.ModeFullTable, report.Mode)
	assert.Equal(t, int64(3), report.Windows)
	assert.Equal(t, int64(25), report.Records)
	assert.Equal(t, int64(250), report.Watermark)
	assert.Equal(t, []window.Window{{Start: 0, End: 100}, {Start: 100, End: 200}, {Start: 200, End: 250}}, p.windows())
	assert.Equal(t, []int64{100, 200, 250}, out.states)

	ids := append([]string(nil), out.ids...)
	sort.Strings(ids)
	assert.Len(t, ids, 25)
	for i := 1; i < len(ids); i++ {
		assert.NotEqual(t, ids[i-1], ids[i])
	}
	assert.Equal(t, map[string]string{"widgets": "250"}, store.Snapshot())
}

func TestRunRestartsFromLastCommittedWindow(t *testing.T) {
	p := &fakeProvider{records: map[catalog.Entity][]models.Record{"widgets": records("w", 0, 200, 50)}}
	store := &countingStore{Memory: state.NewMemory(nil), failSet: 2}

	d := New(widgetCatalog(t), p, store, &collector{}, Config{PageSize: 10, Retry: fastRetry}, clock(200))
	report, err := d.Run(context.Background(), "widgets")
	require.Error(t, err)
	assert.Equal(t, StateFailed, report.State)
	assert.Equal(t, int64(100), report.Watermark)
	assert.True(t, errors.IsType(err, errors.ErrorTypeState))
	start, _ := errors.Detail(err, "window_start")
	assert.Equal(t, int64(100), start)

	raw, ok, err := store.Get(context.Background(), "widgets")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "100", raw)

	p2 := &fakeProvider{records: p.records}
	out := &collector{}
	d = New(widgetCatalog(t), p2, store, out, Config{PageSize: 10, Retry: fastRetry}, clock(200))
	_, err = d.Run(context.Background(), "widgets")
	require.NoError(t, err)
	assert.Equal(t, []window.Window{{Start: 100, End: 200}}, p2.windows())
	assert.Equal(t, []string{"w_100", "w_150"}, out.ids)
}

func TestRunIsIdempotentForUnchangedStore(t *testing.T) {
	p := &fakeProvider{records: map[catalog.Entity][]models.Record{"widgets": records("w", 0, 300, 7)}}
	initial := map[string]string{"widgets": "100"}

	run := func() []string {
		out := &collector{}
		d := New(widgetCatalog(t), p, state.NewMemory(initial), out, Config{PageSize: 4, Retry: fastRetry}, clock(300))
		_, err := d.Run(context.Background(), "widgets")
		require.NoError(t, err)
		return out.ids
	}
	first := run()
	assert.NotEmpty(t, first)
	assert.Equal(t, first, run())
}

func TestRunEmitFailureDoesNotCommit(t *testing.T) {
	p := &fakeProvider{records: map[catalog.Entity][]models.Record{"widgets": records("w", 0, 200, 25)}}
	store := state.NewMemory(nil)

	// Window [0,100) holds 4 records; the 6th emission is inside [100,200).
	out := &collector{failAt: 6}
	d := New(widgetCatalog(t), p, store, out, Config{PageSize: 2, Retry: fastRetry}, clock(200))
	report, err := d.Run(context.Background(), "widgets")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeEmit))
	assert.Equal(t, StateFailed, report.State)
	assert.Equal(t, map[string]string{"widgets": "100"}, store.Snapshot())

	// Every record of the failed window is delivered on the next run,
	// including the one emitted before the failure.
	retryOut := &collector{}
	d = New(widgetCatalog(t), p, store, retryOut, Config{PageSize: 2, Retry: fastRetry}, clock(200))
	_, err = d.Run(context.Background(), "widgets")
	require.NoError(t, err)
	assert.Equal(t, []string{"w_100", "w_125", "w_150", "w_175"}, retryOut.ids)
	assert.Contains(t, out.ids, "w_100")
	assert.Equal(t, map[string]string{"widgets": "200"}, store.Snapshot())
}

// closedPipe fails every write.
type closedPipe struct{}

func (closedPipe) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestRunUnflushedRecordsDoNotCommit(t *testing.T) {
	p := &fakeProvider{records: map[catalog.Entity][]models.Record{"widgets": records("w", 0, 100, 50)}}
	store := state.NewMemory(nil)

	// Both records fit in the Singer's buffer, so only the flush fails.
	d := New(widgetCatalog(t), p, store, emit.NewSinger(closedPipe{}), Config{PageSize: 10, Retry: fastRetry}, clock(100))
	report, err := d.Run(context.Background(), "widgets")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeEmit))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.Equal(t, StateFailed, report.State)
	assert.Equal(t, int64(2), report.Records)
	assert.Empty(t, store.Snapshot())
}

func TestRunLogsCarryRunID(t *testing.T) {
	p := &fakeProvider{records: map[catalog.Entity][]models.Record{"widgets": records("w", 0, 100, 50)}}
	core, logs := observer.New(zap.DebugLevel)

	d := New(widgetCatalog(t), p, state.NewMemory(nil), &collector{}, Config{PageSize: 10, Retry: fastRetry},
		clock(100), WithLogger(zap.New(core)))
	ctx := logger.ContextWithRunID(context.Background(), "run-7")
	_, err := d.Run(ctx, "widgets")
	require.NoError(t, err)

	require.NotZero(t, logs.Len())
	assert.Equal(t, logs.Len(), logs.FilterField(zap.String("run_id", "run-7")).Len())
	assert.Equal(t, logs.Len(), logs.FilterField(zap.String("resource", "widgets")).Len())
}

func TestRunFetchFailureKeepsWatermark(t *testing.T) {
	p := &fakeProvider{
		records:  map[catalog.Entity][]models.Record{"widgets": records("w", 0, 300, 50)},
		failFrom: 200,
	}
	store := state.NewMemory(nil)
	d := New(widgetCatalog(t), p, store, &collector{}, Config{PageSize: 10, Retry: fastRetry}, clock(300))

	report, err := d.Run(context.Background(), "widgets")
	require.Error(t, err)
	assert.True(t, errors.IsFatalFetch(err))
	assert.Equal(t, int64(200), report.Watermark)
	resource, _ := errors.Detail(err, "resource")
	assert.Equal(t, "widgets", resource)
	end, _ := errors.Detail(err, "window_end")
	assert.Equal(t, int64(300), end)
	assert.Equal(t, map[string]string{"widgets": "200"}, store.Snapshot())
}

func TestRunIncrementalReadsEventsForMutableResources(t *testing.T) {
	p := &fakeProvider{records: map[catalog.Entity][]models.Record{
		catalog.EventsEntity: records("evt", 0, 100, 10),
	}}
	d := New(catalog.Stripe(), p, state.NewMemory(nil), &collector{},
		Config{PageSize: 100, Mode: catalog.ModeIncremental, Retry: fastRetry}, clock(100))

	_, err := d.Run(context.Background(), "refunds")
	require.NoError(t, err)
	require.Len(t, p.filters, 1)
	f := p.filters[0]
	assert.Equal(t, catalog.EventsEntity, f.Entity)
	assert.Equal(t, []string{"charge.refund.updated", "refund.created", "refund.failed", "refund.updated"}, f.EventTypes)
	assert.Empty(t, f.Params)
}

func TestRunIncrementalReadsSnapshotForImmutableResources(t *testing.T) {
	p := &fakeProvider{records: map[catalog.Entity][]models.Record{
		"balance_transactions": records("txn", 0, 100, 10),
	}}
	out := &collector{}
	d := New(catalog.Stripe(), p, state.NewMemory(nil), out,
		Config{PageSize: 100, Modes: map[string]catalog.Mode{"balance_transactions": catalog.ModeIncremental}, Retry: fastRetry},
		clock(100))

	report, err := d.Run(context.Background(), "balance_transactions")
	require.NoError(t, err)
	assert.Equal(t, catalog.ModeIncremental, report.Mode)
	require.Len(t, p.filters, 1)
	assert.Equal(t, catalog.Entity("balance_transactions"), p.filters[0].Entity)
	assert.Empty(t, p.filters[0].EventTypes)
	assert.Len(t, out.ids, 10)
}

func TestRunFullTableSendsParams(t *testing.T) {
	p := &fakeProvider{}
	d := New(catalog.Stripe(), p, state.NewMemory(map[string]string{"subscriptions": "0"}), &collector{},
		Config{PageSize: 100, Retry: fastRetry}, clock(10))

	_, err := d.Run(context.Background(), "subscriptions")
	require.NoError(t, err)
	require.Len(t, p.filters, 1)
	assert.Equal(t, catalog.Entity("subscriptions"), p.filters[0].Entity)
	assert.Equal(t, map[string]string{"status": "all"}, p.filters[0].Params)
}

func TestRunDisputesLookback(t *testing.T) {
	const persisted = int64(1_700_000_000)
	p := &fakeProvider{}
	store := &countingStore{Memory: state.NewMemory(map[string]string{"disputes": state.FormatWatermark(persisted)})}
	d := New(catalog.Stripe(), p, store, &collector{},
		Config{PageSize: 100, Mode: catalog.ModeIncremental, Retry: fastRetry}, clock(persisted))

	report, err := d.Run(context.Background(), "disputes")
	require.NoError(t, err)
	require.NotNil(t, report.Persisted)
	assert.Equal(t, persisted, *report.Persisted)
	assert.Equal(t, persisted-90*catalog.Day, report.EffectiveWatermark)

	ws := p.windows()
	require.Len(t, ws, 90)
	assert.Equal(t, persisted-90*catalog.Day, ws[0].Start)
	assert.Equal(t, persisted, ws[len(ws)-1].End)
	for _, w := range ws {
		assert.Equal(t, catalog.Day, w.Duration())
	}

	// Replayed windows never lower the stored watermark.
	assert.Zero(t, store.sets)
	assert.Equal(t, persisted, report.Watermark)
}

func TestRunOverridesWindowSize(t *testing.T) {
	size := int64(50)
	p := &fakeProvider{}
	d := New(widgetCatalog(t), p, state.NewMemory(nil), &collector{},
		Config{PageSize: 10, Overrides: map[string]catalog.Override{"widgets": {WindowSize: &size}}, Retry: fastRetry},
		clock(100))

	_, err := d.Run(context.Background(), "widgets")
	require.NoError(t, err)
	assert.Equal(t, []window.Window{{Start: 0, End: 50}, {Start: 50, End: 100}}, p.windows())
}

func TestRunInitialWatermarkRespectsEventHorizon(t *testing.T) {
	now := int64(100 * catalog.Day)
	earliest := now - 30*catalog.Day
	p := horizonProvider{fakeProvider: &fakeProvider{}, earliest: earliest}
	d := New(catalog.Stripe(), p, state.NewMemory(nil), &collector{},
		Config{PageSize: 100, Mode: catalog.ModeIncremental, Retry: fastRetry}, clock(now))

	report, err := d.Run(context.Background(), "charges")
	require.NoError(t, err)
	assert.Nil(t, report.Persisted)
	assert.Equal(t, earliest, report.EffectiveWatermark)
	assert.Equal(t, []window.Window{{Start: earliest, End: now}}, p.windows())

	// Immutable resources are listed directly and ignore the horizon.
	p.fakeProvider.filters = nil
	report, err = d.Run(context.Background(), "balance_transactions")
	require.NoError(t, err)
	assert.Equal(t, int64(0), report.EffectiveWatermark)
}

func TestRunRejectsBeforeIO(t *testing.T) {
	tests := []struct {
		name     string
		resource string
		config   Config
		check    func(error) bool
	}{
		{name: "unknown resource", resource: "widgets", config: Config{PageSize: 10}, check: errors.IsUnknownResource},
		{name: "full table without snapshot", resource: "discounts", config: Config{PageSize: 10, Mode: catalog.ModeFullTable}, check: errors.IsConfig},
		{name: "invalid mode", resource: "charges", config: Config{PageSize: 10, Mode: "LOG_BASED"}, check: errors.IsInvalidMode},
		{name: "page size too large", resource: "charges", config: Config{PageSize: 500}, check: errors.IsConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvider{}
			store := &countingStore{Memory: state.NewMemory(nil)}
			out := &collector{}
			d := New(catalog.Stripe(), p, store, out, tt.config, clock(1000))

			report, err := d.Run(context.Background(), tt.resource)
			require.Error(t, err)
			assert.True(t, tt.check(err), err.Error())
			assert.Equal(t, StateFailed, report.State)
			assert.Empty(t, p.filters)
			assert.Zero(t, store.gets)
			assert.Zero(t, store.sets)
			assert.Empty(t, out.ids)
		})
	}
}

func TestRunStopsBetweenWindowsOnCancel(t *testing.T) {
	p := &fakeProvider{records: map[catalog.Entity][]models.Record{"widgets": records("w", 0, 300, 50)}}
	store := state.NewMemory(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &collector{onEmit: cancel}

	d := New(widgetCatalog(t), p, store, out, Config{PageSize: 10, Retry: fastRetry}, clock(300))
	report, err := d.Run(ctx, "widgets")
	require.Error(t, err)
	assert.Equal(t, int64(1), report.Windows)
	assert.Equal(t, map[string]string{"widgets": "100"}, store.Snapshot())
	assert.Equal(t, []string{"w_0", "w_50"}, out.ids)
}

func TestRunAllCollectsFailures(t *testing.T) {
	p := &fakeProvider{records: map[catalog.Entity][]models.Record{
		"charges": records("ch", 0, 100, 20),
	}}
	out := &collector{}
	d := New(catalog.Stripe(), p, state.NewMemory(nil), out, Config{PageSize: 100, Retry: fastRetry}, clock(100))

	reports, err := d.RunAll(context.Background(), []string{"nope", "charges", "discounts_typo"})
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	require.Len(t, reports, 3)
	assert.Equal(t, StateFailed, reports[0].State)
	assert.Equal(t, StateDone, reports[1].State)
	assert.Equal(t, int64(5), reports[1].Records)
	assert.Len(t, out.ids, 5)
}

func TestRunAllDefaultsToCatalog(t *testing.T) {
	d := New(widgetCatalog(t), &fakeProvider{}, state.NewMemory(nil), &collector{}, Config{PageSize: 10, Retry: fastRetry}, clock(10))
	reports, err := d.RunAll(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "widgets", reports[0].Resource)
}

func TestRunWithSingerEmitter(t *testing.T) {
	p := &fakeProvider{records: map[catalog.Entity][]models.Record{"widgets": records("w", 0, 100, 50)}}
	var buf syncBuffer
	singer := emit.NewSinger(&buf)
	d := New(widgetCatalog(t), p, state.NewMemory(nil), singer, Config{PageSize: 10, Retry: fastRetry}, clock(100))

	_, err := d.Run(context.Background(), "widgets")
	require.NoError(t, err)
	require.NoError(t, singer.Flush())
	out := buf.String()
	assert.Contains(t, out, `"type":"RECORD"`)
	assert.Contains(t, out, `"w_50"`)
	assert.Contains(t, out, `"type":"STATE"`)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
