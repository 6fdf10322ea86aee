// Package tapstripe replicates Stripe objects in bounded creation-time
// windows with a durable per-resource watermark.
//
// # Architecture
//
// A run drains each selected resource in turn:
//
//  1. The catalog (pkg/catalog) describes the resource: its list endpoint,
//     the event types that signal a change, window size and lookback.
//  2. The window planner (pkg/window) splits [watermark - lookback, now)
//     into contiguous half-open windows.
//  3. For each window the filter builder (pkg/filter) picks the endpoint.
//     Mutable resources in INCREMENTAL mode read the events feed; immutable
//     ones and FULL_TABLE mode read the resource's own list.
//  4. The paginator (pkg/paginator) follows starting_after cursors through
//     the Stripe client (pkg/clients/stripe), retrying transient failures.
//  5. Records go to the emitter (pkg/emit) as RECORD lines on stdout.
//  6. Once a window is fully written its end is stored (pkg/state) and a
//     STATE line is emitted.
//
// Watermarks never advance past unwritten records, so a run interrupted at
// any point repeats at most one window per resource on restart.
//
// # Quick Start
//
//	export TAP_STRIPE_API_KEY=sk_test_...
//	tapstripe run --resource charges --resource refunds > out.jsonl
//	tapstripe state get
//
// # Watermark Stores
//
// Backends register themselves with pkg/state: memory, file, sqlite,
// postgres, mongodb, s3 and gcs. Select one with state.backend.
//
// # Observability
//
// Logs are structured JSON on stderr (pkg/logger). Prometheus metrics
// (pkg/metrics) are served on /metrics when observability.enable_metrics is
// set, and OpenTelemetry spans (pkg/observability) cover each resource run
// and window.
package tapstripe
