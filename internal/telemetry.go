package internal

import (
	"context"
	"sync"
	"time"

	nodes "github.com/ist-dresden/composum-nodes-sub000"
)

// Hook layer for codec measurements. The default emitter discards
// everything; the server registers one that forwards to its logger.

// TelemetryEmitter receives one named measurement with its labels.
type TelemetryEmitter func(ctx context.Context, name string, labels map[string]string, value any)

var (
	teleMu   sync.Mutex
	teleImpl TelemetryEmitter = func(ctx context.Context, name string, labels map[string]string, value any) {}
)

// RegisterTelemetryEmitter installs fn; nil restores the no-op emitter.
func RegisterTelemetryEmitter(fn TelemetryEmitter) {
	teleMu.Lock()
	defer teleMu.Unlock()
	if fn == nil {
		teleImpl = func(ctx context.Context, name string, labels map[string]string, value any) {}
		return
	}
	teleImpl = fn
}

func emitter() TelemetryEmitter {
	teleMu.Lock()
	defer teleMu.Unlock()
	return teleImpl
}

// EmitLatency records the duration of an export or import in milliseconds.
// name: "nodes_codec_latency_ms" with label {"operation": "export"|"import"}
func EmitLatency(ctx context.Context, operation string, d time.Duration) {
	emitter()(ctx, "nodes_codec_latency_ms", map[string]string{"operation": operation}, d.Milliseconds())
}

// EmitSkipped records the soft failures of one import grouped by kind.
// name: "nodes_import_skipped" with label {"kind": "<error type>"}
func EmitSkipped(ctx context.Context, diagnostics []nodes.Diagnostic) {
	if len(diagnostics) == 0 {
		return
	}
	counts := make(map[nodes.ErrorType]int)
	for _, d := range diagnostics {
		counts[d.Kind]++
	}
	fn := emitter()
	for kind, n := range counts {
		fn(ctx, "nodes_import_skipped", map[string]string{"kind": string(kind)}, n)
	}
}
