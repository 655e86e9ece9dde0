// Package metrics provides an OpenTelemetry-backed implementation of
// hbitmap.ContentionSink, following the meter/counter wiring pattern used
// for filesystem-operation metrics elsewhere in the ecosystem (a package
// global otel.Meter, counters built once in a constructor, Add calls on
// the hot path).
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var bitmapMeter = otel.Meter("hbitmap")

// ContentionSink counts ClearOnceSet busy-waits via an OpenTelemetry
// counter instrument. The zero value is not usable; construct with New.
type ContentionSink struct {
	ctx       context.Context
	busyWaits metric.Int64Counter
}

// New builds a ContentionSink. ctx is the context passed to the
// underlying counter's Add call on every BusyWait -- callers without a
// natural request-scoped context can pass context.Background().
func New(ctx context.Context) (*ContentionSink, error) {
	busyWaits, err := bitmapMeter.Int64Counter(
		"hbitmap/clear_once_set_busy_waits",
		metric.WithDescription("The cumulative number of ClearOnceSet calls that had to spin for the bit's 0->1 edge."),
	)
	if err != nil {
		return nil, err
	}
	return &ContentionSink{ctx: ctx, busyWaits: busyWaits}, nil
}

// BusyWait implements hbitmap.ContentionSink.
func (s *ContentionSink) BusyWait() {
	s.busyWaits.Add(s.ctx, 1)
}
