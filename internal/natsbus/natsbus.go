// Package natsbus publishes execution events (debt created/resolved, report
// ready) for the external debt-resolution and report-replay control surfaces
// named in spec §6. Publication is best-effort: a nil or disconnected
// connection degrades to a no-op rather than failing task execution.
package natsbus

import (
	"context"
	"encoding/json"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

const (
	SubjectDebtCreated  = "dagexec.debt.created"
	SubjectDebtResolved = "dagexec.debt.resolved"
	SubjectReportReady  = "dagexec.report.ready"
)

// Bus wraps an optional NATS connection. A nil Bus (or one built around a nil
// connection) silently drops publishes, so components never need a separate
// "is messaging configured" branch.
type Bus struct {
	nc *nats.Conn
}

// Connect dials the given NATS URL. An empty url disables the bus.
func Connect(url string) (*Bus, error) {
	if url == "" {
		return &Bus{}, nil
	}
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return &Bus{nc: nc}, nil
}

// Close drains and closes the underlying connection, if any.
func (b *Bus) Close() {
	if b == nil || b.nc == nil {
		return
	}
	_ = b.nc.Drain()
}

// Publish marshals v as JSON and publishes it to subject, injecting the
// current trace context into NATS headers so consumers can continue the
// trace.
func (b *Bus) Publish(ctx context.Context, subject string, v any) error {
	if b == nil || b.nc == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	return b.nc.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: hdr})
}

// Subscribe wraps nc.Subscribe, extracting trace context per message and
// starting a child span around handler.
func (b *Bus) Subscribe(subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	if b == nil || b.nc == nil {
		return nil, nil
	}
	return b.nc.Subscribe(subject, func(m *nats.Msg) {
		ctx := propagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
		tracer := otel.Tracer("dagexec-natsbus")
		ctx, span := tracer.Start(ctx, "nats.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		handler(ctx, m)
	})
}
