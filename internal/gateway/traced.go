package gateway

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ppiankov/walletbridge/internal/gateway"

type traced struct {
	next   Gateway
	tracer trace.Tracer
}

// Traced wraps gw so every Execute runs inside a span. Uses the global
// tracer provider, which is a no-op until telemetry is configured.
func Traced(gw Gateway) Gateway {
	return &traced{next: gw, tracer: otel.Tracer(tracerName)}
}

func (t *traced) Execute(ctx context.Context, method string, params json.RawMessage, cc CallContext) (json.RawMessage, error) {
	ctx, span := t.tracer.Start(ctx, "wallet.execute",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("wallet.method", method),
			attribute.String("wallet.origin", string(cc.Origin)),
			attribute.String("wallet.request_id", string(cc.RequestID)),
		),
	)
	defer span.End()

	result, err := t.next.Execute(ctx, method, params, cc)
	if err != nil {
		f := AsFault(err)
		span.RecordError(err)
		span.SetAttributes(attribute.Int("wallet.fault_code", f.Code))
		span.SetStatus(otelcodes.Error, f.Message)
	}
	return result, err
}
