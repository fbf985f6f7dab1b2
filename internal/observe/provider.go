package observe

import (
	"context"
	"errors"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// serviceName is the fixed service identity reported in telemetry. One
// binary, one service; there is nothing to configure.
const serviceName = "whisperwire"

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// Attributes are extra resource attributes describing this gateway
	// instance — the app layer passes the model path and listen addresses
	// so scraped metrics can be told apart across deployments.
	Attributes []attribute.KeyValue

	// TraceExporter is an optional span exporter. When nil, spans are
	// recorded but not exported (useful for testing or when only metrics
	// are needed). In production this would typically be an OTLP exporter.
	TraceExporter sdktrace.SpanExporter
}

// Shutdown tears down the providers installed by InitProvider, flushing
// exporters. Call it in a defer from main.
type Shutdown func(context.Context) error

// InitProvider installs the global OTel providers: a meter provider bridged
// to Prometheus (scraped via /metrics) and a tracer provider. The reported
// service.version comes from the binary's build info, so release builds and
// dirty dev builds are distinguishable in dashboards without extra plumbing.
func InitProvider(ctx context.Context, cfg ProviderConfig) (Shutdown, error) {
	res, err := gatewayResource(cfg.Attributes)
	if err != nil {
		return nil, err
	}

	mp, err := newMeterProvider(res)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(mp)

	tp := newTracerProvider(res, cfg.TraceExporter)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
	}, nil
}

// gatewayResource describes this process: service identity, build version,
// VCS revision when the binary carries one, plus the caller's attributes.
func gatewayResource(extra []attribute.KeyValue) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(buildVersion()),
	}
	if rev := vcsRevision(); rev != "" {
		attrs = append(attrs, attribute.String("vcs.revision", rev))
	}
	attrs = append(attrs, extra...)

	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, attrs...),
	)
}

// newMeterProvider builds the meter provider with the Prometheus bridge.
func newMeterProvider(res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	promExp, err := promexporter.New()
	if err != nil {
		return nil, err
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	), nil
}

// newTracerProvider builds the tracer provider. A nil exporter leaves spans
// recorded but unexported.
func newTracerProvider(res *resource.Resource, exp sdktrace.SpanExporter) *sdktrace.TracerProvider {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}
	if exp != nil {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	return sdktrace.NewTracerProvider(opts...)
}

// buildVersion returns the main module's version from build info, or
// "devel" for unversioned builds (go run, dirty trees).
func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return "devel"
	}
	return info.Main.Version
}

// vcsRevision returns the VCS commit the binary was built from, if stamped.
func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}
