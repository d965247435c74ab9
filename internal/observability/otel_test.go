package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/tbourn/go-gate-bot/internal/config"
)

const testBot = "@gatebot:example.org"

func keepGlobals(t *testing.T) {
	t.Helper()
	tp, prop := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(prop)
	})
}

func otelCfg(insecure bool) config.OTELConfig {
	return config.OTELConfig{
		Enabled:     true,
		Insecure:    insecure,
		Endpoint:    "localhost:4317",
		ServiceName: "gatebot-test",
		SampleRatio: 1.0,
	}
}

func TestSetupOTel_DisabledIsNoop(t *testing.T) {
	keepGlobals(t)
	before := otel.GetTracerProvider()

	cfg := otelCfg(true)
	cfg.Enabled = false
	shutdown, err := SetupOTel(context.Background(), cfg, "dev", testBot)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
	assert.Equal(t, before, otel.GetTracerProvider())
}

func TestSetupOTel_InstallsProviderAndPropagator(t *testing.T) {
	cases := map[string]struct {
		insecure bool
		cancel   bool
	}{
		"insecure":          {insecure: true},
		"tls":               {insecure: false},
		"cancelled context": {insecure: true, cancel: true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			keepGlobals(t)
			ctx, cancel := context.WithCancel(context.Background())
			if tc.cancel {
				cancel()
			} else {
				defer cancel()
			}

			shutdown, err := SetupOTel(ctx, otelCfg(tc.insecure), "dev", testBot)
			require.NoError(t, err)
			defer func() { _ = shutdown(context.Background()) }()

			_, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
			require.True(t, ok, "expected sdk tracer provider")

			spanCtx, span := otel.Tracer("test").Start(context.Background(), "handle_event")
			defer span.End()
			carrier := propagation.MapCarrier{}
			otel.GetTextMapPropagator().Inject(spanCtx, carrier)
			assert.NotEmpty(t, carrier.Get("traceparent"))
		})
	}
}

func TestSetupOTel_FailuresLeaveGlobalsAlone(t *testing.T) {
	origExp, origRes := newOTLPExporterFn, newServiceResourceFn
	t.Cleanup(func() { newOTLPExporterFn, newServiceResourceFn = origExp, origRes })

	cases := map[string]func(){
		"exporter": func() {
			newOTLPExporterFn = func(context.Context, otlptrace.Client) (*otlptrace.Exporter, error) {
				return nil, errors.New("exporter down")
			}
		},
		"resource": func() {
			newServiceResourceFn = func(context.Context, string, string, ...attribute.KeyValue) (*resource.Resource, error) {
				return nil, errors.New("bad resource")
			}
		},
	}
	for name, breakIt := range cases {
		t.Run(name, func(t *testing.T) {
			keepGlobals(t)
			newOTLPExporterFn, newServiceResourceFn = origExp, origRes
			breakIt()

			tp, prop := otel.GetTracerProvider(), otel.GetTextMapPropagator()
			_, err := SetupOTel(context.Background(), otelCfg(true), "dev", testBot)
			require.Error(t, err)
			assert.Equal(t, tp, otel.GetTracerProvider())
			assert.Equal(t, prop, otel.GetTextMapPropagator())
		})
	}
}

func TestSetupOTel_BotUserAttribute(t *testing.T) {
	orig := newServiceResourceFn
	t.Cleanup(func() { newServiceResourceFn = orig })

	for _, tc := range []struct {
		user string
		want []attribute.KeyValue
	}{
		{user: " @bot:example.org ", want: []attribute.KeyValue{AttrMatrixUser.String("@bot:example.org")}},
		{user: "", want: nil},
	} {
		keepGlobals(t)
		var got []attribute.KeyValue
		newServiceResourceFn = func(ctx context.Context, service, version string, extra ...attribute.KeyValue) (*resource.Resource, error) {
			got = extra
			return orig(ctx, service, version, extra...)
		}

		shutdown, err := SetupOTel(context.Background(), otelCfg(true), "dev", tc.user)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "user %q", tc.user)
		require.NoError(t, shutdown(context.Background()))
	}
}
