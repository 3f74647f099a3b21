package instrumentation

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestInstrumentation(t *testing.T) (*Instrumentation, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	inst, err := New(Config{Enabled: true, Reader: reader})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })
	return inst, reader
}

// counterTotal sums every data point of the named int64 counter.
func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s has data type %T", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestMetrics_Counters(t *testing.T) {
	tests := []struct {
		name   string
		record func(ctx context.Context, m *Metrics)
		metric string
		want   int64
	}{
		{
			name: "http requests",
			record: func(ctx context.Context, m *Metrics) {
				m.RecordHTTPRequest(ctx, "POST", "/token", 200, 12.5)
				m.RecordHTTPRequest(ctx, "POST", "/token", 400, 3.0)
			},
			metric: "oauth.http.requests.total",
			want:   2,
		},
		{
			name: "grant requests",
			record: func(ctx context.Context, m *Metrics) {
				m.RecordGrantRequest(ctx, "token", "", OutcomeError, 1)
				m.RecordGrantRequest(ctx, "token", "client_credentials", OutcomeSuccess, 1)
				m.RecordGrantRequest(ctx, "authorization", "code", OutcomeRedirectError, 1)
			},
			metric: "oauth.grant.requests.total",
			want:   3,
		},
		{
			name: "protocol errors",
			record: func(ctx context.Context, m *Metrics) {
				m.RecordProtocolError(ctx, "revocation", "unsupported_token_type")
			},
			metric: "oauth.protocol.errors.total",
			want:   1,
		},
		{
			name: "tokens issued",
			record: func(ctx context.Context, m *Metrics) {
				m.RecordTokenIssued(ctx, "authorization_code", true)
				m.RecordTokenIssued(ctx, "client_credentials", false)
			},
			metric: "oauth.token.issued",
			want:   2,
		},
		{
			name: "revocations",
			record: func(ctx context.Context, m *Metrics) {
				m.RecordTokenRevocation(ctx, "", OutcomeSuccess)
				m.RecordTokenRevocation(ctx, "refresh_token", OutcomeError)
			},
			metric: "oauth.token.revoked",
			want:   2,
		},
		{
			name: "client authentication",
			record: func(ctx context.Context, m *Metrics) {
				m.RecordClientAuthentication(ctx, false)
			},
			metric: "oauth.client.authentication",
			want:   1,
		},
		{
			name: "security counters",
			record: func(ctx context.Context, m *Metrics) {
				m.RecordRateLimitExceeded(ctx, "ip")
				m.RecordRateLimitExceeded(ctx, "ip")
			},
			metric: "oauth.rate_limit.exceeded",
			want:   2,
		},
		{
			name: "storage operations",
			record: func(ctx context.Context, m *Metrics) {
				m.RecordStorageOperation(ctx, "memory", "save_token", "success", 0.1)
			},
			metric: "storage.operation.total",
			want:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, reader := newTestInstrumentation(t)
			tt.record(context.Background(), inst.Metrics())
			if got := counterTotal(t, reader, tt.metric); got != tt.want {
				t.Errorf("%s = %d, want %d", tt.metric, got, tt.want)
			}
		})
	}
}

func TestMetrics_PKCEAndCodeReuse(t *testing.T) {
	inst, reader := newTestInstrumentation(t)
	ctx := context.Background()

	inst.Metrics().RecordPKCEValidationFailed(ctx, "S256")
	inst.Metrics().RecordCodeReuseDetected(ctx)
	inst.Metrics().RecordCodeReuseDetected(ctx)

	if got := counterTotal(t, reader, "oauth.pkce.validation_failed"); got != 1 {
		t.Errorf("pkce failures = %d, want 1", got)
	}
	if got := counterTotal(t, reader, "oauth.code.reuse_detected"); got != 2 {
		t.Errorf("code reuse = %d, want 2", got)
	}
}
