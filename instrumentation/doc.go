// Package instrumentation provides OpenTelemetry instrumentation for the OAuth engine.
//
// Metrics and traces are recorded by the authorization server, the
// revocation endpoint, the HTTP adapter and the storage backends. When
// Config.Enabled is false all providers are no-ops.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:     "oauthd",
//		ServiceVersion:  "1.0.0",
//		Enabled:         true,
//		MetricsExporter: instrumentation.ExporterPrometheus,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	srv.SetInstrumentation(inst)
//	http.Handle("/metrics", promhttp.Handler())
//
// # Available Metrics
//
// HTTP adapter:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// Dispatch:
//   - oauth.grant.requests.total{endpoint, grant, outcome}
//   - oauth.grant.request.duration{endpoint, grant}
//   - oauth.protocol.errors.total{endpoint, error}
//   - oauth.token.issued{grant_type, refresh_token}
//   - oauth.token.revoked{token_type_hint, outcome}
//
// Security:
//   - oauth.client.authentication{success}
//   - oauth.rate_limit.exceeded{limiter_type}
//   - oauth.pkce.validation_failed{method}
//   - oauth.code.reuse_detected
//
// Storage:
//   - storage.operation.total{backend, operation, result}
//   - storage.operation.duration{backend, operation}
//
// Client identifiers are deliberately not metric labels to keep cardinality bounded.
package instrumentation
