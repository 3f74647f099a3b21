package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	oauth "github.com/giantswarm/oauth-engine"
	"github.com/giantswarm/oauth-engine/grants"
	"github.com/giantswarm/oauth-engine/instrumentation"
	"github.com/giantswarm/oauth-engine/security"
	"github.com/giantswarm/oauth-engine/storage"
	"github.com/giantswarm/oauth-engine/storage/memory"
	"github.com/giantswarm/oauth-engine/storage/valkey"
	"github.com/giantswarm/oauth-engine/tokens"
)

const (
	// DefaultShutdownTimeout is the default timeout for graceful server shutdown.
	DefaultShutdownTimeout = 30 * time.Second

	defaultReadHeaderTimeout = 10 * time.Second
	defaultIdleTimeout       = 60 * time.Second
)

// backend is what a storage implementation must provide to the daemon.
type backend interface {
	storage.ClientStore
	storage.TokenStore
	storage.CodeStore
}

// serveOptions holds everything the serve command can be configured with.
type serveOptions struct {
	Addr       string
	Issuer     string
	Debug      bool
	UserHeader string

	// Clients are seeded at startup, in "id:secret:uri[,uri...]" form. An
	// empty secret registers a public client.
	Clients []string

	// Storage
	Storage         string
	ValkeyURL       string
	ValkeyPassword  string
	ValkeyTLS       bool
	ValkeyKeyPrefix string
	ValkeyDB        int
	EncryptionKey   string

	// Tokens
	TokenFormat   string
	JWTSigningKey string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration

	// Grants
	RequirePKCE            bool
	AllowPlainPKCE         bool
	DisableRefreshRotation bool

	// Engine
	AllowUnknownTokenRevocation bool
	ErrorURI                    string
	RateLimit                   int
	RateBurst                   int
	TrustProxy                  bool
	TrustedProxyCount           int
	Audit                       bool

	// Telemetry
	MetricsExporter string
	MetricsAddr     string
	TracingExporter string
	OTLPEndpoint    string
	OTLPInsecure    bool
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authorization server",
		Long: `Start the authorization server.

Endpoints:
  /authorize  authorization endpoint (GET, POST)
  /token      token endpoint (POST)
  /revoke     RFC 7009 revocation endpoint (POST)

Resource owner consent:
  oauthd does not render login pages. Put it behind an authenticating proxy
  and name the header carrying the user with --user-header. Requests without
  the header are denied with access_denied.

Secrets may be passed through the environment instead of flags:
  OAUTHD_JWT_SIGNING_KEY, OAUTHD_ENCRYPTION_KEY, OAUTHD_VALKEY_PASSWORD`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.applyEnv()
			return runServe(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.Addr, "addr", ":8080", "Address to serve the OAuth endpoints on")
	f.StringVar(&opts.Issuer, "issuer", "http://localhost:8080", "Issuer identifier, embedded in JWT access tokens")
	f.BoolVar(&opts.Debug, "debug", false, "Enable debug logging")
	f.StringVar(&opts.UserHeader, "user-header", "", "Request header set by a trusted proxy that names the approving user")
	f.StringArrayVar(&opts.Clients, "client", nil, "Client to register at startup as id:secret:redirect_uri[,redirect_uri] (repeatable)")

	f.StringVar(&opts.Storage, "storage", "memory", "Storage backend: memory or valkey")
	f.StringVar(&opts.ValkeyURL, "valkey-url", "", "Valkey server address (host:port)")
	f.StringVar(&opts.ValkeyPassword, "valkey-password", "", "Valkey password")
	f.BoolVar(&opts.ValkeyTLS, "valkey-tls", false, "Use TLS for Valkey connections")
	f.StringVar(&opts.ValkeyKeyPrefix, "valkey-key-prefix", valkey.DefaultKeyPrefix, "Prefix for all Valkey keys")
	f.IntVar(&opts.ValkeyDB, "valkey-db", 0, "Valkey database number")
	f.StringVar(&opts.EncryptionKey, "encryption-key", "", "Base64 AES-256 key for encrypting tokens at rest (valkey only)")

	f.StringVar(&opts.TokenFormat, "token-format", "bearer", "Access token format: bearer or jwt")
	f.StringVar(&opts.JWTSigningKey, "jwt-signing-key", "", "Base64 HS256 signing key (32 bytes) for --token-format=jwt")
	f.DurationVar(&opts.AccessTTL, "access-token-ttl", tokens.DefaultAccessTokenTTL, "Access token lifetime")
	f.DurationVar(&opts.RefreshTTL, "refresh-token-ttl", tokens.DefaultRefreshTokenTTL, "Refresh token lifetime")

	f.BoolVar(&opts.RequirePKCE, "require-pkce", false, "Require PKCE for every authorization code request")
	f.BoolVar(&opts.AllowPlainPKCE, "allow-plain-pkce", false, "Accept the plain code_challenge_method")
	f.BoolVar(&opts.DisableRefreshRotation, "disable-refresh-rotation", false, "Keep refresh tokens valid after use")

	f.BoolVar(&opts.AllowUnknownTokenRevocation, "allow-unknown-token-revocation", false, "Answer 200 when an unknown token is revoked")
	f.StringVar(&opts.ErrorURI, "error-uri", "", "error_uri sent with every protocol error")
	f.IntVar(&opts.RateLimit, "rate-limit", 10, "Token and revocation requests per second per client IP (0 disables)")
	f.IntVar(&opts.RateBurst, "rate-burst", 20, "Rate limit burst size")
	f.BoolVar(&opts.TrustProxy, "trust-proxy", false, "Trust X-Forwarded-For and X-Real-IP headers")
	f.IntVar(&opts.TrustedProxyCount, "trusted-proxy-count", 1, "Number of trusted proxies in front of the server")
	f.BoolVar(&opts.Audit, "audit", true, "Enable security audit logging")

	f.StringVar(&opts.MetricsExporter, "metrics-exporter", instrumentation.ExporterPrometheus, "Metrics exporter: prometheus, stdout, otlp or none")
	f.StringVar(&opts.MetricsAddr, "metrics-addr", ":9090", "Address for the Prometheus /metrics endpoint")
	f.StringVar(&opts.TracingExporter, "tracing-exporter", instrumentation.ExporterNone, "Tracing exporter: stdout, otlp or none")
	f.StringVar(&opts.OTLPEndpoint, "otlp-endpoint", "", "OTLP HTTP collector host:port")
	f.BoolVar(&opts.OTLPInsecure, "otlp-insecure", false, "Disable TLS towards the OTLP collector")

	return cmd
}

// applyEnv fills secrets that were not given as flags from the environment.
func (o *serveOptions) applyEnv() {
	for _, e := range []struct {
		dst *string
		env string
	}{
		{&o.JWTSigningKey, "OAUTHD_JWT_SIGNING_KEY"},
		{&o.EncryptionKey, "OAUTHD_ENCRYPTION_KEY"},
		{&o.ValkeyPassword, "OAUTHD_VALKEY_PASSWORD"},
	} {
		if *e.dst == "" {
			*e.dst = os.Getenv(e.env)
		}
	}
}

func runServe(ctx context.Context, opts *serveOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(opts.Debug)

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:     "oauthd",
		ServiceVersion:  rootCmd.Version,
		Enabled:         opts.MetricsExporter != instrumentation.ExporterNone || opts.TracingExporter != instrumentation.ExporterNone,
		MetricsExporter: opts.MetricsExporter,
		TracingExporter: opts.TracingExporter,
		OTLPEndpoint:    opts.OTLPEndpoint,
		OTLPInsecure:    opts.OTLPInsecure,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to shut down instrumentation", "error", err)
		}
	}()

	store, closeStore, err := openStorage(opts, logger, inst)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := seedClients(ctx, store, opts.Clients); err != nil {
		return err
	}

	generator, err := buildGenerator(opts)
	if err != nil {
		return err
	}

	handler, err := buildHandler(store, generator, opts, logger, inst)
	if err != nil {
		return err
	}
	defer handler.Close()

	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		IdleTimeout:       defaultIdleTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("Serving OAuth endpoints", "addr", opts.Addr, "issuer", opts.Issuer)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("oauth server: %w", err)
		}
	}()

	var metricsSrv *http.Server
	if opts.MetricsExporter == instrumentation.ExporterPrometheus && opts.MetricsAddr != "" {
		mux := http.NewServeMux()
		// The prometheus exporter registers with the default registry.
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:              opts.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: defaultReadHeaderTimeout,
		}
		go func() {
			logger.Info("Serving metrics", "addr", opts.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("OAuth server shutdown failed", "error", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown failed", "error", err)
		}
	}
	return runErr
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openStorage creates the configured backend and returns a function that
// releases it.
func openStorage(opts *serveOptions, logger *slog.Logger, inst *instrumentation.Instrumentation) (backend, func(), error) {
	switch opts.Storage {
	case "memory", "":
		if opts.EncryptionKey != "" {
			logger.Warn("Encryption key ignored for in-memory storage")
		}
		s := memory.New()
		s.SetLogger(logger)
		s.SetInstrumentation(inst)
		return s, s.Stop, nil

	case "valkey":
		cfg := valkey.Config{
			Address:   opts.ValkeyURL,
			Password:  opts.ValkeyPassword,
			DB:        opts.ValkeyDB,
			KeyPrefix: opts.ValkeyKeyPrefix,
			Logger:    logger,
		}
		if opts.ValkeyTLS {
			cfg.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		s, err := valkey.New(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open valkey storage: %w", err)
		}
		s.SetInstrumentation(inst)
		if opts.EncryptionKey != "" {
			key, err := security.KeyFromBase64(opts.EncryptionKey)
			if err != nil {
				s.Close()
				return nil, nil, fmt.Errorf("invalid encryption key: %w", err)
			}
			enc, err := security.NewEncryptor(key)
			if err != nil {
				s.Close()
				return nil, nil, fmt.Errorf("failed to create encryptor: %w", err)
			}
			s.SetEncryptor(enc)
		} else {
			logger.Warn("Tokens are stored unencrypted", "recommendation", "Set --encryption-key or OAUTHD_ENCRYPTION_KEY")
		}
		return s, s.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported storage backend %q", opts.Storage)
	}
}

// parseClientFlag parses "id:secret:uri[,uri...]". The secret may be empty
// for a public client; the redirect URIs may be omitted.
func parseClientFlag(value string) (*storage.Client, error) {
	parts := strings.SplitN(value, ":", 3)
	if len(parts) < 2 || parts[0] == "" {
		return nil, fmt.Errorf("invalid client %q, want id:secret:redirect_uri[,redirect_uri]", value)
	}

	c := &storage.Client{
		ClientID:   parts[0],
		ClientName: parts[0],
		ClientType: storage.ClientTypePublic,
		CreatedAt:  time.Now(),
	}
	if parts[1] != "" {
		hash, err := storage.HashSecret(parts[1])
		if err != nil {
			return nil, fmt.Errorf("failed to hash secret of client %q: %w", parts[0], err)
		}
		c.ClientSecretHash = hash
		c.ClientType = storage.ClientTypeConfidential
	}
	if len(parts) == 3 && parts[2] != "" {
		for _, uri := range strings.Split(parts[2], ",") {
			if uri = strings.TrimSpace(uri); uri != "" {
				c.RedirectURIs = append(c.RedirectURIs, uri)
			}
		}
	}
	return c, nil
}

func seedClients(ctx context.Context, store storage.ClientStore, values []string) error {
	for _, value := range values {
		c, err := parseClientFlag(value)
		if err != nil {
			return err
		}
		if err := store.SaveClient(ctx, c); err != nil {
			return fmt.Errorf("failed to register client %q: %w", c.ClientID, err)
		}
	}
	return nil
}

func buildGenerator(opts *serveOptions) (oauth.TokenGenerator, error) {
	switch opts.TokenFormat {
	case "bearer", "":
		return &tokens.BearerGenerator{AccessTTL: opts.AccessTTL, RefreshTTL: opts.RefreshTTL}, nil
	case "jwt":
		if opts.JWTSigningKey == "" {
			return nil, fmt.Errorf("--jwt-signing-key or OAUTHD_JWT_SIGNING_KEY is required for JWT access tokens")
		}
		key, err := security.KeyFromBase64(opts.JWTSigningKey)
		if err != nil {
			return nil, fmt.Errorf("invalid JWT signing key: %w", err)
		}
		return tokens.NewJWTGenerator(tokens.JWTConfig{
			Issuer:     opts.Issuer,
			SigningKey: key,
			AccessTTL:  opts.AccessTTL,
			RefreshTTL: opts.RefreshTTL,
		})
	default:
		return nil, fmt.Errorf("unsupported token format %q", opts.TokenFormat)
	}
}

// buildHandler wires the engine: server, grants, revocation and HTTP adapter.
func buildHandler(store backend, generator oauth.TokenGenerator, opts *serveOptions, logger *slog.Logger, inst *instrumentation.Instrumentation) (*oauth.Handler, error) {
	server, err := oauth.NewServer(oauth.ClientQuery(store), generator, &oauth.Config{
		Issuer:                      opts.Issuer,
		ErrorURI:                    opts.ErrorURI,
		AllowUnknownTokenRevocation: opts.AllowUnknownTokenRevocation,
		RateLimit: oauth.RateLimitConfig{
			Rate:  opts.RateLimit,
			Burst: opts.RateBurst,
		},
		TrustProxy:         opts.TrustProxy,
		TrustedProxyCount:  opts.TrustedProxyCount,
		EnableAuditLogging: opts.Audit,
		Logger:             logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	auditor := security.NewAuditor(logger, opts.Audit)
	server.SetAuditor(auditor)
	server.SetInstrumentation(inst)

	provider, err := grants.NewProvider(store, store, grants.Config{
		RefreshTokenTTL:        opts.RefreshTTL,
		RequirePKCE:            opts.RequirePKCE,
		AllowPlainPKCE:         opts.AllowPlainPKCE,
		DisableRefreshRotation: opts.DisableRefreshRotation,
		Logger:                 logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create grants: %w", err)
	}
	provider.SetAuditor(auditor)
	provider.SetInstrumentation(inst)
	if err := provider.Register(server); err != nil {
		return nil, err
	}

	revocation, err := oauth.NewRevocationEndpoint(server, oauth.TokenStoreRevocation{Store: store}, oauth.ChainAuthenticator{AllowPublic: true})
	if err != nil {
		return nil, fmt.Errorf("failed to create revocation endpoint: %w", err)
	}

	handlerOpts := []oauth.HandlerOption{oauth.WithRevocation(revocation)}
	if opts.UserHeader != "" {
		handlerOpts = append(handlerOpts, oauth.WithUserResolver(headerUserResolver(opts.UserHeader)))
	} else {
		logger.Warn("No --user-header configured, every authorization request will be denied")
	}
	return oauth.NewHandler(server, handlerOpts...), nil
}

// headerUserResolver approves authorization requests for the user named in
// header. A missing header denies the request.
func headerUserResolver(header string) oauth.UserResolver {
	return func(_ http.ResponseWriter, r *http.Request, _ *oauth.Request) (*oauth.User, error) {
		id := strings.TrimSpace(r.Header.Get(header))
		if id == "" {
			return nil, nil
		}
		return &oauth.User{ID: id}, nil
	}
}
