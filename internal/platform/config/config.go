package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile      = ".env"
	defaultPort         = "8080"
	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 30 * time.Second
	defaultIdleTimeout  = 120 * time.Second

	defaultZincBaseURL     = "https://api.zinc.io/v1"
	defaultZincCallTimeout = 30 * time.Second

	defaultSweepBatchSize          = 10
	defaultSweepPacing             = 500 * time.Millisecond
	defaultSweepOrderTimeout       = 45 * time.Second
	defaultSweepRunBudget          = 4 * time.Minute
	defaultSweepConcurrency        = 3
	defaultStaleSubmittedAfter     = time.Hour
	defaultStaleAnyAfter           = 24 * time.Hour
	defaultPaymentRecoveryWindow   = 24 * time.Hour
	defaultMissingSubmissionWindow = 12 * time.Hour

	defaultOIDCJWKSURL   = "https://www.googleapis.com/oauth2/v3/certs"
	defaultOIDCIssuer    = "https://accounts.google.com"
	defaultHMACSigHeader = "X-Zinc-Signature"
	defaultHMACTSHeader  = "X-Zinc-Timestamp"
	defaultHMACClockSkew = 5 * time.Minute
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server        ServerConfig
	Firestore     FirestoreConfig
	Stripe        StripeConfig
	Zinc          ZincConfig
	Sweep         SweepConfig
	Notifications NotificationConfig
	Security      SecurityConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StripeConfig collects payment processor credentials.
type StripeConfig struct {
	APIKey string
}

// ZincConfig configures the drop-ship fulfillment provider integration.
type ZincConfig struct {
	BaseURL       string
	ClientToken   string
	WebhookSecret string
	Retailer      string
	TestMode      bool
	CallTimeout   time.Duration
}

// SweepConfig bounds the periodic reconciliation sweep.
type SweepConfig struct {
	BatchSize               int
	Concurrency             int
	Pacing                  time.Duration
	OrderTimeout            time.Duration
	RunBudget               time.Duration
	StaleSubmittedAfter     time.Duration
	StaleAnyAfter           time.Duration
	PaymentRecoveryWindow   time.Duration
	MissingSubmissionWindow time.Duration
}

// NotificationConfig configures the transactional email job topic.
type NotificationConfig struct {
	ProjectID string
	TopicID   string
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	OIDC OIDCConfig
	HMAC HMACConfig
}

// OIDCConfig controls Google-signed token verification for internal endpoints.
type OIDCConfig struct {
	JWKSURL  string
	Audience string
	Issuers  []string
}

// HMACConfig captures provider webhook signing expectations.
type HMACConfig struct {
	SignatureHeader string
	TimestampHeader string
	ClockSkew       time.Duration
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values
// in the map take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// Load assembles the application configuration by combining defaults, .env
// overrides, environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Stripe: StripeConfig{
			APIKey: stringWithDefault(lookup, "API_STRIPE_API_KEY", ""),
		},
		Zinc: ZincConfig{
			BaseURL:       stringWithDefault(lookup, "API_ZINC_BASE_URL", defaultZincBaseURL),
			ClientToken:   stringWithDefault(lookup, "API_ZINC_CLIENT_TOKEN", ""),
			WebhookSecret: stringWithDefault(lookup, "API_ZINC_WEBHOOK_SECRET", ""),
			Retailer:      stringWithDefault(lookup, "API_ZINC_RETAILER", "amazon"),
			TestMode:      boolWithDefault(lookup, "API_ZINC_TEST_MODE", true),
			CallTimeout:   durationWithDefault(lookup, "API_ZINC_CALL_TIMEOUT", defaultZincCallTimeout),
		},
		Sweep: SweepConfig{
			BatchSize:               intWithDefault(lookup, "API_SWEEP_BATCH_SIZE", defaultSweepBatchSize),
			Concurrency:             intWithDefault(lookup, "API_SWEEP_CONCURRENCY", defaultSweepConcurrency),
			Pacing:                  durationWithDefault(lookup, "API_SWEEP_PACING", defaultSweepPacing),
			OrderTimeout:            durationWithDefault(lookup, "API_SWEEP_ORDER_TIMEOUT", defaultSweepOrderTimeout),
			RunBudget:               durationWithDefault(lookup, "API_SWEEP_RUN_BUDGET", defaultSweepRunBudget),
			StaleSubmittedAfter:     durationWithDefault(lookup, "API_SWEEP_STALE_SUBMITTED_AFTER", defaultStaleSubmittedAfter),
			StaleAnyAfter:           durationWithDefault(lookup, "API_SWEEP_STALE_ANY_AFTER", defaultStaleAnyAfter),
			PaymentRecoveryWindow:   durationWithDefault(lookup, "API_SWEEP_PAYMENT_RECOVERY_WINDOW", defaultPaymentRecoveryWindow),
			MissingSubmissionWindow: durationWithDefault(lookup, "API_SWEEP_MISSING_SUBMISSION_WINDOW", defaultMissingSubmissionWindow),
		},
		Notifications: NotificationConfig{
			ProjectID: stringWithDefault(lookup, "API_NOTIFICATIONS_PROJECT_ID", ""),
			TopicID:   stringWithDefault(lookup, "API_NOTIFICATIONS_TOPIC", "transactional-email"),
		},
		Security: SecurityConfig{
			OIDC: OIDCConfig{
				JWKSURL:  stringWithDefault(lookup, "API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience: stringWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCE", ""),
				Issuers:  csvWithDefault(lookup, "API_SECURITY_OIDC_ISSUERS"),
			},
			HMAC: HMACConfig{
				SignatureHeader: stringWithDefault(lookup, "API_SECURITY_HMAC_HEADER_SIGNATURE", defaultHMACSigHeader),
				TimestampHeader: stringWithDefault(lookup, "API_SECURITY_HMAC_HEADER_TIMESTAMP", defaultHMACTSHeader),
				ClockSkew:       durationWithDefault(lookup, "API_SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
			},
		},
	}

	if cfg.Notifications.ProjectID == "" {
		cfg.Notifications.ProjectID = cfg.Firestore.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultOIDCIssuer}
	}

	// Resolve secrets when values reference Secret Manager.
	secretFields := []*string{
		&cfg.Stripe.APIKey,
		&cfg.Zinc.ClientToken,
		&cfg.Zinc.WebhookSecret,
	}
	for _, field := range secretFields {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = resolved
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Firestore.ProjectID == "" {
		missing = append(missing, "Firestore.ProjectID")
	}
	if cfg.Zinc.BaseURL == "" {
		missing = append(missing, "Zinc.BaseURL")
	}
	if cfg.Sweep.BatchSize <= 0 {
		missing = append(missing, "Sweep.BatchSize")
	}
	if cfg.Sweep.Concurrency <= 0 {
		missing = append(missing, "Sweep.Concurrency")
	}
	if cfg.Sweep.RunBudget <= 0 {
		missing = append(missing, "Sweep.RunBudget")
	}
	if cfg.Notifications.TopicID == "" {
		missing = append(missing, "Notifications.TopicID")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(parts[1]), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
