package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

const (
	defaultJWKSRefreshInterval = time.Hour
	jwksFetchTimeout           = 10 * time.Second
)

var (
	// ErrJWKSKeyNotFound is returned when the requested key ID is absent from the JWKS document.
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	// ErrJWKSFetchFailed wraps transport or decoding errors while refreshing JWKS.
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
	// ErrTokenInvalid indicates the bearer token failed verification.
	ErrTokenInvalid = errors.New("auth: token invalid")
)

// Logger captures the minimal logging contract used by the auth package.
type Logger interface {
	Printf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Printf(string, ...any) {}

// OIDCVerifierConfig configures Google-signed token verification for internal endpoints.
type OIDCVerifierConfig struct {
	JWKSURL    string
	Audience   string
	Issuers    []string
	HTTPClient *http.Client
	Logger     Logger
	Clock      func() time.Time
}

// OIDCVerifier validates RS256 ID tokens against a cached JWKS document.
type OIDCVerifier struct {
	jwksURL  string
	audience string
	issuers  []string
	client   *http.Client
	logger   Logger
	clock    func() time.Time

	mu        sync.RWMutex
	keys      map[string]any
	fetchedAt time.Time
}

// NewOIDCVerifier constructs a verifier from the supplied configuration.
func NewOIDCVerifier(cfg OIDCVerifierConfig) (*OIDCVerifier, error) {
	url := strings.TrimSpace(cfg.JWKSURL)
	if url == "" {
		return nil, errors.New("auth: jwks url is required")
	}
	if strings.TrimSpace(cfg.Audience) == "" {
		return nil, errors.New("auth: audience is required")
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: jwksFetchTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &OIDCVerifier{
		jwksURL:  url,
		audience: strings.TrimSpace(cfg.Audience),
		issuers:  append([]string(nil), cfg.Issuers...),
		client:   client,
		logger:   logger,
		clock:    clock,
	}, nil
}

// Verify parses and validates the bearer token, returning its subject claim.
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (string, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return "", fmt.Errorf("%w: empty token", ErrTokenInvalid)
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithTimeFunc(v.clock),
	)
	token, err := parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		return v.keyForKID(ctx, kid)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return "", ErrTokenInvalid
	}

	if !claims.VerifyAudience(v.audience, true) {
		return "", fmt.Errorf("%w: audience mismatch", ErrTokenInvalid)
	}
	if len(v.issuers) > 0 {
		issuer, _ := claims["iss"].(string)
		matched := false
		for _, allowed := range v.issuers {
			if issuer == allowed {
				matched = true
				break
			}
		}
		if !matched {
			return "", fmt.Errorf("%w: issuer %q not allowed", ErrTokenInvalid, issuer)
		}
	}

	subject, _ := claims["sub"].(string)
	return subject, nil
}

// Middleware enforces a verified bearer token on the wrapped handlers.
func (v *OIDCVerifier) Middleware(onReject func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	if onReject == nil {
		onReject = func(w http.ResponseWriter, _ *http.Request, _ error) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				onReject(w, r, fmt.Errorf("%w: missing bearer token", ErrTokenInvalid))
				return
			}
			if _, err := v.Verify(r.Context(), strings.TrimPrefix(header, "Bearer ")); err != nil {
				onReject(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (v *OIDCVerifier) keyForKID(ctx context.Context, kid string) (any, error) {
	if kid == "" {
		return nil, ErrJWKSKeyNotFound
	}

	v.mu.RLock()
	key, ok := v.keys[kid]
	fresh := v.clock().Sub(v.fetchedAt) < defaultJWKSRefreshInterval
	v.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	if err := v.refreshKeys(ctx); err != nil {
		// Serve a stale key if the refresh failed but we have one cached.
		if ok {
			v.logger.Printf("auth: jwks refresh failed, serving cached key: %v", err)
			return key, nil
		}
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if key, ok := v.keys[kid]; ok {
		return key, nil
	}
	return nil, ErrJWKSKeyNotFound
}

func (v *OIDCVerifier) refreshKeys(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var jwks jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}

	keys := make(map[string]any, len(jwks.Keys))
	for _, key := range jwks.Keys {
		if key.KeyID == "" || !key.Valid() {
			continue
		}
		keys[key.KeyID] = key.Key
	}

	v.mu.Lock()
	v.keys = keys
	v.fetchedAt = v.clock()
	v.mu.Unlock()
	return nil
}
