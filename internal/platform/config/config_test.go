package config

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func baseEnv() map[string]string {
	return map[string]string{
		"API_FIRESTORE_PROJECT_ID": "elyphant-test",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(context.Background(),
		WithEnvFile(""),
		WithoutSystemEnv(),
		WithEnvMap(baseEnv()),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("unexpected port %q", cfg.Server.Port)
	}
	if cfg.Zinc.BaseURL != "https://api.zinc.io/v1" {
		t.Errorf("unexpected zinc base url %q", cfg.Zinc.BaseURL)
	}
	if !cfg.Zinc.TestMode {
		t.Error("expected test mode enabled by default")
	}
	if cfg.Sweep.StaleSubmittedAfter != time.Hour {
		t.Errorf("unexpected stale-submitted threshold %v", cfg.Sweep.StaleSubmittedAfter)
	}
	if cfg.Sweep.StaleAnyAfter != 24*time.Hour {
		t.Errorf("unexpected hard staleness threshold %v", cfg.Sweep.StaleAnyAfter)
	}
	if cfg.Notifications.ProjectID != "elyphant-test" {
		t.Errorf("notifications project should default to firestore project, got %q", cfg.Notifications.ProjectID)
	}
	if len(cfg.Security.OIDC.Issuers) != 1 || cfg.Security.OIDC.Issuers[0] != "https://accounts.google.com" {
		t.Errorf("unexpected issuers %v", cfg.Security.OIDC.Issuers)
	}
}

func TestLoadOverrides(t *testing.T) {
	env := baseEnv()
	env["API_SWEEP_BATCH_SIZE"] = "25"
	env["API_SWEEP_PACING"] = "2s"
	env["API_ZINC_TEST_MODE"] = "false"
	env["API_SECURITY_OIDC_ISSUERS"] = "https://a.example, https://b.example"

	cfg, err := Load(context.Background(),
		WithEnvFile(""),
		WithoutSystemEnv(),
		WithEnvMap(env),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Sweep.BatchSize != 25 {
		t.Errorf("batch size override ignored: %d", cfg.Sweep.BatchSize)
	}
	if cfg.Sweep.Pacing != 2*time.Second {
		t.Errorf("pacing override ignored: %v", cfg.Sweep.Pacing)
	}
	if cfg.Zinc.TestMode {
		t.Error("test mode override ignored")
	}
	if len(cfg.Security.OIDC.Issuers) != 2 {
		t.Errorf("issuer csv parsing failed: %v", cfg.Security.OIDC.Issuers)
	}
}

func TestLoadMissingProject(t *testing.T) {
	_, err := Load(context.Background(),
		WithEnvFile(""),
		WithoutSystemEnv(),
		WithEnvMap(map[string]string{}),
	)
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	found := false
	for _, field := range vErr.Fields() {
		if field == "Firestore.ProjectID" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected Firestore.ProjectID in %v", vErr.Fields())
	}
}

func TestLoadResolvesSecrets(t *testing.T) {
	env := baseEnv()
	env["API_ZINC_CLIENT_TOKEN"] = "sm://projects/p/secrets/zinc-token"

	cfg, err := Load(context.Background(),
		WithEnvFile(""),
		WithoutSystemEnv(),
		WithEnvMap(env),
		WithSecretResolver(SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
			if !strings.HasPrefix(ref, "secret://") {
				t.Errorf("expected normalized reference, got %q", ref)
			}
			return "tok_123", nil
		})),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Zinc.ClientToken != "tok_123" {
		t.Errorf("secret not resolved: %q", cfg.Zinc.ClientToken)
	}
}

func TestLoadSecretFailure(t *testing.T) {
	env := baseEnv()
	env["API_STRIPE_API_KEY"] = "secret://projects/p/secrets/stripe"

	_, err := Load(context.Background(),
		WithEnvFile(""),
		WithoutSystemEnv(),
		WithEnvMap(env),
		WithSecretResolver(SecretResolverFunc(func(context.Context, string) (string, error) {
			return "", errors.New("boom")
		})),
	)
	var sErr *SecretError
	if !errors.As(err, &sErr) {
		t.Fatalf("expected SecretError, got %v", err)
	}
}
