package montonio

import (
	"context"
	"errors"
	"fmt"

	"github.com/noah-isme/payment-relay/internal/secrets"
)

// Environment identifies which Montonio credential pair a flow operates with.
type Environment string

const (
	// Sandbox is the Montonio test environment.
	Sandbox Environment = "sandbox"
	// Production is the live Montonio environment.
	Production Environment = "production"
)

// EnvironmentFor maps the order's self-declared test-mode flag to an
// environment. Only the literal string "true" selects the sandbox; every
// other value, including an absent field, falls through to production. The
// flag is an unauthenticated routing hint: selecting an environment proves
// nothing about the order, legitimacy comes from the digest and token checks.
func EnvironmentFor(testMode string) Environment {
	if testMode == "true" {
		return Sandbox
	}
	return Production
}

// Credentials bundles one environment's gateway access material.
type Credentials struct {
	Environment   Environment
	AccessKey     string
	SigningSecret string
	BaseURL       string
}

// ErrUnknownSigner is returned when an outcome token carries an access key
// matching neither configured environment.
var ErrUnknownSigner = errors.New("montonio: token signed by unknown access key")

// CredentialSource fetches gateway credentials from the secret store. Access
// keys are stored as plain parameters, signing secrets require decryption.
// Values are fetched per invocation and never held beyond one flow.
type CredentialSource struct {
	Secrets secrets.Store

	SandboxKeyName    string
	SandboxSecretName string
	SandboxBaseURL    string

	ProductionKeyName    string
	ProductionSecretName string
	ProductionBaseURL    string
}

// Select resolves credentials for the environment the order's test-mode flag
// routes to.
func (s CredentialSource) Select(ctx context.Context, testMode string) (Credentials, error) {
	return s.For(ctx, EnvironmentFor(testMode))
}

// For fetches the credential pair for a known environment.
func (s CredentialSource) For(ctx context.Context, env Environment) (Credentials, error) {
	keyName, secretName, baseURL := s.names(env)
	key, err := s.Secrets.Get(ctx, keyName, false)
	if err != nil {
		return Credentials{}, fmt.Errorf("montonio: %s access key: %w", env, err)
	}
	secret, err := s.Secrets.Get(ctx, secretName, true)
	if err != nil {
		return Credentials{}, fmt.Errorf("montonio: %s signing secret: %w", env, err)
	}
	return Credentials{Environment: env, AccessKey: key, SigningSecret: secret, BaseURL: baseURL}, nil
}

// Identify resolves which environment owns the given access key. The key is
// taken from an unverified token peek, so a match grants no trust by itself;
// the caller must still verify the token with the returned signing secret.
// A key matching neither environment fails with ErrUnknownSigner.
func (s CredentialSource) Identify(ctx context.Context, accessKey string) (Credentials, error) {
	sandboxKey, err := s.Secrets.Get(ctx, s.SandboxKeyName, false)
	if err != nil {
		return Credentials{}, fmt.Errorf("montonio: sandbox access key: %w", err)
	}
	if accessKey == sandboxKey {
		secret, err := s.Secrets.Get(ctx, s.SandboxSecretName, true)
		if err != nil {
			return Credentials{}, fmt.Errorf("montonio: sandbox signing secret: %w", err)
		}
		return Credentials{Environment: Sandbox, AccessKey: sandboxKey, SigningSecret: secret, BaseURL: s.SandboxBaseURL}, nil
	}
	productionKey, err := s.Secrets.Get(ctx, s.ProductionKeyName, false)
	if err != nil {
		return Credentials{}, fmt.Errorf("montonio: production access key: %w", err)
	}
	if accessKey == productionKey {
		secret, err := s.Secrets.Get(ctx, s.ProductionSecretName, true)
		if err != nil {
			return Credentials{}, fmt.Errorf("montonio: production signing secret: %w", err)
		}
		return Credentials{Environment: Production, AccessKey: productionKey, SigningSecret: secret, BaseURL: s.ProductionBaseURL}, nil
	}
	return Credentials{}, ErrUnknownSigner
}

func (s CredentialSource) names(env Environment) (keyName, secretName, baseURL string) {
	if env == Sandbox {
		return s.SandboxKeyName, s.SandboxSecretName, s.SandboxBaseURL
	}
	return s.ProductionKeyName, s.ProductionSecretName, s.ProductionBaseURL
}
