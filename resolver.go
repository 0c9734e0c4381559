package sdauploader

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// AuthStrategy turns the candidate secrets into a credential to probe.
type AuthStrategy struct {
	// Name labels the strategy in logs and errors.
	Name string

	// Build returns an error when the candidates cannot form this kind of
	// credential, e.g. the key is not RSA.
	Build func(key []byte, password string) (Credential, error)
}

// DefaultStrategies is the fixed resolution order: RSA key, Ed25519 key, password.
// The password doubles as the key passphrase.
func DefaultStrategies() []AuthStrategy {
	return []AuthStrategy{
		{
			Name: "rsa key",
			Build: func(key []byte, password string) (Credential, error) {
				return NewKeyCredential(KeyAlgorithmRSA, key, []byte(password))
			},
		},
		{
			Name: "ed25519 key",
			Build: func(key []byte, password string) (Credential, error) {
				return NewKeyCredential(KeyAlgorithmEd25519, key, []byte(password))
			},
		},
		{
			Name: "password",
			Build: func(_ []byte, password string) (Credential, error) {
				return NewPasswordCredential(password)
			},
		},
	}
}

// ProbeFunc opens a connection authenticated with cred and closes it again.
type ProbeFunc func(ctx context.Context, cfg Config, cred Credential) error

// CredentialResolver finds the first authentication method the server accepts.
type CredentialResolver struct {
	cfg        Config
	strategies []AuthStrategy
	probe      ProbeFunc
	log        *zap.Logger
}

// ResolverOption configures a CredentialResolver.
type ResolverOption func(*CredentialResolver)

// WithStrategies replaces the default strategy order.
func WithStrategies(strategies ...AuthStrategy) ResolverOption {
	return func(r *CredentialResolver) {
		r.strategies = strategies
	}
}

// WithProbe replaces the network probe.
func WithProbe(probe ProbeFunc) ResolverOption {
	return func(r *CredentialResolver) {
		r.probe = probe
	}
}

// NewCredentialResolver creates a resolver for cfg.Endpoint.
func NewCredentialResolver(cfg Config, opts ...ResolverOption) *CredentialResolver {
	cfg = cfg.WithDefaults()
	r := &CredentialResolver{
		cfg:        cfg,
		strategies: DefaultStrategies(),
		probe:      probeSSH,
		log:        cfg.Logger.With(zap.String("host", cfg.Endpoint.Address()), zap.String("user", cfg.Endpoint.User)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve tries every strategy in order and returns the first credential that
// authenticates. Each failure is logged and kept; if none succeeds the result
// is an *AuthExhaustedError. A host key mismatch stops resolution at once with
// a *TransportError, since no credential can get past it.
func (r *CredentialResolver) Resolve(ctx context.Context, key []byte, password string) (Credential, error) {
	r.log.Info("testing connection to SFTP server", zap.Duration("timeout", r.cfg.ProbeTimeout))

	var attempts error
	for _, strategy := range r.strategies {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("credential resolution cancelled: %w", err)
		}

		log := r.log.With(zap.String("strategy", strategy.Name))
		log.Info("testing SFTP authentication method")

		cred, err := strategy.Build(key, password)
		if err == nil {
			err = r.probe(ctx, r.cfg, cred)
		}
		if err != nil {
			log.Warn("SFTP authentication method failed", zap.Error(err))
			if isHostKeyError(err) {
				return nil, &TransportError{Host: r.cfg.Endpoint.Host, Op: "host key verification", Err: err}
			}
			attempts = multierr.Append(attempts, fmt.Errorf("%s: %w", strategy.Name, err))
			continue
		}

		log.Info("SFTP test connection OK")
		return cred, nil
	}

	if attempts == nil {
		attempts = fmt.Errorf("no authentication strategies configured")
	}
	return nil, &AuthExhaustedError{Host: r.cfg.Endpoint.Host, Attempts: attempts}
}

// probeSSH performs a full handshake with cred on a connection of its own.
func probeSSH(ctx context.Context, cfg Config, cred Credential) error {
	client, err := dialSSH(ctx, cfg, cred.authMethod())
	if err != nil {
		return err
	}
	_ = client.Close()
	return nil
}
